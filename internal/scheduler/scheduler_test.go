package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleRejectsInvalidSpec(t *testing.T) {
	s := New(nil, Job{Name: "bad", Schedule: "every tuesday", Run: func(context.Context) (int, error) { return 0, nil }})
	assert.Error(t, s.Schedule())
}

func TestExecuteAppliesTimeout(t *testing.T) {
	var sawDeadline atomic.Bool
	job := Job{
		Name:    "sweep",
		Timeout: time.Second,
		Run: func(ctx context.Context) (int, error) {
			_, ok := ctx.Deadline()
			sawDeadline.Store(ok)
			return 3, nil
		},
	}
	s := New(nil, job)
	s.execute(job)
	assert.True(t, sawDeadline.Load())
}

func TestExecuteSkipsOverlappingRuns(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	job := Job{
		Name: "slow",
		Run: func(ctx context.Context) (int, error) {
			calls.Add(1)
			<-release
			return 0, nil
		},
	}
	s := New(nil, job)

	done := make(chan struct{})
	go func() {
		s.execute(job)
		close(done)
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.execute(job)
	close(release)
	<-done
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	s := New(nil, Job{
		Name:     "tick",
		Schedule: "@every 1s",
		Run: func(context.Context) (int, error) {
			calls.Add(1)
			return 0, errors.New("boom")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
