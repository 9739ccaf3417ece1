package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one periodic sweep. It returns how many items it handled.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(context.Context) (int, error)
}

// Scheduler runs Jobs on cron schedules until its context is cancelled.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	jobs   []Job
	log    *zap.SugaredLogger

	mu      sync.Mutex
	running map[string]bool
	rootCtx context.Context
}

func New(log *zap.SugaredLogger, jobs ...Job) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:    jobs,
		log:     log,
		running: make(map[string]bool),
	}
}

// Schedule registers every job. Invalid schedules are reported before anything runs.
func (s *Scheduler) Schedule() error {
	for _, job := range s.jobs {
		sched, err := s.parser.Parse(job.Schedule)
		if err != nil {
			return fmt.Errorf("scheduler: invalid schedule %q for %s: %w", job.Schedule, job.Name, err)
		}
		s.cron.Schedule(sched, cron.FuncJob(func() { s.execute(job) }))
	}
	return nil
}

// Run schedules the jobs and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.rootCtx = ctx
	s.mu.Unlock()

	if err := s.Schedule(); err != nil {
		return err
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// execute runs job once unless a previous run is still going.
func (s *Scheduler) execute(job Job) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		s.log.Warnw("scheduler: skipping overlapping run", "job", job.Name)
		return
	}
	s.running[job.Name] = true
	parent := s.rootCtx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.mu.Unlock()
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx := parent
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.log.Errorw("scheduler: job failed", "job", job.Name, "error", err)
		return
	}
	s.log.Infow("scheduler: job finished", "job", job.Name, "handled", n, "duration", time.Since(start))
}
