package qms

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestDB opens a private in-memory sqlite database shared by the pool's connections.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	db     *gorm.DB
	clock  *fakeClock
	svc    *Service
	tenant *Tenant
	roles  map[string]Role
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	clock := newFakeClock()
	svc, err := New(Config{
		DB:                 db,
		AutoMigrate:        true,
		EnableAuditLogging: true,
		Now:                clock.Now,
		Logger:             zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)).Sugar(),
	})
	require.NoError(t, err)

	f := &fixture{t: t, ctx: context.Background(), db: db, clock: clock, svc: svc}
	f.tenant, f.roles = f.newTenant("Acme")
	return f
}

func (f *fixture) newTenant(name string) (*Tenant, map[string]Role) {
	f.t.Helper()
	tenant, roles, err := f.svc.CreateTenant(f.ctx, name)
	require.NoError(f.t, err)
	byName := make(map[string]Role, len(roles))
	for _, r := range roles {
		byName[r.Name] = r
	}
	return tenant, byName
}

type userOpt func(*UserInput)

func withManager(m *User) userOpt {
	return func(in *UserInput) { in.ManagerID = &m.ID }
}

func inUnit(u *OrganizationUnit) userOpt {
	return func(in *UserInput) { in.OrganizationUnitID = &u.ID }
}

// user creates an active member of the fixture tenant holding the named seeded roles.
func (f *fixture) user(name string, roleNames []string, opts ...userOpt) *User {
	f.t.Helper()
	return f.userIn(f.tenant, f.roles, name, roleNames, opts...)
}

func (f *fixture) userIn(tenant *Tenant, roles map[string]Role, name string, roleNames []string, opts ...userOpt) *User {
	f.t.Helper()
	in := UserInput{
		TenantID: tenant.ID,
		Email:    fmt.Sprintf("%s@%s.test", strings.ReplaceAll(name, " ", "."), strings.ToLower(tenant.Name)),
		FullName: name,
	}
	for _, rn := range roleNames {
		r, ok := roles[rn]
		require.True(f.t, ok, "role %s not seeded", rn)
		in.RoleIDs = append(in.RoleIDs, r.ID)
	}
	for _, o := range opts {
		o(&in)
	}
	u, err := f.svc.CreateUser(f.ctx, uuid.Nil, in)
	require.NoError(f.t, err)
	return u
}

func (f *fixture) unit(name string) *OrganizationUnit {
	f.t.Helper()
	u, err := f.svc.CreateOrgUnit(f.ctx, uuid.Nil, f.tenant.ID, name, nil)
	require.NoError(f.t, err)
	return u
}

func (f *fixture) draft(creator *User, in DocumentInput) *Document {
	f.t.Helper()
	if in.Title == "" {
		in.Title = "Doc " + uuid.NewString()[:8]
	}
	doc, err := f.svc.Documents.Create(f.ctx, creator.ID, in)
	require.NoError(f.t, err)
	return doc
}

func (f *fixture) notificationTitles(userID uuid.UUID) []string {
	f.t.Helper()
	ns, err := f.svc.ListNotifications(f.ctx, userID, false)
	require.NoError(f.t, err)
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Title)
	}
	return out
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, CodeOf(err), "error: %v", err)
}

// messageOf returns the user-facing message of a ValidationError.
func messageOf(t *testing.T, err error) string {
	t.Helper()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	return ve.Message
}

func ptr[T any](v T) *T { return &v }
