package iam_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hisadmin.org/internal/audit"
	"hisadmin.org/internal/iam"
	"hisadmin.org/internal/store/memory"
)

var testHasher = iam.PasswordHasher{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 32, SaltLength: 16}

const goodPassword = "Admin@123"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyAudit fails appends while broken is set, or appends of the action
// stored in failing.
type flakyAudit struct {
	*audit.MemoryStore
	broken  atomic.Bool
	failing atomic.Value
}

func (f *flakyAudit) Append(ctx context.Context, ev audit.Event, seal audit.SealFunc) (audit.Event, error) {
	if f.broken.Load() || f.failing.Load() == ev.Action {
		return audit.Event{}, errors.New("audit disk full")
	}
	return f.MemoryStore.Append(ctx, ev, seal)
}

type fixture struct {
	clock    *fakeClock
	store    *memory.Store
	sessions *memory.SessionStore
	auditLog *flakyAudit
	trail    *audit.Trail
	lockout  *iam.LockoutPolicy
	roles    *iam.RoleGraph
	accounts *iam.AccountRegistry
	registry *iam.SessionRegistry
}

func newFixture(t *testing.T, opts ...iam.Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	chain, err := audit.NewChain([]byte("iam-test-secret"))
	require.NoError(t, err)

	f := &fixture{
		clock:    clock,
		store:    memory.New(iam.BuiltinPermissions),
		sessions: memory.NewSessionStore(),
		auditLog: &flakyAudit{MemoryStore: audit.NewMemoryStore()},
	}
	f.trail = audit.NewTrail(f.auditLog, chain, audit.WithClock(clock.Now))
	f.lockout = iam.NewLockoutPolicy(3, 15*time.Minute, iam.WithLockoutClock(clock.Now))

	catalog, err := iam.LoadCatalog(context.Background(), f.store)
	require.NoError(t, err)
	base := []iam.Option{
		iam.WithClock(clock.Now),
		iam.WithPasswordHasher(testHasher),
		iam.WithLockoutPolicy(f.lockout),
		iam.WithIdleTimeout(30 * time.Minute),
		iam.WithAbsoluteTTL(12 * time.Hour),
	}
	opts = append(base, opts...)
	f.roles = iam.NewRoleGraph(f.store, f.store, catalog, f.trail, opts...)
	f.accounts = iam.NewAccountRegistry(f.store, f.store, f.roles, f.sessions, f.trail, opts...)
	f.registry = iam.NewSessionRegistry(f.sessions, f.accounts, f.trail, opts...)
	return f
}

func adminCtx() context.Context {
	ctx := audit.WithActor(context.Background(), audit.Actor{ID: 1000, Name: "admin"})
	return audit.WithSourceIP(ctx, "10.0.0.1")
}

func (f *fixture) events(t *testing.T) []audit.Event {
	t.Helper()
	evs, err := f.trail.After(context.Background(), 0, 10000)
	require.NoError(t, err)
	return evs
}

func (f *fixture) lastEvent(t *testing.T) audit.Event {
	t.Helper()
	evs := f.events(t)
	require.NotEmpty(t, evs)
	return evs[len(evs)-1]
}

func (f *fixture) account(t *testing.T, employeeID int64, username string, roles ...iam.Role) iam.Account {
	t.Helper()
	ctx := adminCtx()
	acc, err := f.accounts.CreateAccount(ctx, iam.NewAccount{EmployeeID: employeeID, Username: username, Password: goodPassword, IsActive: true})
	require.NoError(t, err)
	for _, r := range roles {
		require.NoError(t, f.accounts.GrantRole(ctx, acc.ID, r.ID))
	}
	acc, err = f.accounts.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	return acc
}

func (f *fixture) role(t *testing.T, name string, permIDs ...int64) iam.Role {
	t.Helper()
	r, err := f.roles.CreateRole(adminCtx(), name)
	require.NoError(t, err)
	if len(permIDs) > 0 {
		_, err = f.roles.AssignPermissions(adminCtx(), r.ID, permIDs, iam.AssignReplace)
		require.NoError(t, err)
	}
	return r
}
