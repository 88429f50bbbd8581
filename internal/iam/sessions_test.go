package iam_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/audit"
	"hisadmin.org/internal/iam"
)

func TestOpenRequiresActiveAccount(t *testing.T) {
	f := newFixture(t)
	ctx := adminCtx()
	acc := f.account(t, 1, "olivia")

	s, err := f.registry.Open(ctx, acc.ID, "10.1.1.1")
	require.NoError(t, err)
	assert.Len(t, s.ID, 43)
	assert.Equal(t, iam.SessionActive, s.Status)

	ev := f.lastEvent(t)
	assert.Equal(t, audit.ActionLoginSuccess, ev.Action)
	assert.Equal(t, acc.ID, ev.ActorID)
	assert.Equal(t, "10.1.1.1", ev.IP)

	got, err := f.accounts.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLogin)
	assert.True(t, got.LastLogin.Equal(f.clock.Now()))

	_, err = f.accounts.Deactivate(ctx, acc.ID)
	require.NoError(t, err)
	_, err = f.registry.Open(ctx, acc.ID, "10.1.1.1")
	assert.ErrorIs(t, err, iam.ErrAccountUnavailable)
	_, err = f.registry.Open(ctx, 12345, "10.1.1.1")
	assert.ErrorIs(t, err, iam.ErrAccountNotFound)
}

func TestOpenTerminatesSessionWhenLoginAuditFails(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, 1, "peggy")

	f.auditLog.broken.Store(true)
	_, err := f.registry.Open(context.Background(), acc.ID, "10.1.1.1")
	require.ErrorIs(t, err, apperr.ErrStorage)
	f.auditLog.broken.Store(false)

	online, err := f.registry.ListOnline(context.Background(), acc.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestTerminateTwiceIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := adminCtx()
	acc := f.account(t, 1, "quinn")
	s, err := f.registry.Open(ctx, acc.ID, "10.2.2.2")
	require.NoError(t, err)

	first, err := f.registry.Terminate(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, first.TerminatedAt)
	f.clock.Advance(time.Minute)
	second, err := f.registry.Terminate(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, first.TerminatedAt, second.TerminatedAt)

	online, err := f.registry.ListOnline(ctx, 0, 24)
	require.NoError(t, err)
	assert.Empty(t, online)

	alive, err := f.registry.Touch(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, alive)

	_, err = f.registry.Terminate(ctx, "no-such-session")
	assert.ErrorIs(t, err, iam.ErrSessionNotFound)
}

func TestAdminTerminateRecordsActorAndTarget(t *testing.T) {
	f := newFixture(t)
	user := f.account(t, 1, "rupert")
	s, err := f.registry.Open(context.Background(), user.ID, "10.3.3.3")
	require.NoError(t, err)

	_, err = f.registry.Terminate(adminCtx(), s.ID)
	require.NoError(t, err)

	ev := f.lastEvent(t)
	assert.Equal(t, audit.ActionLogout, ev.Action)
	assert.Equal(t, audit.OutcomeSuccess, ev.Outcome)
	assert.Equal(t, int64(1000), ev.ActorID)
	assert.Equal(t, "admin", ev.ActorName)
	assert.Equal(t, audit.EntityAccount, ev.EntityType)
	assert.Equal(t, strconv.FormatInt(user.ID, 10), ev.EntityID)
	assert.NotEqual(t, ev.EntityID, strconv.FormatInt(ev.ActorID, 10))
}

func TestTerminateAllThenListOnlineIsEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := adminCtx()
	acc := f.account(t, 1, "sybil")
	other := f.account(t, 2, "trent")
	for i := 0; i < 3; i++ {
		_, err := f.registry.Open(ctx, acc.ID, "10.4.4.4")
		require.NoError(t, err)
	}
	keep, err := f.registry.Open(ctx, other.ID, "10.5.5.5")
	require.NoError(t, err)

	n, err := f.registry.TerminateAllByUsername(ctx, "SYBIL")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	online, err := f.registry.ListOnline(ctx, acc.ID, 24)
	require.NoError(t, err)
	assert.Empty(t, online)
	online, err = f.registry.ListOnline(ctx, 0, 24)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, keep.ID, online[0].ID)

	ev := f.lastEvent(t)
	assert.Equal(t, audit.ActionLogout, ev.Action)
	assert.Contains(t, ev.Description, "terminated all 3 sessions")

	_, err = f.registry.TerminateAllByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, iam.ErrAccountNotFound)
}

func TestTerminateAllRacingOpens(t *testing.T) {
	f := newFixture(t)
	ctx := adminCtx()
	acc := f.account(t, 1, "uma")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.registry.Open(ctx, acc.ID, "10.6.6.6")
			assert.NoError(t, err)
		}()
	}
	_, err := f.registry.TerminateAll(ctx, acc.ID)
	require.NoError(t, err)
	wg.Wait()

	online, err := f.registry.ListOnline(ctx, acc.ID, 24)
	require.NoError(t, err)
	for _, s := range online {
		got, err := f.registry.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, iam.SessionActive, got.Status)
		assert.Nil(t, got.TerminatedAt)
	}

	_, err = f.registry.TerminateAll(ctx, acc.ID)
	require.NoError(t, err)
	online, err = f.registry.ListOnline(ctx, acc.ID, 24)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestListOnlineWindow(t *testing.T) {
	f := newFixture(t, iam.WithIdleTimeout(0))
	ctx := adminCtx()
	acc := f.account(t, 1, "victor")
	old, err := f.registry.Open(ctx, acc.ID, "10.7.7.7")
	require.NoError(t, err)
	f.clock.Advance(3 * time.Hour)
	recent, err := f.registry.Open(ctx, acc.ID, "10.7.7.8")
	require.NoError(t, err)

	online, err := f.registry.ListOnline(ctx, acc.ID, 2)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, recent.ID, online[0].ID)

	online, err = f.registry.ListOnline(ctx, acc.ID, 0)
	require.NoError(t, err)
	require.Len(t, online, 2)
	assert.Equal(t, recent.ID, online[0].ID, "newest login first")
	assert.Equal(t, old.ID, online[1].ID)
}

func TestAuthorizeReadsLiveState(t *testing.T) {
	f := newFixture(t)
	ctx := adminCtx()
	r := f.role(t, "ROLE_VIEWER", 1)
	acc := f.account(t, 1, "walter", r)
	s, err := f.registry.Open(ctx, acc.ID, "10.8.8.8")
	require.NoError(t, err)

	p, err := f.registry.Authorize(ctx, s.ID, acc.ID)
	require.NoError(t, err)
	assert.True(t, p.HasPermission(iam.PermAccountView))
	assert.False(t, p.HasPermission(iam.PermRoleView))

	_, err = f.roles.AssignPermissions(ctx, r.ID, []int64{5}, iam.AssignAdd)
	require.NoError(t, err)
	p, err = f.registry.Authorize(ctx, s.ID, acc.ID)
	require.NoError(t, err)
	assert.True(t, p.HasPermission(iam.PermRoleView), "permission change visible on next request")

	_, err = f.registry.Authorize(ctx, s.ID, acc.ID+1)
	assert.ErrorIs(t, err, iam.ErrSessionTerminated, "session bound to another account")

	_, err = f.accounts.Deactivate(ctx, acc.ID)
	require.NoError(t, err)
	_, err = f.registry.Authorize(ctx, s.ID, acc.ID)
	assert.ErrorIs(t, err, iam.ErrAccountUnavailable)
	_, err = f.accounts.Activate(ctx, acc.ID)
	require.NoError(t, err)

	_, err = f.registry.Terminate(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.registry.Authorize(ctx, s.ID, acc.ID)
	assert.ErrorIs(t, err, iam.ErrSessionTerminated)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestAuthorizeExpiresIdleSession(t *testing.T) {
	f := newFixture(t)
	ctx := adminCtx()
	acc := f.account(t, 1, "xena")
	s, err := f.registry.Open(ctx, acc.ID, "10.9.9.9")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	_, err = f.registry.Authorize(ctx, s.ID, acc.ID)
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)
	_, err = f.registry.Authorize(ctx, s.ID, acc.ID)
	require.NoError(t, err, "touch keeps the session alive")

	f.clock.Advance(31 * time.Minute)
	_, err = f.registry.Authorize(ctx, s.ID, acc.ID)
	require.ErrorIs(t, err, iam.ErrSessionExpired)
	got, err := f.registry.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, iam.SessionTerminated, got.Status)
	assert.Equal(t, audit.System.Name, f.lastEvent(t).ActorName)
}

func TestSweepTerminatesIdleAndOverAgeSessions(t *testing.T) {
	f := newFixture(t)
	ctx := adminCtx()
	acc := f.account(t, 1, "yusuf")
	idle, err := f.registry.Open(ctx, acc.ID, "10.10.0.1")
	require.NoError(t, err)
	busy, err := f.registry.Open(ctx, acc.ID, "10.10.0.2")
	require.NoError(t, err)

	f.clock.Advance(25 * time.Minute)
	_, err = f.registry.Touch(ctx, busy.ID)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)

	n, err := f.registry.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.registry.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, iam.SessionTerminated, got.Status)

	ev := f.lastEvent(t)
	assert.Equal(t, audit.ActionLogout, ev.Action)
	assert.Equal(t, int64(0), ev.ActorID)
	assert.Equal(t, "system", ev.ActorName)
	assert.Contains(t, ev.Description, "idle")

	for i := 0; i < 26; i++ {
		f.clock.Advance(29 * time.Minute)
		_, err = f.registry.Touch(ctx, busy.ID)
		require.NoError(t, err)
	}
	n, err = f.registry.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, f.lastEvent(t).Description, "max_age")
}

func TestLogoutEndsOwnSession(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, 1, "zoe")
	s, err := f.registry.Open(context.Background(), acc.ID, "10.11.0.1")
	require.NoError(t, err)

	p, err := f.registry.Authorize(context.Background(), s.ID, acc.ID)
	require.NoError(t, err)
	ctx := iam.ContextWithPrincipal(context.Background(), p)
	require.NoError(t, f.registry.Logout(ctx, s.ID))

	ev := f.lastEvent(t)
	assert.Equal(t, acc.ID, ev.ActorID)
	assert.Equal(t, strconv.FormatInt(acc.ID, 10), ev.EntityID)
	_, err = f.registry.Authorize(context.Background(), s.ID, acc.ID)
	assert.ErrorIs(t, err, iam.ErrSessionTerminated)
}
