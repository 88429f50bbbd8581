package redisstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/audit"
	"hisadmin.org/internal/iam"
)

var base = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func open(t *testing.T, s *SessionStore, id string, account int64, seen time.Time) {
	t.Helper()
	require.NoError(t, s.CreateSession(context.Background(), iam.Session{
		ID: id, AccountID: account, IP: "10.1.1.1", LoginAt: seen, LastSeen: seen, Status: iam.SessionActive,
	}))
}

func TestSessionLifecycle(t *testing.T) {
	_, c := setup(t)
	s := NewSessionStore(c, WithKeyPrefix("test"))
	ctx := context.Background()
	open(t, s, "s1", 7, base)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.AccountID)
	assert.Equal(t, iam.SessionActive, got.Status)
	assert.True(t, got.LoginAt.Equal(base))

	err = s.CreateSession(ctx, iam.Session{ID: "s1", AccountID: 8, LoginAt: base, LastSeen: base})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	ok, err := s.TouchSession(ctx, "s1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TouchSession(ctx, "s1", base)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = s.GetSession(ctx, "s1")
	assert.True(t, got.LastSeen.Equal(base.Add(time.Minute)), "last seen never moves backwards")

	ended, changed, err := s.TerminateSession(ctx, "s1", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, iam.SessionTerminated, ended.Status)
	require.NotNil(t, ended.TerminatedAt)

	_, changed, err = s.TerminateSession(ctx, "s1", base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	ok, err = s.TouchSession(ctx, "s1", base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.TerminateSession(ctx, "missing", base)
	assert.ErrorIs(t, err, iam.ErrSessionNotFound)
	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, iam.ErrSessionNotFound)
}

func TestTerminatedSessionsExpire(t *testing.T) {
	mr, c := setup(t)
	s := NewSessionStore(c, WithRetention(time.Hour))
	ctx := context.Background()
	open(t, s, "s1", 1, base)
	_, _, err := s.TerminateSession(ctx, "s1", base)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("hisadmin:session:s1"))
	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, iam.SessionTerminated, got.Status)
	assert.Equal(t, int64(1), got.AccountID)

	got, changed, err := s.TerminateSession(ctx, "s1", base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(1), got.AccountID)
}

func TestRestoreSessionsUndoesOnlyMatchingTermination(t *testing.T) {
	_, c := setup(t)
	s := NewSessionStore(c)
	ctx := context.Background()
	open(t, s, "a1", 1, base)
	open(t, s, "a2", 1, base)
	_, _, err := s.TerminateSession(ctx, "a2", base.Add(time.Minute))
	require.NoError(t, err)

	at := base.Add(2 * time.Minute)
	ended, err := s.TerminateAccountSessions(ctx, 1, at)
	require.NoError(t, err)
	require.Len(t, ended, 1)

	stale, err := s.GetSession(ctx, "a2")
	require.NoError(t, err)
	require.NoError(t, s.RestoreSessions(ctx, append(ended, stale), at))

	online, err := s.ListOnline(ctx, iam.OnlineFilter{AccountID: 1})
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "a1", online[0].ID)
	assert.Nil(t, online[0].TerminatedAt)

	ok, err := s.TouchSession(ctx, "a1", at.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	idle, err := s.ListIdle(ctx, at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)

	again, err := s.TerminateAccountSessions(ctx, 1, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, again, 1, "restored session is back in the account set")
}

func TestTerminateAccountSessionsSnapshot(t *testing.T) {
	_, c := setup(t)
	s := NewSessionStore(c)
	ctx := context.Background()
	open(t, s, "a1", 1, base)
	open(t, s, "a2", 1, base)
	open(t, s, "b1", 2, base)
	_, _, err := s.TerminateSession(ctx, "a2", base)
	require.NoError(t, err)

	ended, err := s.TerminateAccountSessions(ctx, 1, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, ended, 1)
	assert.Equal(t, "a1", ended[0].ID)

	open(t, s, "a3", 1, base.Add(2*time.Minute))
	online, err := s.ListOnline(ctx, iam.OnlineFilter{AccountID: 1})
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "a3", online[0].ID)

	again, err := s.TerminateAccountSessions(ctx, 9, base)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestListOnlineAndIdle(t *testing.T) {
	_, c := setup(t)
	s := NewSessionStore(c)
	ctx := context.Background()
	open(t, s, "old", 1, base.Add(-2*time.Hour))
	open(t, s, "new", 2, base)

	online, err := s.ListOnline(ctx, iam.OnlineFilter{Since: base.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "new", online[0].ID)

	all, err := s.ListOnline(ctx, iam.OnlineFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	idle, err := s.ListIdle(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "old", idle[0].ID)

	idle, err = s.ListIdle(ctx, base)
	require.NoError(t, err)
	assert.Len(t, idle, 1, "the bound is exclusive")
}

func TestConcurrentTerminateTransitionsOnce(t *testing.T) {
	_, c := setup(t)
	s := NewSessionStore(c)
	open(t, s, "s1", 1, base)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := s.TerminateSession(context.Background(), "s1", base)
			assert.NoError(t, err)
			if changed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStreamSinkPublishes(t *testing.T) {
	_, c := setup(t)
	sink := NewStreamSink(c, "audit-test", 100)
	ev := audit.Event{ID: 12, Action: audit.ActionGrant, Module: audit.ModuleRole, EntityType: audit.EntityRole, EntityID: "3"}
	require.NoError(t, sink.Publish(context.Background(), ev))

	msgs, err := c.XRange(context.Background(), "audit-test", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "12", msgs[0].Values["id"])
	assert.Equal(t, "GRANT", msgs[0].Values["action"])

	var decoded audit.Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &decoded))
	assert.Equal(t, "3", decoded.EntityID)
}

func TestCursorIsMonotonic(t *testing.T) {
	_, c := setup(t)
	cur := NewCursor(c, "")
	ctx := context.Background()

	id, err := cur.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, cur.SaveCursor(ctx, 10))
	require.NoError(t, cur.SaveCursor(ctx, 4))
	id, err = cur.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), id)
}

func TestRelayDeliversToStream(t *testing.T) {
	_, c := setup(t)
	chain, err := audit.NewChain([]byte("relay"))
	require.NoError(t, err)
	trail := audit.NewTrail(audit.NewMemoryStore(), chain, audit.WithClock(func() time.Time { return base }))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := trail.Record(ctx, audit.Event{Action: audit.ActionCreate, Module: audit.ModuleRole, EntityType: audit.EntityRole, EntityID: "1", Outcome: audit.OutcomeSuccess})
		require.NoError(t, err)
	}

	relay := audit.NewRelay(trail, audit.WithSink(NewStreamSink(c, "", 0)), audit.WithCursorStore(NewCursor(c, "")))
	n, err := relay.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	length, err := c.XLen(ctx, "hisadmin:audit").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)
	id, err := NewCursor(c, "").LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
}
