package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"hisadmin.org/internal/apperr"
)

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

func newTestTrail(t *testing.T) (*Trail, *MemoryStore, *fakeClock) {
	t.Helper()
	chain, err := NewChain([]byte("unit-test-chain-secret"))
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	return NewTrail(store, chain, WithClock(clock.Now)), store, clock
}

func adminCtx() context.Context {
	ctx := WithActor(context.Background(), Actor{ID: 1, Name: "admin"})
	ctx = WithSourceIP(ctx, "10.1.2.3")
	return WithRequestID(ctx, "req-1")
}

func TestRecordFillsContextAndOrdersIDs(t *testing.T) {
	trail, _, _ := newTestTrail(t)
	ctx := adminCtx()

	first, err := trail.Record(ctx, Event{Action: ActionCreate, Module: ModuleRole, EntityType: EntityRole, EntityID: "7"})
	require.NoError(t, err)
	second, err := trail.Record(ctx, Event{Action: ActionDelete, Module: ModuleRole, EntityType: EntityRole, EntityID: "7"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, int64(1), first.ActorID)
	assert.Equal(t, "admin", first.ActorName)
	assert.Equal(t, "10.1.2.3", first.IP)
	assert.Equal(t, "req-1", first.RequestID)
	assert.Equal(t, OutcomeSuccess, first.Outcome)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Len(t, first.Hash, 32)
}

func TestRecordWithoutActorUsesSystem(t *testing.T) {
	trail, _, _ := newTestTrail(t)
	ev, err := trail.Record(context.Background(), Event{Action: ActionLogout, Module: ModuleSession, EntityType: EntityAccount, EntityID: "4"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.ActorID)
	assert.Equal(t, "system", ev.ActorName)
}

func TestRecordRejectsUnknownAction(t *testing.T) {
	trail, _, _ := newTestTrail(t)
	_, err := trail.Record(context.Background(), Event{Action: "ERASE", Module: ModuleRole, EntityType: EntityRole})
	assert.Error(t, err)
}

type failingStore struct{ *MemoryStore }

func (failingStore) Append(context.Context, Event, SealFunc) (Event, error) {
	return Event{}, errors.New("disk full")
}

func TestRecordFailureIsStorageError(t *testing.T) {
	trail := NewTrail(failingStore{NewMemoryStore()}, nil)
	_, err := trail.Record(context.Background(), Event{Action: ActionCreate, Module: ModuleRole, EntityType: EntityRole, EntityID: "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrStorage)
}

func TestSearchConjunctionAndPaging(t *testing.T) {
	trail, _, clock := newTestTrail(t)
	ctx := adminCtx()
	for i := 0; i < 5; i++ {
		_, err := trail.Record(ctx, Event{Action: ActionGrant, Module: ModuleRole, EntityType: EntityRole, EntityID: "3"})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	_, err := trail.Record(WithSourceIP(ctx, "192.168.0.9"), Event{Action: ActionGrant, Module: ModuleRole, EntityType: EntityRole, EntityID: "3"})
	require.NoError(t, err)
	_, err = trail.Record(ctx, Event{Action: ActionRevoke, Module: ModuleRole, EntityType: EntityRole, EntityID: "3"})
	require.NoError(t, err)

	page, err := trail.Search(ctx, Filter{Action: "grant", EntityID: "3", IP: "10.1.2.3"}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Greater(t, page.Items[0].ID, page.Items[1].ID, "newest first")

	last, err := trail.Search(ctx, Filter{Action: ActionGrant, IP: "10.1.2.3"}, 3, 2)
	require.NoError(t, err)
	assert.Len(t, last.Items, 1)

	beyond, err := trail.Search(ctx, Filter{Action: ActionGrant}, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)

	all, err := trail.Search(ctx, Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, all.Total)
	assert.Equal(t, DefaultPageSize, all.Size)

	byUser, err := trail.Search(ctx, Filter{Username: "ADMIN"}, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 7, byUser.Total)

	_, err = trail.Search(ctx, Filter{Action: "PURGE"}, 1, 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSearchTimeRangeIsHalfOpen(t *testing.T) {
	trail, _, clock := newTestTrail(t)
	ctx := adminCtx()
	start := clock.Now()
	for i := 0; i < 3; i++ {
		_, err := trail.Record(ctx, Event{Action: ActionUpdate, Module: ModuleAccount, EntityType: EntityAccount, EntityID: "9"})
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}
	to := start.Add(2 * time.Hour)
	page, err := trail.Search(ctx, Filter{From: &start, To: &to}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestStatisticsDefaultsAndHalfOpenRange(t *testing.T) {
	trail, _, clock := newTestTrail(t)
	ctx := adminCtx()
	t0 := clock.Now()
	record := func(a Action, m Module) {
		_, err := trail.Record(ctx, Event{Action: a, Module: m, EntityType: EntityAccount, EntityID: "1"})
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
	}
	record(ActionLoginSuccess, ModuleAuth)
	record(ActionLoginFailed, ModuleAuth)
	record(ActionUpdate, ModuleAccount)
	record(ActionLogout, ModuleSession)

	all, err := trail.Statistics(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	assert.Equal(t, 2, all.ByModule[ModuleAuth])
	assert.Nil(t, all.Start)

	end := t0.Add(20 * time.Minute)
	bounded, err := trail.Statistics(ctx, &t0, &end)
	require.NoError(t, err)
	assert.Equal(t, 2, bounded.Total, "end is exclusive")
	assert.Equal(t, 1, bounded.ByAction[ActionLoginSuccess])
	assert.Equal(t, 1, bounded.ByAction[ActionLoginFailed])

	fromOnly := t0.Add(30 * time.Minute)
	tail, err := trail.Statistics(ctx, &fromOnly, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tail.Total)

	empty, err := trail.Statistics(ctx, &t0, &t0)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)

	_, err = trail.Statistics(ctx, &end, &t0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestVerifyDetectsTampering(t *testing.T) {
	trail, store, _ := newTestTrail(t)
	ctx := adminCtx()
	for i := 0; i < 4; i++ {
		_, err := trail.Record(ctx, Event{Action: ActionUpdate, Module: ModuleRole, EntityType: EntityRole, EntityID: "2", Description: "rename"})
		require.NoError(t, err)
	}
	checked, err := trail.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, checked)

	require.True(t, store.Tamper(3, "nothing to see"))
	checked, err = trail.Verify(ctx)
	assert.ErrorIs(t, err, ErrChainBroken)
	assert.Equal(t, 2, checked)
}

func TestChainKeyMatters(t *testing.T) {
	a, err := NewChain([]byte("key-a"))
	require.NoError(t, err)
	b, err := NewChain([]byte("key-b"))
	require.NoError(t, err)
	ev := Event{ID: 1, Action: ActionCreate, Module: ModuleRole, EntityType: EntityRole, EntityID: "1", OccurredAt: time.Unix(0, 0)}
	require.NoError(t, a.Seal(nil, &ev))
	assert.NoError(t, a.Check(nil, ev))
	assert.ErrorIs(t, b.Check(nil, ev), ErrChainBroken)

	_, err = NewChain(nil)
	assert.Error(t, err)
}

type recordingSink struct {
	mu     sync.Mutex
	ids    []int64
	failAt int64
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt != 0 && ev.ID == s.failAt {
		s.failAt = 0
		return errors.New("broker unavailable")
	}
	s.ids = append(s.ids, ev.ID)
	return nil
}

type memCursor struct{ id int64 }

func (c *memCursor) LoadCursor(context.Context) (int64, error) { return c.id, nil }
func (c *memCursor) SaveCursor(_ context.Context, id int64) error {
	c.id = id
	return nil
}

func TestRelayDeliversAtLeastOnceInOrder(t *testing.T) {
	trail, _, _ := newTestTrail(t)
	ctx := adminCtx()
	for i := 0; i < 3; i++ {
		_, err := trail.Record(ctx, Event{Action: ActionCreate, Module: ModuleAccount, EntityType: EntityAccount, EntityID: "5"})
		require.NoError(t, err)
	}
	sink := &recordingSink{failAt: 2}
	cursor := &memCursor{}
	relay := NewRelay(trail, WithSink(sink), WithCursorStore(cursor))

	n, err := relay.Pump(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), cursor.id)

	n, err = relay.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2, 3}, sink.ids)
	assert.Equal(t, int64(3), cursor.id)

	resumed := NewRelay(trail, WithSink(&recordingSink{}), WithCursorStore(cursor))
	n, err = resumed.Pump(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteXLSX(t *testing.T) {
	trail, _, _ := newTestTrail(t)
	ctx := adminCtx()
	_, err := trail.Record(ctx, Event{Action: ActionLogout, Module: ModuleSession, EntityType: EntityAccount, EntityID: "12", Description: "terminated by admin"})
	require.NoError(t, err)
	page, err := trail.Search(ctx, Filter{}, 1, 10)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, page.Items))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Action", rows[0][4])
	assert.Equal(t, "LOGOUT", rows[1][4])
	assert.Equal(t, "12", rows[1][7])
}
