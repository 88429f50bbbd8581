// Package audit implements the append-only, hash-chained audit trail.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/obs"
)

const verifyBatch = 500

// Trail records and queries audit events.
type Trail struct {
	store  Store
	chain  *Chain
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger used for append failures.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trail) { t.logger = obs.OrNop(l) }
}

// NewTrail builds a trail over store. chain may be nil to disable sealing.
func NewTrail(store Store, chain *Chain, opts ...Option) *Trail {
	t := &Trail{
		store:  store,
		chain:  chain,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends ev. Caller identity, source IP and request id are taken
// from ctx unless already set. A failure here must fail the caller's mutation.
func (t *Trail) Record(ctx context.Context, ev Event) (Event, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = t.now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC().Truncate(time.Microsecond)
	if ev.ActorName == "" {
		actor := ActorFromContext(ctx)
		ev.ActorID, ev.ActorName = actor.ID, actor.Name
	}
	if ev.IP == "" {
		ev.IP = SourceIPFromContext(ctx)
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeSuccess
	}
	if err := ev.validate(); err != nil {
		return Event{}, err
	}

	var seal SealFunc
	if t.chain != nil {
		seal = t.chain.Seal
	}
	stored, err := t.store.Append(ctx, ev, seal)
	if err != nil {
		t.logger.Error("audit append failed",
			zap.String("action", string(ev.Action)),
			zap.String("entity_type", ev.EntityType),
			zap.String("entity_id", ev.EntityID),
			zap.Error(err))
		return Event{}, fmt.Errorf("audit: record %s: %w", ev.Action, apperr.Storage("append", err))
	}
	obs.ObserveAuditEvent(string(stored.Action), string(stored.Outcome))
	return stored, nil
}

// Search returns a page of events matching every set field of f, newest first.
func (t *Trail) Search(ctx context.Context, f Filter, page, size int) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, err
	}
	page, size = NormalizePage(page, size)
	return apperr.RetryRead(ctx, func(ctx context.Context) (Page, error) {
		p, err := t.store.Search(ctx, f, page, size)
		return p, apperr.Storage("search audit", err)
	})
}

// Statistics counts events by action and module over [start, end). A nil end
// means now; a nil start means the beginning of retained history.
func (t *Trail) Statistics(ctx context.Context, start, end *time.Time) (Stats, error) {
	upper := t.now().UTC()
	if end != nil {
		upper = end.UTC()
	}
	if start != nil {
		s := start.UTC()
		if s.After(upper) {
			return Stats{}, ErrInvalidFilter.With("start is after end")
		}
		start = &s
	}
	return apperr.RetryRead(ctx, func(ctx context.Context) (Stats, error) {
		st, err := t.store.Stats(ctx, start, upper)
		return st, apperr.Storage("audit statistics", err)
	})
}

// After returns up to limit events with id greater than afterID, oldest first.
func (t *Trail) After(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = verifyBatch
	}
	return apperr.RetryRead(ctx, func(ctx context.Context) ([]Event, error) {
		evs, err := t.store.After(ctx, afterID, limit)
		return evs, apperr.Storage("audit tail", err)
	})
}

// Verify walks the full chain and returns how many events were checked.
func (t *Trail) Verify(ctx context.Context) (int, error) {
	if t.chain == nil {
		return 0, fmt.Errorf("audit: hash chain disabled")
	}
	var (
		prev    []byte
		afterID int64
		checked int
	)
	for {
		batch, err := t.After(ctx, afterID, verifyBatch)
		if err != nil {
			return checked, err
		}
		for _, ev := range batch {
			if err := t.chain.Check(prev, ev); err != nil {
				return checked, err
			}
			prev = ev.Hash
			afterID = ev.ID
			checked++
		}
		if len(batch) < verifyBatch {
			return checked, nil
		}
	}
}
