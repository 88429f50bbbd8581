package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hisadmin.org/internal/obs"
)

// Sink receives committed audit events from the relay.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// CursorStore persists the id of the last event delivered to every sink.
type CursorStore interface {
	LoadCursor(ctx context.Context) (int64, error)
	SaveCursor(ctx context.Context, id int64) error
}

// Relay tails the trail after commit and forwards events to sinks, so nothing
// is published for a transaction that rolled back. Delivery is at-least-once.
type Relay struct {
	trail    *Trail
	sinks    []Sink
	cursor   CursorStore
	interval time.Duration
	batch    int
	logger   *zap.Logger
	last     int64
	loaded   bool
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithSink adds a delivery target.
func WithSink(s Sink) RelayOption {
	return func(r *Relay) {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
}

// WithCursorStore persists progress across restarts.
func WithCursorStore(c CursorStore) RelayOption {
	return func(r *Relay) { r.cursor = c }
}

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(l *zap.Logger) RelayOption {
	return func(r *Relay) { r.logger = obs.OrNop(l) }
}

// NewRelay builds a relay over trail.
func NewRelay(trail *Trail, opts ...RelayOption) *Relay {
	r := &Relay{
		trail:    trail,
		interval: time.Second,
		batch:    100,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pump delivers one batch and returns how many events were forwarded.
func (r *Relay) Pump(ctx context.Context) (int, error) {
	if !r.loaded {
		if r.cursor != nil {
			last, err := r.cursor.LoadCursor(ctx)
			if err != nil {
				return 0, fmt.Errorf("audit relay: load cursor: %w", err)
			}
			r.last = last
		}
		r.loaded = true
	}
	events, err := r.trail.After(ctx, r.last, r.batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, ev := range events {
		for _, sink := range r.sinks {
			if err := sink.Publish(ctx, ev); err != nil {
				return delivered, r.commit(ctx, delivered, fmt.Errorf("audit relay: publish %d: %w", ev.ID, err))
			}
		}
		r.last = ev.ID
		delivered++
	}
	return delivered, r.commit(ctx, delivered, nil)
}

func (r *Relay) commit(ctx context.Context, delivered int, cause error) error {
	if delivered > 0 && r.cursor != nil {
		if err := r.cursor.SaveCursor(ctx, r.last); err != nil && cause == nil {
			cause = fmt.Errorf("audit relay: save cursor: %w", err)
		}
	}
	return cause
}

// Run pumps until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := r.Pump(ctx)
				if err != nil {
					r.logger.Warn("audit relay pump failed", zap.Int64("cursor", r.last), zap.Error(err))
					break
				}
				if n < r.batch {
					break
				}
			}
		}
	}
}
