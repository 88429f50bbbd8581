package iam

import (
	"sync"
	"time"
)

// LockoutPolicy counts consecutive failed logins per account. Reaching
// MaxAttempts inside Window tells the caller to lock the account; the lock
// itself persists on the account until an administrator unlocks it.
type LockoutPolicy struct {
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
	now         func() time.Time
	attempts    map[int64]*failedAttempts
}

type failedAttempts struct {
	count int
	first time.Time
}

// LockoutOption configures a LockoutPolicy.
type LockoutOption func(*LockoutPolicy)

// WithLockoutClock overrides the time source.
func WithLockoutClock(now func() time.Time) LockoutOption {
	return func(p *LockoutPolicy) {
		if now != nil {
			p.now = now
		}
	}
}

// NewLockoutPolicy returns a policy; maxAttempts <= 0 disables locking.
func NewLockoutPolicy(maxAttempts int, window time.Duration, opts ...LockoutOption) *LockoutPolicy {
	p := &LockoutPolicy{
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
		attempts:    make(map[int64]*failedAttempts),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RecordFailure counts a failed attempt and reports whether the threshold is reached.
func (p *LockoutPolicy) RecordFailure(accountID int64) bool {
	if p == nil || p.maxAttempts <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	rec, ok := p.attempts[accountID]
	if !ok || (p.window > 0 && now.Sub(rec.first) > p.window) {
		rec = &failedAttempts{first: now}
		p.attempts[accountID] = rec
	}
	rec.count++
	if rec.count >= p.maxAttempts {
		delete(p.attempts, accountID)
		return true
	}
	return false
}

// Reset clears the counter after a successful login or an unlock.
func (p *LockoutPolicy) Reset(accountID int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.attempts, accountID)
	p.mu.Unlock()
}

// Attempts returns the current failure count.
func (p *LockoutPolicy) Attempts(accountID int64) int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.attempts[accountID]; ok {
		return rec.count
	}
	return 0
}

// MaxAttempts is the configured threshold.
func (p *LockoutPolicy) MaxAttempts() int {
	if p == nil {
		return 0
	}
	return p.maxAttempts
}
