package iam

import (
	"time"

	"go.uber.org/zap"

	"hisadmin.org/internal/obs"
)

type settings struct {
	now         func() time.Time
	logger      *zap.Logger
	hasher      PasswordHasher
	directory   EmployeeDirectory
	lockout     *LockoutPolicy
	idleTimeout time.Duration
	absoluteTTL time.Duration
}

func defaultSettings() settings {
	return settings{
		now:         time.Now,
		logger:      zap.NewNop(),
		hasher:      DefaultPasswordHasher,
		idleTimeout: 30 * time.Minute,
		absoluteTTL: 12 * time.Hour,
	}
}

// Option configures the registries. Options that do not apply to a
// registry are ignored by it.
type Option func(*settings)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = obs.OrNop(l) }
}

// WithPasswordHasher overrides argon2id cost parameters.
func WithPasswordHasher(h PasswordHasher) Option {
	return func(s *settings) { s.hasher = h }
}

// WithEmployeeDirectory enables the employee existence check on account creation.
func WithEmployeeDirectory(d EmployeeDirectory) Option {
	return func(s *settings) { s.directory = d }
}

// WithLockoutPolicy enables locking accounts after repeated failed logins.
func WithLockoutPolicy(p *LockoutPolicy) Option {
	return func(s *settings) { s.lockout = p }
}

// WithIdleTimeout sets how long a session may go unused. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.idleTimeout = d
		}
	}
}

// WithAbsoluteTTL caps total session lifetime. Zero disables it.
func WithAbsoluteTTL(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.absoluteTTL = d
		}
	}
}

func applyOptions(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
