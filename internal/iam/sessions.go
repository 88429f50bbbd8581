package iam

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/audit"
	"hisadmin.org/internal/ids"
	"hisadmin.org/internal/obs"
)

// DefaultOnlineHours is the ListOnline window when none is given.
const DefaultOnlineHours = 24

// Reasons passed to the session termination metric.
const (
	reasonAdmin  = "admin"
	reasonLogout = "logout"
	reasonIdle   = "idle"
	reasonMaxAge = "max_age"
	reasonRace   = "account_changed"
)

// SessionRegistry tracks live sessions and authorises every request against
// their current state.
type SessionRegistry struct {
	store       SessionStore
	accounts    *AccountRegistry
	trail       *audit.Trail
	now         func() time.Time
	logger      *zap.Logger
	idleTimeout time.Duration
	absoluteTTL time.Duration
}

// NewSessionRegistry wires the registry.
func NewSessionRegistry(store SessionStore, accounts *AccountRegistry, trail *audit.Trail, opts ...Option) *SessionRegistry {
	s := applyOptions(opts)
	return &SessionRegistry{
		store:       store,
		accounts:    accounts,
		trail:       trail,
		now:         s.now,
		logger:      s.logger,
		idleTimeout: s.idleTimeout,
		absoluteTTL: s.absoluteTTL,
	}
}

// Open starts a session for an ACTIVE account. The account is checked again
// after the session is stored; a session that raced a deactivation or delete
// is terminated before Open returns.
func (r *SessionRegistry) Open(ctx context.Context, accountID int64, ip string) (Session, error) {
	acc, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return Session{}, err
	}
	if acc.Status() != StatusActive {
		return Session{}, ErrAccountUnavailable.With("account %s", acc.Status())
	}
	id, err := ids.SessionToken()
	if err != nil {
		return Session{}, fmt.Errorf("iam: session token: %w", err)
	}
	ctx = context.WithoutCancel(ctx)
	now := r.now().UTC()
	s := Session{
		ID:        id,
		AccountID: accountID,
		IP:        ip,
		LoginAt:   now,
		LastSeen:  now,
		Status:    SessionActive,
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		return Session{}, err
	}

	acc, err = r.accounts.GetAccount(ctx, accountID)
	if err == nil && acc.Status() != StatusActive {
		err = ErrAccountUnavailable.With("account %s", acc.Status())
	}
	if err == nil {
		err = r.accounts.recordLogin(ctx, acc, s)
	}
	if err != nil {
		if _, _, terr := r.store.TerminateSession(ctx, id, r.now()); terr != nil {
			r.logger.Error("terminate rejected session", zap.Int64("account_id", accountID), zap.Error(terr))
		}
		obs.ObserveSessionTerminated(reasonRace, 1)
		return Session{}, err
	}
	obs.ObserveSessionOpened()
	obs.ObserveLogin("success")
	return s, nil
}

// Touch refreshes last-seen. It reports false, without error, when the
// session is unknown or already terminated.
func (r *SessionRegistry) Touch(ctx context.Context, id string) (bool, error) {
	return r.store.TouchSession(ctx, id, r.now())
}

// Get returns one session.
func (r *SessionRegistry) Get(ctx context.Context, id string) (Session, error) {
	return apperr.RetryRead(ctx, func(ctx context.Context) (Session, error) {
		return r.store.GetSession(ctx, id)
	})
}

// Authorize re-reads the session and its account on every call. A session
// terminated before Authorize starts never authorises; one terminated while
// Authorize runs is caught by the final touch.
func (r *SessionRegistry) Authorize(ctx context.Context, sessionID string, accountID int64) (Principal, error) {
	s, err := r.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return Principal{}, ErrSessionTerminated
	}
	if err != nil {
		return Principal{}, err
	}
	if s.AccountID != accountID || s.Status != SessionActive {
		return Principal{}, ErrSessionTerminated
	}
	now := r.now()
	if reason := r.expired(s, now); reason != "" {
		if _, err := r.terminate(audit.WithActor(ctx, audit.System), sessionID, reason); err != nil {
			r.logger.Warn("expire session", zap.Int64("account_id", s.AccountID), zap.Error(err))
		}
		return Principal{}, ErrSessionExpired
	}

	acc, err := r.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return Principal{}, ErrSessionTerminated
	}
	if err != nil {
		return Principal{}, err
	}
	if acc.Status() != StatusActive {
		return Principal{}, ErrAccountUnavailable.With("account %s", acc.Status())
	}
	perms, err := r.accounts.EffectivePermissions(ctx, accountID)
	if err != nil {
		return Principal{}, err
	}

	alive, err := r.store.TouchSession(ctx, sessionID, now)
	if err != nil {
		return Principal{}, err
	}
	if !alive {
		return Principal{}, ErrSessionTerminated
	}
	keys := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		keys[p.Key()] = struct{}{}
	}
	return Principal{SessionID: sessionID, Account: acc, Permissions: keys}, nil
}

func (r *SessionRegistry) expired(s Session, now time.Time) string {
	switch {
	case r.absoluteTTL > 0 && now.Sub(s.LoginAt) > r.absoluteTTL:
		return reasonMaxAge
	case r.idleTimeout > 0 && now.Sub(s.LastSeen) > r.idleTimeout:
		return reasonIdle
	}
	return ""
}

// Terminate ends a session on behalf of an administrator. Terminating an
// already terminated session succeeds and is still recorded. The event's
// actor is the caller and its entity is the session owner's account.
func (r *SessionRegistry) Terminate(ctx context.Context, sessionID string) (Session, error) {
	return r.terminate(ctx, sessionID, reasonAdmin)
}

// Logout ends the caller's own session.
func (r *SessionRegistry) Logout(ctx context.Context, sessionID string) error {
	_, err := r.terminate(ctx, sessionID, reasonLogout)
	return err
}

// terminate is the single path every session termination takes. The owning
// account is locked so a concurrent terminate cannot observe a transition
// that is then undone because its LOGOUT record failed.
func (r *SessionRegistry) terminate(ctx context.Context, sessionID, reason string) (Session, error) {
	ctx = context.WithoutCancel(ctx)
	cur, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer r.accounts.locks.Lock(accountKey(cur.AccountID))()

	at := r.now()
	s, changed, err := r.store.TerminateSession(ctx, sessionID, at)
	if err != nil {
		return Session{}, err
	}
	desc := fmt.Sprintf("terminated session of account %d (%s)", s.AccountID, reason)
	if !changed {
		desc += ", already terminated"
	}
	_, err = r.trail.Record(ctx, audit.Event{
		Action:      audit.ActionLogout,
		Module:      audit.ModuleSession,
		EntityType:  audit.EntityAccount,
		EntityID:    strconv.FormatInt(s.AccountID, 10),
		Description: desc,
	})
	if err != nil {
		if changed {
			restoreSessions(ctx, r.store, r.logger, []Session{s}, at)
		}
		return Session{}, err
	}
	if changed {
		obs.ObserveSessionTerminated(reason, 1)
	}
	return s, nil
}

// restoreSessions undoes a termination whose audit record failed. A failure
// here is logged; the caller already returns the audit error.
func restoreSessions(ctx context.Context, store SessionStore, logger *zap.Logger, sessions []Session, at time.Time) {
	if len(sessions) == 0 {
		return
	}
	if err := store.RestoreSessions(ctx, sessions, at); err != nil {
		logger.Error("restore sessions after audit failure", zap.Int("count", len(sessions)), zap.Error(err))
	}
}

// TerminateAll ends every ACTIVE session of the account as one snapshot.
// Sessions opened after the snapshot survive. It returns how many ended.
func (r *SessionRegistry) TerminateAll(ctx context.Context, accountID int64) (int, error) {
	acc, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return r.terminateAll(ctx, acc)
}

// TerminateAllByUsername resolves username and calls TerminateAll.
func (r *SessionRegistry) TerminateAllByUsername(ctx context.Context, username string) (int, error) {
	acc, err := r.accounts.FindByUsername(ctx, username)
	if err != nil {
		return 0, err
	}
	return r.terminateAll(ctx, acc)
}

func (r *SessionRegistry) terminateAll(ctx context.Context, acc Account) (int, error) {
	ctx = context.WithoutCancel(ctx)
	defer r.accounts.locks.Lock(accountKey(acc.ID))()

	at := r.now()
	ended, err := r.store.TerminateAccountSessions(ctx, acc.ID, at)
	if err != nil {
		return 0, err
	}
	_, err = r.trail.Record(ctx, audit.Event{
		Action:      audit.ActionLogout,
		Module:      audit.ModuleSession,
		EntityType:  audit.EntityAccount,
		EntityID:    strconv.FormatInt(acc.ID, 10),
		Description: fmt.Sprintf("terminated all %d sessions of %s", len(ended), acc.Username),
	})
	if err != nil {
		restoreSessions(ctx, r.store, r.logger, ended, at)
		return 0, err
	}
	obs.ObserveSessionTerminated(reasonAdmin, len(ended))
	r.logger.Info("sessions terminated", zap.Int64("account_id", acc.ID), zap.Int("count", len(ended)))
	return len(ended), nil
}

// ListOnline returns ACTIVE sessions seen within the last hours, newest
// login first. accountID 0 lists every account; hours <= 0 means 24.
func (r *SessionRegistry) ListOnline(ctx context.Context, accountID int64, hours int) ([]Session, error) {
	if hours <= 0 {
		hours = DefaultOnlineHours
	}
	f := OnlineFilter{AccountID: accountID, Since: r.now().Add(-time.Duration(hours) * time.Hour)}
	sessions, err := apperr.RetryRead(ctx, func(ctx context.Context) ([]Session, error) {
		return r.store.ListOnline(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, s := range sessions {
		if s.Status == SessionActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LoginAt.Equal(out[j].LoginAt) {
			return out[i].LoginAt.After(out[j].LoginAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Sweep terminates idle and over-age sessions as the system actor and
// returns how many it ended.
func (r *SessionRegistry) Sweep(ctx context.Context) (int, error) {
	ctx = audit.WithActor(ctx, audit.System)
	now := r.now()
	candidates := make(map[string]struct{})
	if r.idleTimeout > 0 {
		idle, err := r.store.ListIdle(ctx, now.Add(-r.idleTimeout))
		if err != nil {
			return 0, err
		}
		for _, s := range idle {
			candidates[s.ID] = struct{}{}
		}
	}
	if r.absoluteTTL > 0 {
		live, err := r.store.ListOnline(ctx, OnlineFilter{})
		if err != nil {
			return 0, err
		}
		for _, s := range live {
			if now.Sub(s.LoginAt) > r.absoluteTTL {
				candidates[s.ID] = struct{}{}
			}
		}
	}

	ended := 0
	for id := range candidates {
		s, err := r.store.GetSession(ctx, id)
		if err != nil || s.Status != SessionActive {
			continue
		}
		reason := r.expired(s, now)
		if reason == "" {
			continue
		}
		if _, err := r.terminate(ctx, id, reason); err != nil {
			return ended, err
		}
		ended++
	}
	return ended, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *SessionRegistry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("expired sessions terminated", zap.Int("count", n))
			}
		}
	}
}
