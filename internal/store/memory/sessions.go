package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/iam"
)

// SessionStore keeps sessions apart from the entity store so that touch
// traffic never waits on role or account edits.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]iam.Session
	byAccount map[int64]map[string]struct{}
}

var _ iam.SessionStore = (*SessionStore)(nil)

// NewSessionStore returns an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:  make(map[string]iam.Session),
		byAccount: make(map[int64]map[string]struct{}),
	}
}

func (s *SessionStore) CreateSession(_ context.Context, sess iam.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.sessions[sess.ID]; dup {
		return fmt.Errorf("%w: session id collision", apperr.ErrConflict)
	}
	sess.LoginAt = stamp(sess.LoginAt)
	sess.LastSeen = stamp(sess.LastSeen)
	s.sessions[sess.ID] = sess
	idx := s.byAccount[sess.AccountID]
	if idx == nil {
		idx = make(map[string]struct{})
		s.byAccount[sess.AccountID] = idx
	}
	idx[sess.ID] = struct{}{}
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, id string) (iam.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return iam.Session{}, iam.ErrSessionNotFound
	}
	return sess, nil
}

func (s *SessionStore) TouchSession(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != iam.SessionActive {
		return false, nil
	}
	if at = stamp(at); at.After(sess.LastSeen) {
		sess.LastSeen = at
		s.sessions[id] = sess
	}
	return true, nil
}

func (s *SessionStore) TerminateSession(_ context.Context, id string, at time.Time) (iam.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return iam.Session{}, false, iam.ErrSessionNotFound
	}
	if sess.Status == iam.SessionTerminated {
		return sess, false, nil
	}
	return s.terminateLocked(sess, at), true, nil
}

func (s *SessionStore) terminateLocked(sess iam.Session, at time.Time) iam.Session {
	t := stamp(at)
	sess.Status = iam.SessionTerminated
	sess.TerminatedAt = &t
	s.sessions[sess.ID] = sess
	return sess
}

func (s *SessionStore) TerminateAccountSessions(_ context.Context, accountID int64, at time.Time) ([]iam.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ended []iam.Session
	for id := range s.byAccount[accountID] {
		sess := s.sessions[id]
		if sess.Status != iam.SessionActive {
			continue
		}
		ended = append(ended, s.terminateLocked(sess, at))
	}
	return ended, nil
}

func (s *SessionStore) RestoreSessions(_ context.Context, sessions []iam.Session, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = stamp(at)
	for _, want := range sessions {
		sess, ok := s.sessions[want.ID]
		if !ok || sess.Status != iam.SessionTerminated || sess.TerminatedAt == nil || !sess.TerminatedAt.Equal(at) {
			continue
		}
		sess.Status = iam.SessionActive
		sess.TerminatedAt = nil
		s.sessions[sess.ID] = sess
	}
	return nil
}

func (s *SessionStore) ListOnline(_ context.Context, f iam.OnlineFilter) ([]iam.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []iam.Session
	visit := func(sess iam.Session) {
		if sess.Status == iam.SessionActive && !sess.LastSeen.Before(f.Since) {
			out = append(out, sess)
		}
	}
	if f.AccountID != 0 {
		for id := range s.byAccount[f.AccountID] {
			visit(s.sessions[id])
		}
		return out, nil
	}
	for _, sess := range s.sessions {
		visit(sess)
	}
	return out, nil
}

func (s *SessionStore) ListIdle(_ context.Context, before time.Time) ([]iam.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []iam.Session
	for _, sess := range s.sessions {
		if sess.Status == iam.SessionActive && sess.LastSeen.Before(before) {
			out = append(out, sess)
		}
	}
	return out, nil
}
