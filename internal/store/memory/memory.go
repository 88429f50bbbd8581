// Package memory provides in-process stores for development and tests.
// Transactions keep an undo journal and roll back by replaying it.
package memory

import (
	"context"
	"sync"
	"time"

	"hisadmin.org/internal/iam"
)

type txKey struct{}

type journal struct {
	mu   sync.Mutex
	undo []func()
}

func (j *journal) add(fn func()) {
	j.mu.Lock()
	j.undo = append(j.undo, fn)
	j.mu.Unlock()
}

func (j *journal) rollback() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// Store holds roles, permissions and accounts. Roles and accounts are
// guarded by separate locks; when both are needed accounts are locked first.
type Store struct {
	roleMu      sync.RWMutex
	permissions []iam.Permission
	roles       map[int64]iam.Role
	roleNames   map[string]int64
	rolePerms   map[int64]map[int64]struct{}
	roleMembers map[int64]map[int64]struct{}
	nextRole    int64

	accMu      sync.RWMutex
	accounts   map[int64]iam.Account
	byUsername map[string]int64
	byEmployee map[int64]int64
	nextAcc    int64
}

var (
	_ iam.Transactor       = (*Store)(nil)
	_ iam.PermissionSource = (*Store)(nil)
	_ iam.RoleStore        = (*Store)(nil)
	_ iam.AccountStore     = (*Store)(nil)
)

// New returns an empty store seeded with perms.
func New(perms []iam.Permission) *Store {
	return &Store{
		permissions: append([]iam.Permission(nil), perms...),
		roles:       make(map[int64]iam.Role),
		roleNames:   make(map[string]int64),
		rolePerms:   make(map[int64]map[int64]struct{}),
		roleMembers: make(map[int64]map[int64]struct{}),
		accounts:    make(map[int64]iam.Account),
		byUsername:  make(map[string]int64),
		byEmployee:  make(map[int64]int64),
	}
}

// InTx runs fn; when fn fails every change it made through this store is
// undone. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*journal); ok {
		return fn(ctx)
	}
	j := &journal{}
	defer func() {
		if p := recover(); p != nil {
			j.rollback()
			panic(p)
		}
		if err != nil {
			j.rollback()
		}
	}()
	return fn(context.WithValue(ctx, txKey{}, j))
}

func (s *Store) record(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(txKey{}).(*journal); ok {
		j.add(undo)
	}
}

// ListPermissions returns the seeded catalog.
func (s *Store) ListPermissions(context.Context) ([]iam.Permission, error) {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	return append([]iam.Permission(nil), s.permissions...), nil
}

func stamp(at time.Time) time.Time { return at.UTC().Truncate(time.Microsecond) }
