package iam

import (
	"context"
	"time"
)

// Transactor runs fn in one storage transaction. Entity mutations and audit
// appends made through the ctx passed to fn commit or roll back together.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PermissionSource loads the seeded catalog.
type PermissionSource interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// RoleStore owns roles and role-permission assignments.
type RoleStore interface {
	CreateRole(ctx context.Context, name string, at time.Time) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	RenameRole(ctx context.Context, id int64, name string, at time.Time) (Role, error)
	// DeleteRole fails with ErrRoleInUse while any account holds the role and
	// removes the role's permission assignments otherwise.
	DeleteRole(ctx context.Context, id int64) error
	RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	// LockRole serialises permission edits on one role within the current transaction.
	LockRole(ctx context.Context, id int64) error
	AddRolePermissions(ctx context.Context, roleID int64, permIDs []int64) error
	RemoveRolePermissions(ctx context.Context, roleID int64, permIDs []int64) error
}

// AccountStore owns accounts and their role memberships.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc Account) (Account, error)
	GetAccount(ctx context.Context, id int64) (Account, error)
	FindAccountByUsername(ctx context.Context, username string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	UpdateAccount(ctx context.Context, id int64, patch AccountPatch, at time.Time) (Account, error)
	// AddAccountRole and RemoveAccountRole report whether membership changed.
	AddAccountRole(ctx context.Context, accountID, roleID int64) (bool, error)
	RemoveAccountRole(ctx context.Context, accountID, roleID int64) (bool, error)
	DeleteAccount(ctx context.Context, id int64) error
}

// SessionStore owns sessions. Implementations are not transactional with the
// other stores.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// TouchSession refreshes last-seen and reports false when the session is
	// missing or already terminated.
	TouchSession(ctx context.Context, id string, at time.Time) (bool, error)
	// TerminateSession moves an ACTIVE session to TERMINATED and reports
	// whether this call made the transition.
	TerminateSession(ctx context.Context, id string, at time.Time) (Session, bool, error)
	// TerminateAccountSessions atomically snapshots the account's ACTIVE
	// sessions and terminates them. Sessions created afterwards are untouched.
	TerminateAccountSessions(ctx context.Context, accountID int64, at time.Time) ([]Session, error)
	// RestoreSessions reactivates sessions that a termination stamped at
	// `at` ended. Sessions terminated at any other instant are left alone.
	RestoreSessions(ctx context.Context, sessions []Session, at time.Time) error
	ListOnline(ctx context.Context, f OnlineFilter) ([]Session, error)
	ListIdle(ctx context.Context, lastSeenBefore time.Time) ([]Session, error)
}
