package iam

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/audit"
	"hisadmin.org/internal/obs"
)

const (
	minUsername = 3
	maxUsername = 64
)

// NormalizeUsername returns the display form of a username.
func NormalizeUsername(username string) string {
	return norm.NFKC.String(strings.TrimSpace(username))
}

// CanonicalUsername is the key under which usernames are unique. Two names
// that differ only in case or Unicode compatibility form collide.
func CanonicalUsername(username string) string {
	return strings.ToLower(NormalizeUsername(username))
}

// ValidateUsername checks length and rejects whitespace.
func ValidateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < minUsername || n > maxUsername {
		return ErrInvalidUsername.With("username %q", username)
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidUsername.With("username %q", username)
		}
	}
	return nil
}

// NewAccount is the input to CreateAccount.
type NewAccount struct {
	EmployeeID int64
	Username   string
	Password   string
	IsActive   bool
}

// AccountRegistry manages employee login accounts and their role memberships.
type AccountRegistry struct {
	audited
	store     AccountStore
	roles     *RoleGraph
	sessions  SessionStore
	locks     *keyedMutex
	now       func() time.Time
	logger    *zap.Logger
	hasher    PasswordHasher
	directory EmployeeDirectory
	lockout   *LockoutPolicy

	dummyOnce sync.Once
	dummy     string
}

// NewAccountRegistry wires the registry. sessions is used to terminate an
// account's sessions before it is deleted.
func NewAccountRegistry(tx Transactor, store AccountStore, roles *RoleGraph, sessions SessionStore, trail *audit.Trail, opts ...Option) *AccountRegistry {
	s := applyOptions(opts)
	return &AccountRegistry{
		audited:   audited{tx: tx, trail: trail},
		store:     store,
		roles:     roles,
		sessions:  sessions,
		locks:     newKeyedMutex(),
		now:       s.now,
		logger:    s.logger,
		hasher:    s.hasher,
		directory: s.directory,
		lockout:   s.lockout,
	}
}

func accountKey(id int64) string { return "account:" + strconv.FormatInt(id, 10) }

func accountEvent(action audit.Action, id int64, format string, args ...any) audit.Event {
	return audit.Event{
		Action:      action,
		Module:      audit.ModuleAccount,
		EntityType:  audit.EntityAccount,
		EntityID:    strconv.FormatInt(id, 10),
		Description: fmt.Sprintf(format, args...),
	}
}

// CreateAccount creates the login account of an existing employee.
func (r *AccountRegistry) CreateAccount(ctx context.Context, in NewAccount) (Account, error) {
	if in.EmployeeID <= 0 {
		return Account{}, ErrInvalidEmployee.With("employee %d", in.EmployeeID)
	}
	username := NormalizeUsername(in.Username)
	if err := ValidateUsername(username); err != nil {
		return Account{}, err
	}
	if err := CheckPasswordPolicy(in.Password); err != nil {
		return Account{}, err
	}
	if r.directory != nil {
		ok, err := r.directory.EmployeeExists(ctx, in.EmployeeID)
		if err != nil {
			return Account{}, err
		}
		if !ok {
			return Account{}, ErrUnknownEmployee.With("employee %d", in.EmployeeID)
		}
	}
	hash, err := r.hasher.Hash(in.Password)
	if err != nil {
		return Account{}, fmt.Errorf("iam: hash password: %w", err)
	}

	now := r.now()
	var created Account
	err = r.run(ctx, func(ctx context.Context) (audit.Event, error) {
		acc, err := r.store.CreateAccount(ctx, Account{
			EmployeeID:   in.EmployeeID,
			Username:     username,
			PasswordHash: hash,
			IsActive:     in.IsActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return audit.Event{}, err
		}
		created = acc
		return accountEvent(audit.ActionCreate, acc.ID, "created account %s for employee %d", acc.Username, acc.EmployeeID), nil
	})
	if err != nil {
		return Account{}, err
	}
	r.logger.Info("account created", zap.Int64("account_id", created.ID), zap.Int64("employee_id", created.EmployeeID))
	return created, nil
}

// UpdateAccount applies a partial update. Changed fields are re-validated;
// a new role set replaces the current memberships.
func (r *AccountRegistry) UpdateAccount(ctx context.Context, id int64, upd AccountUpdate) (Account, error) {
	var patch AccountPatch
	var changed []string
	if upd.Username != nil {
		username := NormalizeUsername(*upd.Username)
		if err := ValidateUsername(username); err != nil {
			return Account{}, err
		}
		patch.Username = &username
		changed = append(changed, "username")
	}
	if upd.Password != nil {
		if err := CheckPasswordPolicy(*upd.Password); err != nil {
			return Account{}, err
		}
		hash, err := r.hasher.Hash(*upd.Password)
		if err != nil {
			return Account{}, fmt.Errorf("iam: hash password: %w", err)
		}
		patch.PasswordHash = &hash
		changed = append(changed, "password")
	}
	if upd.IsActive != nil {
		patch.IsActive = upd.IsActive
		changed = append(changed, "isActive")
	}
	var wantRoles []int64
	if upd.RoleIDs != nil {
		wantRoles = dedupeIDs(*upd.RoleIDs)
		changed = append(changed, "roles")
	}
	defer r.locks.Lock(accountKey(id))()

	err := r.run(ctx, func(ctx context.Context) (audit.Event, error) {
		acc, err := r.store.GetAccount(ctx, id)
		if err != nil {
			return audit.Event{}, err
		}
		if _, err := r.store.UpdateAccount(ctx, id, patch, r.now()); err != nil {
			return audit.Event{}, err
		}
		if upd.RoleIDs != nil {
			for _, roleID := range wantRoles {
				if _, err := r.roles.store.GetRole(ctx, roleID); err != nil {
					return audit.Event{}, err
				}
			}
			grant, revoke := diffIDs(acc.RoleIDs, wantRoles)
			for _, roleID := range grant {
				if _, err := r.store.AddAccountRole(ctx, id, roleID); err != nil {
					return audit.Event{}, err
				}
			}
			for _, roleID := range revoke {
				if _, err := r.store.RemoveAccountRole(ctx, id, roleID); err != nil {
					return audit.Event{}, err
				}
			}
		}
		return accountEvent(audit.ActionUpdate, id, "updated account %s: %s", acc.Username, strings.Join(changed, ", ")), nil
	})
	if err != nil {
		return Account{}, err
	}
	return r.GetAccount(ctx, id)
}

// ResetPassword replaces the password. Existing sessions stay valid.
func (r *AccountRegistry) ResetPassword(ctx context.Context, id int64, password string) error {
	if err := CheckPasswordPolicy(password); err != nil {
		return err
	}
	hash, err := r.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("iam: hash password: %w", err)
	}
	defer r.locks.Lock(accountKey(id))()

	return r.run(ctx, func(ctx context.Context) (audit.Event, error) {
		acc, err := r.store.UpdateAccount(ctx, id, AccountPatch{PasswordHash: &hash}, r.now())
		if err != nil {
			return audit.Event{}, err
		}
		return accountEvent(audit.ActionUpdate, id, "reset password of %s", acc.Username), nil
	})
}

// Activate sets isActive. It does not unlock a locked account.
func (r *AccountRegistry) Activate(ctx context.Context, id int64) (Account, error) {
	return r.setFlag(ctx, id, AccountPatch{IsActive: boolPtr(true)}, "activated")
}

// Deactivate clears isActive. Live sessions are not terminated; callers that
// need an immediate cut-off use SessionRegistry.TerminateAll.
func (r *AccountRegistry) Deactivate(ctx context.Context, id int64) (Account, error) {
	return r.setFlag(ctx, id, AccountPatch{IsActive: boolPtr(false)}, "deactivated")
}

// Unlock clears the failed-login lock.
func (r *AccountRegistry) Unlock(ctx context.Context, id int64) (Account, error) {
	acc, err := r.setFlag(ctx, id, AccountPatch{Locked: boolPtr(false)}, "unlocked")
	if err == nil {
		r.lockout.Reset(id)
	}
	return acc, err
}

func (r *AccountRegistry) setFlag(ctx context.Context, id int64, patch AccountPatch, verb string) (Account, error) {
	defer r.locks.Lock(accountKey(id))()

	var updated Account
	err := r.run(ctx, func(ctx context.Context) (audit.Event, error) {
		acc, err := r.store.UpdateAccount(ctx, id, patch, r.now())
		if err != nil {
			return audit.Event{}, err
		}
		updated = acc
		return accountEvent(audit.ActionUpdate, id, "%s account %s", verb, acc.Username), nil
	})
	return updated, err
}

// GrantRole adds roleID to the account. Granting a held role succeeds
// without changing anything.
func (r *AccountRegistry) GrantRole(ctx context.Context, id, roleID int64) error {
	return r.editRole(ctx, id, roleID, true)
}

// RevokeRole removes roleID from the account. Revoking a role the account
// does not hold succeeds without changing anything.
func (r *AccountRegistry) RevokeRole(ctx context.Context, id, roleID int64) error {
	return r.editRole(ctx, id, roleID, false)
}

func (r *AccountRegistry) editRole(ctx context.Context, id, roleID int64, grant bool) error {
	defer r.locks.Lock(accountKey(id))()

	return r.run(ctx, func(ctx context.Context) (audit.Event, error) {
		acc, err := r.store.GetAccount(ctx, id)
		if err != nil {
			return audit.Event{}, err
		}
		role, err := r.roles.store.GetRole(ctx, roleID)
		if err != nil {
			return audit.Event{}, err
		}
		if grant {
			if _, err := r.store.AddAccountRole(ctx, id, roleID); err != nil {
				return audit.Event{}, err
			}
			return accountEvent(audit.ActionGrant, id, "granted %s to %s", role.Name, acc.Username), nil
		}
		if _, err := r.store.RemoveAccountRole(ctx, id, roleID); err != nil {
			return audit.Event{}, err
		}
		return accountEvent(audit.ActionRevoke, id, "revoked %s from %s", role.Name, acc.Username), nil
	})
}

// EffectivePermissions is the union of the permissions of every held role.
func (r *AccountRegistry) EffectivePermissions(ctx context.Context, id int64) ([]Permission, error) {
	return apperr.RetryRead(ctx, func(ctx context.Context) ([]Permission, error) {
		acc, err := r.store.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		return r.roles.unionPermissions(ctx, acc.RoleIDs)
	})
}

// DeleteAccount terminates every session of the account and then deletes it.
// Sessions opened while the delete runs are swept afterwards, so none
// survives the call. If the delete cannot be audited the account stays and
// the sessions it ended are reactivated.
func (r *AccountRegistry) DeleteAccount(ctx context.Context, id int64) error {
	ctx = context.WithoutCancel(ctx)
	defer r.locks.Lock(accountKey(id))()

	if _, err := r.store.GetAccount(ctx, id); err != nil {
		return err
	}
	at := r.now()
	terminated, err := r.sessions.TerminateAccountSessions(ctx, id, at)
	if err != nil {
		return err
	}
	err = r.run(ctx, func(ctx context.Context) (audit.Event, error) {
		acc, err := r.store.GetAccount(ctx, id)
		if err != nil {
			return audit.Event{}, err
		}
		if err := r.store.DeleteAccount(ctx, id); err != nil {
			return audit.Event{}, err
		}
		return accountEvent(audit.ActionDelete, id, "deleted account %s, terminated %d sessions", acc.Username, len(terminated)), nil
	})
	if err != nil {
		restoreSessions(ctx, r.sessions, r.logger, terminated, at)
		return err
	}
	late, err := r.sessions.TerminateAccountSessions(ctx, id, r.now())
	if err != nil {
		r.logger.Error("post-delete session sweep failed", zap.Int64("account_id", id), zap.Error(err))
		return err
	}
	obs.ObserveSessionTerminated("account_deleted", len(terminated)+len(late))
	r.lockout.Reset(id)
	r.logger.Info("account deleted", zap.Int64("account_id", id), zap.Int("sessions_terminated", len(terminated)+len(late)))
	return nil
}

// GetAccount returns one account.
func (r *AccountRegistry) GetAccount(ctx context.Context, id int64) (Account, error) {
	return apperr.RetryRead(ctx, func(ctx context.Context) (Account, error) {
		return r.store.GetAccount(ctx, id)
	})
}

// ListAccounts returns every account ordered by id.
func (r *AccountRegistry) ListAccounts(ctx context.Context) ([]Account, error) {
	return apperr.RetryRead(ctx, r.store.ListAccounts)
}

// FindByUsername looks an account up case-insensitively.
func (r *AccountRegistry) FindByUsername(ctx context.Context, username string) (Account, error) {
	return apperr.RetryRead(ctx, func(ctx context.Context) (Account, error) {
		return r.store.FindAccountByUsername(ctx, username)
	})
}

// Authenticate checks credentials. Failures are audited as LOGIN_FAILED and
// count towards the lockout policy; reaching its threshold locks the account.
func (r *AccountRegistry) Authenticate(ctx context.Context, username, password string) (Account, error) {
	username = NormalizeUsername(username)
	acc, err := r.FindByUsername(ctx, username)
	if errors.Is(err, ErrAccountNotFound) {
		_, _ = r.hasher.Verify(r.dummyHash(), password)
		r.loginFailed(ctx, audit.Actor{Name: username}, "", "unknown username")
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}

	actor := audit.Actor{ID: acc.ID, Name: acc.Username}
	ok, err := r.hasher.Verify(acc.PasswordHash, password)
	if err != nil {
		r.logger.Warn("stored password hash unreadable", zap.Int64("account_id", acc.ID), zap.Error(err))
	}
	if !ok {
		if r.lockout.RecordFailure(acc.ID) {
			r.lockAfterFailures(ctx, acc)
		} else {
			r.loginFailed(ctx, actor, strconv.FormatInt(acc.ID, 10), "wrong password")
		}
		return Account{}, ErrInvalidCredentials
	}
	if acc.Status() != StatusActive {
		r.loginFailed(ctx, actor, strconv.FormatInt(acc.ID, 10), "account "+strings.ToLower(string(acc.Status())))
		return Account{}, ErrAccountUnavailable.With("account %s", acc.Status())
	}
	r.lockout.Reset(acc.ID)
	return acc, nil
}

// dummyHash keeps unknown-username logins as slow as wrong-password ones.
func (r *AccountRegistry) dummyHash() string {
	r.dummyOnce.Do(func() {
		r.dummy, _ = r.hasher.Hash("unused-Dummy-1!")
	})
	return r.dummy
}

func (r *AccountRegistry) loginFailed(ctx context.Context, actor audit.Actor, entityID, reason string) {
	obs.ObserveLogin("failed")
	_, err := r.trail.Record(context.WithoutCancel(ctx), audit.Event{
		ActorID:     actor.ID,
		ActorName:   actor.Name,
		Action:      audit.ActionLoginFailed,
		Module:      audit.ModuleAuth,
		EntityType:  audit.EntityAccount,
		EntityID:    entityID,
		Description: "login failed: " + reason,
		Outcome:     audit.OutcomeFailed,
	})
	if err != nil {
		r.logger.Error("record failed login", zap.String("username", actor.Name), zap.Error(err))
	}
}

func (r *AccountRegistry) lockAfterFailures(ctx context.Context, acc Account) {
	obs.ObserveLogin("locked")
	defer r.locks.Lock(accountKey(acc.ID))()

	err := r.run(ctx, func(ctx context.Context) (audit.Event, error) {
		if _, err := r.store.UpdateAccount(ctx, acc.ID, AccountPatch{Locked: boolPtr(true)}, r.now()); err != nil {
			return audit.Event{}, err
		}
		return audit.Event{
			ActorID:     acc.ID,
			ActorName:   acc.Username,
			Action:      audit.ActionLoginFailed,
			Module:      audit.ModuleAuth,
			EntityType:  audit.EntityAccount,
			EntityID:    strconv.FormatInt(acc.ID, 10),
			Description: fmt.Sprintf("login failed: account locked after %d attempts", r.lockout.MaxAttempts()),
			Outcome:     audit.OutcomeFailed,
		}, nil
	})
	if err != nil {
		r.logger.Error("lock account after failed logins", zap.Int64("account_id", acc.ID), zap.Error(err))
		return
	}
	r.logger.Warn("account locked after failed logins", zap.Int64("account_id", acc.ID))
}

// recordLogin stamps lastLogin and audits the successful login of session s.
func (r *AccountRegistry) recordLogin(ctx context.Context, acc Account, s Session) error {
	defer r.locks.Lock(accountKey(acc.ID))()
	at := s.LoginAt
	return r.run(ctx, func(ctx context.Context) (audit.Event, error) {
		if _, err := r.store.UpdateAccount(ctx, acc.ID, AccountPatch{LastLogin: &at}, at); err != nil {
			return audit.Event{}, err
		}
		return audit.Event{
			ActorID:     acc.ID,
			ActorName:   acc.Username,
			Action:      audit.ActionLoginSuccess,
			Module:      audit.ModuleAuth,
			EntityType:  audit.EntitySession,
			EntityID:    s.ID,
			IP:          s.IP,
			Description: fmt.Sprintf("%s signed in", acc.Username),
		}, nil
	})
}

func boolPtr(b bool) *bool { return &b }
