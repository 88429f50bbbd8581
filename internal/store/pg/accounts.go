package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hisadmin.org/internal/iam"
)

const accountColumns = `id, employee_id, username, password_hash, is_active, locked, last_login, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (iam.Account, error) {
	var (
		acc       iam.Account
		lastLogin sql.NullTime
	)
	if err := row.Scan(&acc.ID, &acc.EmployeeID, &acc.Username, &acc.PasswordHash, &acc.IsActive, &acc.Locked, &lastLogin, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return iam.Account{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		acc.LastLogin = &t
	}
	acc.RoleIDs = []int64{}
	return acc, nil
}

func accountConflict(err error, acc iam.Account) error {
	pgErr, ok := maybePgError(err)
	if !ok || pgErr.Code != pgErrUniqueViolation {
		return nil
	}
	if pgErr.ConstraintName == "accounts_employee_uniq" {
		return iam.ErrEmployeeHasAccount.With("employee %d", acc.EmployeeID)
	}
	return iam.ErrDuplicateUsername.With("username %s", acc.Username)
}

func (s *Store) CreateAccount(ctx context.Context, acc iam.Account) (iam.Account, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		insert into accounts (employee_id, username, username_key, password_hash, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+accountColumns,
		acc.EmployeeID, acc.Username, iam.CanonicalUsername(acc.Username), acc.PasswordHash, acc.IsActive,
		acc.CreatedAt.UTC(), acc.UpdatedAt.UTC())
	created, err := scanAccount(row)
	if err != nil {
		if cerr := accountConflict(err, acc); cerr != nil {
			return iam.Account{}, cerr
		}
		return iam.Account{}, storageErr("create account", err)
	}
	return created, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (iam.Account, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id)
	return s.loadAccount(ctx, row, fmt.Sprintf("account %d", id))
}

func (s *Store) FindAccountByUsername(ctx context.Context, username string) (iam.Account, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `select `+accountColumns+` from accounts where username_key = $1`, iam.CanonicalUsername(username))
	return s.loadAccount(ctx, row, "username "+username)
}

func (s *Store) loadAccount(ctx context.Context, row *sql.Row, what string) (iam.Account, error) {
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return iam.Account{}, iam.ErrAccountNotFound.With("%s", what)
	}
	if err != nil {
		return iam.Account{}, storageErr("get account", err)
	}
	acc.RoleIDs, err = s.int64Column(ctx, "account roles", `
		select role_id from account_roles
		where account_id = $1
		order by role_id
	`, acc.ID)
	if err != nil {
		return iam.Account{}, err
	}
	return acc, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]iam.Account, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `select `+accountColumns+` from accounts order by id`)
	if err != nil {
		return nil, storageErr("list accounts", err)
	}
	defer rows.Close()

	accounts := []iam.Account{}
	index := map[int64]int{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, storageErr("scan account", err)
		}
		index[acc.ID] = len(accounts)
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list accounts", err)
	}

	memberships, err := s.conn(ctx).QueryContext(ctx, `
		select account_id, role_id from account_roles
		order by account_id, role_id
	`)
	if err != nil {
		return nil, storageErr("list account roles", err)
	}
	defer memberships.Close()
	for memberships.Next() {
		var accountID, roleID int64
		if err := memberships.Scan(&accountID, &roleID); err != nil {
			return nil, storageErr("scan account role", err)
		}
		if i, ok := index[accountID]; ok {
			accounts[i].RoleIDs = append(accounts[i].RoleIDs, roleID)
		}
	}
	if err := memberships.Err(); err != nil {
		return nil, storageErr("list account roles", err)
	}
	return accounts, nil
}

func (s *Store) UpdateAccount(ctx context.Context, id int64, patch iam.AccountPatch, at time.Time) (iam.Account, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	set := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if patch.Username != nil {
		set("username", *patch.Username)
		set("username_key", iam.CanonicalUsername(*patch.Username))
	}
	if patch.PasswordHash != nil {
		set("password_hash", *patch.PasswordHash)
	}
	if patch.IsActive != nil {
		set("is_active", *patch.IsActive)
	}
	if patch.Locked != nil {
		set("locked", *patch.Locked)
	}
	if patch.LastLogin != nil {
		set("last_login", patch.LastLogin.UTC())
	}
	set("updated_at", at.UTC())
	args = append(args, id)

	query := fmt.Sprintf(`update accounts set %s where id = $%d returning %s`, strings.Join(setClauses, ", "), idx, accountColumns)
	acc, err := scanAccount(s.conn(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return iam.Account{}, iam.ErrAccountNotFound.With("account %d", id)
	}
	if err != nil {
		if patch.Username != nil {
			if cerr := accountConflict(err, iam.Account{Username: *patch.Username}); cerr != nil {
				return iam.Account{}, cerr
			}
		}
		return iam.Account{}, storageErr("update account", err)
	}
	acc.RoleIDs, err = s.int64Column(ctx, "account roles", `
		select role_id from account_roles
		where account_id = $1
		order by role_id
	`, id)
	if err != nil {
		return iam.Account{}, err
	}
	return acc, nil
}

func membershipErr(err error, accountID, roleID int64) error {
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		if pgErr.ConstraintName == "account_roles_role_fk" {
			return iam.ErrRoleNotFound.With("role %d", roleID)
		}
		return iam.ErrAccountNotFound.With("account %d", accountID)
	}
	return storageErr("edit account role", err)
}

func (s *Store) AddAccountRole(ctx context.Context, accountID, roleID int64) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		insert into account_roles (account_id, role_id)
		values ($1, $2)
		on conflict do nothing
	`, accountID, roleID)
	if err != nil {
		return false, membershipErr(err, accountID, roleID)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("grant role", err)
	}
	return aff > 0, nil
}

func (s *Store) RemoveAccountRole(ctx context.Context, accountID, roleID int64) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		delete from account_roles where account_id = $1 and role_id = $2
	`, accountID, roleID)
	if err != nil {
		return false, membershipErr(err, accountID, roleID)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("revoke role", err)
	}
	return aff > 0, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.conn(ctx).ExecContext(ctx, `delete from accounts where id = $1`, id)
	if err != nil {
		return storageErr("delete account", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete account", err)
	}
	if aff == 0 {
		return iam.ErrAccountNotFound.With("account %d", id)
	}
	return nil
}
