package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"hisadmin.org/internal/iam"
)

func (s *Store) ListPermissions(ctx context.Context) ([]iam.Permission, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		select id, resource, action, name
		from permissions
		order by resource, action
	`)
	if err != nil {
		return nil, storageErr("list permissions", err)
	}
	defer rows.Close()

	var perms []iam.Permission
	for rows.Next() {
		var p iam.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Name); err != nil {
			return nil, storageErr("scan permission", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list permissions", err)
	}
	return perms, nil
}

// EnsurePermissions upserts the catalog seed.
func (s *Store) EnsurePermissions(ctx context.Context, perms []iam.Permission) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		for _, p := range perms {
			if _, err := s.conn(ctx).ExecContext(ctx, `
				insert into permissions (id, resource, action, name)
				values ($1, $2, $3, $4)
				on conflict (id) do update set name = excluded.name
			`, p.ID, p.Resource, p.Action, p.Name); err != nil {
				return storageErr("seed permission", err)
			}
		}
		return nil
	})
}

func (s *Store) CreateRole(ctx context.Context, name string, at time.Time) (iam.Role, error) {
	var r iam.Role
	err := s.conn(ctx).QueryRowContext(ctx, `
		insert into roles (name, created_at, updated_at)
		values ($1, $2, $2)
		returning id, name, created_at, updated_at
	`, name, at.UTC()).Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return iam.Role{}, iam.ErrDuplicateName.With("role %s", name)
		}
		return iam.Role{}, storageErr("create role", err)
	}
	return r, nil
}

func (s *Store) GetRole(ctx context.Context, id int64) (iam.Role, error) {
	var r iam.Role
	err := s.conn(ctx).QueryRowContext(ctx, `
		select id, name, created_at, updated_at
		from roles
		where id = $1
	`, id).Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return iam.Role{}, iam.ErrRoleNotFound.With("role %d", id)
	}
	if err != nil {
		return iam.Role{}, storageErr("get role", err)
	}
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]iam.Role, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		select id, name, created_at, updated_at
		from roles
		order by id
	`)
	if err != nil {
		return nil, storageErr("list roles", err)
	}
	defer rows.Close()

	roles := []iam.Role{}
	for rows.Next() {
		var r iam.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, storageErr("scan role", err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list roles", err)
	}
	return roles, nil
}

func (s *Store) RenameRole(ctx context.Context, id int64, name string, at time.Time) (iam.Role, error) {
	var r iam.Role
	err := s.conn(ctx).QueryRowContext(ctx, `
		update roles set name = $2, updated_at = $3
		where id = $1
		returning id, name, created_at, updated_at
	`, id, name, at.UTC()).Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return iam.Role{}, iam.ErrRoleNotFound.With("role %d", id)
	}
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return iam.Role{}, iam.ErrDuplicateName.With("role %s", name)
		}
		return iam.Role{}, storageErr("rename role", err)
	}
	return r, nil
}

// DeleteRole relies on account_roles.role_id being "on delete restrict" and
// role_permissions.role_id being "on delete cascade".
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	res, err := s.conn(ctx).ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return iam.ErrRoleInUse.With("role %d", id)
		}
		return storageErr("delete role", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete role", err)
	}
	if aff == 0 {
		return iam.ErrRoleNotFound.With("role %d", id)
	}
	return nil
}

func (s *Store) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	var exists bool
	if err := s.conn(ctx).QueryRowContext(ctx, `select exists(select 1 from roles where id = $1)`, roleID).Scan(&exists); err != nil {
		return nil, storageErr("role permissions", err)
	}
	if !exists {
		return nil, iam.ErrRoleNotFound.With("role %d", roleID)
	}
	return s.int64Column(ctx, "role permissions", `
		select permission_id from role_permissions
		where role_id = $1
		order by permission_id
	`, roleID)
}

func (s *Store) LockRole(ctx context.Context, id int64) error {
	var locked int64
	err := s.conn(ctx).QueryRowContext(ctx, `select id from roles where id = $1 for update`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return iam.ErrRoleNotFound.With("role %d", id)
	}
	return storageErr("lock role", err)
}

func (s *Store) AddRolePermissions(ctx context.Context, roleID int64, permIDs []int64) error {
	for _, permID := range permIDs {
		_, err := s.conn(ctx).ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, permID)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				if pgErr.ConstraintName == "role_permissions_role_fk" {
					return iam.ErrRoleNotFound.With("role %d", roleID)
				}
				return iam.ErrUnknownPermission.With("permission %d", permID)
			}
			return storageErr("grant permission", err)
		}
	}
	return nil
}

func (s *Store) RemoveRolePermissions(ctx context.Context, roleID int64, permIDs []int64) error {
	for _, permID := range permIDs {
		if _, err := s.conn(ctx).ExecContext(ctx, `
			delete from role_permissions where role_id = $1 and permission_id = $2
		`, roleID, permID); err != nil {
			return storageErr("revoke permission", err)
		}
	}
	return nil
}

func (s *Store) int64Column(ctx context.Context, op, query string, args ...any) ([]int64, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	out := []int64{}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
