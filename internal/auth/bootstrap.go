package auth

import (
	"context"

	"go.uber.org/zap"

	"hisadmin.org/internal/audit"
	"hisadmin.org/internal/iam"
	"hisadmin.org/internal/obs"
)

// AdminRoleName is the role the bootstrap administrator receives.
const AdminRoleName = "ROLE_ADMIN"

// BootstrapAdmin describes the first administrator.
type BootstrapAdmin struct {
	EmployeeID int64
	Username   string
	Password   string
}

// EnsureAdmin creates the administrator role with every catalog permission
// and the administrator account, but only while no account exists. It
// reports whether it created anything. All writes are audited as system.
func EnsureAdmin(ctx context.Context, roles *iam.RoleGraph, accounts *iam.AccountRegistry, admin BootstrapAdmin, logger *zap.Logger) (bool, error) {
	logger = obs.OrNop(logger)
	existing, err := accounts.ListAccounts(ctx)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	ctx = audit.WithActor(ctx, audit.System)

	role, err := findOrCreateRole(ctx, roles, AdminRoleName)
	if err != nil {
		return false, err
	}
	all := roles.Catalog().ListAll()
	ids := make([]int64, 0, len(all))
	for _, p := range all {
		ids = append(ids, p.ID)
	}
	if _, err := roles.AssignPermissions(ctx, role.ID, ids, iam.AssignReplace); err != nil {
		return false, err
	}
	acc, err := accounts.CreateAccount(ctx, iam.NewAccount{
		EmployeeID: admin.EmployeeID,
		Username:   admin.Username,
		Password:   admin.Password,
		IsActive:   true,
	})
	if err != nil {
		return false, err
	}
	if err := accounts.GrantRole(ctx, acc.ID, role.ID); err != nil {
		return false, err
	}
	logger.Warn("bootstrap administrator created", zap.String("username", acc.Username), zap.Int64("account_id", acc.ID))
	return true, nil
}

func findOrCreateRole(ctx context.Context, roles *iam.RoleGraph, name string) (iam.Role, error) {
	list, err := roles.ListRoles(ctx)
	if err != nil {
		return iam.Role{}, err
	}
	for _, r := range list {
		if r.Name == name {
			return r, nil
		}
	}
	return roles.CreateRole(ctx, name)
}
