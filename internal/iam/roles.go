package iam

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/audit"
)

var roleNamePattern = regexp.MustCompile(`^ROLE_[A-Z_]+$`)

const (
	minRoleName = 2
	maxRoleName = 255
)

// ValidateRoleName checks the ROLE_ naming rule.
func ValidateRoleName(name string) error {
	if len(name) < minRoleName || len(name) > maxRoleName || !roleNamePattern.MatchString(name) {
		return ErrInvalidName.With("invalid role name %q", name)
	}
	return nil
}

// AssignResult summarises an AssignPermissions call.
type AssignResult struct {
	Granted int `json:"granted"`
	Revoked int `json:"revoked"`
	Total   int `json:"total"`
}

// RoleGraph manages roles and their permission assignments.
type RoleGraph struct {
	audited
	store   RoleStore
	catalog *Catalog
	locks   *keyedMutex
	now     func() time.Time
	logger  *zap.Logger
}

// NewRoleGraph wires a role graph over store.
func NewRoleGraph(tx Transactor, store RoleStore, catalog *Catalog, trail *audit.Trail, opts ...Option) *RoleGraph {
	s := applyOptions(opts)
	return &RoleGraph{
		audited: audited{tx: tx, trail: trail},
		store:   store,
		catalog: catalog,
		locks:   newKeyedMutex(),
		now:     s.now,
		logger:  s.logger,
	}
}

// Catalog exposes the permission catalog the graph validates against.
func (g *RoleGraph) Catalog() *Catalog { return g.catalog }

func roleKey(id int64) string { return "role:" + strconv.FormatInt(id, 10) }

func roleEvent(action audit.Action, id int64, format string, args ...any) audit.Event {
	return audit.Event{
		Action:      action,
		Module:      audit.ModuleRole,
		EntityType:  audit.EntityRole,
		EntityID:    strconv.FormatInt(id, 10),
		Description: fmt.Sprintf(format, args...),
	}
}

// CreateRole adds an empty role.
func (g *RoleGraph) CreateRole(ctx context.Context, name string) (Role, error) {
	name = strings.TrimSpace(name)
	if err := ValidateRoleName(name); err != nil {
		return Role{}, err
	}
	var created Role
	err := g.run(ctx, func(ctx context.Context) (audit.Event, error) {
		r, err := g.store.CreateRole(ctx, name, g.now())
		if err != nil {
			return audit.Event{}, err
		}
		created = r
		return roleEvent(audit.ActionCreate, r.ID, "created role %s", r.Name), nil
	})
	if err != nil {
		return Role{}, err
	}
	g.logger.Info("role created", zap.Int64("role_id", created.ID), zap.String("name", created.Name))
	return created, nil
}

// RenameRole changes a role's name.
func (g *RoleGraph) RenameRole(ctx context.Context, id int64, name string) (Role, error) {
	name = strings.TrimSpace(name)
	if err := ValidateRoleName(name); err != nil {
		return Role{}, err
	}
	defer g.locks.Lock(roleKey(id))()

	var renamed Role
	err := g.run(ctx, func(ctx context.Context) (audit.Event, error) {
		old, err := g.store.GetRole(ctx, id)
		if err != nil {
			return audit.Event{}, err
		}
		r, err := g.store.RenameRole(ctx, id, name, g.now())
		if err != nil {
			return audit.Event{}, err
		}
		renamed = r
		return roleEvent(audit.ActionUpdate, id, "renamed role %s to %s", old.Name, r.Name), nil
	})
	return renamed, err
}

// DeleteRole removes a role and its assignments. It fails with ErrRoleInUse
// while any account holds the role.
func (g *RoleGraph) DeleteRole(ctx context.Context, id int64) error {
	defer g.locks.Lock(roleKey(id))()

	err := g.run(ctx, func(ctx context.Context) (audit.Event, error) {
		r, err := g.store.GetRole(ctx, id)
		if err != nil {
			return audit.Event{}, err
		}
		if err := g.store.DeleteRole(ctx, id); err != nil {
			return audit.Event{}, err
		}
		return roleEvent(audit.ActionDelete, id, "deleted role %s", r.Name), nil
	})
	if err == nil {
		g.logger.Info("role deleted", zap.Int64("role_id", id))
	}
	return err
}

// AssignPermissions applies permIDs in REPLACE or ADD mode. Unknown ids
// abort the call before anything is written.
func (g *RoleGraph) AssignPermissions(ctx context.Context, id int64, permIDs []int64, mode AssignMode) (AssignResult, error) {
	mode = AssignMode(strings.ToUpper(strings.TrimSpace(string(mode))))
	if mode == "" {
		mode = AssignReplace
	}
	if mode != AssignReplace && mode != AssignAdd {
		return AssignResult{}, ErrInvalidAssignMode.With("mode %q", mode)
	}
	want := dedupeIDs(permIDs)
	if _, err := g.catalog.Lookup(want); err != nil {
		return AssignResult{}, err
	}
	defer g.locks.Lock(roleKey(id))()

	var res AssignResult
	err := g.run(ctx, func(ctx context.Context) (audit.Event, error) {
		if err := g.store.LockRole(ctx, id); err != nil {
			return audit.Event{}, err
		}
		current, err := g.store.RolePermissionIDs(ctx, id)
		if err != nil {
			return audit.Event{}, err
		}
		grant, revoke := diffIDs(current, want)
		if mode == AssignAdd {
			revoke = nil
		}
		if len(grant) > 0 {
			if err := g.store.AddRolePermissions(ctx, id, grant); err != nil {
				return audit.Event{}, err
			}
		}
		if len(revoke) > 0 {
			if err := g.store.RemoveRolePermissions(ctx, id, revoke); err != nil {
				return audit.Event{}, err
			}
		}
		res = AssignResult{Granted: len(grant), Revoked: len(revoke), Total: len(current) + len(grant) - len(revoke)}

		action := audit.ActionUpdate
		if mode == AssignAdd {
			action = audit.ActionGrant
		}
		return roleEvent(action, id, "%s permissions: granted %v, revoked %v", strings.ToLower(string(mode)), grant, revoke), nil
	})
	if err != nil {
		return AssignResult{}, err
	}
	return res, nil
}

// RemovePermission detaches one permission. Removing an absent or unknown
// permission succeeds without effect.
func (g *RoleGraph) RemovePermission(ctx context.Context, id, permID int64) error {
	defer g.locks.Lock(roleKey(id))()

	return g.run(ctx, func(ctx context.Context) (audit.Event, error) {
		if err := g.store.LockRole(ctx, id); err != nil {
			return audit.Event{}, err
		}
		if err := g.store.RemoveRolePermissions(ctx, id, []int64{permID}); err != nil {
			return audit.Event{}, err
		}
		return roleEvent(audit.ActionRevoke, id, "revoked permission %d", permID), nil
	})
}

// RemoveAllPermissions empties the role.
func (g *RoleGraph) RemoveAllPermissions(ctx context.Context, id int64) (int, error) {
	defer g.locks.Lock(roleKey(id))()

	var removed int
	err := g.run(ctx, func(ctx context.Context) (audit.Event, error) {
		if err := g.store.LockRole(ctx, id); err != nil {
			return audit.Event{}, err
		}
		current, err := g.store.RolePermissionIDs(ctx, id)
		if err != nil {
			return audit.Event{}, err
		}
		if len(current) > 0 {
			if err := g.store.RemoveRolePermissions(ctx, id, current); err != nil {
				return audit.Event{}, err
			}
		}
		removed = len(current)
		return roleEvent(audit.ActionRevoke, id, "revoked all %d permissions", removed), nil
	})
	return removed, err
}

// GetRole returns one role.
func (g *RoleGraph) GetRole(ctx context.Context, id int64) (Role, error) {
	return apperr.RetryRead(ctx, func(ctx context.Context) (Role, error) {
		return g.store.GetRole(ctx, id)
	})
}

// ListRoles returns every role ordered by id.
func (g *RoleGraph) ListRoles(ctx context.Context) ([]Role, error) {
	return apperr.RetryRead(ctx, g.store.ListRoles)
}

// ListPermissions returns the role's permissions ordered by resource, then action.
func (g *RoleGraph) ListPermissions(ctx context.Context, id int64) ([]Permission, error) {
	return apperr.RetryRead(ctx, func(ctx context.Context) ([]Permission, error) {
		if _, err := g.store.GetRole(ctx, id); err != nil {
			return nil, err
		}
		ids, err := g.store.RolePermissionIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		return g.catalog.Resolve(ids), nil
	})
}

// ListPermissionGroups is ListPermissions grouped by resource.
func (g *RoleGraph) ListPermissionGroups(ctx context.Context, id int64) ([]PermissionGroup, error) {
	perms, err := g.ListPermissions(ctx, id)
	if err != nil {
		return nil, err
	}
	return GroupByResource(perms), nil
}

// unionPermissions resolves the permissions of every role in roleIDs.
func (g *RoleGraph) unionPermissions(ctx context.Context, roleIDs []int64) ([]Permission, error) {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, roleID := range roleIDs {
		perms, err := g.store.RolePermissionIDs(ctx, roleID)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				continue
			}
			return nil, err
		}
		for _, id := range perms {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return g.catalog.Resolve(ids), nil
}

// diffIDs returns the ids to add and to remove to turn current into want.
func diffIDs(current, want []int64) (grant, revoke []int64) {
	have := make(map[int64]struct{}, len(current))
	for _, id := range current {
		have[id] = struct{}{}
	}
	target := make(map[int64]struct{}, len(want))
	for _, id := range want {
		target[id] = struct{}{}
		if _, ok := have[id]; !ok {
			grant = append(grant, id)
		}
	}
	for _, id := range current {
		if _, ok := target[id]; !ok {
			revoke = append(revoke, id)
		}
	}
	return sortedIDs(grant), sortedIDs(revoke)
}
