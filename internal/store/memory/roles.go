package memory

import (
	"context"
	"sort"
	"time"

	"hisadmin.org/internal/iam"
)

func (s *Store) CreateRole(ctx context.Context, name string, at time.Time) (iam.Role, error) {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	if _, dup := s.roleNames[name]; dup {
		return iam.Role{}, iam.ErrDuplicateName.With("role %s", name)
	}
	s.nextRole++
	r := iam.Role{ID: s.nextRole, Name: name, CreatedAt: stamp(at), UpdatedAt: stamp(at)}
	s.roles[r.ID] = r
	s.roleNames[name] = r.ID
	s.rolePerms[r.ID] = make(map[int64]struct{})
	s.record(ctx, func() {
		s.roleMu.Lock()
		defer s.roleMu.Unlock()
		delete(s.roles, r.ID)
		delete(s.roleNames, r.Name)
		delete(s.rolePerms, r.ID)
	})
	return r, nil
}

func (s *Store) GetRole(_ context.Context, id int64) (iam.Role, error) {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return iam.Role{}, iam.ErrRoleNotFound.With("role %d", id)
	}
	return r, nil
}

func (s *Store) ListRoles(context.Context) ([]iam.Role, error) {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	out := make([]iam.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RenameRole(ctx context.Context, id int64, name string, at time.Time) (iam.Role, error) {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	old, ok := s.roles[id]
	if !ok {
		return iam.Role{}, iam.ErrRoleNotFound.With("role %d", id)
	}
	if other, dup := s.roleNames[name]; dup && other != id {
		return iam.Role{}, iam.ErrDuplicateName.With("role %s", name)
	}
	r := old
	r.Name = name
	r.UpdatedAt = stamp(at)
	delete(s.roleNames, old.Name)
	s.roleNames[name] = id
	s.roles[id] = r
	s.record(ctx, func() {
		s.roleMu.Lock()
		defer s.roleMu.Unlock()
		delete(s.roleNames, name)
		s.roleNames[old.Name] = id
		s.roles[id] = old
	})
	return r, nil
}

func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return iam.ErrRoleNotFound.With("role %d", id)
	}
	if len(s.roleMembers[id]) > 0 {
		return iam.ErrRoleInUse.With("role %s held by %d accounts", r.Name, len(s.roleMembers[id]))
	}
	perms := s.rolePerms[id]
	delete(s.roles, id)
	delete(s.roleNames, r.Name)
	delete(s.rolePerms, id)
	delete(s.roleMembers, id)
	s.record(ctx, func() {
		s.roleMu.Lock()
		defer s.roleMu.Unlock()
		s.roles[id] = r
		s.roleNames[r.Name] = id
		s.rolePerms[id] = perms
	})
	return nil
}

func (s *Store) RolePermissionIDs(_ context.Context, roleID int64) ([]int64, error) {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	set, ok := s.rolePerms[roleID]
	if !ok {
		return nil, iam.ErrRoleNotFound.With("role %d", roleID)
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LockRole only checks existence; callers serialise per role themselves.
func (s *Store) LockRole(ctx context.Context, id int64) error {
	_, err := s.GetRole(ctx, id)
	return err
}

func (s *Store) AddRolePermissions(ctx context.Context, roleID int64, permIDs []int64) error {
	return s.editRolePermissions(ctx, roleID, permIDs, true)
}

func (s *Store) RemoveRolePermissions(ctx context.Context, roleID int64, permIDs []int64) error {
	return s.editRolePermissions(ctx, roleID, permIDs, false)
}

func (s *Store) editRolePermissions(ctx context.Context, roleID int64, permIDs []int64, add bool) error {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	set, ok := s.rolePerms[roleID]
	if !ok {
		return iam.ErrRoleNotFound.With("role %d", roleID)
	}
	var changed []int64
	for _, id := range permIDs {
		_, has := set[id]
		switch {
		case add && !has:
			set[id] = struct{}{}
		case !add && has:
			delete(set, id)
		default:
			continue
		}
		changed = append(changed, id)
	}
	if len(changed) == 0 {
		return nil
	}
	s.record(ctx, func() {
		s.roleMu.Lock()
		defer s.roleMu.Unlock()
		set, ok := s.rolePerms[roleID]
		if !ok {
			return
		}
		for _, id := range changed {
			if add {
				delete(set, id)
			} else {
				set[id] = struct{}{}
			}
		}
	})
	return nil
}
