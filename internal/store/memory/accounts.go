package memory

import (
	"context"
	"sort"
	"time"

	"hisadmin.org/internal/iam"
)

func cloneAccount(a iam.Account) iam.Account {
	a.RoleIDs = append([]int64{}, a.RoleIDs...)
	if a.LastLogin != nil {
		t := *a.LastLogin
		a.LastLogin = &t
	}
	return a
}

func (s *Store) CreateAccount(ctx context.Context, acc iam.Account) (iam.Account, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	key := iam.CanonicalUsername(acc.Username)
	if _, dup := s.byEmployee[acc.EmployeeID]; dup {
		return iam.Account{}, iam.ErrEmployeeHasAccount.With("employee %d", acc.EmployeeID)
	}
	if _, dup := s.byUsername[key]; dup {
		return iam.Account{}, iam.ErrDuplicateUsername.With("username %s", acc.Username)
	}
	s.nextAcc++
	acc.ID = s.nextAcc
	acc.RoleIDs = []int64{}
	acc.CreatedAt = stamp(acc.CreatedAt)
	acc.UpdatedAt = stamp(acc.UpdatedAt)
	s.accounts[acc.ID] = acc
	s.byUsername[key] = acc.ID
	s.byEmployee[acc.EmployeeID] = acc.ID
	s.record(ctx, func() {
		s.accMu.Lock()
		defer s.accMu.Unlock()
		delete(s.accounts, acc.ID)
		delete(s.byUsername, key)
		delete(s.byEmployee, acc.EmployeeID)
	})
	return cloneAccount(acc), nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (iam.Account, error) {
	s.accMu.RLock()
	defer s.accMu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return iam.Account{}, iam.ErrAccountNotFound.With("account %d", id)
	}
	return cloneAccount(acc), nil
}

func (s *Store) FindAccountByUsername(_ context.Context, username string) (iam.Account, error) {
	s.accMu.RLock()
	defer s.accMu.RUnlock()
	id, ok := s.byUsername[iam.CanonicalUsername(username)]
	if !ok {
		return iam.Account{}, iam.ErrAccountNotFound.With("username %s", username)
	}
	return cloneAccount(s.accounts[id]), nil
}

func (s *Store) ListAccounts(context.Context) ([]iam.Account, error) {
	s.accMu.RLock()
	defer s.accMu.RUnlock()
	out := make([]iam.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, cloneAccount(acc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateAccount(ctx context.Context, id int64, patch iam.AccountPatch, at time.Time) (iam.Account, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	old, ok := s.accounts[id]
	if !ok {
		return iam.Account{}, iam.ErrAccountNotFound.With("account %d", id)
	}
	acc := cloneAccount(old)
	oldKey := iam.CanonicalUsername(old.Username)
	newKey := oldKey
	if patch.Username != nil {
		newKey = iam.CanonicalUsername(*patch.Username)
		if other, dup := s.byUsername[newKey]; dup && other != id {
			return iam.Account{}, iam.ErrDuplicateUsername.With("username %s", *patch.Username)
		}
		acc.Username = *patch.Username
	}
	if patch.PasswordHash != nil {
		acc.PasswordHash = *patch.PasswordHash
	}
	if patch.IsActive != nil {
		acc.IsActive = *patch.IsActive
	}
	if patch.Locked != nil {
		acc.Locked = *patch.Locked
	}
	if patch.LastLogin != nil {
		t := stamp(*patch.LastLogin)
		acc.LastLogin = &t
	}
	acc.UpdatedAt = stamp(at)
	delete(s.byUsername, oldKey)
	s.byUsername[newKey] = id
	s.accounts[id] = acc
	s.record(ctx, func() {
		s.accMu.Lock()
		defer s.accMu.Unlock()
		delete(s.byUsername, newKey)
		s.byUsername[oldKey] = id
		if cur, ok := s.accounts[id]; ok {
			old.RoleIDs = cur.RoleIDs
		}
		s.accounts[id] = old
	})
	return cloneAccount(acc), nil
}

func (s *Store) AddAccountRole(ctx context.Context, accountID, roleID int64) (bool, error) {
	return s.editMembership(ctx, accountID, roleID, true)
}

func (s *Store) RemoveAccountRole(ctx context.Context, accountID, roleID int64) (bool, error) {
	return s.editMembership(ctx, accountID, roleID, false)
}

func (s *Store) editMembership(ctx context.Context, accountID, roleID int64, add bool) (bool, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	s.roleMu.Lock()
	defer s.roleMu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return false, iam.ErrAccountNotFound.With("account %d", accountID)
	}
	if _, ok := s.roles[roleID]; !ok {
		return false, iam.ErrRoleNotFound.With("role %d", roleID)
	}
	if acc.HasRole(roleID) == add {
		return false, nil
	}
	s.setMembership(accountID, roleID, add)
	s.record(ctx, func() {
		s.accMu.Lock()
		defer s.accMu.Unlock()
		s.roleMu.Lock()
		defer s.roleMu.Unlock()
		if _, ok := s.accounts[accountID]; ok {
			s.setMembership(accountID, roleID, !add)
		}
	})
	return true, nil
}

// setMembership requires both locks.
func (s *Store) setMembership(accountID, roleID int64, add bool) {
	acc := s.accounts[accountID]
	members := s.roleMembers[roleID]
	if add {
		acc.RoleIDs = append(append([]int64{}, acc.RoleIDs...), roleID)
		sort.Slice(acc.RoleIDs, func(i, j int) bool { return acc.RoleIDs[i] < acc.RoleIDs[j] })
		if members == nil {
			members = make(map[int64]struct{})
			s.roleMembers[roleID] = members
		}
		members[accountID] = struct{}{}
	} else {
		kept := make([]int64, 0, len(acc.RoleIDs))
		for _, id := range acc.RoleIDs {
			if id != roleID {
				kept = append(kept, id)
			}
		}
		acc.RoleIDs = kept
		delete(members, accountID)
	}
	s.accounts[accountID] = acc
}

func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	s.roleMu.Lock()
	defer s.roleMu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return iam.ErrAccountNotFound.With("account %d", id)
	}
	key := iam.CanonicalUsername(acc.Username)
	for _, roleID := range acc.RoleIDs {
		delete(s.roleMembers[roleID], id)
	}
	delete(s.accounts, id)
	delete(s.byUsername, key)
	delete(s.byEmployee, acc.EmployeeID)
	s.record(ctx, func() {
		s.accMu.Lock()
		defer s.accMu.Unlock()
		s.roleMu.Lock()
		defer s.roleMu.Unlock()
		s.accounts[id] = acc
		s.byUsername[key] = id
		s.byEmployee[acc.EmployeeID] = id
		for _, roleID := range acc.RoleIDs {
			if s.roleMembers[roleID] == nil {
				s.roleMembers[roleID] = make(map[int64]struct{})
			}
			s.roleMembers[roleID][id] = struct{}{}
		}
	})
	return nil
}
