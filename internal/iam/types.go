package iam

import (
	"sort"
	"time"
)

// Permission is a resource/action pair from the deployed feature set.
type Permission struct {
	ID       int64  `json:"id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Name     string `json:"name"`
}

// Key is the RESOURCE:ACTION form used in authorization checks.
func (p Permission) Key() string { return p.Resource + ":" + p.Action }

// Role groups permissions.
type Role struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AssignMode selects how AssignPermissions combines with the current set.
type AssignMode string

const (
	AssignReplace AssignMode = "REPLACE"
	AssignAdd     AssignMode = "ADD"
)

// AccountStatus is derived from IsActive and Locked.
type AccountStatus string

const (
	StatusActive   AccountStatus = "ACTIVE"
	StatusLocked   AccountStatus = "LOCKED"
	StatusDisabled AccountStatus = "DISABLED"
)

// Account is an employee's login identity.
type Account struct {
	ID           int64      `json:"id"`
	EmployeeID   int64      `json:"employeeId"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	IsActive     bool       `json:"isActive"`
	Locked       bool       `json:"locked"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
	RoleIDs      []int64    `json:"roleIds"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Status returns the effective status.
func (a Account) Status() AccountStatus {
	switch {
	case a.IsActive && !a.Locked:
		return StatusActive
	case a.Locked:
		return StatusLocked
	default:
		return StatusDisabled
	}
}

// HasRole reports membership.
func (a Account) HasRole(roleID int64) bool {
	for _, id := range a.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// AccountPatch carries the stored fields an update changes. Nil means unchanged.
type AccountPatch struct {
	Username     *string
	PasswordHash *string
	IsActive     *bool
	Locked       *bool
	LastLogin    *time.Time
}

// AccountUpdate is the caller-facing partial update.
type AccountUpdate struct {
	Username *string
	Password *string
	IsActive *bool
	RoleIDs  *[]int64
}

// SessionStatus is ACTIVE until it becomes TERMINATED; there is no way back.
type SessionStatus string

const (
	SessionActive     SessionStatus = "ACTIVE"
	SessionTerminated SessionStatus = "TERMINATED"
)

// Session is a server-tracked, revocable login.
type Session struct {
	ID           string        `json:"sessionId"`
	AccountID    int64         `json:"accountId"`
	IP           string        `json:"ip"`
	LoginAt      time.Time     `json:"loginTime"`
	LastSeen     time.Time     `json:"lastSeen"`
	Status       SessionStatus `json:"status"`
	TerminatedAt *time.Time    `json:"terminatedAt,omitempty"`
}

// OnlineFilter narrows ListOnline. AccountID 0 means every account.
type OnlineFilter struct {
	AccountID int64
	Since     time.Time
}

func sortedIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return sortedIDs(out)
}
