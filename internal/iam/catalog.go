package iam

import (
	"context"
	"sort"
	"strings"

	"hisadmin.org/internal/apperr"
)

// Resources and actions of the built-in catalog.
const (
	ResourceAccount  = "ACCOUNT"
	ResourceRole     = "ROLE"
	ResourceSession  = "SESSION"
	ResourceAudit    = "AUDIT"
	ResourceEmployee = "EMPLOYEE"
	ResourcePatient  = "PATIENT"
	ResourceSupplier = "SUPPLIER"
	ResourceCabinet  = "CABINET"
	ResourceReport   = "REPORT"

	ActionView      = "VIEW"
	ActionCreate    = "CREATE"
	ActionUpdate    = "UPDATE"
	ActionDelete    = "DELETE"
	ActionTerminate = "TERMINATE"
	ActionExport    = "EXPORT"
)

// Permission keys checked by the HTTP layer.
const (
	PermAccountView      = ResourceAccount + ":" + ActionView
	PermAccountCreate    = ResourceAccount + ":" + ActionCreate
	PermAccountUpdate    = ResourceAccount + ":" + ActionUpdate
	PermAccountDelete    = ResourceAccount + ":" + ActionDelete
	PermRoleView         = ResourceRole + ":" + ActionView
	PermRoleCreate       = ResourceRole + ":" + ActionCreate
	PermRoleUpdate       = ResourceRole + ":" + ActionUpdate
	PermRoleDelete       = ResourceRole + ":" + ActionDelete
	PermSessionView      = ResourceSession + ":" + ActionView
	PermSessionTerminate = ResourceSession + ":" + ActionTerminate
	PermAuditView        = ResourceAudit + ":" + ActionView
	PermAuditExport      = ResourceAudit + ":" + ActionExport
)

// BuiltinPermissions is the feature set shipped with the console. IDs are
// stable; new entries are appended.
var BuiltinPermissions = []Permission{
	{ID: 1, Resource: ResourceAccount, Action: ActionView, Name: "View accounts"},
	{ID: 2, Resource: ResourceAccount, Action: ActionCreate, Name: "Create accounts"},
	{ID: 3, Resource: ResourceAccount, Action: ActionUpdate, Name: "Update accounts"},
	{ID: 4, Resource: ResourceAccount, Action: ActionDelete, Name: "Delete accounts"},
	{ID: 5, Resource: ResourceRole, Action: ActionView, Name: "View roles"},
	{ID: 6, Resource: ResourceRole, Action: ActionCreate, Name: "Create roles"},
	{ID: 7, Resource: ResourceRole, Action: ActionUpdate, Name: "Update roles"},
	{ID: 8, Resource: ResourceRole, Action: ActionDelete, Name: "Delete roles"},
	{ID: 9, Resource: ResourceSession, Action: ActionView, Name: "View online users"},
	{ID: 10, Resource: ResourceSession, Action: ActionTerminate, Name: "Terminate sessions"},
	{ID: 11, Resource: ResourceAudit, Action: ActionView, Name: "View audit log"},
	{ID: 12, Resource: ResourceAudit, Action: ActionExport, Name: "Export audit log"},
	{ID: 13, Resource: ResourceEmployee, Action: ActionView, Name: "View employees"},
	{ID: 14, Resource: ResourceEmployee, Action: ActionCreate, Name: "Create employees"},
	{ID: 15, Resource: ResourceEmployee, Action: ActionUpdate, Name: "Update employees"},
	{ID: 16, Resource: ResourceEmployee, Action: ActionDelete, Name: "Delete employees"},
	{ID: 17, Resource: ResourcePatient, Action: ActionView, Name: "View patients"},
	{ID: 18, Resource: ResourcePatient, Action: ActionCreate, Name: "Register patients"},
	{ID: 19, Resource: ResourcePatient, Action: ActionUpdate, Name: "Update patients"},
	{ID: 20, Resource: ResourcePatient, Action: ActionDelete, Name: "Delete patients"},
	{ID: 21, Resource: ResourceSupplier, Action: ActionView, Name: "View suppliers"},
	{ID: 22, Resource: ResourceSupplier, Action: ActionUpdate, Name: "Manage suppliers"},
	{ID: 23, Resource: ResourceCabinet, Action: ActionView, Name: "View cabinets"},
	{ID: 24, Resource: ResourceCabinet, Action: ActionUpdate, Name: "Manage cabinets"},
	{ID: 25, Resource: ResourceReport, Action: ActionView, Name: "View reports"},
}

// Catalog is the read-only permission registry. It is never mutated after
// construction, so concurrent reads need no locking.
type Catalog struct {
	ordered []Permission
	byID    map[int64]Permission
}

// NewCatalog indexes perms and orders them by resource, then action.
func NewCatalog(perms []Permission) *Catalog {
	c := &Catalog{
		ordered: make([]Permission, 0, len(perms)),
		byID:    make(map[int64]Permission, len(perms)),
	}
	for _, p := range perms {
		p.Resource = strings.ToUpper(strings.TrimSpace(p.Resource))
		p.Action = strings.ToUpper(strings.TrimSpace(p.Action))
		if _, dup := c.byID[p.ID]; dup {
			continue
		}
		c.byID[p.ID] = p
		c.ordered = append(c.ordered, p)
	}
	sortPermissions(c.ordered)
	return c
}

// LoadCatalog reads the seeded permissions from src.
func LoadCatalog(ctx context.Context, src PermissionSource) (*Catalog, error) {
	perms, err := apperr.RetryRead(ctx, src.ListPermissions)
	if err != nil {
		return nil, err
	}
	return NewCatalog(perms), nil
}

// ListAll returns every permission ordered by resource, then action.
func (c *Catalog) ListAll() []Permission {
	return append([]Permission(nil), c.ordered...)
}

// Get returns one permission.
func (c *Catalog) Get(id int64) (Permission, error) {
	p, ok := c.byID[id]
	if !ok {
		return Permission{}, ErrPermissionNotFound.With("permission %d", id)
	}
	return p, nil
}

// Lookup resolves ids, failing on the first unknown one.
func (c *Catalog) Lookup(ids []int64) ([]Permission, error) {
	out := make([]Permission, 0, len(ids))
	for _, id := range ids {
		p, ok := c.byID[id]
		if !ok {
			return nil, ErrUnknownPermission.With("permission %d", id)
		}
		out = append(out, p)
	}
	sortPermissions(out)
	return out, nil
}

// Resolve maps ids to permissions, skipping ids the catalog no longer knows.
func (c *Catalog) Resolve(ids []int64) []Permission {
	out := make([]Permission, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.byID[id]; ok {
			out = append(out, p)
		}
	}
	sortPermissions(out)
	return out
}

// PermissionGroup is the by-resource view of a flat permission list.
type PermissionGroup struct {
	Resource    string       `json:"resource"`
	Permissions []Permission `json:"permissions"`
}

// GroupByResource derives the grouped view; groups and members are ordered.
func GroupByResource(perms []Permission) []PermissionGroup {
	sorted := append([]Permission(nil), perms...)
	sortPermissions(sorted)
	var groups []PermissionGroup
	for _, p := range sorted {
		if n := len(groups); n > 0 && groups[n-1].Resource == p.Resource {
			groups[n-1].Permissions = append(groups[n-1].Permissions, p)
			continue
		}
		groups = append(groups, PermissionGroup{Resource: p.Resource, Permissions: []Permission{p}})
	}
	return groups
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Resource != perms[j].Resource {
			return perms[i].Resource < perms[j].Resource
		}
		if perms[i].Action != perms[j].Action {
			return perms[i].Action < perms[j].Action
		}
		return perms[i].ID < perms[j].ID
	})
}
