package httpapi

import (
	"net/http"
	"strconv"

	"hisadmin.org/internal/iam"
)

type roleRequest struct {
	Name     string `json:"name"`
	RoleName string `json:"roleName"`
}

func (q roleRequest) roleName() string {
	if q.Name != "" {
		return q.Name
	}
	return q.RoleName
}

type assignRequest struct {
	PermissionIDs []int64        `json:"permissionIds"`
	Mode          iam.AssignMode `json:"mode"`
}

type roleView struct {
	iam.Role
	Permissions []iam.Permission `json:"permissions"`
}

func (a *API) handleListCatalog(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	writePermissions(w, r, a.deps.Roles.Catalog().ListAll())
}

func (a *API) handleGetCatalogEntry(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	perm, err := a.deps.Roles.Catalog().Get(id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	roles, err := a.deps.Roles.ListRoles(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if roles == nil {
		roles = []iam.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles, "total": len(roles)})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	var req roleRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	role, err := a.deps.Roles.CreateRole(r.Context(), req.roleName())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/roles/"+strconv.FormatInt(role.ID, 10))
	writeJSON(w, http.StatusCreated, roleView{Role: role, Permissions: []iam.Permission{}})
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	role, err := a.deps.Roles.GetRole(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	perms, err := a.deps.Roles.ListPermissions(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if perms == nil {
		perms = []iam.Permission{}
	}
	writeJSON(w, http.StatusOK, roleView{Role: role, Permissions: perms})
}

func (a *API) handleRenameRole(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req roleRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	role, err := a.deps.Roles.RenameRole(r.Context(), id, req.roleName())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := a.deps.Roles.DeleteRole(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	perms, err := a.deps.Roles.ListPermissions(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writePermissions(w, r, perms)
}

func (a *API) handleAssignPermissions(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req assignRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	res, err := a.deps.Roles.AssignPermissions(r.Context(), id, req.PermissionIDs, req.Mode)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRemoveAllPermissions(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	n, err := a.deps.Roles.RemoveAllPermissions(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (a *API) handleRemovePermission(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	permID, ok := pathID(w, r, "permId")
	if !ok {
		return
	}
	if err := a.deps.Roles.RemovePermission(r.Context(), id, permID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
