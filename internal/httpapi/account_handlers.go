package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"hisadmin.org/internal/iam"
)

// accountView is the wire form of an account with its derived status.
type accountView struct {
	iam.Account
	Status iam.AccountStatus `json:"status"`
}

func viewAccount(acc iam.Account) accountView {
	if acc.RoleIDs == nil {
		acc.RoleIDs = []int64{}
	}
	return accountView{Account: acc, Status: acc.Status()}
}

type createAccountRequest struct {
	EmployeeID int64  `json:"employeeId"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	IsActive   *bool  `json:"isActive"`
}

type updateAccountRequest struct {
	Username *string  `json:"username"`
	Password *string  `json:"password"`
	IsActive *bool    `json:"isActive"`
	RoleIDs  *[]int64 `json:"roleIds"`
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	var req createAccountRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	acc, err := a.deps.Accounts.CreateAccount(r.Context(), iam.NewAccount{
		EmployeeID: req.EmployeeID,
		Username:   req.Username,
		Password:   req.Password,
		IsActive:   active,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/accounts/"+strconv.FormatInt(acc.ID, 10))
	writeJSON(w, http.StatusCreated, viewAccount(acc))
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	accs, err := a.deps.Accounts.ListAccounts(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]accountView, 0, len(accs))
	for _, acc := range accs {
		out = append(out, viewAccount(acc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	acc, err := a.deps.Accounts.GetAccount(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateAccountRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	acc, err := a.deps.Accounts.UpdateAccount(r.Context(), id, iam.AccountUpdate{
		Username: req.Username,
		Password: req.Password,
		IsActive: req.IsActive,
		RoleIDs:  req.RoleIDs,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := a.deps.Accounts.DeleteAccount(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleActivate(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	a.accountFlag(w, r, a.deps.Accounts.Activate)
}

func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	a.accountFlag(w, r, a.deps.Accounts.Deactivate)
}

func (a *API) handleUnlock(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	a.accountFlag(w, r, a.deps.Accounts.Unlock)
}

func (a *API) accountFlag(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) (iam.Account, error)) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	acc, err := op(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req resetPasswordRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if err := a.deps.Accounts.ResetPassword(r.Context(), id, req.Password); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGrantRole(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	a.editAccountRole(w, r, a.deps.Accounts.GrantRole)
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	a.editAccountRole(w, r, a.deps.Accounts.RevokeRole)
}

func (a *API) editAccountRole(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, int64) error) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := pathID(w, r, "roleId")
	if !ok {
		return
	}
	if err := op(r.Context(), id, roleID); err != nil {
		a.fail(w, r, err)
		return
	}
	acc, err := a.deps.Accounts.GetAccount(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

func (a *API) handleAccountPermissions(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	perms, err := a.deps.Accounts.EffectivePermissions(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writePermissions(w, r, perms)
}

// writePermissions renders a flat list, or the by-resource view when
// ?grouped=true.
func writePermissions(w http.ResponseWriter, r *http.Request, perms []iam.Permission) {
	if perms == nil {
		perms = []iam.Permission{}
	}
	if grouped, _ := strconv.ParseBool(r.URL.Query().Get("grouped")); grouped {
		groups := iam.GroupByResource(perms)
		if groups == nil {
			groups = []iam.PermissionGroup{}
		}
		writeJSON(w, http.StatusOK, groups)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}
