package httpapi

import (
	"net/http"

	"hisadmin.org/internal/auth"
	"hisadmin.org/internal/iam"
	"hisadmin.org/internal/obs"
)

// loginRequest takes the login name as username or, for older clients, as
// email. Accounts are keyed by username either way.
type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (q loginRequest) login() string {
	if q.Username != "" {
		return q.Username
	}
	return q.Email
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type loginResponse struct {
	auth.TokenPair
	Account accountView `json:"account"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.allow(a.clientIP(r)) {
		obs.ObserveLogin("throttled")
		writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many login attempts")
		return
	}
	var req loginRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	res, err := a.deps.Auth.Login(r.Context(), req.login(), req.Password, a.clientIP(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{TokenPair: res.TokenPair, Account: viewAccount(res.Account)})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	pair, err := a.deps.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request, p iam.Principal) {
	if err := a.deps.Auth.Logout(r.Context(), p.SessionID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request, p iam.Principal) {
	me := auth.Describe(p)
	writeJSON(w, http.StatusOK, map[string]any{
		"account":     viewAccount(me.Account),
		"sessionId":   me.SessionID,
		"permissions": me.Permissions,
	})
}
