package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"hisadmin.org/internal/iam"
)

type onlineView struct {
	iam.Session
	Username string `json:"username"`
}

func (a *API) handleOnline(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	hours, ok := queryInt(w, r, "hours", iam.DefaultOnlineHours)
	if !ok {
		return
	}
	accountID, ok := queryInt(w, r, "accountId", 0)
	if !ok {
		return
	}
	sessions, err := a.deps.Sessions.ListOnline(r.Context(), int64(accountID), hours)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	names := make(map[int64]string)
	if len(sessions) > 0 {
		accs, err := a.deps.Accounts.ListAccounts(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		for _, acc := range accs {
			names[acc.ID] = acc.Username
		}
	}
	out := make([]onlineView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, onlineView{Session: s, Username: names[s.AccountID]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (a *API) handleTerminate(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	s, err := a.deps.Sessions.Terminate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleTerminateAll(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	n, err := a.deps.Sessions.TerminateAllByUsername(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"terminated": n})
}
