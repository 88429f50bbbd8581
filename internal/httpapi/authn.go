package httpapi

import (
	"net/http"
	"strings"

	"hisadmin.org/internal/auth"
	"hisadmin.org/internal/iam"
)

const bearer = "bearer "

type protectedHandler func(w http.ResponseWriter, r *http.Request, p iam.Principal)

// protect authenticates the bearer token against its live session and
// requires perm when non-empty. The principal is placed on the context so
// audit events name the caller.
func (a *API) protect(perm string, next protectedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			a.fail(w, r, auth.ErrInvalidToken.With("missing bearer token"))
			return
		}
		p, claims, err := a.deps.Auth.Authenticate(r.Context(), token)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		if perm != "" && !p.HasPermission(perm) {
			a.fail(w, r, iam.ErrPermissionDenied.With("%s required", perm))
			return
		}
		ctx := iam.ContextWithPrincipal(r.Context(), p)
		ctx = auth.ContextWithClaims(ctx, claims)
		next(w, r.WithContext(ctx), p)
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}
