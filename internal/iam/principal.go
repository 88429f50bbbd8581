package iam

import (
	"context"
	"sort"

	"hisadmin.org/internal/audit"
)

// Principal is the live, authorised caller of one request.
type Principal struct {
	SessionID   string
	Account     Account
	Permissions map[string]struct{}
}

// HasPermission reports whether the caller holds the RESOURCE:ACTION key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// PermissionKeys returns the held permission keys in sorted order.
func (p Principal) PermissionKeys() []string {
	keys := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Actor is the audit identity of the caller.
func (p Principal) Actor() audit.Actor {
	return audit.Actor{ID: p.Account.ID, Name: p.Account.Username}
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the principal and its audit actor to ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = audit.WithActor(ctx, p.Actor())
	return context.WithValue(ctx, principalContextKey{}, &p)
}

// PrincipalFromContext extracts the principal attached by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
