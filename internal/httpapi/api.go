// Package httpapi exposes the identity core over JSON/HTTP and reports
// health over gRPC.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"hisadmin.org/internal/audit"
	"hisadmin.org/internal/auth"
	"hisadmin.org/internal/iam"
	"hisadmin.org/internal/obs"
	"hisadmin.org/internal/stream"
)

const serviceName = "hisadmin-api"

// Readiness reports whether the backing stores answer.
type Readiness interface {
	Check(ctx context.Context) error
}

// Check is one named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ReadyProbe runs every check; the first failure wins.
type ReadyProbe []Check

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, c := range rp {
		if c.Fn == nil {
			continue
		}
		if err := c.Fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return nil
}

// Deps are the services behind the API.
type Deps struct {
	Auth     *auth.Service
	Roles    *iam.RoleGraph
	Accounts *iam.AccountRegistry
	Sessions *iam.SessionRegistry
	Trail    *audit.Trail
	Hub      *stream.Hub
	Ready    Readiness
}

// API is the HTTP layer.
type API struct {
	router *mux.Router
	deps   Deps
	logger *zap.Logger

	version      string
	corsOrigins  map[string]struct{}
	maxBodyBytes int64
	trustProxy   bool
	limiter      *ipLimiter
	loginLimiter *ipLimiter
	exportLimit  int
}

// Option configures the API.
type Option func(*API)

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

func WithLogger(l *zap.Logger) Option { return func(a *API) { a.logger = obs.OrNop(l) } }

// WithCORSOrigins allows browser calls from the listed origins.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) {
		for _, o := range origins {
			a.corsOrigins[o] = struct{}{}
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithTrustedProxy makes X-Forwarded-For the source of the client address.
func WithTrustedProxy(trust bool) Option { return func(a *API) { a.trustProxy = trust } }

// WithRateLimit sets the per-IP budget for every request.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) { a.limiter = newIPLimiter(perSecond, burst) }
}

// WithLoginRateLimit sets the stricter per-IP budget for POST /auth/login.
func WithLoginRateLimit(perMinute float64, burst int) Option {
	return func(a *API) { a.loginLimiter = newIPLimiter(perMinute/60, burst) }
}

// New builds the router.
func New(deps Deps, opts ...Option) *API {
	a := &API{
		router:       mux.NewRouter(),
		deps:         deps,
		logger:       zap.NewNop(),
		version:      "dev",
		corsOrigins:  map[string]struct{}{},
		maxBodyBytes: 1 << 20,
		limiter:      newIPLimiter(20, 40),
		loginLimiter: newIPLimiter(10.0/60, 5),
		exportLimit:  50000,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", a.protect("", a.handleLogout)).Methods(http.MethodPost)
	r.HandleFunc("/auth/me", a.protect("", a.handleMe)).Methods(http.MethodGet)

	r.HandleFunc("/permissions", a.protect(iam.PermRoleView, a.handleListCatalog)).Methods(http.MethodGet)
	r.HandleFunc("/permissions/{id}", a.protect(iam.PermRoleView, a.handleGetCatalogEntry)).Methods(http.MethodGet)

	r.HandleFunc("/employee-accounts", a.protect(iam.PermAccountCreate, a.handleCreateAccount)).Methods(http.MethodPost)
	r.HandleFunc("/accounts", a.protect(iam.PermAccountView, a.handleListAccounts)).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", a.protect(iam.PermAccountView, a.handleGetAccount)).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", a.protect(iam.PermAccountUpdate, a.handleUpdateAccount)).Methods(http.MethodPatch)
	r.HandleFunc("/accounts/{id}", a.protect(iam.PermAccountDelete, a.handleDeleteAccount)).Methods(http.MethodDelete)
	r.HandleFunc("/accounts/{id}/activate", a.protect(iam.PermAccountUpdate, a.handleActivate)).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/deactivate", a.protect(iam.PermAccountUpdate, a.handleDeactivate)).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/unlock", a.protect(iam.PermAccountUpdate, a.handleUnlock)).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/reset-password", a.protect(iam.PermAccountUpdate, a.handleResetPassword)).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/roles/{roleId}", a.protect(iam.PermAccountUpdate, a.handleGrantRole)).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/roles/{roleId}", a.protect(iam.PermAccountUpdate, a.handleRevokeRole)).Methods(http.MethodDelete)
	r.HandleFunc("/accounts/{id}/permissions", a.protect(iam.PermAccountView, a.handleAccountPermissions)).Methods(http.MethodGet)

	r.HandleFunc("/roles", a.protect(iam.PermRoleView, a.handleListRoles)).Methods(http.MethodGet)
	r.HandleFunc("/roles", a.protect(iam.PermRoleCreate, a.handleCreateRole)).Methods(http.MethodPost)
	r.HandleFunc("/roles/{id}", a.protect(iam.PermRoleView, a.handleGetRole)).Methods(http.MethodGet)
	r.HandleFunc("/roles/{id}", a.protect(iam.PermRoleUpdate, a.handleRenameRole)).Methods(http.MethodPut)
	r.HandleFunc("/roles/{id}", a.protect(iam.PermRoleDelete, a.handleDeleteRole)).Methods(http.MethodDelete)
	r.HandleFunc("/roles/{id}/permissions", a.protect(iam.PermRoleView, a.handleRolePermissions)).Methods(http.MethodGet)
	r.HandleFunc("/roles/{id}/permissions", a.protect(iam.PermRoleUpdate, a.handleAssignPermissions)).Methods(http.MethodPost)
	r.HandleFunc("/roles/{id}/permissions", a.protect(iam.PermRoleUpdate, a.handleRemoveAllPermissions)).Methods(http.MethodDelete)
	r.HandleFunc("/roles/{id}/permissions/{permId}", a.protect(iam.PermRoleUpdate, a.handleRemovePermission)).Methods(http.MethodDelete)

	r.HandleFunc("/sessions/online", a.protect(iam.PermSessionView, a.handleOnline)).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/terminate", a.protect(iam.PermSessionTerminate, a.handleTerminate)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/user/{username}/terminate-all", a.protect(iam.PermSessionTerminate, a.handleTerminateAll)).Methods(http.MethodPost)

	r.HandleFunc("/audit/search", a.protect(iam.PermAuditView, a.handleAuditSearch)).Methods(http.MethodGet)
	r.HandleFunc("/audit/statistics", a.protect(iam.PermAuditView, a.handleAuditStatistics)).Methods(http.MethodGet)
	r.HandleFunc("/audit/export", a.protect(iam.PermAuditExport, a.handleAuditExport)).Methods(http.MethodGet)
	r.HandleFunc("/audit/verify", a.protect(iam.PermAuditView, a.handleAuditVerify)).Methods(http.MethodGet)
	r.HandleFunc("/audit/stream", a.protect(iam.PermAuditView, a.handleAuditStream)).Methods(http.MethodGet)
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = obs.Instrument(h)
	h = a.rateLimit(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = a.cors(h)
	h = SecurityHeaders(h)
	h = Logging(a.logger)(h)
	h = a.correlate(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.deps.Ready.Check(ctx); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
