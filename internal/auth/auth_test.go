package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/audit"
	"hisadmin.org/internal/auth"
	"hisadmin.org/internal/iam"
	"hisadmin.org/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

var testHasher = iam.PasswordHasher{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 32, SaltLength: 16}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestIssuerRoundTrip(t *testing.T) {
	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	iss, err := auth.NewIssuer(testSecret, auth.WithClock(c.Now), auth.WithAccessTTL(10*time.Minute))
	require.NoError(t, err)

	pair, err := iss.Issue(42, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, c.now.Add(10*time.Minute), pair.ExpiresAt)

	claims, err := iss.Parse(pair.AccessToken, auth.TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SessionID)
	id, err := claims.AccountID()
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NotEmpty(t, claims.ID)

	_, err = iss.Parse(pair.AccessToken, auth.TokenRefresh)
	assert.ErrorIs(t, err, auth.ErrInvalidToken, "access tokens cannot refresh")
	_, err = iss.Parse(pair.RefreshToken, auth.TokenRefresh)
	assert.NoError(t, err)

	c.now = c.now.Add(11 * time.Minute)
	_, err = iss.Parse(pair.AccessToken, auth.TokenAccess)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestIssuerRejectsForeignTokens(t *testing.T) {
	a, err := auth.NewIssuer(testSecret)
	require.NoError(t, err)
	b, err := auth.NewIssuer(strings.Repeat("z", auth.MinSecretLength))
	require.NoError(t, err)
	other, err := auth.NewIssuer(testSecret, auth.WithIssuerName("someone-else"))
	require.NoError(t, err)

	pair, err := b.Issue(1, "s")
	require.NoError(t, err)
	_, err = a.Parse(pair.AccessToken, auth.TokenAccess)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	pair, err = other.Issue(1, "s")
	require.NoError(t, err)
	_, err = a.Parse(pair.AccessToken, auth.TokenAccess)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = a.Parse("", auth.TokenAccess)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = a.Issue(0, "s")
	assert.Error(t, err)
}

func TestNewIssuerValidatesSecret(t *testing.T) {
	_, err := auth.NewIssuer("  ")
	assert.ErrorIs(t, err, auth.ErrMissingSecret)
	_, err = auth.NewIssuer("short")
	assert.ErrorIs(t, err, auth.ErrMissingSecret)
}

type harness struct {
	trail    *audit.Trail
	roles    *iam.RoleGraph
	accounts *iam.AccountRegistry
	sessions *iam.SessionRegistry
	svc      *auth.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New(iam.BuiltinPermissions)
	sessStore := memory.NewSessionStore()
	trail := audit.NewTrail(audit.NewMemoryStore(), nil)
	catalog, err := iam.LoadCatalog(context.Background(), store)
	require.NoError(t, err)
	opts := []iam.Option{iam.WithPasswordHasher(testHasher), iam.WithLockoutPolicy(iam.NewLockoutPolicy(5, time.Minute))}
	h := &harness{trail: trail}
	h.roles = iam.NewRoleGraph(store, store, catalog, trail, opts...)
	h.accounts = iam.NewAccountRegistry(store, store, h.roles, sessStore, trail, opts...)
	h.sessions = iam.NewSessionRegistry(sessStore, h.accounts, trail, opts...)
	iss, err := auth.NewIssuer(testSecret)
	require.NoError(t, err)
	h.svc = auth.NewService(h.accounts, h.sessions, iss)
	return h
}

var admin = auth.BootstrapAdmin{EmployeeID: 1, Username: "admin", Password: "Admin@123"}

func TestEnsureAdminRunsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := auth.EnsureAdmin(ctx, h.roles, h.accounts, admin, nil)
	require.NoError(t, err)
	assert.True(t, created)

	acc, err := h.accounts.FindByUsername(ctx, "admin")
	require.NoError(t, err)
	perms, err := h.accounts.EffectivePermissions(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, perms, len(iam.BuiltinPermissions))

	created, err = auth.EnsureAdmin(ctx, h.roles, h.accounts, admin, nil)
	require.NoError(t, err)
	assert.False(t, created)

	evs, err := h.trail.After(ctx, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	for _, ev := range evs {
		assert.Equal(t, audit.System.Name, ev.ActorName)
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := auth.EnsureAdmin(ctx, h.roles, h.accounts, admin, nil)
	require.NoError(t, err)

	res, err := h.svc.Login(ctx, "ADMIN", "Admin@123", "10.2.0.4")
	require.NoError(t, err)
	assert.Equal(t, "admin", res.Account.Username)

	p, claims, err := h.svc.Authenticate(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, claims.SessionID)
	assert.True(t, p.HasPermission(iam.PermRoleCreate))
	me := auth.Describe(p)
	assert.Equal(t, res.SessionID, me.SessionID)
	assert.Contains(t, me.Permissions, iam.PermAuditExport)

	refreshed, err := h.svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, refreshed.SessionID)

	require.NoError(t, h.svc.Logout(ctx, res.SessionID))
	_, _, err = h.svc.Authenticate(ctx, refreshed.AccessToken)
	assert.ErrorIs(t, err, iam.ErrSessionTerminated)
	_, err = h.svc.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, iam.ErrSessionTerminated)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := auth.EnsureAdmin(ctx, h.roles, h.accounts, admin, nil)
	require.NoError(t, err)

	_, err = h.svc.Login(ctx, "admin", "wrong", "10.2.0.4")
	assert.ErrorIs(t, err, iam.ErrInvalidCredentials)
	_, err = h.svc.Login(ctx, "", "x", "10.2.0.4")
	assert.ErrorIs(t, err, iam.ErrInvalidCredentials)

	online, err := h.sessions.ListOnline(ctx, 0, 24)
	require.NoError(t, err)
	assert.Empty(t, online)
}
