package auth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"hisadmin.org/internal/iam"
	"hisadmin.org/internal/obs"
)

// Service turns credentials into session-bound tokens and tokens back into
// live principals.
type Service struct {
	accounts *iam.AccountRegistry
	sessions *iam.SessionRegistry
	tokens   *Issuer
	logger   *zap.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = obs.OrNop(l) }
}

// NewService wires the registries and the token issuer.
func NewService(accounts *iam.AccountRegistry, sessions *iam.SessionRegistry, tokens *Issuer, opts ...ServiceOption) *Service {
	svc := &Service{
		accounts: accounts,
		sessions: sessions,
		tokens:   tokens,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	TokenPair
	Account iam.Account `json:"account"`
}

// Login verifies credentials, opens a session from ip and issues tokens for it.
func (s *Service) Login(ctx context.Context, username, password, ip string) (LoginResult, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return LoginResult{}, iam.ErrInvalidCredentials
	}
	acc, err := s.accounts.Authenticate(ctx, username, password)
	if err != nil {
		return LoginResult{}, err
	}
	sess, err := s.sessions.Open(ctx, acc.ID, ip)
	if err != nil {
		return LoginResult{}, err
	}
	pair, err := s.tokens.Issue(acc.ID, sess.ID)
	if err != nil {
		s.abandon(ctx, sess.ID)
		return LoginResult{}, err
	}
	s.logger.Info("login", zap.Int64("account_id", acc.ID), zap.String("ip", ip))
	return LoginResult{TokenPair: pair, Account: acc}, nil
}

// Refresh exchanges a refresh token for a new pair bound to the same session.
// The session must still authorise.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken, TokenRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	accountID, _ := claims.AccountID()
	if _, err := s.sessions.Authorize(ctx, claims.SessionID, accountID); err != nil {
		return TokenPair{}, err
	}
	return s.tokens.Issue(accountID, claims.SessionID)
}

// Authenticate resolves an access token to the live principal behind it.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (iam.Principal, *Claims, error) {
	claims, err := s.tokens.Parse(accessToken, TokenAccess)
	if err != nil {
		return iam.Principal{}, nil, err
	}
	accountID, _ := claims.AccountID()
	p, err := s.sessions.Authorize(ctx, claims.SessionID, accountID)
	if err != nil {
		return iam.Principal{}, nil, err
	}
	return p, claims, nil
}

// Logout ends the caller's own session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.Logout(ctx, sessionID)
}

// Me describes the caller.
type Me struct {
	Account     iam.Account `json:"account"`
	SessionID   string      `json:"sessionId"`
	Permissions []string    `json:"permissions"`
}

// Describe renders the principal for GET /auth/me.
func Describe(p iam.Principal) Me {
	return Me{Account: p.Account, SessionID: p.SessionID, Permissions: p.PermissionKeys()}
}

func (s *Service) abandon(ctx context.Context, sessionID string) {
	if err := s.sessions.Logout(ctx, sessionID); err != nil && !errors.Is(err, iam.ErrSessionNotFound) {
		s.logger.Warn("abandon session after token failure", zap.Error(err))
	}
}
