package auth

import "hisadmin.org/internal/apperr"

var (
	ErrInvalidToken  = apperr.Define(apperr.ErrAuthorization, "INVALID_TOKEN", "invalid or expired token")
	ErrMissingSecret = apperr.Define(apperr.ErrValidation, "AUTH_SECRET_MISSING", "auth secret is not configured")
)
