package iam

import "hisadmin.org/internal/apperr"

var (
	ErrInvalidName        = apperr.Define(apperr.ErrValidation, "INVALID_NAME", "role name must match ^ROLE_[A-Z_]+$ and be 2-255 characters")
	ErrDuplicateName      = apperr.Define(apperr.ErrConflict, "DUPLICATE_NAME", "role name already exists")
	ErrRoleInUse          = apperr.Define(apperr.ErrConflict, "ROLE_IN_USE", "role is assigned to at least one account")
	ErrUnknownPermission  = apperr.Define(apperr.ErrValidation, "UNKNOWN_PERMISSION", "unknown permission id")
	ErrInvalidAssignMode  = apperr.Define(apperr.ErrValidation, "INVALID_ASSIGN_MODE", "mode must be REPLACE or ADD")
	ErrRoleNotFound       = apperr.Define(apperr.ErrNotFound, "ROLE_NOT_FOUND", "role not found")
	ErrPermissionNotFound = apperr.Define(apperr.ErrNotFound, "PERMISSION_NOT_FOUND", "permission not found")

	ErrAccountNotFound        = apperr.Define(apperr.ErrNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	ErrEmployeeHasAccount     = apperr.Define(apperr.ErrConflict, "EMPLOYEE_ALREADY_HAS_ACCOUNT", "employee already has an account")
	ErrDuplicateUsername      = apperr.Define(apperr.ErrConflict, "DUPLICATE_USERNAME", "username already exists")
	ErrInvalidUsername        = apperr.Define(apperr.ErrValidation, "INVALID_USERNAME", "username must be 3-64 characters without spaces")
	ErrWeakPassword           = apperr.Define(apperr.ErrValidation, "WEAK_PASSWORD", "password must be at least 8 characters with upper, lower, digit and symbol")
	ErrUnknownEmployee        = apperr.Define(apperr.ErrValidation, "UNKNOWN_EMPLOYEE", "employee does not exist")
	ErrInvalidEmployee        = apperr.Define(apperr.ErrValidation, "INVALID_EMPLOYEE", "employee id must be positive")
	ErrInvalidCredentials     = apperr.Define(apperr.ErrAuthorization, "INVALID_CREDENTIALS", "invalid username or password")
	ErrAccountUnavailable     = apperr.Define(apperr.ErrAuthorization, "ACCOUNT_UNAVAILABLE", "account is disabled or locked")
	ErrEmployeeDirectoryError = apperr.Define(apperr.ErrStorage, "EMPLOYEE_DIRECTORY_UNAVAILABLE", "employee directory unavailable")

	ErrSessionNotFound   = apperr.Define(apperr.ErrNotFound, "SESSION_NOT_FOUND", "session not found")
	ErrSessionTerminated = apperr.Define(apperr.ErrAuthorization, "SESSION_TERMINATED", "session terminated, please sign in again")
	ErrSessionExpired    = apperr.Define(apperr.ErrAuthorization, "SESSION_EXPIRED", "session expired, please sign in again")
	ErrPermissionDenied  = apperr.Define(apperr.ErrForbidden, "PERMISSION_DENIED", "insufficient permissions")
)
