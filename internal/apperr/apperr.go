// Package apperr defines the error taxonomy shared by the identity core,
// its stores and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kinds. Every error surfaced by the core wraps exactly one of these.
var (
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("not found")
	ErrAuthorization = errors.New("not authorized")
	ErrForbidden     = fmt.Errorf("%w: insufficient permissions", ErrAuthorization)
	ErrStorage       = errors.New("storage unavailable")
)

// Coded is a named error with a stable machine-readable code.
type Coded struct {
	kind error
	code string
	msg  string
}

// Define registers a coded error of the given kind.
func Define(kind error, code, msg string) *Coded {
	return &Coded{kind: kind, code: code, msg: msg}
}

func (e *Coded) Error() string { return e.msg }

func (e *Coded) Unwrap() error { return e.kind }

// Code returns the stable identifier used in API responses.
func (e *Coded) Code() string { return e.code }

// With attaches detail while keeping errors.Is on both the coded error and its kind.
func (e *Coded) With(format string, args ...any) error {
	return fmt.Errorf("%w: %s", e, fmt.Sprintf(format, args...))
}

// Code extracts the most specific code carried by err.
func Code(err error) string {
	var c *Coded
	if errors.As(err, &c) {
		return c.code
	}
	switch Kind(err) {
	case ErrValidation:
		return "VALIDATION_ERROR"
	case ErrConflict:
		return "CONFLICT"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrForbidden:
		return "FORBIDDEN"
	case ErrAuthorization:
		return "UNAUTHORIZED"
	case ErrStorage:
		return "STORAGE_ERROR"
	}
	return "INTERNAL"
}

// Kind classifies err into one of the package kinds, or nil when unknown.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation):
		return ErrValidation
	case errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrForbidden):
		return ErrForbidden
	case errors.Is(err, ErrAuthorization):
		return ErrAuthorization
	case errors.Is(err, ErrStorage):
		return ErrStorage
	}
	return nil
}

// Storage wraps an infrastructure failure so callers can classify it.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}
