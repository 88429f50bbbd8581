package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errWeak = Define(ErrValidation, "WEAK_PASSWORD", "password does not meet policy")

func TestCodedKeepsKind(t *testing.T) {
	err := errWeak.With("missing digit")
	assert.ErrorIs(t, err, errWeak)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "WEAK_PASSWORD", Code(err))
	assert.Equal(t, ErrValidation, Kind(err))
	assert.Contains(t, err.Error(), "missing digit")
}

func TestForbiddenIsAuthorization(t *testing.T) {
	assert.ErrorIs(t, ErrForbidden, ErrAuthorization)
	assert.Equal(t, ErrForbidden, Kind(fmt.Errorf("wrap: %w", ErrForbidden)))
	assert.Equal(t, "FORBIDDEN", Code(ErrForbidden))
}

func TestStorageWrapsUnclassified(t *testing.T) {
	assert.Nil(t, Storage("noop", nil))

	err := Storage("select roles", errors.New("connection reset"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, "STORAGE_ERROR", Code(err))

	notFound := fmt.Errorf("%w: role 7", ErrNotFound)
	assert.Same(t, notFound, Storage("select roles", notFound))
}

func TestUnknownKind(t *testing.T) {
	assert.Nil(t, Kind(errors.New("boom")))
	assert.Equal(t, "INTERNAL", Code(errors.New("boom")))
}

func TestRetryReadRetriesStorageOnly(t *testing.T) {
	readBackoff = 0
	calls := 0
	got, err := RetryRead(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Storage("select", errors.New("timeout"))
		}
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = RetryRead(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, ErrNotFound
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)

	calls = 0
	_, err = RetryRead(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, Storage("select", errors.New("down"))
	})
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, ReadAttempts, calls)
}
