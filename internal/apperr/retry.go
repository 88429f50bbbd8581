package apperr

import (
	"context"
	"errors"
	"time"
)

// ReadAttempts bounds how many times a read is tried against storage.
const ReadAttempts = 3

var readBackoff = 50 * time.Millisecond

// RetryRead runs a read-only fn, retrying Storage-class failures with linear backoff.
// Mutations must not go through here.
func RetryRead[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 1; attempt <= ReadAttempts; attempt++ {
		out, err = fn(ctx)
		if err == nil || !errors.Is(err, ErrStorage) {
			return out, err
		}
		if attempt == ReadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return out, err
		case <-time.After(time.Duration(attempt) * readBackoff):
		}
	}
	return out, err
}
