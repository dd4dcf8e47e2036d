package utils

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"memechat/internal/models"
)

// RetryRead runs a read operation, retrying with exponential backoff while
// it fails with ErrStoreUnavailable. Never use it for writes: a retried
// write that already landed would duplicate.
func RetryRead(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, models.ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

// ReadWithRetry is RetryRead for operations returning a value.
func ReadWithRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	var out T
	err := RetryRead(ctx, func() error {
		var err error
		out, err = op()
		return err
	})
	return out, err
}
