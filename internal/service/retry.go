package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 200 * time.Millisecond
)

// retryTransient runs op with bounded exponential backoff while isTransient
// classifies its error as retryable. Only idempotent operations go through
// here.
func retryTransient(ctx context.Context, isTransient func(error) bool, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, retryAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
