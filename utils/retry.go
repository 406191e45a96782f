package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig is used when opening storage at boot
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

// WithRetry runs operation with exponential backoff until it succeeds, the
// elapsed budget runs out or ctx is done. notify, if set, sees every failure.
func WithRetry(ctx context.Context, operation func() error, config *RetryConfig, notify func(err error, next time.Duration)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.MaxElapsedTime = config.MaxElapsedTime

	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}
