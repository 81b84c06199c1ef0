package database

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts   int           // Maximum number of attempts
	InitialDelay  time.Duration // Delay before the second attempt
	MaxDelay      time.Duration // Maximum delay between attempts
	BackoffFactor float64       // Exponential backoff multiplier
	Jitter        bool          // Add randomness to delay
}

// DefaultRetryConfig returns the deadlock retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   20,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 1.5,
		Jitter:        true,
	}
}

// RetryOption allows customization of retry behavior
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts
func WithMaxAttempts(n int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxAttempts = n
	}
}

// WithInitialDelay sets the initial retry delay
func WithInitialDelay(d time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.InitialDelay = d
	}
}

// WithMaxDelay sets the maximum retry delay
func WithMaxDelay(d time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.MaxDelay = d
	}
}

// WithBackoffFactor sets the exponential backoff factor
func WithBackoffFactor(f float64) RetryOption {
	return func(c *RetryConfig) {
		c.BackoffFactor = f
	}
}

// Retry runs fn until it succeeds, retryable reports false or the attempts
// are exhausted. The last error is returned unchanged.
func Retry(ctx context.Context, fn func(attempt int) error, retryable func(error) bool, opts ...RetryOption) error {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	delay := config.InitialDelay

	var err error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil || !retryable(err) || attempt == config.MaxAttempts {
			return err
		}

		actualDelay := delay
		if config.Jitter && delay >= 4 {
			// ±25%
			jitterRange := delay / 4
			jitterAmount := time.Duration(rand.Int63n(int64(jitterRange) * 2))
			actualDelay = delay - jitterRange + jitterAmount
		}

		if actualDelay > 0 {
			select {
			case <-time.After(actualDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return err
}
