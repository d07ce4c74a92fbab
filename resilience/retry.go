package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrRetriesExhausted is matched by the error Retry returns when every
// attempt failed with a retryable error.
var ErrRetriesExhausted = errors.New("max retries exceeded")

// RetryConfig defines configuration for retry logic
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first one
	MaxRetries int

	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64

	// Jitter adds up to 10% randomness to each backoff
	Jitter bool

	// RetryableErrors decides if an error is retryable. Nil retries everything.
	RetryableErrors func(error) bool

	// OnRetry, if set, is called before sleeping between attempts.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries everything except breaker rejections and
// context cancellation.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBreakerOpen) || errors.Is(err, ErrBreakerTimeout) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Retry runs fn until it succeeds, returns a non-retryable error, the
// retries are used up or ctx ends. A non-retryable error is returned as is.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return err
		}

		// no sleep after the last attempt
		if attempt == config.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, config)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(lastErr, "retry cancelled: %v", ctx.Err())
		case <-timer.C:
		}
	}

	return errors.Mark(errors.Wrapf(lastErr, "max retries exceeded (%d)", config.MaxRetries), ErrRetriesExhausted)
}

// calculateBackoff calculates the backoff duration for a given attempt
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	backoff := float64(config.InitialBackoff) * math.Pow(config.BackoffMultiplier, float64(attempt))

	if config.MaxBackoff > 0 && backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}

	if config.Jitter {
		backoff += rand.Float64() * 0.1 * backoff
	}

	return time.Duration(backoff)
}

// RetryWithBreaker runs every attempt through the breaker. Rejections by an
// open breaker stop the retries when RetryableErrors is DefaultRetryableErrors.
func RetryWithBreaker(ctx context.Context, config RetryConfig, breaker *Breaker, fn func(ctx context.Context) error) error {
	return Retry(ctx, config, func() error {
		return breaker.Execute(ctx, fn)
	})
}

// ExponentialBackoff is a convenience function for exponential backoff retry
func ExponentialBackoff(ctx context.Context, maxRetries int, initialBackoff time.Duration, fn RetryableFunc) error {
	config := RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    initialBackoff,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
	return Retry(ctx, config, fn)
}
