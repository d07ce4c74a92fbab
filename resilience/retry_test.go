package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestRetry_Success(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialBackoff = time.Millisecond
	attempts := 0

	err := Retry(context.Background(), config, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}

	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	config := RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    1 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		RetryableErrors:   DefaultRetryableErrors,
	}

	persistent := errors.New("persistent error")
	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		return persistent
	})

	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("Expected ErrRetriesExhausted, got %v", err)
	}

	if !errors.Is(err, persistent) {
		t.Errorf("Expected the last error to be wrapped, got %v", err)
	}

	if attempts != 3 { // initial attempt + 2 retries
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	permanent := errors.New("non-retryable")
	config := RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		RetryableErrors: func(err error) bool {
			return !errors.Is(err, permanent)
		},
	}

	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		return permanent
	})

	if err != permanent {
		t.Errorf("Expected the non-retryable error unchanged, got %v", err)
	}

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	config := RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableErrors:   DefaultRetryableErrors,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	err := Retry(ctx, config, func() error {
		attempts++
		return errors.New("temporary error")
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}

	if attempts != 1 {
		t.Errorf("Expected 1 attempt before the context ended, got %d", attempts)
	}
}

func TestRetry_OnRetry(t *testing.T) {
	config := RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1.0,
	}
	var seen []int
	config.OnRetry = func(attempt int, err error, backoff time.Duration) {
		seen = append(seen, attempt)
		if backoff != time.Millisecond {
			t.Errorf("Expected 1ms backoff, got %v", backoff)
		}
	}

	_ = Retry(context.Background(), config, func() error {
		return errors.New("again")
	})

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("Expected OnRetry for attempts [1 2], got %v", seen)
	}
}

func TestExponentialBackoff(t *testing.T) {
	attempts := 0
	start := time.Now()

	err := ExponentialBackoff(context.Background(), 2, 10*time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	duration := time.Since(start)

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}

	minExpectedDuration := 10*time.Millisecond + 20*time.Millisecond
	if duration < minExpectedDuration {
		t.Errorf("Expected at least %v delay, got %v", minExpectedDuration, duration)
	}
}

func TestDefaultRetryableErrors(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{nil, false},
		{errors.New("network error"), true},
		{ErrBreakerOpen, false},
		{errors.Wrap(ErrBreakerTimeout, "fetch"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		result := DefaultRetryableErrors(tt.err)
		if result != tt.retryable {
			t.Errorf("Error %v: expected retryable=%v, got %v", tt.err, tt.retryable, result)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	config := RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second}, // capped at MaxBackoff
		{5, 1 * time.Second},
	}

	for _, tt := range tests {
		result := calculateBackoff(tt.attempt, config)
		if result != tt.expected {
			t.Errorf("Attempt %d: expected %v, got %v", tt.attempt, tt.expected, result)
		}
	}
}

func TestCalculateBackoffWithJitter(t *testing.T) {
	config := RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	results := make(map[time.Duration]bool)
	for range 10 {
		results[calculateBackoff(1, config)] = true
	}

	if len(results) < 2 {
		t.Error("Expected jitter to produce different backoff values")
	}

	for duration := range results {
		if duration < 200*time.Millisecond || duration > 220*time.Millisecond {
			t.Errorf("Jittered backoff %v outside expected range [200ms, 220ms]", duration)
		}
	}
}
