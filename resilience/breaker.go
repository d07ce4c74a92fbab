package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-metacache/logger"
	"github.com/cockroachdb/errors"
)

var (
	ErrBreakerOpen    = errors.New("circuit breaker is open")
	ErrBreakerTimeout = errors.New("circuit breaker operation timeout")
)

// BreakerState represents the state of a circuit breaker
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig defines configuration for the circuit breaker
type BreakerConfig struct {
	// Name identifies the breaker in logs
	Name string

	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures int

	// Timeout is how long to wait before transitioning from Open to Half-Open
	Timeout time.Duration

	// MaxConcurrentRequests is the max requests allowed in Half-Open state
	MaxConcurrentRequests int

	// SuccessThreshold is the number of consecutive successes needed in Half-Open to go to Closed
	SuccessThreshold int

	// RequestTimeout bounds a single call. Zero means no bound.
	RequestTimeout time.Duration

	// Logger receives state transitions. Nil discards them.
	Logger logger.Logger
}

// DefaultBreakerConfig returns a default configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                  "default",
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
		SuccessThreshold:      3,
		RequestTimeout:        10 * time.Second,
	}
}

// Breaker guards calls to a remote service. After MaxFailures consecutive
// failures it rejects calls with ErrBreakerOpen until Timeout has passed,
// then lets a limited number of probe calls through.
type Breaker struct {
	config BreakerConfig
	log    logger.Logger

	state           int32 // BreakerState
	failures        int32
	successes       int32
	requests        int32
	lastFailureTime int64 // unix nano

	mu sync.Mutex
}

// NewBreaker creates a new circuit breaker with the given configuration
func NewBreaker(config BreakerConfig) *Breaker {
	log := config.Logger
	if log == nil {
		log = logger.Discard()
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 1
	}
	return &Breaker{
		config: config,
		log:    log.WithPrefix("[breaker:" + config.Name + "]"),
		state:  int32(StateClosed),
	}
}

// Execute runs fn under the breaker. fn receives a context bounded by
// RequestTimeout; if it does not return in time the call counts as a failure
// and ErrBreakerTimeout is returned while fn is left to finish on its own.
func (cb *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	callCtx := ctx
	if cb.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		err := fn(callCtx)
		cb.afterRequest()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			cb.onFailure()
			return err
		}
		cb.onSuccess()
		return nil

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cb.onFailure()
		return errors.Wrapf(ErrBreakerTimeout, "after %v", cb.config.RequestTimeout)
	}
}

// Do is Execute for functions that produce a value.
func Do[T any](ctx context.Context, cb *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (cb *Breaker) beforeRequest() error {
	switch cb.State() {
	case StateClosed:
		return nil

	case StateOpen:
		if !cb.shouldAttemptReset() {
			return ErrBreakerOpen
		}
		cb.TransitionToHalfOpen()
		fallthrough

	case StateHalfOpen:
		if atomic.AddInt32(&cb.requests, 1) > int32(cb.config.MaxConcurrentRequests) {
			atomic.AddInt32(&cb.requests, -1)
			return ErrBreakerOpen
		}
		return nil

	default:
		return ErrBreakerOpen
	}
}

func (cb *Breaker) afterRequest() {
	if cb.State() == StateHalfOpen {
		atomic.AddInt32(&cb.requests, -1)
	}
}

func (cb *Breaker) onSuccess() {
	switch cb.State() {
	case StateClosed:
		atomic.StoreInt32(&cb.failures, 0)

	case StateHalfOpen:
		successes := atomic.AddInt32(&cb.successes, 1)
		if int(successes) >= cb.config.SuccessThreshold {
			cb.transitionToClosed()
		}
	}
}

func (cb *Breaker) onFailure() {
	failures := atomic.AddInt32(&cb.failures, 1)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

	switch cb.State() {
	case StateClosed:
		if int(failures) >= cb.config.MaxFailures {
			cb.transitionToOpen()
		}

	case StateHalfOpen:
		cb.transitionToOpen()
	}
}

func (cb *Breaker) shouldAttemptReset() bool {
	lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
	return time.Since(time.Unix(0, lastFailure)) >= cb.config.Timeout
}

func (cb *Breaker) transitionToClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if BreakerState(atomic.SwapInt32(&cb.state, int32(StateClosed))) != StateClosed {
		cb.log.Info("closed")
	}
	atomic.StoreInt32(&cb.failures, 0)
	atomic.StoreInt32(&cb.successes, 0)
	atomic.StoreInt32(&cb.requests, 0)
}

func (cb *Breaker) transitionToOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if BreakerState(atomic.SwapInt32(&cb.state, int32(StateOpen))) != StateOpen {
		cb.log.Warn("opened after %d failures", atomic.LoadInt32(&cb.failures))
	}
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
}

// TransitionToHalfOpen transitions the circuit breaker to half-open state
func (cb *Breaker) TransitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	atomic.StoreInt32(&cb.state, int32(StateHalfOpen))
	atomic.StoreInt32(&cb.successes, 0)
	atomic.StoreInt32(&cb.requests, 0)
	cb.log.Debug("half-open")
}

// State returns the current state of the circuit breaker
func (cb *Breaker) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&cb.state))
}

// Failures returns the current failure count
func (cb *Breaker) Failures() int {
	return int(atomic.LoadInt32(&cb.failures))
}

// Successes returns the current success count (only relevant in half-open state)
func (cb *Breaker) Successes() int {
	return int(atomic.LoadInt32(&cb.successes))
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.transitionToClosed()
}

// BreakerStats is a snapshot of a breaker's counters.
type BreakerStats struct {
	State     BreakerState
	Failures  int
	Successes int
	Requests  int
}

// Stats returns current statistics
func (cb *Breaker) Stats() BreakerStats {
	return BreakerStats{
		State:     cb.State(),
		Failures:  cb.Failures(),
		Successes: cb.Successes(),
		Requests:  int(atomic.LoadInt32(&cb.requests)),
	}
}
