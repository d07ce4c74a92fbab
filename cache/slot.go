package cache

import (
	"context"
	"runtime/debug"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrComputePanic is matched by the error cached in a slot whose compute
// function panicked.
var ErrComputePanic = errors.New("compute function panicked")

// ComputeFunc produces the value memoized by a Slot.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

const (
	statePending int32 = iota
	stateSucceeded
	stateFailed
)

// Slot is a lazily computed, memoized, one-shot result. It is either created
// already succeeded (Completed) or around a computation that runs at most
// once, started by the first Await (Deferred). Once terminal a slot never
// changes again; failures are memoized like values.
type Slot[V any] struct {
	fn      ComputeFunc[V]
	started atomic.Bool
	state   atomic.Int32
	done    chan struct{}

	// written once before done is closed
	value V
	err   error
}

// Completed returns a slot that already holds value.
func Completed[V any](value V) *Slot[V] {
	s := &Slot[V]{done: make(chan struct{}), value: value}
	s.started.Store(true)
	s.state.Store(stateSucceeded)
	close(s.done)
	return s
}

// Deferred returns a pending slot that computes its value with fn on first
// Await.
func Deferred[V any](fn ComputeFunc[V]) *Slot[V] {
	return &Slot[V]{fn: fn, done: make(chan struct{})}
}

// Await returns the slot's value or its memoized error.
//
// The first caller runs the computation itself, with a context that keeps
// ctx's values but not its cancellation, since the result is shared. Later
// callers wait for the result or for their own ctx to end; a caller that
// stops waiting gets ctx.Err() and the computation keeps running.
func (s *Slot[V]) Await(ctx context.Context) (V, error) {
	if s.started.CompareAndSwap(false, true) {
		s.run(context.WithoutCancel(ctx))
	}
	select {
	case <-s.done:
		return s.value, s.err
	default:
	}
	select {
	case <-s.done:
		return s.value, s.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (s *Slot[V]) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			err := errors.Mark(errors.Newf("compute function panicked: %v", r), ErrComputePanic)
			s.err = errors.WithDetail(err, string(debug.Stack()))
			s.state.Store(stateFailed)
		}
	}()
	value, err := s.fn(ctx)
	if err != nil {
		s.err = err
		s.state.Store(stateFailed)
		return
	}
	s.value = value
	s.state.Store(stateSucceeded)
}

// Pending reports whether the slot has not reached a terminal state yet,
// including a deferred slot nobody awaited.
func (s *Slot[V]) Pending() bool {
	return s.state.Load() == statePending
}

// Succeeded reports whether the slot holds a value. False while pending.
func (s *Slot[V]) Succeeded() bool {
	return s.state.Load() == stateSucceeded
}

// Failed reports whether the slot holds an error. False while pending.
func (s *Slot[V]) Failed() bool {
	return s.state.Load() == stateFailed
}

// Value returns the memoized value without blocking. ok is false unless the
// slot succeeded.
func (s *Slot[V]) Value() (value V, ok bool) {
	if !s.Succeeded() {
		return value, false
	}
	return s.value, true
}

// Err returns the memoized error without blocking, nil unless the slot
// failed.
func (s *Slot[V]) Err() error {
	if !s.Failed() {
		return nil
	}
	return s.err
}
