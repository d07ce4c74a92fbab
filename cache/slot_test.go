package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCompletedSlot(t *testing.T) {
	s := Completed("value")
	assert.False(t, s.Pending())
	assert.True(t, s.Succeeded())
	assert.False(t, s.Failed())
	val, ok := s.Value()
	assert.True(t, ok)
	assert.Equal(t, "value", val)
	assert.NoError(t, s.Err())
	val, err := s.Await(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "value", val)
}

func TestDeferredSlotIsLazy(t *testing.T) {
	var calls atomic.Int32
	s := Deferred(func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	})
	assert.True(t, s.Pending())
	assert.False(t, s.Succeeded())
	assert.False(t, s.Failed())
	_, ok := s.Value()
	assert.False(t, ok)
	assert.Equal(t, int32(0), calls.Load())

	val, err := s.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	val, err = s.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, s.Succeeded())
}

func TestDeferredSlotMemoizesFailure(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	s := Deferred(func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", boom
	})
	_, err := s.Await(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = s.Await(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, s.Failed())
	assert.False(t, s.Succeeded())
	assert.ErrorIs(t, s.Err(), boom)
}

func TestDeferredSlotConcurrentAwait(t *testing.T) {
	var calls atomic.Int32
	s := Deferred(func(ctx context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "shared", nil
	})
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			val, err := s.Await(context.Background())
			if err != nil {
				return err
			}
			if val != "shared" {
				return errors.Newf("unexpected value %q", val)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeferredSlotPanic(t *testing.T) {
	s := Deferred(func(ctx context.Context) (int, error) {
		panic("kaboom")
	})
	_, err := s.Await(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrComputePanic))
	assert.Contains(t, err.Error(), "kaboom")
	assert.True(t, s.Failed())
}

func TestSlotWaiterCancellation(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := Deferred(func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "late", nil
	})
	go s.Await(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.Pending())

	close(release)
	val, err := s.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", val)
}

func TestSlotComputeIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := Deferred(func(ctx context.Context) (string, error) {
		cancel()
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "done", nil
	})
	val, err := s.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", val)
}
