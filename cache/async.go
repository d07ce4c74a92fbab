package cache

import (
	"context"
	"fmt"

	"github.com/agentuity/go-metacache/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// AsyncCache is a map of keys to memoized slots with single-flight
// computation and caller-driven staleness. The map is the only shared state;
// it is mutated through insert-if-absent, compare-and-swap by slot identity
// and, for Set, plain overwrite. The cache runs nothing in the background and
// never cancels a computation: a slot that loses a race or is replaced runs
// to completion if it was started and its result is ignored by the cache.
type AsyncCache[K comparable, V any] struct {
	slots   *xsync.MapOf[K, *Slot[V]]
	equal   EqualFunc[V]
	name    string
	log     logger.Logger
	metrics *instruments
}

// NewAsync returns an empty AsyncCache.
func NewAsync[K comparable, V any](opts ...Option) *AsyncCache[K, V] {
	cfg := applyOptions(opts)
	equal := DefaultEqual[V]
	if cfg.equal != nil {
		fn, ok := cfg.equal.(EqualFunc[V])
		if !ok {
			panic(fmt.Sprintf("cache %s: WithEqual comparer %T does not match value type", cfg.name, cfg.equal))
		}
		equal = fn
	}
	return &AsyncCache[K, V]{
		slots:   xsync.NewMapOf[K, *Slot[V]](),
		equal:   equal,
		name:    cfg.name,
		log:     cfg.logger.WithPrefix("[" + cfg.name + "]"),
		metrics: newInstruments(cfg.meterProvider, cfg.name),
	}
}

// Name returns the name the cache was configured with.
func (c *AsyncCache[K, V]) Name() string {
	return c.name
}

// Get returns the slot currently mapped to key without blocking or
// computing anything. Use it for refresh-if-idle decisions, not for reads.
func (c *AsyncCache[K, V]) Get(key K) (*Slot[V], bool) {
	return c.slots.Load(key)
}

// Set maps key to an already succeeded slot holding value, replacing
// whatever was there.
func (c *AsyncCache[K, V]) Set(key K, value V) {
	c.slots.Store(key, Completed(value))
	c.log.Trace("set %v", key)
}

// GetAsync returns the value for key, computing it with fn when needed.
//
//   - No entry: a slot running fn is inserted unless a concurrent caller
//     inserted one first, in which case that slot is used.
//   - Pending entry: its outcome is returned, whatever obsolete is.
//   - Succeeded entry whose value is not equal to obsolete: returned as is.
//   - Succeeded entry equal to obsolete, or failed entry: a slot running fn
//     replaces it only if the entry still holds the slot that was read; when
//     another caller replaced it first, that caller's slot is used. N
//     concurrent stale detections therefore cause one computation.
//
// Callers with no obsolete value pass the zero value of V. Under
// DefaultEqual a legitimately cached zero value is then always treated as
// obsolete and recomputed.
func (c *AsyncCache[K, V]) GetAsync(ctx context.Context, key K, obsolete V, fn ComputeFunc[V]) (V, error) {
	initial, ok := c.slots.Load(key)
	if !ok {
		c.metrics.add(ctx, c.metrics.misses)
		candidate := Deferred(c.compute(key, fn))
		slot, loaded := c.slots.LoadOrStore(key, candidate)
		if loaded {
			c.log.Trace("joined concurrent computation of %v", key)
		}
		return slot.Await(ctx)
	}

	switch {
	case initial.Pending():
		c.log.Trace("awaiting in-flight computation of %v", key)
		return initial.Await(ctx)
	case initial.Succeeded():
		value, _ := initial.Value()
		if !c.equal(value, obsolete) {
			c.metrics.add(ctx, c.metrics.hits)
			return value, nil
		}
		c.log.Debug("cached value of %v is obsolete, recomputing", key)
	default:
		c.log.Debug("cached computation of %v failed (%v), recomputing", key, initial.Err())
	}
	c.metrics.add(ctx, c.metrics.stale)
	return c.replace(key, initial, fn).Await(ctx)
}

// replace installs a new slot running fn if key still maps to expected and
// returns whichever slot the entry holds afterwards.
func (c *AsyncCache[K, V]) replace(key K, expected *Slot[V], fn ComputeFunc[V]) *Slot[V] {
	candidate := Deferred(c.compute(key, fn))
	actual, _ := c.slots.Compute(key, func(current *Slot[V], loaded bool) (*Slot[V], bool) {
		if !loaded || current == expected {
			return candidate, false
		}
		return current, false
	})
	if actual != candidate {
		c.log.Trace("lost replacement race for %v", key)
	}
	return actual
}

// Refresh replaces the slot of key with one running fn, but only if the
// current slot is terminal. A pending computation is never superseded and an
// absent key is left absent. The new slot computes on its first Await. It
// reports whether a new slot was installed.
func (c *AsyncCache[K, V]) Refresh(key K, fn ComputeFunc[V]) bool {
	initial, ok := c.slots.Load(key)
	if !ok || initial.Pending() {
		return false
	}
	candidate := Deferred(c.compute(key, fn))
	actual, _ := c.slots.Compute(key, func(current *Slot[V], loaded bool) (*Slot[V], bool) {
		if !loaded {
			return current, true
		}
		if current == initial {
			return candidate, false
		}
		return current, false
	})
	installed := actual == candidate
	if installed {
		c.log.Debug("scheduled refresh of %v", key)
	}
	return installed
}

// Remove takes the slot of key out of the cache and returns its outcome,
// waiting for it if it is still pending. An absent key is a no-op reported
// with found == false and a nil error.
func (c *AsyncCache[K, V]) Remove(ctx context.Context, key K) (value V, found bool, err error) {
	slot, ok := c.slots.LoadAndDelete(key)
	if !ok {
		return value, false, nil
	}
	c.log.Debug("removed %v", key)
	value, err = slot.Await(ctx)
	return value, true, err
}

// Clear drops every entry. Entries are removed one by one; a concurrent
// insert may survive.
func (c *AsyncCache[K, V]) Clear() {
	c.slots.Clear()
	c.log.Debug("cleared")
}

// Len returns the number of entries, including pending and failed ones.
func (c *AsyncCache[K, V]) Len() int {
	return c.slots.Size()
}

func (c *AsyncCache[K, V]) compute(key K, fn ComputeFunc[V]) ComputeFunc[V] {
	return func(ctx context.Context) (V, error) {
		c.metrics.add(ctx, c.metrics.computes)
		value, err := fn(ctx)
		if err != nil {
			c.metrics.add(ctx, c.metrics.failures)
			c.log.Debug("computing %v failed: %v", key, err)
		}
		return value, err
	}
}
