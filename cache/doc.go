// Package cache provides the concurrency primitives the metadata caches are
// built from: a memoized one-shot [Slot] and a keyed [AsyncCache] of slots.
//
// # Slots
//
// A [Slot] holds the result of a computation that runs at most once. It is
// either created already succeeded with [Completed] or around a compute
// function with [Deferred]. A deferred slot does nothing until the first
// [Slot.Await]; that caller runs the function inline and every later caller
// receives the same value or the same error. Failures are memoized too, so a
// failed slot keeps returning its error until something replaces it.
//
// The computation runs with a context that carries the first caller's values
// but not its cancellation. A waiter whose context ends stops waiting and
// gets ctx.Err(); the computation keeps running for everyone else.
//
// A compute function that panics fails its slot with an error matching
// [ErrComputePanic].
//
// # AsyncCache
//
// [AsyncCache] maps keys to slots and guarantees that concurrent callers for
// the same key share one computation:
//
//	c := cache.NewAsync[string, *metadata.Collection](
//	    cache.WithName("collections-by-name"),
//	    cache.WithEqual(metadata.SameCollection),
//	)
//	coll, err := c.GetAsync(ctx, "dbs/db1/colls/orders", nil, fetch)
//
// There is no TTL. Staleness is decided by the caller: [AsyncCache.GetAsync]
// takes the value the caller already knows to be obsolete and recomputes
// only when the cached value equals it. Because replacement is a
// compare-and-swap on the slot that was read, N callers who all observe the
// same obsolete value trigger one computation and all receive its result.
//
// A failed entry is treated like an obsolete one and recomputed on the next
// [AsyncCache.GetAsync]. A pending entry is always awaited, never replaced.
//
// [AsyncCache.Refresh] schedules a recompute of an idle entry and is a no-op
// for absent or pending keys. [AsyncCache.Set] overwrites unconditionally.
// [AsyncCache.Remove] and [AsyncCache.Clear] drop entries; a computation
// already running when its entry is dropped finishes and its result is
// discarded by the cache.
//
// # Equality
//
// Staleness detection uses the [EqualFunc] given with [WithEqual], or
// [DefaultEqual] (structural equality) when none is set. Comparers for
// identity-like values, such as "same collection id" or pointer identity of
// an immutable routing map, keep the comparison cheap.
//
// # Metrics
//
// Every cache registers counters on the configured [go.opentelemetry.io/otel/metric.MeterProvider]
// (the global one by default): [MetricHits], [MetricMisses], [MetricStale],
// [MetricComputes] and [MetricFailures], each tagged with cache.name.
package cache
