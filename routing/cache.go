// Package routing resolves a collection's partition routing table and answers
// range queries against it.
//
// A routing [Map] is built from the collection's partition key range feed
// and cached per collection id. Callers that learn a map is outdated, for
// instance after a request was rejected because its partition split, pass
// that map back as the obsolete value and get a rebuilt one; concurrent
// callers reporting the same map share one rebuild.
//
// Unknown collections are not errors: lookups for them return nil.
package routing

import (
	"context"
	"time"

	"github.com/agentuity/go-metacache/cache"
	"github.com/agentuity/go-metacache/logger"
	"github.com/agentuity/go-metacache/metadata"
	"github.com/agentuity/go-metacache/resilience"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Cache caches one routing Map per collection id.
type Cache struct {
	maps     *cache.AsyncCache[string, *Map]
	reader   RangeReader
	log      logger.Logger
	tracer   trace.Tracer
	breaker  *resilience.Breaker
	retry    resilience.RetryConfig
	pageSize int
}

// New returns a Cache that builds maps from reader.
func New(reader RangeReader, opts ...Option) *Cache {
	cfg := applyOptions(opts)
	log := cfg.logger.WithPrefix("[routing]")
	return &Cache{
		maps: cache.NewAsync[string, *Map](
			cache.WithName("routing-maps"),
			cache.WithLogger(log),
			cache.WithMeterProvider(cfg.meterProvider),
			cache.WithEqual(func(cached, obsolete *Map) bool { return cached == obsolete }),
		),
		reader:   reader,
		log:      log,
		tracer:   cfg.tracerProvider.Tracer(instrumentationName),
		breaker:  cfg.breaker,
		retry:    cfg.retry,
		pageSize: cfg.pageSize,
	}
}

// TryLookup returns the routing map of a collection. When previous is not
// nil and is the map currently cached, a new map is built from previous's
// change-feed token. An unknown collection yields a nil map and no error.
func (c *Cache) TryLookup(ctx context.Context, collectionID string, previous *Map) (*Map, error) {
	m, err := c.maps.GetAsync(ctx, collectionID, previous, func(ctx context.Context) (*Map, error) {
		return c.buildMap(ctx, collectionID, previous)
	})
	if err != nil {
		if metadata.IsNotFound(err) {
			c.log.Debug("no routing map for collection %s: %v", collectionID, err)
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (c *Cache) lookup(ctx context.Context, collectionID string, forceRefresh bool) (*Map, error) {
	m, err := c.TryLookup(ctx, collectionID, nil)
	if err != nil || m == nil {
		return nil, err
	}
	if forceRefresh {
		return c.TryLookup(ctx, collectionID, m)
	}
	return m, nil
}

// TryGetOverlappingRanges returns the ranges of the collection that share a
// key with q, in key order. With forceRefresh a cached map is rebuilt first.
// A nil slice and nil error mean the collection has no routing map; a known
// collection with no range overlapping q yields an empty, non-nil slice.
func (c *Cache) TryGetOverlappingRanges(ctx context.Context, collectionID string, q KeyRange, forceRefresh bool) ([]metadata.PartitionKeyRange, error) {
	m, err := c.lookup(ctx, collectionID, forceRefresh)
	if err != nil || m == nil {
		return nil, err
	}
	ranges := m.Overlapping(q)
	if ranges == nil {
		ranges = []metadata.PartitionKeyRange{}
	}
	return ranges, nil
}

// TryGetRangeByID returns a live range of the collection by id. With
// forceRefresh a cached map is rebuilt first. Nil means the collection or
// the range is unknown.
func (c *Cache) TryGetRangeByID(ctx context.Context, collectionID string, rangeID string, forceRefresh bool) (*metadata.PartitionKeyRange, error) {
	m, err := c.lookup(ctx, collectionID, forceRefresh)
	if err != nil || m == nil {
		return nil, err
	}
	r, ok := m.RangeByID(rangeID)
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// PeekRangeByID looks rangeID up in the map already cached for the
// collection. It never blocks or fetches. cached is false when no built map
// is cached (missing, still being built or failed), so a nil range with
// cached true means the map has no live range rangeID.
func (c *Cache) PeekRangeByID(collectionID string, rangeID string) (r *metadata.PartitionKeyRange, cached bool) {
	slot, ok := c.maps.Get(collectionID)
	if !ok {
		return nil, false
	}
	m, ok := slot.Value()
	if !ok {
		return nil, false
	}
	found, ok := m.RangeByID(rangeID)
	if !ok {
		return nil, true
	}
	return &found, true
}

// TryGetRangeByPartitionKey returns the range owning a partition key value.
func (c *Cache) TryGetRangeByPartitionKey(ctx context.Context, collectionID string, partitionKey string) (*metadata.PartitionKeyRange, error) {
	m, err := c.TryLookup(ctx, collectionID, nil)
	if err != nil || m == nil {
		return nil, err
	}
	r, ok := m.RangeByEffectivePartitionKey(EffectivePartitionKey(partitionKey))
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// Warm looks up the maps of several collections concurrently. Unknown
// collections are skipped; the first other error is returned.
func (c *Cache) Warm(ctx context.Context, collectionIDs ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range collectionIDs {
		g.Go(func() error {
			_, err := c.TryLookup(ctx, id, nil)
			return err
		})
	}
	return g.Wait()
}

// Invalidate drops the cached map of a collection. It reports whether one
// was cached.
func (c *Cache) Invalidate(ctx context.Context, collectionID string) bool {
	_, found, _ := c.maps.Remove(ctx, collectionID)
	return found
}

// Clear drops every cached map.
func (c *Cache) Clear() {
	c.maps.Clear()
}

func (c *Cache) buildMap(ctx context.Context, collectionID string, previous *Map) (*Map, error) {
	if previous != nil && previous.ChangeFeedToken() != "" {
		ranges, token, err := c.readFeed(ctx, collectionID, previous.ChangeFeedToken())
		if err != nil && !errors.Is(err, ErrIncompleteTopology) {
			return nil, err
		}
		var m *Map
		if err == nil {
			m, err = previous.TryCombine(ranges, token)
		}
		if err == nil {
			c.log.Debug("combined %d new ranges into %s", len(ranges), m)
			return m, nil
		}
		c.log.Debug("incremental update of %s failed, reading full feed: %v", collectionID, err)
	}

	var m *Map
	err := resilience.Retry(ctx, c.retryConfig(collectionID), func() error {
		ranges, token, err := c.readFeed(ctx, collectionID, "")
		if err != nil {
			return err
		}
		m, err = NewCompleteMap(collectionID, ranges, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.log.Debug("built routing map %s", m)
	return m, nil
}

func (c *Cache) retryConfig(collectionID string) resilience.RetryConfig {
	cfg := c.retry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		c.log.Warn("retrying range read of %s in %v (attempt %d): %v", collectionID, backoff, attempt, err)
	}
	return cfg
}

// readFeed reads every page of the range feed from ifNoneMatch and returns
// the ranges and the token to continue from.
func (c *Cache) readFeed(ctx context.Context, collectionID string, ifNoneMatch string) ([]metadata.PartitionKeyRange, string, error) {
	ctx, span := c.tracer.Start(ctx, "routing.read_ranges",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("collection.id", collectionID),
			attribute.Bool("routing.incremental", ifNoneMatch != ""),
		))
	defer span.End()

	opts := ReadOptions{IfNoneMatch: ifNoneMatch, PageSize: c.pageSize}
	token := ifNoneMatch
	var ranges []metadata.PartitionKeyRange
	pages := 0
	for {
		page, err := c.readPage(ctx, collectionID, opts)
		if err != nil {
			if !metadata.IsNotFound(err) {
				span.SetStatus(codes.Error, err.Error())
				span.RecordError(err)
			}
			return nil, "", errors.Wrapf(err, "reading partition key ranges of %s", collectionID)
		}
		pages++
		ranges = append(ranges, page.Ranges...)
		if page.ETag != "" {
			token = page.ETag
		}
		if page.Continuation == "" {
			break
		}
		opts.Continuation = page.Continuation
	}
	span.SetAttributes(attribute.Int("routing.pages", pages), attribute.Int("routing.ranges", len(ranges)))
	span.SetStatus(codes.Ok, "")
	return ranges, token, nil
}

func (c *Cache) readPage(ctx context.Context, collectionID string, opts ReadOptions) (*RangePage, error) {
	if c.breaker == nil {
		return c.reader.ReadRanges(ctx, collectionID, opts)
	}
	var notFound error
	page, err := resilience.Do(ctx, c.breaker, func(ctx context.Context) (*RangePage, error) {
		page, err := c.reader.ReadRanges(ctx, collectionID, opts)
		if metadata.IsNotFound(err) {
			notFound = err
			return nil, nil
		}
		return page, err
	})
	if err != nil {
		return nil, err
	}
	if notFound != nil {
		return nil, notFound
	}
	return page, nil
}
