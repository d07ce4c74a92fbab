// Package collection resolves requests to collection metadata.
//
// Metadata is cached twice: by name-based path and by collection id. Every
// successful fetch by name also stores the result under its id, but the two
// caches are not updated together. An id entry may be refreshed while the
// name entry for the same collection still holds the previous record, and
// the other way around, until the stale side is next accessed with a
// staleness marker or refreshed. Callers that hit a mismatch (a request
// routed to an id the service no longer knows) resolve it by refreshing and
// retrying, which is what StaleRoutingError asks them to do.
package collection

import (
	"context"

	"github.com/agentuity/go-metacache/cache"
	"github.com/agentuity/go-metacache/logger"
	"github.com/agentuity/go-metacache/metadata"
	"github.com/agentuity/go-metacache/resilience"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher reads collection metadata from the backing service. Both methods
// fail with an error matching metadata.ErrNotFound for unknown collections.
type Fetcher interface {
	FetchByID(ctx context.Context, id string) (*metadata.Collection, error)
	FetchByName(ctx context.Context, path string) (*metadata.Collection, error)
}

// Cache resolves collections by name or id.
type Cache struct {
	byName  *cache.AsyncCache[string, *metadata.Collection]
	byID    *cache.AsyncCache[string, *metadata.Collection]
	fetcher Fetcher
	log     logger.Logger
	tracer  trace.Tracer
	breaker *resilience.Breaker
}

// New returns a Cache that fetches through fetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	cfg := applyOptions(opts)
	log := cfg.logger.WithPrefix("[collection]")
	newCache := func(name string) *cache.AsyncCache[string, *metadata.Collection] {
		return cache.NewAsync[string, *metadata.Collection](
			cache.WithName(name),
			cache.WithLogger(log),
			cache.WithMeterProvider(cfg.meterProvider),
			cache.WithEqual(metadata.SameCollection),
		)
	}
	return &Cache{
		byName:  newCache("collections-by-name"),
		byID:    newCache("collections-by-id"),
		fetcher: fetcher,
		log:     log,
		tracer:  cfg.tracerProvider.Tracer(instrumentationName),
		breaker: cfg.breaker,
	}
}

// ResolveCollection returns the collection a request targets.
//
// A request with a routing hint is resolved by the hinted collection id; if
// that collection is gone the error is a *StaleRoutingError. A name-based
// request first refreshes the name mapping when ForceNameCacheRefresh is set,
// then resolves by name once per request and by the remembered id after
// that. Any other request is resolved by id.
func (c *Cache) ResolveCollection(ctx context.Context, req *Request) (*metadata.Collection, error) {
	log := c.log.With(map[string]interface{}{"activityId": req.ActivityID})

	if req.hasRoutingHint() {
		coll, err := c.ResolveByID(ctx, req.RoutingHint.CollectionID)
		if metadata.IsNotFound(err) {
			log.Debug("routing hint %s/%s points to a missing collection", req.RoutingHint.CollectionID, req.RoutingHint.RangeID)
			return nil, &StaleRoutingError{
				CollectionID: req.RoutingHint.CollectionID,
				RangeID:      req.RoutingHint.RangeID,
				cause:        err,
			}
		}
		return coll, err
	}

	if !req.NameBased {
		return c.ResolveByID(ctx, req.ResourceAddress)
	}

	if req.ForceNameCacheRefresh {
		if err := c.RefreshForRequest(ctx, req); err != nil {
			return nil, err
		}
		req.ForceNameCacheRefresh = false
	}

	if req.ResolvedCollectionID != "" {
		return c.ResolveByID(ctx, req.ResolvedCollectionID)
	}

	coll, err := c.ResolveByName(ctx, req.ResourceAddress)
	if err != nil {
		return nil, err
	}
	req.ResolvedCollectionID = coll.ID
	log.Trace("resolved %s to %s", req.ResourceAddress, coll.ID)
	return coll, nil
}

// RefreshForRequest makes the name mapping of a name-based request current
// and forgets the id the request had resolved. When the request had resolved
// an id, the name entry is refetched only if it still maps to that id, so
// concurrent requests that saw the same outdated id cause one fetch. Without
// a resolved id the name entry is refreshed unconditionally.
func (c *Cache) RefreshForRequest(ctx context.Context, req *Request) error {
	if !req.NameBased {
		return nil
	}
	path, err := metadata.CollectionPath(req.ResourceAddress)
	if err != nil {
		return err
	}
	defer func() { req.ResolvedCollectionID = "" }()

	if req.ResolvedCollectionID == "" {
		c.byName.Refresh(path, c.fetchByName(path))
		return nil
	}
	obsolete := &metadata.Collection{ID: req.ResolvedCollectionID}
	_, err = c.byName.GetAsync(ctx, path, obsolete, c.fetchByName(path))
	return err
}

// ResolveByName returns the collection at a name-based address, which may
// point inside the collection.
func (c *Cache) ResolveByName(ctx context.Context, address string) (*metadata.Collection, error) {
	path, err := metadata.CollectionPath(address)
	if err != nil {
		return nil, err
	}
	return c.byName.GetAsync(ctx, path, nil, c.fetchByName(path))
}

// ResolveByID returns the collection with the given id.
func (c *Cache) ResolveByID(ctx context.Context, id string) (*metadata.Collection, error) {
	if id == "" {
		return nil, errors.Mark(errors.New("empty collection id"), metadata.ErrInvalidAddress)
	}
	return c.byID.GetAsync(ctx, id, nil, c.fetchByID(id))
}

// Refresh schedules a refetch of the collection at address, a name-based
// path or a collection id. A refresh by name also updates the id entry once
// the new record is fetched. Entries that are absent or being fetched are
// left alone.
func (c *Cache) Refresh(address string) error {
	if !metadata.IsNameBased(address) {
		c.byID.Refresh(address, c.fetchByID(address))
		return nil
	}
	path, err := metadata.CollectionPath(address)
	if err != nil {
		return err
	}
	if c.byName.Refresh(path, c.fetchByName(path)) {
		c.log.Debug("refresh of %s scheduled", path)
	}
	return nil
}

// Remove drops the id entry of a collection and reports whether there was
// one. The name entry is left as is.
func (c *Cache) Remove(ctx context.Context, id string) bool {
	_, found, _ := c.byID.Remove(ctx, id)
	return found
}

// Clear drops every entry of both caches.
func (c *Cache) Clear() {
	c.byName.Clear()
	c.byID.Clear()
}

func (c *Cache) fetchByName(path string) cache.ComputeFunc[*metadata.Collection] {
	return func(ctx context.Context) (*metadata.Collection, error) {
		coll, err := c.fetch(ctx, "collection.fetch_by_name", attribute.String("collection.path", path), func(ctx context.Context) (*metadata.Collection, error) {
			return c.fetcher.FetchByName(ctx, path)
		})
		if err != nil {
			return nil, err
		}
		c.byID.Set(coll.ID, coll)
		return coll, nil
	}
}

func (c *Cache) fetchByID(id string) cache.ComputeFunc[*metadata.Collection] {
	return func(ctx context.Context) (*metadata.Collection, error) {
		return c.fetch(ctx, "collection.fetch_by_id", attribute.String("collection.id", id), func(ctx context.Context) (*metadata.Collection, error) {
			return c.fetcher.FetchByID(ctx, id)
		})
	}
}

func (c *Cache) fetch(ctx context.Context, name string, attr attribute.KeyValue, fn func(ctx context.Context) (*metadata.Collection, error)) (*metadata.Collection, error) {
	ctx, span := c.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attr))
	defer span.End()

	coll, err := c.guard(ctx, fn)
	if err == nil && coll == nil {
		err = metadata.NotFound("%s: no collection returned for %s", name, attr.Value.Emit())
	}
	if err != nil {
		if metadata.IsNotFound(err) {
			span.SetAttributes(attribute.Bool("collection.not_found", true))
		} else {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		c.log.Debug("%s %s failed: %v", name, attr.Value.Emit(), err)
		return nil, err
	}
	span.SetAttributes(attribute.String("collection.resolved_id", coll.ID))
	span.SetStatus(codes.Ok, "")
	return coll, nil
}

func (c *Cache) guard(ctx context.Context, fn func(ctx context.Context) (*metadata.Collection, error)) (*metadata.Collection, error) {
	if c.breaker == nil {
		return fn(ctx)
	}
	var notFound error
	coll, err := resilience.Do(ctx, c.breaker, func(ctx context.Context) (*metadata.Collection, error) {
		coll, err := fn(ctx)
		if metadata.IsNotFound(err) {
			notFound = err
			return nil, nil
		}
		return coll, err
	})
	if err != nil {
		return nil, err
	}
	if notFound != nil {
		return nil, notFound
	}
	return coll, nil
}
