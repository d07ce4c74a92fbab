// Package memory is an in-process metadata service. It serves collection
// metadata by id and by name and a paged partition key range feed per
// collection, and lets callers change the topology underneath the caches.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentuity/go-metacache/backend"
	"github.com/agentuity/go-metacache/logger"
	"github.com/agentuity/go-metacache/metadata"
	"github.com/agentuity/go-metacache/routing"
	"github.com/cockroachdb/errors"
)

type feed struct {
	epoch  int64
	ranges []metadata.PartitionKeyRange
}

// Store is a concurrency safe in-memory metadata service.
type Store struct {
	mu          sync.RWMutex
	collections map[string]metadata.Collection
	names       map[string]string
	feeds       map[string]*feed
	epoch       int64
	log         logger.Logger

	byIDFetches   atomic.Int64
	byNameFetches atomic.Int64
	rangeReads    atomic.Int64
}

// Stats counts the requests a Store served.
type Stats struct {
	FetchByID   int64
	FetchByName int64
	RangeReads  int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for topology changes.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]metadata.Collection),
		names:       make(map[string]string),
		feeds:       make(map[string]*feed),
		log:         logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithPrefix("[memory]")
	return s
}

// NewFromTopology returns a Store seeded with topology.
func NewFromTopology(topology *metadata.Topology, opts ...Option) (*Store, error) {
	s := New(opts...)
	if err := s.Apply(topology); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply adds every collection of topology with its initial ranges.
func (s *Store) Apply(topology *metadata.Topology) error {
	for _, c := range topology.Collections {
		if err := s.PutCollection(c.Collection); err != nil {
			return err
		}
		if err := s.SetRanges(c.ID, c.InitialRanges()); err != nil {
			return err
		}
	}
	return nil
}

// PutCollection creates or replaces a collection. A new collection owns the
// whole key space as range "0" until SetRanges or Split changes it. Reusing
// the name of another collection takes the name over, as recreating a
// collection under the same name does.
func (s *Store) PutCollection(c metadata.Collection) error {
	if c.ID == "" || c.Database == "" || c.Name == "" {
		return errors.Mark(errors.Newf("collection %q needs an id, a database and a name", c.ID), metadata.ErrInvalidAddress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.collections[c.ID]; ok && old.Path() != c.Path() {
		if s.names[old.Path()] == c.ID {
			delete(s.names, old.Path())
		}
	}
	if prev, ok := s.names[c.Path()]; ok && prev != c.ID {
		s.log.Debug("%s now names %s instead of %s", c.Path(), c.ID, prev)
	}
	s.collections[c.ID] = c
	s.names[c.Path()] = c.ID
	if _, ok := s.feeds[c.ID]; !ok {
		s.epoch++
		s.feeds[c.ID] = &feed{epoch: s.epoch, ranges: []metadata.PartitionKeyRange{{
			ID:           "0",
			MinInclusive: metadata.MinimumInclusiveEffectivePartitionKey,
			MaxExclusive: metadata.MaximumExclusiveEffectivePartitionKey,
		}}}
	}
	return nil
}

// DeleteCollection removes a collection, its name and its ranges. It reports
// whether the collection existed.
func (s *Store) DeleteCollection(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return false
	}
	delete(s.collections, id)
	delete(s.feeds, id)
	if s.names[c.Path()] == id {
		delete(s.names, c.Path())
	}
	return true
}

// SetRanges replaces the ranges of a collection and starts a new feed epoch,
// so readers holding an older change-feed token read the whole feed again.
func (s *Store) SetRanges(collectionID string, ranges []metadata.PartitionKeyRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collectionID]; !ok {
		return metadata.NotFound("collection %s", collectionID)
	}
	s.epoch++
	s.feeds[collectionID] = &feed{
		epoch:  s.epoch,
		ranges: append([]metadata.PartitionKeyRange(nil), ranges...),
	}
	return nil
}

// Split replaces the live range rangeID with two children split at the
// effective partition key at, and returns them.
func (s *Store) Split(collectionID, rangeID, at string) ([]metadata.PartitionKeyRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[collectionID]
	if !ok {
		return nil, metadata.NotFound("collection %s", collectionID)
	}
	children, err := backend.SplitRange(f.ranges, rangeID, at)
	if err != nil {
		return nil, errors.Wrapf(err, "splitting %s/%s", collectionID, rangeID)
	}
	f.ranges = append(f.ranges, children...)
	s.log.Debug("split %s/%s at %s into %s and %s", collectionID, rangeID, at, children[0].ID, children[1].ID)
	return children, nil
}

// LiveRanges returns the current ranges of a collection.
func (s *Store) LiveRanges(collectionID string) ([]metadata.PartitionKeyRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[collectionID]
	if !ok {
		return nil, metadata.NotFound("collection %s", collectionID)
	}
	return backend.LiveRanges(f.ranges), nil
}

// FetchByID returns the collection with the given id.
func (s *Store) FetchByID(ctx context.Context, id string) (*metadata.Collection, error) {
	s.byIDFetches.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[id]
	if !ok {
		return nil, metadata.NotFound("collection %s", id)
	}
	return &c, nil
}

// FetchByName returns the collection at a name-based collection path.
func (s *Store) FetchByName(ctx context.Context, path string) (*metadata.Collection, error) {
	s.byNameFetches.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := metadata.CollectionPath(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.names[path]
	if !ok {
		return nil, metadata.NotFound("collection %s", path)
	}
	c := s.collections[id]
	return &c, nil
}

// ReadRanges returns a page of the range feed of a collection. When
// opts.IfNoneMatch is the current token the page is empty and carries the
// same token.
func (s *Store) ReadRanges(ctx context.Context, collectionID string, opts routing.ReadOptions) (*routing.RangePage, error) {
	s.rangeReads.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[collectionID]
	if !ok {
		return nil, metadata.NotFound("collection %s", collectionID)
	}
	start := backend.FeedStart(opts.IfNoneMatch, f.epoch, len(f.ranges))
	ranges, next, err := backend.Page(f.ranges, f.epoch, start, opts.Continuation, opts.PageSize)
	if err != nil {
		return nil, err
	}
	return &routing.RangePage{
		Ranges:       ranges,
		Continuation: next,
		ETag:         backend.Token(f.epoch, len(f.ranges)),
	}, nil
}

// Stats returns the request counters.
func (s *Store) Stats() Stats {
	return Stats{
		FetchByID:   s.byIDFetches.Load(),
		FetchByName: s.byNameFetches.Load(),
		RangeReads:  s.rangeReads.Load(),
	}
}
