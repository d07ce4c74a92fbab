// Package redis is a metadata service backed by Redis, for sharing a topology
// between processes. Records are encoded with msgpack.
//
// Keys, under a configurable prefix:
//
//	{prefix}:coll:id             hash, collection id -> collection record
//	{prefix}:coll:name           hash, dbs/{db}/colls/{name} -> collection id
//	{prefix}:epoch               hash, collection id -> range feed epoch
//	{prefix}:ranges:{collection} list, the partition key range feed
package redis

import (
	"context"
	"time"

	"github.com/agentuity/go-metacache/backend"
	"github.com/agentuity/go-metacache/logger"
	"github.com/agentuity/go-metacache/metadata"
	"github.com/agentuity/go-metacache/routing"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// DefaultPrefix is the key prefix used when none is configured.
	DefaultPrefix = "metacache"
	// DefaultQueryTimeout bounds every Redis round trip.
	DefaultQueryTimeout = 5 * time.Second

	maxTxAttempts = 3
)

type config struct {
	prefix       string
	queryTimeout time.Duration
	logger       logger.Logger
}

// Option configures a Store.
type Option func(*config)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithQueryTimeout sets the timeout of each Redis round trip.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.logger = log
		}
	}
}

// Store serves collection metadata and range feeds out of Redis.
type Store struct {
	client redis.UniversalClient
	cfg    config
	log    logger.Logger
}

// New returns a Store using client. The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	cfg := config{
		prefix:       DefaultPrefix,
		queryTimeout: DefaultQueryTimeout,
		logger:       logger.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{
		client: client,
		cfg:    cfg,
		log:    cfg.logger.WithPrefix("[redis]"),
	}
}

func (s *Store) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *Store) key(parts ...string) string {
	k := s.cfg.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) collectionsKey() string { return s.key("coll", "id") }
func (s *Store) namesKey() string       { return s.key("coll", "name") }
func (s *Store) epochsKey() string      { return s.key("epoch") }
func (s *Store) rangesKey(collectionID string) string {
	return s.key("ranges", collectionID)
}

// FetchByID returns the collection with the given id.
func (s *Store) FetchByID(ctx context.Context, id string) (*metadata.Collection, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return s.fetchByID(qctx, id)
}

func (s *Store) fetchByID(ctx context.Context, id string) (*metadata.Collection, error) {
	data, err := s.client.HGet(ctx, s.collectionsKey(), id).Bytes()
	if err == redis.Nil {
		return nil, metadata.NotFound("collection %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading collection %s", id)
	}
	var c metadata.Collection
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "error decoding collection %s", id)
	}
	return &c, nil
}

// FetchByName returns the collection at a name-based collection path.
func (s *Store) FetchByName(ctx context.Context, path string) (*metadata.Collection, error) {
	path, err := metadata.CollectionPath(path)
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	id, err := s.client.HGet(qctx, s.namesKey(), path).Result()
	if err == redis.Nil {
		return nil, metadata.NotFound("collection %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading collection name %s", path)
	}
	c, err := s.fetchByID(qctx, id)
	if metadata.IsNotFound(err) {
		return nil, metadata.NotFound("collection %s names missing collection %s", path, id)
	}
	return c, err
}

// ReadRanges returns a page of the range feed of a collection. The epoch,
// the feed length and the page are read under WATCH, so a page never mixes
// two epochs; a concurrent write retries the read.
func (s *Store) ReadRanges(ctx context.Context, collectionID string, opts routing.ReadOptions) (*routing.RangePage, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var page *routing.RangePage
	read := func(tx *redis.Tx) error {
		var err error
		page, err = s.readPage(qctx, tx, collectionID, opts)
		return err
	}
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.client.Watch(qctx, read, s.epochsKey(), s.rangesKey(collectionID))
		if err != redis.TxFailedErr {
			break
		}
		s.log.Debug("range feed of %s changed during read (attempt %d)", collectionID, attempt)
	}
	if err != nil {
		if metadata.IsNotFound(err) || errors.Is(err, backend.ErrInvalidContinuation) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "error reading range feed of %s", collectionID)
	}
	return page, nil
}

func (s *Store) readPage(ctx context.Context, tx *redis.Tx, collectionID string, opts routing.ReadOptions) (*routing.RangePage, error) {
	exists, err := tx.HExists(ctx, s.collectionsKey(), collectionID).Result()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, metadata.NotFound("collection %s", collectionID)
	}
	e, err := tx.HGet(ctx, s.epochsKey(), collectionID).Int64()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrapf(err, "error decoding range feed epoch of %s", collectionID)
	}
	length, err := tx.LLen(ctx, s.rangesKey(collectionID)).Result()
	if err != nil {
		return nil, err
	}
	n := int(length)

	start := backend.FeedStart(opts.IfNoneMatch, e, n)
	from, to, next, err := backend.PageBounds(e, start, n, opts.Continuation, opts.PageSize)
	if err != nil {
		return nil, err
	}
	page := &routing.RangePage{Continuation: next, ETag: backend.Token(e, n)}

	// EXEC fails if the epoch or the feed changed since WATCH, even for an
	// empty page
	var items *redis.StringSliceCmd
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if from < to {
			items = pipe.LRange(ctx, s.rangesKey(collectionID), int64(from), int64(to-1))
		} else {
			pipe.LLen(ctx, s.rangesKey(collectionID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if items != nil {
		page.Ranges, err = decodeRanges(items.Val())
		if err != nil {
			return nil, errors.Wrapf(err, "error decoding ranges of %s", collectionID)
		}
	}
	return page, nil
}

// PutCollection creates or replaces a collection. A new collection owns the
// whole key space as range "0".
func (s *Store) PutCollection(ctx context.Context, c metadata.Collection) error {
	if c.ID == "" || c.Database == "" || c.Name == "" {
		return errors.Mark(errors.Newf("collection %q needs an id, a database and a name", c.ID), metadata.ErrInvalidAddress)
	}
	data, err := msgpack.Marshal(c)
	if err != nil {
		return errors.Wrapf(err, "error encoding collection %s", c.ID)
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	old, err := s.fetchByID(qctx, c.ID)
	if err != nil && !metadata.IsNotFound(err) {
		return err
	}
	var stalePath string
	if old != nil && old.Path() != c.Path() {
		owner, err := s.client.HGet(qctx, s.namesKey(), old.Path()).Result()
		if err != nil && err != redis.Nil {
			return errors.Wrapf(err, "error reading collection name %s", old.Path())
		}
		if owner == c.ID {
			stalePath = old.Path()
		}
	}
	initial, err := encodeRanges([]metadata.PartitionKeyRange{{
		ID:           "0",
		MinInclusive: metadata.MinimumInclusiveEffectivePartitionKey,
		MaxExclusive: metadata.MaximumExclusiveEffectivePartitionKey,
	}})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(qctx, s.collectionsKey(), c.ID, data)
		pipe.HSet(qctx, s.namesKey(), c.Path(), c.ID)
		if stalePath != "" {
			pipe.HDel(qctx, s.namesKey(), stalePath)
		}
		if old == nil {
			pipe.Del(qctx, s.rangesKey(c.ID))
			pipe.RPush(qctx, s.rangesKey(c.ID), initial...)
			pipe.HIncrBy(qctx, s.epochsKey(), c.ID, 1)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "error writing collection %s", c.ID)
	}
	return nil
}

// DeleteCollection removes a collection, its name and its ranges. It reports
// whether the collection existed.
func (s *Store) DeleteCollection(ctx context.Context, id string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	c, err := s.fetchByID(qctx, id)
	if metadata.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	owner, err := s.client.HGet(qctx, s.namesKey(), c.Path()).Result()
	if err != nil && err != redis.Nil {
		return false, errors.Wrapf(err, "error reading collection name %s", c.Path())
	}
	_, err = s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(qctx, s.collectionsKey(), id)
		pipe.Del(qctx, s.rangesKey(id))
		if owner == id {
			pipe.HDel(qctx, s.namesKey(), c.Path())
		}
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "error deleting collection %s", id)
	}
	return true, nil
}

// SetRanges replaces the ranges of a collection and starts a new feed epoch.
func (s *Store) SetRanges(ctx context.Context, collectionID string, ranges []metadata.PartitionKeyRange) error {
	values, err := encodeRanges(ranges)
	if err != nil {
		return err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	exists, err := s.client.HExists(qctx, s.collectionsKey(), collectionID).Result()
	if err != nil {
		return errors.Wrapf(err, "error reading collection %s", collectionID)
	}
	if !exists {
		return metadata.NotFound("collection %s", collectionID)
	}
	_, err = s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.Del(qctx, s.rangesKey(collectionID))
		if len(values) > 0 {
			pipe.RPush(qctx, s.rangesKey(collectionID), values...)
		}
		pipe.HIncrBy(qctx, s.epochsKey(), collectionID, 1)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "error writing ranges of %s", collectionID)
	}
	return nil
}

// Split replaces the live range rangeID with two children split at the
// effective partition key at, and returns them. Concurrent changes to the
// feed are detected with WATCH and the split is retried.
func (s *Store) Split(ctx context.Context, collectionID, rangeID, at string) ([]metadata.PartitionKeyRange, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	key := s.rangesKey(collectionID)

	var children []metadata.PartitionKeyRange
	split := func(tx *redis.Tx) error {
		exists, err := tx.HExists(qctx, s.collectionsKey(), collectionID).Result()
		if err != nil {
			return err
		}
		if !exists {
			return metadata.NotFound("collection %s", collectionID)
		}
		items, err := tx.LRange(qctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		feed, err := decodeRanges(items)
		if err != nil {
			return err
		}
		children, err = backend.SplitRange(feed, rangeID, at)
		if err != nil {
			return err
		}
		values, err := encodeRanges(children)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(qctx, key, values...)
			return nil
		})
		return err
	}

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.client.Watch(qctx, split, key)
		if err != redis.TxFailedErr {
			break
		}
		s.log.Debug("range feed of %s changed during split (attempt %d)", collectionID, attempt)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "splitting %s/%s", collectionID, rangeID)
	}
	return children, nil
}

// Seed writes every collection of topology with its initial ranges.
func (s *Store) Seed(ctx context.Context, topology *metadata.Topology) error {
	for _, c := range topology.Collections {
		if err := s.PutCollection(ctx, c.Collection); err != nil {
			return err
		}
		if err := s.SetRanges(ctx, c.ID, c.InitialRanges()); err != nil {
			return err
		}
		s.log.Debug("seeded %s (%s)", c.Path(), c.ID)
	}
	return nil
}

func encodeRanges(ranges []metadata.PartitionKeyRange) ([]interface{}, error) {
	values := make([]interface{}, len(ranges))
	for i, r := range ranges {
		data, err := msgpack.Marshal(r)
		if err != nil {
			return nil, errors.Wrapf(err, "error encoding range %s", r.ID)
		}
		values[i] = data
	}
	return values, nil
}

func decodeRanges(items []string) ([]metadata.PartitionKeyRange, error) {
	ranges := make([]metadata.PartitionKeyRange, len(items))
	for i, item := range items {
		if err := msgpack.Unmarshal([]byte(item), &ranges[i]); err != nil {
			return nil, err
		}
	}
	return ranges, nil
}
