package routing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-metacache/logger"
	"github.com/agentuity/go-metacache/metadata"
	"github.com/agentuity/go-metacache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"
)

// fakeFeed serves partition key range feeds. Each collection's feed is the
// list of ranges in creation order; the change-feed token "vN" means the
// first N entries have been seen.
type fakeFeed struct {
	mu    sync.Mutex
	feeds map[string][]metadata.PartitionKeyRange
	// incomplete makes the next full reads drop their first range
	incomplete int
	delay      time.Duration
	reads      atomic.Int32
	fullReads  atomic.Int32
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{feeds: make(map[string][]metadata.PartitionKeyRange)}
}

func (f *fakeFeed) set(collectionID string, ranges []metadata.PartitionKeyRange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[collectionID] = append([]metadata.PartitionKeyRange(nil), ranges...)
}

func (f *fakeFeed) split(collectionID, rangeID, at string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	feed := f.feeds[collectionID]
	next := len(feed)
	for _, r := range feed {
		if r.ID != rangeID {
			continue
		}
		f.feeds[collectionID] = append(feed,
			metadata.PartitionKeyRange{ID: strconv.Itoa(next), MinInclusive: r.MinInclusive, MaxExclusive: at, Parents: []string{rangeID}},
			metadata.PartitionKeyRange{ID: strconv.Itoa(next + 1), MinInclusive: at, MaxExclusive: r.MaxExclusive, Parents: []string{rangeID}},
		)
		return
	}
}

func (f *fakeFeed) ReadRanges(ctx context.Context, collectionID string, opts ReadOptions) (*RangePage, error) {
	f.reads.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	feed, ok := f.feeds[collectionID]
	if !ok {
		return nil, metadata.NotFound("collection %s not found", collectionID)
	}
	etag := "v" + strconv.Itoa(len(feed))
	start := 0
	if opts.IfNoneMatch != "" {
		start, _ = strconv.Atoi(strings.TrimPrefix(opts.IfNoneMatch, "v"))
	}
	if opts.Continuation != "" {
		start, _ = strconv.Atoi(opts.Continuation)
	}
	if opts.IfNoneMatch == "" && opts.Continuation == "" {
		f.fullReads.Add(1)
		if f.incomplete > 0 {
			f.incomplete--
			return &RangePage{Ranges: append([]metadata.PartitionKeyRange(nil), feed[1:]...), ETag: etag}, nil
		}
	}
	end := len(feed)
	if opts.PageSize > 0 && start+opts.PageSize < end {
		end = start + opts.PageSize
	}
	page := &RangePage{Ranges: append([]metadata.PartitionKeyRange(nil), feed[start:end]...), ETag: etag}
	if end < len(feed) {
		page.Continuation = strconv.Itoa(end)
	}
	return page, nil
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
	}
}

func TestTryLookupBuildsMap(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(5))
	c := New(feed, WithPageSize(2))

	m, err := c.TryLookup(context.Background(), "coll1", nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 5, m.Len())
	assert.Equal(t, "v5", m.ChangeFeedToken())
	assert.Equal(t, int32(3), feed.reads.Load(), "5 ranges in pages of 2")

	again, err := c.TryLookup(context.Background(), "coll1", nil)
	require.NoError(t, err)
	assert.Same(t, m, again)
	assert.Equal(t, int32(3), feed.reads.Load())
}

func TestTryLookupUnknownCollection(t *testing.T) {
	c := New(newFakeFeed())
	m, err := c.TryLookup(context.Background(), "missing", nil)
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestTryGetRangeByIDUnknownCollection(t *testing.T) {
	c := New(newFakeFeed())
	r, err := c.TryGetRangeByID(context.Background(), "missing", "0", false)
	assert.NoError(t, err)
	assert.Nil(t, r)
}

func TestTryGetRangeByID(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(3))
	c := New(feed)

	r, err := c.TryGetRangeByID(context.Background(), "coll1", "1", false)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "1", r.ID)

	r, err = c.TryGetRangeByID(context.Background(), "coll1", "42", false)
	assert.NoError(t, err)
	assert.Nil(t, r)
}

func TestForceRefreshSeesSplit(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(2))
	c := New(feed)

	ranges, err := c.TryGetOverlappingRanges(context.Background(), "coll1", FullRange(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, ids(ranges))

	feed.split("coll1", "1", "C0")

	ranges, err = c.TryGetOverlappingRanges(context.Background(), "coll1", FullRange(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, ids(ranges), "without refresh the cached map is used")

	ranges, err = c.TryGetOverlappingRanges(context.Background(), "coll1", FullRange(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "2", "3"}, ids(ranges))
	assert.Equal(t, int32(1), feed.fullReads.Load(), "refresh reads incrementally")

	r, err := c.TryGetRangeByID(context.Background(), "coll1", "1", false)
	assert.NoError(t, err)
	assert.Nil(t, r, "split parent is gone")

	ranges, err = c.TryGetOverlappingRanges(context.Background(), "coll1", NewKeyRange("50", "50"), false)
	require.NoError(t, err)
	assert.NotNil(t, ranges, "known collection")
	assert.Empty(t, ranges)
}

func TestForceRefreshRereadsAfterFirstBuild(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(2))
	c := New(feed)

	r, err := c.TryGetRangeByID(context.Background(), "coll1", "0", true)
	require.NoError(t, err)
	require.NotNil(t, r)
	// one full read for the first lookup, one incremental read for the refresh
	assert.Equal(t, int32(2), feed.reads.Load())
	assert.Equal(t, int32(1), feed.fullReads.Load())
}

func TestIncompleteIncrementalReadFallsBackToFullRead(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(2))
	reader := RangeReaderFunc(func(ctx context.Context, collectionID string, opts ReadOptions) (*RangePage, error) {
		if opts.IfNoneMatch != "" {
			return nil, errors.Mark(errors.New("continuation from an earlier epoch"), ErrIncompleteTopology)
		}
		return feed.ReadRanges(ctx, collectionID, opts)
	})
	c := New(reader, WithRetry(fastRetry()))

	m, err := c.TryLookup(context.Background(), "coll1", nil)
	require.NoError(t, err)
	feed.split("coll1", "0", "40")

	next, err := c.TryLookup(context.Background(), "coll1", m)
	require.NoError(t, err)
	assert.NotSame(t, m, next)
	assert.Equal(t, []string{"2", "3", "1"}, ids(next.Ranges()))
	assert.Equal(t, int32(2), feed.fullReads.Load())
}

func TestLookupWithStaleMapFallsBackToFullRead(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(2))
	c := New(feed, WithRetry(fastRetry()))

	m, err := c.TryLookup(context.Background(), "coll1", nil)
	require.NoError(t, err)

	// the new feed entry does not combine with the cached map and the full
	// feed overlaps itself
	feed.set("coll1", []metadata.PartitionKeyRange{
		{ID: "a", MinInclusive: "", MaxExclusive: "40"},
		{ID: "b", MinInclusive: "40", MaxExclusive: "FF"},
		{ID: "c", MinInclusive: "20", MaxExclusive: "40", Parents: []string{"x"}},
	})
	next, err := c.TryLookup(context.Background(), "coll1", m)
	require.Error(t, err)
	assert.Nil(t, next)
	assert.True(t, errors.Is(err, ErrIncompleteTopology))
	assert.Equal(t, int32(1+3), feed.fullReads.Load(), "first build plus one read and two retries")
}

func TestIncompleteTopologyIsRetried(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(4))
	feed.incomplete = 2
	log := logger.NewTestLogger()
	c := New(feed, WithRetry(fastRetry()), WithLogger(log))

	m, err := c.TryLookup(context.Background(), "coll1", nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 4, m.Len())
	assert.Equal(t, int32(3), feed.fullReads.Load())
	assert.True(t, log.Contains("WARNING", "retrying range read of coll1"))
}

func TestIncompleteTopologySurfaces(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(4))
	feed.incomplete = 10
	c := New(feed, WithRetry(fastRetry()))

	m, err := c.TryLookup(context.Background(), "coll1", nil)
	assert.Nil(t, m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompleteTopology))
	assert.True(t, errors.Is(err, resilience.ErrRetriesExhausted))

	ranges, err := c.TryGetOverlappingRanges(context.Background(), "coll1", FullRange(), false)
	assert.Nil(t, ranges)
	assert.True(t, errors.Is(err, ErrIncompleteTopology), "not reported as an unknown collection")
}

func TestFetchFailureIsRetriedOnNextAccess(t *testing.T) {
	boom := errors.New("service unavailable")
	var fail atomic.Bool
	fail.Store(true)
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(2))
	reader := RangeReaderFunc(func(ctx context.Context, id string, opts ReadOptions) (*RangePage, error) {
		if fail.Load() {
			return nil, boom
		}
		return feed.ReadRanges(ctx, id, opts)
	})
	c := New(reader)

	_, err := c.TryLookup(context.Background(), "coll1", nil)
	assert.True(t, errors.Is(err, boom))

	fail.Store(false)
	m, err := c.TryLookup(context.Background(), "coll1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
}

func TestConcurrentStaleLookupsShareOneRebuild(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(2))
	c := New(feed)

	m, err := c.TryLookup(context.Background(), "coll1", nil)
	require.NoError(t, err)
	feed.split("coll1", "0", "40")
	feed.delay = 20 * time.Millisecond
	before := feed.reads.Load()

	start := make(chan struct{})
	results := make([]*Map, 16)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			<-start
			next, err := c.TryLookup(context.Background(), "coll1", m)
			results[i] = next
			return err
		})
	}
	close(start)
	require.NoError(t, g.Wait())
	assert.Equal(t, before+1, feed.reads.Load())
	for _, next := range results {
		assert.Same(t, results[0], next)
	}
	assert.Equal(t, []string{"2", "3", "1"}, ids(results[0].Ranges()))
}

func TestPeekRangeByIDNeverFetches(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(3))
	c := New(feed)

	r, cached := c.PeekRangeByID("coll1", "1")
	assert.Nil(t, r)
	assert.False(t, cached)
	assert.Equal(t, int32(0), feed.reads.Load())

	require.NoError(t, c.Warm(context.Background(), "coll1"))
	r, cached = c.PeekRangeByID("coll1", "1")
	require.NotNil(t, r)
	assert.True(t, cached)
	assert.Equal(t, "1", r.ID)

	r, cached = c.PeekRangeByID("coll1", "7")
	assert.Nil(t, r)
	assert.True(t, cached, "a cached map without the range")
}

func TestTryGetRangeByPartitionKey(t *testing.T) {
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(8))
	c := New(feed)

	for _, pk := range []string{"alice", "bob", "carol"} {
		r, err := c.TryGetRangeByPartitionKey(context.Background(), "coll1", pk)
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.True(t, r.Contains(EffectivePartitionKey(pk)))
	}
	r, err := c.TryGetRangeByPartitionKey(context.Background(), "missing", "alice")
	assert.NoError(t, err)
	assert.Nil(t, r)
}

func TestWarmInvalidateClear(t *testing.T) {
	feed := newFakeFeed()
	for i := 0; i < 4; i++ {
		feed.set(fmt.Sprintf("coll%d", i), contiguousRanges(i+1))
	}
	c := New(feed)

	require.NoError(t, c.Warm(context.Background(), "coll0", "coll1", "coll2", "coll3", "missing"))
	assert.Equal(t, int32(4+1), feed.reads.Load())
	for i := 0; i < 4; i++ {
		r, _ := c.PeekRangeByID(fmt.Sprintf("coll%d", i), "0")
		assert.NotNil(t, r)
	}

	assert.True(t, c.Invalidate(context.Background(), "coll0"))
	assert.False(t, c.Invalidate(context.Background(), "coll0"))
	_, cached := c.PeekRangeByID("coll0", "0")
	assert.False(t, cached)

	c.Clear()
	_, cached = c.PeekRangeByID("coll1", "0")
	assert.False(t, cached)
}

func TestReadRangesSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(3))
	c := New(feed, WithTracerProvider(tp), WithPageSize(1))

	_, err := c.TryLookup(context.Background(), "coll1", nil)
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "routing.read_ranges", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "coll1", attrs["collection.id"])
	assert.Equal(t, "false", attrs["routing.incremental"])
	assert.Equal(t, "3", attrs["routing.pages"])
	assert.Equal(t, "3", attrs["routing.ranges"])
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	boom := errors.New("down")
	var fail atomic.Bool
	feed := newFakeFeed()
	feed.set("coll1", contiguousRanges(1))
	reader := RangeReaderFunc(func(ctx context.Context, id string, opts ReadOptions) (*RangePage, error) {
		if fail.Load() {
			return nil, boom
		}
		return feed.ReadRanges(ctx, id, opts)
	})
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		MaxFailures:      2,
		Timeout:          time.Minute,
		SuccessThreshold: 1,
		RequestTimeout:   time.Second,
	})
	c := New(reader, WithBreaker(breaker))

	for i := 0; i < 3; i++ {
		m, err := c.TryLookup(context.Background(), fmt.Sprintf("missing%d", i), nil)
		assert.NoError(t, err)
		assert.Nil(t, m)
	}
	assert.Equal(t, resilience.StateClosed, breaker.State())

	fail.Store(true)
	for i := 0; i < 2; i++ {
		_, err := c.TryLookup(context.Background(), "coll1", nil)
		assert.True(t, errors.Is(err, boom))
	}
	assert.Equal(t, resilience.StateOpen, breaker.State())

	_, err := c.TryLookup(context.Background(), "coll1", nil)
	assert.True(t, errors.Is(err, resilience.ErrBreakerOpen))
}
