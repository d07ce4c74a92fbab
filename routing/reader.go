package routing

import (
	"context"

	"github.com/agentuity/go-metacache/metadata"
)

// DefaultPageSize is the page size requested from a RangeReader when none
// is configured.
const DefaultPageSize = 100

// ReadOptions selects a page of a collection's partition key range feed.
type ReadOptions struct {
	// IfNoneMatch is the change-feed token of the last read; only ranges
	// created after it are returned. Empty reads the feed from the start.
	IfNoneMatch string
	// Continuation resumes a paged read. Empty starts a new one.
	Continuation string
	// PageSize bounds the number of ranges in the page.
	PageSize int
}

// RangePage is one page of a partition key range feed.
type RangePage struct {
	Ranges []metadata.PartitionKeyRange
	// Continuation is empty on the last page.
	Continuation string
	// ETag is the change-feed token to pass as IfNoneMatch on the next read.
	ETag string
}

// RangeReader reads the partition key range feed of a collection. An
// unknown collection fails with an error matching metadata.ErrNotFound.
type RangeReader interface {
	ReadRanges(ctx context.Context, collectionID string, opts ReadOptions) (*RangePage, error)
}

// RangeReaderFunc adapts a function to RangeReader.
type RangeReaderFunc func(ctx context.Context, collectionID string, opts ReadOptions) (*RangePage, error)

func (f RangeReaderFunc) ReadRanges(ctx context.Context, collectionID string, opts ReadOptions) (*RangePage, error) {
	return f(ctx, collectionID, opts)
}
