// Package backend holds what the metadata service implementations share: the
// change-feed token format, paging of the partition key range feed and range
// splitting.
//
// A collection's ranges are kept as an append-only feed. Splitting a range
// appends its two children, each naming the split range as parent, so a
// reader that remembers how far it read (the change-feed token) can fetch
// only what changed. Replacing the ranges of a collection wholesale starts a
// new epoch, which invalidates every token and continuation issued before it.
package backend

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentuity/go-metacache/metadata"
	"github.com/agentuity/go-metacache/routing"
	"github.com/cockroachdb/errors"
)

// ErrInvalidContinuation is returned for a continuation the feed did not issue.
var ErrInvalidContinuation = errors.New("invalid continuation")

// Token returns the change-feed token for a feed of length n in epoch.
func Token(epoch int64, n int) string {
	return fmt.Sprintf("e%d.%d", epoch, n)
}

// ParseToken splits a change-feed token into its epoch and feed length.
func ParseToken(token string) (epoch int64, n int, ok bool) {
	rest, found := strings.CutPrefix(token, "e")
	if !found {
		return 0, 0, false
	}
	e, l, found := strings.Cut(rest, ".")
	if !found {
		return 0, 0, false
	}
	epoch, err := strconv.ParseInt(e, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	n, err = strconv.Atoi(l)
	if err != nil || n < 0 {
		return 0, 0, false
	}
	return epoch, n, true
}

// FeedStart returns the feed position to read from for a reader that last saw
// ifNoneMatch. Tokens from another epoch, or from the future, read it all.
func FeedStart(ifNoneMatch string, epoch int64, length int) int {
	e, n, ok := ParseToken(ifNoneMatch)
	if !ok || e != epoch || n > length {
		return 0
	}
	return n
}

// PageBounds returns the half-open slice [from, to) of the feed to return for
// a page, and the continuation for the next one (empty on the last page).
// Continuations carry the epoch they were issued in; one from an earlier
// epoch fails with an error matching both ErrInvalidContinuation and
// routing.ErrIncompleteTopology, so the reader starts over.
func PageBounds(epoch int64, start, length int, continuation string, pageSize int) (from, to int, next string, err error) {
	from = start
	if continuation != "" {
		e, n, ok := ParseToken(continuation)
		if !ok {
			return 0, 0, "", errors.Wrapf(ErrInvalidContinuation, "%q", continuation)
		}
		if e != epoch {
			return 0, 0, "", errors.Mark(
				errors.Wrapf(ErrInvalidContinuation, "%q is from epoch %d, the feed is at epoch %d", continuation, e, epoch),
				routing.ErrIncompleteTopology)
		}
		if n < start || n > length {
			return 0, 0, "", errors.Wrapf(ErrInvalidContinuation, "%q", continuation)
		}
		from = n
	}
	to = length
	if pageSize > 0 && from+pageSize < length {
		to = from + pageSize
		next = Token(epoch, to)
	}
	return from, to, next, nil
}

// Page returns one page of feed.
func Page(feed []metadata.PartitionKeyRange, epoch int64, start int, continuation string, pageSize int) ([]metadata.PartitionKeyRange, string, error) {
	from, to, next, err := PageBounds(epoch, start, len(feed), continuation, pageSize)
	if err != nil {
		return nil, "", err
	}
	page := make([]metadata.PartitionKeyRange, to-from)
	copy(page, feed[from:to])
	return page, next, nil
}

// LiveRanges returns the ranges of feed that no later range replaced.
func LiveRanges(feed []metadata.PartitionKeyRange) []metadata.PartitionKeyRange {
	gone := make(map[string]bool)
	for _, r := range feed {
		for _, p := range r.Parents {
			gone[p] = true
		}
	}
	var live []metadata.PartitionKeyRange
	for _, r := range feed {
		if !gone[r.ID] {
			live = append(live, r)
		}
	}
	return live
}

// SplitRange returns the two ranges that replace the live range rangeID when
// it is split at the effective partition key at. Children get the next free
// numeric ids of the feed.
func SplitRange(feed []metadata.PartitionKeyRange, rangeID, at string) ([]metadata.PartitionKeyRange, error) {
	var parent *metadata.PartitionKeyRange
	for _, r := range LiveRanges(feed) {
		if r.ID == rangeID {
			parent = &r
			break
		}
	}
	if parent == nil {
		return nil, metadata.NotFound("no live range %s", rangeID)
	}
	if at <= parent.MinInclusive || at >= parent.MaxExclusive {
		return nil, errors.Newf("split point %q is not inside range %s [%q, %q)", at, rangeID, parent.MinInclusive, parent.MaxExclusive)
	}
	next := 0
	for _, r := range feed {
		if id, err := strconv.Atoi(r.ID); err == nil && id >= next {
			next = id + 1
		}
	}
	return []metadata.PartitionKeyRange{
		{ID: strconv.Itoa(next), MinInclusive: parent.MinInclusive, MaxExclusive: at, Parents: []string{rangeID}},
		{ID: strconv.Itoa(next + 1), MinInclusive: at, MaxExclusive: parent.MaxExclusive, Parents: []string{rangeID}},
	}, nil
}
