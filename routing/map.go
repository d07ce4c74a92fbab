package routing

import (
	"sort"
	"strings"

	"github.com/agentuity/go-metacache/metadata"
	"github.com/cockroachdb/errors"
)

// ErrIncompleteTopology is matched by errors from building a Map out of
// ranges that do not cover the key space exactly once.
var ErrIncompleteTopology = errors.New("partition key ranges do not form a complete topology")

// Map is the routing table of one collection: partition key ranges sorted by
// lower bound, gapless, non-overlapping and covering ["", "FF"). A Map is
// never modified after construction; refreshing a collection builds a new
// one.
type Map struct {
	collectionID string
	ranges       []metadata.PartitionKeyRange
	byID         map[string]int
	gone         map[string]struct{}
	token        string
}

// NewCompleteMap validates ranges and builds a Map from them. Ranges named as
// a parent by another range in the set are considered gone and are dropped
// first. changeFeedToken is the token to continue reading topology changes
// from.
func NewCompleteMap(collectionID string, ranges []metadata.PartitionKeyRange, changeFeedToken string) (*Map, error) {
	gone := make(map[string]struct{})
	for _, r := range ranges {
		for _, parent := range r.Parents {
			gone[parent] = struct{}{}
		}
	}
	return build(collectionID, ranges, gone, changeFeedToken)
}

func build(collectionID string, ranges []metadata.PartitionKeyRange, gone map[string]struct{}, token string) (*Map, error) {
	live := make([]metadata.PartitionKeyRange, 0, len(ranges))
	byID := make(map[string]int, len(ranges))
	for _, r := range ranges {
		if _, ok := gone[r.ID]; ok {
			continue
		}
		if _, dup := byID[r.ID]; dup {
			return nil, errors.Mark(errors.Newf("collection %s: duplicate partition key range %s", collectionID, r.ID), ErrIncompleteTopology)
		}
		byID[r.ID] = -1
		live = append(live, r)
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].MinInclusive < live[j].MinInclusive
	})
	if err := validateCover(live); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "collection %s", collectionID), ErrIncompleteTopology)
	}
	for i, r := range live {
		byID[r.ID] = i
	}
	return &Map{
		collectionID: collectionID,
		ranges:       live,
		byID:         byID,
		gone:         gone,
		token:        token,
	}, nil
}

func validateCover(sorted []metadata.PartitionKeyRange) error {
	if len(sorted) == 0 {
		return errors.New("no partition key ranges")
	}
	if first := sorted[0]; first.MinInclusive != metadata.MinimumInclusiveEffectivePartitionKey {
		return errors.Newf("range %s starts at %q, leaving the start of the key space uncovered", first.ID, first.MinInclusive)
	}
	for i, r := range sorted {
		if r.MinInclusive >= r.MaxExclusive {
			return errors.Newf("range %s [%q,%q) is empty", r.ID, r.MinInclusive, r.MaxExclusive)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		switch {
		case prev.MaxExclusive < r.MinInclusive:
			return errors.Newf("gap [%q,%q) between ranges %s and %s", prev.MaxExclusive, r.MinInclusive, prev.ID, r.ID)
		case prev.MaxExclusive > r.MinInclusive:
			return errors.Newf("ranges %s and %s overlap at %q", prev.ID, r.ID, r.MinInclusive)
		}
	}
	if last := sorted[len(sorted)-1]; last.MaxExclusive != metadata.MaximumExclusiveEffectivePartitionKey {
		return errors.Newf("range %s ends at %q, leaving the end of the key space uncovered", last.ID, last.MaxExclusive)
	}
	return nil
}

// TryCombine applies ranges read from the change feed on top of m: every
// range they name as a parent is removed, then they are added. The result is
// a new Map; m is unchanged. It fails with ErrIncompleteTopology when the
// combination is not a complete cover, typically because the feed page did
// not include every child of a split.
func (m *Map) TryCombine(ranges []metadata.PartitionKeyRange, changeFeedToken string) (*Map, error) {
	gone := make(map[string]struct{}, len(m.gone))
	for id := range m.gone {
		gone[id] = struct{}{}
	}
	for _, r := range ranges {
		for _, parent := range r.Parents {
			gone[parent] = struct{}{}
		}
	}
	merged := make(map[string]metadata.PartitionKeyRange, len(m.ranges)+len(ranges))
	for _, r := range m.ranges {
		merged[r.ID] = r
	}
	for _, r := range ranges {
		merged[r.ID] = r
	}
	all := make([]metadata.PartitionKeyRange, 0, len(merged))
	for _, r := range merged {
		all = append(all, r)
	}
	return build(m.collectionID, all, gone, changeFeedToken)
}

// CollectionID returns the collection the map routes for.
func (m *Map) CollectionID() string {
	return m.collectionID
}

// ChangeFeedToken returns the token to read subsequent topology changes from.
func (m *Map) ChangeFeedToken() string {
	return m.token
}

// Len returns the number of live ranges.
func (m *Map) Len() int {
	return len(m.ranges)
}

// Ranges returns a copy of the live ranges in key order.
func (m *Map) Ranges() []metadata.PartitionKeyRange {
	return append([]metadata.PartitionKeyRange(nil), m.ranges...)
}

// RangeByID returns the live range with the given id.
func (m *Map) RangeByID(id string) (metadata.PartitionKeyRange, bool) {
	i, ok := m.byID[id]
	if !ok {
		return metadata.PartitionKeyRange{}, false
	}
	return m.ranges[i], true
}

// IsGone reports whether id names a range that was split or merged away.
func (m *Map) IsGone(id string) bool {
	_, ok := m.gone[id]
	return ok
}

// RangeByEffectivePartitionKey returns the range that owns epk. Keys outside
// the key space have no owner.
func (m *Map) RangeByEffectivePartitionKey(epk string) (metadata.PartitionKeyRange, bool) {
	if epk >= metadata.MaximumExclusiveEffectivePartitionKey {
		return metadata.PartitionKeyRange{}, false
	}
	i := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].MaxExclusive > epk
	})
	if i == len(m.ranges) {
		return metadata.PartitionKeyRange{}, false
	}
	return m.ranges[i], true
}

// Overlapping returns every range sharing at least one key with q, in key
// order.
func (m *Map) Overlapping(q KeyRange) []metadata.PartitionKeyRange {
	if q.IsEmpty() {
		return nil
	}
	start := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].MaxExclusive > q.Min
	})
	var out []metadata.PartitionKeyRange
	for _, r := range m.ranges[start:] {
		if !q.Overlaps(r) {
			break
		}
		out = append(out, r)
	}
	return out
}

func (m *Map) String() string {
	ids := make([]string, len(m.ranges))
	for i, r := range m.ranges {
		ids[i] = r.ID
	}
	return m.collectionID + "{" + strings.Join(ids, ",") + "}"
}
