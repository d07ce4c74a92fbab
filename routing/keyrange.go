package routing

import "github.com/agentuity/go-metacache/metadata"

// KeyRange is a query range over effective partition keys. The zero value
// of the inclusivity flags gives the half-open range (Min, Max); use
// NewKeyRange for the usual [Min, Max).
type KeyRange struct {
	Min            string
	Max            string
	IsMinInclusive bool
	IsMaxInclusive bool
}

// NewKeyRange returns [min, max).
func NewKeyRange(min, max string) KeyRange {
	return KeyRange{Min: min, Max: max, IsMinInclusive: true}
}

// FullRange returns the whole effective partition key space.
func FullRange() KeyRange {
	return NewKeyRange(metadata.MinimumInclusiveEffectivePartitionKey, metadata.MaximumExclusiveEffectivePartitionKey)
}

// PointRange returns [epk, epk].
func PointRange(epk string) KeyRange {
	return KeyRange{Min: epk, Max: epk, IsMinInclusive: true, IsMaxInclusive: true}
}

// IsEmpty reports whether no key can fall in the range.
func (k KeyRange) IsEmpty() bool {
	if k.Min > k.Max {
		return true
	}
	return k.Min == k.Max && !(k.IsMinInclusive && k.IsMaxInclusive)
}

// Overlaps reports whether the query range shares at least one key with the
// partition key range [MinInclusive, MaxExclusive).
func (k KeyRange) Overlaps(r metadata.PartitionKeyRange) bool {
	if k.IsEmpty() {
		return false
	}
	if k.Min >= r.MaxExclusive {
		return false
	}
	if k.IsMaxInclusive {
		return r.MinInclusive <= k.Max
	}
	return r.MinInclusive < k.Max
}

func (k KeyRange) String() string {
	lo, hi := "(", ")"
	if k.IsMinInclusive {
		lo = "["
	}
	if k.IsMaxInclusive {
		hi = "]"
	}
	return lo + k.Min + "," + k.Max + hi
}
