package metadata

const (
	// MinimumInclusiveEffectivePartitionKey is the lowest point of the key space.
	MinimumInclusiveEffectivePartitionKey = ""
	// MaximumExclusiveEffectivePartitionKey is the upper bound of the key space.
	MaximumExclusiveEffectivePartitionKey = "FF"
)

// PartitionKeyRange is a contiguous slice [MinInclusive, MaxExclusive) of a
// collection's effective partition key space. Parents lists the ranges this
// one replaced when they were split or merged.
type PartitionKeyRange struct {
	ID           string   `yaml:"id" msgpack:"id"`
	MinInclusive string   `yaml:"min" msgpack:"min"`
	MaxExclusive string   `yaml:"max" msgpack:"max"`
	Parents      []string `yaml:"parents,omitempty" msgpack:"parents,omitempty"`
}

// Contains reports whether the effective partition key falls in the range.
func (r PartitionKeyRange) Contains(epk string) bool {
	return r.MinInclusive <= epk && epk < r.MaxExclusive
}

// IsFullRange reports whether the range covers the whole key space.
func (r PartitionKeyRange) IsFullRange() bool {
	return r.MinInclusive == MinimumInclusiveEffectivePartitionKey &&
		r.MaxExclusive == MaximumExclusiveEffectivePartitionKey
}
