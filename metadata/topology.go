package metadata

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Topology is a set of collections and their partition key ranges, used to
// seed a metadata service.
type Topology struct {
	Collections []TopologyCollection `yaml:"collections"`
}

// TopologyCollection is a collection with its initial ranges. A collection
// without ranges owns the whole key space as a single range "0".
type TopologyCollection struct {
	Collection `yaml:",inline"`
	Ranges     []PartitionKeyRange `yaml:"ranges,omitempty"`
}

// InitialRanges returns the ranges to seed the collection with.
func (c TopologyCollection) InitialRanges() []PartitionKeyRange {
	if len(c.Ranges) == 0 {
		return []PartitionKeyRange{{
			ID:           "0",
			MinInclusive: MinimumInclusiveEffectivePartitionKey,
			MaxExclusive: MaximumExclusiveEffectivePartitionKey,
		}}
	}
	return c.Ranges
}

// ParseTopology decodes and validates a YAML topology document.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "error decoding topology")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTopology reads a YAML topology from a file.
func LoadTopology(filename string) (*Topology, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading topology %s", filename)
	}
	t, err := ParseTopology(data)
	if err != nil {
		return nil, errors.Wrapf(err, "topology %s", filename)
	}
	return t, nil
}

// Validate checks that every collection has an id, a database and a name, and
// that ids, paths and range ids are unique.
func (t *Topology) Validate() error {
	ids := make(map[string]bool)
	paths := make(map[string]bool)
	for i, c := range t.Collections {
		if c.ID == "" || c.Database == "" || c.Name == "" {
			return errors.Newf("collection %d: id, database and name are required", i)
		}
		if ids[c.ID] {
			return errors.Newf("duplicate collection id %s", c.ID)
		}
		ids[c.ID] = true
		if paths[c.Path()] {
			return errors.Newf("duplicate collection %s", c.Path())
		}
		paths[c.Path()] = true
		rangeIDs := make(map[string]bool)
		for _, r := range c.Ranges {
			if r.ID == "" {
				return errors.Newf("collection %s: range without id", c.ID)
			}
			if rangeIDs[r.ID] {
				return errors.Newf("collection %s: duplicate range id %s", c.ID, r.ID)
			}
			rangeIDs[r.ID] = true
		}
	}
	return nil
}
