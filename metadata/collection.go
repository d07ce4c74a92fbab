// Package metadata holds the records shared by the metadata caches and the
// services that fill them: collections, partition key ranges and the
// resource addresses used to name them.
package metadata

// Collection is the metadata of a container resource. ID is assigned by the
// backend and never changes; Database and Name are the mutable logical name.
type Collection struct {
	ID                string   `yaml:"id" msgpack:"id"`
	Database          string   `yaml:"database" msgpack:"db"`
	Name              string   `yaml:"name" msgpack:"name"`
	PartitionKeyPaths []string `yaml:"partitionKey,omitempty" msgpack:"pk,omitempty"`
	ETag              string   `yaml:"etag,omitempty" msgpack:"etag,omitempty"`
}

// Path returns the name-based address of the collection.
func (c *Collection) Path() string {
	return CollectionAddress(c.Database, c.Name)
}

// SameCollection reports whether two collection records refer to the same
// backend resource. Two nil records are the same; a nil and a non-nil are not.
func SameCollection(a, b *Collection) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// RangeIdentity is an explicit routing hint: the collection and partition key
// range a request was previously routed to.
type RangeIdentity struct {
	CollectionID string
	RangeID      string
}
