package metadata

import (
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	databasesSegment   = "dbs"
	collectionsSegment = "colls"
)

// ErrInvalidAddress is matched by errors from address parsing.
var ErrInvalidAddress = errors.New("invalid resource address")

// CollectionAddress builds the name-based address dbs/{database}/colls/{name}.
func CollectionAddress(database, name string) string {
	return databasesSegment + "/" + database + "/" + collectionsSegment + "/" + name
}

// IsNameBased reports whether a resource address names its collection by
// database and collection name rather than by collection id.
func IsNameBased(address string) bool {
	return strings.HasPrefix(strings.Trim(address, "/"), databasesSegment+"/")
}

// CollectionPath trims a name-based address of any resource inside a
// collection (documents, stored procedures, ...) down to the collection's own
// address.
func CollectionPath(address string) (string, error) {
	database, name, err := ParseCollectionPath(address)
	if err != nil {
		return "", err
	}
	return CollectionAddress(database, name), nil
}

// ParseCollectionPath returns the database and collection names of a
// name-based address.
func ParseCollectionPath(address string) (database string, name string, err error) {
	segments := strings.Split(strings.Trim(address, "/"), "/")
	if len(segments) < 4 || segments[0] != databasesSegment || segments[2] != collectionsSegment {
		return "", "", errors.Mark(errors.Newf("%q is not a collection address", address), ErrInvalidAddress)
	}
	if segments[1] == "" || segments[3] == "" {
		return "", "", errors.Mark(errors.Newf("%q has an empty database or collection name", address), ErrInvalidAddress)
	}
	return segments[1], segments[3], nil
}
