package collection

import (
	"github.com/agentuity/go-metacache/metadata"
	"github.com/google/uuid"
)

// Request is the part of an operation that collection resolution reads and
// updates. One Request follows one logical operation across its retries, so
// the id resolved on the first attempt is reused by the next ones.
type Request struct {
	// ResourceAddress is a collection path (dbs/{db}/colls/{name}, possibly
	// followed by a child resource) or a collection id.
	ResourceAddress string
	// NameBased is true when ResourceAddress names the collection.
	NameBased bool
	// ResolvedCollectionID memoizes the collection id for the operation.
	ResolvedCollectionID string
	// RoutingHint, when set with a collection id, routes the request to that
	// collection directly.
	RoutingHint *metadata.RangeIdentity
	// ForceNameCacheRefresh makes the next resolution refresh the name
	// mapping first. Resolution clears it.
	ForceNameCacheRefresh bool
	// ActivityID correlates the log lines of one operation.
	ActivityID string
}

// NewRequest returns a request for address, detecting whether it is name
// based, with a fresh activity id.
func NewRequest(address string) *Request {
	return &Request{
		ResourceAddress: address,
		NameBased:       metadata.IsNameBased(address),
		ActivityID:      uuid.NewString(),
	}
}

// WithRoutingHint sets an explicit collection and range to route to.
func (r *Request) WithRoutingHint(collectionID, rangeID string) *Request {
	r.RoutingHint = &metadata.RangeIdentity{CollectionID: collectionID, RangeID: rangeID}
	return r
}

func (r *Request) hasRoutingHint() bool {
	return r.RoutingHint != nil && r.RoutingHint.CollectionID != ""
}
