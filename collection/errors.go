package collection

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrStaleRouting is matched by a *StaleRoutingError.
var ErrStaleRouting = errors.New("routing information is stale")

// StaleRoutingError reports that a request routed with an explicit
// collection and partition key range hint found the collection gone. The
// caller's routing information is outdated: refresh the collection and
// retry, rather than treat the collection as missing.
type StaleRoutingError struct {
	CollectionID string
	RangeID      string
	cause        error
}

func (e *StaleRoutingError) Error() string {
	return fmt.Sprintf("stale routing for collection %s range %s: %v", e.CollectionID, e.RangeID, e.cause)
}

func (e *StaleRoutingError) Unwrap() error {
	return e.cause
}

// Is lets errors.Is(err, ErrStaleRouting) match.
func (e *StaleRoutingError) Is(target error) bool {
	return target == ErrStaleRouting
}

// IsStaleRouting reports whether err is, or wraps, a stale routing condition.
func IsStaleRouting(err error) bool {
	return errors.Is(err, ErrStaleRouting)
}
