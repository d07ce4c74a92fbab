package metadata

import "github.com/cockroachdb/errors"

// ErrNotFound is matched by every fetch error that reports the requested
// resource does not exist on the backing service.
var ErrNotFound = errors.New("resource not found")

// NotFound returns an error that matches ErrNotFound.
func NotFound(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// IsNotFound reports whether err is, or wraps, a not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
