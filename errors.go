package txcache

import "errors"

var (
	// ErrCacheMiss is returned when LoadOnlyFromCache finds nothing usable.
	// It never falls back to the network.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheOpenFailure indicates the entry store could not open an
	// existing entry. Transactions recover by going network-only.
	ErrCacheOpenFailure = errors.New("cache open failure")

	// ErrCacheCreateFailure indicates the entry store could not create an
	// entry. Transactions recover by going network-only.
	ErrCacheCreateFailure = errors.New("cache create failure")

	// ErrCacheReadFailure indicates corrupt or unreadable stored data was
	// hit after the transaction had committed to reading from cache.
	ErrCacheReadFailure = errors.New("cache read failure")

	// ErrInvalidRange indicates a malformed or unsatisfiable range request.
	// The stored entry is left untouched.
	ErrInvalidRange = errors.New("invalid byte range")

	// ErrBadContentRange indicates the server declared a range or total
	// length inconsistent with what is known about the resource.
	ErrBadContentRange = errors.New("inconsistent content range")
)
