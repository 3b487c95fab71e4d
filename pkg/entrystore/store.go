// Package entrystore defines the blob store consumed by the cache layer:
// named entries with independent data streams, of which the body stream can
// be used in sparse (byte-range) mode.
//
// The cache layer treats every operation as potentially suspending; that is
// rendered here as blocking calls that honor context cancellation, so a
// caller's goroutine is the suspended transaction. Implementations must be
// safe for concurrent use; the cache layer guarantees that writes to a
// single entry are serialized by writer-exclusivity.
package entrystore

import (
	"context"
	"errors"
)

// Streams of an entry. Stream 0 holds serialized response metadata, stream 1
// the body bytes (possibly sparse), stream 2 out-of-band caller metadata.
const (
	MetadataStream = 0
	BodyStream     = 1
	UserStream     = 2

	NumStreams = 3
)

var (
	// ErrNotFound is returned by OpenEntry when no live entry exists.
	ErrNotFound = errors.New("entry not found")

	// ErrConflict is returned by CreateEntry when a live entry already
	// exists for the key.
	ErrConflict = errors.New("entry already exists")

	// ErrNotSparse is returned by sparse operations on an entry whose body
	// was written as a contiguous stream.
	ErrNotSparse = errors.New("entry body is not sparse")
)

// Store is a named, multi-stream blob store keyed by canonical cache key.
// It owns physical storage and eviction; the cache layer owns semantics.
type Store interface {
	// OpenEntry returns a handle to the live entry for key, or ErrNotFound.
	OpenEntry(ctx context.Context, key string) (Entry, error)
	// CreateEntry creates a fresh entry for key. A doomed entry of the same
	// key may still exist and remain readable through its open handles.
	CreateEntry(ctx context.Context, key string) (Entry, error)
	// DoomEntry dooms the live entry for key, if any.
	DoomEntry(ctx context.Context, key string) error
	// Close releases the store.
	Close() error
}

// Entry is an open handle to one stored entry. Handles outlive dooming: a
// doomed entry stays readable until the handle is closed.
type Entry interface {
	Key() string
	// DataSize returns the length of a stream in bytes.
	DataSize(stream int) int64
	ReadData(ctx context.Context, stream int, off int64, p []byte) (int, error)
	// WriteData writes at off; truncate cuts the stream after the write.
	WriteData(ctx context.Context, stream int, off int64, p []byte, truncate bool) (int, error)
	// ReadSparse reads contiguously available body bytes at off. It returns
	// 0 when no data is present at off.
	ReadSparse(ctx context.Context, off int64, p []byte) (int, error)
	// WriteSparse stores body bytes at off, switching the body to sparse
	// mode. It fails with ErrNotSparse if contiguous body data exists.
	WriteSparse(ctx context.Context, off int64, p []byte) (int, error)
	// AvailableRange returns the first stored sub-range within
	// [off, off+max), as (start, length). Length 0 means a gap until the
	// end of the queried window.
	AvailableRange(ctx context.Context, off, max int64) (start, n int64, err error)
	// Sparse reports whether the body holds sparse data.
	Sparse() bool
	// Doom marks the entry for removal once the handle closes. New opens of
	// the key no longer see it.
	Doom()
	Close()
}
