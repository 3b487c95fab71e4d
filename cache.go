// Package txcache is an HTTP-semantics-aware response cache. It sits between
// an HTTP client and the network and decides per request whether to answer
// from storage, revalidate with the origin, or fetch fresh content, while
// concurrent requests for the same resource share one entry and one fetch.
package txcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/transaction-cache/pkg/cachekey"
	"github.com/always-cache/transaction-cache/pkg/entrystore"
	"github.com/always-cache/transaction-cache/pkg/respmeta"
)

// Mode is the global cache mode.
type Mode int32

const (
	// ModeNormal is the ordinary caching behavior.
	ModeNormal Mode = iota
	// ModeDisable makes every transaction network-only; the entry store is
	// never touched.
	ModeDisable
)

// Config configures a Cache.
type Config struct {
	// OpenStore creates the entry store. It runs once, in the background;
	// transactions queue on the result and fall back to network-only
	// handling if it fails.
	OpenStore func() (entrystore.Store, error)
	// Transport performs network round trips.
	// http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Clock overrides the wall clock, for tests.
	Clock func() time.Time
}

// Cache is the externally visible entry point: it creates transactions and
// owns the entry store and the per-key coordination state.
type Cache struct {
	log       zerolog.Logger
	transport http.RoundTripper
	clock     func() time.Time
	coord     *coordinator
	mode      atomic.Int32

	backendReady chan struct{}
	store        entrystore.Store
	storeErr     error
}

// New initializes a cache instance. The entry store opens in the background;
// transactions created before it is ready queue on it.
func New(config Config) *Cache {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &Cache{
		log:          logger,
		transport:    transport,
		clock:        clock,
		coord:        newCoordinator(logger),
		backendReady: make(chan struct{}),
	}

	opener := config.OpenStore
	if opener == nil {
		opener = func() (entrystore.Store, error) {
			return entrystore.NewMemory(entrystore.MemoryConfig{}), nil
		}
	}
	go func() {
		c.store, c.storeErr = opener()
		if c.storeErr != nil {
			c.log.Error().Err(c.storeErr).Msg("Entry store failed to open")
		}
		close(c.backendReady)
	}()

	return c
}

// NewTransaction creates a transaction bound to this cache. Each transaction
// serves exactly one request.
func (c *Cache) NewTransaction() *Transaction {
	return &Transaction{cache: c, log: c.log}
}

// Backend returns the entry store, queueing the caller until the background
// open has resolved.
func (c *Cache) Backend(ctx context.Context) (entrystore.Store, error) {
	select {
	case <-c.backendReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.storeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheOpenFailure, c.storeErr)
	}
	return c.store, nil
}

// SetMode switches the global cache mode.
func (c *Cache) SetMode(m Mode) {
	c.mode.Store(int32(m))
}

// CurrentMode returns the global cache mode.
func (c *Cache) CurrentMode() Mode {
	return Mode(c.mode.Load())
}

// Doom removes the stored entry for a URL. In-flight readers finish on their
// own handles; the next request for the key starts fresh.
func (c *Cache) Doom(ctx context.Context, u *url.URL) error {
	store, err := c.Backend(ctx)
	if err != nil {
		return err
	}
	return c.coord.doom(ctx, store, cachekey.ForURL(u))
}

// WriteMetadata stores an out-of-band metadata blob on the entry for a URL.
// It is a no-op unless expectedResponseTime matches the response time of the
// currently stored entry, so a blob meant for a since-replaced response can
// never attach to its successor.
func (c *Cache) WriteMetadata(ctx context.Context, u *url.URL, expectedResponseTime time.Time, blob []byte) error {
	store, err := c.Backend(ctx)
	if err != nil {
		return err
	}
	tx := c.NewTransaction()
	ae, err := c.coord.acquire(ctx, store, cachekey.ForURL(u), tx, acquireOpenOnly)
	if err != nil {
		if err == entrystore.ErrNotFound {
			return nil
		}
		return err
	}
	defer c.coord.finishWriter(ae, tx, true)

	info, err := readEntryInfo(ctx, ae.entry)
	if err != nil {
		return nil
	}
	if !info.ResponseTime.Equal(expectedResponseTime) {
		return nil
	}
	if _, err := ae.entry.WriteData(ctx, entrystore.UserStream, 0, blob, true); err != nil {
		return fmt.Errorf("write user metadata: %w", err)
	}
	return nil
}

// ReadMetadata returns the out-of-band metadata blob stored for a URL, or
// nil when the entry has none.
func (c *Cache) ReadMetadata(ctx context.Context, u *url.URL) ([]byte, error) {
	store, err := c.Backend(ctx)
	if err != nil {
		return nil, err
	}
	tx := c.NewTransaction()
	ae, err := c.coord.acquire(ctx, store, cachekey.ForURL(u), tx, acquireOpenOnly)
	if err != nil {
		if err == entrystore.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer c.coord.finishWriter(ae, tx, true)

	size := ae.entry.DataSize(entrystore.UserStream)
	if size == 0 {
		return nil, nil
	}
	blob := make([]byte, size)
	if _, err := ae.entry.ReadData(ctx, entrystore.UserStream, 0, blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheReadFailure, err)
	}
	return blob, nil
}

// Close releases the entry store.
func (c *Cache) Close() error {
	<-c.backendReady
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

func readEntryInfo(ctx context.Context, entry entrystore.Entry) (*respmeta.Info, error) {
	size := entry.DataSize(entrystore.MetadataStream)
	if size == 0 {
		return nil, fmt.Errorf("%w: no metadata", ErrCacheReadFailure)
	}
	buf := make([]byte, size)
	if _, err := entry.ReadData(ctx, entrystore.MetadataStream, 0, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheReadFailure, err)
	}
	return respmeta.Decode(buf)
}
