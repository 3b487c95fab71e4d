package txcache

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/always-cache/transaction-cache/pkg/entrystore"
)

// errRestart tells a queued transaction that the entry it was waiting for
// became unusable (writer failed or entry doomed mid-write) and it must
// re-acquire from scratch, creating a fresh generation if needed.
var errRestart = errors.New("active entry restarted")

// activeEntry arbitrates access to the single store handle open for a cache
// key: one writer populating or validating, any number of readers consuming
// committed data, and a FIFO queue of transactions waiting for the writer.
//
// A transaction always enters through the exclusive writer slot, inspects
// the stored metadata there, and either stays writer (miss, validation,
// bypass) or downgrades to reader (hit), releasing the slot to the next
// queued transaction before it starts streaming the body.
type activeEntry struct {
	key        string
	generation uint64
	entry      entrystore.Entry
	created    bool
	opening    bool
	doomed     bool
	writer     *Transaction
	readers    map[*Transaction]struct{}
	pending    []*entryWaiter
}

type entryWaiter struct {
	tx *Transaction
	ch chan error
}

// coordinator owns the key to active-entry mapping. Dooming bumps the
// generation: the doomed entry leaves the map immediately so a new
// acquisition gets a fresh entry while existing borrowers keep their handle.
type coordinator struct {
	mu      sync.Mutex
	entries map[string]*activeEntry
	nextGen uint64
	log     zerolog.Logger
}

func newCoordinator(log zerolog.Logger) *coordinator {
	return &coordinator{
		entries: make(map[string]*activeEntry),
		log:     log,
	}
}

type acquireMode int

const (
	acquireDefault acquireMode = iota
	// acquireOpenOnly never creates a missing entry (only-from-cache).
	acquireOpenOnly
	// acquireCreateOnly always creates a fresh entry (cache bypass).
	acquireCreateOnly
)

// acquire gives tx the exclusive writer slot of the active entry for key,
// opening or creating the store entry if this is the first acquisition.
// It suspends while another transaction holds the slot.
func (c *coordinator) acquire(ctx context.Context, store entrystore.Store, key string, tx *Transaction, mode acquireMode) (*activeEntry, error) {
	for {
		c.mu.Lock()
		ae, ok := c.entries[key]
		if !ok {
			c.nextGen++
			ae = &activeEntry{
				key:        key,
				generation: c.nextGen,
				opening:    true,
				writer:     tx,
				readers:    make(map[*Transaction]struct{}),
			}
			c.entries[key] = ae
			c.mu.Unlock()
			return c.openEntry(ctx, store, ae, mode)
		}
		if ae.writer == nil {
			// No writer to wait for; take the slot alongside any readers.
			ae.writer = tx
			c.mu.Unlock()
			return ae, nil
		}
		waiter := &entryWaiter{tx: tx, ch: make(chan error, 1)}
		ae.pending = append(ae.pending, waiter)
		c.mu.Unlock()

		c.log.Trace().Str("key", key).Msg("Transaction queued behind writer")
		select {
		case err := <-waiter.ch:
			if err == errRestart {
				continue
			}
			if err != nil {
				return nil, err
			}
			return ae, nil
		case <-ctx.Done():
			c.removeWaiter(ae, waiter)
			return nil, ctx.Err()
		}
	}
}

// openEntry resolves the store handle for a freshly created activeEntry.
// On failure every queued transaction is notified so it can fall back to
// network-only handling, and the active entry is torn down.
func (c *coordinator) openEntry(ctx context.Context, store entrystore.Store, ae *activeEntry, mode acquireMode) (*activeEntry, error) {
	var handle entrystore.Entry
	var err error
	created := false
	switch mode {
	case acquireOpenOnly:
		handle, err = store.OpenEntry(ctx, ae.key)
	case acquireCreateOnly:
		handle, err = store.CreateEntry(ctx, ae.key)
		created = true
	default:
		handle, err = store.OpenEntry(ctx, ae.key)
		if err == entrystore.ErrNotFound {
			handle, err = store.CreateEntry(ctx, ae.key)
			created = true
		}
	}
	if err != nil {
		c.mu.Lock()
		waiters := ae.pending
		ae.pending = nil
		ae.writer = nil
		if c.entries[ae.key] == ae {
			delete(c.entries, ae.key)
		}
		c.mu.Unlock()
		failure := ErrCacheOpenFailure
		if created {
			failure = ErrCacheCreateFailure
		}
		if err == entrystore.ErrNotFound {
			failure = err
		}
		for _, w := range waiters {
			w.ch <- failure
		}
		if err == entrystore.ErrNotFound {
			return nil, entrystore.ErrNotFound
		}
		c.log.Debug().Err(err).Str("key", ae.key).Msg("Could not open cache entry")
		return nil, failure
	}

	c.mu.Lock()
	ae.entry = handle
	ae.created = created
	ae.opening = false
	if ae.doomed {
		// Doomed while opening; the handle belongs to the dead generation.
		handle.Doom()
	}
	c.mu.Unlock()
	return ae, nil
}

// becomeReader downgrades tx from the writer slot to a reader, promoting the
// next queued transaction before tx starts streaming the body.
func (c *coordinator) becomeReader(ae *activeEntry, tx *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ae.writer == tx {
		ae.writer = nil
		ae.readers[tx] = struct{}{}
		c.promoteLocked(ae)
	}
}

// finishWriter releases the writer slot. On success the next queued
// transaction takes the slot and will observe the now-committed data. On
// failure all queued transactions are told to restart from scratch, since
// the entry they were waiting for no longer holds usable data.
func (c *coordinator) finishWriter(ae *activeEntry, tx *Transaction, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ae.writer != tx {
		return
	}
	ae.writer = nil
	if success {
		// The entry holds committed data now; promoted transactions must
		// judge it by its metadata, not by who created it.
		ae.created = false
		c.promoteLocked(ae)
	} else {
		waiters := ae.pending
		ae.pending = nil
		for _, w := range waiters {
			w.ch <- errRestart
		}
	}
	c.maybeDestroyLocked(ae)
}

// releaseReader removes tx from the readers of ae.
func (c *coordinator) releaseReader(ae *activeEntry, tx *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(ae.readers, tx)
	c.maybeDestroyLocked(ae)
}

// doom marks the active entry for key as dead and detaches it from the map,
// so the next acquisition creates a fresh generation immediately instead of
// blocking behind in-flight readers of stale data. Without an active entry
// the store is doomed directly.
func (c *coordinator) doom(ctx context.Context, store entrystore.Store, key string) error {
	c.mu.Lock()
	ae, ok := c.entries[key]
	if ok {
		ae.doomed = true
		delete(c.entries, key)
		handle := ae.entry
		c.mu.Unlock()
		metricDoomedEntries.Inc()
		if handle != nil {
			handle.Doom()
		}
		return nil
	}
	c.mu.Unlock()
	metricDoomedEntries.Inc()
	return store.DoomEntry(ctx, key)
}

// doomActive dooms the entry tx currently holds, keeping existing borrowers
// readable. Used when a response forbids keeping the stored data.
func (c *coordinator) doomActive(ae *activeEntry) {
	c.mu.Lock()
	if c.entries[ae.key] == ae {
		delete(c.entries, ae.key)
	}
	ae.doomed = true
	handle := ae.entry
	c.mu.Unlock()
	metricDoomedEntries.Inc()
	if handle != nil {
		handle.Doom()
	}
}

// removeWaiter detaches a canceled waiter. Promotion may have raced the
// cancellation: the waiter is then already the writer, and the slot must be
// released and handed on or the key wedges behind a dead transaction.
func (c *coordinator) removeWaiter(ae *activeEntry, waiter *entryWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range ae.pending {
		if w == waiter {
			ae.pending = append(ae.pending[:i], ae.pending[i+1:]...)
			c.maybeDestroyLocked(ae)
			return
		}
	}
	if ae.writer == waiter.tx {
		ae.writer = nil
		c.promoteLocked(ae)
	}
	c.maybeDestroyLocked(ae)
}

// promoteLocked hands the writer slot to the longest-waiting transaction.
// The handoff is a buffered channel send, so the waiter resumes on its own
// goroutine and never re-enters the coordinator inside the caller's frame.
func (c *coordinator) promoteLocked(ae *activeEntry) {
	if ae.writer != nil || len(ae.pending) == 0 {
		return
	}
	head := ae.pending[0]
	ae.pending = ae.pending[1:]
	ae.writer = head.tx
	head.ch <- nil
}

func (c *coordinator) maybeDestroyLocked(ae *activeEntry) {
	if ae.writer != nil || len(ae.readers) > 0 || len(ae.pending) > 0 {
		return
	}
	if c.entries[ae.key] == ae {
		delete(c.entries, ae.key)
	}
	if ae.entry != nil {
		ae.entry.Close()
		ae.entry = nil
	}
}
