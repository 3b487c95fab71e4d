package entrystore

import (
	"context"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Op identifies a store or entry operation for the scheduling hook.
type Op string

const (
	OpOpen           Op = "open"
	OpCreate         Op = "create"
	OpDoom           Op = "doom"
	OpRead           Op = "read"
	OpWrite          Op = "write"
	OpReadSparse     Op = "read-sparse"
	OpWriteSparse    Op = "write-sparse"
	OpAvailableRange Op = "available-range"
)

const defaultMaxEntries = 1024

// MemoryConfig configures the in-memory store.
type MemoryConfig struct {
	// MaxEntries bounds the number of live entries; the least recently
	// used entry is evicted beyond that.
	MaxEntries int
	// Hook, if set, runs at the start of every operation with the
	// operation name and entry key. Tests use it to force interleavings;
	// it replaces any global synchronous/asynchronous mode switch.
	Hook func(op Op, key string)
}

// Memory is an in-memory Store with LRU eviction.
type Memory struct {
	mu   sync.Mutex
	lru  *lru.Cache[string, *memEntry]
	hook func(op Op, key string)

	openCount   int
	createCount int
}

// NewMemory creates an in-memory store.
func NewMemory(cfg MemoryConfig) *Memory {
	max := cfg.MaxEntries
	if max <= 0 {
		max = defaultMaxEntries
	}
	cache, err := lru.New[string, *memEntry](max)
	if err != nil {
		panic(err)
	}
	return &Memory{lru: cache, hook: cfg.Hook}
}

func (m *Memory) runHook(op Op, key string) {
	if m.hook != nil {
		m.hook(op, key)
	}
}

func (m *Memory) OpenEntry(ctx context.Context, key string) (Entry, error) {
	m.runHook(OpOpen, key)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	if e.isDoomed() {
		m.lru.Remove(key)
		return nil, ErrNotFound
	}
	m.openCount++
	return &memHandle{store: m, entry: e}, nil
}

func (m *Memory) CreateEntry(ctx context.Context, key string) (Entry, error) {
	m.runHook(OpCreate, key)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.lru.Get(key); ok {
		if !old.isDoomed() {
			return nil, ErrConflict
		}
		m.lru.Remove(key)
	}
	m.createCount++
	e := &memEntry{key: key}
	m.lru.Add(key, e)
	return &memHandle{store: m, entry: e}, nil
}

func (m *Memory) DoomEntry(ctx context.Context, key string) error {
	m.runHook(OpDoom, key)
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.lru.Get(key); ok {
		e.doom()
		m.lru.Remove(key)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// OpenCount returns how many times an entry was successfully opened.
func (m *Memory) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount
}

// CreateCount returns how many times an entry was created.
func (m *Memory) CreateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCount
}

// EntryCount returns the number of live entries. Doomed entries kept alive
// by open handles do not count.
func (m *Memory) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, key := range m.lru.Keys() {
		if e, ok := m.lru.Peek(key); ok && !e.isDoomed() {
			n++
		}
	}
	return n
}

type run struct {
	start int64
	data  []byte
}

func (r run) end() int64 { return r.start + int64(len(r.data)) }

type memEntry struct {
	mu      sync.Mutex
	key     string
	streams [NumStreams][]byte
	runs    []run
	sparse  bool
	doomed  bool
}

func (e *memEntry) isDoomed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doomed
}

func (e *memEntry) doom() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doomed = true
}

// memHandle is an open handle; a doomed entry stays readable through it.
type memHandle struct {
	store *Memory
	entry *memEntry
}

func (h *memHandle) Key() string { return h.entry.key }

func (h *memHandle) DataSize(stream int) int64 {
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sparse && stream == BodyStream {
		var size int64
		for _, r := range e.runs {
			if r.end() > size {
				size = r.end()
			}
		}
		return size
	}
	return int64(len(e.streams[stream]))
}

func (h *memHandle) ReadData(ctx context.Context, stream int, off int64, p []byte) (int, error) {
	h.store.runHook(OpRead, h.entry.key)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	data := e.streams[stream]
	if off >= int64(len(data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	return copy(p, data[off:]), nil
}

func (h *memHandle) WriteData(ctx context.Context, stream int, off int64, p []byte, truncate bool) (int, error) {
	h.store.runHook(OpWrite, h.entry.key)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	end := off + int64(len(p))
	if int64(len(e.streams[stream])) < end {
		grown := make([]byte, end)
		copy(grown, e.streams[stream])
		e.streams[stream] = grown
	}
	copy(e.streams[stream][off:], p)
	if truncate {
		e.streams[stream] = e.streams[stream][:end]
	}
	return len(p), nil
}

func (h *memHandle) ReadSparse(ctx context.Context, off int64, p []byte) (int, error) {
	h.store.runHook(OpReadSparse, h.entry.key)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sparse {
		return 0, ErrNotSparse
	}
	for _, r := range e.runs {
		if r.start <= off && off < r.end() {
			return copy(p, r.data[off-r.start:]), nil
		}
	}
	return 0, nil
}

func (h *memHandle) WriteSparse(ctx context.Context, off int64, p []byte) (int, error) {
	h.store.runHook(OpWriteSparse, h.entry.key)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sparse {
		if len(e.streams[BodyStream]) > 0 {
			return 0, ErrNotSparse
		}
		e.sparse = true
	}
	if len(p) == 0 {
		return 0, nil
	}
	e.runs = insertRun(e.runs, run{start: off, data: append([]byte(nil), p...)})
	return len(p), nil
}

func (h *memHandle) AvailableRange(ctx context.Context, off, max int64) (start, n int64, err error) {
	h.store.runHook(OpAvailableRange, h.entry.key)
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sparse {
		return off, 0, ErrNotSparse
	}
	return availableRange(e.runs, off, max)
}

func (h *memHandle) Sparse() bool {
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sparse
}

func (h *memHandle) Doom() { h.entry.doom() }

func (h *memHandle) Close() {}

// insertRun adds a run, merging any overlapping or adjacent runs so the
// stored set stays disjoint and ordered. New data wins on overlap.
func insertRun(runs []run, incoming run) []run {
	merged := make([]run, 0, len(runs)+1)
	for _, existing := range runs {
		if existing.end() < incoming.start || existing.start > incoming.end() {
			merged = append(merged, existing)
			continue
		}
		// Coalesce: lay the existing run down first, then the new bytes.
		start := incoming.start
		if existing.start < start {
			start = existing.start
		}
		end := incoming.end()
		if existing.end() > end {
			end = existing.end()
		}
		data := make([]byte, end-start)
		copy(data[existing.start-start:], existing.data)
		copy(data[incoming.start-start:], incoming.data)
		incoming = run{start: start, data: data}
	}
	// Insert in order.
	inserted := false
	result := make([]run, 0, len(merged)+1)
	for _, existing := range merged {
		if !inserted && incoming.start < existing.start {
			result = append(result, incoming)
			inserted = true
		}
		result = append(result, existing)
	}
	if !inserted {
		result = append(result, incoming)
	}
	return result
}

// availableRange finds the first stored sub-range within [off, off+max).
func availableRange(runs []run, off, max int64) (int64, int64, error) {
	limit := off + max
	for _, r := range runs {
		if r.end() <= off {
			continue
		}
		if r.start >= limit {
			break
		}
		start := off
		if r.start > start {
			start = r.start
		}
		end := r.end()
		if end > limit {
			end = limit
		}
		return start, end - start, nil
	}
	return off, 0, nil
}
