package txcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/transaction-cache/pkg/byterange"
	"github.com/always-cache/transaction-cache/pkg/cachekey"
	"github.com/always-cache/transaction-cache/pkg/entrystore"
	"github.com/always-cache/transaction-cache/pkg/freshness"
	"github.com/always-cache/transaction-cache/pkg/respmeta"
)

// LoadDirective adjusts how one transaction uses the cache.
type LoadDirective int

const (
	// LoadDefault serves fresh entries and validates stale ones.
	LoadDefault LoadDirective = iota
	// LoadOnlyFromCache never touches the network; a miss fails with
	// ErrCacheMiss.
	LoadOnlyFromCache
	// LoadPreferringCache serves a stored entry without validation even when
	// it is stale.
	LoadPreferringCache
	// LoadBypassCache dooms any stored entry and fetches fresh.
	LoadBypassCache
	// LoadValidateCache revalidates a stored entry before serving it.
	LoadValidateCache
)

// Transaction drives one request through the cache: key derivation, active
// entry acquisition, the hit/miss/validate decision, and response streaming.
// A transaction serves exactly one request; the returned response body must
// be read or closed for the transaction to release its entry slot.
type Transaction struct {
	cache     *Cache
	directive LoadDirective
	log       zerolog.Logger

	key    string
	store  entrystore.Store
	ae     *activeEntry
	info   *respmeta.Info
	status CacheStatus
}

// Status reports how the transaction was (or will be) answered, for the
// Cache-Status response header.
func (t *Transaction) Status() *CacheStatus {
	return &t.status
}

// SetDirective sets the load directive. It must be called before RoundTrip.
func (t *Transaction) SetDirective(d LoadDirective) {
	t.directive = d
}

// maxRestarts bounds how many times a transaction re-acquires after the
// entry it held turned out to be unusable (corrupt metadata, doomed
// mid-write, failed predecessor).
const maxRestarts = 3

// RoundTrip serves the request, from cache, network, or both. It implements
// http.RoundTripper so the transaction can sit behind any http.Client.
func (t *Transaction) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if t.cache.CurrentMode() == ModeDisable {
		if t.directive == LoadOnlyFromCache {
			return nil, ErrCacheMiss
		}
		t.status.Forward(CacheStatusFwdBypass)
		return t.passthrough(req)
	}

	key, cacheable := cachekey.ForRequest(req)
	if !cacheable {
		if t.directive == LoadOnlyFromCache {
			return nil, ErrCacheMiss
		}
		t.status.Forward(CacheStatusFwdMethod)
		t.invalidateForWrite(ctx, req)
		return t.passthrough(req)
	}
	t.key = key
	t.log = t.cache.log.With().Str("key", key).Logger()

	if hasExternalConditions(req.Header) {
		// The caller built its own conditional request; the origin must
		// answer it, and the answer is not necessarily a full resource.
		if t.directive == LoadOnlyFromCache {
			return nil, ErrCacheMiss
		}
		t.status.Forward(CacheStatusFwdRequest)
		return t.passthrough(req)
	}

	rng, rangeRequested, err := requestedRange(req)
	if err != nil {
		return nil, err
	}

	store, err := t.cache.Backend(ctx)
	if err != nil {
		if t.directive == LoadOnlyFromCache {
			return nil, ErrCacheMiss
		}
		t.log.Debug().Err(err).Msg("Backend unavailable, serving from network")
		t.status.Forward(CacheStatusFwdMiss)
		return t.passthrough(req)
	}
	t.store = store

	for attempt := 0; ; attempt++ {
		res, err := t.acquireAndServe(ctx, req, rng, rangeRequested)
		if err == errRestart && attempt < maxRestarts {
			t.ae = nil
			t.info = nil
			continue
		}
		return res, err
	}
}

func (t *Transaction) acquireAndServe(ctx context.Context, req *http.Request, rng byterange.Range, rangeRequested bool) (*http.Response, error) {
	mode := acquireDefault
	switch t.directive {
	case LoadOnlyFromCache:
		mode = acquireOpenOnly
	case LoadBypassCache:
		if err := t.cache.coord.doom(ctx, t.store, t.key); err != nil {
			t.log.Debug().Err(err).Msg("Doom before bypass failed")
		}
		t.status.Forward(CacheStatusFwdBypass)
		mode = acquireCreateOnly
	}

	ae, err := t.cache.coord.acquire(ctx, t.store, t.key, t, mode)
	switch {
	case err == nil:
	case err == entrystore.ErrNotFound:
		metricMisses.Inc()
		return nil, ErrCacheMiss
	case errors.Is(err, ErrCacheOpenFailure) || errors.Is(err, ErrCacheCreateFailure):
		if t.directive == LoadOnlyFromCache {
			return nil, ErrCacheMiss
		}
		t.status.Forward(CacheStatusFwdMiss)
		return t.passthrough(req)
	default:
		return nil, err
	}
	t.ae = ae

	return t.decide(ctx, req, rng, rangeRequested)
}

// decide runs in the exclusive writer slot: it loads the stored metadata
// and branches into the hit, validation, resumption or miss path.
func (t *Transaction) decide(ctx context.Context, req *http.Request, rng byterange.Range, rangeRequested bool) (*http.Response, error) {
	if t.directive == LoadBypassCache && !t.ae.created {
		// Acquired an entry another transaction made between the doom and
		// the acquisition; bypass still replaces it with a fresh generation.
		t.abandonEntry()
		return nil, errRestart
	}

	entry := t.ae.entry
	metaSize := entry.DataSize(entrystore.MetadataStream)
	if t.ae.created || metaSize == 0 {
		metricMisses.Inc()
		if t.directive != LoadBypassCache {
			t.status.Forward(CacheStatusFwdUriMiss)
		}
		if rangeRequested {
			return t.fetchRangeMiss(ctx, req, rng)
		}
		return t.fetchAndStore(ctx, req)
	}

	buf := make([]byte, metaSize)
	if _, err := entry.ReadData(ctx, entrystore.MetadataStream, 0, buf); err != nil {
		t.log.Debug().Err(err).Msg("Could not read entry metadata")
		t.abandonEntry()
		return nil, errRestart
	}
	info, err := respmeta.Decode(buf)
	if err != nil {
		t.log.Debug().Err(err).Msg("Corrupt entry metadata")
		t.abandonEntry()
		return nil, errRestart
	}
	t.info = info

	if info.Truncated {
		if t.directive == LoadOnlyFromCache {
			t.cache.coord.finishWriter(t.ae, t, true)
			metricMisses.Inc()
			return nil, ErrCacheMiss
		}
		if rangeRequested {
			// A truncated prefix cannot answer a range request reliably;
			// start over with a fresh sparse entry.
			t.abandonEntry()
			return nil, errRestart
		}
		t.status.Forward(CacheStatusFwdPartial)
		return t.resumeTruncated(ctx, req)
	}

	switch t.directive {
	case LoadOnlyFromCache:
		if freshness.MustRevalidate(info.Header) {
			t.cache.coord.finishWriter(t.ae, t, true)
			metricMisses.Inc()
			return nil, ErrCacheMiss
		}
		return t.serveHit(ctx, req, rng, rangeRequested)
	case LoadPreferringCache:
		return t.serveHit(ctx, req, rng, rangeRequested)
	case LoadValidateCache:
		return t.validate(ctx, req, rng, rangeRequested)
	default:
		now := t.cache.clock()
		if !freshness.MustRevalidate(info.Header) &&
			freshness.Fresh(info.Header, info.RequestTime, info.ResponseTime, now) {
			return t.serveHit(ctx, req, rng, rangeRequested)
		}
		return t.validate(ctx, req, rng, rangeRequested)
	}
}

// serveHit serves the stored entry, branching on the body layout.
func (t *Transaction) serveHit(ctx context.Context, req *http.Request, rng byterange.Range, rangeRequested bool) (*http.Response, error) {
	metricHits.Inc()
	t.status.Hit()
	if t.ae.entry.Sparse() {
		if rangeRequested {
			return t.serveSparseRange(ctx, req, rng)
		}
		return t.reconstructFull(ctx, req)
	}
	if rangeRequested {
		return t.serveStoredRange(ctx, req, rng)
	}
	return t.serveStored(ctx, req)
}

// serveStored streams a contiguous stored body as a reader.
func (t *Transaction) serveStored(ctx context.Context, req *http.Request) (*http.Response, error) {
	size := t.ae.entry.DataSize(entrystore.BodyStream)
	t.cache.coord.becomeReader(t.ae, t)
	res := t.info.Response(req)
	res.ContentLength = size
	res.Header.Set("Content-Length", strconv.FormatInt(size, 10))
	res.Body = &entryBody{tx: t, ctx: ctx, off: 0, end: size}
	return res, nil
}

// serveStoredRange slices a requested range out of a complete stored body,
// answering with a synthesized 206.
func (t *Transaction) serveStoredRange(ctx context.Context, req *http.Request, rng byterange.Range) (*http.Response, error) {
	size := t.ae.entry.DataSize(entrystore.BodyStream)
	start, end, ok := rng.Resolve(size)
	if !ok {
		t.cache.coord.finishWriter(t.ae, t, true)
		return nil, fmt.Errorf("%w: %s of %d bytes", ErrInvalidRange, rng, size)
	}
	t.cache.coord.becomeReader(t.ae, t)
	res := t.info.Response(req)
	res.StatusCode = http.StatusPartialContent
	res.Status = "206 Partial Content"
	length := end - start + 1
	res.ContentLength = length
	res.Header.Set("Content-Length", strconv.FormatInt(length, 10))
	res.Header.Set("Content-Range", byterange.Header(start, end, size))
	res.Body = &entryBody{tx: t, ctx: ctx, off: start, end: end + 1}
	return res, nil
}

// validate sends a conditional request built from the stored validators and
// reconciles the answer with the entry.
func (t *Transaction) validate(ctx context.Context, req *http.Request, rng byterange.Range, rangeRequested bool) (*http.Response, error) {
	if t.ae.entry.Sparse() {
		// Sparse entries are validated by the If-Range guard on every gap
		// fetch instead of a standalone conditional round trip.
		return t.serveHit(ctx, req, rng, rangeRequested)
	}
	if !t.info.HasValidator() {
		// Nothing to condition on; refetch outright, replacing the entry.
		metricMisses.Inc()
		t.status.Forward(CacheStatusFwdStale)
		return t.fetchAndStore(ctx, req)
	}

	creq := req.Clone(ctx)
	creq.Header = req.Header.Clone()
	if etag := t.info.ETag(); etag != "" {
		creq.Header.Set("If-None-Match", etag)
	} else {
		creq.Header.Set("If-Modified-Since", t.info.LastModified())
	}
	res, requestTime, responseTime, err := t.send(creq)
	if err != nil {
		// The entry is untouched; the network failure is the caller's.
		t.cache.coord.finishWriter(t.ae, t, true)
		return nil, err
	}

	switch res.StatusCode {
	case http.StatusNotModified:
		metricValidations.WithLabelValues("not-modified").Inc()
		res.Body.Close()
		t.info.Update(res.Header, requestTime, responseTime)
		if err := t.writeInfo(ctx); err != nil {
			t.log.Debug().Err(err).Msg("Could not update entry metadata")
			t.abandonEntry()
			return nil, errRestart
		}
		t.status.Detail("revalidated")
		return t.serveHit(ctx, req, rng, rangeRequested)
	case http.StatusOK:
		metricValidations.WithLabelValues("modified").Inc()
		t.status.Forward(CacheStatusFwdStale)
		if freshness.MustNotStore(res.Header) {
			t.cache.coord.doomActive(t.ae)
			t.cache.coord.finishWriter(t.ae, t, false)
			return res, nil
		}
		return t.storeResponse(ctx, res, requestTime, responseTime)
	default:
		metricValidations.WithLabelValues("modified").Inc()
		t.status.Forward(CacheStatusFwdStale)
		// An unexpected answer is handed through untouched; the stored
		// entry stays as it was.
		t.cache.coord.finishWriter(t.ae, t, true)
		return res, nil
	}
}

// fetchAndStore performs a full network fetch for the writer slot and writes
// the response through to the entry while the caller reads it.
func (t *Transaction) fetchAndStore(ctx context.Context, req *http.Request) (*http.Response, error) {
	res, requestTime, responseTime, err := t.send(req)
	if err != nil {
		t.abandonEntry()
		return nil, err
	}
	if res.StatusCode != http.StatusOK || freshness.MustNotStore(res.Header) {
		t.cache.coord.doomActive(t.ae)
		t.cache.coord.finishWriter(t.ae, t, false)
		return res, nil
	}
	return t.storeResponse(ctx, res, requestTime, responseTime)
}

// storeResponse commits the response metadata and wraps the body so that it
// is persisted as the caller consumes it.
func (t *Transaction) storeResponse(ctx context.Context, res *http.Response, requestTime, responseTime time.Time) (*http.Response, error) {
	info := respmeta.FromResponse(res, requestTime, responseTime)
	if strings.EqualFold(info.Header.Get("Accept-Ranges"), "none") && !info.HasStrongValidator() {
		// The origin rules out byte ranges and offers nothing to validate
		// against, so an interrupted write could never be completed.
		t.cache.coord.doomActive(t.ae)
		t.cache.coord.finishWriter(t.ae, t, false)
		return res, nil
	}
	if !t.ae.created {
		// Replacing a populated entry must not disturb readers still
		// streaming the old generation; they keep the doomed handle.
		if err := t.replaceEntry(ctx); err != nil {
			t.log.Debug().Err(err).Msg("Could not replace entry")
			return res, nil
		}
	}
	t.info = info
	if err := t.writeInfo(ctx); err != nil {
		t.log.Debug().Err(err).Msg("Could not write entry metadata")
		t.cache.coord.doomActive(t.ae)
		t.cache.coord.finishWriter(t.ae, t, false)
		return res, nil
	}
	res.Body = &writeThroughBody{
		tx:       t,
		ctx:      ctx,
		src:      res.Body,
		expected: t.info.ContentLength(),
	}
	return res, nil
}

// resumeTruncated turns a full request over a truncated entry into a range
// request for the missing tail. A consistent 206 is appended and the
// truncation flag cleared; an unrelated 200 replaces the entry.
func (t *Transaction) resumeTruncated(ctx context.Context, req *http.Request) (*http.Response, error) {
	storedLen := t.ae.entry.DataSize(entrystore.BodyStream)
	total := t.info.ContentLength()
	if storedLen <= 0 || total <= 0 || storedLen >= total || !t.info.HasStrongValidator() {
		// Not verifiably resumable; start over with a fresh entry.
		t.abandonEntry()
		return nil, errRestart
	}

	creq := req.Clone(ctx)
	creq.Header = req.Header.Clone()
	creq.Header.Set("Range", byterange.Range{Start: storedLen, End: byterange.Unbounded}.String())
	if etag := t.info.ETag(); etag != "" {
		creq.Header.Set("If-Range", etag)
	} else {
		creq.Header.Set("If-Range", t.info.LastModified())
	}
	t.log.Trace().Int64("offset", storedLen).Msg("Resuming truncated entry")

	res, requestTime, responseTime, err := t.send(creq)
	if err != nil {
		// Keep the truncated entry; a later request can retry the resume.
		t.cache.coord.finishWriter(t.ae, t, true)
		return nil, err
	}

	switch res.StatusCode {
	case http.StatusPartialContent:
		cr, ok := byterange.ParseContentRange(res.Header.Get("Content-Range"))
		if !ok || cr.Start != storedLen || (cr.Total != byterange.Unbounded && cr.Total != total) {
			res.Body.Close()
			t.cache.coord.doomActive(t.ae)
			t.cache.coord.finishWriter(t.ae, t, false)
			return nil, fmt.Errorf("%w: resume at %d got %q", ErrBadContentRange, storedLen, res.Header.Get("Content-Range"))
		}
		out := t.info.Response(req)
		out.ContentLength = total
		out.Header.Set("Content-Length", strconv.FormatInt(total, 10))
		out.Body = &resumeBody{
			tx:           t,
			ctx:          ctx,
			src:          res.Body,
			storedLen:    storedLen,
			total:        total,
			requestTime:  requestTime,
			responseTime: responseTime,
		}
		return out, nil
	case http.StatusOK:
		// The resource changed under us; the partial prefix is stale.
		if freshness.MustNotStore(res.Header) {
			t.cache.coord.doomActive(t.ae)
			t.cache.coord.finishWriter(t.ae, t, false)
			return res, nil
		}
		return t.storeResponse(ctx, res, requestTime, responseTime)
	default:
		res.Body.Close()
		t.cache.coord.doomActive(t.ae)
		t.cache.coord.finishWriter(t.ae, t, false)
		return nil, fmt.Errorf("%w: resume answered %d", ErrBadContentRange, res.StatusCode)
	}
}

// replaceEntry swaps the held entry for a fresh generation: the old one is
// doomed, the transaction becomes writer of a new empty entry, and queued
// transactions restart so they line up behind the new generation.
func (t *Transaction) replaceEntry(ctx context.Context) error {
	old := t.ae
	t.cache.coord.doomActive(old)
	ae, err := t.cache.coord.acquire(ctx, t.store, t.key, t, acquireCreateOnly)
	t.cache.coord.finishWriter(old, t, false)
	if err != nil {
		return err
	}
	t.ae = ae
	return nil
}

// abandonEntry dooms the held entry and fails the writer slot so queued
// transactions restart against a fresh generation.
func (t *Transaction) abandonEntry() {
	t.cache.coord.doomActive(t.ae)
	t.cache.coord.finishWriter(t.ae, t, false)
}

// writeInfo persists the current metadata to the metadata stream.
func (t *Transaction) writeInfo(ctx context.Context) error {
	b := t.info.Encode()
	if _, err := t.ae.entry.WriteData(ctx, entrystore.MetadataStream, 0, b, true); err != nil {
		return fmt.Errorf("write entry metadata: %w", err)
	}
	return nil
}

// send performs one network round trip, recording the request and response
// clock values needed for age calculation.
func (t *Transaction) send(req *http.Request) (*http.Response, time.Time, time.Time, error) {
	metricNetworkFetches.Inc()
	requestTime := t.cache.clock()
	res, err := t.cache.transport.RoundTrip(req)
	responseTime := t.cache.clock()
	if err != nil {
		return nil, requestTime, responseTime, fmt.Errorf("network fetch: %w", err)
	}
	return res, requestTime, responseTime, nil
}

// passthrough serves the request from the network without touching the
// entry store.
func (t *Transaction) passthrough(req *http.Request) (*http.Response, error) {
	res, _, _, err := t.send(req)
	return res, err
}

// invalidateForWrite dooms the stored entry for the URL of a non-cacheable
// write method, so a later read cannot observe a response made stale by the
// write.
func (t *Transaction) invalidateForWrite(ctx context.Context, req *http.Request) {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return
	}
	store, err := t.cache.Backend(ctx)
	if err != nil {
		return
	}
	key := cachekey.ForURL(req.URL)
	if err := t.cache.coord.doom(ctx, store, key); err != nil {
		t.cache.log.Debug().Err(err).Str("key", key).Msg("Could not invalidate after write")
	}
}

func requestedRange(req *http.Request) (byterange.Range, bool, error) {
	value := req.Header.Get("Range")
	if value == "" {
		return byterange.Range{}, false, nil
	}
	rng, ok, malformed := byterange.ParseRequest(value)
	if malformed {
		return byterange.Range{}, false, fmt.Errorf("%w: %q", ErrInvalidRange, value)
	}
	return rng, ok, nil
}

func hasExternalConditions(h http.Header) bool {
	return h.Get("If-None-Match") != "" ||
		h.Get("If-Modified-Since") != "" ||
		h.Get("If-Range") != "" ||
		h.Get("If-Match") != "" ||
		h.Get("If-Unmodified-Since") != ""
}

// entryBody streams [off, end) of the stored body to the caller while the
// transaction holds a reader slot. Closing releases the slot.
type entryBody struct {
	tx       *Transaction
	ctx      context.Context
	off      int64
	end      int64
	released bool
}

func (b *entryBody) Read(p []byte) (int, error) {
	if b.off >= b.end {
		b.release()
		return 0, io.EOF
	}
	if remaining := b.end - b.off; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := b.tx.ae.entry.ReadData(b.ctx, entrystore.BodyStream, b.off, p)
	if err != nil && err != io.EOF {
		b.release()
		return n, fmt.Errorf("%w: %v", ErrCacheReadFailure, err)
	}
	if n == 0 {
		b.release()
		return 0, io.EOF
	}
	b.off += int64(n)
	return n, nil
}

func (b *entryBody) Close() error {
	b.release()
	return nil
}

func (b *entryBody) release() {
	if b.released {
		return
	}
	b.released = true
	b.tx.cache.coord.releaseReader(b.tx.ae, b.tx)
}

// writeThroughBody persists network body bytes to the entry as the caller
// reads them. The transaction stays writer until the body is fully consumed
// or closed; premature closing applies the truncation rule.
type writeThroughBody struct {
	tx       *Transaction
	ctx      context.Context
	src      io.ReadCloser
	off      int64
	expected int64
	broken   bool
	done     bool
}

func (b *writeThroughBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	n, err := b.src.Read(p)
	if n > 0 && !b.broken {
		if _, werr := b.tx.ae.entry.WriteData(b.ctx, entrystore.BodyStream, b.off, p[:n], false); werr != nil {
			// Keep streaming to the caller, give up on caching.
			b.tx.log.Debug().Err(werr).Msg("Body write failed, abandoning entry")
			b.broken = true
			b.tx.abandonEntry()
		}
	}
	b.off += int64(n)
	if err == io.EOF {
		b.finish()
		return n, io.EOF
	}
	if err != nil {
		b.settle()
		return n, err
	}
	return n, nil
}

func (b *writeThroughBody) Close() error {
	if b.done {
		return b.src.Close()
	}
	if b.expected >= 0 && b.off == b.expected {
		b.finish()
	} else {
		b.settle()
	}
	return b.src.Close()
}

// finish commits a fully received body.
func (b *writeThroughBody) finish() {
	if b.done {
		return
	}
	b.done = true
	if b.broken {
		return
	}
	if b.expected >= 0 && b.off < b.expected {
		// The server closed early; keep what we can verify later.
		b.markTruncatedOrDoom()
		return
	}
	// Cut any stale tail left by a shorter rewrite.
	if _, err := b.tx.ae.entry.WriteData(b.ctx, entrystore.BodyStream, b.off, nil, true); err != nil {
		b.tx.abandonEntry()
		return
	}
	b.tx.cache.coord.finishWriter(b.tx.ae, b.tx, true)
}

// settle handles a body abandoned before its declared end.
func (b *writeThroughBody) settle() {
	if b.done {
		return
	}
	b.done = true
	if b.broken {
		return
	}
	b.markTruncatedOrDoom()
}

func (b *writeThroughBody) markTruncatedOrDoom() {
	tx := b.tx
	if b.off > 0 && b.expected > 0 && tx.info.HasStrongValidator() {
		tx.info.Truncated = true
		if err := tx.writeInfo(b.ctx); err == nil {
			tx.cache.coord.finishWriter(tx.ae, tx, true)
			return
		}
	}
	tx.abandonEntry()
}

// resumeBody serves a full body for a resumed truncated entry: the stored
// prefix first, then the network tail, appending the tail to the entry as it
// flows through. The truncation flag clears only when the tail completes.
type resumeBody struct {
	tx           *Transaction
	ctx          context.Context
	src          io.ReadCloser
	off          int64
	storedLen    int64
	total        int64
	requestTime  time.Time
	responseTime time.Time
	broken       bool
	done         bool
}

func (b *resumeBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	if b.off < b.storedLen {
		if remaining := b.storedLen - b.off; int64(len(p)) > remaining {
			p = p[:remaining]
		}
		n, err := b.tx.ae.entry.ReadData(b.ctx, entrystore.BodyStream, b.off, p)
		if err != nil && err != io.EOF {
			b.settle()
			return n, fmt.Errorf("%w: %v", ErrCacheReadFailure, err)
		}
		if n == 0 {
			b.settle()
			return 0, fmt.Errorf("%w: truncated prefix ended early", ErrCacheReadFailure)
		}
		b.off += int64(n)
		return n, nil
	}

	n, err := b.src.Read(p)
	if n > 0 && !b.broken {
		if _, werr := b.tx.ae.entry.WriteData(b.ctx, entrystore.BodyStream, b.off, p[:n], false); werr != nil {
			b.tx.log.Debug().Err(werr).Msg("Resume append failed, abandoning entry")
			b.broken = true
			b.tx.abandonEntry()
		}
	}
	b.off += int64(n)
	if err == io.EOF {
		b.finish()
		return n, io.EOF
	}
	if err != nil {
		b.settle()
		return n, err
	}
	return n, nil
}

func (b *resumeBody) Close() error {
	if !b.done {
		if b.off == b.total {
			b.finish()
		} else {
			b.settle()
		}
	}
	return b.src.Close()
}

// finish clears the truncation flag once the entry covers the full resource.
func (b *resumeBody) finish() {
	if b.done {
		return
	}
	b.done = true
	if b.broken {
		return
	}
	tx := b.tx
	if b.off < b.total {
		// The tail itself came up short; the entry stays truncated.
		tx.cache.coord.finishWriter(tx.ae, tx, true)
		return
	}
	tx.info.Truncated = false
	tx.info.RequestTime = b.requestTime
	tx.info.ResponseTime = b.responseTime
	if err := tx.writeInfo(b.ctx); err != nil {
		tx.abandonEntry()
		return
	}
	tx.cache.coord.finishWriter(tx.ae, tx, true)
}

// settle leaves a partially resumed entry truncated but longer than before.
func (b *resumeBody) settle() {
	if b.done {
		return
	}
	b.done = true
	if b.broken {
		return
	}
	b.tx.cache.coord.finishWriter(b.tx.ae, b.tx, true)
}
