package txcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/always-cache/transaction-cache/pkg/byterange"
	"github.com/always-cache/transaction-cache/pkg/freshness"
	"github.com/always-cache/transaction-cache/pkg/respmeta"
)

// Sparse entries are reconstructed gap by gap: stored runs are read from the
// entry, gaps are fetched from the network with the stored validator as an
// If-Range guard, and every verified gap is written back so later requests
// see a larger covered range. Gap responses are buffered before anything is
// stored, so a server that sends fewer bytes than it declared never
// disturbs runs that were cached correctly before.

var (
	// errLengthConflict: the server declared a total resource length that
	// contradicts the recorded one. The response is not cached and the
	// stored entry is kept as is.
	errLengthConflict = errors.New("total length conflict")

	// errServerFlaky: the server sent fewer bytes than its own Content-Range
	// declared. Nothing is cached from such a response.
	errServerFlaky = errors.New("short range response")

	// errEntryReplaced: the If-Range guard failed and the server answered
	// with a full 200, making every stored run stale.
	errEntryReplaced = errors.New("resource changed under sparse entry")
)

// fetchRangeMiss handles a range request on a cold entry: fetch exactly the
// requested range, store it as the first sparse run, and serve the 206.
func (t *Transaction) fetchRangeMiss(ctx context.Context, req *http.Request, rng byterange.Range) (*http.Response, error) {
	creq := req.Clone(ctx)
	creq.Header = req.Header.Clone()
	creq.Header.Set("Range", rng.String())
	res, requestTime, responseTime, err := t.send(creq)
	if err != nil {
		t.abandonEntry()
		return nil, err
	}

	if res.StatusCode == http.StatusOK {
		// The server ignored the range and sent the full resource; store it
		// as an ordinary contiguous entry.
		if freshness.MustNotStore(res.Header) {
			t.cache.coord.doomActive(t.ae)
			t.cache.coord.finishWriter(t.ae, t, false)
			return res, nil
		}
		return t.storeResponse(ctx, res, requestTime, responseTime)
	}
	if res.StatusCode != http.StatusPartialContent || freshness.MustNotStore(res.Header) {
		t.cache.coord.doomActive(t.ae)
		t.cache.coord.finishWriter(t.ae, t, false)
		return res, nil
	}

	cr, ok := byterange.ParseContentRange(res.Header.Get("Content-Range"))
	if !ok || !rangeMatches(rng, cr) {
		t.log.Debug().Str("content-range", res.Header.Get("Content-Range")).Msg("Range answer does not match request")
		t.cache.coord.doomActive(t.ae)
		t.cache.coord.finishWriter(t.ae, t, false)
		return res, nil
	}

	info := respmeta.FromResponse(res, requestTime, responseTime)
	if !info.HasStrongValidator() {
		// Runs from different fetches cannot be proven to belong to the
		// same resource version without a strong validator.
		t.cache.coord.doomActive(t.ae)
		t.cache.coord.finishWriter(t.ae, t, false)
		return res, nil
	}

	body, err := readFullRange(res.Body, cr)
	if err != nil {
		t.cache.coord.doomActive(t.ae)
		t.cache.coord.finishWriter(t.ae, t, false)
		// Hand over whatever arrived; the connection was bad either way.
		return rangeResponse(req, info, cr, body), nil
	}

	// The stored metadata describes the full resource; range answers are
	// synthesized from it on later hits.
	normalizeSparseInfo(info, cr)
	t.info = info
	if err := t.writeInfo(ctx); err != nil {
		t.cache.coord.doomActive(t.ae)
		t.cache.coord.finishWriter(t.ae, t, false)
		return rangeResponse(req, info, cr, body), nil
	}
	if _, err := t.ae.entry.WriteSparse(ctx, cr.Start, body); err != nil {
		t.log.Debug().Err(err).Msg("Sparse write failed")
		t.abandonEntry()
		return rangeResponse(req, info, cr, body), nil
	}
	t.cache.coord.finishWriter(t.ae, t, true)
	return rangeResponse(req, info, cr, body), nil
}

// serveSparseRange answers a range request from a sparse entry, filling gaps
// from the network.
func (t *Transaction) serveSparseRange(ctx context.Context, req *http.Request, rng byterange.Range) (*http.Response, error) {
	total := t.info.ContentLength()
	var start, end int64
	switch {
	case total >= 0:
		var ok bool
		start, end, ok = rng.Resolve(total)
		if !ok {
			t.cache.coord.finishWriter(t.ae, t, true)
			return nil, fmt.Errorf("%w: %s of %d bytes", ErrInvalidRange, rng, total)
		}
	case rng.IsSuffix() || rng.End == byterange.Unbounded:
		// Without a recorded total the extent of the request is unknowable;
		// leave the entry alone and let the origin answer.
		t.cache.coord.finishWriter(t.ae, t, true)
		if t.directive == LoadOnlyFromCache {
			return nil, ErrCacheMiss
		}
		return t.passthrough(req)
	default:
		start, end = rng.Start, rng.End
	}

	body, err := t.assemble(ctx, req, start, end)
	if err != nil {
		return t.sparseFallback(ctx, req, err)
	}
	t.cache.coord.finishWriter(t.ae, t, true)

	cr := byterange.ContentRange{Start: start, End: end, Total: total}
	if total < 0 {
		cr.Total = byterange.Unbounded
	}
	return rangeResponse(req, t.info, cr, body), nil
}

// reconstructFull answers a plain request over a sparse entry by assembling
// the complete resource, fetching whatever runs are still missing.
func (t *Transaction) reconstructFull(ctx context.Context, req *http.Request) (*http.Response, error) {
	total := t.info.ContentLength()
	if total < 0 {
		// The full extent was never learned; only the origin can serve this.
		t.cache.coord.finishWriter(t.ae, t, true)
		if t.directive == LoadOnlyFromCache {
			return nil, ErrCacheMiss
		}
		return t.passthrough(req)
	}

	body, err := t.assemble(ctx, req, 0, total-1)
	if err != nil {
		return t.sparseFallback(ctx, req, err)
	}
	t.cache.coord.finishWriter(t.ae, t, true)

	res := t.info.Response(req)
	res.ContentLength = total
	res.Header.Set("Content-Length", strconv.FormatInt(total, 10))
	res.Body = io.NopCloser(bytes.NewReader(body))
	return res, nil
}

// sparseFallback resolves an assembly failure according to what went wrong.
// The stored entry is only discarded when the resource itself changed.
func (t *Transaction) sparseFallback(ctx context.Context, req *http.Request, err error) (*http.Response, error) {
	switch {
	case errors.Is(err, errEntryReplaced):
		t.cache.coord.doomActive(t.ae)
		t.cache.coord.finishWriter(t.ae, t, false)
	case errors.Is(err, errLengthConflict), errors.Is(err, errServerFlaky):
		// Keep the runs that were verified; just do not trust this server
		// answer for caching.
		t.log.Debug().Err(err).Msg("Serving uncached after bad range answer")
		t.cache.coord.finishWriter(t.ae, t, true)
	default:
		t.cache.coord.finishWriter(t.ae, t, true)
		return nil, err
	}
	return t.passthrough(req)
}

// assemble gathers [start, end] of the resource, reading stored runs and
// fetching gaps. Verified gap bytes are written back to the entry.
func (t *Transaction) assemble(ctx context.Context, req *http.Request, start, end int64) ([]byte, error) {
	total := t.info.ContentLength()
	out := make([]byte, 0, end-start+1)
	pos := start
	for pos <= end {
		runStart, n, err := t.ae.entry.AvailableRange(ctx, pos, end-pos+1)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheReadFailure, err)
		}
		if runStart == pos && n > 0 {
			chunk, err := t.readRun(ctx, pos, n)
			if err != nil {
				return nil, err
			}
			out = append(out, chunk...)
			pos += n
			continue
		}
		gapEnd := end
		if n > 0 {
			gapEnd = runStart - 1
		}
		if t.directive == LoadOnlyFromCache {
			return nil, ErrCacheMiss
		}
		chunk, err := t.fetchGap(ctx, req, pos, gapEnd, total)
		if err != nil {
			return nil, err
		}
		if _, err := t.ae.entry.WriteSparse(ctx, pos, chunk); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheReadFailure, err)
		}
		out = append(out, chunk...)
		pos = gapEnd + 1
	}
	return out, nil
}

// readRun reads n stored bytes starting at pos.
func (t *Transaction) readRun(ctx context.Context, pos, n int64) ([]byte, error) {
	buf := make([]byte, n)
	read := int64(0)
	for read < n {
		m, err := t.ae.entry.ReadSparse(ctx, pos+read, buf[read:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheReadFailure, err)
		}
		if m == 0 {
			return nil, fmt.Errorf("%w: run vanished at %d", ErrCacheReadFailure, pos+read)
		}
		read += int64(m)
	}
	return buf, nil
}

// fetchGap fetches exactly [pos, gapEnd] from the network, guarded by the
// stored validator so a changed resource cannot be mixed into old runs.
func (t *Transaction) fetchGap(ctx context.Context, req *http.Request, pos, gapEnd, total int64) ([]byte, error) {
	creq := req.Clone(ctx)
	creq.Header = req.Header.Clone()
	creq.Header.Set("Range", byterange.Range{Start: pos, End: gapEnd}.String())
	if etag := t.info.ETag(); etag != "" {
		creq.Header.Set("If-Range", etag)
	} else {
		creq.Header.Set("If-Range", t.info.LastModified())
	}
	t.log.Trace().Int64("start", pos).Int64("end", gapEnd).Msg("Fetching gap")
	t.status.Forward(CacheStatusFwdPartial)

	res, _, _, err := t.send(creq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return nil, errEntryReplaced
	default:
		return nil, fmt.Errorf("%w: gap fetch answered %d", ErrBadContentRange, res.StatusCode)
	}

	cr, ok := byterange.ParseContentRange(res.Header.Get("Content-Range"))
	if !ok || cr.Start != pos || cr.End != gapEnd {
		return nil, fmt.Errorf("%w: asked %d-%d got %q", ErrBadContentRange, pos, gapEnd, res.Header.Get("Content-Range"))
	}
	if total >= 0 && cr.Total != byterange.Unbounded && cr.Total != total {
		return nil, fmt.Errorf("%w: recorded %d, server says %d", errLengthConflict, total, cr.Total)
	}

	body, err := readFullRange(res.Body, cr)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// readFullRange buffers a 206 body and verifies it holds exactly the byte
// count the Content-Range declared.
func readFullRange(r io.Reader, cr byterange.ContentRange) ([]byte, error) {
	want := cr.End - cr.Start + 1
	body, err := io.ReadAll(io.LimitReader(r, want))
	if err != nil {
		return body, fmt.Errorf("%w: %v", errServerFlaky, err)
	}
	if int64(len(body)) != want {
		return body, fmt.Errorf("%w: declared %d bytes, got %d", errServerFlaky, want, len(body))
	}
	return body, nil
}

// rangeMatches checks that a Content-Range answers the requested range. A
// bounded request may legitimately be cut short by the end of the resource.
func rangeMatches(rng byterange.Range, cr byterange.ContentRange) bool {
	if rng.IsSuffix() {
		if cr.Total != byterange.Unbounded {
			return cr.End == cr.Total-1
		}
		return true
	}
	if cr.Start != rng.Start {
		return false
	}
	if rng.End == byterange.Unbounded {
		return true
	}
	if cr.End == rng.End {
		return true
	}
	return cr.Total != byterange.Unbounded && cr.End == cr.Total-1 && cr.End < rng.End
}

// normalizeSparseInfo rewrites 206 metadata into the full-resource form the
// entry stores: a 200 status with the total length when it is known.
func normalizeSparseInfo(info *respmeta.Info, cr byterange.ContentRange) {
	info.StatusCode = http.StatusOK
	info.Status = "200 OK"
	info.Header.Del("Content-Range")
	if cr.Total != byterange.Unbounded {
		info.Header.Set("Content-Length", strconv.FormatInt(cr.Total, 10))
	} else {
		info.Header.Del("Content-Length")
	}
}

// rangeResponse synthesizes a 206 for the caller from stored metadata and an
// assembled buffer.
func rangeResponse(req *http.Request, info *respmeta.Info, cr byterange.ContentRange, body []byte) *http.Response {
	res := info.Response(req)
	res.StatusCode = http.StatusPartialContent
	res.Status = "206 Partial Content"
	res.ContentLength = int64(len(body))
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	res.Header.Set("Content-Range", byterange.Header(cr.Start, cr.End, cr.Total))
	res.Body = io.NopCloser(bytes.NewReader(body))
	return res
}
