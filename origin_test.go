package txcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/transaction-cache/pkg/byterange"
	"github.com/always-cache/transaction-cache/pkg/entrystore"
	"github.com/always-cache/transaction-cache/pkg/freshness"
)

var testBaseTime = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testBaseTime}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// rangeBody builds the canonical 80-byte test resource: eight 10-byte
// segments, each naming the byte range it covers.
func rangeBody() []byte {
	buf := &bytes.Buffer{}
	for i := 0; i < 8; i++ {
		fmt.Fprintf(buf, "rg: %02d-%02d ", i*10, i*10+9)
	}
	return buf.Bytes()
}

// testOrigin is a scripted network collaborator. It understands conditional
// and byte-range requests over a single resource and records every request
// it receives.
type testOrigin struct {
	mu           sync.Mutex
	body         []byte
	cacheControl string
	etag         string
	lastModified string
	extraHeader  http.Header
	answer304    bool
	ignoreRange  bool
	// shortBody cuts every 206 body down to 5 bytes while the declared
	// Content-Range stays intact, imitating a flaky server.
	shortBody bool
	// gate, when set, blocks every request until the channel closes or the
	// request context is canceled.
	gate     chan struct{}
	requests []*http.Request
	clock    func() time.Time
}

func newTestOrigin(clock func() time.Time) *testOrigin {
	return &testOrigin{
		body:         rangeBody(),
		cacheControl: "max-age=10000",
		etag:         `"v1"`,
		lastModified: "Fri, 02 Jan 2026 10:00:00 GMT",
		answer304:    true,
		clock:        clock,
	}
}

func (o *testOrigin) set(mutate func(*testOrigin)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mutate(o)
}

func (o *testOrigin) requestCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func (o *testOrigin) request(i int) *http.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[i]
}

func (o *testOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req.Clone(context.Background()))
	body := append([]byte(nil), o.body...)
	cacheControl := o.cacheControl
	etag := o.etag
	lastModified := o.lastModified
	answer304 := o.answer304
	ignoreRange := o.ignoreRange
	shortBody := o.shortBody
	extra := o.extraHeader.Clone()
	gate := o.gate
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	h := http.Header{}
	h.Set("Date", freshness.ToHTTPDate(o.clock()))
	if cacheControl != "" {
		h.Set("Cache-Control", cacheControl)
	}
	if etag != "" {
		h.Set("Etag", etag)
	}
	if lastModified != "" {
		h.Set("Last-Modified", lastModified)
	}
	for name, values := range extra {
		h[name] = values
	}

	if answer304 {
		if inm := req.Header.Get("If-None-Match"); inm != "" && inm == etag {
			return originResponse(http.StatusNotModified, h, nil), nil
		}
		if ims := req.Header.Get("If-Modified-Since"); ims != "" && etag == "" && ims == lastModified {
			return originResponse(http.StatusNotModified, h, nil), nil
		}
	}

	if rv := req.Header.Get("Range"); rv != "" && !ignoreRange {
		changed := false
		if ir := req.Header.Get("If-Range"); ir != "" && ir != etag && ir != lastModified {
			changed = true
		}
		if !changed {
			rng, ok, _ := byterange.ParseRequest(rv)
			if ok {
				start, end, satisfiable := rng.Resolve(int64(len(body)))
				if !satisfiable {
					h.Set("Content-Range", fmt.Sprintf("bytes */%d", len(body)))
					return originResponse(http.StatusRequestedRangeNotSatisfiable, h, nil), nil
				}
				part := body[start : end+1]
				if shortBody && len(part) > 5 {
					part = part[:5]
				}
				h.Set("Content-Range", byterange.Header(start, end, int64(len(body))))
				h.Set("Content-Length", strconv.Itoa(int(end-start+1)))
				return originResponse(http.StatusPartialContent, h, part), nil
			}
		}
	}

	h.Set("Content-Length", strconv.Itoa(len(body)))
	return originResponse(http.StatusOK, h, body), nil
}

func originResponse(status int, h http.Header, body []byte) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func newTestCache(origin http.RoundTripper, clock *testClock) (*Cache, *entrystore.Memory) {
	store := entrystore.NewMemory(entrystore.MemoryConfig{})
	logger := zerolog.Nop()
	cache := New(Config{
		OpenStore: func() (entrystore.Store, error) { return store, nil },
		Transport: origin,
		Logger:    &logger,
		Clock:     clock.Now,
	})
	return cache, store
}
