package txcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/transaction-cache/pkg/entrystore"
)

func doRequest(t *testing.T, cache *Cache, req *http.Request, directive LoadDirective) (*http.Response, []byte) {
	t.Helper()
	tx := cache.NewTransaction()
	tx.SetDirective(directive)
	res, err := tx.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	return res, body
}

func doGet(t *testing.T, cache *Cache, rawURL string, directive LoadDirective) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	return doRequest(t, cache, req, directive)
}

func pendingCount(cache *Cache, key string) int {
	cache.coord.mu.Lock()
	defer cache.coord.mu.Unlock()
	if ae := cache.coord.entries[key]; ae != nil {
		return len(ae.pending)
	}
	return 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestRoundTrip(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, store := newTestCache(origin, clock)

	res1, body1 := doGet(t, cache, "http://origin/data", LoadDefault)
	res2, body2 := doGet(t, cache, "http://origin/data", LoadDefault)

	if !bytes.Equal(body1, rangeBody()) {
		t.Fatalf("First body is %q", body1)
	}
	if !bytes.Equal(body1, body2) {
		t.Fatalf("Bodies differ: %q vs %q", body1, body2)
	}
	if origin.requestCount() != 1 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
	if store.CreateCount() != 1 {
		t.Fatalf("CreateEntry called %d times", store.CreateCount())
	}
	if res2.Header.Get("Etag") != res1.Header.Get("Etag") {
		t.Fatalf("Header sets differ: %v vs %v", res1.Header, res2.Header)
	}
}

func TestManyReadersSingleFetch(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	gate := make(chan struct{})
	origin.set(func(o *testOrigin) { o.gate = gate })
	cache, store := newTestCache(origin, clock)

	const readers = 4
	bodies := make([][]byte, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest("GET", "http://origin/shared", nil)
			tx := cache.NewTransaction()
			res, err := tx.RoundTrip(req)
			if err != nil {
				errs[i] = err
				return
			}
			bodies[i], errs[i] = io.ReadAll(res.Body)
			res.Body.Close()
		}(i)
	}

	waitFor(t, "writer to reach the origin", func() bool { return origin.requestCount() == 1 })
	waitFor(t, "remaining transactions to queue", func() bool {
		return pendingCount(cache, "http://origin/shared") == readers-1
	})
	close(gate)
	wg.Wait()

	for i := 0; i < readers; i++ {
		if errs[i] != nil {
			t.Fatalf("Transaction %d failed: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], rangeBody()) {
			t.Fatalf("Transaction %d body is %q", i, bodies[i])
		}
	}
	if origin.requestCount() != 1 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
	if store.CreateCount() != 1 {
		t.Fatalf("CreateEntry called %d times", store.CreateCount())
	}
}

func TestCanceledWriterDoesNotBlockQueue(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	gate := make(chan struct{})
	origin.set(func(o *testOrigin) { o.gate = gate })
	cache, store := newTestCache(origin, clock)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		req, _ := http.NewRequestWithContext(ctx, "GET", "http://origin/data", nil)
		_, err := cache.NewTransaction().RoundTrip(req)
		firstErr <- err
	}()
	waitFor(t, "writer to reach the origin", func() bool { return origin.requestCount() == 1 })

	secondDone := make(chan struct{})
	var secondBody []byte
	var secondErr error
	go func() {
		defer close(secondDone)
		req, _ := http.NewRequest("GET", "http://origin/data", nil)
		res, err := cache.NewTransaction().RoundTrip(req)
		if err != nil {
			secondErr = err
			return
		}
		secondBody, secondErr = io.ReadAll(res.Body)
		res.Body.Close()
	}()
	waitFor(t, "second transaction to queue", func() bool {
		return pendingCount(cache, "http://origin/data") == 1
	})

	cancel()
	if err := <-firstErr; err == nil {
		t.Fatal("Canceled transaction did not fail")
	}
	close(gate)
	<-secondDone

	if secondErr != nil {
		t.Fatalf("Second transaction failed: %v", secondErr)
	}
	if !bytes.Equal(secondBody, rangeBody()) {
		t.Fatalf("Second body is %q", secondBody)
	}
	if store.CreateCount() != 2 {
		t.Fatalf("CreateEntry called %d times", store.CreateCount())
	}
	cache.coord.mu.Lock()
	stuck := len(cache.coord.entries)
	cache.coord.mu.Unlock()
	if stuck != 0 {
		t.Fatalf("%d active entries left behind", stuck)
	}
}

func TestCancelMidStreamWithoutValidatorDooms(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	origin.set(func(o *testOrigin) {
		o.etag = ""
		o.lastModified = ""
	})
	cache, store := newTestCache(origin, clock)

	req, _ := http.NewRequest("GET", "http://origin/data", nil)
	tx := cache.NewTransaction()
	res, err := tx.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(res.Body, make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	if store.EntryCount() != 0 {
		t.Fatalf("%d entries left after unverifiable cancellation", store.EntryCount())
	}

	_, body := doGet(t, cache, "http://origin/data", LoadDefault)
	if !bytes.Equal(body, rangeBody()) {
		t.Fatalf("Body after refetch is %q", body)
	}
	if store.CreateCount() != 2 {
		t.Fatalf("CreateEntry called %d times", store.CreateCount())
	}
}

func TestDoomWithPendingTransactions(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	gate := make(chan struct{})
	origin.set(func(o *testOrigin) { o.gate = gate })
	cache, store := newTestCache(origin, clock)

	const queued = 3
	bodies := make([][]byte, queued+1)
	errs := make([]error, queued+1)
	var wg sync.WaitGroup
	for i := 0; i <= queued; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest("GET", "http://origin/doomed", nil)
			res, err := cache.NewTransaction().RoundTrip(req)
			if err != nil {
				errs[i] = err
				return
			}
			bodies[i], errs[i] = io.ReadAll(res.Body)
			res.Body.Close()
		}(i)
		if i == 0 {
			waitFor(t, "writer to reach the origin", func() bool { return origin.requestCount() == 1 })
		}
	}
	waitFor(t, "transactions to queue", func() bool {
		return pendingCount(cache, "http://origin/doomed") == queued
	})

	u, _ := url.Parse("http://origin/doomed")
	if err := cache.Doom(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	close(gate)
	wg.Wait()

	for i := 0; i <= queued; i++ {
		if errs[i] != nil {
			t.Fatalf("Transaction %d failed: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], rangeBody()) {
			t.Fatalf("Transaction %d body is %q", i, bodies[i])
		}
	}
	if store.EntryCount() != 0 {
		t.Fatalf("%d entries left after doom", store.EntryCount())
	}
}

func TestNoStoreInvalidation(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	origin.set(func(o *testOrigin) { o.cacheControl = "max-age=0" })
	cache, store := newTestCache(origin, clock)

	doGet(t, cache, "http://origin/data", LoadDefault)
	if store.EntryCount() != 1 {
		t.Fatalf("%d entries after first write", store.EntryCount())
	}

	origin.set(func(o *testOrigin) {
		o.cacheControl = "no-store"
		o.answer304 = false
	})
	_, body := doGet(t, cache, "http://origin/data", LoadDefault)
	if !bytes.Equal(body, rangeBody()) {
		t.Fatalf("Second body is %q", body)
	}
	if store.EntryCount() != 0 {
		t.Fatalf("%d entries left after no-store response", store.EntryCount())
	}
}

func TestConditionalUpdateMergesHeaders(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	origin.set(func(o *testOrigin) {
		o.etag = `"A"`
		o.cacheControl = "max-age=0"
	})
	cache, store := newTestCache(origin, clock)

	doGet(t, cache, "http://origin/data", LoadDefault)

	origin.set(func(o *testOrigin) {
		o.extraHeader = http.Header{"X-Version": []string{"2"}}
	})
	clock.Advance(time.Second)
	res, body := doGet(t, cache, "http://origin/data", LoadDefault)

	sent := origin.request(1)
	if sent.Header.Get("If-None-Match") != `"A"` {
		t.Fatalf("Conditional request sent %q", sent.Header.Get("If-None-Match"))
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Caller saw status %d, not the merged stored response", res.StatusCode)
	}
	if !bytes.Equal(body, rangeBody()) {
		t.Fatalf("Body after validation is %q", body)
	}
	if res.Header.Get("X-Version") != "2" {
		t.Fatalf("304 headers not merged: %v", res.Header)
	}
	if store.EntryCount() != 1 || store.CreateCount() != 1 {
		t.Fatalf("Entry replaced instead of updated: %d entries, %d creates",
			store.EntryCount(), store.CreateCount())
	}
}

func TestKeyNormalizationStripsFragment(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, store := newTestCache(origin, clock)

	doGet(t, cache, "http://origin/data#frag1", LoadDefault)
	doGet(t, cache, "http://origin/data#frag2", LoadDefault)

	if origin.requestCount() != 1 {
		t.Fatalf("Origin fetched %d times for fragment variants", origin.requestCount())
	}
	if store.EntryCount() != 1 {
		t.Fatalf("%d entries for fragment variants", store.EntryCount())
	}
}

func TestPostWithoutUploadIdNeverCached(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, store := newTestCache(origin, clock)

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("POST", "http://origin/submit", bytes.NewReader([]byte("payload")))
		doRequest(t, cache, req, LoadDefault)
	}
	if store.EntryCount() != 0 || store.CreateCount() != 0 {
		t.Fatalf("POST created entries: %d live, %d creates", store.EntryCount(), store.CreateCount())
	}
	if origin.requestCount() != 3 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
}

func TestWriteMethodInvalidatesStoredEntry(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, store := newTestCache(origin, clock)

	doGet(t, cache, "http://origin/data", LoadDefault)
	if store.EntryCount() != 1 {
		t.Fatalf("%d entries after priming", store.EntryCount())
	}

	req, _ := http.NewRequest("POST", "http://origin/data", bytes.NewReader([]byte("update")))
	doRequest(t, cache, req, LoadDefault)
	if store.EntryCount() != 0 {
		t.Fatalf("%d entries left after write method", store.EntryCount())
	}
}

func TestPostWithUploadIdIsCached(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, store := newTestCache(origin, clock)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest("POST", "http://origin/upload", bytes.NewReader([]byte("payload")))
		req.Header.Set("Upload-Id", "job-17")
		_, body := doRequest(t, cache, req, LoadDefault)
		if !bytes.Equal(body, rangeBody()) {
			t.Fatalf("Body %d is %q", i, body)
		}
	}
	if origin.requestCount() != 1 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
	if store.EntryCount() != 1 {
		t.Fatalf("%d entries", store.EntryCount())
	}
}

func TestOnlyFromCache(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, _ := newTestCache(origin, clock)

	req, _ := http.NewRequest("GET", "http://origin/data", nil)
	tx := cache.NewTransaction()
	tx.SetDirective(LoadOnlyFromCache)
	if _, err := tx.RoundTrip(req); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Cold only-from-cache returned %v", err)
	}
	if origin.requestCount() != 0 {
		t.Fatal("Only-from-cache touched the network")
	}

	doGet(t, cache, "http://origin/data", LoadDefault)
	_, body := doGet(t, cache, "http://origin/data", LoadOnlyFromCache)
	if !bytes.Equal(body, rangeBody()) {
		t.Fatalf("Cached body is %q", body)
	}
	if origin.requestCount() != 1 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
}

func TestPreferringCacheServesStale(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	origin.set(func(o *testOrigin) { o.cacheControl = "max-age=1" })
	cache, _ := newTestCache(origin, clock)

	doGet(t, cache, "http://origin/data", LoadDefault)
	clock.Advance(time.Hour)

	_, body := doGet(t, cache, "http://origin/data", LoadPreferringCache)
	if !bytes.Equal(body, rangeBody()) {
		t.Fatalf("Stale body is %q", body)
	}
	if origin.requestCount() != 1 {
		t.Fatalf("Origin fetched %d times for a preferring-cache hit", origin.requestCount())
	}
}

func TestBypassCacheReplacesEntry(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, store := newTestCache(origin, clock)

	doGet(t, cache, "http://origin/data", LoadDefault)
	_, body := doGet(t, cache, "http://origin/data", LoadBypassCache)

	if !bytes.Equal(body, rangeBody()) {
		t.Fatalf("Bypass body is %q", body)
	}
	if origin.requestCount() != 2 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
	if store.CreateCount() != 2 {
		t.Fatalf("CreateEntry called %d times", store.CreateCount())
	}
	if store.EntryCount() != 1 {
		t.Fatalf("%d entries after bypass", store.EntryCount())
	}
}

func TestValidateCacheDirective(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, _ := newTestCache(origin, clock)

	doGet(t, cache, "http://origin/data", LoadDefault)
	// Entry is still fresh, yet the directive forces a round trip.
	_, body := doGet(t, cache, "http://origin/data", LoadValidateCache)

	if origin.requestCount() != 2 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
	if origin.request(1).Header.Get("If-None-Match") != `"v1"` {
		t.Fatalf("Validation request sent %q", origin.request(1).Header.Get("If-None-Match"))
	}
	if !bytes.Equal(body, rangeBody()) {
		t.Fatalf("Validated body is %q", body)
	}
}

func TestModeDisableNeverTouchesStore(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, store := newTestCache(origin, clock)
	cache.SetMode(ModeDisable)

	doGet(t, cache, "http://origin/data", LoadDefault)
	doGet(t, cache, "http://origin/data", LoadDefault)

	if origin.requestCount() != 2 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
	if store.CreateCount() != 0 || store.OpenCount() != 0 {
		t.Fatalf("Disabled cache touched the store: %d opens, %d creates",
			store.OpenCount(), store.CreateCount())
	}
}

func TestBackendFailureFallsBackToNetwork(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	logger := zerolog.Nop()
	cache := New(Config{
		OpenStore: func() (entrystore.Store, error) {
			return nil, fmt.Errorf("disk gone")
		},
		Transport: origin,
		Logger:    &logger,
		Clock:     clock.Now,
	})

	_, body := doGet(t, cache, "http://origin/data", LoadDefault)
	if !bytes.Equal(body, rangeBody()) {
		t.Fatalf("Fallback body is %q", body)
	}

	req, _ := http.NewRequest("GET", "http://origin/data", nil)
	tx := cache.NewTransaction()
	tx.SetDirective(LoadOnlyFromCache)
	if _, err := tx.RoundTrip(req); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Only-from-cache with dead backend returned %v", err)
	}
}

func TestWriteAndReadMetadata(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, _ := newTestCache(origin, clock)
	ctx := context.Background()

	doGet(t, cache, "http://origin/data", LoadDefault)
	u, _ := url.Parse("http://origin/data")

	// The stored response time is the clock value at fetch completion.
	if err := cache.WriteMetadata(ctx, u, testBaseTime.Add(time.Hour), []byte("stale blob")); err != nil {
		t.Fatal(err)
	}
	if blob, err := cache.ReadMetadata(ctx, u); err != nil || blob != nil {
		t.Fatalf("Mismatched timestamp stored a blob: %q, %v", blob, err)
	}

	if err := cache.WriteMetadata(ctx, u, testBaseTime, []byte("fresh blob")); err != nil {
		t.Fatal(err)
	}
	blob, err := cache.ReadMetadata(ctx, u)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob) != "fresh blob" {
		t.Fatalf("Read back %q", blob)
	}
}

func TestExternalConditionalPassesThrough(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	cache, store := newTestCache(origin, clock)

	doGet(t, cache, "http://origin/data", LoadDefault)

	req, _ := http.NewRequest("GET", "http://origin/data", nil)
	req.Header.Set("If-None-Match", `"v1"`)
	res, _ := doRequest(t, cache, req, LoadDefault)

	if res.StatusCode != http.StatusNotModified {
		t.Fatalf("Caller's conditional answered with %d", res.StatusCode)
	}
	if origin.requestCount() != 2 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
	if store.EntryCount() != 1 {
		t.Fatalf("%d entries after passthrough", store.EntryCount())
	}
}

// A bypass transaction can lose the window between its doom and its
// acquisition: another transaction creates the active entry first. The
// bypass must still replace that entry instead of serving from it.
func TestBypassReplacesEntryCreatedDuringDoom(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	var cache *Cache
	var reader *http.Response
	hooked := false
	store := entrystore.NewMemory(entrystore.MemoryConfig{Hook: func(op entrystore.Op, key string) {
		if op != entrystore.OpDoom || hooked {
			return
		}
		hooked = true
		// Slip a plain transaction in mid-doom; it holds the populated
		// entry open as a reader when the bypass goes to acquire.
		req, _ := http.NewRequest("GET", "http://origin/data", nil)
		res, err := cache.NewTransaction().RoundTrip(req)
		if err != nil {
			t.Error(err)
			return
		}
		reader = res
	}})
	logger := zerolog.Nop()
	cache = New(Config{
		OpenStore: func() (entrystore.Store, error) { return store, nil },
		Transport: origin,
		Logger:    &logger,
		Clock:     clock.Now,
	})

	doGet(t, cache, "http://origin/data", LoadDefault)

	replacement := []byte("the post-bypass resource body")
	origin.set(func(o *testOrigin) { o.body = replacement })
	_, body := doGet(t, cache, "http://origin/data", LoadBypassCache)

	if !hooked || reader == nil {
		t.Fatal("Doom did not overlap another transaction")
	}
	if !bytes.Equal(body, replacement) {
		t.Fatalf("Bypass served %q", body)
	}
	if origin.requestCount() != 2 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
	// The interleaved reader still streams the generation it opened.
	got, err := io.ReadAll(reader.Body)
	if err != nil {
		t.Fatal(err)
	}
	reader.Body.Close()
	if !bytes.Equal(got, rangeBody()) {
		t.Fatalf("Interleaved reader got %q", got)
	}
	if store.EntryCount() != 1 {
		t.Fatalf("%d entries after bypass", store.EntryCount())
	}
}

func TestUnresumableUnverifiableResponseNotStored(t *testing.T) {
	clock := newTestClock()
	origin := newTestOrigin(clock.Now)
	origin.set(func(o *testOrigin) {
		o.etag = `W/"v1"`
		o.lastModified = ""
		o.extraHeader = http.Header{"Accept-Ranges": []string{"none"}}
	})
	cache, store := newTestCache(origin, clock)

	_, body := doGet(t, cache, "http://origin/data", LoadDefault)
	if !bytes.Equal(body, rangeBody()) {
		t.Fatalf("Got body %q", body)
	}
	if store.EntryCount() != 0 {
		t.Fatalf("%d entries for an unverifiable no-ranges response", store.EntryCount())
	}
	_, body = doGet(t, cache, "http://origin/data", LoadDefault)
	if !bytes.Equal(body, rangeBody()) || origin.requestCount() != 2 {
		t.Fatalf("Second answer: %q after %d fetches", body, origin.requestCount())
	}

	// A strong validator makes the same header set storable again.
	origin.set(func(o *testOrigin) { o.etag = `"v1"` })
	doGet(t, cache, "http://origin/other", LoadDefault)
	doGet(t, cache, "http://origin/other", LoadDefault)
	if origin.requestCount() != 3 {
		t.Fatalf("Origin fetched %d times", origin.requestCount())
	}
	if store.EntryCount() != 1 {
		t.Fatalf("%d entries", store.EntryCount())
	}
}
