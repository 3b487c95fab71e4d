package freshness

import (
	"net/http"
	"testing"
	"time"
)

var base = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

func TestParseCacheControl(t *testing.T) {
	h := http.Header{}
	h.Add("Cache-Control", "max-age=60, must-revalidate")
	h.Add("Cache-Control", `private="Set-Cookie"`)

	cc := ParseCacheControl(h)
	if !cc.Has("max-age") || !cc.Has("must-revalidate") || !cc.Has("private") {
		t.Fatalf("Parsed %v", cc)
	}
	if cc["private"] != "Set-Cookie" {
		t.Fatalf("Quoted value parsed as %q", cc["private"])
	}
	if d, ok := cc.Seconds("max-age"); !ok || d != 60*time.Second {
		t.Fatalf("max-age parsed as %v, %v", d, ok)
	}
	if _, ok := cc.Seconds("must-revalidate"); ok {
		t.Fatal("Valueless directive has seconds")
	}
}

func TestSecondsToleratesSpace(t *testing.T) {
	cc := ParseCacheControl(http.Header{"Cache-Control": []string{"max-age= 36000"}})
	if d, ok := cc.Seconds("max-age"); !ok || d != 36000*time.Second {
		t.Fatalf("Got %v, %v", d, ok)
	}
}

func TestLifetime(t *testing.T) {
	h := http.Header{}
	h.Set("Cache-Control", "max-age=300")
	if d := Lifetime(h); d != 300*time.Second {
		t.Fatalf("max-age lifetime is %v", d)
	}

	h = http.Header{}
	h.Set("Date", ToHTTPDate(base))
	h.Set("Expires", ToHTTPDate(base.Add(10*time.Minute)))
	if d := Lifetime(h); d != 10*time.Minute {
		t.Fatalf("Expires lifetime is %v", d)
	}

	// max-age wins over Expires.
	h.Set("Cache-Control", "max-age=60")
	if d := Lifetime(h); d != time.Minute {
		t.Fatalf("Combined lifetime is %v", d)
	}

	if d := Lifetime(http.Header{}); d != 0 {
		t.Fatalf("Headerless lifetime is %v", d)
	}
}

func TestAge(t *testing.T) {
	h := http.Header{}
	h.Set("Date", ToHTTPDate(base))

	requestTime := base.Add(-2 * time.Second)
	responseTime := base
	now := base.Add(30 * time.Second)
	// Corrected age: the round trip took 2s, plus 30s of residence.
	if age := Age(h, requestTime, responseTime, now); age != 32*time.Second {
		t.Fatalf("Age is %v", age)
	}

	// An upstream Age header adds to the corrected age.
	h.Set("Age", "100")
	if age := Age(h, requestTime, responseTime, now); age != 132*time.Second {
		t.Fatalf("Age with Age header is %v", age)
	}

	// A Date far in the past dominates when larger.
	h.Del("Age")
	h.Set("Date", ToHTTPDate(base.Add(-10*time.Minute)))
	if age := Age(h, requestTime, responseTime, now); age != 10*time.Minute+30*time.Second {
		t.Fatalf("Age with old Date is %v", age)
	}
}

func TestFresh(t *testing.T) {
	h := http.Header{}
	h.Set("Date", ToHTTPDate(base))
	h.Set("Cache-Control", "max-age=60")

	if !Fresh(h, base, base, base.Add(59*time.Second)) {
		t.Fatal("Stale before max-age elapsed")
	}
	if Fresh(h, base, base, base.Add(60*time.Second)) {
		t.Fatal("Fresh at max-age boundary")
	}
}

func TestHTTPDateFormats(t *testing.T) {
	want := time.Date(1994, 11, 6, 8, 49, 37, 0, time.UTC)
	for _, value := range []string{
		"Sun, 06 Nov 1994 08:49:37 GMT",
		"Sunday, 06-Nov-94 08:49:37 GMT",
		"Sun Nov  6 08:49:37 1994",
	} {
		got, ok := HTTPDate(value)
		if !ok || !got.Equal(want) {
			t.Errorf("HTTPDate(%q) = %v, %v", value, got, ok)
		}
	}
	if _, ok := HTTPDate("yesterday"); ok {
		t.Fatal("Nonsense date parsed")
	}
}

func TestMustNotStore(t *testing.T) {
	h := http.Header{}
	if MustNotStore(h) {
		t.Fatal("Empty header forbids storing")
	}
	h.Set("Cache-Control", "no-store")
	if !MustNotStore(h) {
		t.Fatal("no-store not detected")
	}
}

func TestMustRevalidate(t *testing.T) {
	for _, value := range []string{"no-cache", "must-revalidate, max-age=60"} {
		h := http.Header{"Cache-Control": []string{value}}
		if !MustRevalidate(h) {
			t.Errorf("%q does not force validation", value)
		}
	}
	h := http.Header{"Cache-Control": []string{"max-age=60"}}
	if MustRevalidate(h) {
		t.Fatal("max-age alone forces validation")
	}
}
