// Package freshness implements the response freshness rules of RFC 9111:
// cache-control parsing, age calculation and freshness lifetime. The cache
// layer never runs timers; staleness is always a function of the stored
// timestamps compared against the clock at decision time.
package freshness

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheControl holds the parsed directives of a Cache-Control header.
// Directive names are lowercased; valueless directives map to "".
type CacheControl map[string]string

// ParseCacheControl parses all Cache-Control header lines of a header set.
func ParseCacheControl(h http.Header) CacheControl {
	cc := CacheControl{}
	for _, line := range h.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, "=")
			value = strings.Trim(strings.TrimSpace(value), `"`)
			cc[strings.ToLower(strings.TrimSpace(name))] = value
		}
	}
	return cc
}

// Has reports whether the directive is present.
func (cc CacheControl) Has(directive string) bool {
	_, ok := cc[directive]
	return ok
}

// Seconds returns the delta-seconds value of a directive, or ok=false if the
// directive is absent or unparseable.
func (cc CacheControl) Seconds(directive string) (time.Duration, bool) {
	value, ok := cc[directive]
	if !ok {
		return 0, false
	}
	// Leading whitespace inside the value is tolerated ("max-age= 36000").
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// HTTPDate parses an HTTP date in any of the three allowed formats.
func HTTPDate(value string) (time.Time, bool) {
	for _, layout := range []string{http.TimeFormat, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ToHTTPDate formats a time as an HTTP date.
func ToHTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// Lifetime returns the freshness lifetime of a response: max-age if present,
// otherwise Expires minus Date. A response with neither has zero lifetime
// and is therefore stale on arrival.
func Lifetime(h http.Header) time.Duration {
	cc := ParseCacheControl(h)
	if maxAge, ok := cc.Seconds("max-age"); ok {
		return maxAge
	}
	if expires := h.Get("Expires"); expires != "" {
		expiry, ok := HTTPDate(expires)
		if !ok {
			return 0
		}
		date, ok := HTTPDate(h.Get("Date"))
		if !ok {
			return 0
		}
		return expiry.Sub(date)
	}
	return 0
}

// Age computes the current age of a stored response per RFC 9111 §4.2.3,
// using the stored request/response clock values.
func Age(h http.Header, requestTime, responseTime, now time.Time) time.Duration {
	var ageValue time.Duration
	if v := h.Get("Age"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			ageValue = time.Duration(n) * time.Second
		}
	}
	apparentAge := time.Duration(0)
	if date, ok := HTTPDate(h.Get("Date")); ok {
		if d := responseTime.Sub(date); d > 0 {
			apparentAge = d
		}
	}
	correctedAge := ageValue + responseTime.Sub(requestTime)
	initialAge := apparentAge
	if correctedAge > initialAge {
		initialAge = correctedAge
	}
	return initialAge + now.Sub(responseTime)
}

// Fresh reports whether a stored response is still fresh at the given time.
func Fresh(h http.Header, requestTime, responseTime, now time.Time) bool {
	return Age(h, requestTime, responseTime, now) < Lifetime(h)
}

// MustNotStore reports whether a response forbids storing.
func MustNotStore(h http.Header) bool {
	return ParseCacheControl(h).Has("no-store")
}

// MustRevalidate reports whether a stored response may never be served
// without successful validation, regardless of freshness.
func MustRevalidate(h http.Header) bool {
	cc := ParseCacheControl(h)
	return cc.Has("no-cache") || cc.Has("must-revalidate")
}
