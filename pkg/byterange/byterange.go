// Package byterange parses and formats HTTP Range and Content-Range headers.
// Only single byte ranges are supported; multipart ranges are treated as
// unparseable so that callers pass them through to the network untouched.
package byterange

import (
	"fmt"
	"strconv"
	"strings"
)

// Unbounded marks an unset position in a Range.
const Unbounded = int64(-1)

// Range is a single requested byte range.
//
// A suffix request ("bytes=-N") has Start and End Unbounded and SuffixLen=N.
// An open request ("bytes=N-") has End Unbounded.
type Range struct {
	Start     int64
	End       int64
	SuffixLen int64
}

// IsSuffix reports whether the range is a "last N bytes" request.
func (r Range) IsSuffix() bool {
	return r.Start == Unbounded && r.SuffixLen > 0
}

// Len returns the number of bytes covered, or Unbounded for open ranges.
func (r Range) Len() int64 {
	if r.Start == Unbounded || r.End == Unbounded {
		return Unbounded
	}
	return r.End - r.Start + 1
}

// Resolve converts the range into absolute start/end positions given the
// total resource size. It reports false if the range cannot be satisfied.
func (r Range) Resolve(size int64) (start, end int64, ok bool) {
	if r.IsSuffix() {
		start = size - r.SuffixLen
		if start < 0 {
			start = 0
		}
		return start, size - 1, size > 0
	}
	start = r.Start
	end = r.End
	if end == Unbounded || end > size-1 {
		end = size - 1
	}
	if start < 0 || start > end {
		return 0, 0, false
	}
	return start, end, true
}

// String formats the range as a Range header value.
func (r Range) String() string {
	if r.IsSuffix() {
		return fmt.Sprintf("bytes=-%d", r.SuffixLen)
	}
	if r.End == Unbounded {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ParseRequest parses a Range request header value. It reports ok=false for
// an absent value, and malformed=true when the value is present but invalid
// (or contains more than one range), which maps to a 416-equivalent outcome
// at the caller.
func ParseRequest(value string) (r Range, ok bool, malformed bool) {
	if value == "" {
		return Range{}, false, false
	}
	unit, spec, found := strings.Cut(strings.TrimSpace(value), "=")
	if !found || strings.TrimSpace(strings.ToLower(unit)) != "bytes" {
		return Range{}, false, true
	}
	if strings.Contains(spec, ",") {
		// Multipart ranges are not reconstructed from cache.
		return Range{}, false, true
	}
	first, last, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return Range{}, false, true
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return Range{}, false, true
		}
		return Range{Start: Unbounded, End: Unbounded, SuffixLen: n}, true, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return Range{}, false, true
	}
	end := Unbounded
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return Range{}, false, true
		}
	}
	return Range{Start: start, End: end}, true, false
}

// ContentRange is a parsed Content-Range response header.
// Total is Unbounded when the server reported "*".
type ContentRange struct {
	Start int64
	End   int64
	Total int64
}

// ParseContentRange parses a Content-Range header value of the form
// "bytes 20-59/80". It reports false for anything else.
func ParseContentRange(value string) (ContentRange, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(strings.ToLower(value), "bytes ") {
		return ContentRange{}, false
	}
	rangePart, totalPart, found := strings.Cut(strings.TrimSpace(value[len("bytes "):]), "/")
	if !found {
		return ContentRange{}, false
	}
	first, last, found := strings.Cut(rangePart, "-")
	if !found {
		return ContentRange{}, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return ContentRange{}, false
	}
	end, err := strconv.ParseInt(strings.TrimSpace(last), 10, 64)
	if err != nil || end < start {
		return ContentRange{}, false
	}
	total := Unbounded
	if t := strings.TrimSpace(totalPart); t != "*" {
		total, err = strconv.ParseInt(t, 10, 64)
		if err != nil || total <= end {
			return ContentRange{}, false
		}
	}
	return ContentRange{Start: start, End: end, Total: total}, true
}

// Header formats a Content-Range header value for the given bounds.
func Header(start, end, total int64) string {
	if total == Unbounded {
		return fmt.Sprintf("bytes %d-%d/*", start, end)
	}
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
}
