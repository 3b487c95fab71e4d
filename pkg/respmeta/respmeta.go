// Package respmeta serializes response metadata to and from the metadata
// stream of a cache entry. The on-disk layout is the HTTP/1.1 text
// representation of the status line and headers, with the cache's own
// bookkeeping (request/response clock values and the truncation flag)
// carried as private header fields that are stripped on load.
package respmeta

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	requestTimeHeader  = "Txcache-Request-Time"
	responseTimeHeader = "Txcache-Response-Time"
	truncatedHeader    = "Txcache-Truncated"
)

// Info is the persisted metadata of one cache entry: status line, headers,
// the clock values needed for age calculation, and whether the stored body
// is a truncated prefix of the full resource.
type Info struct {
	// Status is the status line without the protocol, e.g. "200 OK".
	Status     string
	StatusCode int
	Header     http.Header
	// RequestTime is the clock value when the request that produced the
	// stored response was issued.
	RequestTime time.Time
	// ResponseTime is the clock value when the stored response was received.
	ResponseTime time.Time
	// Truncated marks the body as an incomplete prefix eligible for
	// byte-range resumption.
	Truncated bool
}

// FromResponse captures the metadata of a network response.
func FromResponse(res *http.Response, requestTime, responseTime time.Time) *Info {
	status := res.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode))
	}
	return &Info{
		Status:       status,
		StatusCode:   res.StatusCode,
		Header:       res.Header.Clone(),
		RequestTime:  requestTime,
		ResponseTime: responseTime,
	}
}

// Encode renders the metadata for the entry's metadata stream.
func (i *Info) Encode() []byte {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "HTTP/1.1 %s\r\n", i.Status)
	h := i.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(requestTimeHeader, strconv.FormatInt(i.RequestTime.UnixNano(), 10))
	h.Set(responseTimeHeader, strconv.FormatInt(i.ResponseTime.UnixNano(), 10))
	if i.Truncated {
		h.Set(truncatedHeader, "1")
	}
	h.Write(buf)
	io.WriteString(buf, "\r\n")
	return buf.Bytes()
}

// Decode parses metadata previously written by Encode.
func Decode(b []byte) (*Info, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, fmt.Errorf("decode entry metadata: %w", err)
	}
	res.Body.Close()
	info := &Info{
		Status:     res.Status,
		StatusCode: res.StatusCode,
		Header:     res.Header,
	}
	if nanos, err := strconv.ParseInt(res.Header.Get(requestTimeHeader), 10, 64); err == nil {
		info.RequestTime = time.Unix(0, nanos)
	}
	if nanos, err := strconv.ParseInt(res.Header.Get(responseTimeHeader), 10, 64); err == nil {
		info.ResponseTime = time.Unix(0, nanos)
	}
	info.Truncated = res.Header.Get(truncatedHeader) == "1"
	res.Header.Del(requestTimeHeader)
	res.Header.Del(responseTimeHeader)
	res.Header.Del(truncatedHeader)
	return info, nil
}

// Response builds a bodyless http.Response from the stored metadata.
func (i *Info) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:     i.Status,
		StatusCode: i.StatusCode,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     i.Header.Clone(),
		Body:       http.NoBody,
		Request:    req,
	}
}

// ETag returns the entity tag validator, if any.
func (i *Info) ETag() string {
	return i.Header.Get("Etag")
}

// LastModified returns the last-modified validator, if any.
func (i *Info) LastModified() string {
	return i.Header.Get("Last-Modified")
}

// HasValidator reports whether a conditional request can be built at all.
func (i *Info) HasValidator() bool {
	return i.ETag() != "" || i.LastModified() != ""
}

// HasStrongValidator reports whether the entry carries a validator strong
// enough for byte-range operations: a non-weak entity tag, or a
// last-modified date.
func (i *Info) HasStrongValidator() bool {
	if etag := i.ETag(); etag != "" && !strings.HasPrefix(etag, "W/") && !strings.HasPrefix(etag, "w/") {
		return true
	}
	return i.LastModified() != ""
}

// ContentLength returns the declared content length, or -1 if unknown.
func (i *Info) ContentLength() int64 {
	n, err := strconv.ParseInt(i.Header.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Headers that are never copied from a validation response onto the stored
// metadata. Hop-by-hop fields describe the new connection, and the length
// fields describe the (empty) 304 body rather than the stored one.
var updateExcluded = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Connection",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Content-Range",
}

// Update merges the headers of a 304 validation response into the stored
// metadata, as required when a conditional request confirms the entry.
func (i *Info) Update(h http.Header, requestTime, responseTime time.Time) {
	for name, values := range h {
		if excludedFromUpdate(name) {
			continue
		}
		i.Header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	i.RequestTime = requestTime
	i.ResponseTime = responseTime
	i.Truncated = false
}

func excludedFromUpdate(name string) bool {
	for _, excluded := range updateExcluded {
		if strings.EqualFold(name, excluded) {
			return true
		}
	}
	return false
}
