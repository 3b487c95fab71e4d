package cachekey

import (
	"net/http"
	"net/url"
)

// UploadIDHeader names the request header carrying an explicit upload
// identifier. A POST or PUT request is cacheable only when this header is
// present; the identifier becomes part of the cache key so that distinct
// uploads to the same URL do not collide.
const UploadIDHeader = "Upload-Id"

const uploadSeparator = "/"

// ForRequest returns the canonical cache key for a request and whether the
// request may use the cache at all.
//
// The key is the request URL with the fragment stripped. Two requests with
// the same effective URL and method always map to the same key.
func ForRequest(r *http.Request) (string, bool) {
	switch r.Method {
	case http.MethodGet:
		return ForURL(r.URL), true
	case http.MethodPost, http.MethodPut:
		id := r.Header.Get(UploadIDHeader)
		if id == "" {
			return "", false
		}
		return id + uploadSeparator + ForURL(r.URL), true
	default:
		return "", false
	}
}

// ForURL returns the cache key for a plain GET of the given URL.
func ForURL(u *url.URL) string {
	if u.Fragment == "" && u.RawFragment == "" {
		return u.String()
	}
	stripped := *u
	stripped.Fragment = ""
	stripped.RawFragment = ""
	return stripped.String()
}
