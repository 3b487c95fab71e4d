package txcache

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/always-cache/transaction-cache/pkg/freshness"
)

// HandlerConfig configures the caching proxy handler.
type HandlerConfig struct {
	// Cache serves the transactions. Required.
	Cache *Cache
	// OriginURL receives all forwarded requests.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Optional function for mutating the incoming request.
	// Use it e.g. for setting an upload identifier header when needed.
	RequestModifier func(*http.Request)
	// Optional function for transforming the origin response.
	// Use it e.g. for adding Cache-Control or other headers.
	ResponseModifier func(*http.Response) error
}

// Handler is a caching reverse proxy in front of one origin. Every request
// runs through a cache transaction; the Cache-Status response header reports
// what the cache did with it.
type Handler struct {
	cache         *Cache
	origin        url.URL
	hostHeader    string
	log           zerolog.Logger
	modifyRequest func(*http.Request)
}

// NewHandler initializes the proxy handler.
func NewHandler(config HandlerConfig) *Handler {
	log := config.Cache.log.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	hostHeader := config.OriginURL.Host
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if config.Cache.transport == http.DefaultTransport {
			config.Cache.transport = &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}
	if config.ResponseModifier != nil {
		config.Cache.transport = &modifierTransport{
			next:   config.Cache.transport,
			modify: config.ResponseModifier,
		}
	}

	return &Handler{
		cache:         config.Cache,
		origin:        config.OriginURL,
		hostHeader:    hostHeader,
		log:           log,
		modifyRequest: config.RequestModifier,
	}
}

// modifierTransport applies the configured response transformation to every
// origin answer before the cache layer sees it.
type modifierTransport struct {
	next   http.RoundTripper
	modify func(*http.Response) error
}

func (m *modifierTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := m.next.RoundTrip(req)
	if err != nil {
		return res, err
	}
	if err := m.modify(res); err != nil {
		res.Body.Close()
		return nil, err
	}
	return res, nil
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.modifyRequest != nil {
		h.modifyRequest(r)
	}
	outreq := r.Clone(r.Context())
	outreq.URL.Scheme = h.origin.Scheme
	outreq.URL.Host = h.origin.Host
	outreq.Host = h.hostHeader
	outreq.RequestURI = ""

	tx := h.cache.NewTransaction()
	tx.SetDirective(directiveFor(r))

	res, err := tx.RoundTrip(outreq)
	if err != nil {
		h.sendError(w, r, tx, err)
		return
	}
	defer res.Body.Close()

	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", tx.Status().String())
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		h.log.Error().Err(err).Msg("Could not write response body to client")
	}
	h.logRequest(r, tx)
	h.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, tx *Transaction, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ErrCacheMiss):
		// An only-if-cached request that cannot be satisfied locally.
		status = http.StatusGatewayTimeout
	case errors.Is(err, ErrInvalidRange):
		status = http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, ErrCacheReadFailure):
		status = http.StatusInternalServerError
	}
	w.Header().Add("Cache-Status", tx.Status().String())
	http.Error(w, http.StatusText(status), status)
	h.log.Debug().Err(err).Str("url", r.URL.String()).Int("status", status).Msg("Request failed")
}

// directiveFor maps Cache-Control request directives onto a load directive.
func directiveFor(r *http.Request) LoadDirective {
	cc := freshness.ParseCacheControl(http.Header{"Cache-Control": r.Header.Values("Cache-Control")})
	switch {
	case cc.Has("only-if-cached"):
		return LoadOnlyFromCache
	case cc.Has("no-store"):
		return LoadBypassCache
	case cc.Has("no-cache"):
		return LoadValidateCache
	}
	return LoadDefault
}

func (h *Handler) logRequest(r *http.Request, tx *Transaction) {
	isHit := 0
	if tx.Status().IsHit() {
		isHit = 1
	}
	h.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("cacheStatus", tx.Status().String()).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
