// Package cacheproxy routes generic request/response traffic through the
// response cache: network-first for API-class requests, cache-first for
// asset-class requests. Staleness is a label attached to responses; it never
// prevents serving cached content when the network is unavailable.
package cacheproxy

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mlindgren/lagesbild/internal/logging"
	"github.com/mlindgren/lagesbild/internal/model"
)

// ServedFromHeader carries the staleness label on every routed response.
const ServedFromHeader = "X-Served-From"

// Staleness labels.
const (
	LabelNetworkFresh  = "network-fresh"
	LabelCacheFresh    = "cache-fresh"
	LabelCacheStale    = "cache-stale"
	LabelCacheFallback = "cache-fallback"
	LabelSynthesized   = "fallback-synthesized"
)

// RequestClass separates freshness-seeking from availability-seeking
// requests.
type RequestClass int

const (
	// ClassAPI is served network-first: structured data wants freshness.
	ClassAPI RequestClass = iota

	// ClassAsset is served cache-first: static content wants availability.
	ClassAsset
)

// ResponseCache is the store surface the router needs. *store.Store
// implements it.
type ResponseCache interface {
	PutResponse(e model.CacheEntry) error
	GetResponse(key string) (model.CacheEntry, bool, error)
}

// Connectivity reports the current online state. *signal.Monitor implements
// it.
type Connectivity interface {
	Online() bool
}

// Router intercepts requests as an http.RoundTripper. Wrap an http.Client's
// transport with it; every GET flows through one of the two strategies,
// other methods pass straight through.
type Router struct {
	inner     http.RoundTripper
	cache     ResponseCache
	conn      Connectivity
	apiTTL    time.Duration
	staticTTL time.Duration
	now       func() time.Time
}

// New creates a Router. inner may be nil for http.DefaultTransport; now may
// be nil for the system clock.
func New(inner http.RoundTripper, cache ResponseCache, conn Connectivity, apiTTL, staticTTL time.Duration, now func() time.Time) *Router {
	if inner == nil {
		inner = http.DefaultTransport
	}
	if now == nil {
		now = time.Now
	}
	return &Router{
		inner:     inner,
		cache:     cache,
		conn:      conn,
		apiTTL:    apiTTL,
		staticTTL: staticTTL,
		now:       now,
	}
}

var _ http.RoundTripper = (*Router)(nil)

// Classify buckets a request: API-class when the path or Accept header says
// structured data, asset-class otherwise.
func Classify(req *http.Request) RequestClass {
	path := strings.ToLower(req.URL.Path)
	if strings.Contains(path, "/api/") || strings.HasSuffix(path, ".json") {
		return ClassAPI
	}
	if accept := req.Header.Get("Accept"); strings.Contains(accept, "application/json") {
		return ClassAPI
	}
	return ClassAsset
}

// RoundTrip applies the strategy for the request's class.
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return r.inner.RoundTrip(req)
	}

	switch Classify(req) {
	case ClassAPI:
		return r.networkFirst(req)
	default:
		return r.cacheFirst(req)
	}
}

// isSuccess gates caching: only 2xx responses are stored or labeled fresh.
// Everything else takes the cache-fallback path.
func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// networkFirst tries the network, falls back to any-age cache, then
// synthesizes.
func (r *Router) networkFirst(req *http.Request) (*http.Response, error) {
	resp, err := r.inner.RoundTrip(req)
	if err == nil && isSuccess(resp.StatusCode) {
		return r.cacheAndLabel(req, resp)
	}
	if err == nil {
		resp.Body.Close()
	}

	entry, ok := r.lookup(req)
	if ok {
		label := LabelCacheStale
		if r.now().Sub(entry.CachedAt) < r.apiTTL {
			label = LabelCacheFresh
		}
		logging.Debug("network-first falling back to cache", "key", requestKey(req), "label", label)
		return entryResponse(req, entry, label), nil
	}

	return r.synthesize(req), nil
}

// cacheFirst serves cache immediately when present and either young enough
// or the network is down; otherwise it refreshes from the network.
func (r *Router) cacheFirst(req *http.Request) (*http.Response, error) {
	entry, ok := r.lookup(req)
	if ok {
		age := r.now().Sub(entry.CachedAt)
		if age < r.staticTTL {
			return entryResponse(req, entry, LabelCacheFresh), nil
		}
		if !r.conn.Online() {
			return entryResponse(req, entry, LabelCacheStale), nil
		}
	}

	resp, err := r.inner.RoundTrip(req)
	if err == nil && isSuccess(resp.StatusCode) {
		return r.cacheAndLabel(req, resp)
	}
	if err == nil {
		resp.Body.Close()
	}

	if ok {
		return entryResponse(req, entry, LabelCacheFallback), nil
	}
	return r.synthesize(req), nil
}

// cacheAndLabel stores a successful response and labels it network-fresh.
// The body is consumed and replaced, so callers read it normally.
func (r *Router) cacheAndLabel(req *http.Request, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		headers["Content-Type"] = ct
	}

	if putErr := r.cache.PutResponse(model.CacheEntry{
		Key:      requestKey(req),
		Status:   resp.StatusCode,
		Header:   headers,
		Body:     body,
		CachedAt: r.now(),
	}); putErr != nil {
		// Cache write failure degrades to uncached serving.
		logging.Warn("response cache write failed", "key", requestKey(req), "error", putErr)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.Header.Set(ServedFromHeader, LabelNetworkFresh)
	return resp, nil
}

// lookup reads the cache; a storage failure reads as a miss.
func (r *Router) lookup(req *http.Request) (model.CacheEntry, bool) {
	entry, ok, err := r.cache.GetResponse(requestKey(req))
	if err != nil {
		logging.Warn("response cache read failed", "key", requestKey(req), "error", err)
		return model.CacheEntry{}, false
	}
	return entry, ok
}

// synthesize builds a class-appropriate fallback when neither network nor
// cache can serve: empty-but-valid JSON for structured data, an offline page
// for documents, 503 otherwise.
func (r *Router) synthesize(req *http.Request) *http.Response {
	accept := req.Header.Get("Accept")

	switch {
	case Classify(req) == ClassAPI:
		return syntheticResponse(req, http.StatusOK, "application/json", []byte("[]"))
	case strings.Contains(accept, "text/html"):
		page := []byte("<!doctype html><html><head><title>Offline</title></head>" +
			"<body><h1>Offline</h1><p>Ingen anslutning. Visar senast kända läge.</p></body></html>")
		return syntheticResponse(req, http.StatusOK, "text/html; charset=utf-8", page)
	default:
		return syntheticResponse(req, http.StatusServiceUnavailable, "text/plain", []byte("offline"))
	}
}

// requestKey identifies a request in the cache namespace.
func requestKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

// entryResponse materializes a cached entry as an *http.Response.
func entryResponse(req *http.Request, e model.CacheEntry, label string) *http.Response {
	header := http.Header{}
	for k, v := range e.Header {
		header.Set(k, v)
	}
	header.Set(ServedFromHeader, label)

	return &http.Response{
		StatusCode:    e.Status,
		Status:        http.StatusText(e.Status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func syntheticResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set(ServedFromHeader, LabelSynthesized)

	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
