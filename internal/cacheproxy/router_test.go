package cacheproxy

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mlindgren/lagesbild/internal/model"
)

// memCache is an in-memory ResponseCache.
type memCache struct {
	entries map[string]model.CacheEntry
	failing bool
}

var _ ResponseCache = (*memCache)(nil)

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]model.CacheEntry)}
}

func (m *memCache) PutResponse(e model.CacheEntry) error {
	if m.failing {
		return errors.New("cache unavailable")
	}
	m.entries[e.Key] = e
	return nil
}

func (m *memCache) GetResponse(key string) (model.CacheEntry, bool, error) {
	if m.failing {
		return model.CacheEntry{}, false, errors.New("cache unavailable")
	}
	e, ok := m.entries[key]
	return e, ok, nil
}

// fakeTransport returns a canned response or error.
type fakeTransport struct {
	status int
	body   string
	err    error
	calls  int
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Status:     http.StatusText(f.status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Request:    req,
	}, nil
}

type fixedConn bool

func (c fixedConn) Online() bool { return bool(c) }

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func mustRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	return string(body)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		url    string
		accept string
		want   RequestClass
	}{
		{"https://example.com/api/events", "", ClassAPI},
		{"https://example.com/data.json", "", ClassAPI},
		{"https://example.com/index.html", "", ClassAsset},
		{"https://example.com/page", "application/json", ClassAPI},
		{"https://example.com/style.css", "text/css", ClassAsset},
	}

	for _, tt := range tests {
		req := mustRequest(t, tt.url)
		if tt.accept != "" {
			req.Header.Set("Accept", tt.accept)
		}
		if got := Classify(req); got != tt.want {
			t.Errorf("Classify(%s) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestNetworkFirstSuccessCachesAndLabels(t *testing.T) {
	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(&fakeTransport{status: 200, body: `[{"id":1}]`}, cache, fixedConn(true), 30*time.Minute, 24*time.Hour, fixedNow(now))

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/api/events"))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelNetworkFresh {
		t.Errorf("label = %q, want %q", got, LabelNetworkFresh)
	}
	if body := readBody(t, resp); body != `[{"id":1}]` {
		t.Errorf("body = %q", body)
	}

	entry, ok, _ := cache.GetResponse("GET https://example.com/api/events")
	if !ok {
		t.Fatal("response should be cached")
	}
	if !entry.CachedAt.Equal(now) {
		t.Errorf("cachedAt = %v, want %v", entry.CachedAt, now)
	}
}

func TestNetworkFirstServesStaleCacheOnFailure(t *testing.T) {
	// Endpoint unreachable, cache entry from 2 hours ago, TTL 30 minutes:
	// the router returns the stale cache labeled accordingly, not a failure.
	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.entries["GET https://example.com/api/events"] = model.CacheEntry{
		Key:      "GET https://example.com/api/events",
		Status:   200,
		Header:   map[string]string{"Content-Type": "application/json"},
		Body:     []byte(`[{"id":"old"}]`),
		CachedAt: now.Add(-2 * time.Hour),
	}

	r := New(&fakeTransport{err: errors.New("unreachable")}, cache, fixedConn(false), 30*time.Minute, 24*time.Hour, fixedNow(now))

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/api/events"))
	if err != nil {
		t.Fatalf("RoundTrip should not fail, got %v", err)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelCacheStale {
		t.Errorf("label = %q, want %q", got, LabelCacheStale)
	}
	if body := readBody(t, resp); body != `[{"id":"old"}]` {
		t.Errorf("body = %q", body)
	}
}

func TestNetworkFirstFreshCacheLabel(t *testing.T) {
	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.entries["GET https://example.com/api/events"] = model.CacheEntry{
		Key:      "GET https://example.com/api/events",
		Status:   200,
		Body:     []byte(`[]`),
		CachedAt: now.Add(-10 * time.Minute),
	}

	r := New(&fakeTransport{err: errors.New("unreachable")}, cache, fixedConn(false), 30*time.Minute, 24*time.Hour, fixedNow(now))

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/api/events"))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelCacheFresh {
		t.Errorf("label = %q, want %q", got, LabelCacheFresh)
	}
}

func TestNetworkFirstClientErrorKeepsGoodCache(t *testing.T) {
	// A 404 is a failed fetch: it must not be cached, must not be labeled
	// network-fresh, and must not overwrite a previously good 200 entry.
	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := "GET https://example.com/api/events"
	cache.entries[key] = model.CacheEntry{
		Key:      key,
		Status:   200,
		Body:     []byte(`[{"id":"good"}]`),
		CachedAt: now.Add(-10 * time.Minute),
	}

	tr := &fakeTransport{status: 404, body: "not found"}
	r := New(tr, cache, fixedConn(true), 30*time.Minute, 24*time.Hour, fixedNow(now))

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/api/events"))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if tr.calls != 1 {
		t.Errorf("network should be attempted once, got %d calls", tr.calls)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelCacheFresh {
		t.Errorf("label = %q, want %q", got, LabelCacheFresh)
	}
	if body := readBody(t, resp); body != `[{"id":"good"}]` {
		t.Errorf("body = %q, want the good cached payload", body)
	}

	entry, ok, _ := cache.GetResponse(key)
	if !ok || entry.Status != 200 || string(entry.Body) != `[{"id":"good"}]` {
		t.Errorf("good cache entry clobbered by the 404: %+v", entry)
	}
}

func TestCacheFirstClientErrorFallsBackToCache(t *testing.T) {
	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := "GET https://example.com/app.css"
	cache.entries[key] = model.CacheEntry{
		Key:      key,
		Status:   200,
		Body:     []byte("body{}"),
		CachedAt: now.Add(-48 * time.Hour),
	}

	tr := &fakeTransport{status: 404, body: "gone"}
	r := New(tr, cache, fixedConn(true), 30*time.Minute, 24*time.Hour, fixedNow(now))

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/app.css"))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelCacheFallback {
		t.Errorf("label = %q, want %q", got, LabelCacheFallback)
	}
	if body := readBody(t, resp); body != "body{}" {
		t.Errorf("body = %q, want the cached entry", body)
	}
	entry, _, _ := cache.GetResponse(key)
	if entry.Status != 200 {
		t.Errorf("404 should not be cached, entry status = %d", entry.Status)
	}
}

func TestNetworkFirstSynthesizesWithoutCache(t *testing.T) {
	r := New(&fakeTransport{err: errors.New("unreachable")}, newMemCache(), fixedConn(false), 30*time.Minute, 24*time.Hour, nil)

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/api/events"))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelSynthesized {
		t.Errorf("label = %q, want %q", got, LabelSynthesized)
	}
	if body := readBody(t, resp); body != "[]" {
		t.Errorf("expected empty-but-valid JSON, got %q", body)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCacheFirstServesYoungCacheWithoutNetwork(t *testing.T) {
	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.entries["GET https://example.com/app.css"] = model.CacheEntry{
		Key:      "GET https://example.com/app.css",
		Status:   200,
		Body:     []byte("body{}"),
		CachedAt: now.Add(-time.Hour),
	}

	tr := &fakeTransport{status: 200, body: "fresh"}
	r := New(tr, cache, fixedConn(true), 30*time.Minute, 24*time.Hour, fixedNow(now))

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/app.css"))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if tr.calls != 0 {
		t.Errorf("cache-first young hit must not touch the network, got %d calls", tr.calls)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelCacheFresh {
		t.Errorf("label = %q, want %q", got, LabelCacheFresh)
	}
}

func TestCacheFirstServesExpiredCacheWhenOffline(t *testing.T) {
	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.entries["GET https://example.com/app.css"] = model.CacheEntry{
		Key:      "GET https://example.com/app.css",
		Status:   200,
		Body:     []byte("body{}"),
		CachedAt: now.Add(-48 * time.Hour),
	}

	tr := &fakeTransport{err: errors.New("unreachable")}
	r := New(tr, cache, fixedConn(false), 30*time.Minute, 24*time.Hour, fixedNow(now))

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/app.css"))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if tr.calls != 0 {
		t.Errorf("offline cache-first must not touch the network, got %d calls", tr.calls)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelCacheStale {
		t.Errorf("label = %q, want %q", got, LabelCacheStale)
	}
}

func TestCacheFirstRefreshesExpiredCacheOnline(t *testing.T) {
	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.entries["GET https://example.com/app.css"] = model.CacheEntry{
		Key:      "GET https://example.com/app.css",
		Status:   200,
		Body:     []byte("old"),
		CachedAt: now.Add(-48 * time.Hour),
	}

	tr := &fakeTransport{status: 200, body: "new"}
	r := New(tr, cache, fixedConn(true), 30*time.Minute, 24*time.Hour, fixedNow(now))

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/app.css"))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelNetworkFresh {
		t.Errorf("label = %q, want %q", got, LabelNetworkFresh)
	}
	if body := readBody(t, resp); body != "new" {
		t.Errorf("body = %q, want refreshed content", body)
	}
}

func TestCacheFirstFallsBackToExpiredCacheOnNetworkFailure(t *testing.T) {
	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.entries["GET https://example.com/app.css"] = model.CacheEntry{
		Key:      "GET https://example.com/app.css",
		Status:   200,
		Body:     []byte("old"),
		CachedAt: now.Add(-48 * time.Hour),
	}

	// Online, so the expired entry forces a network attempt, which fails.
	tr := &fakeTransport{err: errors.New("unreachable")}
	r := New(tr, cache, fixedConn(true), 30*time.Minute, 24*time.Hour, fixedNow(now))

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/app.css"))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelCacheFallback {
		t.Errorf("label = %q, want %q", got, LabelCacheFallback)
	}
	if body := readBody(t, resp); body != "old" {
		t.Errorf("body = %q, want the cached entry", body)
	}
}

func TestCacheFirstSynthesizesOfflinePage(t *testing.T) {
	tr := &fakeTransport{err: errors.New("unreachable")}
	r := New(tr, newMemCache(), fixedConn(false), 30*time.Minute, 24*time.Hour, nil)

	req := mustRequest(t, "https://example.com/index.html")
	req.Header.Set("Accept", "text/html")

	resp, err := r.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelSynthesized {
		t.Errorf("label = %q, want %q", got, LabelSynthesized)
	}
	if body := readBody(t, resp); !strings.Contains(body, "Offline") {
		t.Errorf("expected an offline page, got %q", body)
	}
}

func TestNonGetPassesThrough(t *testing.T) {
	cache := newMemCache()
	tr := &fakeTransport{status: 201, body: "created"}
	r := New(tr, cache, fixedConn(true), 30*time.Minute, 24*time.Hour, nil)

	req, err := http.NewRequest(http.MethodPost, "https://example.com/api/events", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	resp, rtErr := r.RoundTrip(req)
	if rtErr != nil {
		t.Fatalf("RoundTrip failed: %v", rtErr)
	}
	if resp.StatusCode != 201 {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if len(cache.entries) != 0 {
		t.Errorf("POST must not be cached, got %d entries", len(cache.entries))
	}
}

func TestCacheStorageFailureReadsAsMiss(t *testing.T) {
	cache := newMemCache()
	cache.failing = true
	r := New(&fakeTransport{status: 200, body: "[]"}, cache, fixedConn(true), 30*time.Minute, 24*time.Hour, nil)

	resp, err := r.RoundTrip(mustRequest(t, "https://example.com/api/events"))
	if err != nil {
		t.Fatalf("storage failure must not fail the request: %v", err)
	}
	if got := resp.Header.Get(ServedFromHeader); got != LabelNetworkFresh {
		t.Errorf("label = %q, want %q", got, LabelNetworkFresh)
	}
}
