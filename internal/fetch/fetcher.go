// Package fetch retrieves the remote collections: JSON array endpoints and
// text feeds. Each retrieval carries its own bounded timeout and a small
// transparent retry with jitter; exhausting it surfaces a NetworkError.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// callTimeout bounds each individual network call. There is no finer-grained
// cancellation of in-flight syncs.
const callTimeout = 15 * time.Second

// Per-call retry policy: min(base * 2^i + jitter, netMaxDelay), small fixed
// attempt count, applied inside a single retrieval.
const (
	netBaseDelay = 1 * time.Second
	netMaxDelay  = 10 * time.Second
	netMaxTries  = 3
)

// maxBodyBytes caps response reads to keep a misbehaving endpoint from
// exhausting memory.
const maxBodyBytes = 8 << 20

const userAgent = "lagesbild/1.0 (+https://github.com/mlindgren/lagesbild)"

// netJitterFactor randomizes each retry interval. MaxInterval is scaled so
// the jittered delay never exceeds netMaxDelay.
const netJitterFactor = 0.25

// Fetcher retrieves raw bodies over HTTP. Safe for concurrent use.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewFetcher creates a Fetcher. transport may be nil for
// http.DefaultTransport; the daemon installs the cache router here so every
// retrieval flows through the response cache. A single rate limiter spans
// all endpoints to stay a good citizen toward the upstream host.
func NewFetcher(transport http.RoundTripper) *Fetcher {
	return &Fetcher{
		client:  &http.Client{Timeout: callTimeout, Transport: transport},
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}
}

// newNetPolicy builds the per-call retry policy. maxInterval * (1 + jitter)
// equals netMaxDelay, keeping every randomized delay within the ceiling.
func newNetPolicy() *backoff.ExponentialBackOff {
	pol := backoff.NewExponentialBackOff()
	pol.InitialInterval = netBaseDelay
	pol.Multiplier = 2
	pol.RandomizationFactor = netJitterFactor
	pol.MaxInterval = netMaxDelay * 4 / 5
	return pol
}

// Get retrieves url, retrying transient failures transparently. Exhausting
// the retries returns a *NetworkError; a 4xx status fails immediately.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	pol := newNetPolicy()

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		b, status, err := f.getOnce(ctx, url)
		if err != nil {
			if status >= 400 && status < 500 {
				// Client errors will not heal on retry.
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return b, nil
	}, backoff.WithBackOff(pol), backoff.WithMaxTries(netMaxTries))
	if err != nil {
		var ne *NetworkError
		if !errors.As(err, &ne) {
			err = &NetworkError{URL: url, Err: err}
		}
		return nil, err
	}
	return body, nil
}

// getOnce performs a single HTTP GET. The returned status is zero when the
// call never completed.
func (f *Fetcher) getOnce(ctx context.Context, url string) ([]byte, int, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, 0, &NetworkError{URL: url, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, &NetworkError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	// Sync retrievals are freshness-seeking; the Accept header classes them
	// for network-first routing regardless of URL shape.
	req.Header.Set("Accept", "application/json, text/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, &NetworkError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, &NetworkError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, resp.StatusCode, nil
}
