// Package contentstore implements the oracle's Content Fetcher: bounded
// concurrency, per-run memoized retrieval of byte blobs from the content
// store gateway, with typed timeout/not-found classification.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// cacheCapacity is the in-process memoization ceiling; entries beyond it
// are evicted least-recently-used.
const cacheCapacity = 10000

// statusGatewayTimeout and statusCloudflareTimeout are the two HTTP
// status codes the content store's edge returns when the origin is slow.
const (
	statusGatewayTimeout    = 504
	statusCloudflareTimeout = 524
)

// ErrorKind classifies why a fetch failed, distinguishing "the content is
// unavailable" (the validator treats this as a definitive verdict) from
// everything else (a systemic failure the caller must log and skip).
type ErrorKind int

const (
	// KindGatewayTimeout means the gateway/edge itself timed out (504/524).
	KindGatewayTimeout ErrorKind = iota
	// KindClientTimeout means our own wall-clock timeout fired first.
	KindClientTimeout
	// KindNotFound means the gateway returned 404.
	KindNotFound
	// KindOther is any other transport or decoding failure.
	KindOther
)

// Unavailable reports whether the error kind represents "the content is
// definitively unavailable", as opposed to a systemic/transient failure.
func (k ErrorKind) Unavailable() bool {
	return k == KindGatewayTimeout || k == KindClientTimeout || k == KindNotFound
}

// FetchError is the typed failure a Fetch call returns.
type FetchError struct {
	Kind ErrorKind
	CID  cid.Cid
	Err  error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindGatewayTimeout:
		return fmt.Sprintf("gateway timeout for %s: %v", e.CID, e.Err)
	case KindClientTimeout:
		return fmt.Sprintf("client timeout for %s: %v", e.CID, e.Err)
	case KindNotFound:
		return fmt.Sprintf("not found: %s", e.CID)
	default:
		return fmt.Sprintf("fetch %s: %v", e.CID, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Metrics groups the content fetcher's exported counters.
type Metrics struct {
	RequestsTotal func()
	CacheHits     func()
}

// Fetcher retrieves deployment bytes by content id from a single content
// store gateway. It owns its cache and its concurrency permit pool
// exclusively; both are safe for concurrent use from many goroutines.
type Fetcher struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration

	sem   *semaphore.Weighted
	cache *lru.Cache
	group singleflight.Group

	metrics Metrics
}

// New constructs a Fetcher against endpoint, allowing at most maxConcurrent
// fetches in flight and applying timeout as the per-request wall clock
// budget. metrics may have nil fields; they are treated as no-ops.
func New(endpoint string, maxConcurrent int, timeout time.Duration, metrics Metrics) *Fetcher {
	cache, err := lru.New(cacheCapacity)
	if err != nil {
		// Only returns an error for a non-positive size, which cacheCapacity never is.
		panic(fmt.Sprintf("contentstore: failed to allocate cache: %v", err))
	}
	if metrics.RequestsTotal == nil {
		metrics.RequestsTotal = func() {}
	}
	if metrics.CacheHits == nil {
		metrics.CacheHits = func() {}
	}
	return &Fetcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{},
		timeout:  timeout,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		cache:    cache,
		metrics:  metrics,
	}
}

// Fetch returns the bytes for cid, serving from cache on hit. On a miss it
// performs at most two network requests (the initial attempt plus one
// retry on failure) and, on success, populates the cache. Concurrent
// Fetch calls for the same cid within the same miss window share a single
// in-flight request.
func (f *Fetcher) Fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	key := c.String()

	if v, ok := f.cache.Get(key); ok {
		f.metrics.CacheHits()
		return v.([]byte), nil
	}

	f.metrics.RequestsTotal()

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		b, err := f.fetchWithRetry(ctx, c)
		if err != nil {
			return nil, err
		}
		f.cache.Add(key, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// InvalidateAll drops every cache entry. Invoked between reconciliation
// runs so every deployment is checked against the content store at least
// once per run.
func (f *Fetcher) InvalidateAll() {
	f.cache.Purge()
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, c cid.Cid) ([]byte, error) {
	var last error
	for attempt := 0; attempt < 2; attempt++ {
		b, err := f.fetchOnce(ctx, c)
		if err == nil {
			return b, nil
		}
		last = err
	}
	return nil, last
}

func (f *Fetcher) fetchOnce(ctx context.Context, c cid.Cid) ([]byte, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, &FetchError{Kind: KindOther, CID: c, Err: err}
	}
	defer f.sem.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/ipfs/%s", f.endpoint, c.String())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindOther, CID: c, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &FetchError{Kind: KindClientTimeout, CID: c, Err: err}
		}
		return nil, &FetchError{Kind: KindOther, CID: c, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case statusGatewayTimeout, statusCloudflareTimeout:
		return nil, &FetchError{Kind: KindGatewayTimeout, CID: c, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case http.StatusNotFound:
		return nil, &FetchError{Kind: KindNotFound, CID: c, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Kind: KindOther, CID: c, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Kind: KindOther, CID: c, Err: err}
	}
	return body, nil
}
