// Package jwks caches provider key sets per URI. Concurrent fetches for one
// URI are coalesced into a single network call, unknown key IDs trigger at
// most one forced refresh per resolution, and repeated origin failures trip
// a circuit breaker instead of hammering the identity provider.
package jwks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/vgrid/tokengate/internal/auth"
	"github.com/vgrid/tokengate/internal/observability"
)

const (
	// defaultTTL is how long a fetched key set stays fresh.
	defaultTTL = time.Hour

	// maxResponseBytes caps the JWKS response body. Key sets are small;
	// anything larger is hostile or broken.
	maxResponseBytes = 1 << 20

	// breakerFailureThreshold opens the per-URI breaker after this many
	// consecutive fetch failures.
	breakerFailureThreshold = 5

	// breakerOpenTimeout is how long the breaker stays open before
	// allowing a probe fetch.
	breakerOpenTimeout = 30 * time.Second
)

// Cache owns one Resolver per JWKS URI. It is constructed once at process
// start and shared across all concurrent exchanges; no ambient globals.
type Cache struct {
	mu        sync.RWMutex
	resolvers map[string]*Resolver

	ttl        time.Duration
	httpClient *http.Client
	logger     observability.Logger
	metrics    *Metrics
	group      singleflight.Group
}

// Option is a functional option for the cache.
type Option func(*Cache)

// WithTTL sets the key set freshness TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithHTTPClient sets a custom HTTP client for fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Cache) {
		c.metrics = metrics
	}
}

// NewCache creates a new JWKS cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		resolvers: make(map[string]*Resolver),
		ttl:       defaultTTL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics("tokengate")
	}

	return c
}

// GetOrCreate returns the resolver for the given URI, creating it on first
// use. Creation is cheap; no network activity happens until Resolve.
func (c *Cache) GetOrCreate(uri string) *Resolver {
	c.mu.RLock()
	r, ok := c.resolvers[uri]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.resolvers[uri]; ok {
		return r
	}

	r = &Resolver{
		cache: c,
		uri:   uri,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    uri,
			Timeout: breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailureThreshold
			},
		}),
	}
	c.resolvers[uri] = r
	return r
}

// Has reports whether a resolver exists for the URI. Administrative, off
// the hot path.
func (c *Cache) Has(uri string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.resolvers[uri]
	return ok
}

// Size returns the number of cached resolvers.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resolvers)
}

// Clear evicts all cached resolvers and their key sets.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvers = make(map[string]*Resolver)
}

// Resolver resolves signing keys for a single JWKS URI with TTL memoization.
type Resolver struct {
	cache   *Cache
	uri     string
	breaker *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	keys      *KeySet
	fetchedAt time.Time
}

// URI returns the JWKS endpoint this resolver serves.
func (r *Resolver) URI() string {
	return r.uri
}

// Resolve returns the key with the given kid. A stale or empty cache is
// refreshed first; a kid missing from a fresh set forces exactly one
// re-fetch to pick up rotated keys before returning UnknownKeyId. The
// single re-fetch bounds fetch amplification when an attacker fans out
// nonexistent kids.
func (r *Resolver) Resolve(ctx context.Context, kid string) (*Key, error) {
	keys, fetchedAt := r.snapshot()

	if keys == nil || time.Since(fetchedAt) > r.cache.ttl {
		refreshed, err := r.refresh(ctx)
		if err != nil {
			// Stale keys are still better than an outage while the
			// origin recovers.
			if keys == nil {
				return nil, err
			}
			r.cache.logger.Warn("JWKS refresh failed, using stale keys",
				observability.String("uri", r.uri),
				observability.Error(err),
			)
		} else {
			keys = refreshed
		}
	}

	if key, ok := keys.Lookup(kid); ok {
		return key, nil
	}

	// Unknown kid on a current set: one forced refresh for key rotation.
	refreshed, err := r.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := refreshed.Lookup(kid); ok {
		return key, nil
	}

	return nil, auth.E(auth.CodeUnknownKeyID, fmt.Sprintf("key %q not found at %s", kid, r.uri), auth.ErrUnknownKeyID)
}

// snapshot returns the current key set and fetch time.
func (r *Resolver) snapshot() (*KeySet, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys, r.fetchedAt
}

// refresh fetches the key set, coalescing concurrent callers into a single
// network call per URI. The in-flight slot clears on settlement, so a
// failed fetch is retried by the next caller instead of caching failure.
func (r *Resolver) refresh(ctx context.Context) (*KeySet, error) {
	result, err, _ := r.cache.group.Do(r.uri, func() (interface{}, error) {
		set, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.keys = set
		r.fetchedAt = time.Now()
		r.mu.Unlock()

		return set, nil
	})
	if err != nil {
		return nil, auth.E(auth.CodeFetchError, fmt.Sprintf("fetching %s", r.uri), err)
	}

	return result.(*KeySet), nil
}

// fetch performs the HTTP fetch through the circuit breaker.
func (r *Resolver) fetch(ctx context.Context) (*KeySet, error) {
	start := time.Now()

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.doFetch(ctx)
	})
	if err != nil {
		r.cache.metrics.RecordFetch("error", time.Since(start))
		return nil, fmt.Errorf("%w: %v", auth.ErrFetchFailed, err)
	}

	r.cache.metrics.RecordFetch("success", time.Since(start))
	set := result.(*KeySet)

	r.cache.logger.Debug("JWKS fetched",
		observability.String("uri", r.uri),
		observability.Int("keys", len(set.Keys)),
	)

	return set, nil
}

// doFetch performs the raw HTTP request and parses the response.
func (r *Resolver) doFetch(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.uri, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.cache.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return ParseKeySet(body)
}
