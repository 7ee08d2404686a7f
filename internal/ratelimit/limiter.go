// Package ratelimit bounds token exchange attempts per caller identity over
// a sliding window. Resident memory stays under a fixed ceiling even when an
// attacker floods the limiter with unique keys.
package ratelimit

import (
	"context"
	"time"
)

// Limiter defines the interface for exchange rate limiting.
type Limiter interface {
	// Allow atomically checks and records one request for the given key.
	// Concurrent callers sharing a key can never push the count past the
	// configured maximum through a check-then-increment race.
	Allow(ctx context.Context, key string) (*Result, error)

	// Reset clears the rate limit state for the given key.
	Reset(ctx context.Context, key string) error

	// Cleanup purges windows that have fully elapsed.
	Cleanup()

	// Stats returns monitoring counters.
	Stats() Stats
}

// Result represents the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Limit is the maximum number of requests per window.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAt is when the oldest recorded request leaves the window.
	ResetAt time.Time

	// RetryAfter is how long a rejected caller should wait.
	RetryAfter time.Duration
}

// Stats holds limiter monitoring data.
type Stats struct {
	// TotalKeys is the number of identities currently tracked.
	TotalKeys int

	// MemoryUsage is the approximate resident footprint in bytes.
	MemoryUsage int64
}

// Config holds limiter configuration.
type Config struct {
	// Requests is the maximum number of requests per window.
	Requests int

	// Window is the sliding window duration.
	Window time.Duration

	// MaxKeys caps the number of tracked identities. When the cap is
	// reached, fully elapsed windows are evicted first, then the least
	// recently used entries.
	MaxKeys int

	// CleanupInterval is how often the background sweep runs.
	CleanupInterval time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Requests:        30,
		Window:          time.Minute,
		MaxKeys:         100_000,
		CleanupInterval: time.Minute,
	}
}

// NoopLimiter always allows requests. Used when rate limiting is disabled.
type NoopLimiter struct{}

// NewNoopLimiter creates a new noop limiter.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Allow implements Limiter.
func (l *NoopLimiter) Allow(_ context.Context, _ string) (*Result, error) {
	return &Result{Allowed: true}, nil
}

// Reset implements Limiter.
func (l *NoopLimiter) Reset(_ context.Context, _ string) error { return nil }

// Cleanup implements Limiter.
func (l *NoopLimiter) Cleanup() {}

// Stats implements Limiter.
func (l *NoopLimiter) Stats() Stats { return Stats{} }
