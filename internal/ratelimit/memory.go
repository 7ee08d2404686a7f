package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vgrid/tokengate/internal/observability"
)

const (
	// entryOverheadBytes approximates the fixed cost of one tracked key:
	// map bucket share, entry struct, key string header.
	entryOverheadBytes = 160

	// timestampBytes is the cost of one recorded request.
	timestampBytes = 24

	// opportunisticCleanupEvery triggers an inline sweep after this many
	// writes, so elapsed windows are reclaimed even without the
	// background ticker.
	opportunisticCleanupEvery = 4096
)

// MemoryLimiter is an in-process sliding-window limiter. Check and record
// are a single atomic step under the per-entry lock.
type MemoryLimiter struct {
	limit   int
	window  time.Duration
	maxKeys int

	mu      sync.Mutex
	entries map[string]*limiterEntry
	writes  uint64

	logger observability.Logger
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// limiterEntry tracks the request timestamps for one identity. deleted is
// set under both l.mu and e.mu when the entry leaves the map, so a caller
// holding a stale pointer can tell it lost the race and must re-look up.
type limiterEntry struct {
	mu         sync.Mutex
	requests   []time.Time
	lastAccess time.Time
	deleted    bool
}

// MemoryLimiterOption is a functional option for the memory limiter.
type MemoryLimiterOption func(*MemoryLimiter)

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger observability.Logger) MemoryLimiterOption {
	return func(l *MemoryLimiter) {
		l.logger = logger
	}
}

// WithLimiterTimeSource sets the time source. Tests use this to advance the
// window without sleeping.
func WithLimiterTimeSource(now func() time.Time) MemoryLimiterOption {
	return func(l *MemoryLimiter) {
		l.now = now
	}
}

// NewMemoryLimiter creates a new in-memory sliding-window limiter.
func NewMemoryLimiter(cfg *Config, opts ...MemoryLimiterOption) *MemoryLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &MemoryLimiter{
		limit:   cfg.Requests,
		window:  cfg.Window,
		maxKeys: cfg.MaxKeys,
		entries: make(map[string]*limiterEntry),
		logger:  observability.NopLogger(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop(cfg.CleanupInterval)
	}

	return l
}

// Allow implements Limiter. The entry pointer is fetched under the map
// lock and recorded under the entry lock; if a sweep or eviction removes
// the entry in between, the deleted flag forces a re-lookup so the
// request is never recorded on an orphaned entry.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (*Result, error) {
	now := l.now()
	for {
		e := l.getOrCreateEntry(key, now)

		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			continue
		}
		result := l.allowLocked(e, now)
		e.mu.Unlock()
		return result, nil
	}
}

// allowLocked performs the atomic check-and-record step. Caller holds e.mu.
func (l *MemoryLimiter) allowLocked(e *limiterEntry, now time.Time) *Result {
	e.lastAccess = now
	l.pruneLocked(e, now)

	allowed := len(e.requests) < l.limit
	if allowed {
		e.requests = append(e.requests, now)
	}

	remaining := l.limit - len(e.requests)
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(l.window)
	if len(e.requests) > 0 {
		resetAt = e.requests[0].Add(l.window)
	}

	var retryAfter time.Duration
	if !allowed && len(e.requests) > 0 {
		retryAfter = e.requests[0].Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}
}

// Reset implements Limiter.
func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(key)
	return nil
}

// removeLocked marks an entry dead and drops it from the map. Caller
// holds l.mu.
func (l *MemoryLimiter) removeLocked(key string) {
	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	delete(l.entries, key)
}

// getOrCreateEntry returns the entry for a key, evicting under the map lock
// when the key cap is reached.
func (l *MemoryLimiter) getOrCreateEntry(key string, now time.Time) *limiterEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writes++
	if l.writes%opportunisticCleanupEvery == 0 {
		l.sweepLocked(now)
	}

	if e, ok := l.entries[key]; ok {
		return e
	}

	if len(l.entries) >= l.maxKeys {
		l.sweepLocked(now)
		if len(l.entries) >= l.maxKeys {
			l.evictOldestLocked(now)
		}
	}

	e := &limiterEntry{lastAccess: now}
	l.entries[key] = e
	return e
}

// pruneLocked drops timestamps outside the window. Caller holds e.mu.
func (l *MemoryLimiter) pruneLocked(e *limiterEntry, now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(e.requests) && !e.requests[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		e.requests = append(e.requests[:0], e.requests[idx:]...)
	}
}

// sweepLocked removes entries whose windows have fully elapsed. Caller
// holds l.mu.
func (l *MemoryLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	for key, e := range l.entries {
		e.mu.Lock()
		stale := len(e.requests) == 0 || !e.requests[len(e.requests)-1].After(cutoff)
		if stale {
			e.deleted = true
			delete(l.entries, key)
		}
		e.mu.Unlock()
	}
}

// evictOldestLocked removes the least recently used entry, preferring
// entries with no in-window requests so an active key's budget is only
// reset when the map is saturated with active keys. Caller holds l.mu.
// Linear scan is acceptable: this only runs when a full map takes a
// brand-new key.
func (l *MemoryLimiter) evictOldestLocked(now time.Time) {
	cutoff := now.Add(-l.window)

	var victimKey string
	var victimAccess time.Time
	victimActive := true
	found := false

	for key, e := range l.entries {
		e.mu.Lock()
		access := e.lastAccess
		active := len(e.requests) > 0 && e.requests[len(e.requests)-1].After(cutoff)
		e.mu.Unlock()

		better := !found ||
			(!active && victimActive) ||
			(active == victimActive && access.Before(victimAccess))
		if better {
			victimKey = key
			victimAccess = access
			victimActive = active
			found = true
		}
	}

	if found {
		l.removeLocked(victimKey)
	}
}

// Cleanup implements Limiter.
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.now())
}

// cleanupLoop runs the periodic sweep until Stop is called.
func (l *MemoryLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// Stats implements Limiter. Memory usage is an estimate from entry and
// timestamp counts, good enough for the ceiling assertions monitoring needs.
func (l *MemoryLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var mem int64
	for key, e := range l.entries {
		e.mu.Lock()
		mem += entryOverheadBytes + int64(len(key)) + int64(cap(e.requests))*timestampBytes
		e.mu.Unlock()
	}

	return Stats{
		TotalKeys:   len(l.entries),
		MemoryUsage: mem,
	}
}

// Ensure MemoryLimiter implements Limiter.
var _ Limiter = (*MemoryLimiter)(nil)
