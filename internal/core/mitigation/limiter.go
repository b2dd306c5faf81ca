package mitigation

import (
	"context"
	"math"
	"sync"
	"time"
)

// LimiterWindow is the sliding window used to enforce throttle rules.
const LimiterWindow = time.Second

// Limiter enforces a per-key request budget over LimiterWindow.
type Limiter interface {
	// Allow records a hit for key at now and reports whether it fit under
	// limit. A rejected hit is not recorded.
	Allow(ctx context.Context, key string, limit float64, now time.Time) (bool, error)
	// Forget discards all state for key.
	Forget(ctx context.Context, key string) error
}

// MemoryLimiter is an in-process sliding-window limiter.
type MemoryLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryLimiter returns an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{hits: make(map[string][]time.Time)}
}

// Allow admits while fewer than limit hits fall inside the window.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit float64, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hits[key]
	drop := 0
	for drop < len(hits) && now.Sub(hits[drop]) >= LimiterWindow {
		drop++
	}
	if drop > 0 {
		hits = append(hits[:0], hits[drop:]...)
	}

	if float64(len(hits)) >= limit {
		l.hits[key] = hits
		return false, nil
	}

	// Hits are appended in arrival order; a clock that steps backwards
	// still lands at the tail so the front stays oldest.
	if n := len(hits); n > 0 && now.Before(hits[n-1]) {
		now = hits[n-1]
	}
	if hits == nil {
		hits = make([]time.Time, 0, int(math.Min(math.Ceil(limit), 64)))
	}
	l.hits[key] = append(hits, now)
	return true, nil
}

// Forget drops the key's window.
func (l *MemoryLimiter) Forget(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.hits, key)
	l.mu.Unlock()
	return nil
}

// Keys returns the number of keys with live state.
func (l *MemoryLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
