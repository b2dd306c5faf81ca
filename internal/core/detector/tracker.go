package detector

import (
	"sync"
	"time"

	"github.com/bulwarkhq/bulwark/internal/core"
)

// intervalHistory bounds the inter-arrival samples kept per source.
const intervalHistory = 100

// minPatternRecords is the smallest window that gets a pattern score.
const minPatternRecords = 5

// Metrics are the statistics derived from a tracker's current window.
type Metrics struct {
	RequestRate   float64 `json:"request_rate" yaml:"request_rate"`
	FailureRate   float64 `json:"failure_rate" yaml:"failure_rate"`
	PatternScore  float64 `json:"pattern_score" yaml:"pattern_score"`
	BurstScore    float64 `json:"burst_score" yaml:"burst_score"`
	TotalRequests int     `json:"total_requests" yaml:"total_requests"`
	UniquePaths   int     `json:"unique_paths" yaml:"unique_paths"`
	UniqueMethods int     `json:"unique_methods" yaml:"unique_methods"`
	ErrorCount    int     `json:"error_count" yaml:"error_count"`
	Bytes         int64   `json:"bytes" yaml:"bytes"`
}

// Tracker holds the sliding window of request records for one source.
// Every aggregate is updated in the same critical section as the window
// mutation that changes it.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration

	records []core.RequestRecord
	head    int

	failed   int
	bytes    int64
	paths    map[string]int
	methods  map[string]int
	statuses map[int]int

	intervals intervalRing
	last      time.Time

	// retired is set by the idle sweep once the tracker leaves the map.
	retired bool
}

// NewTracker creates an empty tracker with the given window size.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		window:   window,
		paths:    make(map[string]int),
		methods:  make(map[string]int),
		statuses: make(map[int]int),
	}
}

// Add appends a record and evicts everything that fell out of the window.
func (t *Tracker) Add(rec core.RequestRecord, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(rec, now)
}

// Metrics evicts expired records and computes statistics for the remainder.
func (t *Tracker) Metrics(now time.Time) Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evict(now)
	return t.metrics(now)
}

// Len returns the number of records currently in the window.
func (t *Tracker) Len(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evict(now)
	return t.size()
}

func (t *Tracker) add(rec core.RequestRecord, now time.Time) {
	if !t.last.IsZero() {
		gap := rec.Timestamp.Sub(t.last).Seconds()
		if gap < 0 {
			gap = 0
		}
		t.intervals.push(gap)
	}
	if rec.Timestamp.After(t.last) {
		t.last = rec.Timestamp
	}

	t.records = append(t.records, rec)
	t.paths[rec.Path]++
	t.methods[rec.Method]++
	t.statuses[rec.StatusCode]++
	t.bytes += rec.Size
	if rec.Failed() {
		t.failed++
	}

	t.evict(now)
}

func (t *Tracker) evict(now time.Time) {
	for t.head < len(t.records) {
		oldest := t.records[t.head]
		if now.Sub(oldest.Timestamp) <= t.window {
			break
		}
		t.drop(oldest)
		t.records[t.head] = core.RequestRecord{}
		t.head++
	}

	switch {
	case t.head == len(t.records):
		t.records = t.records[:0]
		t.head = 0
	case t.head > 64 && t.head*2 >= len(t.records):
		n := copy(t.records, t.records[t.head:])
		t.records = t.records[:n]
		t.head = 0
	}
}

func (t *Tracker) drop(rec core.RequestRecord) {
	decrement(t.paths, rec.Path)
	decrement(t.methods, rec.Method)
	decrement(t.statuses, rec.StatusCode)
	t.bytes -= rec.Size
	if rec.Failed() {
		t.failed--
	}
}

func decrement[K comparable](m map[K]int, key K) {
	if m[key] <= 1 {
		delete(m, key)
		return
	}
	m[key]--
}

func (t *Tracker) size() int {
	return len(t.records) - t.head
}

func (t *Tracker) metrics(now time.Time) Metrics {
	total := t.size()
	if total == 0 {
		return Metrics{}
	}

	span := now.Sub(t.records[t.head].Timestamp).Seconds()
	m := Metrics{
		RequestRate:   float64(total) / max(span, 1),
		FailureRate:   float64(t.failed) / float64(max(total, 1)),
		TotalRequests: total,
		UniquePaths:   len(t.paths),
		UniqueMethods: len(t.methods),
		ErrorCount:    t.failed,
		Bytes:         t.bytes,
	}

	if total >= minPatternRecords {
		n := float64(total)
		pathDiversity := float64(len(t.paths)) / n
		methodDiversity := float64(len(t.methods)) / n
		statusDiversity := float64(len(t.statuses)) / n
		m.PatternScore = (1-pathDiversity)*0.3 + (1-methodDiversity)*0.2 + (1-statusDiversity)*0.2
	}

	if t.intervals.len() >= 2 {
		mean, variance := t.intervals.stats()
		normalizedVariance := 0.0
		if mean > 0 {
			normalizedVariance = min(1, variance/(mean*mean))
		}
		intervalScore := 1 - min(1, mean)
		m.BurstScore = 0.6*normalizedVariance + 0.4*intervalScore
	}

	return m
}

// intervalRing is a fixed-capacity ring of inter-arrival gaps in seconds.
type intervalRing struct {
	buf  [intervalHistory]float64
	next int
	n    int
}

func (r *intervalRing) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % intervalHistory
	if r.n < intervalHistory {
		r.n++
	}
}

func (r *intervalRing) len() int {
	return r.n
}

// stats returns the population mean and variance.
func (r *intervalRing) stats() (mean, variance float64) {
	if r.n == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < r.n; i++ {
		sum += r.buf[i]
	}
	mean = sum / float64(r.n)
	for i := 0; i < r.n; i++ {
		d := r.buf[i] - mean
		variance += d * d
	}
	variance /= float64(r.n)
	return mean, variance
}
