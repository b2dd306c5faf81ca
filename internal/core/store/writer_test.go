package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/core"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
)

type memoryWriter struct {
	mu      sync.Mutex
	events  []Event
	batches int
	err     error
}

func (w *memoryWriter) AppendEvents(_ context.Context, events []Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches++
	w.events = append(w.events, events...)
	return nil
}

func (w *memoryWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func change(target string) mitigation.Change {
	return mitigation.Change{
		Kind: mitigation.ChangeCreated,
		At:   time.Now(),
		Rule: mitigation.Rule{Target: target, Action: core.ActionThrottle, Check: core.CheckRate},
	}
}

func TestJournalFlushesOnInterval(t *testing.T) {
	w := &memoryWriter{}
	j := NewJournal(w, 8, nil)
	j.FlushInterval = 5 * time.Millisecond
	j.Start(context.Background())
	defer j.Stop()

	j.Record(change("10.0.0.1"))
	j.Record(change("10.0.0.2"))

	require.Eventually(t, func() bool { return w.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), j.Stats().Written)
}

func TestJournalFlushesFullBatches(t *testing.T) {
	w := &memoryWriter{}
	j := NewJournal(w, 8, nil)
	j.FlushInterval = time.Hour
	j.BatchSize = 3
	j.Start(context.Background())
	defer j.Stop()

	for i := 0; i < 3; i++ {
		j.Record(change("10.0.0.1"))
	}
	require.Eventually(t, func() bool { return w.len() == 3 }, time.Second, 5*time.Millisecond)
}

func TestJournalStopDrainsBuffer(t *testing.T) {
	w := &memoryWriter{}
	j := NewJournal(w, 8, nil)
	j.FlushInterval = time.Hour

	// Enqueued before the writer runs; Stop must still persist them.
	for i := 0; i < 5; i++ {
		j.Record(change("10.0.0.1"))
	}
	j.Start(context.Background())
	j.Stop()
	j.Stop()

	assert.Equal(t, 5, w.len())
}

func TestJournalDropsWhenFull(t *testing.T) {
	w := &memoryWriter{}
	j := NewJournal(w, 2, nil)

	for i := 0; i < 5; i++ {
		j.Record(change("10.0.0.1"))
	}
	assert.Equal(t, int64(3), j.Stats().Dropped)
}

func TestJournalCountsWriteFailures(t *testing.T) {
	w := &memoryWriter{err: errors.New("disk full")}
	j := NewJournal(w, 4, nil)
	j.Record(change("10.0.0.1"))
	j.Start(context.Background())
	j.Stop()

	stats := j.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Written)
}
