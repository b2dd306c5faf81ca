package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/core"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
)

const (
	defaultJournalBuffer = 1024
	defaultJournalBatch  = 64
	defaultFlushInterval = time.Second
	journalDrainTimeout  = 5 * time.Second
)

// EventWriter persists batches of journal events.
type EventWriter interface {
	AppendEvents(ctx context.Context, events []Event) error
}

// JournalStats counts journal throughput.
type JournalStats struct {
	Written int64 `json:"written" yaml:"written"`
	Dropped int64 `json:"dropped" yaml:"dropped"`
	Failed  int64 `json:"failed" yaml:"failed"`
}

// Journal feeds rule-table changes to an EventWriter from a background
// goroutine. Record never blocks; when the buffer is full the event is dropped.
type Journal struct {
	FlushInterval time.Duration
	BatchSize     int

	w   EventWriter
	log core.Logger
	ch  chan Event

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJournal creates a stopped journal with the given buffer capacity.
func NewJournal(w EventWriter, buffer int, log core.Logger) *Journal {
	if buffer <= 0 {
		buffer = defaultJournalBuffer
	}
	if log == nil {
		log = core.NopLogger()
	}
	return &Journal{
		FlushInterval: defaultFlushInterval,
		BatchSize:     defaultJournalBatch,
		w:             w,
		log:           log,
		ch:            make(chan Event, buffer),
	}
}

// Record enqueues a change. Safe to use as a mitigation.Store OnChange hook.
func (j *Journal) Record(c mitigation.Change) {
	j.Enqueue(EventFromChange(c))
}

// Enqueue adds an event without blocking.
func (j *Journal) Enqueue(e Event) {
	select {
	case j.ch <- e:
	default:
		if j.dropped.Add(1) == 1 {
			j.log.Warn("Journal buffer full, dropping events", zap.String("target", e.Target))
		}
	}
}

// Stats returns throughput counters.
func (j *Journal) Stats() JournalStats {
	return JournalStats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
	}
}

// Start launches the writer goroutine. Calling Start twice is a no-op.
func (j *Journal) Start(ctx context.Context) {
	j.runMu.Lock()
	defer j.runMu.Unlock()
	if j.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	interval := j.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	size := j.BatchSize
	if size <= 0 {
		size = defaultJournalBatch
	}

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.run(ctx, interval, size)
	}()
}

// Stop drains buffered events and waits for the writer to exit.
func (j *Journal) Stop() {
	j.runMu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	j.wg.Wait()
}

func (j *Journal) run(ctx context.Context, interval time.Duration, size int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, size)
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case e := <-j.ch:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), journalDrainTimeout)
			j.flush(drainCtx, batch)
			cancel()
			return
		case e := <-j.ch:
			batch = append(batch, e)
			if len(batch) >= size {
				j.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				j.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (j *Journal) flush(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	if err := j.w.AppendEvents(ctx, batch); err != nil {
		j.failed.Add(int64(len(batch)))
		j.log.Error("Failed to write journal events", zap.Int("count", len(batch)), zap.Error(err))
		return
	}
	j.written.Add(int64(len(batch)))
}
