// Package persistence buffers high-volume, non-critical writes.
package persistence

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/pkg/db"
)

// EventStore persists a batch of strategy events in one transaction.
type EventStore interface {
	InsertStrategyEvents(ctx context.Context, events []db.StrategyEvent) error
}

// BatchWriter batches strategy event inserts. Events are best-effort: a failed
// batch is logged and dropped, never retried.
type BatchWriter struct {
	store       EventStore
	buffer      []db.StrategyEvent
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer.
// maxSize: max events before auto-flush
// interval: time-based flush interval
func NewBatchWriter(store EventStore, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		store:       store,
		buffer:      make([]db.StrategyEvent, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds an event to the batch.
func (bw *BatchWriter) Write(ev db.StrategyEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, ev)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		bw.Flush()
	}
}

// Flush immediately writes all buffered events.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := bw.buffer
	bw.buffer = make([]db.StrategyEvent, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(batch)
}

func (bw *BatchWriter) executeBatch(batch []db.StrategyEvent) error {
	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(batch)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)
	bw.mu.Lock()
	bw.metrics.LastBatchSize = len(batch)
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bw.store.InsertStrategyEvents(ctx, batch); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		log.Printf("BatchWriter: dropped %d strategy events: %v", len(batch), err)
		return err
	}
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				log.Printf("BatchWriter: final flush error: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of buffered events.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: bw.metrics.LastBatchSize,
		LastFlushTime: bw.metrics.LastFlushTime,
	}
}

// Close flushes what is left and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
