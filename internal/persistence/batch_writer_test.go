package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execution-core/pkg/db"
)

type memStore struct {
	mu      sync.Mutex
	batches [][]db.StrategyEvent
	err     error
}

func (m *memStore) InsertStrategyEvents(ctx context.Context, events []db.StrategyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, append([]db.StrategyEvent(nil), events...))
	return nil
}

func (m *memStore) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestBatchWriterFlushesAtMaxSize(t *testing.T) {
	store := &memStore{}
	bw := NewBatchWriter(store, 3, time.Hour)
	defer bw.Close()

	for i := 0; i < 3; i++ {
		bw.Write(db.StrategyEvent{RunID: "r1", UserID: "u1", EventType: "signal", Payload: "{}"})
	}
	if store.total() != 3 || bw.Pending() != 0 {
		t.Fatalf("expected a size-triggered flush, stored=%d pending=%d", store.total(), bw.Pending())
	}
}

func TestBatchWriterCloseFlushesRemainder(t *testing.T) {
	store := &memStore{}
	bw := NewBatchWriter(store, 100, time.Hour)

	bw.Write(db.StrategyEvent{RunID: "r1", UserID: "u1", EventType: "signal"})
	bw.Write(db.StrategyEvent{RunID: "r1", UserID: "u1", EventType: "order_submit"})
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.total() != 2 {
		t.Fatalf("stored %d events, want 2", store.total())
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBatchWriterCountsErrors(t *testing.T) {
	store := &memStore{err: errors.New("database is locked")}
	bw := NewBatchWriter(store, 100, time.Hour)
	defer bw.Close()

	bw.Write(db.StrategyEvent{RunID: "r1", UserID: "u1", EventType: "error"})
	if err := bw.Flush(); err == nil {
		t.Fatal("expected flush error")
	}
	m := bw.GetMetrics()
	if m.TotalErrors != 1 || m.TotalWrites != 1 || bw.Pending() != 0 {
		t.Fatalf("unexpected metrics: %+v pending=%d", m, bw.Pending())
	}
}

func TestBatchWriterWithSQLite(t *testing.T) {
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer d.Close()
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	bw := NewBatchWriter(d, 10, time.Hour)
	bw.Write(db.StrategyEvent{RunID: "r1", UserID: "u1", EventType: "signal", Payload: `{"rsi":25}`})
	bw.Close()

	got, err := d.ListStrategyEvents(context.Background(), "r1", 10)
	if err != nil {
		t.Fatalf("ListStrategyEvents: %v", err)
	}
	if len(got) != 1 || got[0].EventType != "signal" {
		t.Fatalf("unexpected events: %+v", got)
	}
}
