package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"execution-core/pkg/db"
)

func newTestLocker(t *testing.T, now func() time.Time) (*Locker, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return New(database, WithClock(now), WithHolder("test-host")), database
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	l, _ := newTestLocker(t, time.Now)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Acquire(ctx, "run-1", time.Minute, l.NewOwner())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestReleaseByNonOwnerIsNoop(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l, database := newTestLocker(t, func() time.Time { return now })
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "run-1", 2*time.Minute, "a/1")
	if err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
	if err := l.Release(ctx, "run-1", "b/2"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	row, err := database.GetLock(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if row.OwnerToken != "a/1" || !row.ExpiresAt.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("lease changed by non-owner release: %+v", row)
	}
	if ok, _ := l.Acquire(ctx, "run-1", time.Minute, "b/2"); ok {
		t.Fatal("TTL should still hold against other owners")
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLocker(t, func() time.Time { return now })
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, "run-1", time.Minute, "a/1"); !ok {
		t.Fatal("first acquire should win")
	}
	now = now.Add(61 * time.Second)
	if ok, _ := l.Acquire(ctx, "run-1", time.Minute, "b/2"); !ok {
		t.Fatal("expired lease should be taken over")
	}
}

func TestOwnerCanReacquireAndRelease(t *testing.T) {
	l, _ := newTestLocker(t, time.Now)
	ctx := context.Background()

	owner := l.NewOwner()
	for i := 0; i < 2; i++ {
		if ok, err := l.Acquire(ctx, "run-1", time.Minute, owner); err != nil || !ok {
			t.Fatalf("acquire %d = %v, %v", i, ok, err)
		}
	}
	if err := l.Release(ctx, "run-1", owner); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := l.Acquire(ctx, "run-1", time.Minute, l.NewOwner()); !ok {
		t.Fatal("released lease should be free")
	}
}

func TestAcquireValidatesArgs(t *testing.T) {
	l, _ := newTestLocker(t, time.Now)
	tests := []struct {
		name  string
		runID string
		owner string
		ttl   time.Duration
	}{
		{"empty run", "", "o", time.Minute},
		{"empty owner", "r", "", time.Minute},
		{"zero ttl", "r", "o", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Acquire(context.Background(), tt.runID, tt.ttl, tt.owner); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
