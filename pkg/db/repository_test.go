package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestQueriesRequireUserID(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	t.Run("ListConnectionsByUser requires userID", func(t *testing.T) {
		if _, err := d.ListConnectionsByUser(ctx, ""); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
	t.Run("FindEligibleConnection requires userID", func(t *testing.T) {
		if _, err := d.FindEligibleConnection(ctx, "", "binance", "futures"); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
	t.Run("InsertAudit requires userID", func(t *testing.T) {
		if err := d.InsertAudit(ctx, AuditRow{ID: "a"}); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
	t.Run("UpdateRiskState requires userID", func(t *testing.T) {
		_, err := d.UpdateRiskState(ctx, "", "2026-01-01", func(*RiskState, *RiskState) error { return nil })
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
}

func TestFindEligibleConnection(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	conns := []ExchangeConnection{
		{ID: "untested", UserID: "u1", Exchange: "binance", FuturesEnabled: true, CredentialsEncrypted: "x"},
		{ID: "killed", UserID: "u1", Exchange: "binance", FuturesEnabled: true, KillSwitch: true, LastTestStatus: TestStatusOK, CredentialsEncrypted: "x"},
		{ID: "nofutures", UserID: "u1", Exchange: "binance", LastTestStatus: TestStatusOK, CredentialsEncrypted: "x"},
		{ID: "good", UserID: "u1", Exchange: "binance", FuturesEnabled: true, LastTestStatus: TestStatusOK, CredentialsEncrypted: "x"},
		{ID: "spot", UserID: "u1", Exchange: "binance", MarketType: "spot", LastTestStatus: TestStatusOK, CredentialsEncrypted: "x"},
		{ID: "other-user", UserID: "u2", Exchange: "binance", FuturesEnabled: true, LastTestStatus: TestStatusOK, CredentialsEncrypted: "x"},
	}
	for _, c := range conns {
		if err := d.CreateConnection(ctx, c); err != nil {
			t.Fatalf("CreateConnection(%s): %v", c.ID, err)
		}
	}

	got, err := d.FindEligibleConnection(ctx, "u1", "binance", "futures")
	if err != nil {
		t.Fatalf("FindEligibleConnection: %v", err)
	}
	if got.ID != "good" || got.MaxLeverageAllowed != 10 || got.MaxNotionalUSDT != 200 {
		t.Fatalf("unexpected connection: %+v", got)
	}

	if _, err := d.FindEligibleConnection(ctx, "u1", "bybit", "futures"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for bybit, got %v", err)
	}

	if _, err := d.FindEligibleConnection(ctx, "u1", "binance", "spot"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("spot connection must not be eligible, got %v", err)
	}

	if err := d.UpdateConnectionTestStatus(ctx, "good", TestStatusFailed, "INVALID_KEY"); err != nil {
		t.Fatalf("UpdateConnectionTestStatus: %v", err)
	}
	if _, err := d.FindEligibleConnection(ctx, "u1", "binance", "futures"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed connection must not be eligible, got %v", err)
	}
}

func TestUpdateRiskStateCarriesPrevious(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	until := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	_, err := d.UpdateRiskState(ctx, "u1", "2026-03-01", func(cur, prev *RiskState) error {
		if prev != nil {
			t.Errorf("expected no previous row, got %+v", prev)
		}
		cur.TradesCount = 3
		cur.IsPaused = true
		cur.PausedReason = "max_consecutive_losses"
		cur.PausedUntil = until
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRiskState: %v", err)
	}

	var sawPrev bool
	next, err := d.UpdateRiskState(ctx, "u1", "2026-03-02", func(cur, prev *RiskState) error {
		sawPrev = prev != nil && prev.PausedUntil.Equal(until)
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRiskState next day: %v", err)
	}
	if !sawPrev {
		t.Fatal("expected previous day row to be offered")
	}
	if next.TradesCount != 0 {
		t.Fatalf("new day must start at zero trades, got %d", next.TradesCount)
	}

	// second update of the same day does not see prev
	_, _ = d.UpdateRiskState(ctx, "u1", "2026-03-02", func(cur, prev *RiskState) error {
		if prev != nil {
			t.Errorf("existing row should not get prev")
		}
		return nil
	})
}

func TestAcquireLockExclusive(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := d.AcquireLock(ctx, "run-1", "a/1", "a", now, now.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, _ = d.AcquireLock(ctx, "run-1", "b/1", "b", now, now.Add(time.Minute))
	if ok {
		t.Fatal("second owner must not acquire a live lock")
	}
	ok, _ = d.AcquireLock(ctx, "run-1", "b/1", "b", now.Add(2*time.Minute), now.Add(3*time.Minute))
	if !ok {
		t.Fatal("expired lock should be taken over")
	}
	if released, _ := d.ReleaseLock(ctx, "run-1", "a/1"); released {
		t.Fatal("stale owner must not release")
	}
	l, err := d.GetLock(ctx, "run-1")
	if err != nil || l.OwnerToken != "b/1" {
		t.Fatalf("GetLock = %+v, %v", l, err)
	}
}

func TestAcquireLockConcurrent(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := "h/" + string(rune('a'+i))
			ok, err := d.AcquireLock(ctx, "run-x", owner, "h", now, now.Add(time.Minute))
			if err != nil {
				t.Errorf("AcquireLock: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for i, status := range []string{AuditPlaced, AuditSkipped, AuditFailed} {
		row := AuditRow{
			ID: "audit-" + status, UserID: "u1", ConnectionID: "c1", Source: "strategy",
			Exchange: "binance", MarketType: "futures", Symbol: "BTCUSDT", Side: "BUY", OrderType: "MARKET",
			Quantity: 0.01, Status: status, CreatedAt: time.Unix(int64(1700000000+i), 0),
		}
		if err := d.InsertAudit(ctx, row); err != nil {
			t.Fatalf("InsertAudit: %v", err)
		}
	}

	rows, err := d.ListAudit(ctx, AuditFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(rows) != 3 || rows[0].Status != AuditFailed || rows[2].PrecheckJSON != "{}" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	n, _ := d.CountAudit(ctx, "u1")
	if n != 3 {
		t.Fatalf("CountAudit = %d", n)
	}
	skipped, _ := d.ListAudit(ctx, AuditFilter{UserID: "u1", Status: AuditSkipped})
	if len(skipped) != 1 {
		t.Fatalf("status filter returned %d rows", len(skipped))
	}
}

func TestStrategyRunsAndEvents(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	run := StrategyRun{ID: "r1", UserID: "u1", ConnectionID: "c1", Name: "rsi", Symbol: "BTCUSDT", Leverage: 2}
	if err := d.UpsertStrategyRun(ctx, run); err != nil {
		t.Fatalf("UpsertStrategyRun: %v", err)
	}
	at := time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)
	if err := d.TouchStrategyRun(ctx, "r1", at); err != nil {
		t.Fatalf("TouchStrategyRun: %v", err)
	}
	run.Leverage = 3
	if err := d.UpsertStrategyRun(ctx, run); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := d.GetStrategyRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetStrategyRun: %v", err)
	}
	if got.Leverage != 3 || !got.LastRunAt.Equal(at) || got.Status != StatusActive || got.Timeframe != "15m" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if _, err := d.GetStrategyRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	events := []StrategyEvent{
		{RunID: "r1", UserID: "u1", EventType: "signal", Payload: `{"rsi":25}`},
		{RunID: "r1", UserID: "u1", EventType: "order_submit", Payload: `{"orderId":"1"}`},
	}
	if err := d.InsertStrategyEvents(ctx, events); err != nil {
		t.Fatalf("InsertStrategyEvents: %v", err)
	}
	list, _ := d.ListStrategyEvents(ctx, "r1", 10)
	if len(list) != 2 || list[0].EventType != "order_submit" {
		t.Fatalf("unexpected events: %+v", list)
	}
}

func TestCopySetupsAndSettings(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for _, s := range []CopySetup{
		{ID: "s2", FollowerUserID: "b", MasterTraderID: "m", AllocationPct: 50},
		{ID: "s1", FollowerUserID: "a", MasterTraderID: "m", AllocationPct: 100},
		{ID: "s3", FollowerUserID: "c", MasterTraderID: "m", AllocationPct: 10, Status: StatusPaused},
	} {
		if err := d.CreateCopySetup(ctx, s); err != nil {
			t.Fatalf("CreateCopySetup: %v", err)
		}
	}
	setups, err := d.ListActiveCopySetups(ctx, "m")
	if err != nil {
		t.Fatalf("ListActiveCopySetups: %v", err)
	}
	if len(setups) != 2 || setups[0].FollowerUserID != "a" {
		t.Fatalf("unexpected setups: %+v", setups)
	}

	if _, err := d.GetSetting(ctx, SettingKillSwitchGlobal); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := d.SetSetting(ctx, SettingKillSwitchGlobal, "true"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, _ := d.GetSetting(ctx, SettingKillSwitchGlobal)
	if v != "true" {
		t.Fatalf("GetSetting = %q", v)
	}
}
