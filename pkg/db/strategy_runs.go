package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = `
	id, user_id, connection_id, name, symbol, timeframe, direction, leverage,
	order_size_pct, initial_capital_usdt, take_profit_pct, stop_loss_pct, status,
	last_run_at, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*StrategyRun, error) {
	var (
		r                             StrategyRun
		lastRun, createdAt, updatedAt int64
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.ConnectionID, &r.Name, &r.Symbol, &r.Timeframe, &r.Direction, &r.Leverage,
		&r.OrderSizePct, &r.InitialCapitalUSDT, &r.TakeProfitPct, &r.StopLossPct, &r.Status,
		&lastRun, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.LastRunAt = fromMs(lastRun)
	r.CreatedAt = fromMs(createdAt)
	r.UpdatedAt = fromMs(updatedAt)
	return &r, nil
}

// UpsertStrategyRun inserts or updates a run's configuration. last_run_at is left untouched on update.
func (d *Database) UpsertStrategyRun(ctx context.Context, r StrategyRun) error {
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.Direction == "" {
		r.Direction = "both"
	}
	if r.Timeframe == "" {
		r.Timeframe = "15m"
	}
	now := time.Now().UnixMilli()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			connection_id = excluded.connection_id,
			name = excluded.name,
			symbol = excluded.symbol,
			timeframe = excluded.timeframe,
			direction = excluded.direction,
			leverage = excluded.leverage,
			order_size_pct = excluded.order_size_pct,
			initial_capital_usdt = excluded.initial_capital_usdt,
			take_profit_pct = excluded.take_profit_pct,
			stop_loss_pct = excluded.stop_loss_pct,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, r.ID, r.UserID, r.ConnectionID, r.Name, r.Symbol, r.Timeframe, r.Direction, r.Leverage,
		r.OrderSizePct, r.InitialCapitalUSDT, r.TakeProfitPct, r.StopLossPct, r.Status, now, now)
	if err != nil {
		return fmt.Errorf("upsert strategy run: %w", err)
	}
	return nil
}

// GetStrategyRun returns a run by id.
func (d *Database) GetStrategyRun(ctx context.Context, id string) (*StrategyRun, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM strategy_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy run: %w", err)
	}
	return r, nil
}

// ListActiveStrategyRuns returns all runs with status active.
func (d *Database) ListActiveStrategyRuns(ctx context.Context) ([]StrategyRun, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+runColumns+` FROM strategy_runs WHERE status = 'active' ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	defer rows.Close()

	var runs []StrategyRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// TouchStrategyRun sets last_run_at.
func (d *Database) TouchStrategyRun(ctx context.Context, id string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE strategy_runs SET last_run_at = ?, updated_at = ? WHERE id = ?
	`, toMs(at), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch strategy run: %w", err)
	}
	return nil
}

// SetStrategyRunStatus changes a run's status.
func (d *Database) SetStrategyRunStatus(ctx context.Context, id, status string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE strategy_runs SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update strategy run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertTickRun records one runner tick.
func (d *Database) InsertTickRun(ctx context.Context, t TickRun) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_tick_runs (id, run_id, user_id, status, reason, signal, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.RunID, t.UserID, t.Status, t.Reason, t.Signal, t.LatencyMs, toMs(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert tick run: %w", err)
	}
	return nil
}

// ListTickRuns returns the latest ticks of a run, newest first.
func (d *Database) ListTickRuns(ctx context.Context, runID string, limit int) ([]TickRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, run_id, user_id, status, reason, signal, latency_ms, created_at
		FROM strategy_tick_runs WHERE run_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tick runs: %w", err)
	}
	defer rows.Close()

	var out []TickRun
	for rows.Next() {
		var (
			t  TickRun
			at int64
		)
		if err := rows.Scan(&t.ID, &t.RunID, &t.UserID, &t.Status, &t.Reason, &t.Signal, &t.LatencyMs, &at); err != nil {
			return nil, fmt.Errorf("scan tick run: %w", err)
		}
		t.CreatedAt = fromMs(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertStrategyEvents writes a batch of events in one transaction.
func (d *Database) InsertStrategyEvents(ctx context.Context, events []StrategyEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO strategy_events (run_id, user_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare events insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, e.RunID, e.UserID, e.EventType, e.Payload, toMs(e.CreatedAt)); err != nil {
			return fmt.Errorf("insert strategy event: %w", err)
		}
	}
	return tx.Commit()
}

// ListStrategyEvents returns the latest events of a run, newest first.
func (d *Database) ListStrategyEvents(ctx context.Context, runID string, limit int) ([]StrategyEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, run_id, user_id, event_type, payload, created_at
		FROM strategy_events WHERE run_id = ?
		ORDER BY id DESC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query strategy events: %w", err)
	}
	defer rows.Close()

	var out []StrategyEvent
	for rows.Next() {
		var (
			e  StrategyEvent
			at int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.UserID, &e.EventType, &e.Payload, &at); err != nil {
			return nil, fmt.Errorf("scan strategy event: %w", err)
		}
		e.CreatedAt = fromMs(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
