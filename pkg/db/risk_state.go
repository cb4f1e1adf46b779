package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const riskColumns = `
	user_id, day, realized_pnl_usdt, trades_count, consecutive_losses, is_paused,
	paused_reason, paused_until, last_trade_at, updated_at`

func getRiskState(ctx context.Context, q querier, userID, day string) (*RiskState, error) {
	row := q.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM strategy_risk_state WHERE user_id = ? AND day = ?`, userID, day)
	return scanRisk(row)
}

func latestRiskStateBefore(ctx context.Context, q querier, userID, day string) (*RiskState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+riskColumns+` FROM strategy_risk_state
		WHERE user_id = ? AND day < ?
		ORDER BY day DESC LIMIT 1
	`, userID, day)
	return scanRisk(row)
}

func scanRisk(row *sql.Row) (*RiskState, error) {
	var (
		s                                 RiskState
		paused                            int
		pausedUntil, lastTrade, updatedAt int64
	)
	err := row.Scan(&s.UserID, &s.Day, &s.RealizedPnLUSDT, &s.TradesCount, &s.ConsecutiveLosses, &paused,
		&s.PausedReason, &pausedUntil, &lastTrade, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan risk state: %w", err)
	}
	s.IsPaused = paused == 1
	s.PausedUntil = fromMs(pausedUntil)
	s.LastTradeAt = fromMs(lastTrade)
	s.UpdatedAt = fromMs(updatedAt)
	return &s, nil
}

// GetRiskState returns the row for (userID, day) or ErrNotFound.
func (d *Database) GetRiskState(ctx context.Context, userID, day string) (*RiskState, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return getRiskState(ctx, d.DB, userID, day)
}

// LatestRiskStateBefore returns the newest row strictly before day, or ErrNotFound.
func (d *Database) LatestRiskStateBefore(ctx context.Context, userID, day string) (*RiskState, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return latestRiskStateBefore(ctx, d.DB, userID, day)
}

// RiskMutation edits cur in place. prev is the newest earlier row when cur is
// being created for the first time, nil otherwise.
type RiskMutation func(cur *RiskState, prev *RiskState) error

// UpdateRiskState reads, mutates and upserts the (userID, day) row inside one transaction.
func (d *Database) UpdateRiskState(ctx context.Context, userID, day string, mutate RiskMutation) (*RiskState, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin risk tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cur, err := getRiskState(ctx, tx, userID, day)
	var prev *RiskState
	switch {
	case errors.Is(err, ErrNotFound):
		cur = &RiskState{UserID: userID, Day: day}
		prev, err = latestRiskStateBefore(ctx, tx, userID, day)
		if errors.Is(err, ErrNotFound) {
			prev = nil
		} else if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if err := mutate(cur, prev); err != nil {
		return nil, err
	}
	cur.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO strategy_risk_state (`+riskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET
			realized_pnl_usdt = excluded.realized_pnl_usdt,
			trades_count = excluded.trades_count,
			consecutive_losses = excluded.consecutive_losses,
			is_paused = excluded.is_paused,
			paused_reason = excluded.paused_reason,
			paused_until = excluded.paused_until,
			last_trade_at = excluded.last_trade_at,
			updated_at = excluded.updated_at
	`, cur.UserID, cur.Day, cur.RealizedPnLUSDT, cur.TradesCount, cur.ConsecutiveLosses, boolInt(cur.IsPaused),
		cur.PausedReason, toMs(cur.PausedUntil), toMs(cur.LastTradeAt), toMs(cur.UpdatedAt)); err != nil {
		return nil, fmt.Errorf("upsert risk state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit risk state: %w", err)
	}
	return cur, nil
}
