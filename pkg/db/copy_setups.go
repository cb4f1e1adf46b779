package db

import (
	"context"
	"fmt"
	"time"
)

// CreateCopySetup inserts a follower/master link.
func (d *Database) CreateCopySetup(ctx context.Context, s CopySetup) error {
	if s.FollowerUserID == "" {
		return ErrUserIDRequired
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO copy_setups (id, follower_user_id, master_trader_id, allocation_pct, max_position_pct, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.FollowerUserID, s.MasterTraderID, s.AllocationPct, s.MaxPositionPct, s.Status, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert copy setup: %w", err)
	}
	return nil
}

// ListActiveCopySetups returns active setups following masterID, ordered by follower.
func (d *Database) ListActiveCopySetups(ctx context.Context, masterID string) ([]CopySetup, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, follower_user_id, master_trader_id, allocation_pct, max_position_pct, status, created_at
		FROM copy_setups
		WHERE master_trader_id = ? AND status = 'active'
		ORDER BY follower_user_id
	`, masterID)
	if err != nil {
		return nil, fmt.Errorf("query copy setups: %w", err)
	}
	defer rows.Close()

	var setups []CopySetup
	for rows.Next() {
		var (
			s  CopySetup
			at int64
		)
		if err := rows.Scan(&s.ID, &s.FollowerUserID, &s.MasterTraderID, &s.AllocationPct, &s.MaxPositionPct, &s.Status, &at); err != nil {
			return nil, fmt.Errorf("scan copy setup: %w", err)
		}
		s.CreatedAt = fromMs(at)
		setups = append(setups, s)
	}
	return setups, rows.Err()
}
