package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLock takes or refreshes the lease on runID in a single statement.
// The upsert only overwrites an existing row when it has expired or already belongs to owner,
// so RowsAffected == 1 means the caller holds the lock.
func (d *Database) AcquireLock(ctx context.Context, runID, owner, holder string, now, expiresAt time.Time) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_locks (run_id, owner_token, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			owner_token = excluded.owner_token,
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE strategy_locks.expires_at <= ? OR strategy_locks.owner_token = excluded.owner_token
	`, runID, owner, holder, toMs(now), toMs(expiresAt), toMs(now))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", runID, err)
	}
	return n == 1, nil
}

// ReleaseLock deletes the lease only if owner still holds it.
func (d *Database) ReleaseLock(ctx context.Context, runID, owner string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM strategy_locks WHERE run_id = ? AND owner_token = ?`, runID, owner)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetLock returns the current lease row for runID.
func (d *Database) GetLock(ctx context.Context, runID string) (*StrategyLock, error) {
	var (
		l                     StrategyLock
		acquiredAt, expiresAt int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT run_id, owner_token, holder, acquired_at, expires_at FROM strategy_locks WHERE run_id = ?
	`, runID).Scan(&l.RunID, &l.OwnerToken, &l.Holder, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query lock %s: %w", runID, err)
	}
	l.AcquiredAt = fromMs(acquiredAt)
	l.ExpiresAt = fromMs(expiresAt)
	return &l, nil
}
