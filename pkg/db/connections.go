// Package db provides the SQLite repositories of the execution core.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

const connectionColumns = `
	id, user_id, exchange, environment, market_type, credentials_encrypted,
	futures_enabled, kill_switch, disabled, max_leverage_allowed, max_notional_usdt,
	margin_mode, position_mode, default_leverage, last_test_status, last_test_reason,
	created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*ExchangeConnection, error) {
	var (
		c                       ExchangeConnection
		futures, kill, disabled int
		createdAt, updatedAt    int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Exchange, &c.Environment, &c.MarketType, &c.CredentialsEncrypted,
		&futures, &kill, &disabled, &c.MaxLeverageAllowed, &c.MaxNotionalUSDT,
		&c.MarginMode, &c.PositionMode, &c.DefaultLeverage, &c.LastTestStatus, &c.LastTestReason,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.FuturesEnabled = futures == 1
	c.KillSwitch = kill == 1
	c.Disabled = disabled == 1
	c.CreatedAt = fromMs(createdAt)
	c.UpdatedAt = fromMs(updatedAt)
	return &c, nil
}

// CreateConnection inserts a connection. Defaults mirror the table defaults.
func (d *Database) CreateConnection(ctx context.Context, c ExchangeConnection) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	if c.MaxLeverageAllowed == 0 {
		c.MaxLeverageAllowed = 10
	}
	if c.MaxNotionalUSDT == 0 {
		c.MaxNotionalUSDT = 200
	}
	if c.MarginMode == "" {
		c.MarginMode = "isolated"
	}
	if c.PositionMode == "" {
		c.PositionMode = "one_way"
	}
	if c.DefaultLeverage == 0 {
		c.DefaultLeverage = 1
	}
	if c.LastTestStatus == "" {
		c.LastTestStatus = TestStatusUntested
	}
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.MarketType == "" {
		c.MarketType = "futures"
	}
	now := time.Now().UnixMilli()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO exchange_connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Exchange, c.Environment, c.MarketType, c.CredentialsEncrypted,
		boolInt(c.FuturesEnabled), boolInt(c.KillSwitch), boolInt(c.Disabled), c.MaxLeverageAllowed, c.MaxNotionalUSDT,
		c.MarginMode, c.PositionMode, c.DefaultLeverage, c.LastTestStatus, c.LastTestReason, now, now)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// GetConnection returns a connection by id.
func (d *Database) GetConnection(ctx context.Context, id string) (*ExchangeConnection, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM exchange_connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query connection: %w", err)
	}
	return c, nil
}

// ListConnectionsByUser returns every connection owned by userID.
func (d *Database) ListConnectionsByUser(ctx context.Context, userID string) ([]ExchangeConnection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+connectionColumns+`
		FROM exchange_connections
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var conns []ExchangeConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

// FindEligibleConnection returns the newest tradable connection of userID on exchange/market.
// Tradable means a futures market that is tested ok, enabled, futures enabled and kill switch off.
// Any other market type never matches.
func (d *Database) FindEligibleConnection(ctx context.Context, userID, exchange, marketType string) (*ExchangeConnection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+connectionColumns+`
		FROM exchange_connections
		WHERE user_id = ? AND exchange = ? AND market_type = ?
		  AND last_test_status = 'ok' AND disabled = 0 AND kill_switch = 0
		  AND market_type = 'futures' AND futures_enabled = 1
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID, exchange, marketType)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query eligible connection: %w", err)
	}
	return c, nil
}

// UpdateConnectionTestStatus stores the outcome of a connection check.
func (d *Database) UpdateConnectionTestStatus(ctx context.Context, id, status, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE exchange_connections
		SET last_test_status = ?, last_test_reason = ?, updated_at = ?
		WHERE id = ?
	`, status, reason, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConnectionKillSwitch toggles the per-connection kill switch.
func (d *Database) SetConnectionKillSwitch(ctx context.Context, id string, on bool) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE exchange_connections SET kill_switch = ?, updated_at = ? WHERE id = ?
	`, boolInt(on), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update connection kill switch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
