package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SettingKillSwitchGlobal is the platform-wide kill switch key.
const SettingKillSwitchGlobal = "kill_switch_global"

// GetSetting returns the value stored under key, or ErrNotFound.
func (d *Database) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := d.DB.QueryRowContext(ctx, `SELECT value FROM platform_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts key.
func (d *Database) SetSetting(ctx context.Context, key, value string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO platform_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}
