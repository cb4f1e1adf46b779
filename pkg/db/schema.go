package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS exchange_connections (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    environment TEXT NOT NULL DEFAULT 'production',
    market_type TEXT NOT NULL DEFAULT 'futures',
    credentials_encrypted TEXT NOT NULL,
    futures_enabled INTEGER DEFAULT 0,
    kill_switch INTEGER DEFAULT 0,
    disabled INTEGER DEFAULT 0,
    max_leverage_allowed INTEGER DEFAULT 10,
    max_notional_usdt REAL DEFAULT 200,
    margin_mode TEXT DEFAULT 'isolated',
    position_mode TEXT DEFAULT 'one_way',
    default_leverage INTEGER DEFAULT 1,
    last_test_status TEXT DEFAULT 'untested',
    last_test_reason TEXT DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_user ON exchange_connections(user_id, exchange, market_type);

CREATE TABLE IF NOT EXISTS strategy_runs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    connection_id TEXT NOT NULL,
    name TEXT NOT NULL,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL DEFAULT '15m',
    direction TEXT NOT NULL DEFAULT 'both',
    leverage INTEGER DEFAULT 1,
    order_size_pct REAL DEFAULT 100,
    initial_capital_usdt REAL DEFAULT 0,
    take_profit_pct REAL DEFAULT 0,
    stop_loss_pct REAL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active',
    last_run_at INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS copy_setups (
    id TEXT PRIMARY KEY,
    follower_user_id TEXT NOT NULL,
    master_trader_id TEXT NOT NULL,
    allocation_pct REAL NOT NULL DEFAULT 0,
    max_position_pct REAL,
    status TEXT NOT NULL DEFAULT 'active',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_copy_master ON copy_setups(master_trader_id, status);

CREATE TABLE IF NOT EXISTS strategy_risk_state (
    user_id TEXT NOT NULL,
    day TEXT NOT NULL,
    realized_pnl_usdt REAL DEFAULT 0,
    trades_count INTEGER DEFAULT 0,
    consecutive_losses INTEGER DEFAULT 0,
    is_paused INTEGER DEFAULT 0,
    paused_reason TEXT DEFAULT '',
    paused_until INTEGER DEFAULT 0,
    last_trade_at INTEGER DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, day)
);

CREATE TABLE IF NOT EXISTS strategy_locks (
    run_id TEXT PRIMARY KEY,
    owner_token TEXT NOT NULL,
    holder TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_audit (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    connection_id TEXT NOT NULL,
    source TEXT NOT NULL,
    exchange TEXT NOT NULL,
    market_type TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    quantity REAL DEFAULT 0,
    quote_amount REAL DEFAULT 0,
    client_order_id TEXT DEFAULT '',
    status TEXT NOT NULL,
    reason_code TEXT DEFAULT '',
    error_message TEXT DEFAULT '',
    exchange_order_id TEXT DEFAULT '',
    precheck_json TEXT DEFAULT '{}',
    verify_json TEXT DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_user ON execution_audit(user_id, created_at);

CREATE TABLE IF NOT EXISTS strategy_tick_runs (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT DEFAULT '',
    signal TEXT DEFAULT '',
    latency_ms INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tick_runs_run ON strategy_tick_runs(run_id, created_at);

CREATE TABLE IF NOT EXISTS strategy_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strategy_events_run ON strategy_events(run_id, created_at);

CREATE TABLE IF NOT EXISTS platform_settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "exchange_connections", "default_leverage", "INTEGER DEFAULT 1"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "execution_audit", "verify_json", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
