package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

// Tables and the columns the execution core cannot run without.
var required = map[string][]string{
	"exchange_connections": {"credentials_encrypted", "last_test_status", "kill_switch"},
	"strategy_runs":        {"timeframe", "status", "last_run_at"},
	"copy_setups":          {"allocation_pct", "max_position_pct"},
	"strategy_risk_state":  {"day", "consecutive_losses", "paused_until"},
	"strategy_locks":       {"owner_token", "expires_at"},
	"execution_audit":      {"client_order_id", "reason_code", "verify_json"},
	"strategy_tick_runs":   {"status", "latency_ms"},
	"strategy_events":      {"event_type", "payload"},
	"platform_settings":    {"key", "value"},
}

func main() {
	dbPath := flag.String("db", "./data/execution.db", "path to the SQLite database")
	flag.Parse()
	fmt.Printf("Verifying database at: %s\n", *dbPath)

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for table, cols := range required {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n); err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if n == 0 {
			fmt.Printf("MISSING table %s\n", table)
			missing++
			continue
		}
		have, err := columns(db, table)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		for _, c := range cols {
			if !have[c] {
				fmt.Printf("MISSING column %s.%s\n", table, c)
				missing++
			}
		}
		fmt.Printf("ok %s\n", table)
	}
	if missing > 0 {
		os.Exit(1)
	}
}

func columns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}
