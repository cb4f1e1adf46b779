package testutil

import (
	"testing"

	"execution-core/pkg/db"
)

// NewDB returns a migrated in-memory database closed on cleanup.
func NewDB(t testing.TB) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

// ReadyConnection is a tested futures connection that passes every eligibility gate.
func ReadyConnection(id, userID string) db.ExchangeConnection {
	return db.ExchangeConnection{
		ID:                   id,
		UserID:               userID,
		Exchange:             "binance",
		Environment:          "testnet",
		MarketType:           "futures",
		CredentialsEncrypted: "ENC[v1]:x",
		FuturesEnabled:       true,
		LastTestStatus:       db.TestStatusOK,
		MaxLeverageAllowed:   10,
		MaxNotionalUSDT:      200,
		MarginMode:           "isolated",
		PositionMode:         "one_way",
		DefaultLeverage:      5,
	}
}
