package db

import (
	"database/sql"
	"time"
)

// Connection test states.
const (
	TestStatusOK       = "ok"
	TestStatusFailed   = "failed"
	TestStatusUntested = "untested"
)

// Run / setup statuses.
const (
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
)

// Audit row statuses.
const (
	AuditPlaced  = "placed"
	AuditSkipped = "skipped"
	AuditFailed  = "failed"
)

// ExchangeConnection is a user's exchange account binding.
// CredentialsEncrypted is an opaque ENC[vN] blob; it is never decrypted here.
type ExchangeConnection struct {
	ID                   string
	UserID               string
	Exchange             string
	Environment          string
	MarketType           string
	CredentialsEncrypted string
	FuturesEnabled       bool
	KillSwitch           bool
	Disabled             bool
	MaxLeverageAllowed   int
	MaxNotionalUSDT      float64
	MarginMode           string
	PositionMode         string
	DefaultLeverage      int
	LastTestStatus       string
	LastTestReason       string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// StrategyRun is a scheduled RSI strategy bound to one connection.
type StrategyRun struct {
	ID                 string
	UserID             string
	ConnectionID       string
	Name               string
	Symbol             string
	Timeframe          string
	Direction          string // long | short | both
	Leverage           int
	OrderSizePct       float64
	InitialCapitalUSDT float64
	TakeProfitPct      float64
	StopLossPct        float64
	Status             string
	LastRunAt          time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CopySetup links a follower to a master trader.
type CopySetup struct {
	ID             string
	FollowerUserID string
	MasterTraderID string
	AllocationPct  float64
	MaxPositionPct sql.NullFloat64
	Status         string
	CreatedAt      time.Time
}

// RiskState is one user's risk counters for one UTC day.
type RiskState struct {
	UserID            string
	Day               string
	RealizedPnLUSDT   float64
	TradesCount       int
	ConsecutiveLosses int
	IsPaused          bool
	PausedReason      string
	PausedUntil       time.Time
	LastTradeAt       time.Time
	UpdatedAt         time.Time
}

// StrategyLock is a TTL lease on a strategy run.
type StrategyLock struct {
	RunID      string
	OwnerToken string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// AuditRow is one execution attempt. Rows are only ever inserted.
type AuditRow struct {
	ID              string
	UserID          string
	ConnectionID    string
	Source          string
	Exchange        string
	MarketType      string
	Symbol          string
	Side            string
	OrderType       string
	Quantity        float64
	QuoteAmount     float64
	ClientOrderID   string
	Status          string
	ReasonCode      string
	ErrorMessage    string
	ExchangeOrderID string
	PrecheckJSON    string
	VerifyJSON      string
	CreatedAt       time.Time
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	UserID       string
	ConnectionID string
	Status       string
	Limit        int
}

// TickRun records one runner tick.
type TickRun struct {
	ID        string
	RunID     string
	UserID    string
	Status    string
	Reason    string
	Signal    string
	LatencyMs int64
	CreatedAt time.Time
}

// StrategyEvent is a credential-free strategy event payload.
type StrategyEvent struct {
	ID        int64
	RunID     string
	UserID    string
	EventType string
	Payload   string
	CreatedAt time.Time
}
