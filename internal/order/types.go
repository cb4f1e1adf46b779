package order

import (
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// Source tags where an execution attempt came from.
type Source string

const (
	SourceStrategy   Source = "strategy"
	SourceCopy       Source = "copy"
	SourceManualTest Source = "manual-test"
	SourceGrid       Source = "grid"
)

// Reason codes written to the audit row and returned in Result.
const (
	ReasonConnectionNotTested = "CONNECTION_NOT_TESTED"
	ReasonConnectionDisabled  = "CONNECTION_DISABLED"
	ReasonFuturesNotEnabled   = "FUTURES_NOT_ENABLED"
	ReasonMarketNotSupported  = "MARKET_NOT_SUPPORTED"
	ReasonKillSwitchOn        = "KILL_SWITCH_ON"
	ReasonDemoMode            = "DEMO_MODE"
	ReasonInvalidQuantity     = "INVALID_QUANTITY"
	ReasonTickerFailed        = "TICKER_FAILED"
	ReasonBalanceFetchFailed  = "BALANCE_FETCH_FAILED"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonExchangeError       = "EXCHANGE_ERROR"
	ReasonNoOrderID           = "NO_ORDER_ID"
	ReasonAdapterUnavailable  = "ADAPTER_UNAVAILABLE"
)

// Request is one order intent bound to a connection and its ready adapter.
type Request struct {
	UserID       string
	Connection   db.ExchangeConnection
	Source       Source
	Symbol       string
	Side         common.Side
	Type         common.OrderType
	Qty          float64
	QuoteAmount  float64 // used to derive Qty from the mark price when Qty is 0
	Price        float64
	ReduceOnly   bool
	StopLoss     float64
	TakeProfit   float64
	PositionSide common.PositionSide
	Leverage     int
	Adapter      common.Adapter
	// Verify overrides the service default when non-nil.
	Verify *bool
}

// Result is what callers see. Message is sanitized.
type Result struct {
	Success         bool   `json:"success"`
	AuditID         string `json:"audit_id"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	ClientOrderID   string `json:"client_order_id,omitempty"`
	Status          string `json:"status"`
	ReasonCode      string `json:"reason_code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// VerifyStatus is the outcome of the post-place lookup.
type VerifyStatus string

const (
	VerifyFound    VerifyStatus = "FOUND"
	VerifyNotFound VerifyStatus = "NOT_FOUND"
	VerifyUnknown  VerifyStatus = "UNKNOWN"
)

// VerifyOutcome is stored in verify_json.
type VerifyOutcome struct {
	Status   VerifyStatus `json:"verify_status"`
	Via      string       `json:"verify_used,omitempty"` // open_orders | position
	Attempts int          `json:"attempts"`
	Snippet  string       `json:"verify_response_snippet,omitempty"`
	Warning  string       `json:"verify_warning,omitempty"`
}
