// Package strategy runs the RSI oversold/overbought template against exchange connections.
package strategy

import (
	"context"

	"execution-core/internal/order"
	"execution-core/pkg/exchanges/common"
)

// Signal is the engine's decision for one tick.
type Signal string

const (
	SignalLong  Signal = "long"
	SignalShort Signal = "short"
	SignalNone  Signal = "none"
)

// Strategy event types written to strategy_events.
const (
	EventSignal      = "signal"
	EventRiskBlock   = "risk_block"
	EventOrderSubmit = "order_submit"
	EventError       = "error"
)

// Engine risk block and error reasons.
const (
	BlockSymbolNotAllowed   = "symbol_not_allowed"
	BlockKillSwitch         = "kill_switch"
	BlockFuturesNotEnabled  = "futures_not_enabled"
	BlockLeverageExceedsMax = "leverage_exceeds_max"
	BlockNotionalExceedsMax = "notional_exceeds_max"

	ErrNoCandles           = "no_candles"
	ErrCandlesUnavailable  = "candles_unavailable"
	ErrAccountUnavailable  = "account_unavailable"
	ErrPositionUnavailable = "position_unavailable"
	ErrOrderFailed         = "order_failed"
)

// Emitter receives credential-free engine events.
type Emitter func(eventType string, payload map[string]any)

// Executor submits an order intent and returns its audited result.
// *order.Service satisfies it.
type Executor interface {
	Execute(ctx context.Context, req order.Request) order.Result
}

// TickResult is the outcome of one engine tick.
type TickResult struct {
	Signal         Signal           `json:"signal"`
	RSI            *float64         `json:"rsi,omitempty"`
	PositionBefore *common.Position `json:"position_before,omitempty"`
	OrderPlaced    bool             `json:"order_placed"`
	OrderID        string           `json:"order_id,omitempty"`
	AuditID        string           `json:"audit_id,omitempty"`
	Error          string           `json:"error,omitempty"`
	RiskBlock      string           `json:"risk_block,omitempty"`
}
