package events

import "time"

// Event enumerates topics published inside the execution core.
type Event string

const (
	EventStrategySignal   Event = "strategy.signal"
	EventRiskBlock        Event = "strategy.risk_block"
	EventOrderSubmitted   Event = "strategy.order_submit"
	EventStrategyError    Event = "strategy.error"
	EventTickCompleted    Event = "strategy.tick"
	EventExecutionResult  Event = "execution.result"
	EventAuditGap         Event = "execution.audit_gap"
	EventCopyReplicated   Event = "copy.replicated"
	EventKillSwitchChange Event = "platform.kill_switch"
)

// All lists every topic, for subscribers that stream everything.
var All = []Event{
	EventStrategySignal,
	EventRiskBlock,
	EventOrderSubmitted,
	EventStrategyError,
	EventTickCompleted,
	EventExecutionResult,
	EventAuditGap,
	EventCopyReplicated,
	EventKillSwitchChange,
}

// StrategyEvent is emitted by the signal engine. Payload never carries credentials.
type StrategyEvent struct {
	RunID   string         `json:"run_id"`
	UserID  string         `json:"user_id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// ExecutionResult summarizes one audited execution attempt.
type ExecutionResult struct {
	AuditID         string `json:"audit_id"`
	UserID          string `json:"user_id"`
	ConnectionID    string `json:"connection_id"`
	Source          string `json:"source"`
	Symbol          string `json:"symbol"`
	Status          string `json:"status"`
	ReasonCode      string `json:"reason_code,omitempty"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
}

// AuditGap flags an accepted order whose audit row could not be written.
type AuditGap struct {
	UserID          string    `json:"user_id"`
	ConnectionID    string    `json:"connection_id"`
	Source          string    `json:"source"`
	Symbol          string    `json:"symbol"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	ClientOrderID   string    `json:"client_order_id"`
	At              time.Time `json:"at"`
}

// CopySummary is published after each replication fan-out.
type CopySummary struct {
	MasterID   string   `json:"master_id"`
	Symbol     string   `json:"symbol"`
	Replicated int      `json:"replicated"`
	Errors     []string `json:"errors,omitempty"`
}

// KillSwitchChange is published when the global kill switch is toggled.
type KillSwitchChange struct {
	On bool      `json:"on"`
	At time.Time `json:"at"`
}
