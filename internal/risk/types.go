package risk

import (
	"time"

	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

// Block reasons returned by Check.
const (
	ReasonDailyMaxLoss         = "daily_max_loss"
	ReasonMaxTradesPerDay      = "max_trades_per_day"
	ReasonMaxConsecutiveLosses = "max_consecutive_losses"
	ReasonCooldown             = "cooldown_after_trade"
	reasonPausedPrefix         = "user_paused: "
)

// Limits defines the per-user daily risk parameters.
type Limits struct {
	DailyMaxLossUSDT     float64
	MaxTradesPerDay      int
	MaxConsecutiveLosses int
	CooldownAfterTrade   time.Duration
	PauseDuration        time.Duration
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		DailyMaxLossUSDT:     50,
		MaxTradesPerDay:      20,
		MaxConsecutiveLosses: 3,
		CooldownAfterTrade:   30 * time.Second,
		PauseDuration:        1440 * time.Minute,
	}
}

// LimitsFromConfig maps env-driven settings onto Limits.
func LimitsFromConfig(cfg *config.Config) Limits {
	l := DefaultLimits()
	if cfg == nil {
		return l
	}
	if cfg.DailyMaxLossUSDT > 0 {
		l.DailyMaxLossUSDT = cfg.DailyMaxLossUSDT
	}
	if cfg.MaxTradesPerDay > 0 {
		l.MaxTradesPerDay = cfg.MaxTradesPerDay
	}
	if cfg.MaxConsecutiveLosses > 0 {
		l.MaxConsecutiveLosses = cfg.MaxConsecutiveLosses
	}
	l.CooldownAfterTrade = time.Duration(cfg.CooldownAfterTradeSec) * time.Second
	if cfg.PauseDurationMin > 0 {
		l.PauseDuration = time.Duration(cfg.PauseDurationMin) * time.Minute
	}
	return l
}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// State is the persisted per-user, per-day risk row.
type State = db.RiskState

// DayKey returns the UTC calendar day used to key risk rows.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// endOfDay returns 23:59:59.999 UTC of t's day.
func endOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, int(999*time.Millisecond), time.UTC)
}
