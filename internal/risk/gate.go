// Package risk implements the per-user daily risk gate.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"execution-core/pkg/db"
)

// Store persists risk rows. *db.Database satisfies it.
type Store interface {
	GetRiskState(ctx context.Context, userID, day string) (*db.RiskState, error)
	LatestRiskStateBefore(ctx context.Context, userID, day string) (*db.RiskState, error)
	UpdateRiskState(ctx context.Context, userID, day string, mutate db.RiskMutation) (*db.RiskState, error)
}

// Gate decides whether a user may open new trades and records trade outcomes.
type Gate struct {
	store  Store
	limits Limits
	locks  *userLocks
}

// NewGate creates a gate over store.
func NewGate(store Store, limits Limits) *Gate {
	return &Gate{store: store, limits: limits, locks: newUserLocks()}
}

// Limits returns the configured limits.
func (g *Gate) Limits() Limits { return g.limits }

// Check evaluates the user's state for now's UTC day. It never writes.
func (g *Gate) Check(ctx context.Context, userID string, now time.Time) (Decision, error) {
	st, err := g.State(ctx, userID, now)
	if err != nil {
		return Decision{}, err
	}
	return g.evaluate(st, now), nil
}

func (g *Gate) evaluate(st *State, now time.Time) Decision {
	if st.IsPaused && !st.PausedUntil.IsZero() && now.Before(st.PausedUntil) {
		reason := st.PausedReason
		if reason == "" {
			reason = "risk"
		}
		return Decision{Reason: reasonPausedPrefix + reason}
	}
	if g.limits.DailyMaxLossUSDT > 0 && st.RealizedPnLUSDT <= -g.limits.DailyMaxLossUSDT {
		return Decision{Reason: ReasonDailyMaxLoss}
	}
	if g.limits.MaxTradesPerDay > 0 && st.TradesCount >= g.limits.MaxTradesPerDay {
		return Decision{Reason: ReasonMaxTradesPerDay}
	}
	if g.limits.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= g.limits.MaxConsecutiveLosses {
		return Decision{Reason: ReasonMaxConsecutiveLosses}
	}
	if !st.LastTradeAt.IsZero() && now.Before(st.LastTradeAt.Add(g.limits.CooldownAfterTrade)) {
		return Decision{Reason: ReasonCooldown}
	}
	return Decision{Allowed: true}
}

// State returns the effective row for now's day. A missing row is reported as
// a fresh one carrying any still-active pause from the previous row.
func (g *Gate) State(ctx context.Context, userID string, now time.Time) (*State, error) {
	day := DayKey(now)
	st, err := g.store.GetRiskState(ctx, userID, day)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("risk state: %w", err)
	}

	fresh := &State{UserID: userID, Day: day}
	prev, err := g.store.LatestRiskStateBefore(ctx, userID, day)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("previous risk state: %w", err)
	default:
		carryPause(fresh, prev, now)
	}
	return fresh, nil
}

// Record applies a closed trade's pnl delta and returns the updated row.
func (g *Gate) Record(ctx context.Context, userID string, pnlDelta float64, now time.Time) (*State, error) {
	unlock := g.locks.lock(userID)
	defer unlock()

	var pausedNow bool
	st, err := g.store.UpdateRiskState(ctx, userID, DayKey(now), func(cur, prev *db.RiskState) error {
		carryPause(cur, prev, now)

		cur.TradesCount++
		if pnlDelta < 0 {
			cur.ConsecutiveLosses++
		} else {
			cur.ConsecutiveLosses = 0
		}
		cur.RealizedPnLUSDT += pnlDelta

		switch {
		case g.limits.DailyMaxLossUSDT > 0 && cur.RealizedPnLUSDT <= -g.limits.DailyMaxLossUSDT:
			cur.IsPaused = true
			cur.PausedReason = ReasonDailyMaxLoss
			cur.PausedUntil = endOfDay(now)
			pausedNow = true
		case g.limits.MaxConsecutiveLosses > 0 && cur.ConsecutiveLosses >= g.limits.MaxConsecutiveLosses:
			cur.IsPaused = true
			cur.PausedReason = ReasonMaxConsecutiveLosses
			cur.PausedUntil = now.Add(g.limits.PauseDuration)
			pausedNow = true
		}
		cur.LastTradeAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}
	if pausedNow {
		log.Printf("risk: user %s paused (%s) until %s", userID, st.PausedReason, st.PausedUntil.UTC().Format(time.RFC3339))
	}
	return st, nil
}

// RecordFill marks an opening fill. It starts the cooldown and leaves the
// trade count and pnl to Record, which runs when the trade closes.
func (g *Gate) RecordFill(ctx context.Context, userID string, now time.Time) error {
	unlock := g.locks.lock(userID)
	defer unlock()

	_, err := g.store.UpdateRiskState(ctx, userID, DayKey(now), func(cur, prev *db.RiskState) error {
		carryPause(cur, prev, now)
		cur.LastTradeAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("record fill: %w", err)
	}
	return nil
}

// Pause blocks the user until until. A zero until means now + PauseDuration.
func (g *Gate) Pause(ctx context.Context, userID, reason string, until time.Time) (*State, error) {
	unlock := g.locks.lock(userID)
	defer unlock()

	now := time.Now().UTC()
	if until.IsZero() {
		until = now.Add(g.limits.PauseDuration)
	}
	if reason == "" {
		reason = "manual"
	}
	st, err := g.store.UpdateRiskState(ctx, userID, DayKey(now), func(cur, _ *db.RiskState) error {
		cur.IsPaused = true
		cur.PausedReason = reason
		cur.PausedUntil = until
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pause user: %w", err)
	}
	log.Printf("risk: user %s paused by operator (%s) until %s", userID, reason, until.UTC().Format(time.RFC3339))
	return st, nil
}

// CleanupIdle forgets per-user mutexes idle longer than ttl.
func (g *Gate) CleanupIdle(ttl time.Duration) { g.locks.cleanupIdle(ttl) }

// ActiveUsers is the number of users with a live per-user mutex.
func (g *Gate) ActiveUsers() int { return g.locks.count() }

// carryPause copies a pause from prev that is still active at now.
func carryPause(cur, prev *db.RiskState, now time.Time) {
	if prev == nil || !prev.IsPaused || !now.Before(prev.PausedUntil) {
		return
	}
	cur.IsPaused = true
	cur.PausedReason = prev.PausedReason
	cur.PausedUntil = prev.PausedUntil
}
