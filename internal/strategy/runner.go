package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// Tick statuses recorded in strategy_tick_runs.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusBlocked = "blocked"
	StatusError   = "error"
)

// Runner reasons.
const (
	ReasonStrategyNotFound      = "strategy_not_found"
	ReasonStrategyNotActive     = "strategy_not_active"
	ReasonLockNotAcquired       = "lock_not_acquired"
	ReasonCooldown              = "cooldown"
	ReasonConnectionUnavailable = "connection_unavailable"
	ReasonPlatformKillSwitch    = "platform_kill_switch"
	ReasonRiskUnavailable       = "risk_unavailable"
)

// RunStore is the slice of the repository the runner needs.
type RunStore interface {
	GetStrategyRun(ctx context.Context, id string) (*db.StrategyRun, error)
	ListActiveStrategyRuns(ctx context.Context) ([]db.StrategyRun, error)
	TouchStrategyRun(ctx context.Context, id string, at time.Time) error
	InsertTickRun(ctx context.Context, t db.TickRun) error
	GetConnection(ctx context.Context, id string) (*db.ExchangeConnection, error)
}

// Locker leases a run to one tick at a time. *lock.Locker satisfies it.
type Locker interface {
	NewOwner() string
	Acquire(ctx context.Context, runID string, ttl time.Duration, owner string) (bool, error)
	Release(ctx context.Context, runID, owner string) error
}

// RiskChecker is the read side of the risk gate.
type RiskChecker interface {
	Check(ctx context.Context, userID string, now time.Time) (risk.Decision, error)
}

// AdapterSource resolves a connection to a ready adapter.
type AdapterSource interface {
	ForConnection(ctx context.Context, conn db.ExchangeConnection) (common.Adapter, error)
}

// KillSwitch reports the platform-wide kill switch.
type KillSwitch interface {
	IsOn(ctx context.Context) bool
}

// EventSink stores strategy events. *persistence.BatchWriter satisfies it.
type EventSink interface {
	Write(ev db.StrategyEvent)
}

// RunnerConfig tunes the runner.
type RunnerConfig struct {
	LockTTL     time.Duration
	Cooldown    time.Duration
	Concurrency int
}

// DefaultRunnerConfig returns a 2 minute lock, 30s cooldown and 4 workers.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{LockTTL: 2 * time.Minute, Cooldown: 30 * time.Second, Concurrency: 4}
}

// Runner drives ticks: it owns locking, risk gating, cooldown and bookkeeping.
type Runner struct {
	cfg      RunnerConfig
	store    RunStore
	locker   Locker
	risk     RiskChecker
	adapters AdapterSource
	kill     KillSwitch
	engine   *Engine
	sink     EventSink
	bus      *events.Bus
	metrics  *monitor.Metrics
	clock    func() time.Time
}

// RunnerDeps bundles the runner's collaborators. Kill, Sink, Bus and Metrics are optional.
type RunnerDeps struct {
	Store    RunStore
	Locker   Locker
	Risk     RiskChecker
	Adapters AdapterSource
	Kill     KillSwitch
	Engine   *Engine
	Sink     EventSink
	Bus      *events.Bus
	Metrics  *monitor.Metrics
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig, deps RunnerDeps) *Runner {
	def := DefaultRunnerConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Runner{
		cfg:      cfg,
		store:    deps.Store,
		locker:   deps.Locker,
		risk:     deps.Risk,
		adapters: deps.Adapters,
		kill:     deps.Kill,
		engine:   deps.Engine,
		sink:     deps.Sink,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		clock:    time.Now,
	}
}

// TickOutcome is the result of RunTick.
type TickOutcome struct {
	RunID     string      `json:"strategy_id"`
	TickID    string      `json:"run_id,omitempty"`
	Status    string      `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	Signal    string      `json:"signal"`
	LatencyMs int64       `json:"latency_ms"`
	Tick      *TickResult `json:"tick,omitempty"`
}

// DueSummary aggregates one RunDue pass.
type DueSummary struct {
	Ran     int           `json:"ran"`
	Skipped int           `json:"skipped"`
	Blocked int           `json:"blocked"`
	Errors  int           `json:"errors"`
	Results []TickOutcome `json:"results"`
}

// RunTick runs one tick of a strategy run. now is the scheduled time.
func (r *Runner) RunTick(ctx context.Context, runID string, now time.Time) TickOutcome {
	started := r.clock()
	out := r.runTick(ctx, runID, now)
	out.RunID = runID
	if out.Signal == "" {
		out.Signal = "hold"
	}
	r.metrics.ObserveTick(out.Status, r.clock().Sub(started))
	if r.bus != nil {
		r.bus.Publish(events.EventTickCompleted, out)
	}
	return out
}

func (r *Runner) runTick(ctx context.Context, runID string, now time.Time) TickOutcome {
	run, err := r.store.GetStrategyRun(ctx, runID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("runner: load run %s: %v", runID, err)
		}
		return TickOutcome{Status: StatusError, Reason: ReasonStrategyNotFound}
	}

	if run.Status != db.StatusActive {
		return r.record(ctx, run, now, TickOutcome{Status: StatusSkipped, Reason: ReasonStrategyNotActive})
	}

	owner := r.locker.NewOwner()
	acquired, err := r.locker.Acquire(ctx, run.ID, r.cfg.LockTTL, owner)
	if err != nil {
		log.Printf("runner: acquire lock for %s: %v", run.ID, err)
	}
	if !acquired {
		return r.record(ctx, run, now, TickOutcome{Status: StatusSkipped, Reason: ReasonLockNotAcquired})
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.locker.Release(relCtx, run.ID, owner); err != nil {
			log.Printf("runner: release lock for %s: %v", run.ID, err)
		}
	}()

	if r.kill != nil && r.kill.IsOn(ctx) {
		return r.record(ctx, run, now, TickOutcome{Status: StatusBlocked, Reason: ReasonPlatformKillSwitch})
	}

	decision, err := r.risk.Check(ctx, run.UserID, now)
	if err != nil {
		log.Printf("runner: risk check for user %s: %v", run.UserID, err)
		return r.record(ctx, run, now, TickOutcome{Status: StatusError, Reason: ReasonRiskUnavailable})
	}
	if !decision.Allowed {
		r.metrics.ObserveRiskBlock(decision.Reason)
		return r.record(ctx, run, now, TickOutcome{Status: StatusBlocked, Reason: decision.Reason})
	}

	if !run.LastRunAt.IsZero() && now.Sub(run.LastRunAt) < r.cfg.Cooldown {
		return r.record(ctx, run, now, TickOutcome{Status: StatusSkipped, Reason: ReasonCooldown})
	}

	conn, err := r.store.GetConnection(ctx, run.ConnectionID)
	if err != nil || conn.UserID != run.UserID {
		return r.record(ctx, run, now, TickOutcome{Status: StatusError, Reason: ReasonConnectionUnavailable})
	}
	adapter, err := r.adapters.ForConnection(ctx, *conn)
	if err != nil {
		log.Printf("runner: adapter for connection %s: %v", conn.ID, err)
		return r.record(ctx, run, now, TickOutcome{Status: StatusError, Reason: ReasonConnectionUnavailable})
	}

	started := r.clock()
	tick := r.engine.Tick(ctx, *run, *conn, adapter, r.emitter(run))
	out := TickOutcome{Status: StatusOK, Signal: tradeSignal(tick.Signal), Tick: &tick}
	switch {
	case tick.RiskBlock != "":
		out.Status, out.Reason = StatusBlocked, tick.RiskBlock
	case tick.Error != "":
		out.Status, out.Reason = StatusError, tick.Error
	}
	out.LatencyMs = r.clock().Sub(started).Milliseconds()

	if err := r.store.TouchStrategyRun(ctx, run.ID, r.clock()); err != nil {
		log.Printf("runner: update last_run_at for %s: %v", run.ID, err)
	}
	return r.record(ctx, run, now, out)
}

// record writes the tick row; a failure is logged and never changes the outcome.
func (r *Runner) record(ctx context.Context, run *db.StrategyRun, now time.Time, out TickOutcome) TickOutcome {
	out.TickID = uuid.NewString()
	signal := out.Signal
	if signal == "" {
		signal = "hold"
	}
	err := r.store.InsertTickRun(ctx, db.TickRun{
		ID:        out.TickID,
		RunID:     run.ID,
		UserID:    run.UserID,
		Status:    out.Status,
		Reason:    out.Reason,
		Signal:    signal,
		LatencyMs: out.LatencyMs,
		CreatedAt: now,
	})
	if err != nil {
		log.Printf("runner: record tick for %s: %v", run.ID, err)
		out.TickID = ""
	}
	return out
}

func (r *Runner) emitter(run *db.StrategyRun) Emitter {
	return func(eventType string, payload map[string]any) {
		at := r.clock()
		if r.sink != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				raw = []byte("{}")
			}
			r.sink.Write(db.StrategyEvent{
				RunID:     run.ID,
				UserID:    run.UserID,
				EventType: eventType,
				Payload:   string(raw),
				CreatedAt: at,
			})
		}
		if r.bus != nil {
			r.bus.Publish(busTopic(eventType), events.StrategyEvent{
				RunID:   run.ID,
				UserID:  run.UserID,
				Type:    eventType,
				Payload: payload,
				At:      at,
			})
		}
	}
}

// RunDue ticks every active run whose timeframe boundary has elapsed, over a bounded pool.
func (r *Runner) RunDue(ctx context.Context, now time.Time) (DueSummary, error) {
	summary := DueSummary{Results: []TickOutcome{}}
	runs, err := r.store.ListActiveStrategyRuns(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active runs: %w", err)
	}

	due := make([]db.StrategyRun, 0, len(runs))
	for _, run := range runs {
		if IsDue(run.Timeframe, now, run.LastRunAt) {
			due = append(due, run)
		}
	}

	results := make([]TickOutcome, len(due))
	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, run := range due {
		select {
		case <-ctx.Done():
			results[i] = TickOutcome{RunID: run.ID, Status: StatusSkipped, Reason: "canceled", Signal: "hold"}
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("runner: tick %s panicked: %v", id, rec)
					results[i] = TickOutcome{RunID: id, Status: StatusError, Reason: "panic", Signal: "hold"}
				}
			}()
			results[i] = r.RunTick(ctx, id, now)
		}(i, run.ID)
	}
	wg.Wait()

	sort.SliceStable(results, func(a, b int) bool { return results[a].RunID < results[b].RunID })
	for _, res := range results {
		switch res.Status {
		case StatusOK:
			summary.Ran++
		case StatusSkipped:
			summary.Skipped++
		case StatusBlocked:
			summary.Blocked++
		default:
			summary.Errors++
		}
	}
	summary.Results = results
	return summary, nil
}

// StartScheduler calls RunDue every interval until ctx is done.
func (r *Runner) StartScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				sum, err := r.RunDue(ctx, t)
				if err != nil {
					log.Printf("runner: scheduled pass failed: %v", err)
					continue
				}
				if len(sum.Results) > 0 {
					log.Printf("runner: ran=%d skipped=%d blocked=%d errors=%d", sum.Ran, sum.Skipped, sum.Blocked, sum.Errors)
				}
			}
		}
	}()
}

func tradeSignal(s Signal) string {
	switch s {
	case SignalLong:
		return "buy"
	case SignalShort:
		return "sell"
	}
	return "hold"
}

func busTopic(eventType string) events.Event {
	switch eventType {
	case EventSignal:
		return events.EventStrategySignal
	case EventRiskBlock:
		return events.EventRiskBlock
	case EventOrderSubmit:
		return events.EventOrderSubmitted
	}
	return events.EventStrategyError
}
