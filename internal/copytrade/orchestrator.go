// Package copytrade mirrors a master trader's orders onto follower connections.
package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

const defaultWorkers = 8

// ErrKillSwitchOn is reported when the platform kill switch stops replication.
var ErrKillSwitchOn = errors.New("platform kill switch is on")

// MasterTrade is the order a master placed and followers replicate.
type MasterTrade struct {
	Exchange   string      `json:"exchange"`
	MarketType string      `json:"market_type"`
	Symbol     string      `json:"symbol"`
	Side       common.Side `json:"side"`
	Qty        float64     `json:"qty"`
	ReduceOnly bool        `json:"reduce_only"`
	Leverage   int         `json:"leverage"`
	OrderID    string      `json:"order_id,omitempty"`
}

// Summary is the replication outcome.
type Summary struct {
	Replicated int      `json:"replicated"`
	Errors     []string `json:"errors"`
}

// Store is the slice of the repository the orchestrator needs.
type Store interface {
	ListActiveCopySetups(ctx context.Context, masterID string) ([]db.CopySetup, error)
	FindEligibleConnection(ctx context.Context, userID, exchange, marketType string) (*db.ExchangeConnection, error)
}

// AdapterSource resolves a connection to a ready adapter.
type AdapterSource interface {
	ForConnection(ctx context.Context, conn db.ExchangeConnection) (common.Adapter, error)
}

// Executor submits and audits one order.
type Executor interface {
	Execute(ctx context.Context, req order.Request) order.Result
}

// KillSwitch reports the platform-wide kill switch; it must fail closed.
type KillSwitch interface {
	IsOn(ctx context.Context) bool
}

// RiskGate is the per-follower risk gate. *risk.Gate satisfies it.
type RiskGate interface {
	Check(ctx context.Context, userID string, now time.Time) (risk.Decision, error)
	RecordFill(ctx context.Context, userID string, now time.Time) error
}

// Orchestrator fans a master trade out to followers over a bounded worker pool.
type Orchestrator struct {
	store    Store
	adapters AdapterSource
	exec     Executor
	kill     KillSwitch
	gate     RiskGate
	bus      *events.Bus
	metrics  *monitor.Metrics
	workers  int
	now      func() time.Time
}

// New creates an Orchestrator. workers <= 0 uses 8; gate, bus and metrics may be nil.
func New(store Store, adapters AdapterSource, exec Executor, kill KillSwitch, gate RiskGate, workers int, bus *events.Bus, metrics *monitor.Metrics) *Orchestrator {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Orchestrator{
		store:    store,
		adapters: adapters,
		exec:     exec,
		kill:     kill,
		gate:     gate,
		bus:      bus,
		metrics:  metrics,
		workers:  workers,
		now:      time.Now,
	}
}

type followerResult struct {
	follower string
	ok       bool
	err      string
}

// Replicate places the master's trade for every active follower. It returns ErrKillSwitchOn,
// with the summary, when the platform kill switch is on.
func (o *Orchestrator) Replicate(ctx context.Context, masterID string, trade MasterTrade) (Summary, error) {
	summary := Summary{Errors: []string{}}
	if masterID == "" {
		return summary, errors.New("copytrade: master id is required")
	}
	if trade.Exchange == "" {
		trade.Exchange = string(common.ExchangeBinance)
	}
	if trade.MarketType == "" {
		trade.MarketType = string(common.MarketFutures)
	}
	trade.Symbol = common.NormalizeSymbol(trade.Symbol)

	if o.kill != nil && o.kill.IsOn(ctx) {
		summary.Errors = append(summary.Errors, ErrKillSwitchOn.Error())
		o.publish(masterID, trade, summary)
		return summary, ErrKillSwitchOn
	}

	setups, err := o.store.ListActiveCopySetups(ctx, masterID)
	if err != nil {
		return summary, fmt.Errorf("list copy setups: %w", err)
	}

	results := make([]followerResult, len(setups))
	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup
	for i, setup := range setups {
		select {
		case <-ctx.Done():
			results[i] = followerResult{follower: setup.FollowerUserID, err: ctx.Err().Error()}
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, setup db.CopySetup) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("copytrade: follower %s panicked: %v", setup.FollowerUserID, r)
					results[i] = followerResult{follower: setup.FollowerUserID, err: "internal error"}
				}
			}()
			results[i] = o.replicateOne(ctx, setup, trade)
		}(i, setup)
	}
	wg.Wait()

	sort.SliceStable(results, func(a, b int) bool { return results[a].follower < results[b].follower })
	for _, r := range results {
		o.metrics.ObserveReplication(r.ok)
		if r.ok {
			summary.Replicated++
			continue
		}
		summary.Errors = append(summary.Errors, fmt.Sprintf("follower %s: %s", r.follower, r.err))
	}

	log.Printf("copytrade: master %s %s %s replicated=%d errors=%d",
		masterID, trade.Symbol, trade.Side, summary.Replicated, len(summary.Errors))
	o.publish(masterID, trade, summary)
	return summary, nil
}

func (o *Orchestrator) replicateOne(ctx context.Context, setup db.CopySetup, trade MasterTrade) followerResult {
	res := followerResult{follower: setup.FollowerUserID}

	conn, err := o.store.FindEligibleConnection(ctx, setup.FollowerUserID, trade.Exchange, trade.MarketType)
	switch {
	case errors.Is(err, db.ErrNotFound) || (err == nil && conn == nil):
		res.err = "no eligible connection"
		return res
	case err != nil:
		log.Printf("copytrade: follower %s connection lookup: %v", setup.FollowerUserID, err)
		res.err = fmt.Sprintf("connection lookup failed: %v", err)
		return res
	}

	// Closing orders are never held back by the gate.
	opening := !trade.ReduceOnly
	if opening && o.gate != nil {
		decision, err := o.gate.Check(ctx, setup.FollowerUserID, o.now())
		if err != nil {
			log.Printf("copytrade: follower %s risk check: %v", setup.FollowerUserID, err)
			res.err = "risk check failed"
			return res
		}
		if !decision.Allowed {
			res.err = decision.Reason
			return res
		}
	}

	qty := FollowerQty(trade.Qty, setup.AllocationPct)
	if qty <= 0 {
		res.err = "allocation yields zero quantity"
		return res
	}

	adapter, err := o.adapters.ForConnection(ctx, *conn)
	if err != nil {
		res.err = "adapter unavailable"
		return res
	}

	leverage := followerLeverage(trade.Leverage, *conn)
	if setup.MaxPositionPct.Valid && setup.MaxPositionPct.Float64 > 0 && !trade.ReduceOnly {
		capped, err := capToPosition(ctx, adapter, trade.Symbol, qty, setup.MaxPositionPct.Float64, leverage)
		if err != nil {
			res.err = "position cap check failed"
			return res
		}
		qty = capped
		if qty <= 0 {
			res.err = "max position leaves zero quantity"
			return res
		}
	}

	out := o.exec.Execute(ctx, order.Request{
		UserID:     setup.FollowerUserID,
		Connection: *conn,
		Source:     order.SourceCopy,
		Symbol:     trade.Symbol,
		Side:       trade.Side,
		Type:       common.OrderTypeMarket,
		Qty:        qty,
		ReduceOnly: trade.ReduceOnly,
		Leverage:   leverage,
		Adapter:    adapter,
	})
	if !out.Success {
		res.err = out.ReasonCode
		if res.err == "" {
			res.err = out.Status
		}
		return res
	}
	if opening && o.gate != nil {
		if err := o.gate.RecordFill(ctx, setup.FollowerUserID, o.now()); err != nil {
			log.Printf("copytrade: follower %s record fill: %v", setup.FollowerUserID, err)
		}
	}
	res.ok = true
	return res
}

// FollowerQty scales the master's quantity by the allocation, clamped to [0, 100] percent.
func FollowerQty(masterQty, allocationPct float64) float64 {
	pct := allocationPct
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return common.TruncateTo(masterQty*pct/100, 8)
}

// capToPosition limits qty so its notional stays within maxPct of the
// follower's available balance at the given leverage.
func capToPosition(ctx context.Context, adapter common.Adapter, symbol string, qty, maxPct float64, leverage int) (float64, error) {
	mark, err := adapter.GetMarkPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("mark price: %w", err)
	}
	if mark <= 0 {
		return 0, errors.New("mark price unavailable")
	}
	summary, err := adapter.GetAccountSummary(ctx)
	if err != nil {
		return 0, fmt.Errorf("account summary: %w", err)
	}
	if leverage < 1 {
		leverage = 1
	}
	maxQty := summary.AvailableBalance * maxPct / 100 * float64(leverage) / mark
	if qty > maxQty {
		return common.TruncateTo(maxQty, 8), nil
	}
	return qty, nil
}

// followerLeverage caps the master's leverage at the follower's connection limit.
func followerLeverage(master int, conn db.ExchangeConnection) int {
	lev := master
	if lev <= 0 {
		lev = conn.DefaultLeverage
	}
	if conn.MaxLeverageAllowed > 0 && lev > conn.MaxLeverageAllowed {
		lev = conn.MaxLeverageAllowed
	}
	return lev
}

func (o *Orchestrator) publish(masterID string, trade MasterTrade, s Summary) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.EventCopyReplicated, events.CopySummary{
		MasterID:   masterID,
		Symbol:     trade.Symbol,
		Replicated: s.Replicated,
		Errors:     s.Errors,
	})
}
