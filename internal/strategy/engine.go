package strategy

import (
	"context"
	"log"

	"execution-core/internal/indicators"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/permissions"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

const (
	defaultMaxLeverage   = 10
	defaultMaxNotional   = 200.0
	defaultOrderSizePct  = 100.0
	defaultTakeProfitPct = 3.0
	defaultStopLossPct   = 1.5
)

// EngineConfig holds the RSI template parameters.
type EngineConfig struct {
	AllowedSymbols []string
	RSIPeriod      int
	Oversold       float64
	Overbought     float64
	CandleLimit    int
}

// DefaultEngineConfig returns RSI(14) with 30/70 thresholds over 100 candles.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		AllowedSymbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		RSIPeriod:      14,
		Oversold:       30,
		Overbought:     70,
		CandleLimit:    100,
	}
}

// Engine evaluates one strategy run per tick and submits at most one order.
type Engine struct {
	cfg     EngineConfig
	allowed map[string]bool
	exec    Executor
	metrics *monitor.Metrics
}

// NewEngine creates an Engine. metrics may be nil.
func NewEngine(cfg EngineConfig, exec Executor, metrics *monitor.Metrics) *Engine {
	def := DefaultEngineConfig()
	if len(cfg.AllowedSymbols) == 0 {
		cfg.AllowedSymbols = def.AllowedSymbols
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = def.RSIPeriod
	}
	if cfg.Oversold <= 0 {
		cfg.Oversold = def.Oversold
	}
	if cfg.Overbought <= 0 {
		cfg.Overbought = def.Overbought
	}
	if cfg.CandleLimit <= cfg.RSIPeriod {
		cfg.CandleLimit = def.CandleLimit
	}
	allowed := make(map[string]bool, len(cfg.AllowedSymbols))
	for _, s := range cfg.AllowedSymbols {
		allowed[common.NormalizeSymbol(s)] = true
	}
	return &Engine{cfg: cfg, allowed: allowed, exec: exec, metrics: metrics}
}

// Tick runs the gates, sizing, signal and order steps for one run.
// Every early return has already emitted its event.
func (e *Engine) Tick(ctx context.Context, run db.StrategyRun, conn db.ExchangeConnection, adapter common.Adapter, emit Emitter) TickResult {
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	block := func(reason string, extra map[string]any) TickResult {
		payload := map[string]any{"reason": reason}
		for k, v := range extra {
			payload[k] = v
		}
		emit(EventRiskBlock, payload)
		e.metrics.ObserveRiskBlock(reason)
		return TickResult{Signal: SignalNone, RiskBlock: reason}
	}
	fail := func(code string, err error) TickResult {
		payload := map[string]any{"reason": code}
		if err != nil {
			payload["message"] = permissions.SanitizeSnippet(err.Error())
		}
		emit(EventError, payload)
		return TickResult{Signal: SignalNone, Error: code}
	}

	symbol := common.NormalizeSymbol(run.Symbol)
	if !e.allowed[symbol] {
		return block(BlockSymbolNotAllowed, map[string]any{"symbol": symbol})
	}
	if conn.KillSwitch {
		return block(BlockKillSwitch, nil)
	}
	if !conn.FuturesEnabled {
		return block(BlockFuturesNotEnabled, nil)
	}
	maxLeverage := conn.MaxLeverageAllowed
	if maxLeverage <= 0 {
		maxLeverage = defaultMaxLeverage
	}
	if run.Leverage > maxLeverage {
		return block(BlockLeverageExceedsMax, map[string]any{"leverage": run.Leverage, "max": maxLeverage})
	}

	summary, err := adapter.GetAccountSummary(ctx)
	if err != nil {
		return fail(ErrAccountUnavailable, err)
	}
	notional := notionalFor(run, summary.AvailableBalance)
	maxNotional := conn.MaxNotionalUSDT
	if maxNotional <= 0 {
		maxNotional = defaultMaxNotional
	}
	if notional > maxNotional {
		return block(BlockNotionalExceedsMax, map[string]any{"notional_usdt": notional, "max": maxNotional})
	}

	md, ok := adapter.(common.MarketData)
	if !ok {
		return fail(ErrCandlesUnavailable, nil)
	}
	candles, err := md.GetCandles(ctx, symbol, run.Timeframe, e.cfg.CandleLimit)
	if err != nil {
		return fail(ErrCandlesUnavailable, err)
	}
	if len(candles) == 0 {
		return fail(ErrNoCandles, nil)
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	lastClose := closes[len(closes)-1]

	res := TickResult{Signal: SignalNone}
	signalPayload := map[string]any{"close": lastClose}
	if rsi, ok := indicators.RSI(closes, e.cfg.RSIPeriod); ok {
		res.RSI = &rsi
		res.Signal = e.decide(rsi, run.Direction)
		signalPayload["rsi"] = rsi
	}
	signalPayload["signal"] = string(res.Signal)
	emit(EventSignal, signalPayload)
	if res.Signal != SignalNone {
		e.metrics.ObserveSignal()
	}

	pos, err := adapter.GetOpenPosition(ctx, symbol)
	if err != nil {
		res.Error = ErrPositionUnavailable
		emit(EventError, map[string]any{"reason": ErrPositionUnavailable, "message": permissions.SanitizeSnippet(err.Error())})
		return res
	}
	res.PositionBefore = pos
	if res.Signal == SignalNone {
		return res
	}
	if pos != nil && sameSide(pos.Side, res.Signal) {
		return res
	}

	e.prepare(ctx, run, conn, adapter, symbol, emit)

	req := e.buildOrder(run, conn, adapter, symbol, res.Signal, notional, lastClose)
	out := e.exec.Execute(ctx, req)
	res.AuditID = out.AuditID
	if !out.Success {
		res.Error = ErrOrderFailed
		emit(EventError, map[string]any{
			"code":        ErrOrderFailed,
			"reason_code": out.ReasonCode,
			"message":     permissions.Sanitize(out.Message),
			"audit_id":    out.AuditID,
		})
		return res
	}
	res.OrderPlaced = true
	res.OrderID = out.ExchangeOrderID
	emit(EventOrderSubmit, map[string]any{
		"order_id": out.ExchangeOrderID,
		"status":   out.Status,
		"side":     string(req.Side),
		"qty":      req.Qty,
		"audit_id": out.AuditID,
	})
	return res
}

func (e *Engine) decide(rsi float64, direction string) Signal {
	wantLong := direction == "long" || direction == "both"
	wantShort := direction == "short" || direction == "both"
	switch {
	case rsi < e.cfg.Oversold && wantLong:
		return SignalLong
	case rsi > e.cfg.Overbought && wantShort:
		return SignalShort
	}
	return SignalNone
}

// notionalFor is capital x order size x leverage, where capital falls back to
// the available balance when the run has no initial capital.
func notionalFor(run db.StrategyRun, available float64) float64 {
	pct := run.OrderSizePct
	if pct <= 0 {
		pct = defaultOrderSizePct
	}
	capital := run.InitialCapitalUSDT
	if capital <= 0 {
		capital = available
	}
	leverage := run.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	return capital * (pct / 100) * float64(leverage)
}

func sameSide(side common.PositionSide, sig Signal) bool {
	return (side == common.PositionSideLong && sig == SignalLong) ||
		(side == common.PositionSideShort && sig == SignalShort)
}

// prepare applies leverage, margin mode and position mode. Failures are reported
// and the tick continues.
func (e *Engine) prepare(ctx context.Context, run db.StrategyRun, conn db.ExchangeConnection, adapter common.Adapter, symbol string, emit Emitter) {
	report := func(step string, err error) {
		if err == nil {
			return
		}
		msg := permissions.SanitizeSnippet(err.Error())
		log.Printf("strategy: run %s %s failed: %s", run.ID, step, msg)
		emit(EventError, map[string]any{"reason": "setup_" + step, "message": msg, "fatal": false})
	}
	if conn.PositionMode != "" {
		report("position_mode", adapter.SetPositionMode(ctx, common.PositionMode(conn.PositionMode)))
	}
	if conn.MarginMode != "" {
		report("margin_mode", adapter.SetMarginMode(ctx, symbol, common.MarginMode(conn.MarginMode)))
	}
	if run.Leverage > 0 {
		report("leverage", adapter.SetLeverage(ctx, symbol, run.Leverage))
	}
}

func (e *Engine) buildOrder(run db.StrategyRun, conn db.ExchangeConnection, adapter common.Adapter, symbol string, sig Signal, notional, lastClose float64) order.Request {
	tpPct := run.TakeProfitPct
	if tpPct <= 0 {
		tpPct = defaultTakeProfitPct
	}
	slPct := run.StopLossPct
	if slPct <= 0 {
		slPct = defaultStopLossPct
	}

	side := common.SideBuy
	tp := lastClose * (1 + tpPct/100)
	sl := lastClose * (1 - slPct/100)
	posSide := common.PositionSideLong
	if sig == SignalShort {
		side = common.SideSell
		tp = lastClose * (1 - tpPct/100)
		sl = lastClose * (1 + slPct/100)
		posSide = common.PositionSideShort
	}
	if conn.PositionMode != string(common.PositionModeHedge) {
		posSide = common.PositionSideBoth
	}

	leverage := run.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	return order.Request{
		UserID:       run.UserID,
		Connection:   conn,
		Source:       order.SourceStrategy,
		Symbol:       symbol,
		Side:         side,
		Type:         common.OrderTypeMarket,
		Qty:          common.RoundTo(notional/lastClose, 4),
		StopLoss:     common.RoundTo(sl, 2),
		TakeProfit:   common.RoundTo(tp, 2),
		PositionSide: posSide,
		Leverage:     leverage,
		Adapter:      adapter,
	}
}
