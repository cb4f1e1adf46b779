package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"execution-core/internal/copytrade"
	"execution-core/internal/order"
	"execution-core/internal/permissions"
	"execution-core/internal/risk"
	"execution-core/internal/strategy"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/i18n"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const testOrderDefaultQty = 0.001

// failureRecorder is implemented by adapter pools with a circuit breaker.
type failureRecorder interface {
	RecordFailure(connectionID string)
	RecordSuccess(connectionID string)
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// getSystemStatus returns runtime metadata.
func (s *Server) getSystemStatus(c *gin.Context) {
	resp := gin.H{
		"version":     s.meta.Version,
		"instance_id": s.meta.InstanceID,
		"demo_mode":   s.meta.DemoMode,
		"uptime_sec":  int64(s.now().Sub(s.meta.StartedAt).Seconds()),
	}
	if s.kill != nil {
		resp["kill_switch"] = s.kill.IsOn(c.Request.Context())
	}
	c.JSON(http.StatusOK, resp)
}

// getMetrics returns the in-process metrics snapshot.
func (s *Server) getMetrics(c *gin.Context) {
	if s.metrics == nil || s.metrics.System == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not initialized")
		return
	}
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

// Strategies

func (s *Server) runDue(c *gin.Context) {
	if s.runner == nil {
		respondError(c, http.StatusServiceUnavailable, "RUNNER_UNAVAILABLE", "strategy runner not available")
		return
	}
	summary, err := s.runner.RunDue(c.Request.Context(), s.now())
	if err != nil {
		log.Printf("runDue: %v", err)
		respondError(c, http.StatusInternalServerError, "RUN_DUE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) tickStrategy(c *gin.Context) {
	if s.runner == nil {
		respondError(c, http.StatusServiceUnavailable, "RUNNER_UNAVAILABLE", "strategy runner not available")
		return
	}
	out := s.runner.RunTick(c.Request.Context(), c.Param("id"), s.now())
	if out.Status == strategy.StatusError && out.Reason == strategy.ReasonStrategyNotFound {
		c.JSON(http.StatusNotFound, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listTicks(c *gin.Context) {
	ticks, err := s.db.ListTickRuns(c.Request.Context(), c.Param("id"), queryLimit(c, 50, 500))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(ticks))
	for _, t := range ticks {
		out = append(out, gin.H{
			"id":         t.ID,
			"status":     t.Status,
			"reason":     t.Reason,
			"signal":     t.Signal,
			"latency_ms": t.LatencyMs,
			"created_at": t.CreatedAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listStrategyEvents(c *gin.Context) {
	evs, err := s.db.ListStrategyEvents(c.Request.Context(), c.Param("id"), queryLimit(c, 100, 500))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(evs))
	for _, e := range evs {
		out = append(out, gin.H{
			"id":         e.ID,
			"type":       e.EventType,
			"payload":    e.Payload,
			"created_at": e.CreatedAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, out)
}

// Copy trading

func (s *Server) replicate(c *gin.Context) {
	if s.copier == nil {
		respondError(c, http.StatusServiceUnavailable, "COPY_UNAVAILABLE", "copy orchestrator not available")
		return
	}
	var req struct {
		Exchange   string  `json:"exchange"`
		MarketType string  `json:"market_type"`
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		Qty        float64 `json:"qty"`
		ReduceOnly bool    `json:"reduce_only"`
		Leverage   int     `json:"leverage"`
		OrderID    string  `json:"order_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	side, ok := common.ParseSide(req.Side)
	if !ok {
		respondError(c, http.StatusBadRequest, "INVALID_SIDE", "side must be BUY or SELL")
		return
	}
	if req.Qty <= 0 || strings.TrimSpace(req.Symbol) == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "symbol and qty > 0 are required")
		return
	}
	switch common.Exchange(strings.ToLower(req.Exchange)) {
	case common.ExchangeBinance, common.ExchangeBybit:
	default:
		respondError(c, http.StatusBadRequest, "UNSUPPORTED_EXCHANGE", "exchange must be binance or bybit")
		return
	}
	if req.MarketType == "" {
		req.MarketType = string(common.MarketFutures)
	}
	if !strings.EqualFold(req.MarketType, string(common.MarketFutures)) {
		respondError(c, http.StatusBadRequest, "UNSUPPORTED_MARKET", "market_type must be futures")
		return
	}

	summary, err := s.copier.Replicate(c.Request.Context(), c.Param("master"), copytrade.MasterTrade{
		Exchange:   strings.ToLower(req.Exchange),
		MarketType: strings.ToLower(req.MarketType),
		Symbol:     common.NormalizeSymbol(req.Symbol),
		Side:       side,
		Qty:        req.Qty,
		ReduceOnly: req.ReduceOnly,
		Leverage:   req.Leverage,
		OrderID:    req.OrderID,
	})
	if errors.Is(err, copytrade.ErrKillSwitchOn) {
		respondError(c, http.StatusLocked, order.ReasonKillSwitchOn, err.Error())
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "REPLICATION_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Exchange connections

// connectionView never includes the credential blob.
func connectionView(conn db.ExchangeConnection) gin.H {
	return gin.H{
		"id":                   conn.ID,
		"user_id":              conn.UserID,
		"exchange":             conn.Exchange,
		"environment":          conn.Environment,
		"market_type":          conn.MarketType,
		"futures_enabled":      conn.FuturesEnabled,
		"kill_switch":          conn.KillSwitch,
		"disabled":             conn.Disabled,
		"max_leverage_allowed": conn.MaxLeverageAllowed,
		"max_notional_usdt":    conn.MaxNotionalUSDT,
		"margin_mode":          conn.MarginMode,
		"position_mode":        conn.PositionMode,
		"default_leverage":     conn.DefaultLeverage,
		"last_test_status":     conn.LastTestStatus,
		"last_test_reason":     conn.LastTestReason,
		"created_at":           msOrNil(conn.CreatedAt),
		"updated_at":           msOrNil(conn.UpdatedAt),
	}
}

func (s *Server) listConnections(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		respondError(c, http.StatusBadRequest, "MISSING_USER", "user_id is required")
		return
	}
	conns, err := s.db.ListConnectionsByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(conns))
	for _, conn := range conns {
		out = append(out, connectionView(conn))
	}
	c.JSON(http.StatusOK, out)
}

type createConnectionRequest struct {
	UserID             string  `json:"user_id"`
	Exchange           string  `json:"exchange"`
	Environment        string  `json:"environment"`
	MarketType         string  `json:"market_type"`
	APIKey             string  `json:"api_key"`
	APISecret          string  `json:"api_secret"`
	FuturesEnabled     bool    `json:"futures_enabled"`
	MaxLeverageAllowed int     `json:"max_leverage_allowed"`
	MaxNotionalUSDT    float64 `json:"max_notional_usdt"`
	MarginMode         string  `json:"margin_mode"`
	PositionMode       string  `json:"position_mode"`
	DefaultLeverage    int     `json:"default_leverage"`
}

func (r *createConnectionRequest) normalize() error {
	r.Exchange = strings.ToLower(strings.TrimSpace(r.Exchange))
	switch common.Exchange(r.Exchange) {
	case common.ExchangeBinance, common.ExchangeBybit:
	default:
		return errors.New("exchange must be binance or bybit")
	}
	if r.Environment == "" {
		r.Environment = string(common.EnvProduction)
	}
	if r.Environment != string(common.EnvProduction) && r.Environment != string(common.EnvTestnet) {
		return errors.New("environment must be production or testnet")
	}
	r.MarketType = strings.ToLower(strings.TrimSpace(r.MarketType))
	if r.MarketType == "" {
		r.MarketType = string(common.MarketFutures)
	}
	if r.MarketType != string(common.MarketFutures) {
		return errors.New("market_type must be futures")
	}
	if r.MarginMode == "" {
		r.MarginMode = string(common.MarginIsolated)
	}
	if r.PositionMode == "" {
		r.PositionMode = string(common.PositionModeOneWay)
	}
	if r.MaxLeverageAllowed <= 0 {
		r.MaxLeverageAllowed = 10
	}
	if r.DefaultLeverage <= 0 || r.DefaultLeverage > r.MaxLeverageAllowed {
		r.DefaultLeverage = r.MaxLeverageAllowed
	}
	if r.UserID == "" || r.APIKey == "" || r.APISecret == "" {
		return errors.New("user_id, api_key and api_secret are required")
	}
	return nil
}

// createConnection stores a new connection with sealed credentials. It starts untested.
func (s *Server) createConnection(c *gin.Context) {
	if s.keys == nil {
		respondError(c, http.StatusInternalServerError, "CONFIG_ERROR", "KeyManager required for connection storage")
		return
	}
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if err := req.normalize(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	blob, err := s.keys.SealCredentials(common.Credentials{APIKey: req.APIKey, APISecret: req.APISecret})
	if err != nil {
		log.Printf("createConnection: seal credentials failed for user %s", req.UserID)
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt credentials")
		return
	}

	now := s.now().UTC()
	conn := db.ExchangeConnection{
		ID:                   uuid.NewString(),
		UserID:               req.UserID,
		Exchange:             req.Exchange,
		Environment:          req.Environment,
		MarketType:           req.MarketType,
		CredentialsEncrypted: blob,
		FuturesEnabled:       req.FuturesEnabled,
		MaxLeverageAllowed:   req.MaxLeverageAllowed,
		MaxNotionalUSDT:      req.MaxNotionalUSDT,
		MarginMode:           req.MarginMode,
		PositionMode:         req.PositionMode,
		DefaultLeverage:      req.DefaultLeverage,
		LastTestStatus:       db.TestStatusUntested,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.db.CreateConnection(c.Request.Context(), conn); err != nil {
		log.Printf("createConnection: db error for user %s: %v", req.UserID, err)
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	log.Printf("createConnection: created id=%s user=%s exch=%s env=%s", conn.ID, conn.UserID, conn.Exchange, conn.Environment)
	c.JSON(http.StatusCreated, connectionView(conn))
}

func (s *Server) loadConnection(c *gin.Context) (*db.ExchangeConnection, bool) {
	conn, err := s.db.GetConnection(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "CONNECTION_NOT_FOUND", "connection not found")
		return nil, false
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return nil, false
	}
	return conn, true
}

func (s *Server) recordGateway(connectionID string, ok bool) {
	rec, isRec := s.adapters.(failureRecorder)
	if !isRec {
		return
	}
	if ok {
		rec.RecordSuccess(connectionID)
	} else {
		rec.RecordFailure(connectionID)
	}
}

// checkConnection tests the account and stores the classified outcome.
func (s *Server) checkConnection(c *gin.Context) {
	conn, ok := s.loadConnection(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		summary common.AccountSummary
		reason  permissions.Reason
	)
	adapter, err := s.adapters.ForConnection(ctx, *conn)
	if err != nil {
		log.Printf("checkConnection: adapter for %s: %v", conn.ID, err)
		reason = order.ReasonAdapterUnavailable
	} else {
		summary, err = adapter.GetAccountSummary(ctx)
		if err != nil {
			reason = permissions.ClassifyError(err)
			if permissions.IsDesync(reason) {
				if tr, ok := adapter.(common.TimeResetter); ok {
					tr.InvalidateTime()
				}
			}
			s.recordGateway(conn.ID, false)
			log.Printf("checkConnection: %s failed: %s (%s)", conn.ID, reason, permissions.Sanitize(err.Error()))
		}
	}

	status := db.TestStatusOK
	if reason != "" {
		status = db.TestStatusFailed
	}
	if uerr := s.db.UpdateConnectionTestStatus(ctx, conn.ID, status, string(reason)); uerr != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", uerr.Error())
		return
	}

	if reason != "" {
		c.JSON(http.StatusOK, gin.H{
			"ok":          false,
			"reason_code": reason,
			"message":     i18n.Reason(string(reason)),
		})
		return
	}
	s.recordGateway(conn.ID, true)
	c.JSON(http.StatusOK, gin.H{
		"ok":                true,
		"available_balance": summary.AvailableBalance,
		"wallet_balance":    summary.WalletBalance,
		"unrealized_pnl":    summary.UnrealizedPnL,
		"open_positions":    summary.OpenPositions,
	})
}

// testOrder places a small market order through the audited execution path.
func (s *Server) testOrder(c *gin.Context) {
	var req struct {
		Symbol      string  `json:"symbol"`
		Side        string  `json:"side"`
		Qty         float64 `json:"qty"`
		QuoteAmount float64 `json:"quote_amount"`
		ReduceOnly  bool    `json:"reduce_only"`
		Leverage    int     `json:"leverage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Symbol) == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "symbol is required")
		return
	}
	side := common.SideBuy
	if req.Side != "" {
		parsed, ok := common.ParseSide(req.Side)
		if !ok {
			respondError(c, http.StatusBadRequest, "INVALID_SIDE", "side must be BUY or SELL")
			return
		}
		side = parsed
	}
	if req.Qty < 0 || req.QuoteAmount < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_QUANTITY", "qty and quote_amount must not be negative")
		return
	}
	if req.Qty == 0 && req.QuoteAmount == 0 {
		req.Qty = testOrderDefaultQty
	}

	conn, ok := s.loadConnection(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if s.kill == nil || s.kill.IsOn(ctx) {
		respondError(c, http.StatusLocked, order.ReasonKillSwitchOn, i18n.Reason(order.ReasonKillSwitchOn))
		return
	}

	adapter, err := s.adapters.ForConnection(ctx, *conn)
	if err != nil {
		log.Printf("testOrder: adapter for %s: %v", conn.ID, err)
		adapter = nil
	}
	res := s.orders.Execute(ctx, order.Request{
		UserID:      conn.UserID,
		Connection:  *conn,
		Source:      order.SourceManualTest,
		Symbol:      common.NormalizeSymbol(req.Symbol),
		Side:        side,
		Type:        common.OrderTypeMarket,
		Qty:         req.Qty,
		QuoteAmount: req.QuoteAmount,
		ReduceOnly:  req.ReduceOnly,
		Leverage:    req.Leverage,
		Adapter:     adapter,
	})

	code := http.StatusOK
	if !res.Success {
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, res)
}

// Risk

func riskView(st *risk.State) gin.H {
	if st == nil {
		return gin.H{}
	}
	return gin.H{
		"user_id":            st.UserID,
		"day":                st.Day,
		"realized_pnl_usdt":  st.RealizedPnLUSDT,
		"trades_count":       st.TradesCount,
		"consecutive_losses": st.ConsecutiveLosses,
		"is_paused":          st.IsPaused,
		"paused_reason":      st.PausedReason,
		"paused_until":       msOrNil(st.PausedUntil),
		"last_trade_at":      msOrNil(st.LastTradeAt),
	}
}

func limitsView(l risk.Limits) gin.H {
	return gin.H{
		"daily_max_loss_usdt":      l.DailyMaxLossUSDT,
		"max_trades_per_day":       l.MaxTradesPerDay,
		"max_consecutive_losses":   l.MaxConsecutiveLosses,
		"cooldown_after_trade_sec": int64(l.CooldownAfterTrade.Seconds()),
		"pause_duration_min":       int64(l.PauseDuration.Minutes()),
	}
}

func (s *Server) getRisk(c *gin.Context) {
	userID := c.Param("user")
	ctx := c.Request.Context()
	now := s.now()

	st, err := s.gate.State(ctx, userID, now)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "RISK_UNAVAILABLE", err.Error())
		return
	}
	decision, err := s.gate.Check(ctx, userID, now)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "RISK_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":    riskView(st),
		"decision": decision,
		"limits":   limitsView(s.gate.Limits()),
	})
}

func (s *Server) pauseRisk(c *gin.Context) {
	var req struct {
		Reason  string `json:"reason"`
		Until   string `json:"until"` // RFC3339
		Minutes int    `json:"minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	var until time.Time
	switch {
	case req.Until != "":
		t, err := time.Parse(time.RFC3339, req.Until)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_UNTIL", "until must be RFC3339")
			return
		}
		if !t.After(s.now()) {
			respondError(c, http.StatusBadRequest, "INVALID_UNTIL", "until must be in the future")
			return
		}
		until = t.UTC()
	case req.Minutes > 0:
		until = s.now().UTC().Add(time.Duration(req.Minutes) * time.Minute)
	}

	st, err := s.gate.Pause(c.Request.Context(), c.Param("user"), req.Reason, until)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "RISK_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, riskView(st))
}

// recordTradeResult books a closed trade into the user's risk counters.
func (s *Server) recordTradeResult(c *gin.Context) {
	var req struct {
		PnLUSDT    *float64 `json:"pnl_usdt"`
		Side       string   `json:"side"`
		Qty        float64  `json:"qty"`
		EntryPrice float64  `json:"entry_price"`
		ExitPrice  float64  `json:"exit_price"`
		Fee        float64  `json:"fee"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	var pnl float64
	if req.PnLUSDT != nil {
		pnl = *req.PnLUSDT
	} else {
		side, ok := common.ParseSide(req.Side)
		if !ok || req.Qty <= 0 || req.EntryPrice <= 0 || req.ExitPrice <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "pnl_usdt or side, qty, entry_price and exit_price are required")
			return
		}
		pnl = order.CalculatePnL(side, req.Qty, req.EntryPrice, req.ExitPrice, req.Fee)
	}

	st, err := s.gate.Record(c.Request.Context(), c.Param("user"), pnl, s.now())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "RISK_UNAVAILABLE", err.Error())
		return
	}
	resp := riskView(st)
	resp["pnl_usdt"] = pnl
	c.JSON(http.StatusOK, resp)
}

// Audit

func auditView(a db.AuditRow) gin.H {
	return gin.H{
		"id":                a.ID,
		"user_id":           a.UserID,
		"connection_id":     a.ConnectionID,
		"source":            a.Source,
		"exchange":          a.Exchange,
		"market_type":       a.MarketType,
		"symbol":            a.Symbol,
		"side":              a.Side,
		"order_type":        a.OrderType,
		"quantity":          a.Quantity,
		"quote_amount":      a.QuoteAmount,
		"client_order_id":   a.ClientOrderID,
		"status":            a.Status,
		"reason_code":       a.ReasonCode,
		"error_message":     a.ErrorMessage,
		"exchange_order_id": a.ExchangeOrderID,
		"precheck":          a.PrecheckJSON,
		"verify":            a.VerifyJSON,
		"created_at":        a.CreatedAt.UnixMilli(),
	}
}

func (s *Server) listAudit(c *gin.Context) {
	rows, err := s.db.ListAudit(c.Request.Context(), db.AuditFilter{
		UserID:       c.Query("user_id"),
		ConnectionID: c.Query("connection_id"),
		Status:       c.Query("status"),
		Limit:        queryLimit(c, 100, 500),
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, auditView(r))
	}
	c.JSON(http.StatusOK, out)
}

// Platform

func (s *Server) getKillSwitch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": s.kill.IsOn(c.Request.Context())})
}

func (s *Server) setKillSwitch(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "enabled is required")
		return
	}
	if err := s.kill.Set(c.Request.Context(), *req.Enabled); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	log.Printf("[PLATFORM] kill switch set to %v by %s", *req.Enabled, CurrentOperator(c))
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}
