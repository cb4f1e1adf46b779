// Package order is the single path from an order intent to an audited exchange submission.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/permissions"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/i18n"
)

const (
	defaultFuturesLeverage = 10
	clientOrderIDPrefix    = "ec-"
	maxClientOrderIDLen    = 36
	auditWriteTimeout      = 5 * time.Second
)

const quoteQtyPlaces int32 = 6

// AuditStore appends execution audit rows. *db.Database satisfies it.
type AuditStore interface {
	InsertAudit(ctx context.Context, row db.AuditRow) error
}

// Config controls optional execution behavior.
type Config struct {
	DemoMode         bool
	VerifyAfterPlace bool
	VerifyTimeout    time.Duration
	VerifyRetryDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		VerifyAfterPlace: true,
		VerifyTimeout:    2500 * time.Millisecond,
		VerifyRetryDelay: 300 * time.Millisecond,
	}
}

// Service gates, submits and audits orders. It never consults the risk gate or
// the strategy lock; callers do that.
type Service struct {
	audit   AuditStore
	cfg     Config
	bus     *events.Bus
	metrics *monitor.Metrics
	now     func() time.Time
}

// NewService creates a Service. bus and metrics may be nil.
func NewService(audit AuditStore, cfg Config, bus *events.Bus, metrics *monitor.Metrics) *Service {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultConfig().VerifyTimeout
	}
	if cfg.VerifyRetryDelay <= 0 {
		cfg.VerifyRetryDelay = DefaultConfig().VerifyRetryDelay
	}
	return &Service{audit: audit, cfg: cfg, bus: bus, metrics: metrics, now: time.Now}
}

// attempt accumulates everything that ends up in the audit row.
type attempt struct {
	req      Request
	row      db.AuditRow
	precheck map[string]any
	verify   *VerifyOutcome
}

// Execute runs eligibility, preflight, placement and optional verification,
// and writes exactly one audit row whatever the outcome.
func (s *Service) Execute(ctx context.Context, req Request) Result {
	a := s.newAttempt(req)

	if reason := eligibility(req.Connection); reason != "" {
		return s.finish(ctx, a, skipped(reason, i18n.Reason(reason)))
	}
	if s.cfg.DemoMode {
		return s.finish(ctx, a, skipped(ReasonDemoMode, i18n.Reason(ReasonDemoMode)))
	}
	if req.Adapter == nil {
		return s.finish(ctx, a, failed(ReasonAdapterUnavailable, "no adapter resolved for connection"))
	}

	qty, mark, res := s.preflight(ctx, a)
	if res != nil {
		return s.finish(ctx, a, *res)
	}
	a.row.Quantity = qty

	clientID := newClientOrderID()
	a.row.ClientOrderID = clientID

	start := s.now()
	placed, err := req.Adapter.PlaceOrder(ctx, common.OrderRequest{
		Symbol:       a.row.Symbol,
		Side:         req.Side,
		Type:         orderType(req.Type),
		Qty:          qty,
		Price:        req.Price,
		ReduceOnly:   req.ReduceOnly,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		PositionSide: req.PositionSide,
		ClientID:     clientID,
	})
	s.metrics.ObservePlace(a.row.Exchange, time.Since(start))

	if err != nil {
		reason := permissions.ClassifyError(err)
		if permissions.IsDesync(reason) {
			if r, ok := req.Adapter.(common.TimeResetter); ok {
				r.InvalidateTime()
			}
		}
		code := string(reason)
		if reason == permissions.Unknown {
			code = ReasonExchangeError
		}
		return s.finish(ctx, a, failed(code, permissions.SanitizeSnippet(err.Error())))
	}
	if placed.Status.IsTerminalFailure() {
		return s.finish(ctx, a, failed(ReasonExchangeError, fmt.Sprintf("order not accepted: %s", placed.RawStatus)))
	}
	if placed.ExchangeOrderID == "" {
		return s.finish(ctx, a, failed(ReasonNoOrderID, "exchange did not return an order id"))
	}
	a.row.ExchangeOrderID = placed.ExchangeOrderID

	msg := "order placed"
	if s.shouldVerify(req) {
		out := s.verifyPlaced(ctx, req, placed.ExchangeOrderID, clientID)
		a.verify = &out
		if out.Status == VerifyNotFound {
			msg = "order placed; not found on exchange immediately, check open orders or history"
		}
	}
	if mark > 0 {
		a.precheck["mark_price"] = mark
	}
	return s.finish(ctx, a, Result{
		Success:         true,
		ExchangeOrderID: placed.ExchangeOrderID,
		ClientOrderID:   clientID,
		Status:          db.AuditPlaced,
		Message:         msg,
	})
}

func (s *Service) newAttempt(req Request) *attempt {
	symbol := common.NormalizeSymbol(req.Symbol)
	return &attempt{
		req: req,
		row: db.AuditRow{
			ID:           uuid.NewString(),
			UserID:       req.UserID,
			ConnectionID: req.Connection.ID,
			Source:       string(req.Source),
			Exchange:     req.Connection.Exchange,
			MarketType:   req.Connection.MarketType,
			Symbol:       symbol,
			Side:         string(req.Side),
			OrderType:    string(orderType(req.Type)),
			Quantity:     req.Qty,
			QuoteAmount:  req.QuoteAmount,
		},
		precheck: map[string]any{
			"request": map[string]any{
				"symbol":      symbol,
				"side":        string(req.Side),
				"type":        string(orderType(req.Type)),
				"qty":         req.Qty,
				"quote":       req.QuoteAmount,
				"price":       req.Price,
				"leverage":    req.Leverage,
				"reduce_only": req.ReduceOnly,
			},
		},
	}
}

// eligibility returns the first reason the connection may not trade, or "".
func eligibility(c db.ExchangeConnection) string {
	switch {
	case c.LastTestStatus != db.TestStatusOK:
		return ReasonConnectionNotTested
	case c.Disabled:
		return ReasonConnectionDisabled
	case c.MarketType != string(common.MarketFutures):
		return ReasonMarketNotSupported
	case !c.FuturesEnabled:
		return ReasonFuturesNotEnabled
	case c.KillSwitch:
		return ReasonKillSwitchOn
	}
	return ""
}

// preflight resolves the quantity and checks margin for futures opening orders.
// A non-nil Result ends the attempt.
func (s *Service) preflight(ctx context.Context, a *attempt) (float64, float64, *Result) {
	req := a.req
	qty := req.Qty
	var mark float64

	markPrice := func() *Result {
		if mark > 0 {
			return nil
		}
		p, err := req.Adapter.GetMarkPrice(ctx, a.row.Symbol)
		if err != nil || p <= 0 {
			detail := "mark price unavailable"
			if err != nil {
				detail = permissions.SanitizeSnippet(err.Error())
			}
			a.precheck["mark_price_error"] = "fetch_failed"
			r := failed(ReasonTickerFailed, detail)
			return &r
		}
		mark = p
		return nil
	}

	if qty <= 0 && req.QuoteAmount > 0 {
		if r := markPrice(); r != nil {
			return 0, 0, r
		}
		qty = common.TruncateTo(req.QuoteAmount/mark, quoteQtyPlaces)
	}
	if qty <= 0 {
		r := skipped(ReasonInvalidQuantity, i18n.Reason(ReasonInvalidQuantity))
		return 0, 0, &r
	}

	if req.ReduceOnly {
		return qty, mark, nil
	}

	if r := markPrice(); r != nil {
		return 0, 0, r
	}
	summary, err := req.Adapter.GetAccountSummary(ctx)
	if err != nil {
		a.precheck["balance_error"] = "fetch_failed"
		r := failed(ReasonBalanceFetchFailed, permissions.SanitizeSnippet(err.Error()))
		return 0, 0, &r
	}

	leverage := req.Leverage
	if leverage < 1 {
		leverage = defaultFuturesLeverage
	}
	required := qty * mark / float64(leverage)
	a.precheck["available_balance"] = summary.AvailableBalance
	a.precheck["required_margin"] = common.RoundTo(required, 4)
	a.precheck["leverage_used"] = leverage

	if summary.AvailableBalance < required {
		r := skipped(ReasonInsufficientBalance, fmt.Sprintf("%s: available %.2f USDT, required ~%.2f USDT",
			i18n.Reason(ReasonInsufficientBalance), summary.AvailableBalance, required))
		return 0, 0, &r
	}
	return qty, mark, nil
}

func (s *Service) shouldVerify(req Request) bool {
	if req.Verify != nil {
		return *req.Verify
	}
	return s.cfg.VerifyAfterPlace
}

// finish writes the audit row and publishes the result. An accepted order whose
// row cannot be written still returns success and is flagged as an audit gap.
func (s *Service) finish(ctx context.Context, a *attempt, res Result) Result {
	res.AuditID = a.row.ID
	res.Message = permissions.Sanitize(res.Message)

	a.row.Status = res.Status
	a.row.ReasonCode = res.ReasonCode
	if !res.Success {
		a.row.ErrorMessage = permissions.SanitizeSnippet(res.Message)
	}
	a.row.PrecheckJSON = encodeAudit(a.precheck)
	if a.verify != nil {
		a.row.VerifyJSON = encodeAudit(verifyMap(*a.verify))
	}
	a.row.CreatedAt = s.now().UTC()

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := s.audit.InsertAudit(auditCtx, a.row); err != nil {
		s.metrics.AuditWriteFailed()
		if res.Success {
			log.Printf("[AUDIT_GAP] user=%s connection=%s source=%s symbol=%s exchange_order_id=%s client_order_id=%s: %s",
				a.row.UserID, a.row.ConnectionID, a.row.Source, a.row.Symbol, a.row.ExchangeOrderID, a.row.ClientOrderID,
				permissions.Sanitize(err.Error()))
			if s.bus != nil {
				s.bus.Publish(events.EventAuditGap, events.AuditGap{
					UserID:          a.row.UserID,
					ConnectionID:    a.row.ConnectionID,
					Source:          a.row.Source,
					Symbol:          a.row.Symbol,
					ExchangeOrderID: a.row.ExchangeOrderID,
					ClientOrderID:   a.row.ClientOrderID,
					At:              a.row.CreatedAt,
				})
			}
		} else {
			log.Printf("order: audit write failed for %s attempt (%s): %s", res.Status, res.ReasonCode, permissions.Sanitize(err.Error()))
		}
	}

	s.metrics.ObserveExecution(a.row.Source, res.Status, res.ReasonCode)
	if s.bus != nil {
		s.bus.Publish(events.EventExecutionResult, events.ExecutionResult{
			AuditID:         a.row.ID,
			UserID:          a.row.UserID,
			ConnectionID:    a.row.ConnectionID,
			Source:          a.row.Source,
			Symbol:          a.row.Symbol,
			Status:          res.Status,
			ReasonCode:      res.ReasonCode,
			ExchangeOrderID: res.ExchangeOrderID,
		})
	}
	if !res.Success {
		log.Printf("order: %s %s %s on %s: %s", a.row.Source, a.row.Symbol, res.Status, a.row.Exchange, res.ReasonCode)
	} else {
		log.Printf("order: %s %s %s qty=%g exchange_order_id=%s", a.row.Source, a.row.Symbol, a.row.Side, a.row.Quantity, res.ExchangeOrderID)
	}
	return res
}

func skipped(code, msg string) Result {
	return Result{Status: db.AuditSkipped, ReasonCode: code, Message: msg}
}

func failed(code, msg string) Result {
	return Result{Status: db.AuditFailed, ReasonCode: code, Message: msg}
}

func orderType(t common.OrderType) common.OrderType {
	if t == "" {
		return common.OrderTypeMarket
	}
	return t
}

// newClientOrderID returns "ec-" + a dashless uuid, within the 36-char limit both exchanges accept.
func newClientOrderID() string {
	id := clientOrderIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > maxClientOrderIDLen {
		id = id[:maxClientOrderIDLen]
	}
	return id
}

func encodeAudit(m map[string]any) string {
	raw, err := json.Marshal(permissions.SanitizeForAudit(m))
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func verifyMap(v VerifyOutcome) map[string]any {
	m := map[string]any{
		"verify_status": string(v.Status),
		"attempts":      v.Attempts,
	}
	if v.Via != "" {
		m["verify_used"] = v.Via
	}
	if v.Snippet != "" {
		m["verify_response_snippet"] = v.Snippet
	}
	if v.Warning != "" {
		m["verify_warning"] = v.Warning
	}
	return m
}
