// Package binance implements the exchange adapter for Binance USD-M futures.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"execution-core/pkg/exchanges/common"
)

const (
	prodBaseURL    = "https://fapi.binance.com"
	testnetBaseURL = "https://demo-fapi.binance.com"

	defaultRecvWindow = 10000
	maxRetryAfter     = 5 * time.Second
	maxErrorMessage   = 300
)

// Native codes the adapter reacts to directly.
const (
	codeTimestampOutside = "-1021"
	codeNoNeedMargin     = "-4046"
	codeNoNeedPosSide    = "-4059"
)

// Config holds one connection's Binance USD-M settings.
type Config struct {
	Credentials common.Credentials
	Environment common.Environment
	RecvWindow  int64 // ms
	Timeout     time.Duration
	BaseURL     string // overrides the environment host (tests)
	Offsets     *common.OffsetCache
	HTTPClient  *http.Client
}

// Client handles Binance USD-M futures for one set of credentials.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	offsets     *common.OffsetCache
	offsetKey   string
	rateLimiter *common.RateLimiter
}

var _ common.Adapter = (*Client)(nil)
var _ common.MarketData = (*Client)(nil)

// NewClient creates a new USD-M futures client.
func NewClient(cfg Config) *Client {
	if cfg.Environment == "" {
		cfg.Environment = common.EnvProduction
	}
	base := prodBaseURL
	if cfg.Environment == common.EnvTestnet {
		base = testnetBaseURL
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	offsets := cfg.Offsets
	if offsets == nil {
		offsets = common.NewOffsetCache(common.DefaultOffsetTTL)
	}
	return &Client{
		cfg:         cfg,
		baseURL:     base,
		httpClient:  httpClient,
		offsets:     offsets,
		offsetKey:   common.OffsetKey(common.ExchangeBinance, cfg.Environment, common.MarketFutures),
		rateLimiter: common.LimiterFor(base, 20, 40, 2400), // 2400 weight/min for futures
	}
}

func (c *Client) Exchange() common.Exchange       { return common.ExchangeBinance }
func (c *Client) Environment() common.Environment { return c.cfg.Environment }

// InvalidateTime forces the next signed call to re-measure the clock offset.
func (c *Client) InvalidateTime() {
	c.offsets.Invalidate(c.offsetKey)
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// Ping checks reachability through the public time endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetServerTime(ctx)
	return err
}

// GetMarkPrice returns the current mark price; public endpoint.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, err
	}
	var res struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode premium index: %w", err)
	}
	price := common.ParseFloat(res.MarkPrice)
	if price <= 0 {
		return 0, common.NewExchangeError(common.ExchangeBinance, common.MarketFutures, 0, "", "mark price unavailable for "+symbol)
	}
	return price, nil
}

// GetCandles returns klines oldest first.
func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	candles := make([]common.Candle, 0, len(raw))
	for _, item := range raw {
		if len(item) < 6 {
			continue
		}
		candles = append(candles, common.Candle{
			OpenTime: toInt64(item[0]),
			Open:     toFloat(item[1]),
			High:     toFloat(item[2]),
			Low:      toFloat(item[3]),
			Close:    toFloat(item[4]),
			Volume:   toFloat(item[5]),
		})
	}
	return candles, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// SetMarginMode sets margin type (ISOLATED or CROSSED).
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode common.MarginMode) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if mode == common.MarginCross {
		params.Set("marginType", "CROSSED")
	} else {
		params.Set("marginType", "ISOLATED")
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params)
	if isCode(err, codeNoNeedMargin) {
		return nil
	}
	return err
}

// SetPositionMode enables/disables hedge mode.
func (c *Client) SetPositionMode(ctx context.Context, mode common.PositionMode) error {
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(mode == common.PositionModeHedge))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params)
	if isCode(err, codeNoNeedPosSide) {
		return nil
	}
	return err
}

// GetAccountSummary returns the USDT wallet view.
func (c *Client) GetAccountSummary(ctx context.Context) (common.AccountSummary, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", url.Values{})
	if err != nil {
		return common.AccountSummary{}, err
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return common.AccountSummary{}, fmt.Errorf("decode account info: %w", err)
	}
	open := 0
	for _, p := range info.Positions {
		if common.ParseFloat(p.PositionAmt) != 0 {
			open++
		}
	}
	return common.AccountSummary{
		AvailableBalance: common.ParseFloat(info.AvailableBalance),
		WalletBalance:    common.ParseFloat(info.TotalWalletBalance),
		UnrealizedPnL:    common.ParseFloat(info.TotalUnrealizedProfit),
		OpenPositions:    open,
	}, nil
}

// PlaceOrder places the entry order, then stop-loss / take-profit as close-position orders.
// Bracket failures are logged; the entry result stands.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	filters := c.symbolFilters(ctx, req.Symbol)
	qty, err := filters.Qty(req.Qty)
	if err != nil {
		return common.OrderResult{}, common.NewExchangeError(common.ExchangeBinance, common.MarketFutures, 0, "", req.Symbol+": "+err.Error())
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("quantity", qty)

	orderType := req.Type
	if orderType == "" {
		orderType = common.OrderTypeMarket
	}
	params.Set("type", string(orderType))
	if orderType == common.OrderTypeLimit {
		params.Set("price", filters.Price(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	hedge := req.PositionSide == common.PositionSideLong || req.PositionSide == common.PositionSideShort
	if hedge {
		params.Set("positionSide", string(req.PositionSide))
	} else if req.ReduceOnly {
		// reduceOnly is rejected in hedge mode
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	result := common.OrderResult{
		ExchangeOrderID: orderID(resp.OrderID),
		ClientID:        resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		RawStatus:       resp.Status,
	}

	if result.Status.IsTerminalFailure() {
		return result, nil
	}
	if req.StopLoss > 0 {
		if err := c.placeCloseTrigger(ctx, req, "STOP_MARKET", filters.Price(req.StopLoss)); err != nil {
			log.Printf("binance: stop-loss for %s failed: %v", req.Symbol, err)
		}
	}
	if req.TakeProfit > 0 {
		if err := c.placeCloseTrigger(ctx, req, "TAKE_PROFIT_MARKET", filters.Price(req.TakeProfit)); err != nil {
			log.Printf("binance: take-profit for %s failed: %v", req.Symbol, err)
		}
	}
	return result, nil
}

func (c *Client) placeCloseTrigger(ctx context.Context, entry common.OrderRequest, orderType, stopPrice string) error {
	params := url.Values{}
	params.Set("symbol", entry.Symbol)
	params.Set("side", string(entry.Side.Opposite()))
	params.Set("type", orderType)
	params.Set("stopPrice", stopPrice)
	params.Set("closePosition", "true")
	params.Set("workingType", "MARK_PRICE")
	if entry.PositionSide == common.PositionSideLong || entry.PositionSide == common.PositionSideShort {
		params.Set("positionSide", string(entry.PositionSide))
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	return err
}

// symbolFilters returns LOT_SIZE and PRICE_FILTER for symbol. A miss fetches exchangeInfo
// once and caches every symbol; a failed fetch yields zero filters.
func (c *Client) symbolFilters(ctx context.Context, symbol string) common.SymbolFilters {
	if f, ok := common.CachedFilters(c.baseURL, symbol); ok {
		return f
	}
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		log.Printf("binance: exchangeInfo unavailable, %s sent without step rounding: %v", symbol, err)
		return common.SymbolFilters{}
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		log.Printf("binance: decode exchangeInfo: %v", err)
		return common.SymbolFilters{}
	}
	var found common.SymbolFilters
	for _, s := range info.Symbols {
		f := s.orderFilters()
		common.StoreFilters(c.baseURL, s.Symbol, f)
		if s.Symbol == symbol {
			found = f
		}
	}
	return found
}

// GetOpenPosition returns the first non-flat position for symbol, or nil.
func (c *Client) GetOpenPosition(ctx context.Context, symbol string) (*common.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	for _, p := range risks {
		amt := common.ParseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := common.PositionSideLong
		if amt < 0 {
			side = common.PositionSideShort
			amt = -amt
		}
		return &common.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          amt,
			EntryPrice:    common.ParseFloat(p.EntryPrice),
			MarkPrice:     common.ParseFloat(p.MarkPrice),
			UnrealizedPnL: common.ParseFloat(p.UnRealizedProfit),
			Leverage:      common.ParseFloat(p.Leverage),
		}, nil
	}
	return nil, nil
}

// GetOpenOrders returns open orders; symbol optional.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var raw []openOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrder, 0, len(raw))
	for _, o := range raw {
		side, _ := common.ParseSide(o.Side)
		out = append(out, common.OpenOrder{
			OrderID:    orderID(o.OrderID),
			ClientID:   o.ClientOrderID,
			Symbol:     o.Symbol,
			Side:       side,
			Type:       o.Type,
			Qty:        common.ParseFloat(o.OrigQty),
			Price:      common.ParseFloat(o.Price),
			Status:     o.Status,
			ReduceOnly: o.ReduceOnly,
		})
	}
	return out, nil
}

// CancelAll cancels all open orders for a symbol.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	return err
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, common.TransportError(common.ExchangeBinance, common.MarketFutures, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.TransportError(common.ExchangeBinance, common.MarketFutures, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, c.errorFromResponse(res.StatusCode, body)
	}
	return body, nil
}

// doSigned handles signing and sending requests. A 429 is retried once after Retry-After.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if !c.cfg.Credentials.Valid() {
		return nil, common.NewExchangeError(common.ExchangeBinance, common.MarketFutures, 0, "", "API key/secret required")
	}

	for attempt := 0; ; attempt++ {
		body, status, retryAfter, err := c.sendSigned(ctx, method, path, params)
		if err != nil {
			return nil, err
		}
		if status == http.StatusTooManyRequests && attempt == 0 {
			log.Printf("binance: 429 on %s, retrying in %v", path, retryAfter)
			select {
			case <-ctx.Done():
				return nil, common.TransportError(common.ExchangeBinance, common.MarketFutures, ctx.Err())
			case <-time.After(retryAfter):
			}
			continue
		}
		if status >= 300 {
			exErr := c.errorFromResponse(status, body)
			if exErr.Code == codeTimestampOutside {
				c.InvalidateTime()
			}
			return nil, exErr
		}
		return body, nil
	}
}

func (c *Client) sendSigned(ctx context.Context, method, path string, params url.Values) ([]byte, int, time.Duration, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, 0, 0, common.TransportError(common.ExchangeBinance, common.MarketFutures, err)
	}

	ts := c.offsets.Now(ctx, c.offsetKey, c.GetServerTime)
	signed := url.Values{}
	for k, v := range params {
		signed[k] = v
	}
	signed.Set("timestamp", strconv.FormatInt(ts, 10))
	signed.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	payload := signed.Encode()
	payload += "&signature=" + sign(payload, c.cfg.Credentials.APISecret)

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+payload, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(payload))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.Credentials.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, common.TransportError(common.ExchangeBinance, common.MarketFutures, err,
			c.cfg.Credentials.APIKey, c.cfg.Credentials.APISecret)
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	return body, res.StatusCode, retryAfter(res.Header.Get("Retry-After")), nil
}

func (c *Client) errorFromResponse(status int, body []byte) *common.ExchangeError {
	var env struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	code := ""
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &env); err == nil && (env.Code != 0 || env.Msg != "") {
		code = strconv.Itoa(env.Code)
		msg = env.Msg
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = common.Truncate(msg, maxErrorMessage)
	return common.NewExchangeError(common.ExchangeBinance, common.MarketFutures, status, code, msg,
		c.cfg.Credentials.APIKey, c.cfg.Credentials.APISecret)
}

func isCode(err error, code string) bool {
	if exErr, ok := common.AsExchangeError(err); ok {
		return exErr.Code == code
	}
	return false
}

func retryAfter(v string) time.Duration {
	d := time.Second
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		d = time.Duration(secs) * time.Second
	}
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func orderID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
