// Package bybit implements the exchange adapter for Bybit V5 linear (USDT perpetual) contracts.
package bybit

import (
	"bytes"
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
	prodBaseURL    = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	category          = "linear"
	defaultRecvWindow = 10000
	maxErrorMessage   = 300
)

const (
	codeTimestampBad    = "10002"
	codeParamError      = "10001"
	codeLeverageSame    = "110043"
	codePositionModeSet = "110025"
)

// Config holds one connection's Bybit settings.
type Config struct {
	Credentials common.Credentials
	Environment common.Environment
	RecvWindow  int64 // ms
	Timeout     time.Duration
	BaseURL     string // overrides the environment host (tests)
	Offsets     *common.OffsetCache
	HTTPClient  *http.Client
}

// Client talks to the Bybit V5 REST API for one set of credentials.
type Client struct {
	cfg         Config
	baseURL     string
	recvWindow  string
	httpClient  *http.Client
	offsets     *common.OffsetCache
	offsetKey   string
	rateLimiter *common.RateLimiter
}

var _ common.Adapter = (*Client)(nil)
var _ common.MarketData = (*Client)(nil)

// NewClient creates a Bybit linear client.
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
		recvWindow:  strconv.FormatInt(cfg.RecvWindow, 10),
		httpClient:  httpClient,
		offsets:     offsets,
		offsetKey:   common.OffsetKey(common.ExchangeBybit, cfg.Environment, common.MarketFutures),
		rateLimiter: common.LimiterFor(base, 10, 20, 0), // bybit reports limits per endpoint, not as weight
	}
}

func (c *Client) Exchange() common.Exchange       { return common.ExchangeBybit }
func (c *Client) Environment() common.Environment { return c.cfg.Environment }

// InvalidateTime forces the next signed call to re-measure the clock offset.
func (c *Client) InvalidateTime() {
	c.offsets.Invalidate(c.offsetKey)
}

// GetServerTime returns Bybit server time in ms.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/v5/market/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		Time   int64 `json:"time"`
		Result struct {
			TimeSecond string `json:"timeSecond"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	if res.Time > 0 {
		return res.Time, nil
	}
	secs, err := strconv.ParseInt(res.Result.TimeSecond, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server time: %w", err)
	}
	return secs * 1000, nil
}

// Ping checks reachability through the public time endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetServerTime(ctx)
	return err
}

// GetMarkPrice returns the linear ticker mark price.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/v5/market/tickers", params)
	if err != nil {
		return 0, err
	}
	var res struct {
		Result struct {
			List []struct {
				Symbol    string `json:"symbol"`
				MarkPrice string `json:"markPrice"`
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode tickers: %w", err)
	}
	if len(res.Result.List) > 0 {
		t := res.Result.List[0]
		if p := common.ParseFloat(t.MarkPrice); p > 0 {
			return p, nil
		}
		if p := common.ParseFloat(t.LastPrice); p > 0 {
			return p, nil
		}
	}
	return 0, common.NewExchangeError(common.ExchangeBybit, common.MarketFutures, 0, "", "mark price unavailable for "+symbol)
}

// GetCandles returns klines oldest first; Bybit returns them newest first.
func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("interval", interval(timeframe))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, err
	}
	var res struct {
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}
	rows := res.Result.List
	candles := make([]common.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if len(r) < 6 {
			continue
		}
		start, _ := strconv.ParseInt(r[0], 10, 64)
		candles = append(candles, common.Candle{
			OpenTime: start,
			Open:     common.ParseFloat(r[1]),
			High:     common.ParseFloat(r[2]),
			Low:      common.ParseFloat(r[3]),
			Close:    common.ParseFloat(r[4]),
			Volume:   common.ParseFloat(r[5]),
		})
	}
	return candles, nil
}

// SetLeverage sets buy and sell leverage for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/position/set-leverage", map[string]any{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	})
	if isCode(err, codeLeverageSame) {
		return nil
	}
	return err
}

// SetMarginMode switches the account margin mode. Bybit sets it per account, so symbol is unused.
func (c *Client) SetMarginMode(ctx context.Context, _ string, mode common.MarginMode) error {
	value := "ISOLATED_MARGIN"
	if mode == common.MarginCross {
		value = "REGULAR_MARGIN"
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/account/set-margin-mode", map[string]any{
		"setMarginMode": value,
	})
	if err != nil && notModified(err) {
		return nil
	}
	return err
}

// SetPositionMode switches between merged single (0) and both-side (3) mode for USDT contracts.
func (c *Client) SetPositionMode(ctx context.Context, mode common.PositionMode) error {
	m := 0
	if mode == common.PositionModeHedge {
		m = 3
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/position/switch-mode", map[string]any{
		"category": category,
		"coin":     "USDT",
		"mode":     m,
	})
	if isCode(err, codePositionModeSet) || (err != nil && notModified(err)) {
		return nil
	}
	return err
}

// GetAccountSummary reads the USDT wallet, trying the unified account before the classic contract account.
func (c *Client) GetAccountSummary(ctx context.Context) (common.AccountSummary, error) {
	var lastErr error
	for _, accountType := range []string{"UNIFIED", "CONTRACT"} {
		sum, err := c.walletBalance(ctx, accountType)
		if err != nil {
			lastErr = err
			continue
		}
		if n, err := c.countOpenPositions(ctx); err == nil {
			sum.OpenPositions = n
		}
		return sum, nil
	}
	return common.AccountSummary{}, lastErr
}

func (c *Client) walletBalance(ctx context.Context, accountType string) (common.AccountSummary, error) {
	params := url.Values{}
	params.Set("accountType", accountType)
	params.Set("coin", "USDT")
	body, err := c.doSigned(ctx, http.MethodGet, "/v5/account/wallet-balance", params)
	if err != nil {
		return common.AccountSummary{}, err
	}
	var res walletResp
	if err := json.Unmarshal(body, &res); err != nil {
		return common.AccountSummary{}, fmt.Errorf("decode wallet balance: %w", err)
	}
	if len(res.Result.List) == 0 {
		return common.AccountSummary{}, common.NewExchangeError(common.ExchangeBybit, common.MarketFutures, 0, "",
			"no "+accountType+" wallet")
	}
	acct := res.Result.List[0]
	sum := common.AccountSummary{
		AvailableBalance: common.ParseFloat(acct.TotalAvailableBalance),
		WalletBalance:    common.ParseFloat(acct.TotalWalletBalance),
		UnrealizedPnL:    common.ParseFloat(acct.TotalPerpUPL),
	}
	for _, coin := range acct.Coin {
		if coin.Coin != "USDT" {
			continue
		}
		if sum.AvailableBalance == 0 {
			sum.AvailableBalance = common.ParseFloat(coin.AvailableToWithdraw)
		}
		if sum.WalletBalance == 0 {
			sum.WalletBalance = common.ParseFloat(coin.WalletBalance)
		}
		if sum.UnrealizedPnL == 0 {
			sum.UnrealizedPnL = common.ParseFloat(coin.UnrealisedPnl)
		}
	}
	return sum, nil
}

func (c *Client) countOpenPositions(ctx context.Context) (int, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("settleCoin", "USDT")
	positions, err := c.positions(ctx, params)
	if err != nil {
		return 0, err
	}
	return len(positions), nil
}

// PlaceOrder creates the order with attached stop-loss / take-profit.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	filters := c.symbolFilters(ctx, req.Symbol)
	qty, err := filters.Qty(req.Qty)
	if err != nil {
		return common.OrderResult{}, c.newError(0, "", req.Symbol+": "+err.Error())
	}

	orderType := "Market"
	if req.Type == common.OrderTypeLimit {
		orderType = "Limit"
	}
	body := map[string]any{
		"category":  category,
		"symbol":    req.Symbol,
		"side":      side(req.Side),
		"orderType": orderType,
		"qty":       qty,
	}
	if orderType == "Limit" {
		body["price"] = filters.Price(req.Price)
		body["timeInForce"] = "GTC"
	} else {
		body["timeInForce"] = "IOC"
	}
	if req.ClientID != "" {
		body["orderLinkId"] = req.ClientID
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	switch req.PositionSide {
	case common.PositionSideLong:
		body["positionIdx"] = 1
	case common.PositionSideShort:
		body["positionIdx"] = 2
	default:
		body["positionIdx"] = 0
	}
	if req.StopLoss > 0 || req.TakeProfit > 0 {
		body["tpslMode"] = "Full"
	}
	if req.StopLoss > 0 {
		body["stopLoss"] = filters.Price(req.StopLoss)
		body["slTriggerBy"] = "MarkPrice"
	}
	if req.TakeProfit > 0 {
		body["takeProfit"] = filters.Price(req.TakeProfit)
		body["tpTriggerBy"] = "MarkPrice"
	}

	raw, err := c.doSigned(ctx, http.MethodPost, "/v5/order/create", body)
	if err != nil {
		return common.OrderResult{}, err
	}
	var res struct {
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order create: %w", err)
	}
	// create only acknowledges; a zero retCode means the order was accepted
	return common.OrderResult{
		ExchangeOrderID: res.Result.OrderID,
		ClientID:        res.Result.OrderLinkID,
		Status:          common.StatusNew,
		RawStatus:       "Created",
	}, nil
}

// symbolFilters returns the lot size and price filters for symbol from instruments-info,
// cached per host. A failed fetch yields zero filters.
func (c *Client) symbolFilters(ctx context.Context, symbol string) common.SymbolFilters {
	if f, ok := common.CachedFilters(c.baseURL, symbol); ok {
		return f
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/v5/market/instruments-info", params)
	if err != nil {
		log.Printf("bybit: instruments-info unavailable, %s sent without step rounding: %v", symbol, err)
		return common.SymbolFilters{}
	}
	var res instrumentsInfo
	if err := json.Unmarshal(body, &res); err != nil {
		log.Printf("bybit: decode instruments-info: %v", err)
		return common.SymbolFilters{}
	}
	for _, in := range res.Result.List {
		if in.Symbol != symbol {
			continue
		}
		f := common.ParseFilters(in.LotSizeFilter.QtyStep, in.LotSizeFilter.MinOrderQty, in.PriceFilter.TickSize)
		common.StoreFilters(c.baseURL, symbol, f)
		return f
	}
	return common.SymbolFilters{}
}

// GetOpenPosition returns the non-empty position for symbol, or nil.
func (c *Client) GetOpenPosition(ctx context.Context, symbol string) (*common.Position, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	positions, err := c.positions(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return &positions[0], nil
}

func (c *Client) positions(ctx context.Context, params url.Values) ([]common.Position, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/v5/position/list", params)
	if err != nil {
		return nil, err
	}
	var res positionResp
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.Position, 0, len(res.Result.List))
	for _, p := range res.Result.List {
		size := common.ParseFloat(p.Size)
		if size == 0 {
			continue
		}
		ps := common.PositionSideLong
		if p.Side == "Sell" {
			ps = common.PositionSideShort
		}
		out = append(out, common.Position{
			Symbol:        p.Symbol,
			Side:          ps,
			Size:          size,
			EntryPrice:    common.ParseFloat(p.AvgPrice),
			MarkPrice:     common.ParseFloat(p.MarkPrice),
			UnrealizedPnL: common.ParseFloat(p.UnrealisedPnl),
			Leverage:      common.ParseFloat(p.Leverage),
		})
	}
	return out, nil
}

// GetOpenOrders lists active orders; symbol optional.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	params := url.Values{}
	params.Set("category", category)
	if symbol != "" {
		params.Set("symbol", symbol)
	} else {
		params.Set("settleCoin", "USDT")
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/v5/order/realtime", params)
	if err != nil {
		return nil, err
	}
	var res orderListResp
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrder, 0, len(res.Result.List))
	for _, o := range res.Result.List {
		s, _ := common.ParseSide(o.Side)
		out = append(out, common.OpenOrder{
			OrderID:    o.OrderID,
			ClientID:   o.OrderLinkID,
			Symbol:     o.Symbol,
			Side:       s,
			Type:       strings.ToUpper(o.OrderType),
			Qty:        common.ParseFloat(o.Qty),
			Price:      common.ParseFloat(o.Price),
			Status:     string(mapStatus(o.OrderStatus)),
			ReduceOnly: o.ReduceOnly,
		})
	}
	return out, nil
}

// CancelAll cancels every open order for symbol.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/order/cancel-all", map[string]any{
		"category": category,
		"symbol":   symbol,
	})
	return err
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, common.TransportError(common.ExchangeBybit, common.MarketFutures, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.TransportError(common.ExchangeBybit, common.MarketFutures, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if exErr := c.checkResponse(res.StatusCode, body); exErr != nil {
		return nil, exErr
	}
	return body, nil
}

// doSigned signs ts+key+recvWindow+payload, where payload is the query string (GET)
// or the exact JSON body (POST). params is url.Values for GET and a map for POST.
func (c *Client) doSigned(ctx context.Context, method, path string, params any) ([]byte, error) {
	if !c.cfg.Credentials.Valid() {
		return nil, common.NewExchangeError(common.ExchangeBybit, common.MarketFutures, 0, "", "API key/secret required")
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, common.TransportError(common.ExchangeBybit, common.MarketFutures, err)
	}

	var (
		payload string
		req     *http.Request
		err     error
	)
	endpoint := c.baseURL + path
	if method == http.MethodGet {
		if q, ok := params.(url.Values); ok {
			payload = q.Encode()
		}
		target := endpoint
		if payload != "" {
			target += "?" + payload
		}
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	} else {
		raw, mErr := json.Marshal(params)
		if mErr != nil {
			return nil, fmt.Errorf("encode body: %w", mErr)
		}
		payload = string(raw)
		req, err = http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(raw))
	}
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(c.offsets.Now(ctx, c.offsetKey, c.GetServerTime), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", c.cfg.Credentials.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(ts, payload))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.TransportError(common.ExchangeBybit, common.MarketFutures, err,
			c.cfg.Credentials.APIKey, c.cfg.Credentials.APISecret)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	if exErr := c.checkResponse(res.StatusCode, body); exErr != nil {
		if exErr.Code == codeTimestampBad || (exErr.Code == codeParamError && mentionsTime(exErr.Message)) {
			c.InvalidateTime()
		}
		if exErr.HTTPStatus == http.StatusTooManyRequests {
			log.Printf("bybit: 429 on %s", path)
		}
		return nil, exErr
	}
	return body, nil
}

func (c *Client) sign(ts, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.Credentials.APISecret))
	mac.Write([]byte(ts + c.cfg.Credentials.APIKey + c.recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// checkResponse turns a non-2xx status or non-zero retCode into an ExchangeError.
func (c *Client) checkResponse(status int, body []byte) *common.ExchangeError {
	var env struct {
		RetCode *int   `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	decoded := json.Unmarshal(body, &env) == nil && env.RetCode != nil

	if status >= 300 {
		code, msg := "", strings.TrimSpace(string(body))
		if decoded {
			code, msg = strconv.Itoa(*env.RetCode), env.RetMsg
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return c.newError(status, code, msg)
	}
	if !decoded {
		return c.newError(status, "", "unexpected response body")
	}
	if *env.RetCode != 0 {
		return c.newError(status, strconv.Itoa(*env.RetCode), env.RetMsg)
	}
	return nil
}

func (c *Client) newError(status int, code, msg string) *common.ExchangeError {
	msg = common.Truncate(msg, maxErrorMessage)
	return common.NewExchangeError(common.ExchangeBybit, common.MarketFutures, status, code, msg,
		c.cfg.Credentials.APIKey, c.cfg.Credentials.APISecret)
}

func isCode(err error, code string) bool {
	if exErr, ok := common.AsExchangeError(err); ok {
		return exErr.Code == code
	}
	return false
}

func notModified(err error) bool {
	exErr, ok := common.AsExchangeError(err)
	if !ok {
		return false
	}
	m := strings.ToLower(exErr.Message)
	return strings.Contains(m, "not modified") || strings.Contains(m, "not need to")
}

func mentionsTime(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "timestamp") || strings.Contains(m, "time")
}

func side(s common.Side) string {
	if s == common.SideSell {
		return "Sell"
	}
	return "Buy"
}

// interval maps "15m"/"1h"/"1d" style timeframes to Bybit kline intervals.
func interval(tf string) string {
	switch strings.ToLower(tf) {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "2h":
		return "120"
	case "4h":
		return "240"
	case "6h":
		return "360"
	case "12h":
		return "720"
	case "1d":
		return "D"
	case "1w":
		return "W"
	}
	return tf
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "New", "Untriggered":
		return common.StatusNew
	case "PartiallyFilled":
		return common.StatusPartial
	case "Filled":
		return common.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return common.StatusCanceled
	case "Rejected":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}
