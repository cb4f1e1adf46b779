package bybit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"execution-core/pkg/exchanges/common"
)

const (
	testKey    = "bybitKeyABC"
	testSecret = "bybitSecretXYZ"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		Credentials: common.Credentials{APIKey: testKey, APISecret: testSecret},
		Environment: common.EnvTestnet,
		BaseURL:     srv.URL,
		Timeout:     2 * time.Second,
		Offsets:     common.NewOffsetCache(time.Minute),
	})
}

const ethInstruments = `{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"ETHUSDT",
	"lotSizeFilter":{"qtyStep":"0.01","minOrderQty":"0.01"},"priceFilter":{"tickSize":"0.01"}}]}}`

func writeTime(w http.ResponseWriter) {
	_, _ = io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"timeSecond":"1700000000"},"time":1700000000000}`)
}

func TestPlaceOrderSignsJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/time":
			writeTime(w)
		case "/v5/market/instruments-info":
			_, _ = io.WriteString(w, ethInstruments)
		case "/v5/order/create":
			raw, _ := io.ReadAll(r.Body)
			ts := r.Header.Get("X-BAPI-TIMESTAMP")
			signer := &Client{cfg: Config{Credentials: common.Credentials{APIKey: testKey, APISecret: testSecret}}, recvWindow: r.Header.Get("X-BAPI-RECV-WINDOW")}
			if r.Header.Get("X-BAPI-SIGN") != signer.sign(ts, string(raw)) {
				t.Errorf("bad signature")
			}
			var body map[string]any
			_ = json.Unmarshal(raw, &body)
			if body["side"] != "Sell" || body["qty"] != "0.5" || body["positionIdx"] != float64(2) {
				t.Errorf("unexpected body: %v", body)
			}
			if body["stopLoss"] != "3045" || body["takeProfit"] != "2910" || body["orderLinkId"] != "ec-1" {
				t.Errorf("unexpected tpsl: %v", body)
			}
			_, _ = io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"b-1","orderLinkId":"ec-1"}}`)
		}
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:       "ETHUSDT",
		Side:         common.SideSell,
		Type:         common.OrderTypeMarket,
		Qty:          0.5049,
		StopLoss:     3045.004,
		TakeProfit:   2910,
		PositionSide: common.PositionSideShort,
		ClientID:     "ec-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.ExchangeOrderID != "b-1" || res.Status != common.StatusNew {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPlaceOrderBelowMinQtyIsNotSent(t *testing.T) {
	var creates int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/instruments-info":
			_, _ = io.WriteString(w, ethInstruments)
		case "/v5/order/create":
			atomic.AddInt32(&creates, 1)
		default:
			writeTime(w)
		}
	})

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideBuy, Qty: 0.004})
	if _, ok := common.AsExchangeError(err); !ok {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	if got := atomic.LoadInt32(&creates); got != 0 {
		t.Fatalf("order sent below minimum: %d calls", got)
	}
}

func TestRetCodeBecomesExchangeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			writeTime(w)
			return
		}
		_, _ = io.WriteString(w, `{"retCode":10005,"retMsg":"Permission denied for api key bybitKeyABC","result":{}}`)
	})

	err := c.CancelAll(context.Background(), "BTCUSDT")
	exErr, ok := common.AsExchangeError(err)
	if !ok || exErr.Code != "10005" {
		t.Fatalf("expected code 10005, got %v", err)
	}
	if strings.Contains(err.Error(), testKey) {
		t.Fatalf("key leaked: %v", err)
	}
}

func TestLeverageNotModifiedIsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			writeTime(w)
			return
		}
		_, _ = io.WriteString(w, `{"retCode":110043,"retMsg":"leverage not modified","result":{}}`)
	})
	if err := c.SetLeverage(context.Background(), "BTCUSDT", 5); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestTimestampRetCodeInvalidatesOffset(t *testing.T) {
	var timeCalls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			atomic.AddInt32(&timeCalls, 1)
			writeTime(w)
			return
		}
		_, _ = io.WriteString(w, `{"retCode":10002,"retMsg":"invalid request, please check your server timestamp or recv_window param","result":{}}`)
	})
	_ = c.CancelAll(context.Background(), "BTCUSDT")
	if _, ok := c.offsets.Cached(c.offsetKey); ok {
		t.Fatal("offset should be invalidated after 10002")
	}
}

func TestAccountSummaryFallsBackToContract(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/time":
			writeTime(w)
		case "/v5/account/wallet-balance":
			if r.URL.Query().Get("accountType") == "UNIFIED" {
				_, _ = io.WriteString(w, `{"retCode":10001,"retMsg":"accountType only support CONTRACT","result":{}}`)
				return
			}
			_, _ = io.WriteString(w, `{"retCode":0,"result":{"list":[{"accountType":"CONTRACT","coin":[{"coin":"USDT","walletBalance":"120","availableToWithdraw":"100","unrealisedPnl":"2"}]}]}}`)
		case "/v5/position/list":
			_, _ = io.WriteString(w, `{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT","side":"Buy","size":"0.01"},{"symbol":"ETHUSDT","side":"","size":"0"}]}}`)
		}
	})

	sum, err := c.GetAccountSummary(context.Background())
	if err != nil {
		t.Fatalf("GetAccountSummary: %v", err)
	}
	if sum.AvailableBalance != 100 || sum.WalletBalance != 120 || sum.OpenPositions != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestGetCandlesReversesOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "60" {
			t.Errorf("interval = %s", r.URL.Query().Get("interval"))
		}
		_, _ = io.WriteString(w, `{"retCode":0,"result":{"list":[["1700003600000","101","102","100","101.5","7","0"],["1700000000000","100","101","99","100.5","5","0"]]}}`)
	})

	candles, err := c.GetCandles(context.Background(), "BTCUSDT", "1h", 2)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(candles) != 2 || candles[0].OpenTime != 1700000000000 || candles[1].Close != 101.5 {
		t.Fatalf("candles not oldest first: %+v", candles)
	}
}

func TestGetOpenPositionFlat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			writeTime(w)
			return
		}
		_, _ = io.WriteString(w, `{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT","side":"","size":"0"}]}}`)
	})
	pos, err := c.GetOpenPosition(context.Background(), "BTCUSDT")
	if err != nil || pos != nil {
		t.Fatalf("expected flat, got %+v, %v", pos, err)
	}
}
