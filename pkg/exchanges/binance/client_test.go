package binance

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"execution-core/pkg/exchanges/common"
)

const (
	testKey    = "testApiKey123"
	testSecret = "testSecret456"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		Credentials: common.Credentials{APIKey: testKey, APISecret: testSecret},
		Environment: common.EnvTestnet,
		BaseURL:     srv.URL,
		Timeout:     2 * time.Second,
		Offsets:     common.NewOffsetCache(time.Minute),
	})
	return c, srv
}

const btcExchangeInfo = `{"symbols":[{"symbol":"BTCUSDT","filters":[
	{"filterType":"PRICE_FILTER","tickSize":"0.10"},
	{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"}]}]}`

// verifySignature checks the signature covers exactly the payload preceding it.
func verifySignature(t *testing.T, payload string) {
	t.Helper()
	idx := strings.LastIndex(payload, "&signature=")
	if idx < 0 {
		t.Fatalf("payload missing signature: %s", payload)
	}
	if got, want := payload[idx+len("&signature="):], sign(payload[:idx], testSecret); got != want {
		t.Fatalf("signature mismatch: got %s want %s", got, want)
	}
}

func TestPlaceOrderSignsFormBody(t *testing.T) {
	var orders int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/time":
			_, _ = io.WriteString(w, `{"serverTime":1700000000000}`)
		case "/fapi/v1/exchangeInfo":
			_, _ = io.WriteString(w, btcExchangeInfo)
		case "/fapi/v1/order":
			if r.Header.Get("X-MBX-APIKEY") != testKey {
				t.Errorf("missing api key header")
			}
			body, _ := io.ReadAll(r.Body)
			verifySignature(t, string(body))
			form, _ := url.ParseQuery(string(body))
			n := atomic.AddInt32(&orders, 1)
			if n == 1 {
				if form.Get("type") != "MARKET" || form.Get("quantity") != "0.012" || form.Get("newClientOrderId") != "ec-abc" {
					t.Errorf("unexpected entry form: %v", form)
				}
				if form.Get("recvWindow") != "10000" {
					t.Errorf("recvWindow = %s", form.Get("recvWindow"))
				}
				_, _ = io.WriteString(w, `{"orderId":987654,"clientOrderId":"ec-abc","status":"NEW"}`)
				return
			}
			if form.Get("closePosition") != "true" || form.Get("side") != "SELL" {
				t.Errorf("unexpected bracket form: %v", form)
			}
			if sp := form.Get("stopPrice"); sp != "59000.1" && sp != "62000" {
				t.Errorf("stopPrice not on tick: %s", sp)
			}
			_, _ = io.WriteString(w, `{"orderId":1,"status":"NEW"}`)
		default:
			http.NotFound(w, r)
		}
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       common.SideBuy,
		Type:       common.OrderTypeMarket,
		Qty:        0.0123,
		StopLoss:   59000.14,
		TakeProfit: 62000,
		ClientID:   "ec-abc",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.ExchangeOrderID != "987654" || res.Status != common.StatusNew {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := atomic.LoadInt32(&orders); got != 3 {
		t.Fatalf("expected entry + 2 brackets, got %d order calls", got)
	}
}

func TestPlaceOrderBelowMinQtyIsNotSent(t *testing.T) {
	var orders, infos int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			atomic.AddInt32(&infos, 1)
			_, _ = io.WriteString(w, btcExchangeInfo)
		case "/fapi/v1/order":
			atomic.AddInt32(&orders, 1)
		default:
			_, _ = io.WriteString(w, `{"serverTime":1700000000000}`)
		}
	})

	for i := 0; i < 2; i++ {
		_, err := c.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Qty: 0.0004})
		if _, ok := common.AsExchangeError(err); !ok {
			t.Fatalf("expected ExchangeError, got %v", err)
		}
	}
	if got := atomic.LoadInt32(&orders); got != 0 {
		t.Fatalf("order sent below minimum: %d calls", got)
	}
	if got := atomic.LoadInt32(&infos); got != 1 {
		t.Fatalf("exchangeInfo fetched %d times, want 1", got)
	}
}

func TestErrorEnvelopeIsScrubbed(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			_, _ = io.WriteString(w, `{"serverTime":1700000000000}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":-2015,"msg":"Invalid API-key testApiKey123, IP, or permissions for action."}`)
	})

	_, err := c.GetAccountSummary(context.Background())
	exErr, ok := common.AsExchangeError(err)
	if !ok {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	if exErr.Code != "-2015" || exErr.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("unexpected error fields: %+v", exErr)
	}
	if strings.Contains(err.Error(), testKey) {
		t.Fatalf("api key leaked: %v", err)
	}
}

func TestTimestampErrorInvalidatesOffset(t *testing.T) {
	var timeCalls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			atomic.AddInt32(&timeCalls, 1)
			_, _ = io.WriteString(w, `{"serverTime":1700000000000}`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
	})

	_ = c.CancelAll(context.Background(), "BTCUSDT")
	if _, ok := c.offsets.Cached(c.offsetKey); ok {
		t.Fatalf("offset should be invalidated after -1021")
	}
	_ = c.CancelAll(context.Background(), "BTCUSDT")
	if got := atomic.LoadInt32(&timeCalls); got != 2 {
		t.Fatalf("expected re-measure per call, got %d time calls", got)
	}
}

func TestRetriesOnceOn429(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			_, _ = io.WriteString(w, `{"serverTime":1700000000000}`)
			return
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"availableBalance":"150.5","totalWalletBalance":"200","totalUnrealizedProfit":"-1.5","positions":[{"symbol":"BTCUSDT","positionAmt":"0.01"},{"symbol":"ETHUSDT","positionAmt":"0"}]}`)
	})

	sum, err := c.GetAccountSummary(context.Background())
	if err != nil {
		t.Fatalf("GetAccountSummary: %v", err)
	}
	if sum.AvailableBalance != 150.5 || sum.OpenPositions != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestGetOpenPositionShort(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			_, _ = io.WriteString(w, `{"serverTime":1700000000000}`)
			return
		}
		verifySignature(t, r.URL.RawQuery)
		_, _ = io.WriteString(w, `[{"symbol":"ETHUSDT","positionSide":"BOTH","positionAmt":"-0.5","entryPrice":"3000","markPrice":"2990","unRealizedProfit":"5","leverage":"3"}]`)
	})

	pos, err := c.GetOpenPosition(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("GetOpenPosition: %v", err)
	}
	if pos == nil || pos.Side != common.PositionSideShort || pos.Size != 0.5 || pos.Leverage != 3 {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestGetCandlesAndMarkPrice(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/klines":
			if r.URL.Query().Get("interval") != "15m" {
				t.Errorf("interval = %s", r.URL.Query().Get("interval"))
			}
			_, _ = io.WriteString(w, `[[1700000000000,"100","110","90","105","12.5",0],[1700000900000,"105","106","100","101","3",0]]`)
		case "/fapi/v1/premiumIndex":
			_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","markPrice":"61000.10"}`)
		}
	})

	candles, err := c.GetCandles(context.Background(), "BTCUSDT", "15m", 2)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(candles) != 2 || candles[0].Close != 105 || candles[1].OpenTime != 1700000900000 {
		t.Fatalf("unexpected candles: %+v", candles)
	}
	price, err := c.GetMarkPrice(context.Background(), "BTCUSDT")
	if err != nil || price != 61000.10 {
		t.Fatalf("GetMarkPrice = %v, %v", price, err)
	}
}

func TestMarginModeNoChangeIsSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			_, _ = io.WriteString(w, `{"serverTime":1700000000000}`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-4046,"msg":"No need to change margin type."}`)
	})
	if err := c.SetMarginMode(context.Background(), "BTCUSDT", common.MarginIsolated); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestMissingCredentials(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:0"})
	if err := c.SetLeverage(context.Background(), "BTCUSDT", 5); err == nil {
		t.Fatal("expected error without credentials")
	}
}
