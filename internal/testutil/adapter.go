// Package testutil holds an in-memory exchange adapter for tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"execution-core/pkg/exchanges/common"
)

// FakeAdapter is a scriptable common.Adapter. Zero values place orders
// successfully with an ack of NEW.
type FakeAdapter struct {
	mu sync.Mutex

	Venue      common.Exchange
	MarkPrice  float64
	MarkErr    error
	Available  float64
	BalanceErr error
	PlaceErr   error
	// PlaceStatus and PlaceOrderID override the default ack when set.
	PlaceStatus  common.OrderStatus
	PlaceOrderID *string
	OpenOrders   []common.OpenOrder
	OrdersErr    error
	Position     *common.Position
	Candles      []common.Candle
	CandlesErr   error

	Placed          []common.OrderRequest
	LeverageCalls   []int
	MarginCalls     []common.MarginMode
	PositionModeSet []common.PositionMode
	Invalidated     int
	seq             int
}

var _ common.Adapter = (*FakeAdapter)(nil)

// Exchange returns the venue, binance by default.
func (f *FakeAdapter) Exchange() common.Exchange {
	if f.Venue == "" {
		return common.ExchangeBinance
	}
	return f.Venue
}

func (f *FakeAdapter) Environment() common.Environment { return common.EnvTestnet }

func (f *FakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LeverageCalls = append(f.LeverageCalls, leverage)
	return nil
}

func (f *FakeAdapter) SetMarginMode(ctx context.Context, symbol string, mode common.MarginMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MarginCalls = append(f.MarginCalls, mode)
	return nil
}

func (f *FakeAdapter) SetPositionMode(ctx context.Context, mode common.PositionMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PositionModeSet = append(f.PositionModeSet, mode)
	return nil
}

func (f *FakeAdapter) GetAccountSummary(ctx context.Context) (common.AccountSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return common.AccountSummary{}, f.BalanceErr
	}
	return common.AccountSummary{AvailableBalance: f.Available, WalletBalance: f.Available}, nil
}

func (f *FakeAdapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Placed = append(f.Placed, req)
	if f.PlaceErr != nil {
		return common.OrderResult{}, f.PlaceErr
	}
	f.seq++
	id := fmt.Sprintf("ord-%d", f.seq)
	if f.PlaceOrderID != nil {
		id = *f.PlaceOrderID
	}
	status := common.StatusNew
	if f.PlaceStatus != "" {
		status = f.PlaceStatus
	}
	return common.OrderResult{ExchangeOrderID: id, ClientID: req.ClientID, Status: status, RawStatus: string(status)}, nil
}

func (f *FakeAdapter) GetOpenPosition(ctx context.Context, symbol string) (*common.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Position == nil {
		return nil, nil
	}
	p := *f.Position
	return &p, nil
}

func (f *FakeAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OrdersErr != nil {
		return nil, f.OrdersErr
	}
	return append([]common.OpenOrder(nil), f.OpenOrders...), nil
}

func (f *FakeAdapter) CancelAll(ctx context.Context, symbol string) error { return nil }

func (f *FakeAdapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MarkErr != nil {
		return 0, f.MarkErr
	}
	if f.MarkPrice <= 0 {
		return 0, errors.New("no price")
	}
	return f.MarkPrice, nil
}

func (f *FakeAdapter) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CandlesErr != nil {
		return nil, f.CandlesErr
	}
	c := f.Candles
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]common.Candle(nil), c...), nil
}

// InvalidateTime counts offset resets.
func (f *FakeAdapter) InvalidateTime() {
	f.mu.Lock()
	f.Invalidated++
	f.mu.Unlock()
}

// PlacedOrders returns a copy of every submitted request.
func (f *FakeAdapter) PlacedOrders() []common.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.OrderRequest(nil), f.Placed...)
}

// CandlesFromCloses builds hourly candles from closing prices, oldest first.
func CandlesFromCloses(closes []float64) []common.Candle {
	out := make([]common.Candle, len(closes))
	for i, c := range closes {
		out[i] = common.Candle{OpenTime: int64(i) * 3600_000, Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}
