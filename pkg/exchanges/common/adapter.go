package common

import "context"

// Adapter is the capability contract every exchange implementation satisfies.
// Implementations keep no state between calls apart from the shared time offset cache.
type Adapter interface {
	Exchange() Exchange
	Environment() Environment

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error
	SetPositionMode(ctx context.Context, mode PositionMode) error
	GetAccountSummary(ctx context.Context) (AccountSummary, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// GetOpenPosition returns nil when flat.
	GetOpenPosition(ctx context.Context, symbol string) (*Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	CancelAll(ctx context.Context, symbol string) error

	// GetMarkPrice is unauthenticated.
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// MarketData serves public candles.
type MarketData interface {
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// TimeResetter is implemented by adapters that sign with a cached server time offset.
type TimeResetter interface {
	InvalidateTime()
}

// Pinger is implemented by adapters that can cheaply ping their host.
type Pinger interface {
	Ping(ctx context.Context) error
}
