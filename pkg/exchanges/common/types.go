package common

import "strings"

// Exchange identifies a supported venue.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeBybit   Exchange = "bybit"
)

// Environment selects production or sandboxed hosts.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvTestnet    Environment = "testnet"
)

// MarketType distinguishes spot vs futures venues.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide accepts BUY/SELL in any case.
func ParseSide(v string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	}
	return "", false
}

// OrderType denotes the order types the core submits.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// PositionSide is LONG/SHORT in hedge mode, BOTH in one-way mode.
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// MarginMode is isolated or cross.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// PositionMode is one-way or hedge.
type PositionMode string

const (
	PositionModeOneWay PositionMode = "one_way"
	PositionModeHedge  PositionMode = "hedge"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// IsTerminalFailure reports whether the exchange refused or dropped the order.
func (s OrderStatus) IsTerminalFailure() bool {
	return s == StatusRejected || s == StatusCanceled || s == StatusExpired
}

// Credentials are the decrypted API key pair of one connection.
// String never prints the values.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

func (c Credentials) String() string { return "Credentials{***}" }

// Valid reports whether both halves are present.
func (c Credentials) Valid() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          float64
	Price        float64 // required for LIMIT
	ReduceOnly   bool
	StopLoss     float64 // 0 = none
	TakeProfit   float64 // 0 = none
	PositionSide PositionSide
	ClientID     string
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	RawStatus       string
}

// AccountSummary is the USDT view of a derivatives wallet.
type AccountSummary struct {
	AvailableBalance float64
	WalletBalance    float64
	UnrealizedPnL    float64
	OpenPositions    int
}

// Position is a normalized open position.
type Position struct {
	Symbol        string
	Side          PositionSide // LONG or SHORT
	Size          float64      // absolute
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
}

// OpenOrder is a normalized resting order.
type OpenOrder struct {
	OrderID    string
	ClientID   string
	Symbol     string
	Side       Side
	Type       string
	Qty        float64
	Price      float64
	Status     string
	ReduceOnly bool
}

// Candle is one OHLCV bar, oldest first when returned in a slice.
type Candle struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// NormalizeSymbol strips separators and upper-cases ("btc/usdt" -> "BTCUSDT").
func NormalizeSymbol(s string) string {
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ToUpper(strings.TrimSpace(s))
}
