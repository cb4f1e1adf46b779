package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/binance"
	"execution-core/pkg/exchanges/bybit"
	"execution-core/pkg/exchanges/common"
)

// ErrUnsupportedMarket is returned for connections whose market type has no adapter.
var ErrUnsupportedMarket = errors.New("unsupported market type")

// AdapterFactory builds an adapter for one connection from its decrypted credentials.
type AdapterFactory func(conn db.ExchangeConnection, creds common.Credentials) (common.Adapter, error)

// FactoryConfig carries the settings shared by every adapter.
type FactoryConfig struct {
	Timeout    time.Duration
	RecvWindow int64
	Offsets    *common.OffsetCache
	HTTPClient *http.Client
	// BaseURLs overrides hosts per exchange, keyed by exchange name.
	BaseURLs map[string]string
}

// NewFactory returns the factory that maps a connection's exchange to its implementation.
// This is the only place that branches on exchange name.
func NewFactory(cfg FactoryConfig) AdapterFactory {
	if cfg.Offsets == nil {
		cfg.Offsets = common.NewOffsetCache(time.Minute)
	}
	return func(conn db.ExchangeConnection, creds common.Credentials) (common.Adapter, error) {
		if conn.MarketType != "" && conn.MarketType != string(common.MarketFutures) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMarket, conn.MarketType)
		}
		env := common.Environment(conn.Environment)
		switch common.Exchange(conn.Exchange) {
		case common.ExchangeBinance:
			return binance.NewClient(binance.Config{
				Credentials: creds,
				Environment: env,
				RecvWindow:  cfg.RecvWindow,
				Timeout:     cfg.Timeout,
				BaseURL:     cfg.BaseURLs[conn.Exchange],
				Offsets:     cfg.Offsets,
				HTTPClient:  cfg.HTTPClient,
			}), nil

		case common.ExchangeBybit:
			return bybit.NewClient(bybit.Config{
				Credentials: creds,
				Environment: env,
				RecvWindow:  cfg.RecvWindow,
				Timeout:     cfg.Timeout,
				BaseURL:     cfg.BaseURLs[conn.Exchange],
				Offsets:     cfg.Offsets,
				HTTPClient:  cfg.HTTPClient,
			}), nil

		default:
			return nil, fmt.Errorf("unsupported exchange: %s", conn.Exchange)
		}
	}
}
