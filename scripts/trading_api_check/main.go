package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"execution-core/internal/gateway"
	"execution-core/internal/permissions"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// trading_api_check/main.go
//
// Probes one exchange account through the same adapters the core uses.
//
// Usage (prefer testnet keys):
//
//   go run ./scripts/trading_api_check
//
// Environment:
//   CHECK_EXCHANGE      binance | bybit          (default "binance")
//   CHECK_ENVIRONMENT   production | testnet     (default "testnet")
//   CHECK_API_KEY / CHECK_API_SECRET
//   CHECK_SYMBOL                                 (default "BTCUSDT")
//   CHECK_PLACE_ORDERS  "true" sends one MARKET order of CHECK_QTY (default "false")
//   CHECK_QTY                                    (default "0.001")
//   EXCHANGE_TIMEOUT_MS / RECV_WINDOW_MS         (default 10000 each)
//
// Failures are printed with the permission classifier's reason code.

func main() {
	log.Println("=== Trading API check starting ===")

	exchange := getenv("CHECK_EXCHANGE", "binance")
	env := getenv("CHECK_ENVIRONMENT", string(common.EnvTestnet))
	symbol := common.NormalizeSymbol(getenv("CHECK_SYMBOL", "BTCUSDT"))
	placeOrders := getenv("CHECK_PLACE_ORDERS", "false") == "true"
	qty, _ := strconv.ParseFloat(getenv("CHECK_QTY", "0.001"), 64)
	timeoutMs, _ := strconv.Atoi(getenv("EXCHANGE_TIMEOUT_MS", "10000"))
	recvWindow, _ := strconv.ParseInt(getenv("RECV_WINDOW_MS", "10000"), 10, 64)

	creds := common.Credentials{APIKey: os.Getenv("CHECK_API_KEY"), APISecret: os.Getenv("CHECK_API_SECRET")}
	log.Printf("Config: exchange=%s env=%s symbol=%s placeOrders=%v", exchange, env, symbol, placeOrders)

	factory := gateway.NewFactory(gateway.FactoryConfig{
		Timeout:    time.Duration(timeoutMs) * time.Millisecond,
		RecvWindow: recvWindow,
	})
	adapter, err := factory(db.ExchangeConnection{
		ID:          "check",
		Exchange:    exchange,
		Environment: env,
		MarketType:  string(common.MarketFutures),
	}, creds)
	if err != nil {
		log.Fatalf("adapter: %v", err)
	}

	step("GetMarkPrice", func(ctx context.Context) error {
		p, err := adapter.GetMarkPrice(ctx, symbol)
		if err == nil {
			log.Printf("  mark price %s = %v", symbol, p)
		}
		return err
	})

	if !creds.Valid() {
		log.Println("CHECK_API_KEY/SECRET empty, skipping signed checks")
		log.Println("=== Trading API check finished ===")
		return
	}

	step("GetAccountSummary", func(ctx context.Context) error {
		s, err := adapter.GetAccountSummary(ctx)
		if err == nil {
			log.Printf("  available=%v wallet=%v positions=%d", s.AvailableBalance, s.WalletBalance, s.OpenPositions)
		}
		return err
	})
	step("GetOpenOrders", func(ctx context.Context) error {
		orders, err := adapter.GetOpenOrders(ctx, symbol)
		if err == nil {
			log.Printf("  open orders=%d", len(orders))
		}
		return err
	})
	step("GetOpenPosition", func(ctx context.Context) error {
		pos, err := adapter.GetOpenPosition(ctx, symbol)
		if err == nil && pos != nil {
			log.Printf("  position %s size=%v entry=%v", pos.Side, pos.Size, pos.EntryPrice)
		} else if err == nil {
			log.Println("  flat")
		}
		return err
	})

	if placeOrders {
		step("PlaceOrder", func(ctx context.Context) error {
			res, err := adapter.PlaceOrder(ctx, common.OrderRequest{
				Symbol:   symbol,
				Side:     common.SideBuy,
				Type:     common.OrderTypeMarket,
				Qty:      qty,
				ClientID: "ec-check-" + strconv.FormatInt(time.Now().UnixMilli(), 10),
			})
			if err == nil {
				log.Printf("  order id=%s status=%s", res.ExchangeOrderID, res.Status)
			}
			return err
		})
	}

	log.Println("=== Trading API check finished ===")
}

func step(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("[%s] %s: %s", name, permissions.ClassifyError(err), permissions.Sanitize(err.Error()))
		return
	}
	log.Printf("[%s] ok", name)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
