package binance

import (
	"encoding/json"
	"strconv"

	"execution-core/pkg/exchanges/common"
)

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

type exchangeInfo struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol  string         `json:"symbol"`
	Filters []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	TickSize   string `json:"tickSize"`
}

// orderFilters reads LOT_SIZE and PRICE_FILTER.
func (s symbolInfo) orderFilters() common.SymbolFilters {
	var step, minQty, tick string
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			step, minQty = f.StepSize, f.MinQty
		case "PRICE_FILTER":
			tick = f.TickSize
		}
	}
	return common.ParseFilters(step, minQty, tick)
}

type accountInfo struct {
	AvailableBalance      string         `json:"availableBalance"`
	TotalWalletBalance    string         `json:"totalWalletBalance"`
	TotalUnrealizedProfit string         `json:"totalUnrealizedProfit"`
	Positions             []positionRisk `json:"positions"`
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

type openOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
	Status        string `json:"status"`
	ReduceOnly    bool   `json:"reduceOnly"`
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
