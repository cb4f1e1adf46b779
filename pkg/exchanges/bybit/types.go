package bybit

type walletResp struct {
	Result struct {
		List []struct {
			AccountType           string `json:"accountType"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalWalletBalance    string `json:"totalWalletBalance"`
			TotalPerpUPL          string `json:"totalPerpUPL"`
			Coin                  []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
				UnrealisedPnl       string `json:"unrealisedPnl"`
			} `json:"coin"`
		} `json:"list"`
	} `json:"result"`
}

type instrumentsInfo struct {
	Result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	} `json:"result"`
}

type positionResp struct {
	Result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			Leverage      string `json:"leverage"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			PositionIdx   int    `json:"positionIdx"`
		} `json:"list"`
	} `json:"result"`
}

type orderListResp struct {
	Result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			OrderStatus string `json:"orderStatus"`
			ReduceOnly  bool   `json:"reduceOnly"`
		} `json:"list"`
	} `json:"result"`
}
