package order

import (
	"math"

	"execution-core/pkg/exchanges/common"
)

// CalculatePnL computes realized PnL for closing qty at exit, net of fee.
func CalculatePnL(side common.Side, qty, entry, exit, fee float64) float64 {
	q := math.Abs(qty)
	if q == 0 {
		return 0
	}
	var pnl float64
	if side == common.SideBuy {
		pnl = (exit - entry) * q
	} else {
		pnl = (entry - exit) * q
	}
	return pnl - fee
}
