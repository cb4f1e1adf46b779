package common

import (
	"fmt"
	"time"

	"execution-core/pkg/cache"

	"github.com/shopspring/decimal"
)

// DefaultFilterTTL is how long fetched symbol filters are reused.
const DefaultFilterTTL = time.Hour

// fallbackPlaces is used when a symbol's filters could not be fetched.
const fallbackPlaces = 8

// SymbolFilters are the size and price increments an exchange enforces for one symbol.
// A zero field means the exchange did not report it.
type SymbolFilters struct {
	QtyStep  decimal.Decimal
	MinQty   decimal.Decimal
	TickSize decimal.Decimal
}

// ParseFilters builds filters from the exchange's string fields; empty or bad values stay zero.
func ParseFilters(qtyStep, minQty, tickSize string) SymbolFilters {
	parse := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil || !d.IsPositive() {
			return decimal.Zero
		}
		return d
	}
	return SymbolFilters{QtyStep: parse(qtyStep), MinQty: parse(minQty), TickSize: parse(tickSize)}
}

// Qty rounds v down to the quantity step and renders it for the wire. It fails when
// the result is zero or below the exchange minimum.
func (f SymbolFilters) Qty(v float64) (string, error) {
	q := decimal.NewFromFloat(v)
	if f.QtyStep.IsPositive() {
		q = q.Div(f.QtyStep).Floor().Mul(f.QtyStep)
	} else {
		q = q.Truncate(fallbackPlaces)
	}
	if !q.IsPositive() {
		return "", fmt.Errorf("quantity %v rounds to zero at step %s", v, f.QtyStep)
	}
	if f.MinQty.IsPositive() && q.LessThan(f.MinQty) {
		return "", fmt.Errorf("quantity %s below minimum %s", q, f.MinQty)
	}
	return q.String(), nil
}

// Price rounds v to the nearest tick and renders it for the wire.
func (f SymbolFilters) Price(v float64) string {
	p := decimal.NewFromFloat(v)
	if f.TickSize.IsPositive() {
		return p.Div(f.TickSize).Round(0).Mul(f.TickSize).String()
	}
	return p.Round(fallbackPlaces).String()
}

var symbolFilters = cache.NewTTLCache[SymbolFilters](DefaultFilterTTL)

// CachedFilters returns the filters stored for symbol on host.
func CachedFilters(host, symbol string) (SymbolFilters, bool) {
	return symbolFilters.Get(host + "|" + symbol)
}

// StoreFilters shares filters for symbol on host across every client of that host.
func StoreFilters(host, symbol string, f SymbolFilters) {
	symbolFilters.Set(host+"|"+symbol, f)
}
