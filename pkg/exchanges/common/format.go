package common

import (
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// RoundTo rounds v half-up to places decimals.
func RoundTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

// TruncateTo truncates v to places decimals.
func TruncateTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Truncate(places).Float64()
	return f
}

// ParseFloat parses exchange numeric strings; empty or invalid input is 0.
func ParseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
