// Package indicators computes technical indicators over closing prices.
package indicators

// RSI computes the Relative Strength Index over the last period changes using
// simple averages of gains and losses. ok is false when there are fewer than
// period+1 values.
func RSI(values []float64, period int) (rsi float64, ok bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	gain := 0.0
	loss := 0.0
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}
