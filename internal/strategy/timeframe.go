package strategy

import (
	"fmt"
	"time"
)

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// TimeframeDuration returns the bar length of a timeframe such as "15m" or "4h".
func TimeframeDuration(tf string) (time.Duration, error) {
	d, ok := timeframes[tf]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
	return d, nil
}

// IsDue reports whether a bar boundary of tf has passed since lastRun.
// A run that never ran is always due. Boundaries are aligned to UTC.
func IsDue(tf string, now, lastRun time.Time) bool {
	if lastRun.IsZero() {
		return true
	}
	d, err := TimeframeDuration(tf)
	if err != nil {
		return false
	}
	return now.UTC().Truncate(d).After(lastRun.UTC())
}
