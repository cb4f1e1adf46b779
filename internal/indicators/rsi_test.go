package indicators

import (
	"math"
	"testing"
)

func TestRSI(t *testing.T) {
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	falling := make([]float64, 20)
	for i := range falling {
		falling[i] = 100 - float64(i)
	}

	tests := []struct {
		name   string
		values []float64
		want   float64
		ok     bool
	}{
		{"too few values", rising[:14], 0, false},
		{"only gains", rising, 100, true},
		{"only losses", falling, 0, true},
		// 7 gains of 2 and 7 losses of 1 over the last 14 changes: rs = 2
		{"mixed", []float64{100, 102, 101, 103, 102, 104, 103, 105, 104, 106, 105, 107, 106, 108, 107}, 100 - 100.0/3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RSI(tt.values, 14)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("RSI = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRSIUsesOnlyTheLastPeriodChanges(t *testing.T) {
	values := []float64{1, 1000, 1}
	for i := 0; i < 14; i++ {
		values = append(values, 50+float64(i))
	}
	if got, _ := RSI(values, 14); got != 100 {
		t.Fatalf("old swings leaked into the window: %v", got)
	}
}
