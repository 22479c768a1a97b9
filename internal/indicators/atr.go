package indicators

import (
	"fmt"
	"math"

	"quant-sandbox/internal/series"
)

// ATR computes Wilder's average true range over OHLC bars. The first
// defined value is at index w (w true ranges formed).
func ATR(label string, bars []series.Bar, w int) series.Series {
	pts := make([]series.Point, len(bars))
	state := math.NaN()
	var seedSum float64
	formed := 0
	for i, b := range bars {
		pts[i] = series.Point{T: b.T, V: math.NaN()}
		if i == 0 {
			continue
		}
		prevClose := bars[i-1].Close
		tr := math.Max(b.High-b.Low,
			math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
		formed++
		switch {
		case formed < w:
			seedSum += tr
			continue
		case formed == w:
			state = (seedSum + tr) / float64(w)
		default:
			state = (state*float64(w-1) + tr) / float64(w)
		}
		pts[i].V = state
	}
	return series.Series{
		Label:  fmt.Sprintf("ATR(%d)", w),
		Expr:   label,
		Unit:   series.UnitPrice,
		Points: pts,
	}
}
