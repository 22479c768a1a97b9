package indicators

import (
	"fmt"
	"math"

	"quant-sandbox/internal/series"
)

// SMA is the arithmetic mean of the last n values; the first n-1 points
// are gaps.
func SMA(s series.Series, n int) series.Series {
	out := s
	out.Label = fmt.Sprintf("SMA(%d)", n)
	vs := rollingMean(s.Values(), n)
	out.Points = rebuild(s, vs)
	return out
}

// EMA is the exponential moving average with smoothing 2/(n+1), seeded
// with SMA(n) so its first defined value matches SMA at index n-1.
func EMA(s series.Series, n int) series.Series {
	out := s
	out.Label = fmt.Sprintf("EMA(%d)", n)
	vs := s.Values()
	ema := make([]float64, len(vs))
	for i := range ema {
		ema[i] = math.NaN()
	}

	alpha := 2.0 / (float64(n) + 1)
	state := math.NaN()
	formed := 0 // defined inputs consumed so far
	seedSum := 0.0
	for i, v := range vs {
		if math.IsNaN(v) {
			continue // gap in input: output stays a gap, state unchanged
		}
		formed++
		if formed < n {
			seedSum += v
			continue
		}
		if formed == n {
			state = (seedSum + v) / float64(n)
		} else {
			state = alpha*v + (1-alpha)*state
		}
		ema[i] = state
	}
	out.Points = rebuild(s, ema)
	return out
}

// BollingerBands is the middle/upper/lower band triple.
type BollingerBands struct {
	Mid   series.Series
	Upper series.Series
	Lower series.Series
}

// Bollinger computes mid = SMA(n) and upper/lower = mid +/- sigma times
// the sample standard deviation over the same window.
func Bollinger(s series.Series, n int, sigma float64) BollingerBands {
	vs := s.Values()
	mid := rollingMean(vs, n)
	sd := rollingStd(vs, n)

	upper := make([]float64, len(vs))
	lower := make([]float64, len(vs))
	for i := range vs {
		upper[i] = mid[i] + sigma*sd[i]
		lower[i] = mid[i] - sigma*sd[i]
	}

	mk := func(label string, col []float64) series.Series {
		out := s
		out.Label = label
		out.Points = rebuild(s, col)
		return out
	}
	return BollingerBands{
		Mid:   mk("mid", mid),
		Upper: mk("upper", upper),
		Lower: mk("lower", lower),
	}
}

// rebuild pairs a value column with the source grid.
func rebuild(src series.Series, vs []float64) []series.Point {
	pts := make([]series.Point, len(vs))
	for i := range vs {
		pts[i] = series.Point{T: src.Points[i].T, V: vs[i]}
	}
	return pts
}
