package indicators

import (
	"math"

	"quant-sandbox/internal/series"
)

// Drawdown is the underwater curve 100*(price - runningMax)/runningMax
// with the running maximum cumulative from the first defined point. All
// values are <= 0 and the first defined value is 0.
func Drawdown(s series.Series) series.Series {
	out := s
	out.Label = "drawdown"
	out.Unit = series.UnitPercent
	vs := s.Values()
	res := make([]float64, len(vs))
	peak := math.NaN()
	for i, v := range vs {
		if math.IsNaN(v) {
			res[i] = math.NaN()
			continue
		}
		if math.IsNaN(peak) || v > peak {
			peak = v
		}
		res[i] = 100 * (v - peak) / peak
	}
	out.Points = rebuild(s, res)
	return out
}

// RollingDrawdown computes the drawdown against the maximum of the last
// w bars instead of the all-time peak.
func RollingDrawdown(s series.Series, w int) series.Series {
	out := s
	out.Label = "drawdown"
	out.Unit = series.UnitPercent
	vs := s.Values()
	peaks := rollingMax(vs, w)
	res := make([]float64, len(vs))
	for i, v := range vs {
		if math.IsNaN(v) || math.IsNaN(peaks[i]) || peaks[i] == 0 {
			res[i] = math.NaN()
			continue
		}
		res[i] = 100 * (v - peaks[i]) / peaks[i]
	}
	out.Points = rebuild(s, res)
	return out
}
