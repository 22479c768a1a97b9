package indicators

import (
	"fmt"
	"math"

	"quant-sandbox/internal/series"
)

// RollingSharpe computes the annualized rolling Sharpe ratio of the
// series' log returns: mean/std over the window, scaled by sqrt(annFactor).
// annFactor is inferred by the caller from the bar size (252 for daily).
func RollingSharpe(s series.Series, w int, annFactor float64) series.Series {
	out := s
	out.Label = "sharpe"
	out.Unit = series.UnitRatio
	rets := s.LogReturns().Values()

	mu := rollingMean(rets, w)
	sd := rollingStd(rets, w)
	res := make([]float64, len(rets))
	scale := math.Sqrt(annFactor)
	for i := range res {
		if math.IsNaN(mu[i]) || math.IsNaN(sd[i]) || sd[i] == 0 {
			res[i] = math.NaN()
			continue
		}
		res[i] = mu[i] / sd[i] * scale
	}
	out.Points = rebuild(s, res)
	return out
}

// ZScore computes (x - mean_w) / std_w over a trailing window.
func ZScore(s series.Series, w int) series.Series {
	out := s
	out.Label = "zscore"
	out.Unit = series.UnitZScore
	vs := s.Values()
	mu := rollingMean(vs, w)
	sd := rollingStd(vs, w)
	res := make([]float64, len(vs))
	for i, v := range vs {
		if math.IsNaN(v) || math.IsNaN(mu[i]) || math.IsNaN(sd[i]) || sd[i] == 0 {
			res[i] = math.NaN()
			continue
		}
		res[i] = (v - mu[i]) / sd[i]
	}
	out.Points = rebuild(s, res)
	return out
}

// Correlation computes the rolling Pearson correlation of the h-bar log
// returns of a and b over a window of w return observations. The two
// inputs must share one grid (align them first).
func Correlation(a, b series.Series, h, w int) series.Series {
	out := a
	out.Label = fmt.Sprintf("corr(%d)", w)
	out.Unit = series.UnitRatio

	ra := horizonLogReturns(a.Values(), h)
	rb := horizonLogReturns(b.Values(), h)

	res := make([]float64, len(ra))
	for i := range res {
		res[i] = math.NaN()
	}
	for i := w - 1; i < len(ra); i++ {
		res[i] = pearson(ra[i-w+1:i+1], rb[i-w+1:i+1])
	}
	out.Points = rebuild(a, res)
	return out
}

// horizonLogReturns returns log(x_t / x_{t-h}), gap when either endpoint
// is undefined or non-positive.
func horizonLogReturns(vs []float64, h int) []float64 {
	out := make([]float64, len(vs))
	for i := range out {
		out[i] = math.NaN()
		if i < h {
			continue
		}
		cur, prev := vs[i], vs[i-h]
		if math.IsNaN(cur) || math.IsNaN(prev) || cur <= 0 || prev <= 0 {
			continue
		}
		out[i] = math.Log(cur / prev)
	}
	return out
}

// pearson computes the sample correlation of two equal-length windows,
// NaN when either side has a gap or zero variance.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return math.NaN()
	}
	var sx, sy float64
	for i := range xs {
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) {
			return math.NaN()
		}
		sx += xs[i]
		sy += ys[i]
	}
	mx, my := sx/n, sy/n
	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(vx*vy)
}
