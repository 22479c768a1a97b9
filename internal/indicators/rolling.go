// Package indicators computes technical indicators and diagnostics over a
// single input series. Every indicator emits its output on the input grid;
// warmup samples and samples with undefined operands are explicit gaps.
package indicators

import "math"

// rollingMean returns the arithmetic mean of the last w values at each
// index, NaN while the window is not yet formed or contains a gap.
func rollingMean(vs []float64, w int) []float64 {
	return rollingApply(vs, w, func(win []float64) float64 {
		sum := 0.0
		for _, v := range win {
			sum += v
		}
		return sum / float64(len(win))
	})
}

// rollingStd returns the sample standard deviation (Bessel-corrected) of
// the last w values at each index.
func rollingStd(vs []float64, w int) []float64 {
	return rollingApply(vs, w, sampleStd)
}

func sampleStd(win []float64) float64 {
	n := len(win)
	if n < 2 {
		return math.NaN()
	}
	mean := 0.0
	for _, v := range win {
		mean += v
	}
	mean /= float64(n)
	variance := 0.0
	for _, v := range win {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(n-1))
}

// rollingApply evaluates fn over each fully-defined trailing window of
// size w. Windows containing a gap produce a gap.
func rollingApply(vs []float64, w int, fn func([]float64) float64) []float64 {
	out := make([]float64, len(vs))
	for i := range out {
		out[i] = math.NaN()
	}
	if w < 1 || len(vs) < w {
		return out
	}
	for i := w - 1; i < len(vs); i++ {
		win := vs[i-w+1 : i+1]
		ok := true
		for _, v := range win {
			if math.IsNaN(v) {
				ok = false
				break
			}
		}
		if ok {
			out[i] = fn(win)
		}
	}
	return out
}

// rollingMax returns the maximum of the last w defined values.
func rollingMax(vs []float64, w int) []float64 {
	return rollingApply(vs, w, func(win []float64) float64 {
		m := win[0]
		for _, v := range win[1:] {
			if v > m {
				m = v
			}
		}
		return m
	})
}
