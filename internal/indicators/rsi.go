package indicators

import (
	"math"

	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/series"
)

// RSI computes Wilder's RSI over the defined values of s. The first
// defined output is at the period-th defined input (period deltas formed);
// everything before is a gap. Values are clipped to [0, 100].
func RSI(s series.Series, period int) (series.Series, error) {
	if period < 2 {
		return series.Series{}, errs.New(errs.UnsupportedParameter, "rsi period must be >= 2, got %d", period)
	}

	out := s
	out.Label = "rsi"
	out.Unit = series.UnitIndex
	vs := s.Values()
	res := make([]float64, len(vs))
	for i := range res {
		res[i] = math.NaN()
	}

	p := float64(period)
	prev := math.NaN()
	deltas := 0
	var gainSum, lossSum, avgGain, avgLoss float64
	for i, v := range vs {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(prev) {
			prev = v
			continue
		}
		d := v - prev
		prev = v
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		deltas++
		switch {
		case deltas < period:
			gainSum += gain
			lossSum += loss
			continue
		case deltas == period:
			avgGain = (gainSum + gain) / p
			avgLoss = (lossSum + loss) / p
		default:
			avgGain = (avgGain*(p-1) + gain) / p
			avgLoss = (avgLoss*(p-1) + loss) / p
		}
		res[i] = rsiValue(avgGain, avgLoss)
	}
	out.Points = rebuild(s, res)
	return out, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return math.NaN() // flat window, momentum undefined
		}
		return 100
	}
	rsi := 100 - 100/(1+avgGain/avgLoss)
	return math.Min(100, math.Max(0, rsi))
}

// RSILevels resolves a band preset into constant overlay levels.
// Explicit levels override the preset.
func RSILevels(preset string, explicit []float64) ([]float64, error) {
	if explicit != nil {
		return explicit, nil
	}
	switch preset {
	case "", "classic":
		return []float64{70, 30}, nil
	case "strict":
		return []float64{80, 20}, nil
	case "full":
		return []float64{80, 70, 50, 30, 20}, nil
	case "none":
		return nil, nil
	}
	return nil, errs.New(errs.UnsupportedParameter, "unknown rsi bands preset %q (use classic|strict|full|none)", preset)
}
