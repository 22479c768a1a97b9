package indicators

import (
	"math"

	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/series"
)

// VolumeProfile is the per-price-bin volume distribution of a bar set.
type VolumeProfile struct {
	BinCenters []float64
	Volumes    []float64
	Cumulative []float64 // running fraction of total volume, low to high
	ValueLow   float64   // value-area boundaries capturing MassFraction
	ValueHigh  float64
	Mass       float64 // configured mass fraction actually used
}

// Profile allocates each bar's volume across the price bins it spans,
// proportionally to overlap, and derives the value area around the
// highest-volume bin capturing massFraction of total volume.
func Profile(bars []series.Bar, bins int, massFraction float64) (VolumeProfile, error) {
	if bins < 1 {
		return VolumeProfile{}, errs.New(errs.UnsupportedParameter, "bins must be >= 1, got %d", bins)
	}
	if massFraction <= 0 || massFraction > 1 {
		massFraction = 0.70
	}
	if len(bars) == 0 {
		return VolumeProfile{}, errs.New(errs.EmptyResult, "no bars for volume profile")
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range bars {
		if b.Low < lo {
			lo = b.Low
		}
		if b.High > hi {
			hi = b.High
		}
	}
	if hi <= lo {
		hi = lo + 1e-9 // degenerate flat range
	}

	width := (hi - lo) / float64(bins)
	vols := make([]float64, bins)
	for _, b := range bars {
		if b.Volume <= 0 {
			continue
		}
		span := b.High - b.Low
		if span <= 0 {
			// Point bar: all volume into its bin.
			idx := binIndex(b.Close, lo, width, bins)
			vols[idx] += b.Volume
			continue
		}
		// Uniform allocation across [low, high] proportional to overlap.
		first := binIndex(b.Low, lo, width, bins)
		last := binIndex(b.High, lo, width, bins)
		for i := first; i <= last; i++ {
			binLo := lo + float64(i)*width
			binHi := binLo + width
			overlap := math.Min(b.High, binHi) - math.Max(b.Low, binLo)
			if overlap > 0 {
				vols[i] += b.Volume * overlap / span
			}
		}
	}

	total := 0.0
	for _, v := range vols {
		total += v
	}
	if total == 0 {
		return VolumeProfile{}, errs.New(errs.EmptyResult, "no volume in range")
	}

	centers := make([]float64, bins)
	cum := make([]float64, bins)
	run := 0.0
	for i := range vols {
		centers[i] = lo + (float64(i)+0.5)*width
		run += vols[i]
		cum[i] = run / total
	}

	vaLo, vaHi := valueArea(vols, massFraction)
	return VolumeProfile{
		BinCenters: centers,
		Volumes:    vols,
		Cumulative: cum,
		ValueLow:   lo + float64(vaLo)*width,
		ValueHigh:  lo + float64(vaHi+1)*width,
		Mass:       massFraction,
	}, nil
}

func binIndex(price, lo, width float64, bins int) int {
	idx := int((price - lo) / width)
	if idx < 0 {
		return 0
	}
	if idx >= bins {
		return bins - 1
	}
	return idx
}

// valueArea grows a contiguous bin range outward from the mode, adding
// the larger neighbor each step, until it holds massFraction of volume.
func valueArea(vols []float64, massFraction float64) (int, int) {
	total := 0.0
	mode := 0
	for i, v := range vols {
		total += v
		if v > vols[mode] {
			mode = i
		}
	}
	lo, hi := mode, mode
	mass := vols[mode]
	for mass/total < massFraction && (lo > 0 || hi < len(vols)-1) {
		left, right := math.Inf(-1), math.Inf(-1)
		if lo > 0 {
			left = vols[lo-1]
		}
		if hi < len(vols)-1 {
			right = vols[hi+1]
		}
		if left >= right {
			lo--
			mass += left
		} else {
			hi++
			mass += right
		}
	}
	return lo, hi
}
