// Package seasonality aligns a daily series across calendar years and
// aggregates bucket returns for heatmaps. Day-of-year indices run 0..364
// on a common-year calendar; Feb 29 collapses onto Feb 28's slot.
package seasonality

import (
	"math"
	"sort"
	"strconv"
	"time"

	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/series"
)

const yearDays = 365

// cumDays[m-1] is the number of days before month m in a common year.
var cumDays = [12]int{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}

// DayIndex maps a date to its 0..364 slot. Feb 29 shares Feb 28's slot,
// so leap and common years line up from March onward.
func DayIndex(t time.Time) int {
	m, d := int(t.Month()), t.Day()
	if m == 2 && d == 29 {
		d = 28
	}
	return cumDays[m-1] + d - 1
}

// refTime renders a day index as a date in a fixed common reference year
// so overlapping year curves share one plottable grid.
func refTime(idx int) time.Time {
	return time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, idx)
}

// Norm selects how each year's curve is rebased to its base day.
type Norm string

const (
	NormPct   Norm = "pct"   // 100 * (v/base - 1)
	NormIndex Norm = "index" // 100 * v/base
	NormRaw   Norm = "raw"   // no rebasing, original units
)

// YearCurve is one calendar year of the input remapped onto the
// day-of-year grid and rebased.
type YearCurve struct {
	Year     int
	Count    int  // defined observations contributing to the curve
	Included bool // Count >= MinPoints; excluded years carry no weight in bands
	Curve    series.Series
}

// Bands are the cross-year envelope computed over included years only.
type Bands struct {
	Low  series.Series // p0: minimum across years per day slot
	Mid  series.Series // p50: median
	High series.Series // p100: maximum
	Mean series.Series
}

// YearsResult is the years-mode payload: one curve per year plus bands.
type YearsResult struct {
	Years []YearCurve
	Bands Bands
}

// YearsOptions controls year selection and rebasing.
type YearsOptions struct {
	Years     []int // empty selects every year present in the input
	Norm      Norm  // default NormPct
	MinPoints int   // minimum defined observations for inclusion; <=0 means 1
}

// Years splits s by calendar year, remaps each year onto the day-of-year
// grid, rebases each curve to its first available day, and computes
// min/median/max and mean bands across the included years.
func Years(s series.Series, opts YearsOptions) (YearsResult, error) {
	norm := opts.Norm
	if norm == "" {
		norm = NormPct
	}
	if norm != NormPct && norm != NormIndex && norm != NormRaw {
		return YearsResult{}, errs.New(errs.UnsupportedParameter, "unknown norm %q (use pct|index|raw)", norm)
	}
	minPoints := opts.MinPoints
	if minPoints <= 0 {
		minPoints = 1
	}

	byYear := map[int][]float64{}
	for _, p := range s.Points {
		if !p.Defined() {
			continue
		}
		y := p.T.Year()
		vals, ok := byYear[y]
		if !ok {
			vals = make([]float64, yearDays)
			for i := range vals {
				vals[i] = math.NaN()
			}
			byYear[y] = vals
		}
		// Feb 29 lands on Feb 28's slot; the later observation wins.
		vals[DayIndex(p.T)] = p.V
	}

	years := opts.Years
	if len(years) == 0 {
		for y := range byYear {
			years = append(years, y)
		}
		sort.Ints(years)
	}
	if len(years) == 0 {
		return YearsResult{}, errs.New(errs.EmptyResult, "no defined observations to split by year")
	}

	unit := series.UnitPercent
	switch norm {
	case NormIndex:
		unit = series.UnitIndex
	case NormRaw:
		unit = series.UnitPrice
	}

	res := YearsResult{}
	var included [][]float64
	for _, y := range years {
		vals := byYear[y]
		curve := YearCurve{Year: y}
		if vals == nil {
			vals = make([]float64, yearDays)
			for i := range vals {
				vals[i] = math.NaN()
			}
		}
		rebased, count := rebaseYear(vals, norm)
		curve.Count = count
		curve.Included = count >= minPoints
		curve.Curve = gridSeries(strconv.Itoa(y), unit, rebased)
		if curve.Included {
			included = append(included, rebased)
		}
		res.Years = append(res.Years, curve)
	}

	low := make([]float64, yearDays)
	mid := make([]float64, yearDays)
	high := make([]float64, yearDays)
	mean := make([]float64, yearDays)
	scratch := make([]float64, 0, len(included))
	for i := 0; i < yearDays; i++ {
		scratch = scratch[:0]
		for _, vals := range included {
			if !math.IsNaN(vals[i]) {
				scratch = append(scratch, vals[i])
			}
		}
		if len(scratch) == 0 {
			low[i], mid[i], high[i], mean[i] = math.NaN(), math.NaN(), math.NaN(), math.NaN()
			continue
		}
		sort.Float64s(scratch)
		low[i] = scratch[0]
		high[i] = scratch[len(scratch)-1]
		mid[i] = median(scratch)
		sum := 0.0
		for _, v := range scratch {
			sum += v
		}
		mean[i] = sum / float64(len(scratch))
	}
	res.Bands = Bands{
		Low:  gridSeries("p0", unit, low),
		Mid:  gridSeries("p50", unit, mid),
		High: gridSeries("p100", unit, high),
		Mean: gridSeries("mean", unit, mean),
	}
	return res, nil
}

// rebaseYear rebases a day-of-year value vector to its first defined
// value and reports the defined count.
func rebaseYear(vals []float64, norm Norm) ([]float64, int) {
	out := make([]float64, len(vals))
	base := math.NaN()
	count := 0
	for i, v := range vals {
		if math.IsNaN(v) {
			out[i] = math.NaN()
			continue
		}
		count++
		if math.IsNaN(base) {
			base = v
		}
		if norm == NormRaw {
			out[i] = v
			continue
		}
		if base == 0 {
			out[i] = math.NaN()
			continue
		}
		if norm == NormIndex {
			out[i] = 100 * v / base
		} else {
			out[i] = 100 * (v/base - 1)
		}
	}
	return out, count
}

func gridSeries(label string, unit series.Unit, vals []float64) series.Series {
	pts := make([]series.Point, len(vals))
	for i, v := range vals {
		pts[i] = series.Point{T: refTime(i), V: v}
	}
	return series.Series{Label: label, Unit: unit, Points: pts}
}

// median of an already-sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
