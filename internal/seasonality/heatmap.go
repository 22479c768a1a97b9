package seasonality

import (
	"math"
	"sort"
	"time"

	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/series"
)

// Bucket selects the heatmap aggregation granularity.
type Bucket string

const (
	BucketMonth Bucket = "month" // calendar month 1..12
	BucketWeek  Bucket = "week"  // ISO week 1..53, row year is the ISO year
)

// HeatmapRow is one (year, bucket) cell: the compounded simple return of
// all bars falling in that bucket.
type HeatmapRow struct {
	Year      int
	Bucket    int
	ReturnPct float64
	Count     int  // return observations compounded into the cell
	Included  bool // Count >= MinPoints
}

// BucketStats aggregates a bucket's included cells across years.
type BucketStats struct {
	Bucket  int
	Years   int // included cells contributing
	Mean    float64
	Median  float64
	Min     float64
	Max     float64
	Stdev   float64 // sample stdev, NaN below two cells
	FracPos float64
	FracNeg float64
}

// HeatmapResult is the heatmap-mode payload.
type HeatmapResult struct {
	Bucket Bucket
	Rows   []HeatmapRow
	Stats  []BucketStats
}

// HeatmapOptions filters years and sets the per-cell inclusion floor.
type HeatmapOptions struct {
	Bucket    Bucket
	Years     []int // empty keeps every year present
	MinPoints int   // minimum return observations per cell; <=0 means 1
}

// Heatmap compounds the series' simple returns per (year, bucket) cell.
// Returns chain across bucket boundaries: a bucket's first return uses
// the last close of the previous bucket, so compounding a full year of
// cells reproduces the year's actual return.
func Heatmap(s series.Series, opts HeatmapOptions) (HeatmapResult, error) {
	bucket := opts.Bucket
	if bucket == "" {
		bucket = BucketMonth
	}
	if bucket != BucketMonth && bucket != BucketWeek {
		return HeatmapResult{}, errs.New(errs.UnsupportedParameter, "unknown bucket %q (use month|week)", bucket)
	}
	minPoints := opts.MinPoints
	if minPoints <= 0 {
		minPoints = 1
	}

	defined := s.DropGaps()
	if defined.Len() < 2 {
		return HeatmapResult{}, errs.New(errs.EmptyResult, "need at least two defined observations for returns")
	}

	yearFilter := map[int]bool{}
	for _, y := range opts.Years {
		yearFilter[y] = true
	}

	type cellKey struct{ year, bucket int }
	growth := map[cellKey]float64{}
	counts := map[cellKey]int{}
	var order []cellKey

	prev := defined.Points[0].V
	for _, p := range defined.Points[1:] {
		r := p.V/prev - 1
		prev = p.V
		y, b := cellOf(p.T, bucket)
		if len(yearFilter) > 0 && !yearFilter[y] {
			continue
		}
		k := cellKey{y, b}
		if _, seen := growth[k]; !seen {
			growth[k] = 1
			order = append(order, k)
		}
		growth[k] *= 1 + r
		counts[k]++
	}
	if len(order) == 0 {
		return HeatmapResult{}, errs.New(errs.EmptyResult, "no observations in the selected years")
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].year != order[j].year {
			return order[i].year < order[j].year
		}
		return order[i].bucket < order[j].bucket
	})

	res := HeatmapResult{Bucket: bucket}
	perBucket := map[int][]float64{}
	for _, k := range order {
		row := HeatmapRow{
			Year:      k.year,
			Bucket:    k.bucket,
			ReturnPct: 100 * (growth[k] - 1),
			Count:     counts[k],
			Included:  counts[k] >= minPoints,
		}
		res.Rows = append(res.Rows, row)
		if row.Included {
			perBucket[k.bucket] = append(perBucket[k.bucket], row.ReturnPct)
		}
	}

	var buckets []int
	for b := range perBucket {
		buckets = append(buckets, b)
	}
	sort.Ints(buckets)
	for _, b := range buckets {
		res.Stats = append(res.Stats, bucketStats(b, perBucket[b]))
	}
	return res, nil
}

func cellOf(t time.Time, bucket Bucket) (year, b int) {
	if bucket == BucketWeek {
		return t.ISOWeek()
	}
	return t.Year(), int(t.Month())
}

func bucketStats(bucket int, rets []float64) BucketStats {
	sorted := append([]float64(nil), rets...)
	sort.Float64s(sorted)

	n := float64(len(rets))
	sum, pos, neg := 0.0, 0, 0
	for _, r := range rets {
		sum += r
		if r > 0 {
			pos++
		} else if r < 0 {
			neg++
		}
	}
	mean := sum / n

	sd := math.NaN()
	if len(rets) >= 2 {
		variance := 0.0
		for _, r := range rets {
			d := r - mean
			variance += d * d
		}
		sd = math.Sqrt(variance / (n - 1))
	}

	return BucketStats{
		Bucket:  bucket,
		Years:   len(rets),
		Mean:    mean,
		Median:  median(sorted),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Stdev:   sd,
		FracPos: float64(pos) / n,
		FracNeg: float64(neg) / n,
	}
}
