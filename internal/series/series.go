// Package series holds the time-series data model shared by the fetch,
// expression and indicator layers: bars, labeled series, aligned frames
// and the missing-value conventions between them.
package series

import (
	"math"
	"sort"
	"time"
)

// Unit types a series' values for display.
type Unit string

const (
	UnitPrice   Unit = "price"
	UnitPercent Unit = "percent"
	UnitRatio   Unit = "ratio"
	UnitZScore  Unit = "zscore"
	UnitCount   Unit = "count"
	UnitIndex   Unit = "index"
)

// Bar is one OHLCV observation. T is the UTC open of the bar; the bar's
// duration is implied by the request's bar size.
type Bar struct {
	T      time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Point is one (timestamp, value) sample. A NaN value marks an explicit
// gap (undefined at that timestamp).
type Point struct {
	T time.Time
	V float64
}

// Defined reports whether the point carries a value.
func (p Point) Defined() bool { return !math.IsNaN(p.V) }

// Series is an ordered sequence of points with display metadata.
// Timestamps are strictly increasing.
type Series struct {
	Label  string
	Expr   string // source expression, when derived from one
	Unit   Unit
	Points []Point
}

// New builds a series from parallel timestamp/value slices.
func New(label string, unit Unit, ts []time.Time, vs []float64) Series {
	pts := make([]Point, len(ts))
	for i := range ts {
		pts[i] = Point{T: ts[i], V: vs[i]}
	}
	return Series{Label: label, Unit: unit, Points: pts}
}

// Closes extracts the close series from bars.
func Closes(label string, bars []Bar) Series {
	pts := make([]Point, len(bars))
	for i, b := range bars {
		pts[i] = Point{T: b.T, V: b.Close}
	}
	return Series{Label: label, Unit: UnitPrice, Points: pts}
}

// Len returns the number of points, defined or not.
func (s Series) Len() int { return len(s.Points) }

// DefinedCount returns the number of non-gap points.
func (s Series) DefinedCount() int {
	n := 0
	for _, p := range s.Points {
		if p.Defined() {
			n++
		}
	}
	return n
}

// FirstDefined returns the first non-gap point.
func (s Series) FirstDefined() (Point, bool) {
	for _, p := range s.Points {
		if p.Defined() {
			return p, true
		}
	}
	return Point{}, false
}

// LastDefined returns the final non-gap point.
func (s Series) LastDefined() (Point, bool) {
	for i := len(s.Points) - 1; i >= 0; i-- {
		if s.Points[i].Defined() {
			return s.Points[i], true
		}
	}
	return Point{}, false
}

// DropGaps returns a copy without undefined points.
func (s Series) DropGaps() Series {
	out := s
	out.Points = make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if p.Defined() {
			out.Points = append(out.Points, p)
		}
	}
	return out
}

// Slice returns the points within [start, end).
func (s Series) Slice(start, end time.Time) Series {
	out := s
	out.Points = nil
	for _, p := range s.Points {
		if !p.T.Before(start) && p.T.Before(end) {
			out.Points = append(out.Points, p)
		}
	}
	return out
}

// Values returns the value column. Gaps stay NaN.
func (s Series) Values() []float64 {
	vs := make([]float64, len(s.Points))
	for i, p := range s.Points {
		vs[i] = p.V
	}
	return vs
}

// Times returns the timestamp column.
func (s Series) Times() []time.Time {
	ts := make([]time.Time, len(s.Points))
	for i, p := range s.Points {
		ts[i] = p.T
	}
	return ts
}

// WithLabel returns a copy with a new label.
func (s Series) WithLabel(label string) Series {
	s.Label = label
	return s
}

// Rebase normalizes values to the first defined point: norm == 0 rebases to
// percent change, any other value indexes the first point to norm.
func (s Series) Rebase(norm float64) Series {
	first, ok := s.FirstDefined()
	if !ok || first.V == 0 {
		return s
	}
	out := s
	out.Points = make([]Point, len(s.Points))
	copy(out.Points, s.Points)
	for i, p := range out.Points {
		if !p.Defined() {
			continue
		}
		if norm == 0 {
			out.Points[i].V = 100 * (p.V/first.V - 1)
		} else {
			out.Points[i].V = norm * p.V / first.V
		}
	}
	if norm == 0 {
		out.Unit = UnitPercent
	} else {
		out.Unit = UnitIndex
	}
	return out
}

// LogReturns returns per-step log returns over defined points. The output
// shares the input grid; the first defined point and any point following a
// gap or non-positive value are gaps.
func (s Series) LogReturns() Series {
	out := s
	out.Unit = UnitRatio
	out.Points = make([]Point, len(s.Points))
	prev := math.NaN()
	for i, p := range s.Points {
		v := math.NaN()
		if p.Defined() && p.V > 0 && !math.IsNaN(prev) && prev > 0 {
			v = math.Log(p.V / prev)
		}
		out.Points[i] = Point{T: p.T, V: v}
		if p.Defined() {
			prev = p.V
		}
	}
	return out
}

// Constant builds a series with value v on the given grid.
func Constant(label string, grid []time.Time, v float64, unit Unit) Series {
	pts := make([]Point, len(grid))
	for i, t := range grid {
		pts[i] = Point{T: t, V: v}
	}
	return Series{Label: label, Unit: unit, Points: pts}
}

// MergeIndex returns the sorted union or intersection of the legs' grids.
func MergeIndex(legs []Series, intersect bool) []time.Time {
	if len(legs) == 0 {
		return nil
	}
	counts := make(map[int64]int)
	times := make(map[int64]time.Time)
	for _, leg := range legs {
		seen := make(map[int64]bool)
		for _, p := range leg.Points {
			k := p.T.UnixNano()
			if !seen[k] {
				seen[k] = true
				counts[k]++
				times[k] = p.T
			}
		}
	}
	out := make([]time.Time, 0, len(counts))
	for k, n := range counts {
		if !intersect || n == len(legs) {
			out = append(out, times[k])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
