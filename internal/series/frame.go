package series

import (
	"math"
	"time"
)

// Join selects the grid an aligned frame is built on.
type Join int

const (
	JoinUnion Join = iota
	JoinIntersect
)

// FillPolicy controls how a leg's missing timestamps are filled on the
// shared grid. Cap bounds consecutive carried-forward samples; past the
// cap the value is undefined.
type FillPolicy struct {
	ForwardFill bool
	Cap         int
}

// Frame is a set of legs resampled onto one shared timestamp grid.
// Leg columns are parallel to Index; NaN marks an undefined sample.
type Frame struct {
	Index []time.Time
	Legs  map[string][]float64
}

// Align builds a frame over the legs' merged grid. Each leg's value at a
// grid timestamp is its bar value when one exists, otherwise the fill
// policy applies against the leg's own prior observations.
func Align(legs map[string]Series, join Join, fill FillPolicy) Frame {
	ordered := make([]Series, 0, len(legs))
	for _, s := range legs {
		ordered = append(ordered, s)
	}
	grid := MergeIndex(ordered, join == JoinIntersect)

	f := Frame{Index: grid, Legs: make(map[string][]float64, len(legs))}
	for name, leg := range legs {
		f.Legs[name] = resample(leg, grid, fill)
	}
	return f
}

// resample projects one leg onto the grid.
func resample(leg Series, grid []time.Time, fill FillPolicy) []float64 {
	out := make([]float64, len(grid))
	j := 0
	last := math.NaN()
	carried := 0
	for i, t := range grid {
		for j < len(leg.Points) && leg.Points[j].T.Before(t) {
			if leg.Points[j].Defined() {
				last = leg.Points[j].V
				carried = 0
			}
			j++
		}
		if j < len(leg.Points) && leg.Points[j].T.Equal(t) && leg.Points[j].Defined() {
			out[i] = leg.Points[j].V
			last = leg.Points[j].V
			carried = 0
			j++
			continue
		}
		if j < len(leg.Points) && leg.Points[j].T.Equal(t) {
			j++ // explicit gap bar at t
		}
		if fill.ForwardFill && !math.IsNaN(last) && carried < fill.Cap {
			out[i] = last
			carried++
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// Column returns the named leg column.
func (f Frame) Column(name string) ([]float64, bool) {
	c, ok := f.Legs[name]
	return c, ok
}

// ToSeries wraps one column of the frame as a Series.
func (f Frame) ToSeries(name, label string, unit Unit) Series {
	col := f.Legs[name]
	pts := make([]Point, len(f.Index))
	for i, t := range f.Index {
		pts[i] = Point{T: t, V: col[i]}
	}
	return Series{Label: label, Unit: unit, Points: pts}
}
