package api

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"quant-sandbox/internal/engine"
	"quant-sandbox/internal/ibkr"
	"quant-sandbox/internal/series"
)

// chartPoint serializes as {"t": ms-since-epoch, "v": number|null};
// a gap becomes an explicit null so chart lines break there.
type chartPoint struct {
	T int64
	V float64
}

func (p chartPoint) MarshalJSON() ([]byte, error) {
	if math.IsNaN(p.V) || math.IsInf(p.V, 0) {
		return fmt.Appendf(nil, `{"t":%d,"v":null}`, p.T), nil
	}
	return fmt.Appendf(nil, `{"t":%d,"v":%s}`, p.T, strconv.FormatFloat(p.V, 'g', -1, 64)), nil
}

type chartSeries struct {
	Label  string       `json:"label"`
	Unit   string       `json:"unit,omitempty"`
	Points []chartPoint `json:"points"`
}

type chartRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type chartMeta struct {
	BarSize  string     `json:"bar_size"`
	UseRTH   bool       `json:"use_rth"`
	Range    chartRange `json:"range"`
	Adjust   string     `json:"adjust,omitempty"`
	Levels   []float64  `json:"levels,omitempty"`
	Last     *float64   `json:"last,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
}

// chartResponse is the shared top-level shape every endpoint returns.
type chartResponse struct {
	Label  string         `json:"label"`
	Expr   string         `json:"expr"`
	Meta   chartMeta      `json:"meta"`
	Series []chartSeries  `json:"series"`
	Tables map[string]any `json:"tables,omitempty"`
}

func msec(t time.Time) int64 { return t.UnixMilli() }

func toChartSeries(ss ...series.Series) []chartSeries {
	out := make([]chartSeries, 0, len(ss))
	for _, s := range ss {
		cs := chartSeries{Label: s.Label, Unit: string(s.Unit), Points: make([]chartPoint, len(s.Points))}
		for i, p := range s.Points {
			cs.Points[i] = chartPoint{T: msec(p.T), V: p.V}
		}
		out = append(out, cs)
	}
	return out
}

func toChartRange(rg ibkr.Range) chartRange {
	return chartRange{Start: msec(rg.Start), End: msec(rg.End)}
}

// chartFromEval builds the response for an evaluated expression plus
// any derived sub-series (indicator outputs, band levels).
func chartFromEval(res engine.EvalResult, extra ...series.Series) chartResponse {
	all := append([]series.Series{res.Series}, extra...)
	return chartResponse{
		Label: res.Series.Label,
		Expr:  res.Expr,
		Meta: chartMeta{
			BarSize:  res.BarSize,
			UseRTH:   res.UseRTH,
			Range:    toChartRange(res.Range),
			Adjust:   res.Adjust,
			Warnings: res.Warnings,
		},
		Series: toChartSeries(all...),
	}
}

// lastDefined extracts the final defined value for meta.last.
func lastDefined(s series.Series) *float64 {
	if p, ok := s.LastDefined(); ok {
		v := p.V
		return &v
	}
	return nil
}
