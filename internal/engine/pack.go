package engine

import (
	"context"
	"fmt"
	"sync"

	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/indicators"
	"quant-sandbox/internal/series"
)

// CompanionSpec declares one overlay or panel in a pack. Kind selects
// the indicator; the remaining fields are that indicator's parameters
// and unused ones are ignored.
type CompanionSpec struct {
	Name       string    `json:"name"`        // response key; defaults to Kind
	Kind       string    `json:"kind"`        // sma|ema|bollinger|rsi|drawdown|sharpe|zscore|corr|atr|volume
	Window     int       `json:"window"`      // sma, ema, rolling drawdown, sharpe, zscore, corr, atr
	Period     int       `json:"period"`      // bollinger, rsi
	Sigma      float64   `json:"sigma"`       // bollinger
	Bands      string    `json:"bands"`       // rsi preset
	Levels     []float64 `json:"levels"`      // rsi override, zscore levels
	Mode       string    `json:"mode"`        // drawdown: point|rolling
	RetHorizon int       `json:"ret_horizon"` // corr
	Expr       string    `json:"expr"`        // corr: the other expression
	Bins       int       `json:"bins"`        // volume profile
}

func (s CompanionSpec) name() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Kind
}

// Companion is one companion's slot in the merged pack response. A
// failed companion reports its error here; it never fails the pack.
type Companion struct {
	Name    string
	Status  string // "ok" or "error"
	Error   string
	Kind    errs.Kind
	Series  []series.Series
	Tables  map[string]any
	Warning string
}

// PackResult is the base evaluation plus companions in declared order
// (overlays first, then panels).
type PackResult struct {
	Base       EvalResult
	Companions []Companion
}

// EvalPack evaluates the base expression once, then runs every
// companion concurrently against it. Output order is the declared
// order regardless of completion order.
func (e *Engine) EvalPack(ctx context.Context, base EvalRequest, overlays, panels []CompanionSpec) (PackResult, error) {
	// Companions need the gap-preserving grid; the caller-facing base
	// honors the requested gap handling below.
	gridReq := base.withDefaults()
	gridReq.IncludeGaps = true
	res, err := e.EvalExpression(ctx, gridReq)
	if err != nil {
		return PackResult{}, err
	}
	grid := res.Series

	out := PackResult{Base: res}
	if !base.IncludeGaps {
		out.Base.Series = grid.DropGaps()
	}

	specs := make([]CompanionSpec, 0, len(overlays)+len(panels))
	specs = append(specs, overlays...)
	specs = append(specs, panels...)
	out.Companions = make([]Companion, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.Companions[i] = e.runCompanion(ctx, grid, gridReq, spec)
		}()
	}
	wg.Wait()
	return out, nil
}

func (e *Engine) runCompanion(ctx context.Context, base series.Series, baseReq EvalRequest, spec CompanionSpec) Companion {
	c := Companion{Name: spec.name(), Status: "ok"}

	fail := func(err error) Companion {
		c.Status = "error"
		c.Error = err.Error()
		c.Kind = errs.KindOf(err)
		return c
	}
	window := func(def int) int {
		if spec.Window > 0 {
			return spec.Window
		}
		return def
	}

	switch spec.Kind {
	case "sma":
		c.Series = []series.Series{indicators.SMA(base, window(20))}
	case "ema":
		c.Series = []series.Series{indicators.EMA(base, window(20))}
	case "bollinger":
		n, sigma := spec.Period, spec.Sigma
		if n < 1 {
			n = 20
		}
		if sigma <= 0 {
			sigma = 2
		}
		bands := indicators.Bollinger(base, n, sigma)
		c.Series = []series.Series{bands.Mid, bands.Upper, bands.Lower}
	case "rsi":
		period := spec.Period
		if period < 1 {
			period = 14
		}
		rsi, err := indicators.RSI(base, period)
		if err != nil {
			return fail(err)
		}
		levels, err := indicators.RSILevels(spec.Bands, spec.Levels)
		if err != nil {
			return fail(err)
		}
		c.Series = []series.Series{rsi}
		for _, lv := range levels {
			c.Series = append(c.Series,
				series.Constant(fmt.Sprintf("level(%g)", lv), base.Times(), lv, series.UnitIndex))
		}
	case "drawdown":
		if spec.Mode == "rolling" {
			c.Series = []series.Series{indicators.RollingDrawdown(base, window(252))}
		} else {
			c.Series = []series.Series{indicators.Drawdown(base)}
		}
	case "sharpe":
		c.Series = []series.Series{indicators.RollingSharpe(base, window(63), AnnualizationFactor(baseReq.BarSize))}
	case "zscore":
		z := indicators.ZScore(base, window(63))
		c.Series = []series.Series{z}
		for _, lv := range spec.Levels {
			c.Series = append(c.Series,
				series.Constant(fmt.Sprintf("level(%g)", lv), base.Times(), lv, series.UnitZScore))
		}
	case "corr":
		if spec.Expr == "" {
			return fail(errs.New(errs.UnsupportedParameter, "corr companion needs an expr"))
		}
		other, err := e.EvalExpression(ctx, EvalRequest{
			Expr: spec.Expr, Duration: baseReq.Duration, BarSize: baseReq.BarSize,
			UseRTH: baseReq.UseRTH, IncludeGaps: true, Ccy: baseReq.Ccy,
		})
		if err != nil {
			return fail(err)
		}
		h := spec.RetHorizon
		if h < 1 {
			h = 1
		}
		frame := series.Align(map[string]series.Series{"a": base, "b": other.Series},
			series.JoinUnion, series.FillPolicy{ForwardFill: true, Cap: e.cfg.FillCap})
		a := frame.ToSeries("a", base.Label, base.Unit)
		b := frame.ToSeries("b", other.Series.Label, other.Series.Unit)
		c.Series = []series.Series{indicators.Correlation(a, b, h, window(63))}
	case "atr", "volume":
		ohlcv, err := e.FetchOHLCV(ctx, OHLCVRequest{
			Symbol: baseReq.Expr, Duration: baseReq.Duration,
			BarSize: baseReq.BarSize, UseRTH: baseReq.UseRTH,
		})
		if err != nil {
			return fail(err)
		}
		if spec.Kind == "atr" {
			c.Series = []series.Series{indicators.ATR(baseReq.Expr, ohlcv.Bars, window(14))}
			break
		}
		bins := spec.Bins
		if bins < 1 {
			bins = 50
		}
		prof, err := indicators.Profile(ohlcv.Bars, bins, 0.70)
		if err != nil {
			return fail(err)
		}
		c.Tables = map[string]any{
			"bin_centers": prof.BinCenters,
			"volumes":     prof.Volumes,
			"cumulative":  prof.Cumulative,
			"value_low":   prof.ValueLow,
			"value_high":  prof.ValueHigh,
			"mass":        prof.Mass,
		}
	default:
		return fail(errs.New(errs.UnsupportedParameter, "unknown companion kind %q", spec.Kind))
	}

	defined := 0
	for _, s := range c.Series {
		defined += s.DefinedCount()
	}
	if len(c.Series) > 0 && defined == 0 {
		c.Warning = fmt.Sprintf("insufficient data for %s over this range", spec.name())
	}
	return c
}
