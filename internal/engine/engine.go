// Package engine evaluates instrument expressions against the upstream
// coordinator: it resolves leaves to contract chains, fetches and
// stitches bars, aligns legs onto a shared grid and runs the AST.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"quant-sandbox/internal/config"
	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/ibkr"
	"quant-sandbox/internal/resolver"
	"quant-sandbox/internal/series"
	"quant-sandbox/internal/symbols"
)

// Fetcher is the bar-fetching surface the engine needs; the coordinator
// implements it and tests substitute fakes.
type Fetcher interface {
	FetchBars(ctx context.Context, req ibkr.BarRequest) ([]series.Bar, error)
}

// SymbolResolver turns a parsed symbol into its contract chain.
type SymbolResolver interface {
	Resolve(ctx context.Context, sym symbols.Symbol, rg ibkr.Range) (resolver.Chain, error)
}

// Engine ties the resolver and coordinator together under the
// expression grammar.
type Engine struct {
	cfg     *config.Config
	fetch   Fetcher
	resolve SymbolResolver

	now func() time.Time // test hook
}

func New(cfg *config.Config, fetch Fetcher, resolve SymbolResolver) *Engine {
	return &Engine{cfg: cfg, fetch: fetch, resolve: resolve, now: time.Now}
}

// seamPad is how far before a segment's validity start we fetch when
// stitching a continuous contract, so adjacent segments share at least
// one timestamp to difference-adjust against.
const seamPad = 7 * 24 * time.Hour

// leg is one fetched-and-stitched instrument: bars over the range plus
// the quote currency for conversion decisions.
type leg struct {
	bars     []series.Bar
	currency string
	adjust   string // "difference" when roll seams were shifted
	warnings []string
}

// fetchSymbol resolves one symbol and materializes its bars over the
// range, stitching multi-contract chains at their validity boundaries.
func (e *Engine) fetchSymbol(ctx context.Context, sym symbols.Symbol, rg ibkr.Range, barSize string, useRTH bool) (leg, error) {
	chain, err := e.resolve.Resolve(ctx, sym, rg)
	if err != nil {
		return leg{}, err
	}
	if len(chain) == 0 {
		return leg{}, errs.New(errs.EmptyResult, "no contracts for %s", sym)
	}

	what := "TRADES"
	rth := useRTH
	switch chain[0].Contract.SecType {
	case "CASH":
		what = "MIDPOINT" // FX has no trade prints
		rth = false
	case "FUT":
		rth = false
	}

	segs := make([][]series.Bar, len(chain))
	for i, entry := range chain {
		fetchRange := entry.Validity
		if i > 0 {
			// Overfetch into the prior segment so the roll seam has a
			// shared bar to difference against.
			fetchRange.Start = fetchRange.Start.Add(-seamPad)
		}
		bars, err := e.fetch.FetchBars(ctx, ibkr.BarRequest{
			Contract: entry.Contract,
			BarSize:  barSize,
			RTH:      rth,
			What:     what,
			Range:    fetchRange,
		})
		if err != nil {
			return leg{}, fmt.Errorf("fetch %s: %w", entry.Contract.LocalSymbol, err)
		}
		segs[i] = bars
	}

	out := leg{currency: chain[0].Contract.Currency}
	if len(chain) > 1 && sym.Kind == symbols.KindContinuous {
		out.adjust = "difference"
		shift := 0.0
		for i := len(segs) - 1; i > 0; i-- {
			off, ok := seamOffset(segs[i-1], segs[i])
			if !ok {
				out.warnings = append(out.warnings,
					fmt.Sprintf("no overlapping bar at %s/%s roll; seam left unadjusted",
						chain[i-1].Contract.LocalSymbol, chain[i].Contract.LocalSymbol))
			}
			shift += off
			shiftBars(segs[i-1], shift)
		}
	}

	for i, seg := range segs {
		for _, b := range seg {
			// Drop the seam pad and anything outside the segment's window.
			if b.T.Before(chain[i].Validity.Start) || !b.T.Before(chain[i].Validity.End) {
				continue
			}
			out.bars = append(out.bars, b)
		}
	}
	sort.Slice(out.bars, func(a, b int) bool { return out.bars[a].T.Before(out.bars[b].T) })

	if rth {
		exchange := chain[0].Contract.Exchange
		filtered, warn := filterRTH(out.bars, exchange, barSize)
		out.bars = filtered
		if warn != "" {
			out.warnings = append(out.warnings, warn)
		}
	}
	return out, nil
}

// seamOffset is newer.Close - older.Close at the latest timestamp both
// segments observed.
func seamOffset(older, newer []series.Bar) (float64, bool) {
	newerAt := make(map[int64]float64, len(newer))
	for _, b := range newer {
		newerAt[b.T.UnixNano()] = b.Close
	}
	for i := len(older) - 1; i >= 0; i-- {
		if c, ok := newerAt[older[i].T.UnixNano()]; ok {
			return c - older[i].Close, true
		}
	}
	return 0, false
}

func shiftBars(bars []series.Bar, off float64) {
	if off == 0 {
		return
	}
	for i := range bars {
		bars[i].Open += off
		bars[i].High += off
		bars[i].Low += off
		bars[i].Close += off
	}
}

// convert rebases a leg's closes into the target currency by fetching
// the FX cross as an extra leaf. The direct pair is tried first, then
// the inverse with reciprocal rates.
func (e *Engine) convert(ctx context.Context, s series.Series, from, to string, rg ibkr.Range, barSize string) (series.Series, error) {
	if from == "" || from == to {
		return s, nil
	}

	fx, err := e.fxSeries(ctx, from+to, rg, barSize)
	invert := false
	if err != nil {
		inv, invErr := e.fxSeries(ctx, to+from, rg, barSize)
		if invErr != nil {
			return series.Series{}, errs.Wrap(errs.KindOf(err), err, "no FX route %s->%s", from, to)
		}
		fx, invert = inv, true
	}

	frame := series.Align(map[string]series.Series{"leg": s, "fx": fx},
		series.JoinUnion, series.FillPolicy{ForwardFill: true, Cap: e.cfg.FillCap})
	legCol, _ := frame.Column("leg")
	fxCol, _ := frame.Column("fx")
	pts := make([]series.Point, len(frame.Index))
	for i, t := range frame.Index {
		v := legCol[i] * fxCol[i]
		if invert {
			v = legCol[i] / fxCol[i]
		}
		pts[i] = series.Point{T: t, V: v}
	}
	out := s
	out.Points = pts
	return out, nil
}

func (e *Engine) fxSeries(ctx context.Context, pair string, rg ibkr.Range, barSize string) (series.Series, error) {
	sym, err := symbols.Parse("FX:" + pair)
	if err != nil {
		return series.Series{}, err
	}
	l, err := e.fetchSymbol(ctx, sym, rg, barSize, false)
	if err != nil {
		return series.Series{}, err
	}
	if len(l.bars) == 0 {
		return series.Series{}, errs.New(errs.EmptyResult, "no FX bars for %s", pair)
	}
	return series.Closes("FX:"+pair, l.bars), nil
}
