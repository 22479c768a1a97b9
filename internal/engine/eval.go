package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/expr"
	"quant-sandbox/internal/ibkr"
	"quant-sandbox/internal/series"
)

// EvalRequest describes one expression evaluation. Zero values get the
// defaults below.
type EvalRequest struct {
	Expr        string
	Duration    string // "1 Y", "30 D", "5d"; default "1 Y"
	BarSize     string // default "1 day"
	UseRTH      bool
	Norm        *float64 // nil: raw prices; 0: percent change; K: index to K
	IncludeGaps bool     // keep undefined points as explicit gaps
	Intersect   bool     // intersect leg grids instead of union
	Ccy         string   // convert all legs into this currency first
}

func (r EvalRequest) withDefaults() EvalRequest {
	if r.Duration == "" {
		r.Duration = "1 Y"
	}
	if r.BarSize == "" {
		r.BarSize = "1 day"
	}
	return r
}

// EvalResult is an evaluated expression plus the metadata the chart
// contract carries.
type EvalResult struct {
	Expr     string
	Series   series.Series
	Range    ibkr.Range
	BarSize  string
	UseRTH   bool
	Adjust   string // adjustment method applied to continuous legs
	Warnings []string
}

// EvalExpression runs the full pipeline: parse, resolve and fetch every
// leaf in parallel, align, evaluate pointwise, normalize.
func (e *Engine) EvalExpression(ctx context.Context, req EvalRequest) (EvalResult, error) {
	req = req.withDefaults()

	ast, err := expr.Parse(req.Expr)
	if err != nil {
		return EvalResult{}, err
	}
	lb, err := ParseLookback(req.Duration)
	if err != nil {
		return EvalResult{}, err
	}
	if _, err := BarSizeDuration(req.BarSize); err != nil {
		return EvalResult{}, err
	}
	rg := lb.RangeEnding(e.now())

	res := EvalResult{Expr: req.Expr, Range: rg, BarSize: req.BarSize, UseRTH: req.UseRTH}

	leaves := ast.Leaves()
	legs := make(map[string]series.Series, len(leaves))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, leaf := range leaves {
		g.Go(func() error {
			l, err := e.fetchSymbol(gctx, leaf.Sym, rg, req.BarSize, req.UseRTH)
			if err != nil {
				return err
			}
			if len(l.bars) == 0 {
				return errs.New(errs.EmptyResult, "no bars for %s in range", leaf.Token)
			}
			closes := series.Closes(leaf.Token, l.bars)
			if req.Ccy != "" {
				closes, err = e.convert(gctx, closes, l.currency, req.Ccy, rg, req.BarSize)
				if err != nil {
					return err
				}
			}
			mu.Lock()
			legs[leaf.Token] = closes
			if l.adjust != "" {
				res.Adjust = l.adjust
			}
			res.Warnings = append(res.Warnings, l.warnings...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return EvalResult{}, err
	}

	join := series.JoinUnion
	if req.Intersect {
		join = series.JoinIntersect
	}
	frame := series.Align(legs, join, series.FillPolicy{ForwardFill: true, Cap: e.cfg.FillCap})
	out := ast.Eval(frame)

	if req.Norm != nil {
		out = out.Rebase(*req.Norm)
	}
	if !req.IncludeGaps {
		out = out.DropGaps()
	}
	if out.DefinedCount() == 0 {
		return EvalResult{}, errs.New(errs.EmptyResult, "expression %q has no defined points in range", req.Expr)
	}
	res.Series = out
	return res, nil
}
