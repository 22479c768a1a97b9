package engine

import (
	"context"

	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/ibkr"
	"quant-sandbox/internal/series"
	"quant-sandbox/internal/symbols"
)

// OHLCVRequest asks for raw bars of a single instrument (volume
// profiles, candle charts, ATR consumers).
type OHLCVRequest struct {
	Symbol   string
	Duration string // default "1 Y"
	BarSize  string // default "1 day"
	UseRTH   bool
	MaxBars  int // keep only the most recent N bars; 0 = unlimited
}

// OHLCVResult carries the stitched bars and the same metadata surface
// as an expression evaluation.
type OHLCVResult struct {
	Symbol   string
	Bars     []series.Bar
	Range    ibkr.Range
	BarSize  string
	UseRTH   bool
	Adjust   string
	Warnings []string
}

// FetchOHLCV resolves one symbol and returns its bars over the range.
// Continuous futures come back difference-adjusted across all four
// price fields, same as the close series the expression path uses.
func (e *Engine) FetchOHLCV(ctx context.Context, req OHLCVRequest) (OHLCVResult, error) {
	if req.Duration == "" {
		req.Duration = "1 Y"
	}
	if req.BarSize == "" {
		req.BarSize = "1 day"
	}

	sym, err := symbols.Parse(req.Symbol)
	if err != nil {
		return OHLCVResult{}, err
	}
	lb, err := ParseLookback(req.Duration)
	if err != nil {
		return OHLCVResult{}, err
	}
	rg := lb.RangeEnding(e.now())

	l, err := e.fetchSymbol(ctx, sym, rg, req.BarSize, req.UseRTH)
	if err != nil {
		return OHLCVResult{}, err
	}
	if len(l.bars) == 0 {
		return OHLCVResult{}, errs.New(errs.EmptyResult, "no bars for %s in range", req.Symbol)
	}
	if req.MaxBars > 0 && len(l.bars) > req.MaxBars {
		l.bars = l.bars[len(l.bars)-req.MaxBars:]
	}
	return OHLCVResult{
		Symbol:   sym.String(),
		Bars:     l.bars,
		Range:    rg,
		BarSize:  req.BarSize,
		UseRTH:   req.UseRTH,
		Adjust:   l.adjust,
		Warnings: l.warnings,
	}, nil
}
