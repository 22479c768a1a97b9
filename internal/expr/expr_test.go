package expr

import (
	"errors"
	"math"
	"testing"
	"time"

	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/series"
)

func TestParse_LeavesAndPrecedence(t *testing.T) {
	e, err := Parse("EQ:AAPL+EQ:MSFT*2")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	leaves := e.Leaves()
	if len(leaves) != 2 || leaves[0].Token != "EQ:AAPL" || leaves[1].Token != "EQ:MSFT" {
		t.Errorf("leaves = %+v", leaves)
	}
	// * binds tighter than +.
	if got := e.String(); got != "(EQ:AAPL+(EQ:MSFT*2))" {
		t.Errorf("String() = %s", got)
	}
}

func TestParse_DuplicateLeavesDeduped(t *testing.T) {
	e, err := Parse("(EQ:SPY-EQ:QQQ)/EQ:QQQ")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if n := len(e.Leaves()); n != 2 {
		t.Errorf("distinct leaves = %d, want 2", n)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []string{"", "EQ:SPY+", "(EQ:SPY", "EQ:SPY)", "EQ:SPY $ 2", "ZZ:FOO"}
	for _, src := range cases {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", src)
		}
	}
	// Bad namespace surfaces as UnknownSymbol, bare syntax as ParseError.
	_, err := Parse("ZZ:FOO+1")
	if k := errs.KindOf(err); k != errs.UnknownSymbol && k != errs.ParseError {
		t.Errorf("kind = %s", k)
	}
}

func grid(n int) []time.Time {
	out := make([]time.Time, n)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = base.AddDate(0, 0, i)
	}
	return out
}

func frameOf(cols map[string][]float64, n int) series.Frame {
	return series.Frame{Index: grid(n), Legs: cols}
}

func TestEval_Sum(t *testing.T) {
	e, _ := Parse("EQ:AAPL+EQ:MSFT")
	f := frameOf(map[string][]float64{
		"EQ:AAPL": {1, 2, 3},
		"EQ:MSFT": {10, 20, 30},
	}, 3)
	out := e.Eval(f)
	want := []float64{11, 22, 33}
	for i, w := range want {
		if out.Points[i].V != w {
			t.Errorf("point %d = %v, want %v", i, out.Points[i].V, w)
		}
	}
}

func TestEval_GapPropagates(t *testing.T) {
	e, _ := Parse("EQ:AAPL+EQ:MSFT")
	f := frameOf(map[string][]float64{
		"EQ:AAPL": {1, math.NaN(), 3},
		"EQ:MSFT": {10, 20, 30},
	}, 3)
	out := e.Eval(f)
	if !math.IsNaN(out.Points[1].V) {
		t.Errorf("gap operand should yield gap, got %v", out.Points[1].V)
	}
	if out.Points[0].V != 11 || out.Points[2].V != 33 {
		t.Errorf("defined points wrong: %+v", out.Points)
	}
}

func TestEval_DivisionByZeroIsGap(t *testing.T) {
	e, _ := Parse("EQ:A/EQ:B")
	f := frameOf(map[string][]float64{
		"EQ:A": {4, 9},
		"EQ:B": {2, 0},
	}, 2)
	out := e.Eval(f)
	if out.Points[0].V != 2 {
		t.Errorf("4/2 = %v", out.Points[0].V)
	}
	if !math.IsNaN(out.Points[1].V) {
		t.Errorf("9/0 should be a gap, got %v", out.Points[1].V)
	}
}

func TestEval_ScalarArithmetic(t *testing.T) {
	e, _ := Parse("(EQ:A+EQ:B)/2")
	f := frameOf(map[string][]float64{
		"EQ:A": {10},
		"EQ:B": {20},
	}, 1)
	out := e.Eval(f)
	if out.Points[0].V != 15 {
		t.Errorf("(10+20)/2 = %v", out.Points[0].V)
	}
}

func TestParse_NoUnaryMinus(t *testing.T) {
	if _, err := Parse("-EQ:SPY"); err == nil {
		t.Error("unary minus should not parse; spell it 0-EQ:SPY")
	}
	e, err := Parse("0-EQ:SPY")
	if err != nil {
		t.Fatalf("0-EQ:SPY should parse: %v", err)
	}
	f := frameOf(map[string][]float64{"EQ:SPY": {5}}, 1)
	if v := e.Eval(f).Points[0].V; v != -5 {
		t.Errorf("0-5 = %v", v)
	}
}

func TestRoundTrip_TokenCanonicalization(t *testing.T) {
	e, err := Parse("eq:spy/ix:spx")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	leaves := e.Leaves()
	if leaves[0].Token != "EQ:SPY" || leaves[1].Token != "IX:SPX" {
		t.Errorf("tokens not canonicalized: %+v", leaves)
	}
}

func TestParse_EmptyResultKindUnused(t *testing.T) {
	// Sanity: parse errors are client errors for the HTTP layer.
	_, err := Parse("((")
	if !errors.Is(err, errs.Sentinel(errs.ParseError)) {
		t.Errorf("expected ParseError, got %v", err)
	}
}
