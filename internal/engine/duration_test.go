package engine

import (
	"math"
	"testing"
	"time"

	"quant-sandbox/internal/errs"
)

func TestParseLookbackForms(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		unit byte
	}{
		{"5 D", 5, 'D'},
		{"5d", 5, 'D'},
		{"30 D", 30, 'D'},
		{"2 W", 2, 'W'},
		{"6m", 6, 'M'},
		{"1 Y", 1, 'Y'},
		{"1y", 1, 'Y'},
	}
	for _, c := range cases {
		lb, err := ParseLookback(c.in)
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
			continue
		}
		if lb.N != c.n || lb.Unit != c.unit {
			t.Errorf("%q = %+v, want {%d %c}", c.in, lb, c.n, c.unit)
		}
	}

	for _, bad := range []string{"", "D", "0 D", "-3 D", "5 Q", "x y"} {
		if _, err := ParseLookback(bad); errs.KindOf(err) != errs.UnsupportedParameter {
			t.Errorf("%q: err = %v, want UnsupportedParameter", bad, err)
		}
	}
}

func TestRangeEndingTradingDays(t *testing.T) {
	// Monday June 30 minus 5 trading days lands on Monday June 23;
	// the intervening weekend does not count.
	end := utc(2025, 6, 30)
	lb := Lookback{N: 5, Unit: 'D'}
	rg := lb.RangeEnding(end)
	if !rg.Start.Equal(utc(2025, 6, 23)) {
		t.Errorf("start = %s, want 2025-06-23", rg.Start)
	}
	if !rg.End.Equal(end) {
		t.Errorf("end = %s", rg.End)
	}
}

func TestRangeEndingCalendarUnits(t *testing.T) {
	end := utc(2025, 6, 30)
	if rg := (Lookback{N: 2, Unit: 'W'}).RangeEnding(end); !rg.Start.Equal(utc(2025, 6, 16)) {
		t.Errorf("2W start = %s", rg.Start)
	}
	if rg := (Lookback{N: 6, Unit: 'M'}).RangeEnding(end); !rg.Start.Equal(utc(2024, 12, 30)) {
		t.Errorf("6M start = %s", rg.Start)
	}
	if rg := (Lookback{N: 1, Unit: 'Y'}).RangeEnding(end); !rg.Start.Equal(utc(2024, 6, 30)) {
		t.Errorf("1Y start = %s", rg.Start)
	}
}

func TestBarSizeDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1 min":   time.Minute,
		"5 mins":  5 * time.Minute,
		"30 secs": 30 * time.Second,
		"1 hour":  time.Hour,
		"2 hours": 2 * time.Hour,
		"1 day":   24 * time.Hour,
		"1 week":  7 * 24 * time.Hour,
		"1 month": 30 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := BarSizeDuration(in)
		if err != nil || got != want {
			t.Errorf("%q = %v (%v), want %v", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "day", "1 fortnight", "0 mins"} {
		if _, err := BarSizeDuration(bad); errs.KindOf(err) != errs.UnsupportedParameter {
			t.Errorf("%q: err = %v, want UnsupportedParameter", bad, err)
		}
	}
}

func TestAnnualizationFactor(t *testing.T) {
	if got := AnnualizationFactor("1 day"); got != 252 {
		t.Errorf("daily = %v", got)
	}
	if got := AnnualizationFactor("1 week"); got != 52 {
		t.Errorf("weekly = %v", got)
	}
	if got := AnnualizationFactor("1 month"); got != 12 {
		t.Errorf("monthly = %v", got)
	}
	// One-hour bars: 6.5 trading hours per session, 252 sessions.
	if got := AnnualizationFactor("1 hour"); math.Abs(got-1638) > 1e-9 {
		t.Errorf("hourly = %v, want 1638", got)
	}
}
