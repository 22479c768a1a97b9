package engine

import (
	"strconv"
	"strings"
	"time"

	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/ibkr"
)

// Lookback is a parsed duration token like "1 Y" or "30d". The D unit
// counts trading days (weekends excluded); W, M and Y are calendar units.
type Lookback struct {
	N    int
	Unit byte // 'D', 'W', 'M', 'Y'
}

// ParseLookback accepts both the spaced form ("5 D") and the compact
// form ("5d"), case-insensitive.
func ParseLookback(s string) (Lookback, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	t = strings.ReplaceAll(t, " ", "")
	if len(t) < 2 {
		return Lookback{}, errs.New(errs.UnsupportedParameter, "bad duration %q", s)
	}
	unit := t[len(t)-1]
	n, err := strconv.Atoi(t[:len(t)-1])
	if err != nil || n < 1 {
		return Lookback{}, errs.New(errs.UnsupportedParameter, "bad duration %q", s)
	}
	switch unit {
	case 'D', 'W', 'M', 'Y':
		return Lookback{N: n, Unit: unit}, nil
	}
	return Lookback{}, errs.New(errs.UnsupportedParameter, "bad duration unit %q in %q", string(unit), s)
}

// RangeEnding converts the lookback into a half-open bar range ending
// at end.
func (l Lookback) RangeEnding(end time.Time) ibkr.Range {
	end = end.UTC()
	var start time.Time
	switch l.Unit {
	case 'D':
		start = end
		for n := l.N; n > 0; {
			start = start.AddDate(0, 0, -1)
			if wd := start.Weekday(); wd != time.Saturday && wd != time.Sunday {
				n--
			}
		}
	case 'W':
		start = end.AddDate(0, 0, -7*l.N)
	case 'M':
		start = end.AddDate(0, -l.N, 0)
	case 'Y':
		start = end.AddDate(-l.N, 0, 0)
	}
	return ibkr.Range{Start: start, End: end}
}

// BarSizeDuration returns the nominal duration of one bar for the
// upstream bar-size strings ("1 min", "5 mins", "1 hour", "1 day", ...).
func BarSizeDuration(barSize string) (time.Duration, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(barSize)))
	if len(fields) != 2 {
		return 0, errs.New(errs.UnsupportedParameter, "bad bar size %q", barSize)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 1 {
		return 0, errs.New(errs.UnsupportedParameter, "bad bar size %q", barSize)
	}
	var unit time.Duration
	switch strings.TrimSuffix(fields[1], "s") {
	case "sec":
		unit = time.Second
	case "min":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	case "week":
		unit = 7 * 24 * time.Hour
	case "month":
		unit = 30 * 24 * time.Hour
	default:
		return 0, errs.New(errs.UnsupportedParameter, "bad bar size %q", barSize)
	}
	return time.Duration(n) * unit, nil
}

// tradingSecondsPerDay is the US cash-session length used to scale
// intraday annualization.
const tradingSecondsPerDay = 23400

// AnnualizationFactor infers the per-year sample count from the bar
// size: 252 for daily bars, 52 weekly, 12 monthly, and the number of
// bar intervals in 252 trading sessions for intraday sizes.
func AnnualizationFactor(barSize string) float64 {
	d, err := BarSizeDuration(barSize)
	if err != nil {
		return 252
	}
	switch {
	case d >= 28*24*time.Hour:
		return 12
	case d >= 7*24*time.Hour:
		return 52
	case d >= 24*time.Hour:
		return 252
	}
	return 252 * tradingSecondsPerDay / d.Seconds()
}
