package engine

import (
	"fmt"
	"sync"
	"time"

	"quant-sandbox/internal/series"
)

// exchange session in local wall-clock minutes from midnight, half-open.
type session struct {
	tz    string
	open  int
	close int
}

// Regular cash sessions for the venues the resolver emits. The gateway
// already honors the RTH flag; this table guards the alignment step when
// an upstream returns extended-hours prints anyway.
var rthSessions = map[string]session{
	"SMART":  {"America/New_York", 9*60 + 30, 16 * 60},
	"NYSE":   {"America/New_York", 9*60 + 30, 16 * 60},
	"NASDAQ": {"America/New_York", 9*60 + 30, 16 * 60},
	"ARCA":   {"America/New_York", 9*60 + 30, 16 * 60},
	"AMEX":   {"America/New_York", 9*60 + 30, 16 * 60},
	"TSE":    {"America/Toronto", 9*60 + 30, 16 * 60},
	"SEHK":   {"Asia/Hong_Kong", 9*60 + 30, 16 * 60},
	"TSEJ":   {"Asia/Tokyo", 9 * 60, 15 * 60},
	"SGX":    {"Asia/Singapore", 9 * 60, 17 * 60},
	"ASX":    {"Australia/Sydney", 10 * 60, 16 * 60},
	"NSE":    {"Asia/Kolkata", 9*60 + 15, 15*60 + 30},
	"LSE":    {"Europe/London", 8 * 60, 16*60 + 30},
	"LSEETF": {"Europe/London", 8 * 60, 16*60 + 30},
	"IBIS":   {"Europe/Berlin", 9 * 60, 17*60 + 30},
	"FWB":    {"Europe/Berlin", 9 * 60, 17*60 + 30},
	"SBF":    {"Europe/Paris", 9 * 60, 17*60 + 30},
	"EBS":    {"Europe/Zurich", 9 * 60, 17*60 + 30},
	"AEB":    {"Europe/Amsterdam", 9 * 60, 17*60 + 30},
	"BVME":   {"Europe/Rome", 9 * 60, 17*60 + 30},
	"BM":     {"Europe/Madrid", 9 * 60, 17*60 + 30},
}

var (
	tzMu    sync.Mutex
	tzCache = map[string]*time.Location{}
)

func loadTZ(name string) (*time.Location, error) {
	tzMu.Lock()
	defer tzMu.Unlock()
	if loc, ok := tzCache[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	tzCache[name] = loc
	return loc, nil
}

// filterRTH drops intraday bars outside the exchange's regular session.
// Daily and coarser bars pass through untouched. An exchange without a
// session entry passes through with a warning instead of guessing.
func filterRTH(bars []series.Bar, exchange, barSize string) ([]series.Bar, string) {
	if d, err := BarSizeDuration(barSize); err != nil || d >= 24*time.Hour {
		return bars, ""
	}
	sess, ok := rthSessions[exchange]
	if !ok {
		return bars, fmt.Sprintf("no session hours for %s; returning all hours", exchange)
	}
	loc, err := loadTZ(sess.tz)
	if err != nil {
		return bars, fmt.Sprintf("unknown timezone %s for %s; returning all hours", sess.tz, exchange)
	}
	out := bars[:0:0]
	for _, b := range bars {
		local := b.T.In(loc)
		m := local.Hour()*60 + local.Minute()
		if m >= sess.open && m < sess.close {
			out = append(out, b)
		}
	}
	return out, ""
}
