// Package ibkr owns the single upstream gateway session: a Client
// Portal style HTTP client with websocket keepalive, a pacing/dedup
// coordinator in front of it, and an LRU bar cache.
package ibkr

import (
	"context"
	"fmt"
	"time"

	"quant-sandbox/internal/series"
)

// Contract is the resolved upstream instrument.
type Contract struct {
	ConID          int64
	Symbol         string // upstream root symbol, e.g. "ES", "AAPL", "EUR"
	LocalSymbol    string // per-contract code for futures, e.g. "ESU6"
	SecType        string // STK, CASH, IND, FUT
	Exchange       string
	Currency       string
	Multiplier     float64
	ListingDate    time.Time // futures only
	LastTradingDay time.Time // futures only
}

// Fingerprint identifies a contract for cache keying. ConID is
// authoritative when known.
func (c Contract) Fingerprint() string {
	if c.ConID != 0 {
		return fmt.Sprintf("conid:%d", c.ConID)
	}
	return fmt.Sprintf("%s:%s:%s", c.SecType, c.Symbol, c.Exchange)
}

// Range is a right-open half-interval [Start, End) on bar boundaries.
type Range struct {
	Start time.Time
	End   time.Time
}

func (r Range) Empty() bool { return !r.Start.Before(r.End) }

func (r Range) Contains(o Range) bool {
	return !r.Start.After(o.Start) && !r.End.Before(o.End)
}

// BarRequest is one upstream history fetch intent.
type BarRequest struct {
	Contract Contract
	BarSize  string // "1 day", "1 hour", "5 mins", ...
	RTH      bool
	What     string // TRADES or MIDPOINT (FX has no trade prints)
	Range    Range
}

// seriesKey identifies the bar series independent of range; cache
// entries for the same series merge across requests.
func (r BarRequest) seriesKey() string {
	return fmt.Sprintf("%s|%s|rth=%t|%s", r.Contract.Fingerprint(), r.BarSize, r.RTH, r.What)
}

// Key is the full dedup/cache key including the normalized range.
func (r BarRequest) Key() string {
	return fmt.Sprintf("%s|%d|%d", r.seriesKey(), r.Range.Start.Unix(), r.Range.End.Unix())
}

// WithRange returns a copy of the request narrowed to a sub-range.
func (r BarRequest) WithRange(rg Range) BarRequest {
	r.Range = rg
	return r
}

// Upstream is the raw gateway surface the coordinator multiplexes.
// Session implements it; tests substitute fakes.
type Upstream interface {
	Connect(ctx context.Context) error
	Close() error
	FetchBars(ctx context.Context, req BarRequest) ([]series.Bar, error)
	SearchContracts(ctx context.Context, symbol, secType string) ([]Contract, error)
}
