package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quant-sandbox/internal/config"
	"quant-sandbox/internal/db"
	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/ibkr"
	"quant-sandbox/internal/logger"
	"quant-sandbox/internal/symbols"
)

// Searcher is the contract-enumeration surface of the coordinator.
type Searcher interface {
	SearchContracts(ctx context.Context, symbol, secType string) ([]ibkr.Contract, error)
}

// CalendarStore persists per-root expiry calendars and discovered
// futures products so chains survive restarts and gateway outages.
type CalendarStore interface {
	LoadChain(root string) ([]ibkr.Contract, time.Time, error)
	SaveChain(root string, contracts []ibkr.Contract, refreshedAt time.Time) error
	LoadProduct(root string) (db.Product, bool, error)
	SaveProduct(p db.Product) error
}

// Entry is one contract segment with its validity interval. For
// non-futures symbols the chain is a single entry covering the range.
type Entry struct {
	Contract ibkr.Contract
	Validity ibkr.Range
}

// Chain is ordered by validity start; validity intervals partition the
// requested range when an adequate chain is known.
type Chain []Entry

type calendarEntry struct {
	contracts []ibkr.Contract
	refreshed time.Time
}

// Resolver materializes parsed symbols into contract chains.
type Resolver struct {
	cfg    *config.Config
	search Searcher
	store  CalendarStore

	group singleflight.Group
	mu    sync.Mutex
	mem   map[string]calendarEntry

	now func() time.Time // test hook
}

func New(cfg *config.Config, search Searcher, store CalendarStore) *Resolver {
	return &Resolver{
		cfg:    cfg,
		search: search,
		store:  store,
		mem:    map[string]calendarEntry{},
		now:    time.Now,
	}
}

// Resolve turns a symbol into its contract chain over the range.
func (r *Resolver) Resolve(ctx context.Context, sym symbols.Symbol, rg ibkr.Range) (Chain, error) {
	if rg.Empty() {
		return nil, errs.New(errs.EmptyRange, "empty range for %s", sym)
	}
	switch sym.Kind {
	case symbols.KindEquity:
		return r.resolveEquity(ctx, sym, rg)
	case symbols.KindFX:
		return r.resolveFX(ctx, sym, rg)
	case symbols.KindCashIndex:
		return r.resolveCashIndex(ctx, sym, rg)
	case symbols.KindContinuous, symbols.KindPositional, symbols.KindContract:
		return r.resolveFutures(ctx, sym, rg)
	}
	return nil, errs.New(errs.Invariant, "unresolvable symbol kind %s", sym.Kind)
}

func (r *Resolver) resolveEquity(ctx context.Context, sym symbols.Symbol, rg ibkr.Range) (Chain, error) {
	c := ibkr.Contract{SecType: "STK", Exchange: "SMART", Currency: "USD"}

	if sym.Venue != "" {
		// EQ:SAP@IBIS routes directly to the named venue.
		c.Symbol = sym.Ticker
		c.Exchange = sym.Venue
	} else {
		region := sym.Region
		if region == "" {
			region = "US"
		}
		info, ok := regionMap[region]
		if !ok {
			info = regionInfo{Currency: "USD"}
		}
		c.Symbol = padNumeric(sym.Ticker, region)
		c.Currency = info.Currency
		if region == "HK" {
			c.Exchange = "SEHK" // SMART-routing HK listings is unreliable upstream
		} else if info.Primary != "" {
			c.Exchange = info.Primary
		}
	}

	resolved, err := r.fillConID(ctx, c, "STK")
	if err != nil {
		return nil, err
	}
	return Chain{{Contract: resolved, Validity: rg}}, nil
}

func (r *Resolver) resolveFX(ctx context.Context, sym symbols.Symbol, rg ibkr.Range) (Chain, error) {
	c := ibkr.Contract{
		SecType:  "CASH",
		Symbol:   sym.Ticker,
		Exchange: "IDEALPRO",
		Currency: sym.Ticker[3:], // quote side of the pair
	}
	resolved, err := r.fillConID(ctx, c, "CASH")
	if err != nil {
		return nil, err
	}
	return Chain{{Contract: resolved, Validity: rg}}, nil
}

func (r *Resolver) resolveCashIndex(ctx context.Context, sym symbols.Symbol, rg ibkr.Range) (Chain, error) {
	info, known := lookupIndex(sym.Ticker)
	c := ibkr.Contract{SecType: "IND"}
	switch {
	case sym.Venue != "":
		c.Symbol = sym.Ticker
		if alias, ok := indexAliases[strings.ToUpper(sym.Ticker)]; ok {
			c.Symbol = alias
		}
		c.Exchange = sym.Venue
		c.Currency = "USD"
		if known {
			c.Currency = info.Currency
			c.ConID = info.ConID
		}
	case known:
		c.Symbol = info.Symbol
		c.Exchange = info.Exchange
		c.Currency = info.Currency
		c.ConID = info.ConID
	default:
		return nil, errs.New(errs.UnknownRoot,
			"unknown index %q; name the venue explicitly (IX:%s@EUREX) or use the futures (IX:%s1, IX:%s.A)",
			sym.Ticker, sym.Ticker, sym.Ticker, sym.Ticker)
	}

	resolved, err := r.fillConID(ctx, c, "IND")
	if err != nil {
		return nil, err
	}
	return Chain{{Contract: resolved, Validity: rg}}, nil
}

// fillConID resolves the upstream conid via symbol search when the
// registry does not pin one.
func (r *Resolver) fillConID(ctx context.Context, c ibkr.Contract, secType string) (ibkr.Contract, error) {
	if c.ConID != 0 {
		return c, nil
	}
	found, err := r.search.SearchContracts(ctx, c.Symbol, secType)
	if err != nil {
		return ibkr.Contract{}, err
	}
	if len(found) == 0 {
		return ibkr.Contract{}, errs.New(errs.UnknownRoot, "no %s contract for %q", secType, c.Symbol)
	}
	pick := found[0]
	for _, f := range found {
		if f.Exchange != "" && f.Exchange == c.Exchange {
			pick = f
			break
		}
	}
	c.ConID = pick.ConID
	if c.Exchange == "" {
		c.Exchange = pick.Exchange
	}
	return c, nil
}

func (r *Resolver) resolveFutures(ctx context.Context, sym symbols.Symbol, rg ibkr.Range) (Chain, error) {
	root := strings.ToUpper(sym.Ticker)
	chain, err := r.calendar(ctx, root)
	if err != nil {
		return nil, err
	}

	if sym.Kind == symbols.KindContract {
		return explicitContract(sym, chain, rg)
	}

	offset := r.cfg.RollOffset(root)
	rolls := rollDates(chain, offset)

	position := 1
	if sym.Kind == symbols.KindPositional {
		position = sym.Position
	}

	var out Chain
	windowStart := time.Time{} // front window of chain[0] opens unbounded
	for i := range chain {
		window := ibkr.Range{Start: windowStart, End: rolls[i]}
		windowStart = rolls[i]

		active := i + position - 1
		if active >= len(chain) {
			continue
		}
		v := intersect(window, rg)
		if v.Empty() {
			continue
		}
		out = append(out, Entry{Contract: chain[active], Validity: v})
	}
	if len(out) == 0 {
		return nil, errs.New(errs.NoChainForRange,
			"no %s chain for %s covers %s..%s", root, sym,
			rg.Start.Format("2006-01-02"), rg.End.Format("2006-01-02"))
	}
	return out, nil
}

// explicitContract picks the single contract matching the month/year
// code; its validity is the contract's trading life clipped to the range.
func explicitContract(sym symbols.Symbol, chain []ibkr.Contract, rg ibkr.Range) (Chain, error) {
	month := symbols.MonthCodes[sym.Month]
	for _, c := range chain {
		if c.LastTradingDay.Year() != sym.Year || int(c.LastTradingDay.Month()) != month {
			continue
		}
		v := rg
		if !c.ListingDate.IsZero() && c.ListingDate.After(v.Start) {
			v.Start = c.ListingDate
		}
		if life := c.LastTradingDay.AddDate(0, 0, 1); life.Before(v.End) {
			v.End = life
		}
		if v.Empty() {
			return nil, errs.New(errs.NoChainForRange, "%s was not trading in the requested range", sym)
		}
		return Chain{{Contract: c, Validity: v}}, nil
	}
	return nil, errs.New(errs.NoChainForRange, "no %s%c%02d contract in the %s calendar",
		sym.Ticker, sym.Month, sym.Year%100, sym.Ticker)
}

// rollDates computes each contract's roll date: offset trading days
// before its last trading day, forced strictly increasing.
func rollDates(chain []ibkr.Contract, offset int) []time.Time {
	rolls := make([]time.Time, len(chain))
	for i, c := range chain {
		rolls[i] = businessDaysBefore(c.LastTradingDay, offset)
		if i > 0 && !rolls[i].After(rolls[i-1]) {
			rolls[i] = rolls[i-1].AddDate(0, 0, 1)
		}
	}
	return rolls
}

// businessDaysBefore steps back n weekdays from t.
func businessDaysBefore(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, -1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return t
}

func intersect(a, b ibkr.Range) ibkr.Range {
	out := a
	if out.Start.Before(b.Start) {
		out.Start = b.Start
	}
	if out.End.After(b.End) || out.End.IsZero() {
		out.End = b.End
	}
	if out.Start.IsZero() {
		out.Start = b.Start
	}
	return out
}

// calendar returns the root's contract chain ordered by last trading
// day, refreshing from the upstream past the TTL. A refresh failure
// falls back to whatever stale calendar is at hand.
func (r *Resolver) calendar(ctx context.Context, root string) ([]ibkr.Contract, error) {
	r.mu.Lock()
	ce, ok := r.mem[root]
	r.mu.Unlock()
	if ok && r.now().Sub(ce.refreshed) <= r.cfg.CalendarTTL {
		return ce.contracts, nil
	}

	v, err, _ := r.group.Do(root, func() (any, error) {
		return r.refreshCalendar(ctx, root)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ibkr.Contract), nil
}

func (r *Resolver) refreshCalendar(ctx context.Context, root string) ([]ibkr.Contract, error) {
	// Another waiter may have refreshed while we queued on the group.
	r.mu.Lock()
	if ce, ok := r.mem[root]; ok && r.now().Sub(ce.refreshed) <= r.cfg.CalendarTTL {
		r.mu.Unlock()
		return ce.contracts, nil
	}
	r.mu.Unlock()

	if r.store != nil {
		if cs, at, err := r.store.LoadChain(root); err == nil && len(cs) > 0 && r.now().Sub(at) <= r.cfg.CalendarTTL {
			r.remember(root, cs, at)
			return cs, nil
		}
	}

	product, known := lookupFuturesProduct(root)
	if !known && r.store != nil {
		// Roots outside the registry may have been discovered on an
		// earlier run.
		if p, ok, perr := r.store.LoadProduct(root); perr == nil && ok {
			product = futuresProduct{
				Symbol:       p.Symbol,
				TradingClass: p.TradingClass,
				Exchange:     p.Exchange,
				Currency:     p.Currency,
				Multiplier:   p.Multiplier,
			}
			known = true
		}
	}
	upstreamSymbol := root
	if known {
		upstreamSymbol = product.Symbol
	}
	cs, err := r.search.SearchContracts(ctx, upstreamSymbol, "FUT")
	if err != nil {
		if stale := r.staleCalendar(root); stale != nil {
			logger.Warn("RESOLVE", fmt.Sprintf("using stale %s calendar after refresh failure: %v", root, err))
			return stale, nil
		}
		return nil, err
	}

	for i := range cs {
		if known {
			if cs[i].Currency == "" {
				cs[i].Currency = product.Currency
			}
			if cs[i].Exchange == "" {
				cs[i].Exchange = product.Exchange
			}
			if cs[i].Multiplier == 0 {
				cs[i].Multiplier = product.Multiplier
			}
		}
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].LastTradingDay.Before(cs[j].LastTradingDay) })

	now := r.now()
	r.remember(root, cs, now)
	if r.store != nil {
		if err := r.store.SaveChain(root, cs, now); err != nil {
			logger.Warn("RESOLVE", fmt.Sprintf("persisting %s calendar failed: %v", root, err))
		}
		if !known && len(cs) > 0 {
			p := db.Product{
				Root:       root,
				Symbol:     cs[0].Symbol,
				Exchange:   cs[0].Exchange,
				Currency:   cs[0].Currency,
				Multiplier: cs[0].Multiplier,
			}
			if p.Symbol == "" {
				p.Symbol = root
			}
			if err := r.store.SaveProduct(p); err != nil {
				logger.Warn("RESOLVE", fmt.Sprintf("persisting discovered product %s failed: %v", root, err))
			} else {
				logger.Success("RESOLVE", fmt.Sprintf("discovered futures root %s on %s", root, p.Exchange))
			}
		}
	}
	return cs, nil
}

func (r *Resolver) remember(root string, cs []ibkr.Contract, at time.Time) {
	r.mu.Lock()
	r.mem[root] = calendarEntry{contracts: cs, refreshed: at}
	r.mu.Unlock()
}

func (r *Resolver) staleCalendar(root string) []ibkr.Contract {
	r.mu.Lock()
	ce, ok := r.mem[root]
	r.mu.Unlock()
	if ok {
		return ce.contracts
	}
	if r.store != nil {
		if cs, _, err := r.store.LoadChain(root); err == nil && len(cs) > 0 {
			return cs
		}
	}
	return nil
}
