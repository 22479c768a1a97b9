package ibkr

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"quant-sandbox/internal/series"
	"quant-sandbox/internal/telemetry"
)

// BarCache holds one merged entry per bar series (contract, bar size,
// RTH flag), each covering a known contiguous range. Eviction is LRU by
// total bar count; entries past TTL are refreshed on access but remain
// usable when the upstream is down.
type BarCache struct {
	mu      sync.Mutex
	maxBars int
	ttl     time.Duration
	entries map[string]*cacheEntry
	lru     *list.List // front = most recent; values are series keys
	total   int

	now func() time.Time // test hook
}

type cacheEntry struct {
	covered Range
	bars    []series.Bar // sorted, unique timestamps; sparse inside covered
	fetched time.Time
	elem    *list.Element
}

func NewBarCache(maxBars int, ttl time.Duration) *BarCache {
	return &BarCache{
		maxBars: maxBars,
		ttl:     ttl,
		entries: map[string]*cacheEntry{},
		lru:     list.New(),
		now:     time.Now,
	}
}

// Get returns the cached bars for the request's range when a fresh
// entry covers it entirely.
func (c *BarCache) Get(req BarRequest) ([]series.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[req.seriesKey()]
	if !ok || !e.covered.Contains(req.Range) || c.expired(e) {
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	return sliceBars(e.bars, req.Range), true
}

// GetStale is Get without the TTL check, for stale-on-failure reads.
func (c *BarCache) GetStale(req BarRequest) ([]series.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[req.seriesKey()]
	if !ok || !e.covered.Contains(req.Range) {
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	return sliceBars(e.bars, req.Range), true
}

// Missing reports the sub-ranges of the request not covered by a fresh
// entry: the whole range on a miss or an expired entry, otherwise the
// flanks the merged entry does not reach.
func (c *BarCache) Missing(req BarRequest) []Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[req.seriesKey()]
	if !ok || c.expired(e) {
		return []Range{req.Range}
	}
	// Disjoint coverage cannot be spliced; refetch everything.
	if e.covered.End.Before(req.Range.Start) || e.covered.Start.After(req.Range.End) {
		return []Range{req.Range}
	}
	var out []Range
	if req.Range.Start.Before(e.covered.Start) {
		out = append(out, Range{Start: req.Range.Start, End: e.covered.Start})
	}
	if req.Range.End.After(e.covered.End) {
		out = append(out, Range{Start: e.covered.End, End: req.Range.End})
	}
	return out
}

// Put merges freshly fetched bars into the series' entry. Touching or
// overlapping coverage splices; a disjoint fetch replaces the entry
// (seam continuity cannot be guaranteed across the hole).
func (c *BarCache) Put(req BarRequest, bars []series.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := req.seriesKey()
	e, ok := c.entries[key]
	if ok {
		c.total -= len(e.bars)
	}
	if !ok || disjoint(e.covered, req.Range) {
		if ok {
			c.lru.Remove(e.elem)
		}
		e = &cacheEntry{covered: req.Range, bars: append([]series.Bar(nil), bars...)}
		e.elem = c.lru.PushFront(key)
		c.entries[key] = e
	} else {
		e.bars = mergeBars(e.bars, bars)
		if req.Range.Start.Before(e.covered.Start) {
			e.covered.Start = req.Range.Start
		}
		if req.Range.End.After(e.covered.End) {
			e.covered.End = req.Range.End
		}
		c.lru.MoveToFront(e.elem)
	}
	e.fetched = c.now()
	c.total += len(e.bars)
	c.evict()
	telemetry.CachedBars.Set(float64(c.total))
}

// Bars reports the total cached bar count.
func (c *BarCache) Bars() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *BarCache) expired(e *cacheEntry) bool {
	return c.ttl > 0 && c.now().Sub(e.fetched) > c.ttl
}

func (c *BarCache) evict() {
	for c.total > c.maxBars && c.lru.Len() > 1 {
		back := c.lru.Back()
		key := back.Value.(string)
		c.total -= len(c.entries[key].bars)
		delete(c.entries, key)
		c.lru.Remove(back)
	}
}

func disjoint(a, b Range) bool {
	return a.End.Before(b.Start) || b.End.Before(a.Start)
}

// mergeBars unions two sorted bar slices by timestamp; fresh wins.
func mergeBars(old, fresh []series.Bar) []series.Bar {
	byT := make(map[int64]series.Bar, len(old)+len(fresh))
	for _, b := range old {
		byT[b.T.UnixNano()] = b
	}
	for _, b := range fresh {
		byT[b.T.UnixNano()] = b
	}
	out := make([]series.Bar, 0, len(byT))
	for _, b := range byT {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].T.Before(out[j].T) })
	return out
}

func sliceBars(bars []series.Bar, rg Range) []series.Bar {
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].T.Before(rg.Start) })
	hi := sort.Search(len(bars), func(i int) bool { return !bars[i].T.Before(rg.End) })
	return append([]series.Bar(nil), bars[lo:hi]...)
}
