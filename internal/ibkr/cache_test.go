package ibkr

import (
	"testing"
	"time"

	"quant-sandbox/internal/series"
)

var cacheEpoch = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func dayRange(from, to int) Range {
	return Range{Start: cacheEpoch.AddDate(0, 0, from), End: cacheEpoch.AddDate(0, 0, to)}
}

func dayBars(from, to int) []series.Bar {
	var out []series.Bar
	for d := from; d < to; d++ {
		out = append(out, series.Bar{T: cacheEpoch.AddDate(0, 0, d), Close: float64(100 + d)})
	}
	return out
}

func dayReq(from, to int) BarRequest {
	return BarRequest{
		Contract: Contract{ConID: 1, Symbol: "SPY", SecType: "STK"},
		BarSize:  "1 day",
		RTH:      true,
		What:     "TRADES",
		Range:    dayRange(from, to),
	}
}

func TestCache_SupersetSlice(t *testing.T) {
	c := NewBarCache(1000, time.Hour)
	c.Put(dayReq(0, 10), dayBars(0, 10))

	got, ok := c.Get(dayReq(3, 6))
	if !ok {
		t.Fatal("covered sub-range should hit")
	}
	if len(got) != 3 || got[0].Close != 103 || got[2].Close != 105 {
		t.Errorf("slice = %+v", got)
	}
}

func TestCache_MissingFlanks(t *testing.T) {
	c := NewBarCache(1000, time.Hour)
	c.Put(dayReq(5, 10), dayBars(5, 10))

	missing := c.Missing(dayReq(2, 12))
	if len(missing) != 2 {
		t.Fatalf("missing = %+v", missing)
	}
	if !missing[0].Start.Equal(dayRange(2, 5).Start) || !missing[0].End.Equal(dayRange(2, 5).End) {
		t.Errorf("left flank = %+v", missing[0])
	}
	if !missing[1].Start.Equal(dayRange(10, 12).Start) || !missing[1].End.Equal(dayRange(10, 12).End) {
		t.Errorf("right flank = %+v", missing[1])
	}
}

func TestCache_SpliceAdjacent(t *testing.T) {
	c := NewBarCache(1000, time.Hour)
	c.Put(dayReq(0, 5), dayBars(0, 5))
	c.Put(dayReq(5, 10), dayBars(5, 10))

	got, ok := c.Get(dayReq(0, 10))
	if !ok {
		t.Fatal("spliced coverage should serve the full range")
	}
	if len(got) != 10 {
		t.Fatalf("bars = %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].T.Before(got[i].T) {
			t.Fatal("bars out of order after splice")
		}
	}
}

func TestCache_DisjointReplaces(t *testing.T) {
	c := NewBarCache(1000, time.Hour)
	c.Put(dayReq(0, 3), dayBars(0, 3))
	// A hole between day 3 and day 8 cannot be spliced over.
	c.Put(dayReq(8, 10), dayBars(8, 10))

	if _, ok := c.Get(dayReq(0, 3)); ok {
		t.Error("old disjoint coverage should be dropped")
	}
	if _, ok := c.Get(dayReq(8, 10)); !ok {
		t.Error("new coverage should serve")
	}
}

func TestCache_TTL(t *testing.T) {
	c := NewBarCache(1000, time.Minute)
	now := cacheEpoch
	c.now = func() time.Time { return now }

	c.Put(dayReq(0, 5), dayBars(0, 5))
	if _, ok := c.Get(dayReq(0, 5)); !ok {
		t.Fatal("fresh entry should hit")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(dayReq(0, 5)); ok {
		t.Error("expired entry must not serve a fresh read")
	}
	if missing := c.Missing(dayReq(0, 5)); len(missing) != 1 {
		t.Errorf("expired entry should refetch whole range, got %+v", missing)
	}
	if _, ok := c.GetStale(dayReq(0, 5)); !ok {
		t.Error("expired entry must still serve stale reads")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c := NewBarCache(25, time.Hour)

	mk := func(conid int64) BarRequest {
		r := dayReq(0, 10)
		r.Contract.ConID = conid
		return r
	}
	c.Put(mk(1), dayBars(0, 10))
	c.Put(mk(2), dayBars(0, 10))
	// Touch series 1 so series 2 is the eviction candidate.
	if _, ok := c.Get(mk(1)); !ok {
		t.Fatal("series 1 should hit")
	}
	c.Put(mk(3), dayBars(0, 10))

	if _, ok := c.Get(mk(2)); ok {
		t.Error("least recently used series should be evicted")
	}
	if _, ok := c.Get(mk(1)); !ok {
		t.Error("recently used series should survive")
	}
	if c.Bars() > 25 {
		t.Errorf("cache over budget: %d bars", c.Bars())
	}
}
