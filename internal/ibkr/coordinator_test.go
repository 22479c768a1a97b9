package ibkr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quant-sandbox/internal/config"
	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/series"
)

// fakeUpstream scripts FetchBars and counts calls.
type fakeUpstream struct {
	mu    sync.Mutex
	calls []BarRequest
	fetch func(req BarRequest) ([]series.Bar, error)
}

func (f *fakeUpstream) Connect(ctx context.Context) error { return nil }
func (f *fakeUpstream) Close() error                      { return nil }

func (f *fakeUpstream) FetchBars(ctx context.Context, req BarRequest) ([]series.Bar, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fetch(req)
}

func (f *fakeUpstream) SearchContracts(ctx context.Context, symbol, secType string) ([]Contract, error) {
	return []Contract{{ConID: 99, Symbol: symbol, SecType: secType}}, nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.RequestsPerSecond = 10000
	cfg.Burst = 10000
	cfg.PerContractInterval = 0
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 4 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func barsFor(req BarRequest) []series.Bar {
	var out []series.Bar
	for d := req.Range.Start; d.Before(req.Range.End); d = d.AddDate(0, 0, 1) {
		out = append(out, series.Bar{T: d, Close: 100})
	}
	return out
}

func TestCoordinator_SecondCallServedFromCache(t *testing.T) {
	up := &fakeUpstream{fetch: func(req BarRequest) ([]series.Bar, error) { return barsFor(req), nil }}
	c := NewCoordinator(fastConfig(), up)

	req := dayReq(0, 5)
	for i := 0; i < 2; i++ {
		bars, err := c.FetchBars(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if len(bars) != 5 {
			t.Fatalf("bars = %d", len(bars))
		}
	}
	if up.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", up.callCount())
	}
}

func TestCoordinator_DedupConcurrentCallers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	up := &fakeUpstream{fetch: func(req BarRequest) ([]series.Bar, error) {
		once.Do(func() { close(started) })
		<-release
		return barsFor(req), nil
	}}
	c := NewCoordinator(fastConfig(), up)

	const callers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.FetchBars(context.Background(), dayReq(0, 5))
			errCh <- err
		}()
	}
	<-started
	// Give the stragglers time to attach to the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatal(err)
		}
	}
	if up.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1 for identical keys", up.callCount())
	}
}

func TestCoordinator_RetriesTransientErrors(t *testing.T) {
	var n atomic.Int32
	up := &fakeUpstream{fetch: func(req BarRequest) ([]series.Bar, error) {
		if n.Add(1) <= 2 {
			return nil, errs.New(errs.PacingViolation, "max rate exceeded")
		}
		return barsFor(req), nil
	}}
	c := NewCoordinator(fastConfig(), up)

	bars, err := c.FetchBars(context.Background(), dayReq(0, 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 3 {
		t.Errorf("bars = %d", len(bars))
	}
	if up.callCount() != 3 {
		t.Errorf("upstream calls = %d, want 3 (two retries)", up.callCount())
	}
}

func TestCoordinator_PermanentErrorFailsImmediately(t *testing.T) {
	up := &fakeUpstream{fetch: func(req BarRequest) ([]series.Bar, error) {
		return nil, errs.New(errs.AuthRejected, "not authenticated")
	}}
	c := NewCoordinator(fastConfig(), up)

	_, err := c.FetchBars(context.Background(), dayReq(0, 3))
	if errs.KindOf(err) != errs.AuthRejected {
		t.Fatalf("kind = %s, err = %v", errs.KindOf(err), err)
	}
	if up.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1 for a permanent error", up.callCount())
	}
}

func TestCoordinator_FetchesOnlyMissingFlank(t *testing.T) {
	up := &fakeUpstream{fetch: func(req BarRequest) ([]series.Bar, error) { return barsFor(req), nil }}
	c := NewCoordinator(fastConfig(), up)

	if _, err := c.FetchBars(context.Background(), dayReq(0, 10)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchBars(context.Background(), dayReq(0, 15)); err != nil {
		t.Fatal(err)
	}
	if up.callCount() != 2 {
		t.Fatalf("upstream calls = %d", up.callCount())
	}
	second := up.calls[1]
	if !second.Range.Start.Equal(dayRange(10, 15).Start) || !second.Range.End.Equal(dayRange(10, 15).End) {
		t.Errorf("second fetch range = %+v, want the missing flank only", second.Range)
	}
}

func TestCoordinator_StaleOnFailure(t *testing.T) {
	var fail atomic.Bool
	up := &fakeUpstream{fetch: func(req BarRequest) ([]series.Bar, error) {
		if fail.Load() {
			return nil, errs.New(errs.AuthRejected, "gateway gone")
		}
		return barsFor(req), nil
	}}
	cfg := fastConfig()
	c := NewCoordinator(cfg, up)

	if _, err := c.FetchBars(context.Background(), dayReq(0, 5)); err != nil {
		t.Fatal(err)
	}
	// Expire the entry and break the upstream.
	c.cache.now = func() time.Time { return time.Now().Add(cfg.CacheTTL + time.Minute) }
	fail.Store(true)

	bars, err := c.FetchBars(context.Background(), dayReq(0, 5))
	if err != nil {
		t.Fatalf("stale-on-failure should serve, got %v", err)
	}
	if len(bars) != 5 {
		t.Errorf("stale bars = %d", len(bars))
	}
}

func TestCoordinator_InflightSlotBound(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxInflight = 2

	var cur, peak atomic.Int32
	up := &fakeUpstream{fetch: func(req BarRequest) ([]series.Bar, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return barsFor(req), nil
	}}
	c := NewCoordinator(cfg, up)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			req := dayReq(day, day+1)
			req.Contract.ConID = int64(day + 1) // distinct keys, no dedup
			if _, err := c.FetchBars(context.Background(), req); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent upstream calls = %d, want <= 2", got)
	}
}

func TestCoordinator_CancelledCallerDoesNotStrandOthers(t *testing.T) {
	release := make(chan struct{})
	up := &fakeUpstream{fetch: func(req BarRequest) ([]series.Bar, error) {
		<-release
		return barsFor(req), nil
	}}
	c := NewCoordinator(fastConfig(), up)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.FetchBars(ctx, dayReq(0, 5))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; errs.KindOf(err) != errs.Cancelled {
		t.Fatalf("cancelled caller kind = %s", errs.KindOf(err))
	}

	// The shared fetch keeps running and still populates the cache.
	close(release)
	time.Sleep(50 * time.Millisecond)
	bars, err := c.FetchBars(context.Background(), dayReq(0, 5))
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 5 || up.callCount() != 1 {
		t.Errorf("bars = %d, upstream calls = %d (want cache fill from the detached fetch)", len(bars), up.callCount())
	}
}

func TestCoordinator_ShutdownRejectsNewWork(t *testing.T) {
	up := &fakeUpstream{fetch: func(req BarRequest) ([]series.Bar, error) { return barsFor(req), nil }}
	c := NewCoordinator(fastConfig(), up)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := c.FetchBars(context.Background(), dayReq(0, 5))
	if errs.KindOf(err) != errs.Cancelled {
		t.Fatalf("post-shutdown kind = %s", errs.KindOf(err))
	}
}

func TestCoordinator_SearchContracts(t *testing.T) {
	up := &fakeUpstream{fetch: func(req BarRequest) ([]series.Bar, error) { return nil, errors.New("unused") }}
	c := NewCoordinator(fastConfig(), up)

	got, err := c.SearchContracts(context.Background(), "ES", "FUT")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ConID != 99 {
		t.Errorf("contracts = %+v", got)
	}
}
