package ibkr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"quant-sandbox/internal/config"
	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/logger"
	"quant-sandbox/internal/series"
	"quant-sandbox/internal/telemetry"
)

// Coordinator multiplexes concurrent request intents onto the single
// upstream session: bounded intake queue, fixed in-flight slots, token
// bucket plus per-contract spacing, in-flight dedup, bounded retries
// and a circuit breaker. All bar traffic goes through the cache.
type Coordinator struct {
	cfg      *config.Config
	upstream Upstream
	cache    *BarCache

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group

	queue chan struct{} // intake bound; waiting here is "queued"
	slots chan struct{} // in-flight bound

	pcMu sync.Mutex
	next map[string]time.Time // per-contract earliest next hit

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewCoordinator wires a coordinator over an upstream. Start must be
// called before the first fetch.
func NewCoordinator(cfg *config.Config, upstream Upstream) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		upstream: upstream,
		cache:    NewBarCache(cfg.CacheMaxBars, cfg.CacheTTL),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "gateway",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				logger.Warn("SESSION", fmt.Sprintf("breaker %s -> %s", from, to))
			},
		}),
		queue:   make(chan struct{}, cfg.QueueSize),
		slots:   make(chan struct{}, cfg.MaxInflight),
		next:    map[string]time.Time{},
		stopped: make(chan struct{}),
	}
}

// Start connects the upstream session.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.upstream.Connect(ctx)
}

// Shutdown stops accepting work, drains in-flight requests until ctx
// expires, and closes the session.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopped) })
	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warn("SESSION", "shutdown deadline hit with requests still in flight")
	}
	return c.upstream.Close()
}

// Cache exposes the bar cache for stats and tests.
func (c *Coordinator) Cache() *BarCache { return c.cache }

// FetchBars returns the bars for the request's range, serving from
// cache where possible and fetching only missing sub-ranges. A stale
// cache entry is still served when the upstream is down.
func (c *Coordinator) FetchBars(ctx context.Context, req BarRequest) ([]series.Bar, error) {
	if req.Range.Empty() {
		return nil, errs.New(errs.EmptyRange, "empty range for %s", req.Contract.Symbol)
	}
	if bars, ok := c.cache.Get(req); ok {
		telemetry.CacheHits.Inc()
		return bars, nil
	}
	telemetry.CacheMisses.Inc()

	missing := c.cache.Missing(req)
	g, gctx := errgroup.WithContext(ctx)
	for _, mr := range missing {
		sub := req.WithRange(mr)
		g.Go(func() error {
			_, err := c.fetchShared(gctx, sub)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if bars, ok := c.cache.GetStale(req); ok {
			logger.Warn("CACHE", fmt.Sprintf("serving stale bars for %s after upstream failure: %v", req.Contract.Symbol, err))
			return bars, nil
		}
		return nil, err
	}

	if bars, ok := c.cache.Get(req); ok {
		return bars, nil
	}
	// The fetch landed but expired between Put and Get only under a
	// pathological TTL; fall back to the stale read.
	if bars, ok := c.cache.GetStale(req); ok {
		return bars, nil
	}
	return nil, errs.New(errs.Invariant, "fetched range missing from cache for %s", req.Contract.Symbol)
}

// SearchContracts enumerates upstream contracts for a root, deduped and
// paced like any other gateway call.
func (c *Coordinator) SearchContracts(ctx context.Context, symbol, secType string) ([]Contract, error) {
	key := fmt.Sprintf("secdef|%s|%s", secType, symbol)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.withSlot(func(runCtx context.Context) (any, error) {
			return c.attempt(runCtx, symbol, func(atCtx context.Context) (any, error) {
				return c.upstream.SearchContracts(atCtx, symbol, secType)
			})
		})
	})
	v, err := c.await(ctx, ch)
	if err != nil {
		return nil, err
	}
	return v.([]Contract), nil
}

// fetchShared funnels identical cache keys onto one upstream call. The
// shared call runs detached from any single caller so a cancellation
// does not strand the other waiters, and its result populates the
// cache regardless.
func (c *Coordinator) fetchShared(ctx context.Context, req BarRequest) ([]series.Bar, error) {
	ch := c.group.DoChan(req.Key(), func() (any, error) {
		start := time.Now()
		v, err := c.withSlot(func(runCtx context.Context) (any, error) {
			return c.attempt(runCtx, req.Contract.Fingerprint(), func(atCtx context.Context) (any, error) {
				return c.upstream.FetchBars(atCtx, req)
			})
		})
		if err != nil {
			return nil, err
		}
		bars := v.([]series.Bar)
		c.cache.Put(req, bars)
		logger.Timing("COORD", fmt.Sprintf("bars %s %s", req.Contract.Fingerprint(), req.BarSize), time.Since(start))
		return bars, nil
	})
	v, err := c.await(ctx, ch)
	if err != nil {
		return nil, err
	}
	return v.([]series.Bar), nil
}

// await waits for a shared result, honoring the caller's deadline
// without cancelling the shared work.
func (c *Coordinator) await(ctx context.Context, ch <-chan singleflight.Result) (any, error) {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.Timeout, ctx.Err(), "deadline before upstream reply")
		}
		return nil, errs.Wrap(errs.Cancelled, ctx.Err(), "caller went away")
	case res := <-ch:
		return res.Val, res.Err
	}
}

// withSlot runs fn while holding queue and in-flight capacity. The run
// context budgets the whole retry sequence, not one attempt.
func (c *Coordinator) withSlot(fn func(context.Context) (any, error)) (any, error) {
	select {
	case <-c.stopped:
		return nil, errs.New(errs.Cancelled, "coordinator is shutting down")
	default:
	}
	c.wg.Add(1)
	defer c.wg.Done()

	budget := c.cfg.RequestTimeout * time.Duration(c.cfg.MaxRetries+2)
	runCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	// Intake queue: dwell here counts against the budget.
	select {
	case c.queue <- struct{}{}:
	case <-c.stopped:
		return nil, errs.New(errs.Cancelled, "coordinator is shutting down")
	case <-runCtx.Done():
		return nil, errs.New(errs.Timeout, "request expired in queue")
	}
	defer func() { <-c.queue }()

	select {
	case c.slots <- struct{}{}:
	case <-c.stopped:
		return nil, errs.New(errs.Cancelled, "coordinator is shutting down")
	case <-runCtx.Done():
		return nil, errs.New(errs.Timeout, "request expired waiting for an upstream slot")
	}
	defer func() { <-c.slots }()

	telemetry.UpstreamInflight.Inc()
	defer telemetry.UpstreamInflight.Dec()
	return fn(runCtx)
}

// attempt runs one upstream call with pacing, the circuit breaker, and
// bounded exponential-backoff retries on transient errors.
func (c *Coordinator) attempt(runCtx context.Context, fingerprint string, call func(context.Context) (any, error)) (any, error) {
	var lastErr error
	for try := 0; ; try++ {
		if err := c.limiter.Wait(runCtx); err != nil {
			return nil, errs.Wrap(errs.Timeout, err, "rate limiter wait")
		}
		if err := c.spaceContract(runCtx, fingerprint); err != nil {
			return nil, err
		}

		atCtx, cancel := context.WithTimeout(runCtx, c.cfg.RequestTimeout)
		v, err := c.breaker.Execute(func() (any, error) { return call(atCtx) })
		cancel()
		if err == nil {
			telemetry.UpstreamRequests.WithLabelValues("ok").Inc()
			return v, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = errs.Wrap(errs.UpstreamUnavailable, err, "breaker open")
		}
		lastErr = err
		if !errs.Retryable(err) || try >= c.cfg.MaxRetries {
			telemetry.UpstreamRequests.WithLabelValues("error").Inc()
			return nil, lastErr
		}
		telemetry.UpstreamRequests.WithLabelValues("retry").Inc()
		delay := c.backoff(try)
		logger.Debug("SESSION", fmt.Sprintf("retrying %s in %s after %v", fingerprint, delay, err))
		select {
		case <-time.After(delay):
		case <-runCtx.Done():
			return nil, errs.Wrap(errs.Timeout, lastErr, "budget exhausted during backoff")
		}
	}
}

func (c *Coordinator) backoff(try int) time.Duration {
	d := c.cfg.BackoffBase << uint(try)
	if d > c.cfg.BackoffMax || d <= 0 {
		d = c.cfg.BackoffMax
	}
	return d
}

// spaceContract enforces the minimum spacing between hits on the same
// contract. Each caller reserves the next window before sleeping so
// concurrent callers fan out instead of piling onto one instant.
func (c *Coordinator) spaceContract(ctx context.Context, fingerprint string) error {
	if c.cfg.PerContractInterval <= 0 {
		return nil
	}
	c.pcMu.Lock()
	now := time.Now()
	at := c.next[fingerprint]
	if at.Before(now) {
		at = now
	}
	c.next[fingerprint] = at.Add(c.cfg.PerContractInterval)
	c.pcMu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Timeout, ctx.Err(), "budget exhausted waiting out contract spacing")
	}
}
