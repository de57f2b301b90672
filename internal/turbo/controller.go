package turbo

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perprun/perprun/internal/bus"
	"github.com/perprun/perprun/internal/bybit"
	"github.com/perprun/perprun/internal/config"
	"github.com/perprun/perprun/internal/domain"
	"github.com/perprun/perprun/internal/metrics"
	"github.com/perprun/perprun/internal/orders"
	"github.com/perprun/perprun/internal/stream"
)

// scanInterval is how often the controller checks the active set for
// symbols entering the trigger window.
const scanInterval = time.Second

// ActiveSource is the watchlist view the controller arms loops from;
// satisfied by *watchlist.Manager.
type ActiveSource interface {
	Active() []domain.Candidate
	CategoryOf(symbol string) (domain.Category, bool)
	OriginalFunding(symbol string) (domain.FundingInfo, bool)
}

// StreamControl attaches and detaches the fast-loop market data streams;
// satisfied by *stream.Manager.
type StreamControl interface {
	SubscribeTurbo(symbol string, cat domain.Category) error
	UnsubscribeTurbo(symbol string, cat domain.Category) error
}

// InstrumentSource resolves contract precision; satisfied by
// *bybit.InstrumentIndex.
type InstrumentSource interface {
	Lookup(symbol string) (bybit.Instrument, bool)
}

// VolSource is the volatility cache the in-flight filter re-checks
// consult; satisfied by *vol.Service. A negative value means unknown.
type VolSource interface {
	Volatility(ctx context.Context, cat domain.Category, symbol string) float64
}

// Controller arms one fast loop per symbol entering the trigger window,
// capped at max_parallel_pairs, with a per-symbol cooldown after each
// finished loop. A symbol never runs two loops at once.
type Controller struct {
	cfg         *config.Config
	source      ActiveSource
	streams     StreamControl
	tickers     TickerSource
	client      orders.Client
	instruments InstrumentSource
	events      *bus.Bus[stream.Event]
	vols        VolSource
	met         *metrics.Metrics
	now         func() time.Time

	onResult func(*Result)

	mu            sync.Mutex
	running       map[string]*Loop
	cooldownUntil map[string]time.Time
	tradesDay     string
	tradesToday   int
	wg            sync.WaitGroup
}

// NewController wires the turbo engine. instruments, events, vols and
// met may be nil.
func NewController(cfg *config.Config, source ActiveSource, streams StreamControl, tickers TickerSource, client orders.Client, instruments InstrumentSource, events *bus.Bus[stream.Event], vols VolSource, met *metrics.Metrics) *Controller {
	return &Controller{
		cfg:           cfg,
		source:        source,
		streams:       streams,
		tickers:       tickers,
		client:        client,
		instruments:   instruments,
		events:        events,
		vols:          vols,
		met:           met,
		now:           time.Now,
		running:       make(map[string]*Loop),
		cooldownUntil: make(map[string]time.Time),
	}
}

// OnResult registers a callback invoked with every finished loop's
// result. Must be set before Run.
func (c *Controller) OnResult(fn func(*Result)) { c.onResult = fn }

// ActiveLoops reports how many fast loops are currently running.
func (c *Controller) ActiveLoops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Run scans until ctx ends, then waits for in-flight loops to unwind.
func (c *Controller) Run(ctx context.Context) {
	if !c.cfg.Turbo.Enabled {
		log.Info().Msg("turbo disabled")
		return
	}
	t := time.NewTicker(scanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return
		case <-t.C:
			c.scan(ctx)
		}
	}
}

// secondsToFunding resolves the countdown for an armed candidate from the
// live stream or the refresh snapshot.
func (c *Controller) secondsToFunding(cand domain.Candidate, now time.Time) (float64, bool) {
	if snap, ok := c.tickers.Snapshot(cand.Symbol); ok && snap.NextFundingTime != "" {
		if t, ok := domain.NormalizeFundingTime(snap.NextFundingTime); ok {
			return domain.NextFundingInstant(t, now).Sub(now).Seconds(), true
		}
	}
	if info, ok := c.source.OriginalFunding(cand.Symbol); ok {
		if t, ok := domain.NormalizeFundingTime(info.NextFundingTime); ok {
			return domain.NextFundingInstant(t, now).Sub(now).Seconds(), true
		}
	}
	return 0, false
}

// scan arms loops for active symbols inside the trigger window. A
// candidate blocked only by a capacity or risk cap counts as a skip.
func (c *Controller) scan(ctx context.Context) {
	now := c.now()
	for _, cand := range c.source.Active() {
		c.mu.Lock()
		_, alreadyRunning := c.running[cand.Symbol]
		coolingUntil, cooling := c.cooldownUntil[cand.Symbol]
		slots := len(c.running)
		openPositions := 0
		for _, l := range c.running {
			if l != nil && l.open.Load() {
				openPositions++
			}
		}
		if day := now.UTC().Format("2006-01-02"); day != c.tradesDay {
			c.tradesDay = day
			c.tradesToday = 0
		}
		trades := c.tradesToday
		c.mu.Unlock()

		if alreadyRunning {
			continue
		}
		if cooling && now.Before(coolingUntil) {
			continue
		}
		secs, ok := c.secondsToFunding(cand, now)
		if !ok || secs <= 0 || secs > float64(c.cfg.Turbo.TriggerSeconds) {
			continue
		}
		cat, ok := c.source.CategoryOf(cand.Symbol)
		if !ok {
			continue
		}
		if slots >= c.cfg.Turbo.MaxParallelPairs {
			c.skip(cand.Symbol, "no free slot")
			continue
		}
		if c.cfg.Risk.MaxOpenPositions > 0 && openPositions >= c.cfg.Risk.MaxOpenPositions {
			c.skip(cand.Symbol, "open position cap")
			continue
		}
		if c.cfg.Risk.MaxTradesPerDay > 0 && trades >= c.cfg.Risk.MaxTradesPerDay {
			c.skip(cand.Symbol, "daily trade cap")
			continue
		}
		c.start(ctx, cand, cat, now)
	}
}

func (c *Controller) skip(symbol, reason string) {
	if c.met != nil {
		c.met.TurboEvents.WithLabelValues("skip").Inc()
	}
	log.Debug().Str("symbol", symbol).Str("reason", reason).Msg("turbo skip")
}

// volatilityLookup adapts the volatility cache to the loop's filter
// re-check. Bounded so a slow kline fetch cannot stall a tick.
func (c *Controller) volatilityLookup(cat domain.Category) VolatilityLookup {
	if c.vols == nil {
		return nil
	}
	return func(symbol string) (float64, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		v := c.vols.Volatility(ctx, cat, symbol)
		return v, v >= 0
	}
}

func (c *Controller) start(ctx context.Context, cand domain.Candidate, cat domain.Category, now time.Time) {
	c.mu.Lock()
	if _, dup := c.running[cand.Symbol]; dup {
		c.mu.Unlock()
		return
	}
	c.running[cand.Symbol] = nil
	c.tradesToday++
	c.mu.Unlock()

	if c.met != nil {
		c.met.TurboActive.Inc()
		c.met.TurboEvents.WithLabelValues("trigger").Inc()
	}
	if err := c.streams.SubscribeTurbo(cand.Symbol, cat); err != nil {
		log.Warn().Err(err).Str("symbol", cand.Symbol).Msg("turbo stream subscribe failed")
	}
	log.Info().Str("symbol", cand.Symbol).Str("category", string(cat)).
		Float64("funding", cand.FundingRate).Msg("turbo loop armed")

	var inst bybit.Instrument
	if c.instruments != nil {
		inst, _ = c.instruments.Lookup(cand.Symbol)
	}
	loop := NewLoop(c.cfg, cat, cand, now, LoopDeps{
		Client:     c.client,
		Tickers:    c.tickers,
		Fallback:   c.source.OriginalFunding,
		Eligible:   func(sym string) bool { _, ok := c.source.CategoryOf(sym); return ok },
		Volatility: c.volatilityLookup(cat),
		Instrument: inst,
		Events:     c.events,
		Metrics:    c.met,
		Now:        c.now,
	})
	c.mu.Lock()
	c.running[cand.Symbol] = loop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := loop.run(ctx)

		if err := c.streams.UnsubscribeTurbo(cand.Symbol, cat); err != nil {
			log.Warn().Err(err).Str("symbol", cand.Symbol).Msg("turbo stream unsubscribe failed")
		}
		c.mu.Lock()
		delete(c.running, cand.Symbol)
		c.cooldownUntil[cand.Symbol] = c.now().Add(time.Duration(c.cfg.Turbo.CooldownS) * time.Second)
		c.mu.Unlock()
		if c.met != nil {
			c.met.TurboActive.Dec()
		}
		if c.onResult != nil {
			c.onResult(res)
		}
	}()
}
