// Package app wires the engine together: REST client, streams, watchlist,
// volatility cache, turbo controller and the ops endpoint.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perprun/perprun/internal/bus"
	"github.com/perprun/perprun/internal/bybit"
	"github.com/perprun/perprun/internal/config"
	"github.com/perprun/perprun/internal/domain"
	"github.com/perprun/perprun/internal/metrics"
	"github.com/perprun/perprun/internal/orders"
	"github.com/perprun/perprun/internal/stream"
	"github.com/perprun/perprun/internal/turbo"
	"github.com/perprun/perprun/internal/vol"
	"github.com/perprun/perprun/internal/watchlist"
)

// paperEquity is the simulated account balance the paper client starts
// with.
var paperEquity = decimal.NewFromInt(10_000)

// App owns every long-lived component and their startup order.
type App struct {
	cfg *config.Config
	met *metrics.Metrics

	api     *bybit.Client
	store   *stream.Store
	events  *bus.Bus[stream.Event]
	streams *stream.Manager
	vols    *vol.Service
	watch   *watchlist.Manager
	exec    orders.Client
	ops     *metrics.Server

	mu        sync.Mutex
	watchCats map[string]domain.Category
}

// Option customizes construction, mainly for tests.
type Option func(*App)

// WithAPIClient substitutes the REST client, e.g. one pointed at a local
// test server.
func WithAPIClient(c *bybit.Client) Option {
	return func(a *App) { a.api = c }
}

// WithExecClient substitutes the execution client.
func WithExecClient(c orders.Client) Option {
	return func(a *App) { a.exec = c }
}

// New assembles an engine from configuration. Nothing starts running
// until Run.
func New(cfg *config.Config, opts ...Option) *App {
	a := &App{
		cfg:       cfg,
		met:       metrics.New(),
		watchCats: make(map[string]domain.Category),
	}

	baseURL := bybit.MainnetBaseURL
	if cfg.Testnet {
		baseURL = bybit.TestnetBaseURL
	}
	a.api = bybit.NewClient(bybit.WithBaseURL(baseURL), bybit.WithRetryHook(a.met.HTTPRetries.Inc))
	a.exec = orders.WithRetry(orders.NewPaper(paperEquity))
	for _, o := range opts {
		o(a)
	}

	a.store = stream.NewStore()
	a.events = bus.New[stream.Event]()
	a.streams = stream.NewManager(cfg.Testnet, a.store, a.events, a.met)
	if cfg.WSIdleLimitS > 0 {
		a.streams.SetIdleLimit(time.Duration(cfg.WSIdleLimitS) * time.Second)
	}
	if cfg.DebugWS {
		a.streams.EnableInactivityWarnings(time.Duration(cfg.DebugWSInactivityS) * time.Second)
	}

	volOpts := []vol.Option{vol.WithMetrics(a.met)}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		volOpts = append(volOpts, vol.WithCache(vol.NewRedisCache(rdb)))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("volatility cache on redis")
	}
	a.vols = vol.New(a.api, cfg.VolatilityTTL(), volOpts...)

	a.watch = watchlist.New(cfg, a.api, a.vols, a.met)
	a.watch.OnChange(a.onActiveSetChange)

	a.ops = metrics.NewServer(cfg.Ops.Listen, a.met, a.health, func() interface{} {
		return a.liveView(time.Now())
	})
	return a
}

func (a *App) health() map[string]bool {
	out := a.streams.Health()
	out["watchlist"] = len(a.watch.Active()) > 0
	return out
}

// onActiveSetChange reconciles stream subscriptions with the new active
// set and seeds the fused store from the refresh snapshot so the fast
// path has data before the first frame arrives.
func (a *App) onActiveSetChange(added, removed []string, active []domain.Candidate) {
	next := a.watch.ActiveCategories()
	a.mu.Lock()
	prev := a.watchCats
	a.watchCats = next
	a.mu.Unlock()

	if err := a.streams.SetWatch(prev, next); err != nil {
		log.Warn().Err(err).Msg("stream subscription reconcile failed")
	}
	for sym := range next {
		info, ok := a.watch.OriginalFunding(sym)
		if !ok {
			continue
		}
		fr, to := info.FundingRate, info.Turnover24h
		a.store.Apply(stream.InstantTicker{
			Symbol:          sym,
			FundingRate:     &fr,
			Turnover24h:     &to,
			NextFundingTime: info.NextFundingTime,
		})
	}
	log.Info().Strs("added", added).Strs("removed", removed).
		Msg("active set changed")
}

// Run starts every component and blocks until ctx ends, then shuts the
// ops server down last so health stays observable through the drain.
func (a *App) Run(ctx context.Context) error {
	log.Info().Bool("testnet", a.cfg.Testnet).Str("categorie", a.cfg.Categorie).
		Bool("turbo", a.cfg.Turbo.Enabled).Msg("engine starting")

	a.ops.Start()
	a.streams.Start(ctx)

	var instruments *bybit.InstrumentIndex
	if a.cfg.Turbo.Enabled {
		idx, err := a.api.BuildInstrumentIndex(ctx, a.categories())
		if err != nil {
			return err
		}
		instruments = idx
		log.Info().Int("symbols", idx.Len()).Msg("instrument precision loaded")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watch.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.vols.KeepWarm(ctx, a.cfg.VolatilityTTL()/2, a.watch.ActiveCategories)
	}()

	if a.cfg.Turbo.Enabled {
		ctrl := turbo.NewController(a.cfg, a.watch, a.streams, a.store, a.exec, instruments, a.events, a.vols, a.met)
		ctrl.OnResult(a.logResult)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctrl.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.displayLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.summaryLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.ops.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops server shutdown failed")
	}
	log.Info().Msg("engine stopped")
	return nil
}

func (a *App) categories() []domain.Category {
	switch a.cfg.Categorie {
	case "linear":
		return []domain.Category{domain.CategoryLinear}
	case "inverse":
		return []domain.Category{domain.CategoryInverse}
	default:
		return []domain.Category{domain.CategoryLinear, domain.CategoryInverse}
	}
}

func (a *App) logResult(r *turbo.Result) {
	ev := log.Info()
	if r.Err != nil {
		ev = log.Warn().Err(r.Err)
	}
	ev.Str("symbol", r.Symbol).Str("outcome", string(r.Outcome)).
		Str("side", string(r.Side)).Str("qty", r.Qty.String()).
		Str("entry", r.EntryPrice.String()).Str("exit", r.ExitPrice.String()).
		Str("price_pnl", r.PricePnL.String()).
		Float64("funding", r.FundingRate).
		Dur("duration", r.FinishedAt.Sub(r.StartedAt)).
		Msg("turbo result")
}

// Scan performs one refresh cycle and logs the ranked table, for the
// one-shot CLI mode.
func (a *App) Scan(ctx context.Context) error {
	if err := a.watch.Refresh(ctx); err != nil {
		return err
	}
	for _, st := range a.watch.Stages() {
		log.Info().Str("stage", st.Stage).Int("kept", st.Kept).
			Int("rejected", st.Rejected).Msg("filter stage")
	}
	a.logTable(a.watch.Active())
	return nil
}
