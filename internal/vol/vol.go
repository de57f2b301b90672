// Package vol measures short-horizon price volatility from 1-minute
// klines and caches the result, since the watchlist re-ranks far more
// often than volatility meaningfully moves.
package vol

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perprun/perprun/internal/bybit"
	"github.com/perprun/perprun/internal/domain"
	"github.com/perprun/perprun/internal/metrics"
)

const (
	klineInterval = "1"
	klineCount    = 5
)

// KlineSource fetches OHLC bars; satisfied by *bybit.Client.
type KlineSource interface {
	GetKlines(ctx context.Context, category domain.Category, symbol, interval string, limit int) ([]bybit.Kline, error)
}

// Compute derives the range volatility of a bar window: the high-low
// span divided by the window midpoint. Returns domain.VolatilityUnknown
// when the window is empty or degenerate.
func Compute(bars []bybit.Kline) float64 {
	if len(bars) == 0 {
		return domain.VolatilityUnknown
	}
	pmax, pmin := bars[0].High, bars[0].Low
	for _, b := range bars[1:] {
		if b.High > pmax {
			pmax = b.High
		}
		if b.Low < pmin {
			pmin = b.Low
		}
	}
	mid := (pmax + pmin) / 2
	if mid <= 0 || pmin <= 0 {
		return domain.VolatilityUnknown
	}
	return (pmax - pmin) / mid
}

// Service resolves per-symbol volatility through the cache, fetching
// klines only on a miss.
type Service struct {
	source KlineSource
	cache  Cache
	ttl    time.Duration
	met    *metrics.Metrics
}

// Option customizes a Service.
type Option func(*Service)

// WithCache replaces the default in-memory cache, typically with Redis.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithMetrics attaches cache hit/miss counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.met = m }
}

// New builds a volatility service with the given cache TTL.
func New(source KlineSource, ttl time.Duration, opts ...Option) *Service {
	s := &Service{
		source: source,
		cache:  NewMemoryCache(),
		ttl:    ttl,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Volatility returns the cached or freshly computed volatility for the
// symbol. A failed kline fetch yields domain.VolatilityUnknown rather
// than an error; the caller treats unknown as a non-exclusion.
func (s *Service) Volatility(ctx context.Context, cat domain.Category, symbol string) float64 {
	if v, ok, err := s.cache.Get(ctx, symbol); err == nil && ok {
		if s.met != nil {
			s.met.VolCacheHits.Inc()
		}
		return v
	} else if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("volatility cache read failed")
	}
	if s.met != nil {
		s.met.VolCacheMiss.Inc()
	}

	bars, err := s.source.GetKlines(ctx, cat, symbol, klineInterval, klineCount)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("kline fetch failed")
		return domain.VolatilityUnknown
	}
	v := Compute(bars)
	if v != domain.VolatilityUnknown {
		if err := s.cache.Set(ctx, symbol, v, s.ttl); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("volatility cache write failed")
		}
	}
	return v
}

// SourceFor adapts the service to the filter pipeline's lookup signature
// for a fixed category resolver.
func (s *Service) SourceFor(ctx context.Context, categories map[string]domain.Category) domain.VolatilitySource {
	return func(symbol string) (float64, bool) {
		cat, ok := categories[symbol]
		if !ok {
			return 0, false
		}
		v := s.Volatility(ctx, cat, symbol)
		if v == domain.VolatilityUnknown {
			return 0, false
		}
		return v, true
	}
}

// KeepWarm refreshes the cache for the symbols fn reports, at the given
// cadence, until ctx is cancelled. It keeps the active set's volatility
// hot so ranking never waits on kline fetches.
func (s *Service) KeepWarm(ctx context.Context, every time.Duration, fn func() map[string]domain.Category) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for symbol, cat := range fn() {
				if ctx.Err() != nil {
					return
				}
				s.Volatility(ctx, cat, symbol)
			}
		}
	}
}
