package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perprun/perprun/internal/domain"
)

// displayLoop re-ranks the active set against live stream data on the
// configured cadence and logs the result.
func (a *App) displayLoop(ctx context.Context) {
	every := a.cfg.RefreshEvery()
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.logTable(a.liveView(time.Now()))
		}
	}
}

// summaryInterval is the cadence of the runtime-summary log line.
const summaryInterval = 60 * time.Second

func (a *App) summaryLoop(ctx context.Context) {
	t := time.NewTicker(summaryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ev := log.Info()
			for k, v := range a.met.Summary() {
				ev = ev.Float64(k, v)
			}
			ev.Msg("runtime summary")
		}
	}
}

// liveView overlays the fused stream state on top of the last refresh's
// candidates and re-scores them. Fields the stream has not supplied keep
// their refresh-time values.
func (a *App) liveView(now time.Time) []domain.Candidate {
	active := a.watch.Active()
	for i := range active {
		snap, ok := a.store.Snapshot(active[i].Symbol)
		if !ok {
			continue
		}
		if snap.FundingRate != nil {
			active[i].FundingRate = *snap.FundingRate
		}
		if snap.Turnover24h != nil {
			active[i].Turnover24h = *snap.Turnover24h
		}
		if snap.Bid1Price != nil && snap.Ask1Price != nil {
			if frac, ok := domain.SpreadFraction(*snap.Bid1Price, *snap.Ask1Price); ok {
				active[i].Spread = frac
			}
		}
		if snap.NextFundingTime != "" {
			active[i].FundingIn = domain.FormatFundingCountdown(snap.NextFundingTime, now)
		}
	}
	return domain.Rank(active, domain.Weights{
		Funding:    a.cfg.Scoring.WeightFunding,
		Volume:     a.cfg.Scoring.WeightVolume,
		Spread:     a.cfg.Scoring.WeightSpread,
		Volatility: a.cfg.Scoring.WeightVolatility,
	}, len(active))
}

func (a *App) logTable(candidates []domain.Candidate) {
	if len(candidates) == 0 {
		log.Info().Msg("watchlist empty")
		return
	}
	for i, c := range candidates {
		log.Info().
			Int("rank", i+1).
			Str("symbol", c.Symbol).
			Float64("funding", c.FundingRate).
			Str("funding_in", c.FundingIn).
			Float64("volume_24h", c.Turnover24h).
			Float64("spread", c.Spread).
			Float64("volatility", c.Volatility).
			Float64("score", c.Score).
			Msg("watchlist")
	}
}
