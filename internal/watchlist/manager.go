// Package watchlist runs the periodic refresh cycle that turns the raw
// perpetual universe into the ranked active set.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perprun/perprun/internal/bybit"
	"github.com/perprun/perprun/internal/config"
	"github.com/perprun/perprun/internal/domain"
	"github.com/perprun/perprun/internal/metrics"
)

// ErrRefreshInFlight is returned when a refresh is requested while the
// previous one is still running. Cycles never overlap.
var ErrRefreshInFlight = errors.New("watchlist: refresh already in flight")

// ErrNoCandidates is returned when the pipeline empties the universe.
var ErrNoCandidates = errors.New("watchlist: no candidates survived filtering")

// MarketData is the REST surface the manager consumes; satisfied by
// *bybit.Client.
type MarketData interface {
	FetchFundingMap(ctx context.Context, category domain.Category) (map[string]domain.FundingInfo, error)
	FetchSpreads(ctx context.Context, category domain.Category, symbols []string) (map[string]bybit.Spread, error)
	FetchInstruments(ctx context.Context, category domain.Category) ([]bybit.Instrument, error)
}

// VolProvider yields a volatility lookup scoped to one refresh cycle;
// satisfied by *vol.Service.
type VolProvider interface {
	SourceFor(ctx context.Context, categories map[string]domain.Category) domain.VolatilitySource
}

// ChangeHandler observes active-set membership changes. It fires at most
// once per refresh cycle, after the new set is committed.
type ChangeHandler func(added, removed []string, active []domain.Candidate)

// Manager owns the active set and everything needed to rebuild it.
type Manager struct {
	cfg    *config.Config
	market MarketData
	vols   VolProvider
	met    *metrics.Metrics
	now    func() time.Time

	onChange ChangeHandler

	refreshing atomic.Bool

	mu              sync.RWMutex
	active          []domain.Candidate
	activeCats      map[string]domain.Category
	universe        map[string]domain.Category
	originalFunding map[string]domain.FundingInfo
	stages          []domain.StageCount
	lastRefresh     time.Time
}

// New builds an unstarted manager. met may be nil.
func New(cfg *config.Config, market MarketData, vols VolProvider, met *metrics.Metrics) *Manager {
	return &Manager{
		cfg:             cfg,
		market:          market,
		vols:            vols,
		met:             met,
		now:             time.Now,
		activeCats:      make(map[string]domain.Category),
		originalFunding: make(map[string]domain.FundingInfo),
	}
}

// OnChange registers the membership-diff callback. Must be called before
// Run.
func (m *Manager) OnChange(fn ChangeHandler) { m.onChange = fn }

// categories expands the configured contract family selector.
func (m *Manager) categories() []domain.Category {
	switch m.cfg.Categorie {
	case "linear":
		return []domain.Category{domain.CategoryLinear}
	case "inverse":
		return []domain.Category{domain.CategoryInverse}
	default:
		return []domain.Category{domain.CategoryLinear, domain.CategoryInverse}
	}
}

// ensureUniverse loads the perpetual universe once and reuses it across
// cycles; listings change far slower than funding does.
func (m *Manager) ensureUniverse(ctx context.Context) (map[string]domain.Category, error) {
	m.mu.RLock()
	cached := m.universe
	m.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	universe := make(map[string]domain.Category)
	for _, cat := range m.categories() {
		instruments, err := m.market.FetchInstruments(ctx, cat)
		if err != nil {
			return nil, fmt.Errorf("universe %s: %w", cat, err)
		}
		for _, inst := range instruments {
			universe[inst.Symbol] = cat
		}
	}
	m.mu.Lock()
	m.universe = universe
	m.mu.Unlock()
	return universe, nil
}

// fetchFunding pulls the funding map for every category concurrently and
// merges the results. Any category failing fails the cycle.
func (m *Manager) fetchFunding(ctx context.Context) (map[string]domain.FundingInfo, error) {
	cats := m.categories()
	type result struct {
		cat domain.Category
		m   map[string]domain.FundingInfo
		err error
	}
	results := make([]result, len(cats))
	var wg sync.WaitGroup
	for i, cat := range cats {
		wg.Add(1)
		go func(i int, cat domain.Category) {
			defer wg.Done()
			fm, err := m.market.FetchFundingMap(ctx, cat)
			results[i] = result{cat: cat, m: fm, err: err}
		}(i, cat)
	}
	wg.Wait()

	merged := make(map[string]domain.FundingInfo)
	for _, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("funding map %s: %w", r.cat, r.err)
		}
		for sym, info := range r.m {
			merged[sym] = info
		}
	}
	return merged, nil
}

// fetchSpreadFractions resolves spread fractions for the candidates,
// grouped per category.
func (m *Manager) fetchSpreadFractions(ctx context.Context, candidates []domain.Candidate, funding map[string]domain.FundingInfo) (map[string]float64, error) {
	bySymbol := make(map[string]float64, len(candidates))
	byCat := make(map[domain.Category][]string)
	for _, c := range candidates {
		info, ok := funding[c.Symbol]
		if !ok {
			continue
		}
		byCat[info.Category] = append(byCat[info.Category], c.Symbol)
	}
	type result struct {
		cat     domain.Category
		spreads map[string]bybit.Spread
		err     error
	}
	results := make([]result, 0, len(byCat))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for cat, symbols := range byCat {
		wg.Add(1)
		go func(cat domain.Category, symbols []string) {
			defer wg.Done()
			spreads, err := m.market.FetchSpreads(ctx, cat, symbols)
			mu.Lock()
			results = append(results, result{cat: cat, spreads: spreads, err: err})
			mu.Unlock()
		}(cat, symbols)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("spreads %s: %w", r.cat, r.err)
		}
		for sym, sp := range r.spreads {
			if frac, ok := domain.SpreadFraction(sp.Bid, sp.Ask); ok {
				bySymbol[sym] = frac
			}
		}
	}
	return bySymbol, nil
}

// Refresh rebuilds the active set. On any upstream failure the previous
// set stays in place untouched.
func (m *Manager) Refresh(ctx context.Context) error {
	if !m.refreshing.CompareAndSwap(false, true) {
		return ErrRefreshInFlight
	}
	defer m.refreshing.Store(false)

	start := m.now()
	err := m.refresh(ctx, start)

	if m.met != nil {
		m.met.RefreshDuration.Observe(m.now().Sub(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.met.RefreshTotal.WithLabelValues(result).Inc()
	}
	if err != nil {
		log.Error().Err(err).Msg("watchlist refresh failed, keeping previous active set")
	}
	return err
}

func (m *Manager) refresh(ctx context.Context, now time.Time) error {
	universe, err := m.ensureUniverse(ctx)
	if err != nil {
		return err
	}
	funding, err := m.fetchFunding(ctx)
	if err != nil {
		return err
	}

	symbols := make([]string, 0, len(universe))
	for sym := range universe {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var stages []domain.StageCount
	joined, st := domain.JoinUniverse(symbols, funding)
	stages = append(stages, st)

	filter := domain.FundingFilter{
		FundingMin:        m.cfg.FundingMin,
		FundingMax:        m.cfg.FundingMax,
		VolumeMin:         m.cfg.VolumeMin,
		VolumeMinMillions: m.cfg.VolumeMinMillions,
		TimeMinMinutes:    m.cfg.FundingTimeMinMinutes,
		TimeMaxMinutes:    m.cfg.FundingTimeMaxMinutes,
		SoftLimit:         m.cfg.Limite,
	}
	candidates, st := domain.FilterByFunding(joined, funding, filter, now)
	stages = append(stages, st)

	if len(candidates) > 0 && m.cfg.SpreadMax != nil {
		spreads, err := m.fetchSpreadFractions(ctx, candidates, funding)
		if err != nil {
			return err
		}
		candidates, st = domain.FilterBySpread(candidates, spreads, m.cfg.SpreadMax)
	} else {
		candidates, st = domain.FilterBySpread(candidates, nil, nil)
	}
	stages = append(stages, st)

	candidateCats := make(map[string]domain.Category, len(candidates))
	for _, c := range candidates {
		if info, ok := funding[c.Symbol]; ok {
			candidateCats[c.Symbol] = info.Category
		}
	}
	var volSource domain.VolatilitySource = func(string) (float64, bool) { return 0, false }
	if m.vols != nil {
		volSource = m.vols.SourceFor(ctx, candidateCats)
	}
	candidates, st = domain.FilterByVolatility(candidates, volSource, m.cfg.VolatilityMin, m.cfg.VolatilityMax)
	stages = append(stages, st)

	ranked := domain.Rank(candidates, domain.Weights{
		Funding:    m.cfg.Scoring.WeightFunding,
		Volume:     m.cfg.Scoring.WeightVolume,
		Spread:     m.cfg.Scoring.WeightSpread,
		Volatility: m.cfg.Scoring.WeightVolatility,
	}, m.cfg.Scoring.TopN)
	stages = append(stages, domain.StageCount{
		Stage: "rank", Kept: len(ranked), Rejected: len(candidates) - len(ranked),
	})

	m.recordStages(stages)
	if len(ranked) == 0 {
		return ErrNoCandidates
	}

	added, removed := m.commit(ranked, candidateCats, funding, stages, now)
	log.Info().Int("active", len(ranked)).
		Strs("added", added).Strs("removed", removed).
		Dur("took", m.now().Sub(now)).
		Msg("watchlist refreshed")

	if m.onChange != nil && (len(added) > 0 || len(removed) > 0) {
		m.onChange(added, removed, m.Active())
	}
	return nil
}

func (m *Manager) recordStages(stages []domain.StageCount) {
	if m.met == nil {
		return
	}
	for _, st := range stages {
		m.met.FilterStage.WithLabelValues(st.Stage, "kept").Add(float64(st.Kept))
		m.met.FilterStage.WithLabelValues(st.Stage, "rejected").Add(float64(st.Rejected))
	}
}

// commit swaps in the new active set and reports the membership diff.
func (m *Manager) commit(ranked []domain.Candidate, cats map[string]domain.Category, funding map[string]domain.FundingInfo, stages []domain.StageCount, now time.Time) (added, removed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := make(map[string]struct{}, len(m.active))
	for _, c := range m.active {
		prev[c.Symbol] = struct{}{}
	}
	next := make(map[string]struct{}, len(ranked))
	activeCats := make(map[string]domain.Category, len(ranked))
	for _, c := range ranked {
		next[c.Symbol] = struct{}{}
		activeCats[c.Symbol] = cats[c.Symbol]
		if _, ok := prev[c.Symbol]; !ok {
			added = append(added, c.Symbol)
		}
	}
	for sym := range prev {
		if _, ok := next[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	m.active = ranked
	m.activeCats = activeCats
	m.originalFunding = funding
	m.stages = stages
	m.lastRefresh = now

	if m.met != nil {
		m.met.ActivePairs.Set(float64(len(ranked)))
	}
	return added, removed
}

// Run refreshes once immediately, then on the configured cadence until
// ctx ends. A zero interval means the initial refresh only.
func (m *Manager) Run(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("initial watchlist refresh failed")
	}
	every := m.cfg.RefreshWatchlistEvery()
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
			if err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshInFlight) && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("watchlist refresh failed")
			}
		}
	}
}

// Active returns a copy of the current ranked active set.
func (m *Manager) Active() []domain.Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Candidate, len(m.active))
	copy(out, m.active)
	return out
}

// ActiveCategories returns symbol to category for the active set.
func (m *Manager) ActiveCategories() map[string]domain.Category {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.Category, len(m.activeCats))
	for k, v := range m.activeCats {
		out[k] = v
	}
	return out
}

// CategoryOf resolves the contract family of an active symbol.
func (m *Manager) CategoryOf(symbol string) (domain.Category, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cat, ok := m.activeCats[symbol]
	return cat, ok
}

// OriginalFunding returns the funding-map snapshot taken by the last
// successful refresh. The fast loop falls back to it when live stream
// data is missing a field.
func (m *Manager) OriginalFunding(symbol string) (domain.FundingInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.originalFunding[symbol]
	return info, ok
}

// Stages reports the per-stage kept/rejected counts of the last cycle.
func (m *Manager) Stages() []domain.StageCount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.StageCount, len(m.stages))
	copy(out, m.stages)
	return out
}

// Contains reports whether the symbol is in the active set.
func (m *Manager) Contains(symbol string) bool {
	_, ok := m.CategoryOf(symbol)
	return ok
}
