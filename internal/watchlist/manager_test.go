package watchlist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perprun/perprun/internal/bybit"
	"github.com/perprun/perprun/internal/config"
	"github.com/perprun/perprun/internal/domain"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeMarket struct {
	mu          sync.Mutex
	funding     map[domain.Category]map[string]domain.FundingInfo
	spreads     map[string]bybit.Spread
	instruments map[domain.Category][]bybit.Instrument

	fundingErr error
	spreadErr  error

	fundingCalls int
	inFlight     int
	maxInFlight  int
}

func (f *fakeMarket) FetchFundingMap(_ context.Context, cat domain.Category) (map[string]domain.FundingInfo, error) {
	f.mu.Lock()
	f.fundingCalls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if f.fundingErr != nil {
		return nil, f.fundingErr
	}
	return f.funding[cat], nil
}

func (f *fakeMarket) FetchSpreads(_ context.Context, _ domain.Category, symbols []string) (map[string]bybit.Spread, error) {
	if f.spreadErr != nil {
		return nil, f.spreadErr
	}
	out := make(map[string]bybit.Spread)
	for _, s := range symbols {
		if sp, ok := f.spreads[s]; ok {
			out[s] = sp
		}
	}
	return out, nil
}

func (f *fakeMarket) FetchInstruments(_ context.Context, cat domain.Category) ([]bybit.Instrument, error) {
	return f.instruments[cat], nil
}

type fakeVols struct {
	vols map[string]float64
}

func (f *fakeVols) SourceFor(context.Context, map[string]domain.Category) domain.VolatilitySource {
	return func(symbol string) (float64, bool) {
		v, ok := f.vols[symbol]
		return v, ok
	}
}

func fptr(v float64) *float64 { return &v }

// epochStr is a funding timestamp n minutes after testNow, ISO-8601.
func epochStr(minutes int) string {
	ms := testNow.Add(time.Duration(minutes) * time.Minute).UnixMilli()
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05Z")
}

func newFixture() (*fakeMarket, *config.Config) {
	cfg := config.Default()
	cfg.Categorie = "linear"
	cfg.FundingMin = fptr(0.0005)
	cfg.VolumeMin = fptr(1_000_000)
	cfg.SpreadMax = fptr(0.001)
	cfg.Scoring.TopN = 2
	cfg.Limite = 10

	market := &fakeMarket{
		funding: map[domain.Category]map[string]domain.FundingInfo{
			domain.CategoryLinear: {
				"AAAUSDT": {Category: domain.CategoryLinear, FundingRate: 0.0030, Turnover24h: 9_000_000, NextFundingTime: epochStr(90)},
				"BBBUSDT": {Category: domain.CategoryLinear, FundingRate: -0.0020, Turnover24h: 8_000_000, NextFundingTime: epochStr(90)},
				"CCCUSDT": {Category: domain.CategoryLinear, FundingRate: 0.0010, Turnover24h: 7_000_000, NextFundingTime: epochStr(90)},
				"LOWVOL":  {Category: domain.CategoryLinear, FundingRate: 0.0030, Turnover24h: 10, NextFundingTime: epochStr(90)},
				"TINYFND": {Category: domain.CategoryLinear, FundingRate: 0.0001, Turnover24h: 9_000_000, NextFundingTime: epochStr(90)},
			},
		},
		spreads: map[string]bybit.Spread{
			"AAAUSDT": {Bid: 100.00, Ask: 100.01},
			"BBBUSDT": {Bid: 50.00, Ask: 50.004},
			"CCCUSDT": {Bid: 10.00, Ask: 10.50}, // 4.9% spread, filtered
		},
		instruments: map[domain.Category][]bybit.Instrument{
			domain.CategoryLinear: {
				{Symbol: "AAAUSDT", Category: domain.CategoryLinear},
				{Symbol: "BBBUSDT", Category: domain.CategoryLinear},
				{Symbol: "CCCUSDT", Category: domain.CategoryLinear},
				{Symbol: "LOWVOL", Category: domain.CategoryLinear},
				{Symbol: "TINYFND", Category: domain.CategoryLinear},
				{Symbol: "UNLISTEDFUNDING", Category: domain.CategoryLinear},
			},
		},
	}
	return market, cfg
}

func newManager(market *fakeMarket, cfg *config.Config) *Manager {
	m := New(cfg, market, &fakeVols{vols: map[string]float64{}}, nil)
	m.now = func() time.Time { return testNow }
	return m
}

func TestRefreshBuildsRankedActiveSet(t *testing.T) {
	market, cfg := newFixture()
	m := newManager(market, cfg)

	require.NoError(t, m.Refresh(context.Background()))

	active := m.Active()
	require.Len(t, active, 2)
	// AAAUSDT has the largest |funding| and highest volume.
	assert.Equal(t, "AAAUSDT", active[0].Symbol)
	assert.Equal(t, "BBBUSDT", active[1].Symbol)
	assert.True(t, active[0].Scored)
	assert.Greater(t, active[0].Score, active[1].Score)
	assert.NotEmpty(t, active[0].FundingIn)

	cat, ok := m.CategoryOf("AAAUSDT")
	assert.True(t, ok)
	assert.Equal(t, domain.CategoryLinear, cat)
	assert.False(t, m.Contains("CCCUSDT"))
}

func TestRefreshStageCounts(t *testing.T) {
	market, cfg := newFixture()
	m := newManager(market, cfg)
	require.NoError(t, m.Refresh(context.Background()))

	stages := m.Stages()
	require.Len(t, stages, 5)
	assert.Equal(t, "universe_join", stages[0].Stage)
	// UNLISTEDFUNDING has no funding entry.
	assert.Equal(t, 5, stages[0].Kept)
	assert.Equal(t, 1, stages[0].Rejected)
	// LOWVOL and TINYFND drop at the funding/volume stage.
	assert.Equal(t, "funding_volume_time", stages[1].Stage)
	assert.Equal(t, 3, stages[1].Kept)
	// CCCUSDT drops at the spread stage.
	assert.Equal(t, "spread", stages[2].Stage)
	assert.Equal(t, 2, stages[2].Kept)
	assert.Equal(t, 1, stages[2].Rejected)
}

func TestRefreshFailureKeepsPreviousSet(t *testing.T) {
	market, cfg := newFixture()
	m := newManager(market, cfg)
	require.NoError(t, m.Refresh(context.Background()))
	before := m.Active()

	market.fundingErr = errors.New("venue down")
	require.Error(t, m.Refresh(context.Background()))
	assert.Equal(t, before, m.Active())

	market.fundingErr = nil
	market.spreadErr = errors.New("venue down")
	require.Error(t, m.Refresh(context.Background()))
	assert.Equal(t, before, m.Active())
}

func TestOnChangeFiresOncePerCycleWithDiff(t *testing.T) {
	market, cfg := newFixture()
	m := newManager(market, cfg)

	var calls int
	var lastAdded, lastRemoved []string
	m.OnChange(func(added, removed []string, active []domain.Candidate) {
		calls++
		lastAdded, lastRemoved = added, removed
	})

	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, lastAdded)
	assert.Empty(t, lastRemoved)

	// Unchanged membership: no callback.
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, 1, calls)

	// BBBUSDT's funding collapses below the floor; DDD arrives.
	market.funding[domain.CategoryLinear]["BBBUSDT"] = domain.FundingInfo{
		Category: domain.CategoryLinear, FundingRate: 0.0001,
		Turnover24h: 8_000_000, NextFundingTime: epochStr(90),
	}
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, 2, calls)
	// CCCUSDT cannot replace it: the spread stage still rejects it.
	assert.Empty(t, lastAdded)
	assert.Equal(t, []string{"BBBUSDT"}, lastRemoved)
}

func TestRefreshDoesNotOverlap(t *testing.T) {
	market, cfg := newFixture()
	m := newManager(market, cfg)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Refresh(context.Background())
		}(i)
	}
	wg.Wait()

	inFlight := 0
	for _, err := range errs {
		if errors.Is(err, ErrRefreshInFlight) {
			inFlight++
		}
	}
	// At most one cycle ran; the loser reported the overlap.
	assert.LessOrEqual(t, inFlight, 1)
	assert.NotNil(t, m.Active())
}

func TestCategoryFetchesRunConcurrently(t *testing.T) {
	market, cfg := newFixture()
	cfg.Categorie = "both"
	market.funding[domain.CategoryInverse] = map[string]domain.FundingInfo{
		"BTCUSD": {Category: domain.CategoryInverse, FundingRate: 0.0015, Turnover24h: 5_000_000, NextFundingTime: epochStr(90)},
	}
	market.instruments[domain.CategoryInverse] = []bybit.Instrument{
		{Symbol: "BTCUSD", Category: domain.CategoryInverse},
	}
	market.spreads["BTCUSD"] = bybit.Spread{Bid: 50000, Ask: 50001}

	m := newManager(market, cfg)
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, 2, market.fundingCalls)
	assert.Equal(t, 2, market.maxInFlight)

	cat, ok := m.CategoryOf("BTCUSD")
	if ok {
		assert.Equal(t, domain.CategoryInverse, cat)
	}
}

func TestNoSurvivorsReturnsError(t *testing.T) {
	market, cfg := newFixture()
	cfg.FundingMin = fptr(0.5) // nothing pays 50% per interval
	m := newManager(market, cfg)

	err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoCandidates)
	assert.Empty(t, m.Active())
}

func TestOriginalFundingSnapshot(t *testing.T) {
	market, cfg := newFixture()
	m := newManager(market, cfg)
	require.NoError(t, m.Refresh(context.Background()))

	info, ok := m.OriginalFunding("AAAUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.0030, info.FundingRate)

	_, ok = m.OriginalFunding("NOPE")
	assert.False(t, ok)
}
