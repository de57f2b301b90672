package domain

import (
	"math"
	"sort"
	"time"
)

// FundingFilter holds the thresholds for the funding/volume/time-window
// stage. Nil pointers disable the corresponding bound.
type FundingFilter struct {
	FundingMin        *float64
	FundingMax        *float64
	VolumeMin         *float64 // quote currency
	VolumeMinMillions *float64 // takes precedence over VolumeMin
	TimeMinMinutes    *float64
	TimeMaxMinutes    *float64
	SoftLimit         int // pre-score cap after sorting by |funding|
}

// EffectiveVolumeMin resolves the two volume knobs; millions wins.
func (f FundingFilter) EffectiveVolumeMin() *float64 {
	if f.VolumeMinMillions != nil {
		v := *f.VolumeMinMillions * 1_000_000
		return &v
	}
	return f.VolumeMin
}

// JoinUniverse keeps only symbols present in both the perpetual universe and
// the funding map (stage 1).
func JoinUniverse(universe []string, funding map[string]FundingInfo) ([]string, StageCount) {
	joined := make([]string, 0, len(universe))
	for _, s := range universe {
		if _, ok := funding[s]; ok {
			joined = append(joined, s)
		}
	}
	return joined, StageCount{Stage: "universe_join", Kept: len(joined), Rejected: len(universe) - len(joined)}
}

// FilterByFunding applies the funding/volume/time-window bounds (stage 2),
// sorts survivors by |funding| descending and truncates to the soft limit.
// The formatted countdown is computed here so later stages carry it along.
func FilterByFunding(symbols []string, funding map[string]FundingInfo, f FundingFilter, now time.Time) ([]Candidate, StageCount) {
	volumeMin := f.EffectiveVolumeMin()
	timeWindow := f.TimeMinMinutes != nil || f.TimeMaxMinutes != nil

	kept := make([]Candidate, 0, len(symbols))
	for _, sym := range symbols {
		info, ok := funding[sym]
		if !ok {
			continue
		}
		absFunding := math.Abs(info.FundingRate)
		if f.FundingMin != nil && absFunding < *f.FundingMin {
			continue
		}
		if f.FundingMax != nil && absFunding > *f.FundingMax {
			continue
		}
		if volumeMin != nil && info.Turnover24h < *volumeMin {
			continue
		}
		if timeWindow {
			minutes, ok := MinutesToFunding(info.NextFundingTime, now)
			if !ok {
				continue
			}
			if f.TimeMinMinutes != nil && minutes < *f.TimeMinMinutes {
				continue
			}
			if f.TimeMaxMinutes != nil && minutes > *f.TimeMaxMinutes {
				continue
			}
		}
		kept = append(kept, Candidate{
			Symbol:      sym,
			FundingRate: info.FundingRate,
			Turnover24h: info.Turnover24h,
			FundingIn:   FormatFundingCountdown(info.NextFundingTime, now),
			Volatility:  VolatilityUnknown,
		})
	}

	sort.Slice(kept, func(i, j int) bool {
		fi, fj := math.Abs(kept[i].FundingRate), math.Abs(kept[j].FundingRate)
		if fi != fj {
			return fi > fj
		}
		return kept[i].Symbol < kept[j].Symbol
	})
	if f.SoftLimit > 0 && len(kept) > f.SoftLimit {
		kept = kept[:f.SoftLimit]
	}
	return kept, StageCount{Stage: "funding_volume_time", Kept: len(kept), Rejected: len(symbols) - len(kept)}
}

// FilterBySpread drops candidates whose spread exceeds spreadMax (stage 3).
// Candidates without a measured spread are dropped while the filter is
// enabled; with a nil threshold all candidates pass with spread zero.
func FilterBySpread(candidates []Candidate, spreads map[string]float64, spreadMax *float64) ([]Candidate, StageCount) {
	if spreadMax == nil {
		out := make([]Candidate, len(candidates))
		copy(out, candidates)
		return out, StageCount{Stage: "spread", Kept: len(out)}
	}
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		spread, ok := spreads[c.Symbol]
		if !ok || spread > *spreadMax {
			continue
		}
		c.Spread = spread
		kept = append(kept, c)
	}
	return kept, StageCount{Stage: "spread", Kept: len(kept), Rejected: len(candidates) - len(kept)}
}

// VolatilitySource yields the cached volatility fraction for a symbol;
// ok=false means unknown, which keeps the symbol eligible.
type VolatilitySource func(symbol string) (float64, bool)

// FilterByVolatility consults the volatility cache and drops candidates
// outside [min, max] (stage 4). Unknown volatility never rejects.
func FilterByVolatility(candidates []Candidate, source VolatilitySource, volMin, volMax *float64) ([]Candidate, StageCount) {
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		vol, ok := source(c.Symbol)
		if ok {
			if volMin != nil && vol < *volMin {
				continue
			}
			if volMax != nil && vol > *volMax {
				continue
			}
			c.Volatility = vol
		} else {
			c.Volatility = VolatilityUnknown
		}
		kept = append(kept, c)
	}
	return kept, StageCount{Stage: "volatility", Kept: len(kept), Rejected: len(candidates) - len(kept)}
}
