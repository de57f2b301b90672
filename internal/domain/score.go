package domain

import (
	"math"
	"sort"
)

// Weights are the composite score coefficients. The score rewards funding
// magnitude and volume, and penalizes spread and volatility:
//
//	score = w_f*f + w_v*ln(max(v,1)) - w_s*s - w_vol*sigma
type Weights struct {
	Funding    float64 `yaml:"weight_funding"`
	Volume     float64 `yaml:"weight_volume"`
	Spread     float64 `yaml:"weight_spread"`
	Volatility float64 `yaml:"weight_volatility"`
}

// ComputeScore evaluates the composite score for one symbol. Volume at or
// below 1 clamps the log term to zero; a negative (unknown) volatility
// contributes no penalty.
func ComputeScore(funding, volume, spread, volatility float64, w Weights) float64 {
	logVolume := 0.0
	if volume > 1 {
		logVolume = math.Log(volume)
	}
	volPenalty := 0.0
	if volatility > 0 {
		volPenalty = w.Volatility * volatility
	}
	return w.Funding*funding + w.Volume*logVolume - w.Spread*spread - volPenalty
}

// Rank scores every candidate, sorts by score descending and truncates to
// topN. Ties break by |funding| descending, then symbol ascending, so the
// ordering is total and repeated passes over the same input are stable.
func Rank(candidates []Candidate, w Weights, topN int) []Candidate {
	scored := make([]Candidate, len(candidates))
	copy(scored, candidates)
	for i := range scored {
		scored[i].Score = ComputeScore(scored[i].FundingRate, scored[i].Turnover24h, scored[i].Spread, scored[i].Volatility, w)
		scored[i].Scored = true
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		fi, fj := math.Abs(scored[i].FundingRate), math.Abs(scored[j].FundingRate)
		if fi != fj {
			return fi > fj
		}
		return scored[i].Symbol < scored[j].Symbol
	})
	if topN > 0 && len(scored) > topN {
		scored = scored[:topN]
	}
	return scored
}
