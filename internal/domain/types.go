package domain

// Category is the Bybit contract family a symbol belongs to. It is assigned
// once from instruments-info metadata and never changes afterwards.
type Category string

const (
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
)

// FundingInfo is one symbol's slice of the REST funding map.
type FundingInfo struct {
	Category        Category
	FundingRate     float64
	Turnover24h     float64
	NextFundingTime string // raw exchange representation, normalized lazily
}

// Candidate is a symbol that survived the filter pipeline. Score is only
// meaningful once Rank has run (Scored reports whether it has).
type Candidate struct {
	Symbol      string
	FundingRate float64
	Turnover24h float64
	FundingIn   string // formatted countdown, "4m 12s"
	Spread      float64
	Volatility  float64 // negative when unknown
	Score       float64
	Scored      bool
}

// VolatilityUnknown marks a candidate whose volatility could not be
// measured; the scorer treats it as a zero penalty, not an exclusion.
const VolatilityUnknown = -1.0

// StageCount reports how a filter stage divided its input.
type StageCount struct {
	Stage    string
	Kept     int
	Rejected int
}
