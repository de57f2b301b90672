package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration, loaded from YAML. Optional
// thresholds are pointers so "absent" and "zero" stay distinguishable.
type Config struct {
	Categorie string `yaml:"categorie"` // linear | inverse | both
	Testnet   bool   `yaml:"testnet"`

	FundingMin        *float64 `yaml:"funding_min"`
	FundingMax        *float64 `yaml:"funding_max"`
	VolumeMin         *float64 `yaml:"volume_min"`
	VolumeMinMillions *float64 `yaml:"volume_min_millions"`
	SpreadMax         *float64 `yaml:"spread_max"`
	VolatilityMin     *float64 `yaml:"volatility_min"`
	VolatilityMax     *float64 `yaml:"volatility_max"`

	FundingTimeMinMinutes *float64 `yaml:"funding_time_min_minutes"`
	FundingTimeMaxMinutes *float64 `yaml:"funding_time_max_minutes"`

	Limite                   int `yaml:"limite"`
	VolatilityTTLSec         int `yaml:"volatility_ttl_sec"`
	RefreshWatchlistInterval int `yaml:"refresh_watchlist_interval"` // seconds; 0 disables
	RefreshInterval          int `yaml:"refresh_interval"`           // display/re-rank cadence seconds

	Scoring   Scoring   `yaml:"scoring"`
	Turbo     Turbo     `yaml:"turbo"`
	Positions Positions `yaml:"positions"`
	Risk      Risk      `yaml:"risk"`
	Redis     Redis     `yaml:"redis"`
	Ops       Ops       `yaml:"ops"`

	DebugLogs          bool `yaml:"debug_logs"`
	DebugWS            bool `yaml:"debug_ws"`
	DebugWSInactivityS int  `yaml:"debug_ws_inactivity_s"`
	WSIdleLimitS       int  `yaml:"ws_idle_limit_s"` // silence before a connection is recycled
}

type Scoring struct {
	WeightFunding    float64 `yaml:"weight_funding"`
	WeightVolume     float64 `yaml:"weight_volume"`
	WeightSpread     float64 `yaml:"weight_spread"`
	WeightVolatility float64 `yaml:"weight_volatility"`
	TopN             int     `yaml:"top_n"`
}

type Turbo struct {
	Enabled                 bool `yaml:"enabled"`
	TriggerSeconds          int  `yaml:"trigger_seconds"`
	EntrySeconds            int  `yaml:"entry_seconds"`
	RefreshMs               int  `yaml:"refresh_ms"`
	MaxParallelPairs        int  `yaml:"max_parallel_pairs"`
	CooldownS               int  `yaml:"cooldown_s"`
	CancelOnFilterBreak     bool `yaml:"cancel_on_filter_break"`
	MissOrderTimeoutS       int  `yaml:"miss_order_timeout_s"`
	AllowMidcycleTopNSwitch bool `yaml:"allow_midcycle_topn_switch"`
	WSTimeoutSeconds        int  `yaml:"ws_timeout_seconds"`
	TickLogging             bool `yaml:"tick_logging"`
}

type Positions struct {
	Leverage         float64 `yaml:"leverage"`
	CapitalFraction  float64 `yaml:"capital_fraction"`
	PostOnly         bool    `yaml:"post_only"`
	CloseAtFunding   bool    `yaml:"close_at_funding"`
	ReduceOnlyOnExit bool    `yaml:"reduce_only_on_exit"`
	ExitOrderType    string  `yaml:"exit_order_type"` // limit_post_only | market
	PricePolicy      string  `yaml:"price_policy"`    // best_bid | best_ask | mid
	MakerOffsetBps   float64 `yaml:"maker_offset_bps"`
	MinNotionalUSD   float64 `yaml:"min_notional_usd"`
}

type Risk struct {
	MaxOpenPositions int `yaml:"max_open_positions"`
	MaxTradesPerDay  int `yaml:"max_trades_per_day"`
}

// Redis configures the optional volatility cache backend; empty Addr keeps
// the in-memory cache.
type Redis struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// Ops configures the metrics/health HTTP listener; empty disables it.
type Ops struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration the engine runs with when no file is
// present, mirroring the exchange-side defaults.
func Default() *Config {
	return &Config{
		Categorie:                "linear",
		Testnet:                  true,
		Limite:                   10,
		VolatilityTTLSec:         120,
		RefreshWatchlistInterval: 0,
		RefreshInterval:          15,
		Scoring: Scoring{
			WeightFunding:    1000,
			WeightVolume:     10,
			WeightSpread:     200,
			WeightVolatility: 50,
			TopN:             1,
		},
		Turbo: Turbo{
			Enabled:             false,
			TriggerSeconds:      70,
			EntrySeconds:        60,
			RefreshMs:           1000,
			MaxParallelPairs:    2,
			CooldownS:           120,
			CancelOnFilterBreak: true,
			MissOrderTimeoutS:   10,
			WSTimeoutSeconds:    30,
			TickLogging:         true,
		},
		Positions: Positions{
			Leverage:         5,
			CapitalFraction:  0.2,
			PostOnly:         true,
			CloseAtFunding:   true,
			ReduceOnlyOnExit: true,
			ExitOrderType:    "limit_post_only",
			PricePolicy:      "best_bid",
			MakerOffsetBps:   0,
			MinNotionalUSD:   10,
		},
		Risk: Risk{
			MaxOpenPositions: 2,
			MaxTradesPerDay:  50,
		},
		DebugWSInactivityS: 10,
		WSIdleLimitS:       60,
	}
}

// Load reads path over the defaults and validates the result. A missing
// file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the documented bounds. All violations are gathered so
// a broken file reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Categorie {
	case "linear", "inverse", "both":
	default:
		add("categorie %q invalid, allowed: linear, inverse, both", c.Categorie)
	}

	boundPair := func(name string, lo, hi *float64) {
		if lo != nil && hi != nil && *lo > *hi {
			add("%s_min (%v) greater than %s_max (%v)", name, *lo, name, *hi)
		}
	}
	boundPair("funding", c.FundingMin, c.FundingMax)
	boundPair("volatility", c.VolatilityMin, c.VolatilityMax)

	nonNegative := map[string]*float64{
		"funding_min":         c.FundingMin,
		"funding_max":         c.FundingMax,
		"volatility_min":      c.VolatilityMin,
		"volatility_max":      c.VolatilityMax,
		"volume_min":          c.VolumeMin,
		"volume_min_millions": c.VolumeMinMillions,
	}
	for name, v := range nonNegative {
		if v != nil && *v < 0 {
			add("%s cannot be negative (%v)", name, *v)
		}
	}

	if c.SpreadMax != nil {
		if *c.SpreadMax < 0 {
			add("spread_max cannot be negative (%v)", *c.SpreadMax)
		}
		if *c.SpreadMax > 1.0 {
			add("spread_max too high (%v), maximum 1.0", *c.SpreadMax)
		}
	}

	for name, v := range map[string]*float64{
		"funding_time_min_minutes": c.FundingTimeMinMinutes,
		"funding_time_max_minutes": c.FundingTimeMaxMinutes,
	} {
		if v != nil {
			if *v < 0 {
				add("%s cannot be negative (%v)", name, *v)
			}
			if *v > 1440 {
				add("%s too high (%v), maximum 1440", name, *v)
			}
		}
	}
	if c.FundingTimeMinMinutes != nil && c.FundingTimeMaxMinutes != nil &&
		*c.FundingTimeMinMinutes > *c.FundingTimeMaxMinutes {
		add("funding_time_min_minutes (%v) greater than funding_time_max_minutes (%v)",
			*c.FundingTimeMinMinutes, *c.FundingTimeMaxMinutes)
	}

	if c.Limite < 1 || c.Limite > 1000 {
		add("limite out of range (%d), allowed (0, 1000]", c.Limite)
	}
	if c.VolatilityTTLSec < 10 || c.VolatilityTTLSec > 3600 {
		add("volatility_ttl_sec out of range (%d), allowed [10, 3600]", c.VolatilityTTLSec)
	}
	if c.RefreshWatchlistInterval != 0 &&
		(c.RefreshWatchlistInterval < 60 || c.RefreshWatchlistInterval > 86400) {
		add("refresh_watchlist_interval out of range (%d), allowed 0 or [60, 86400]", c.RefreshWatchlistInterval)
	}
	if c.RefreshInterval < 1 {
		add("refresh_interval must be positive (%d)", c.RefreshInterval)
	}
	if c.Scoring.TopN < 1 {
		add("scoring.top_n must be positive (%d)", c.Scoring.TopN)
	}

	if c.Turbo.Enabled {
		if c.Turbo.TriggerSeconds <= 0 {
			add("turbo.trigger_seconds must be positive (%d)", c.Turbo.TriggerSeconds)
		}
		if c.Turbo.EntrySeconds <= 0 || c.Turbo.EntrySeconds > c.Turbo.TriggerSeconds {
			add("turbo.entry_seconds (%d) must be in (0, trigger_seconds]", c.Turbo.EntrySeconds)
		}
		if c.Turbo.RefreshMs < 100 {
			add("turbo.refresh_ms too low (%d), minimum 100", c.Turbo.RefreshMs)
		}
		if c.Turbo.MaxParallelPairs < 1 {
			add("turbo.max_parallel_pairs must be positive (%d)", c.Turbo.MaxParallelPairs)
		}
	}

	switch c.Positions.ExitOrderType {
	case "limit_post_only", "market":
	default:
		add("positions.exit_order_type %q invalid, allowed: limit_post_only, market", c.Positions.ExitOrderType)
	}
	switch c.Positions.PricePolicy {
	case "best_bid", "best_ask", "mid":
	default:
		add("positions.price_policy %q invalid, allowed: best_bid, best_ask, mid", c.Positions.PricePolicy)
	}
	if c.Positions.CapitalFraction <= 0 || c.Positions.CapitalFraction > 1 {
		add("positions.capital_fraction out of range (%v), allowed (0, 1]", c.Positions.CapitalFraction)
	}
	if c.Positions.Leverage <= 0 {
		add("positions.leverage must be positive (%v)", c.Positions.Leverage)
	}

	if len(errs) > 0 {
		msg := "invalid configuration:"
		for _, e := range errs {
			msg += "\n  - " + e
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

func (c *Config) RefreshWatchlistEvery() time.Duration {
	return time.Duration(c.RefreshWatchlistInterval) * time.Second
}

func (c *Config) RefreshEvery() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

func (c *Config) VolatilityTTL() time.Duration {
	return time.Duration(c.VolatilityTTLSec) * time.Second
}
