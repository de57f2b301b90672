// Package stream maintains the two public Bybit WebSocket connections and
// the fused per-symbol ticker state they feed.
package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/perprun/perprun/internal/bybit"
)

// DefaultTTL is how long a symbol's fused state survives without any
// update before PurgeExpired evicts it.
const DefaultTTL = 120 * time.Second

// InstantTicker is the fused latest-known state of one symbol. Pointer
// fields are nil until some source has supplied them; a partial update
// never nils out a field another source already filled.
type InstantTicker struct {
	Symbol          string
	FundingRate     *float64
	Turnover24h     *float64
	Volume24h       *float64
	Bid1Price       *float64
	Ask1Price       *float64
	MarkPrice       *float64
	LastPrice       *float64
	NextFundingTime string
	UpdatedAt       time.Time
	FromWS          bool
}

// merge folds in into t, field by field. Only non-nil incoming fields
// overwrite; the latest non-null value always wins.
func (t *InstantTicker) merge(in InstantTicker) {
	if in.FundingRate != nil {
		t.FundingRate = in.FundingRate
	}
	if in.Turnover24h != nil {
		t.Turnover24h = in.Turnover24h
	}
	if in.Volume24h != nil {
		t.Volume24h = in.Volume24h
	}
	if in.Bid1Price != nil {
		t.Bid1Price = in.Bid1Price
	}
	if in.Ask1Price != nil {
		t.Ask1Price = in.Ask1Price
	}
	if in.MarkPrice != nil {
		t.MarkPrice = in.MarkPrice
	}
	if in.LastPrice != nil {
		t.LastPrice = in.LastPrice
	}
	if in.NextFundingTime != "" {
		t.NextFundingTime = in.NextFundingTime
	}
	t.UpdatedAt = in.UpdatedAt
	if in.FromWS {
		t.FromWS = true
	}
}

// clone deep-copies t so callers can hold a snapshot without racing the
// writer goroutine.
func (t *InstantTicker) clone() InstantTicker {
	out := *t
	cp := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	out.FundingRate = cp(t.FundingRate)
	out.Turnover24h = cp(t.Turnover24h)
	out.Volume24h = cp(t.Volume24h)
	out.Bid1Price = cp(t.Bid1Price)
	out.Ask1Price = cp(t.Ask1Price)
	out.MarkPrice = cp(t.MarkPrice)
	out.LastPrice = cp(t.LastPrice)
	return out
}

// Store holds the fused state for every tracked symbol behind one mutex.
type Store struct {
	mu   sync.RWMutex
	data map[string]*InstantTicker
	ttl  time.Duration
	now  func() time.Time
}

// NewStore creates a store with the default eviction TTL.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*InstantTicker),
		ttl:  DefaultTTL,
		now:  time.Now,
	}
}

// Apply merges a partial update into the symbol's fused state.
func (s *Store) Apply(update InstantTicker) {
	if update.Symbol == "" {
		return
	}
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[update.Symbol]
	if !ok {
		cur = &InstantTicker{Symbol: update.Symbol}
		s.data[update.Symbol] = cur
	}
	cur.merge(update)
}

// Seed loads a REST snapshot for a symbol. It uses the same merge rules
// as Apply, so a later WebSocket frame only overrides fields it carries.
func (s *Store) Seed(t bybit.Ticker) {
	s.Apply(InstantTicker{
		Symbol:          t.Symbol,
		FundingRate:     t.FundingRate,
		Turnover24h:     t.Turnover24h,
		Volume24h:       t.Volume24h,
		Bid1Price:       t.Bid1Price,
		Ask1Price:       t.Ask1Price,
		MarkPrice:       t.MarkPrice,
		LastPrice:       t.LastPrice,
		NextFundingTime: t.NextFundingTime,
	})
}

// Snapshot returns a defensive copy of the symbol's fused state.
func (s *Store) Snapshot(symbol string) (InstantTicker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.data[symbol]
	if !ok {
		return InstantTicker{}, false
	}
	return cur.clone(), true
}

// HasWSData reports whether the symbol has received at least one live
// WebSocket update, as opposed to REST seeding alone.
func (s *Store) HasWSData(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.data[symbol]
	return ok && cur.FromWS
}

// Drop removes a symbol's fused state entirely.
func (s *Store) Drop(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, symbol)
}

// Stale lists symbols whose fused state has not been touched within
// limit, sorted for stable logging.
func (s *Store) Stale(limit time.Duration) []string {
	cutoff := s.now().Add(-limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for sym, cur := range s.data {
		if cur.UpdatedAt.Before(cutoff) {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// PurgeExpired evicts symbols that have not been updated within the TTL
// and returns how many were removed.
func (s *Store) PurgeExpired() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sym, cur := range s.data {
		if cur.UpdatedAt.Before(cutoff) {
			delete(s.data, sym)
			n++
		}
	}
	return n
}

// Len reports how many symbols are tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
