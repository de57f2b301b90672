package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perprun/perprun/internal/bus"
	"github.com/perprun/perprun/internal/domain"
	"github.com/perprun/perprun/internal/metrics"
)

// Manager runs one connection per contract category and keeps their
// subscriptions in step with the active set.
type Manager struct {
	store  *Store
	fusion *Fusion
	conns  map[domain.Category]*Conn
	met    *metrics.Metrics

	staleWarn time.Duration

	mu      sync.Mutex
	watched map[string]struct{}
}

// NewManager builds the linear and inverse connections. met may be nil.
func NewManager(testnet bool, store *Store, b *bus.Bus[Event], met *metrics.Metrics) *Manager {
	m := &Manager{
		store:   store,
		fusion:  NewFusion(store, b, met),
		conns:   make(map[domain.Category]*Conn),
		met:     met,
		watched: make(map[string]struct{}),
	}
	for _, cat := range []domain.Category{domain.CategoryLinear, domain.CategoryInverse} {
		m.conns[cat] = NewConn(cat, testnet, m.fusion.Handle, m.onState)
	}
	return m
}

func (m *Manager) onState(cat domain.Category, s State) {
	if m.met == nil {
		return
	}
	m.met.WSState.WithLabelValues(string(cat)).Set(float64(s))
	if s == StateConnecting {
		m.met.WSReconnects.WithLabelValues(string(cat)).Inc()
	}
}

// SetIdleLimit applies the silence watchdog to both connections.
func (m *Manager) SetIdleLimit(d time.Duration) {
	for _, c := range m.conns {
		c.SetIdleLimit(d)
	}
}

// EnableInactivityWarnings makes Start run a loop that logs a warning,
// without reconnecting, for every watched symbol whose stream state has
// not been touched in d. Must be called before Start.
func (m *Manager) EnableInactivityWarnings(d time.Duration) {
	if d > 0 {
		m.staleWarn = d
	}
}

// Start launches both connections and the store eviction loop; they run
// until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	for _, c := range m.conns {
		go c.Run(ctx)
	}
	go m.purgeLoop(ctx)
	if m.staleWarn > 0 {
		go m.watchdogLoop(ctx)
	}
}

func (m *Manager) watchdogLoop(ctx context.Context) {
	t := time.NewTicker(m.staleWarn / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, sym := range m.store.Stale(m.staleWarn) {
				log.Warn().Str("symbol", sym).Dur("quiet_for", m.staleWarn).
					Msg("no stream data on watched symbol")
			}
		}
	}
}

func (m *Manager) purgeLoop(ctx context.Context) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.store.PurgeExpired(); n > 0 {
				log.Debug().Int("evicted", n).Msg("stale ticker state purged")
			}
		}
	}
}

// topicsFor is the full topic set carried per watched symbol.
func topicsFor(sym string) []string {
	return []string{TickerTopic(sym), TradeTopic(sym), BookTopic(sym)}
}

// SetWatch reconciles subscriptions against the wanted symbol set,
// subscribing additions and unsubscribing departures per category. Each
// watched symbol carries its ticker, trade and top-of-book topics.
func (m *Manager) SetWatch(current, wanted map[string]domain.Category) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for sym, cat := range wanted {
		if _, ok := current[sym]; !ok {
			record(m.conns[cat].Subscribe(topicsFor(sym)...))
		}
	}
	for sym, cat := range current {
		if _, ok := wanted[sym]; !ok {
			record(m.conns[cat].Unsubscribe(topicsFor(sym)...))
			m.store.Drop(sym)
		}
	}
	m.mu.Lock()
	m.watched = make(map[string]struct{}, len(wanted))
	for sym := range wanted {
		m.watched[sym] = struct{}{}
	}
	m.mu.Unlock()
	return firstErr
}

// SubscribeTurbo sends an incremental subscribe for the symbol's full
// topic set; topics already held by the watchlist are not re-sent.
func (m *Manager) SubscribeTurbo(symbol string, cat domain.Category) error {
	return m.conns[cat].Subscribe(topicsFor(symbol)...)
}

// UnsubscribeTurbo detaches one symbol's fast-loop streams. While the
// watchlist still holds the symbol its topics stay up.
func (m *Manager) UnsubscribeTurbo(symbol string, cat domain.Category) error {
	m.mu.Lock()
	_, held := m.watched[symbol]
	m.mu.Unlock()
	if held {
		return nil
	}
	return m.conns[cat].Unsubscribe(TradeTopic(symbol), BookTopic(symbol))
}

// Ready reports whether the category's connection is at least open.
func (m *Manager) Ready(cat domain.Category) bool {
	s := m.conns[cat].State()
	return s == StateOpen || s == StateSubscribed
}

// Health summarizes connection liveness for the ops endpoint.
func (m *Manager) Health() map[string]bool {
	out := make(map[string]bool, len(m.conns))
	for cat, c := range m.conns {
		s := c.State()
		out["ws_"+string(cat)] = s == StateOpen || s == StateSubscribed
	}
	return out
}

// Store exposes the fused state for read access.
func (m *Manager) Store() *Store { return m.store }
