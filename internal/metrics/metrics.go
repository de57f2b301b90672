// Package metrics owns the Prometheus registry and the operational HTTP
// surface. All collectors are registered on a private registry so tests
// can construct as many instances as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics bundles every collector the engine emits.
type Metrics struct {
	reg *prometheus.Registry

	FilterStage     *prometheus.CounterVec
	RefreshTotal    *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	ActivePairs     prometheus.Gauge

	WSMessages   *prometheus.CounterVec
	WSReconnects *prometheus.CounterVec
	WSState      *prometheus.GaugeVec

	TurboEvents *prometheus.CounterVec
	TurboActive prometheus.Gauge

	OrdersPlaced  *prometheus.CounterVec
	HTTPRetries   prometheus.Counter
	VolCacheHits  prometheus.Counter
	VolCacheMiss  prometheus.Counter
}

// New builds a fresh registry with every collector registered.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.FilterStage = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perprun_filter_stage_total",
		Help: "Symbols processed per filter stage, split by outcome.",
	}, []string{"stage", "outcome"})

	m.RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perprun_watchlist_refresh_total",
		Help: "Watchlist refresh cycles by result.",
	}, []string{"result"})

	m.RefreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "perprun_watchlist_refresh_seconds",
		Help:    "Wall time of a full watchlist refresh cycle.",
		Buckets: prometheus.DefBuckets,
	})

	m.ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "perprun_active_pairs",
		Help: "Symbols currently in the active set.",
	})

	m.WSMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perprun_ws_messages_total",
		Help: "WebSocket messages received, by category and topic kind.",
	}, []string{"category", "topic"})

	m.WSReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perprun_ws_reconnects_total",
		Help: "WebSocket reconnect attempts by category.",
	}, []string{"category"})

	m.WSState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perprun_ws_state",
		Help: "Connection state per category (0 disconnected .. 4 degraded).",
	}, []string{"category"})

	m.TurboEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perprun_turbo_events_total",
		Help: "Turbo lifecycle events by kind.",
	}, []string{"event"})

	m.TurboActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "perprun_turbo_active_loops",
		Help: "Fast loops currently running.",
	})

	m.OrdersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perprun_orders_total",
		Help: "Orders placed, by side and outcome.",
	}, []string{"side", "outcome"})

	m.HTTPRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perprun_http_retries_total",
		Help: "REST request retries.",
	})

	m.VolCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perprun_volatility_cache_hits_total",
		Help: "Volatility lookups served from cache.",
	})
	m.VolCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perprun_volatility_cache_misses_total",
		Help: "Volatility lookups that required a kline fetch.",
	})

	m.reg.MustRegister(
		m.FilterStage, m.RefreshTotal, m.RefreshDuration, m.ActivePairs,
		m.WSMessages, m.WSReconnects, m.WSState,
		m.TurboEvents, m.TurboActive,
		m.OrdersPlaced, m.HTTPRetries, m.VolCacheHits, m.VolCacheMiss,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Summary gathers the registry and folds a few families into a map for
// the periodic runtime-summary log line. Counter families are summed
// across label sets; gauges take the last value.
func (m *Metrics) Summary() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.reg.Gather()
	if err != nil {
		return out
	}
	wanted := map[string]string{
		"perprun_ws_messages_total":       "ws_messages",
		"perprun_ws_reconnects_total":     "ws_reconnects",
		"perprun_active_pairs":            "active_pairs",
		"perprun_turbo_active_loops":      "turbo_loops",
		"perprun_turbo_events_total":      "turbo_events",
		"perprun_orders_total":            "orders",
		"perprun_http_retries_total":      "http_retries",
		"perprun_watchlist_refresh_total": "refreshes",
	}
	for _, fam := range families {
		key, ok := wanted[fam.GetName()]
		if !ok {
			continue
		}
		var v float64
		for _, metric := range fam.GetMetric() {
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				v += metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				v = metric.GetGauge().GetValue()
			}
		}
		out[key] = v
	}
	return out
}
