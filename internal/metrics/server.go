package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// HealthFunc reports component health; the map keys are component names
// and a false value turns the endpoint red.
type HealthFunc func() map[string]bool

// WatchlistFunc returns whatever the coordinator wants to expose on the
// /watchlist endpoint, typically the current ranked active set.
type WatchlistFunc func() interface{}

// Server is the operational HTTP endpoint: metrics, health and a
// read-only watchlist view.
type Server struct {
	srv       *http.Server
	health    HealthFunc
	watchlist WatchlistFunc
}

// NewServer wires the ops routes on addr. Either callback may be nil.
func NewServer(addr string, m *Metrics, health HealthFunc, watchlist WatchlistFunc) *Server {
	s := &Server{health: health, watchlist: watchlist}

	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/watchlist", s.handleWatchlist).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	components := map[string]bool{}
	if s.health != nil {
		components = s.health()
	}
	healthy := true
	for _, ok := range components {
		if !ok {
			healthy = false
			break
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":    healthy,
		"components": components,
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWatchlist(w http.ResponseWriter, _ *http.Request) {
	var payload interface{}
	if s.watchlist != nil {
		payload = s.watchlist()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// Start serves until the listener fails. It returns immediately; the
// serving goroutine logs a fatal listener error.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("ops server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("ops server stopped")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
