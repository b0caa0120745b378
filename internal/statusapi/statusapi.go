// Package statusapi exposes a read-only HTTP surface over the coordinator's
// live state: session health, role, queue depth, known models, and
// Prometheus metrics. It never mutates coordination state.
package statusapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redborder-io/outlierscoord/internal/coordination"
	"github.com/redborder-io/outlierscoord/internal/coordinator"
	"github.com/redborder-io/outlierscoord/internal/obsstore"
)

// Server is the read-only HTTP API server.
type Server struct {
	client      coordination.Client
	coordinator *coordinator.Coordinator
	obs         *obsstore.Store
	logger      *slog.Logger

	startTime  time.Time
	httpServer *http.Server

	mu    sync.RWMutex
	state coordination.SessionState
}

// NewServer creates a read-only status/metrics server.
func NewServer(client coordination.Client, c *coordinator.Coordinator, obs *obsstore.Store, logger *slog.Logger) *Server {
	return &Server{
		client:      client,
		coordinator: c,
		obs:         obs,
		logger:      logger,
		startTime:   time.Now(),
		state:       coordination.StateUnknown,
	}
}

// Start begins listening on bind. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context, bind string) error {
	go s.watchSessionState(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/models", s.handleModels)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:        bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("status api starting", "bind", bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) watchSessionState(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-s.client.State():
			if !ok {
				return
			}
			s.mu.Lock()
			s.state = st
			s.mu.Unlock()
		}
	}
}

func (s *Server) sessionState() coordination.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// GET /health — 200 if the coordination session is CONNECTED, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.sessionState()
	healthy := state == coordination.StateConnected

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"healthy": healthy,
		"session": state.String(),
	})
}

// GET /status — role, identity, last sweep summary, queue depth.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	role := "follower"
	if s.coordinator.IsLeader() {
		role = "leader"
	}

	var queueDepth any
	if n, err := s.coordinator.QueueSize(ctx); err == nil {
		queueDepth = n
	} else {
		s.logger.Warn("status: queue size unavailable", "error", err)
		queueDepth = nil
	}

	var lastSweep any
	if s.obs != nil {
		sweeps, err := s.obs.RecentSweeps(1)
		if err != nil {
			s.logger.Warn("status: recent sweeps unavailable", "error", err)
		} else if len(sweeps) == 1 {
			lastSweep = sweeps[0]
		}
	}

	writeJSON(w, map[string]any{
		"uptime_s":   time.Since(s.startTime).Seconds(),
		"role":       role,
		"identity":   s.coordinator.Identity(),
		"session":    s.sessionState().String(),
		"queue_depth": queueDepth,
		"last_sweep": lastSweep,
	})
}

// GET /models — currently-known models and their TAKEN/TRAIN marker state.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.coordinator.ModelStatuses(r.Context())
	if err != nil {
		s.logger.Warn("models: listing unavailable", "error", err)
		writeJSON(w, map[string]any{"models": []any{}, "error": err.Error()})
		return
	}
	writeJSON(w, map[string]any{"models": statuses})
}
