// Package api exposes the harness's control surface over HTTP: session
// listing and eviction, server status, a websocket event stream, and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/anvil-dev/anvil/internal/metrics"
	"github.com/anvil-dev/anvil/internal/relay"
)

// Server serves the control API for one relay instance.
type Server struct {
	relay   *relay.Server
	tracker *Tracker
	metrics *metrics.Metrics
	logger  *logrus.Logger

	httpServer *http.Server
}

func New(relayServer *relay.Server, tracker *Tracker, m *metrics.Metrics, logger *logrus.Logger) *Server {
	return &Server{
		relay:   relayServer,
		tracker: tracker,
		metrics: m,
		logger:  logger,
	}
}

// Routes assembles the router for the control surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/sessions", s.handleSessions)
	r.Get("/v1/sessions/recent", s.handleRecentSessions)
	r.Post("/v1/sessions/{id}/kick", s.handleKick)
	r.Get("/v1/events", s.tracker.hub.HandleWebSocket)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	return r
}

// Start serves the control API in the background.
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Routes()}

	go func() {
		s.logger.Infof("control API listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("control API server failed: %v", err)
		}
	}()
}

// Shutdown stops the HTTP server and drops websocket subscribers, which
// Shutdown alone would leave hanging on their hijacked connections.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnf("error shutting down control API: %v", err)
		}
	}
	s.tracker.hub.Close()
}

type statusResponse struct {
	BoundPort         int       `json:"bound_port"`
	ProtocolVersion   string    `json:"protocol_version"`
	ActiveSessions    int       `json:"active_sessions"`
	IdentifiedClients []string  `json:"identified_clients"`
	EventSubscribers  int       `json:"event_subscribers"`
	StartedAt         time.Time `json:"started_at"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	BufferPoolGets    uint64    `json:"buffer_pool_gets"`
	BufferPoolPuts    uint64    `json:"buffer_pool_puts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.relay.Stats()

	status := statusResponse{
		BoundPort:         stats.BoundPort,
		ProtocolVersion:   stats.Version.String(),
		ActiveSessions:    stats.ActiveSessions,
		IdentifiedClients: stats.Identified,
		EventSubscribers:  s.tracker.hub.ClientCount(),
		StartedAt:         stats.StartedAt,
		BufferPoolGets:    stats.PoolGets,
		BufferPoolPuts:    stats.PoolPuts,
	}
	if !stats.StartedAt.IsZero() {
		status.UptimeSeconds = int64(time.Since(stats.StartedAt).Seconds())
	}
	s.writeJSON(w, http.StatusOK, status)
}

type sessionResponse struct {
	ClientID    string    `json:"client_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	Frames      uint64    `json:"frames"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.relay.Snapshot()

	sessions := make([]sessionResponse, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, sessionResponse{
			ClientID:    info.ClientID,
			RemoteAddr:  info.RemoteAddr,
			ConnectedAt: info.ConnectedAt,
			BytesIn:     info.BytesIn,
			BytesOut:    info.BytesOut,
			Frames:      info.Frames,
		})
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Recent())
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !s.relay.TryKickClient(id) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown client id"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"kicked": id})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("failed to encode response: %v", err)
	}
}
