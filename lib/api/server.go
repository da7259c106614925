// Package api serves the engine's selection state over a local HTTP
// endpoint, for operators and scripts that do not speak MQTT.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maksimkurb/nm-failover/lib/engine"
	"github.com/maksimkurb/nm-failover/lib/log"
)

// SnapshotProvider hands out the latest engine snapshot.
type SnapshotProvider interface {
	Snapshot() *engine.Snapshot
}

// Server is the status HTTP server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	provider   SnapshotProvider
}

// NewServer builds a server bound to the given address.
func NewServer(bindAddr string, provider SnapshotProvider) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		provider: provider,
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         bindAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
	})
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	log.Infof("Status API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.provider.Snapshot()
	if snapshot == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no snapshot yet"})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Failed to encode response: %v", err)
	}
}
