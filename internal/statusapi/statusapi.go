// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package statusapi exposes the gatekeeper's point-in-time status and
// Prometheus metrics over HTTP, for operators who'd rather poll an
// endpoint than send SIGUSR2 and grep the log.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/gatekeepd/internal/dispatch"
	"grimm.is/gatekeepd/internal/logging"
)

// Snapshotter is the subset of *dispatch.Dispatcher this package needs.
// An interface so tests can stand in a fake rather than build a real
// Dispatcher with live listeners.
type Snapshotter interface {
	Snapshot() dispatch.Status
}

// Server is a small read-only HTTP surface over the dispatcher's
// counters and the process's Prometheus registry.
type Server struct {
	router *mux.Router
	log    logging.Logger
}

// New builds a Server. reg may be nil, in which case /metrics 404s.
func New(d Snapshotter, reg *prometheus.Registry, log logging.Logger) *Server {
	s := &Server{router: mux.NewRouter(), log: log}

	s.router.HandleFunc("/status", s.handleStatus(d)).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if reg != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

// Handler returns the http.Handler to mount or serve directly.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe is a thin convenience wrapper for standalone use;
// callers embedding the server in a bigger mux should use Handler
// instead.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infof("status API listening on %s", addr)
	return srv.ListenAndServe()
}

func (s *Server) handleStatus(d Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := d.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			s.log.Warnf("status encode failed: %v", err)
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
