// Package api serves pool health, timeout stats and Prometheus metrics over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/v0xg/dbguard/internal/api/middleware"
	"github.com/v0xg/dbguard/internal/logger"
	"github.com/v0xg/dbguard/internal/poolmon"
	"github.com/v0xg/dbguard/internal/timeout"
)

// Config holds the HTTP server settings.
type Config struct {
	Listen string
	// DegradedStatus is returned by /readyz for warning and critical
	// health while the database is reachable.
	DegradedStatus  int
	ShutdownTimeout time.Duration
	// ProbeTimeout bounds the connectivity check behind /readyz and
	// /api/v1/report.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DegradedStatus == 0 {
		c.DegradedStatus = http.StatusServiceUnavailable
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Server exposes a Monitor and a Governor.
type Server struct {
	cfg      Config
	monitor  *poolmon.Monitor
	governor *timeout.Governor
	registry *prometheus.Registry
	log      *slog.Logger
	router   chi.Router
	http     *http.Server
	addr     string
}

// New builds the router. registry may be nil, in which case /metrics is
// not mounted.
func New(cfg Config, monitor *poolmon.Monitor, governor *timeout.Governor, registry *prometheus.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg.withDefaults(),
		monitor:  monitor,
		governor: governor,
		registry: registry,
		log:      log.With(logger.Scope("api")),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/report", s.handleReport)
		r.Get("/leaks", s.handleLeaks)
		r.Get("/timeouts", s.handleTimeouts)
		r.Post("/timeouts/reset", s.handleTimeoutsReset)
	})

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
			ErrorLog: slog.NewLogLogger(s.log.Handler(), slog.LevelError),
		}))
	}

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on cfg.Listen and serves in the background. Listen errors
// are returned immediately; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", logger.Error(err))
		}
	}()

	s.addr = ln.Addr().String()
	s.log.Info("HTTP API listening", "address", s.addr)
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown drains in-flight requests. It is a no-op if Start was not called.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readyResponse struct {
	Status string         `json:"status"`
	Report poolmon.Report `json:"report"`
}

// readiness maps a report to the /readyz status label and HTTP code.
func (s *Server) readiness(rep poolmon.Report) (string, int) {
	if !rep.Connectivity.Connected {
		return "disconnected", http.StatusServiceUnavailable
	}
	if rep.Health.Status == poolmon.StatusHealthy {
		return string(rep.Health.Status), http.StatusOK
	}
	return string(rep.Health.Status), s.cfg.DegradedStatus
}

func (s *Server) report(r *http.Request) poolmon.Report {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProbeTimeout)
	defer cancel()
	return s.monitor.DetailedReport(ctx)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	rep := s.report(r)
	label, code := s.readiness(rep)
	writeJSON(w, code, readyResponse{Status: label, Report: rep})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.report(r))
}

type statusResponse struct {
	Health poolmon.HealthStatus      `json:"health"`
	Active []poolmon.ActiveOperation `json:"active"`
	Peak   float64                   `json:"peak_utilization_percent"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Health: s.monitor.CurrentHealth(),
		Active: s.monitor.ActiveOperations(),
		Peak:   s.monitor.PeakUtilization(),
	})
}

type leaksResponse struct {
	ThresholdMS int64                   `json:"threshold_ms"`
	Leaks       []poolmon.LeakCandidate `json:"leaks"`
}

func (s *Server) handleLeaks(w http.ResponseWriter, r *http.Request) {
	leaks := s.monitor.DetectLeaks()
	if leaks == nil {
		leaks = []poolmon.LeakCandidate{}
	}
	writeJSON(w, http.StatusOK, leaksResponse{
		ThresholdMS: s.monitor.Config().LeakThreshold.Milliseconds(),
		Leaks:       leaks,
	})
}

type timeoutsResponse struct {
	Total int64          `json:"total"`
	Stats []timeout.Stat `json:"stats"`
}

// handleTimeouts lists timeout stats. ?kind= selects one kind; ?limit=
// returns the most frequent kinds first.
func (s *Server) handleTimeouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if kind := q.Get("kind"); kind != "" {
		st, ok := s.governor.Stat(kind)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no timeouts recorded for kind %q", kind))
			return
		}
		writeJSON(w, http.StatusOK, timeoutsResponse{Total: st.Count, Stats: []timeout.Stat{st}})
		return
	}

	stats := s.governor.Stats()
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		stats = s.governor.TopTimeouts(limit)
	}

	writeJSON(w, http.StatusOK, timeoutsResponse{
		Total: s.governor.TotalTimeoutCount(),
		Stats: stats,
	})
}

func (s *Server) handleTimeoutsReset(w http.ResponseWriter, r *http.Request) {
	s.governor.Reset()
	s.log.Info("timeout stats reset", "request_id", middleware.GetRequestID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
