package poolmon

import (
	"context"
	"fmt"
	"time"

	"github.com/v0xg/dbguard/internal/logger"
)

// Status is the coarse pool health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	default:
		return 0
	}
}

// HealthStatus is a classification of one snapshot.
type HealthStatus struct {
	Status          Status      `json:"status"`
	Issues          []string    `json:"issues"`
	Recommendations []string    `json:"recommendations"`
	Metrics         PoolMetrics `json:"metrics"`
	LeakCount       int         `json:"leak_count"`
}

func (h *HealthStatus) escalate(s Status) {
	if s.rank() > h.Status.rank() {
		h.Status = s
	}
}

// HealthStatus takes a fresh snapshot and classifies it. Leak candidates
// always make the pool critical.
func (m *Monitor) HealthStatus() HealthStatus {
	return m.classify(m.Snapshot(), m.DetectLeaks())
}

// CurrentHealth classifies the current state without adding a reading to
// the history. Scrapers and probes use it so they do not skew averages.
func (m *Monitor) CurrentHealth() HealthStatus {
	return m.classify(m.Current(), m.DetectLeaks())
}

func (m *Monitor) classify(pm PoolMetrics, leaks []LeakCandidate) HealthStatus {
	h := HealthStatus{
		Status:          StatusHealthy,
		Issues:          []string{},
		Recommendations: []string{},
		Metrics:         pm,
		LeakCount:       len(leaks),
	}

	switch {
	case pm.UtilizationPercent >= m.cfg.CriticalPercent:
		h.escalate(StatusCritical)
		h.Issues = append(h.Issues, fmt.Sprintf("Pool utilization at %.1f%% (critical threshold %.0f%%)",
			pm.UtilizationPercent, m.cfg.CriticalPercent))
		h.Recommendations = append(h.Recommendations,
			"Increase pool size or reduce concurrent query load")
	case pm.UtilizationPercent >= m.cfg.WarningPercent:
		h.escalate(StatusWarning)
		h.Issues = append(h.Issues, fmt.Sprintf("Pool utilization at %.1f%% (warning threshold %.0f%%)",
			pm.UtilizationPercent, m.cfg.WarningPercent))
		h.Recommendations = append(h.Recommendations,
			"Watch pool usage and consider increasing pool size")
	}

	if pm.Idle == 0 && pm.Active > 0 {
		h.escalate(StatusWarning)
		h.Issues = append(h.Issues, "No idle connections available")
		h.Recommendations = append(h.Recommendations,
			"Review query patterns for connections held longer than needed")
	}

	if pm.UtilizationPercent > 100 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d operations in flight exceed the configured maximum of %d",
			pm.Active, pm.Max))
		h.Recommendations = append(h.Recommendations,
			"Raise max_connections to match observed concurrency")
	}

	if len(leaks) > 0 {
		h.escalate(StatusCritical)
		h.Issues = append(h.Issues, fmt.Sprintf("%d potential connection leak(s) detected", len(leaks)))
		h.Recommendations = append(h.Recommendations,
			"Inspect long-running queries and make sure connections are released")
	}

	return h
}

// ConnectivityResult reports a database round trip. Failures are carried in
// Error rather than returned.
type ConnectivityResult struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

// TestConnectivity pings the database and measures the round trip.
func (m *Monitor) TestConnectivity(ctx context.Context) ConnectivityResult {
	if m.pinger == nil {
		return ConnectivityResult{Error: "no database client configured"}
	}

	start := time.Now()
	err := m.pinger.Ping(ctx)
	latency := time.Since(start)

	res := ConnectivityResult{
		Connected: err == nil,
		Latency:   latency,
		LatencyMS: latency.Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		m.log.Warn("connectivity check failed", "latency", latency, logger.Error(err))
	}
	return res
}

// Utilization summarizes the history.
type Utilization struct {
	Average5m  float64 `json:"average_5m"`
	Average15m float64 `json:"average_15m"`
	Peak       float64 `json:"peak"`
}

// Report combines connectivity, health, and utilization history for
// operator dashboards and readiness checks.
type Report struct {
	Timestamp    time.Time          `json:"timestamp"`
	Connectivity ConnectivityResult `json:"connectivity"`
	Health       HealthStatus       `json:"health"`
	Utilization  Utilization        `json:"utilization"`
	Leaks        []LeakCandidate    `json:"leaks"`
	Active       []ActiveOperation  `json:"active"`
	Driver       *DriverStats       `json:"driver,omitempty"`
}

// DetailedReport runs a connectivity check and a health classification and
// adds the windowed utilization averages.
func (m *Monitor) DetailedReport(ctx context.Context) Report {
	conn := m.TestConnectivity(ctx)

	pm := m.Snapshot()
	leaks := m.DetectLeaks()
	if leaks == nil {
		leaks = []LeakCandidate{}
	}

	r := Report{
		Timestamp:    pm.Timestamp,
		Connectivity: conn,
		Health:       m.classify(pm, leaks),
		Utilization: Utilization{
			Average5m:  m.AverageUtilization(5 * time.Minute),
			Average15m: m.AverageUtilization(15 * time.Minute),
			Peak:       m.PeakUtilization(),
		},
		Leaks:  leaks,
		Active: m.ActiveOperations(),
	}
	if m.driverStats != nil {
		r.Driver = m.driverStats()
	}
	return r
}
