// Package poolmon estimates database connection-pool pressure from the set
// of operations currently in flight.
//
// The estimate is an approximation: it counts logical operations reported
// through RecordStart/RecordEnd, not the driver's sockets. Driver-side pool
// stats can be attached to reports with WithDriverStats when available.
package poolmon

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/v0xg/dbguard/internal/logger"
)

const (
	DefaultMaxConnections  = 10
	DefaultLeakThreshold   = 30 * time.Second
	DefaultHistorySize     = 100
	DefaultWarningPercent  = 70.0
	DefaultCriticalPercent = 90.0
)

// Config holds the monitor's thresholds. Zero fields take the defaults.
type Config struct {
	MaxConnections  int
	LeakThreshold   time.Duration
	HistorySize     int
	WarningPercent  float64
	CriticalPercent float64
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		MaxConnections:  DefaultMaxConnections,
		LeakThreshold:   DefaultLeakThreshold,
		HistorySize:     DefaultHistorySize,
		WarningPercent:  DefaultWarningPercent,
		CriticalPercent: DefaultCriticalPercent,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.LeakThreshold <= 0 {
		c.LeakThreshold = d.LeakThreshold
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.WarningPercent <= 0 {
		c.WarningPercent = d.WarningPercent
	}
	if c.CriticalPercent <= 0 {
		c.CriticalPercent = d.CriticalPercent
	}
	return c
}

// PoolMetrics is a point-in-time utilization reading.
type PoolMetrics struct {
	Active             int       `json:"active"`
	Idle               int       `json:"idle"`
	Max                int       `json:"max"`
	UtilizationPercent float64   `json:"utilization_percent"`
	Timestamp          time.Time `json:"timestamp"`
}

// ActiveOperation is an operation currently in flight.
type ActiveOperation struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	StartedAt time.Time `json:"started_at"`
}

// LeakCandidate is an in-flight operation older than the leak threshold.
type LeakCandidate struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMS int64         `json:"elapsed_ms"`
}

// Pinger performs a trivial round trip against the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DriverStats mirrors what the driver reports about its own pool.
type DriverStats struct {
	TotalConns        int32 `json:"total_conns"`
	AcquiredConns     int32 `json:"acquired_conns"`
	IdleConns         int32 `json:"idle_conns"`
	MaxConns          int32 `json:"max_conns"`
	EmptyAcquireCount int64 `json:"empty_acquire_count"`
}

// Monitor tracks in-flight operations and keeps a bounded utilization
// history. It is safe for concurrent use.
type Monitor struct {
	cfg         Config
	log         *slog.Logger
	now         func() time.Time
	pinger      Pinger
	driverStats func() *DriverStats
	onLeaks     func([]LeakCandidate)

	mu      sync.Mutex
	active  map[string]ActiveOperation
	history []PoolMetrics

	watchMu   sync.Mutex
	watchStop chan struct{}
	watchDone chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithPinger sets the client used by TestConnectivity.
func WithPinger(p Pinger) Option {
	return func(m *Monitor) { m.pinger = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithDriverStats attaches driver pool stats to detailed reports. fn may
// return nil when stats are unavailable.
func WithDriverStats(fn func() *DriverStats) Option {
	return func(m *Monitor) { m.driverStats = fn }
}

// WithLeakHandler is called by the leak watcher after every scan, including
// scans that found nothing.
func WithLeakHandler(fn func([]LeakCandidate)) Option {
	return func(m *Monitor) { m.onLeaks = fn }
}

// New creates a Monitor.
func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		now:    time.Now,
		active: make(map[string]ActiveOperation),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logger.Scope("poolmon"))
	return m
}

// Config returns the effective thresholds.
func (m *Monitor) Config() Config {
	return m.cfg
}

// RecordStart registers an in-flight operation. Reusing an id replaces the
// earlier entry.
func (m *Monitor) RecordStart(id, label string) {
	now := m.now()

	m.mu.Lock()
	m.active[id] = ActiveOperation{ID: id, Label: label, StartedAt: now}
	m.mu.Unlock()
}

// RecordEnd removes an operation. Unknown ids are ignored.
func (m *Monitor) RecordEnd(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// ActiveCount returns the number of operations in flight.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ActiveOperations returns the in-flight operations, oldest first.
func (m *Monitor) ActiveOperations() []ActiveOperation {
	m.mu.Lock()
	ops := make([]ActiveOperation, 0, len(m.active))
	for _, op := range m.active {
		ops = append(ops, op)
	}
	m.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].StartedAt.Equal(ops[j].StartedAt) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].StartedAt.Before(ops[j].StartedAt)
	})
	return ops
}

func (m *Monitor) readingLocked(now time.Time) PoolMetrics {
	active := len(m.active)
	return PoolMetrics{
		Active:             active,
		Idle:               max(m.cfg.MaxConnections-active, 0),
		Max:                m.cfg.MaxConnections,
		UtilizationPercent: float64(active) / float64(m.cfg.MaxConnections) * 100,
		Timestamp:          now,
	}
}

// Current returns a utilization reading without recording it.
func (m *Monitor) Current() PoolMetrics {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readingLocked(now)
}

// Snapshot takes a utilization reading and appends it to the history,
// evicting the oldest reading once the history is full.
func (m *Monitor) Snapshot() PoolMetrics {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	pm := m.readingLocked(now)

	if len(m.history) >= m.cfg.HistorySize {
		n := copy(m.history, m.history[len(m.history)-m.cfg.HistorySize+1:])
		m.history = m.history[:n]
	}
	m.history = append(m.history, pm)

	return pm
}

// History returns the recorded readings in chronological order.
func (m *Monitor) History() []PoolMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PoolMetrics, len(m.history))
	copy(out, m.history)
	return out
}

// DetectLeaks returns every in-flight operation that has been running
// longer than the leak threshold, oldest first.
func (m *Monitor) DetectLeaks() []LeakCandidate {
	now := m.now()

	var leaks []LeakCandidate
	for _, op := range m.ActiveOperations() {
		elapsed := now.Sub(op.StartedAt)
		if elapsed > m.cfg.LeakThreshold {
			leaks = append(leaks, LeakCandidate{
				ID:        op.ID,
				Label:     op.Label,
				StartedAt: op.StartedAt,
				Elapsed:   elapsed,
				ElapsedMS: elapsed.Milliseconds(),
			})
		}
	}
	return leaks
}

// AverageUtilization is the mean utilization over history readings taken
// within the trailing window. It returns 0 when no reading qualifies.
func (m *Monitor) AverageUtilization(window time.Duration) float64 {
	cutoff := m.now().Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	var sum float64
	var n int
	for _, pm := range m.history {
		if !pm.Timestamp.Before(cutoff) {
			sum += pm.UtilizationPercent
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// PeakUtilization is the highest utilization in the history.
func (m *Monitor) PeakUtilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var peak float64
	for _, pm := range m.history {
		peak = max(peak, pm.UtilizationPercent)
	}
	return peak
}
