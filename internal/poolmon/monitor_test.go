package poolmon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v0xg/dbguard/internal/logger"
	"github.com/v0xg/dbguard/internal/timeout"
)

var _ timeout.Tracker = (*Monitor)(nil)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(cfg Config, clock *fakeClock, opts ...Option) *Monitor {
	base := []Option{WithLogger(logger.Discard()), WithClock(clock.Now)}
	return New(cfg, append(base, opts...)...)
}

func startN(m *Monitor, n int, prefix string) {
	for i := 0; i < n; i++ {
		m.RecordStart(fmt.Sprintf("%s-%d", prefix, i), "findMany")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	m := New(Config{}, WithLogger(logger.Discard()))

	assert.Equal(t, DefaultConfig(), m.Config())
}

func TestRecordStartEnd_Counts(t *testing.T) {
	m := newTestMonitor(Config{}, newFakeClock())

	m.RecordStart("a", "findMany")
	m.RecordStart("b", "update")
	m.RecordStart("c", "count")
	assert.Equal(t, 3, m.ActiveCount())

	m.RecordEnd("b")
	assert.Equal(t, 2, m.ActiveCount())

	m.RecordEnd("missing")
	m.RecordEnd("b")
	assert.Equal(t, 2, m.ActiveCount(), "unknown and repeated ends are no-ops")

	m.RecordStart("a", "findMany")
	assert.Equal(t, 2, m.ActiveCount(), "restarting an id replaces it")
}

func TestRecordStartEnd_Concurrent(t *testing.T) {
	m := newTestMonitor(Config{}, newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("op-%d", i)
			m.RecordStart(id, "findMany")
			m.Snapshot()
			if i%2 == 0 {
				m.RecordEnd(id)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, m.ActiveCount())
}

func TestActiveOperations_OldestFirst(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(Config{}, clock)

	m.RecordStart("second", "update")
	clock.Advance(-time.Second)
	m.RecordStart("first", "findMany")
	clock.Advance(2 * time.Second)
	m.RecordStart("third", "count")

	ops := m.ActiveOperations()
	require.Len(t, ops, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{ops[0].ID, ops[1].ID, ops[2].ID})
}

func TestSnapshot_Utilization(t *testing.T) {
	tests := []struct {
		name     string
		max      int
		active   int
		wantIdle int
		wantUtil float64
	}{
		{"empty", 10, 0, 10, 0},
		{"partial", 10, 3, 7, 30},
		{"full", 10, 10, 0, 100},
		{"over", 4, 6, 0, 150},
		{"odd", 3, 1, 2, float64(1) / float64(3) * 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(Config{MaxConnections: tt.max}, newFakeClock())
			startN(m, tt.active, "op")

			pm := m.Snapshot()
			assert.Equal(t, tt.active, pm.Active)
			assert.Equal(t, tt.wantIdle, pm.Idle)
			assert.Equal(t, tt.max, pm.Max)
			assert.Equal(t, tt.wantUtil, pm.UtilizationPercent)
		})
	}
}

func TestSnapshot_HistoryCap(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(Config{HistorySize: 3}, clock)

	var taken []time.Time
	for j := 0; j < 5; j++ {
		taken = append(taken, m.Snapshot().Timestamp)
		clock.Advance(time.Second)
	}

	h := m.History()
	require.Len(t, h, 3)
	for i, pm := range h {
		assert.Equal(t, taken[i+2], pm.Timestamp)
	}
}

func TestHistory_IsCopy(t *testing.T) {
	m := newTestMonitor(Config{}, newFakeClock())
	m.Snapshot()

	h := m.History()
	h[0].Active = 99

	assert.Equal(t, 0, m.History()[0].Active)
}

func TestDetectLeaks_StrictThreshold(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(Config{LeakThreshold: 30 * time.Second}, clock)

	m.RecordStart("old", "transaction")
	clock.Advance(10 * time.Second)
	m.RecordStart("exact", "findMany")
	clock.Advance(30 * time.Second)
	m.RecordStart("fresh", "count")

	leaks := m.DetectLeaks()
	require.Len(t, leaks, 1)
	assert.Equal(t, "old", leaks[0].ID)
	assert.Equal(t, "transaction", leaks[0].Label)
	assert.Equal(t, 40*time.Second, leaks[0].Elapsed)
	assert.EqualValues(t, 40000, leaks[0].ElapsedMS)

	clock.Advance(time.Millisecond)
	leaks = m.DetectLeaks()
	require.Len(t, leaks, 2)
	assert.Equal(t, "exact", leaks[1].ID)

	assert.Equal(t, 3, m.ActiveCount(), "detection has no side effects")
}

func TestHealthStatus_Scenario(t *testing.T) {
	m := newTestMonitor(Config{MaxConnections: 10}, newFakeClock())

	startN(m, 8, "batch1")
	assert.Equal(t, 80.0, m.Snapshot().UtilizationPercent)
	assert.Equal(t, StatusWarning, m.HealthStatus().Status)

	startN(m, 2, "batch2")
	assert.Equal(t, 100.0, m.Snapshot().UtilizationPercent)
	h := m.HealthStatus()
	assert.Equal(t, StatusCritical, h.Status)
	assert.Contains(t, h.Issues, "No idle connections available")
}

func TestHealthStatus_Classification(t *testing.T) {
	tests := []struct {
		name      string
		max       int
		active    int
		leakAge   time.Duration
		want      Status
		wantIssue string
	}{
		{"idle pool", 10, 0, 0, StatusHealthy, ""},
		{"light load", 10, 5, 0, StatusHealthy, ""},
		{"warning threshold", 10, 7, 0, StatusWarning, "warning threshold"},
		{"critical threshold", 10, 9, 0, StatusCritical, "critical threshold"},
		{"single slot in use", 1, 1, 0, StatusCritical, "No idle connections available"},
		{"over capacity", 2, 3, 0, StatusCritical, "exceed the configured maximum"},
		{"leak at low load", 10, 1, time.Minute, StatusCritical, "potential connection leak"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestMonitor(Config{MaxConnections: tt.max, LeakThreshold: 30 * time.Second}, clock)
			startN(m, tt.active, "op")
			clock.Advance(tt.leakAge)

			h := m.HealthStatus()
			assert.Equal(t, tt.want, h.Status)
			if tt.wantIssue == "" {
				assert.Empty(t, h.Issues)
				assert.Empty(t, h.Recommendations)
				return
			}
			found := false
			for _, issue := range h.Issues {
				if strings.Contains(issue, tt.wantIssue) {
					found = true
				}
			}
			assert.True(t, found, "issues %v missing %q", h.Issues, tt.wantIssue)
			assert.NotEmpty(t, h.Recommendations)
		})
	}
}

func TestHealthStatus_ZeroIdleWithCustomThresholds(t *testing.T) {
	m := newTestMonitor(Config{MaxConnections: 2, WarningPercent: 150, CriticalPercent: 200}, newFakeClock())
	startN(m, 2, "op")

	h := m.HealthStatus()
	assert.Equal(t, StatusWarning, h.Status, "zero idle alone is only a warning")
}

func TestHealthStatus_LeaksForceCritical(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(Config{MaxConnections: 100, LeakThreshold: time.Second}, clock)
	m.RecordStart("stuck", "transaction")
	clock.Advance(2 * time.Second)

	require.NotEmpty(t, m.DetectLeaks())
	h := m.HealthStatus()
	assert.Equal(t, StatusCritical, h.Status)
	assert.Equal(t, 1, h.LeakCount)
}

type stubPinger struct {
	err   error
	delay time.Duration
}

func (p stubPinger) Ping(ctx context.Context) error {
	time.Sleep(p.delay)
	return p.err
}

func TestTestConnectivity(t *testing.T) {
	ctx := context.Background()

	t.Run("connected", func(t *testing.T) {
		m := newTestMonitor(Config{}, newFakeClock(), WithPinger(stubPinger{delay: 5 * time.Millisecond}))
		res := m.TestConnectivity(ctx)
		assert.True(t, res.Connected)
		assert.GreaterOrEqual(t, res.Latency, 5*time.Millisecond)
		assert.Empty(t, res.Error)
	})

	t.Run("failure is data", func(t *testing.T) {
		m := newTestMonitor(Config{}, newFakeClock(), WithPinger(stubPinger{err: errors.New("connection refused")}))
		res := m.TestConnectivity(ctx)
		assert.False(t, res.Connected)
		assert.Equal(t, "connection refused", res.Error)
	})

	t.Run("no client", func(t *testing.T) {
		m := newTestMonitor(Config{}, newFakeClock())
		res := m.TestConnectivity(ctx)
		assert.False(t, res.Connected)
		assert.NotEmpty(t, res.Error)
	})
}

func TestAverageAndPeakUtilization(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(Config{MaxConnections: 10}, clock)

	assert.Zero(t, m.AverageUtilization(5*time.Minute))
	assert.Zero(t, m.PeakUtilization())

	startN(m, 9, "early")
	m.Snapshot() // 90% at t0
	for i := 0; i < 9; i++ {
		m.RecordEnd(fmt.Sprintf("early-%d", i))
	}

	clock.Advance(10 * time.Minute)
	startN(m, 2, "mid")
	m.Snapshot() // 20% at t0+10m

	clock.Advance(2 * time.Minute)
	startN(m, 2, "late")
	m.Snapshot() // 40% at t0+12m

	assert.InDelta(t, 30.0, m.AverageUtilization(5*time.Minute), 1e-9)
	assert.InDelta(t, 50.0, m.AverageUtilization(15*time.Minute), 1e-9)
	assert.Equal(t, 90.0, m.PeakUtilization())

	clock.Advance(time.Hour)
	assert.Zero(t, m.AverageUtilization(5*time.Minute))
}

func TestDetailedReport(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(Config{MaxConnections: 10, LeakThreshold: time.Second}, clock,
		WithPinger(stubPinger{}),
		WithDriverStats(func() *DriverStats { return &DriverStats{TotalConns: 3, MaxConns: 10} }),
	)

	m.RecordStart("slow", "aggregate")
	clock.Advance(5 * time.Second)
	m.RecordStart("quick", "findUnique")

	r := m.DetailedReport(context.Background())

	assert.True(t, r.Connectivity.Connected)
	assert.Equal(t, StatusCritical, r.Health.Status)
	require.Len(t, r.Leaks, 1)
	assert.Equal(t, "slow", r.Leaks[0].ID)
	assert.Len(t, r.Active, 2)
	assert.Equal(t, 20.0, r.Utilization.Average5m)
	assert.Equal(t, 20.0, r.Utilization.Peak)
	require.NotNil(t, r.Driver)
	assert.EqualValues(t, 3, r.Driver.TotalConns)
}

func TestDetailedReport_EmptyLeaksNotNil(t *testing.T) {
	m := newTestMonitor(Config{}, newFakeClock())

	r := m.DetailedReport(context.Background())
	assert.NotNil(t, r.Leaks)
	assert.Empty(t, r.Leaks)
	assert.Nil(t, r.Driver)
}

func TestCurrent_DoesNotRecord(t *testing.T) {
	m := newTestMonitor(Config{MaxConnections: 10}, newFakeClock())
	startN(m, 9, "op")

	assert.Equal(t, 90.0, m.Current().UtilizationPercent)
	assert.Equal(t, StatusCritical, m.CurrentHealth().Status)
	assert.Empty(t, m.History())

	m.HealthStatus()
	assert.Len(t, m.History(), 1)
}
