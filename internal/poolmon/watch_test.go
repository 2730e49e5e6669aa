package poolmon

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type leakRecorder struct {
	mu    sync.Mutex
	scans [][]LeakCandidate
}

func (r *leakRecorder) handle(leaks []LeakCandidate) {
	r.mu.Lock()
	r.scans = append(r.scans, leaks)
	r.mu.Unlock()
}

func (r *leakRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scans)
}

func (r *leakRecorder) last() []LeakCandidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scans) == 0 {
		return nil
	}
	return r.scans[len(r.scans)-1]
}

func TestLeakWatch_ReportsLeaks(t *testing.T) {
	clock := newFakeClock()
	rec := &leakRecorder{}
	m := newTestMonitor(Config{LeakThreshold: time.Second}, clock, WithLeakHandler(rec.handle))

	m.RecordStart("stuck", "transaction")
	clock.Advance(5 * time.Second)

	m.StartLeakWatch(5 * time.Millisecond)
	defer m.StopLeakWatch()

	require.Eventually(t, func() bool { return len(rec.last()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "stuck", rec.last()[0].ID)

	m.RecordEnd("stuck")
	require.Eventually(t, func() bool {
		return rec.count() > 0 && len(rec.last()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestLeakWatch_RestartReplacesWatcher(t *testing.T) {
	rec := &leakRecorder{}
	m := newTestMonitor(Config{}, newFakeClock(), WithLeakHandler(rec.handle))

	m.StartLeakWatch(time.Hour)
	m.StartLeakWatch(5 * time.Millisecond)

	require.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, 5*time.Millisecond)

	m.StopLeakWatch()
	n := rec.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, rec.count(), "no scans after stop")
}

func TestStopLeakWatch_Idempotent(t *testing.T) {
	m := newTestMonitor(Config{}, newFakeClock())

	m.StopLeakWatch()
	m.StartLeakWatch(time.Hour)
	m.StopLeakWatch()
	m.StopLeakWatch()
}

func TestScanLeaks_TracksSeen(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(Config{LeakThreshold: time.Second}, clock)

	m.RecordStart("a", "findMany")
	clock.Advance(2 * time.Second)

	seen := m.scanLeaks(map[string]bool{"gone": true})
	assert.Equal(t, map[string]bool{"a": true}, seen)

	m.RecordEnd("a")
	seen = m.scanLeaks(seen)
	assert.Empty(t, seen)
}
