package poolmon

import "time"

// DefaultLeakWatchInterval is used when StartLeakWatch gets a non-positive
// interval.
const DefaultLeakWatchInterval = time.Minute

// StartLeakWatch scans for leaks every interval in the background. Calling
// it again replaces the running watcher.
func (m *Monitor) StartLeakWatch(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultLeakWatchInterval
	}

	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	m.stopWatchLocked()

	stop := make(chan struct{})
	done := make(chan struct{})
	m.watchStop, m.watchDone = stop, done

	go m.leakWatchLoop(interval, stop, done)
	m.log.Debug("leak watch started", "interval", interval)
}

// StopLeakWatch stops the watcher and waits for it to exit. It is a no-op
// when no watcher is running.
func (m *Monitor) StopLeakWatch() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	m.stopWatchLocked()
}

func (m *Monitor) stopWatchLocked() {
	if m.watchStop == nil {
		return
	}
	close(m.watchStop)
	<-m.watchDone
	m.watchStop, m.watchDone = nil, nil
}

func (m *Monitor) leakWatchLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := make(map[string]bool)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			seen = m.scanLeaks(seen)
		}
	}
}

// scanLeaks logs leaks not reported by the previous scan and those that have
// since gone away, then hands the full list to the leak handler.
func (m *Monitor) scanLeaks(seen map[string]bool) map[string]bool {
	leaks := m.DetectLeaks()

	current := make(map[string]bool, len(leaks))
	for _, l := range leaks {
		current[l.ID] = true
		if !seen[l.ID] {
			m.log.Warn("potential connection leak",
				"id", l.ID,
				"label", l.Label,
				"elapsed", l.Elapsed.Round(time.Millisecond),
				"threshold", m.cfg.LeakThreshold)
		}
	}
	for id := range seen {
		if !current[id] {
			m.log.Info("leak cleared", "id", id)
		}
	}

	if m.onLeaks != nil {
		m.onLeaks(leaks)
	}
	return current
}
