package timeout

import (
	"sort"
	"sync"
	"time"
)

// Stat aggregates the timeouts seen for one operation kind.
type Stat struct {
	Kind          string        `json:"kind"`
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastTimeout   time.Time     `json:"last_timeout"`
}

// statsTable is the per-kind timeout table shared by every wrapper call on
// a Governor.
type statsTable struct {
	mu    sync.Mutex
	stats map[string]*Stat
}

func newStatsTable() *statsTable {
	return &statsTable{stats: make(map[string]*Stat)}
}

func (t *statsTable) record(kind string, elapsed time.Duration, at time.Time) Stat {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[kind]
	if !ok {
		s = &Stat{Kind: kind}
		t.stats[kind] = s
	}
	s.Count++
	s.TotalDuration += elapsed
	s.AvgDuration = s.TotalDuration / time.Duration(s.Count)
	if elapsed > s.MaxDuration {
		s.MaxDuration = elapsed
	}
	s.LastTimeout = at
	return *s
}

func (t *statsTable) get(kind string) (Stat, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[kind]
	if !ok {
		return Stat{}, false
	}
	return *s, true
}

// all returns a copy of every entry ordered by kind.
func (t *statsTable) all() []Stat {
	t.mu.Lock()
	out := make([]Stat, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (t *statsTable) top(limit int) []Stat {
	out := t.all()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *statsTable) total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int64
	for _, s := range t.stats {
		n += s.Count
	}
	return n
}

func (t *statsTable) reset() {
	t.mu.Lock()
	t.stats = make(map[string]*Stat)
	t.mu.Unlock()
}
