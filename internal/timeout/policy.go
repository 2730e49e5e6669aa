package timeout

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout applies to operation kinds missing from the policy.
const DefaultTimeout = 15 * time.Second

// Policy maps an operation kind to its timeout.
type Policy struct {
	Default    time.Duration
	Operations map[string]time.Duration
}

// DefaultPolicy returns the built-in per-kind table: short for point
// lookups, longer for bulk and aggregate work, longest for transactions.
func DefaultPolicy() Policy {
	return Policy{
		Default: DefaultTimeout,
		Operations: map[string]time.Duration{
			"findUnique":  5 * time.Second,
			"findFirst":   5 * time.Second,
			"findMany":    10 * time.Second,
			"count":       10 * time.Second,
			"create":      10 * time.Second,
			"update":      10 * time.Second,
			"delete":      10 * time.Second,
			"upsert":      10 * time.Second,
			"createMany":  30 * time.Second,
			"updateMany":  30 * time.Second,
			"deleteMany":  30 * time.Second,
			"aggregate":   30 * time.Second,
			"groupBy":     30 * time.Second,
			"queryRaw":    30 * time.Second,
			"executeRaw":  30 * time.Second,
			"transaction": 60 * time.Second,
		},
	}
}

// Merge returns a copy of p with overrides applied on top. A zero default
// keeps p's default.
func (p Policy) Merge(def time.Duration, overrides map[string]time.Duration) Policy {
	out := Policy{Default: p.Default, Operations: make(map[string]time.Duration, len(p.Operations)+len(overrides))}
	for k, v := range p.Operations {
		out.Operations[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			out.Operations[k] = v
		}
	}
	if def > 0 {
		out.Default = def
	}
	return out
}

// Lookup returns the timeout for kind, falling back to the default.
func (p Policy) Lookup(kind string) time.Duration {
	if d, ok := p.Operations[kind]; ok && d > 0 {
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultTimeout
}

// Priority is a coarse timeout tier used instead of an operation kind.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// DefaultPriorities returns the built-in tier table.
func DefaultPriorities() map[Priority]time.Duration {
	return map[Priority]time.Duration{
		PriorityCritical: 60 * time.Second,
		PriorityHigh:     30 * time.Second,
		PriorityNormal:   15 * time.Second,
		PriorityLow:      5 * time.Second,
	}
}

// ParsePriority accepts a tier name in any case.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q (want critical, high, normal, or low)", s)
	}
}
