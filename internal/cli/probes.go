package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/v0xg/dbguard/internal/config"
	"github.com/v0xg/dbguard/internal/metrics"
	"github.com/v0xg/dbguard/internal/timeout"
)

// Probe outcomes, also used as the metrics outcome label.
const (
	outcomeOK      = "ok"
	outcomeTimeout = "timeout"
	outcomeError   = "error"
)

// querier runs a query that returns a single value.
type querier interface {
	QueryValue(ctx context.Context, sql string, args ...any) (any, error)
}

type probeResult struct {
	Name     string
	Kind     string
	Timeout  time.Duration
	Duration time.Duration
	Value    any
	Outcome  string
	Err      error
}

// probePlan resolves the kind label and deadline for p. An explicit timeout
// wins, then the priority tier, then the kind's policy entry.
func probePlan(g *timeout.Governor, p config.ProbeConfig) (string, time.Duration, error) {
	kind := p.Kind
	var d time.Duration

	if p.Priority != "" {
		prio, err := timeout.ParsePriority(p.Priority)
		if err != nil {
			return "", 0, fmt.Errorf("probe %s: %w", p.Name, err)
		}
		if kind == "" {
			kind = "priority:" + string(prio)
		}
		d = g.PriorityTimeout(prio)
	}
	if kind == "" {
		kind = "probe:" + p.Name
	}
	if p.Timeout > 0 {
		d = p.Timeout
	}
	if d == 0 {
		d = g.KindTimeout(kind)
	}
	return kind, d, nil
}

// runProbe executes one configured probe through the governor. Timed-out
// attempts are retried p.Retries times and recorded in the governor's
// stats. c may be nil.
func runProbe(ctx context.Context, g *timeout.Governor, q querier, c *metrics.Collector, p config.ProbeConfig) probeResult {
	res := probeResult{Name: p.Name}

	kind, d, err := probePlan(g, p)
	if err != nil {
		res.Outcome = outcomeError
		res.Err = err
		return res
	}
	res.Kind = kind
	res.Timeout = d

	start := time.Now()
	res.Value, res.Err = timeout.WithRetryOnTimeout(ctx, g, func(ctx context.Context) (any, error) {
		return q.QueryValue(ctx, p.Query)
	}, timeout.RetryOptions[any]{
		Options:    timeout.Options[any]{Timeout: d, Kind: kind},
		MaxRetries: p.Retries,
		Track:      true,
	})
	res.Duration = time.Since(start)

	switch {
	case res.Err == nil:
		res.Outcome = outcomeOK
	case timeout.IsTimeout(res.Err):
		res.Outcome = outcomeTimeout
	default:
		res.Outcome = outcomeError
	}

	if c != nil {
		c.ObserveProbe(p.Name, res.Outcome, res.Duration)
	}
	return res
}

// runProbes runs every probe sequentially.
func runProbes(ctx context.Context, g *timeout.Governor, q querier, c *metrics.Collector, probes []config.ProbeConfig) []probeResult {
	results := make([]probeResult, 0, len(probes))
	for _, p := range probes {
		results = append(results, runProbe(ctx, g, q, c, p))
	}
	return results
}
