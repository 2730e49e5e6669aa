package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/v0xg/dbguard/internal/config"
	"github.com/v0xg/dbguard/internal/metrics"
	"github.com/v0xg/dbguard/internal/poolmon"
	"github.com/v0xg/dbguard/internal/postgres"
	"github.com/v0xg/dbguard/internal/timeout"
)

// stack is the set of components every command works against: a database
// client, the pool monitor fed by the governor, and the metrics collector
// reading both.
type stack struct {
	client    *postgres.Client
	monitor   *poolmon.Monitor
	governor  *timeout.Governor
	collector *metrics.Collector
}

// hooks are optional callbacks wired into the monitor and governor.
type hooks struct {
	onTimeout func(timeout.Event)
	onLeaks   func([]poolmon.LeakCandidate)
}

func monitorConfig(c *config.Config) poolmon.Config {
	return poolmon.Config{
		MaxConnections:  c.Pool.MaxConnections,
		LeakThreshold:   c.Pool.LeakThreshold,
		HistorySize:     c.Pool.HistorySize,
		WarningPercent:  c.Pool.WarningPercent,
		CriticalPercent: c.Pool.CriticalPercent,
	}
}

func timeoutPolicy(c *config.Config) timeout.Policy {
	return timeout.DefaultPolicy().Merge(c.Timeouts.Default, c.Timeouts.Operations)
}

func priorityTable(c *config.Config) map[timeout.Priority]time.Duration {
	p := c.Timeouts.Priorities
	return map[timeout.Priority]time.Duration{
		timeout.PriorityCritical: p.Critical,
		timeout.PriorityHigh:     p.High,
		timeout.PriorityNormal:   p.Normal,
		timeout.PriorityLow:      p.Low,
	}
}

// assemble builds the monitor, governor and collector. pinger and
// driverStats may be nil.
func assemble(c *config.Config, log *slog.Logger, pinger poolmon.Pinger, driverStats func() *poolmon.DriverStats, h hooks) *stack {
	monOpts := []poolmon.Option{poolmon.WithLogger(log)}
	if pinger != nil {
		monOpts = append(monOpts, poolmon.WithPinger(pinger))
	}
	if driverStats != nil {
		monOpts = append(monOpts, poolmon.WithDriverStats(driverStats))
	}
	if h.onLeaks != nil {
		monOpts = append(monOpts, poolmon.WithLeakHandler(h.onLeaks))
	}
	mon := poolmon.New(monitorConfig(c), monOpts...)

	govOpts := []timeout.Option{
		timeout.WithLogger(log),
		timeout.WithPolicy(timeoutPolicy(c)),
		timeout.WithPriorities(priorityTable(c)),
		timeout.WithTracker(mon),
	}
	if c.Timeouts.Retry.Delay > 0 {
		govOpts = append(govOpts, timeout.WithRetryDelay(c.Timeouts.Retry.Delay))
	}
	if h.onTimeout != nil {
		govOpts = append(govOpts, timeout.WithTimeoutHandler(h.onTimeout))
	}
	gov := timeout.New(govOpts...)

	return &stack{
		monitor:   mon,
		governor:  gov,
		collector: metrics.NewCollector(mon, gov),
	}
}

// newStack connects to the database and assembles the components around
// the client.
func newStack(ctx context.Context, c *config.Config, log *slog.Logger, h hooks) (*stack, error) {
	client, err := postgres.NewClient(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := assemble(c, log, client, client.DriverStats, h)
	s.client = client
	return s, nil
}

// Close stops the leak watcher and closes the database pool.
func (s *stack) Close() {
	s.monitor.StopLeakWatch()
	if s.client != nil {
		s.client.Close()
	}
}
