package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/v0xg/dbguard/internal/alerts"
	"github.com/v0xg/dbguard/internal/api"
	"github.com/v0xg/dbguard/internal/config"
	"github.com/v0xg/dbguard/internal/logger"
	"github.com/v0xg/dbguard/internal/metrics"
	"github.com/v0xg/dbguard/internal/poolmon"
	"github.com/v0xg/dbguard/internal/secrets"
	"github.com/v0xg/dbguard/internal/timeout"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run as a background service",
	Long: `Run dbguard as a long-running daemon: probes run through the timeout
governor every polling interval, a leak watcher scans in-flight operations,
alerts go to Slack and webhooks, and the health API serves /readyz and
/metrics.

This is the recommended mode for production deployments.`,
	RunE: runDaemon,
}

// alerter turns monitor and governor events into alerts. Alert keys give
// each condition its own cooldown.
type alerter struct {
	ctx  context.Context
	disp *alerts.Dispatcher
	log  *slog.Logger

	mu     sync.Mutex
	status poolmon.Status
	leaks  map[string]string // id -> label
}

func newAlerter(ctx context.Context, disp *alerts.Dispatcher, log *slog.Logger) *alerter {
	return &alerter{
		ctx:    ctx,
		disp:   disp,
		log:    log,
		status: poolmon.StatusHealthy,
		leaks:  make(map[string]string),
	}
}

func poolKey(s poolmon.Status) string { return "pool:" + string(s) }
func leakKey(id string) string        { return "leak:" + id }

// pool handles one health classification from the polling loop.
func (a *alerter) pool(h poolmon.HealthStatus) {
	a.mu.Lock()
	prev := a.status
	a.status = h.Status
	a.mu.Unlock()

	switch h.Status {
	case poolmon.StatusHealthy:
		if prev != poolmon.StatusHealthy {
			a.log.Info("connection pool recovered",
				"active", h.Metrics.Active, "max", h.Metrics.Max)
			a.disp.Clear(poolKey(poolmon.StatusWarning))
			a.disp.Clear(poolKey(poolmon.StatusCritical))
		}
		return
	case poolmon.StatusCritical:
		a.log.Error("connection pool critical",
			"utilization_percent", h.Metrics.UtilizationPercent,
			"active", h.Metrics.Active, "max", h.Metrics.Max, "leaks", h.LeakCount)
	default:
		a.log.Warn("connection pool warning",
			"utilization_percent", h.Metrics.UtilizationPercent,
			"active", h.Metrics.Active, "max", h.Metrics.Max)
	}
	a.disp.Dispatch(a.ctx, poolKey(h.Status), alerts.PoolAlert(h))
}

// leaksFound is the leak watcher handler. It runs after every scan.
func (a *alerter) leaksFound(leaks []poolmon.LeakCandidate) {
	a.mu.Lock()
	current := make(map[string]bool, len(leaks))
	var fresh []poolmon.LeakCandidate
	for _, l := range leaks {
		current[l.ID] = true
		if _, known := a.leaks[l.ID]; !known {
			a.leaks[l.ID] = l.Label
			fresh = append(fresh, l)
		}
	}
	resolved := make(map[string]string)
	for id, label := range a.leaks {
		if !current[id] {
			resolved[id] = label
			delete(a.leaks, id)
		}
	}
	a.mu.Unlock()

	for _, l := range fresh {
		a.disp.Dispatch(a.ctx, leakKey(l.ID), alerts.LeakAlert(l))
	}
	for id, label := range resolved {
		a.disp.Clear(leakKey(id))
		a.disp.Dispatch(a.ctx, "", alerts.LeakResolvedAlert(id, label))
	}
}

// timedOut is the governor's timeout handler. It runs on the caller's
// goroutine, so delivery happens in the background.
func (a *alerter) timedOut(ev timeout.Event) {
	go a.disp.Dispatch(a.ctx, "timeout:"+ev.Kind, alerts.TimeoutAlert(ev))
}

// resolveSlackURL returns the Slack webhook from config, SLACK_WEBHOOK_URL,
// or Secrets Manager, in that order.
func resolveSlackURL(ctx context.Context, c *config.Config) string {
	s := c.Alerts.Slack
	if !s.Enabled {
		return ""
	}
	if s.WebhookURL != "" {
		return s.WebhookURL
	}
	if u := os.Getenv("SLACK_WEBHOOK_URL"); u != "" {
		return u
	}
	if s.WebhookSecret == "" {
		slog.Warn("slack enabled but no webhook URL configured")
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	u, err := secrets.ResolveWebhookURL(ctx, s.WebhookSecret, c.Connection.AWSRegion)
	if err != nil {
		slog.Error("failed to resolve slack webhook from secrets manager", logger.Error(err))
		return ""
	}
	return u
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Default().With(logger.Scope("daemon"))
	log.Info("dbguard daemon starting", "target", cfg.Target())

	disp := alerts.FromConfig(cfg.Alerts, resolveSlackURL(ctx, cfg), slog.Default())
	for _, n := range disp.Notifiers() {
		log.Info("alerts enabled", "notifier", n.Name())
	}
	al := newAlerter(ctx, disp, log)

	st, err := newStack(ctx, cfg, slog.Default(), hooks{
		onTimeout: al.timedOut,
		onLeaks:   al.leaksFound,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	log.Info("configuration loaded",
		"polling_interval", cfg.Polling.Interval,
		"max_connections", st.monitor.Config().MaxConnections,
		"leak_threshold", cfg.Pool.LeakThreshold,
		"probes", len(cfg.Probes),
		"alert_cooldown", cfg.Alerts.Cooldown)

	if info, err := st.client.ServerInfo(ctx); err != nil {
		log.Warn("reading server info failed", logger.Error(err))
	} else if msg := info.CeilingWarning(st.monitor.Config().MaxConnections); msg != "" {
		log.Warn(msg)
	}

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.New(api.Config{
			Listen:         cfg.API.Listen,
			DegradedStatus: cfg.API.DegradedStatus,
		}, st.monitor, st.governor, metrics.NewRegistry(st.collector), slog.Default())
		if err := srv.Start(); err != nil {
			return err
		}
	}

	st.monitor.StartLeakWatch(cfg.Pool.LeakWatchInterval)

	log.Info("daemon running", "polling_interval", cfg.Polling.Interval)
	monitorLoop(ctx, st, al, cfg)

	log.Info("received shutdown signal")
	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("HTTP server shutdown failed", logger.Error(err))
		}
	}
	log.Info("daemon stopped")
	return nil
}

// monitorLoop runs the probes and classifies pool health every polling
// interval until ctx is done.
func monitorLoop(ctx context.Context, st *stack, al *alerter, c *config.Config) {
	ticker := time.NewTicker(c.Polling.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollOnce(ctx, st, al, c)
		}
	}
}

func pollOnce(ctx context.Context, st *stack, al *alerter, c *config.Config) {
	for _, r := range runProbes(ctx, st.governor, st.client, st.collector, c.Probes) {
		if r.Outcome == outcomeError {
			slog.Error("probe failed", "probe", r.Name, logger.Error(r.Err))
		}
	}
	al.pool(st.monitor.HealthStatus())
}
