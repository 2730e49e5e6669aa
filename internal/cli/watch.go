package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/v0xg/dbguard/internal/poolmon"
	"github.com/v0xg/dbguard/internal/util"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run probes and report pool changes in real-time",
	Long: `Run the configured probes on an interval through the timeout governor
and print an event whenever pool health changes, a probe times out, or an
operation is held past the leak threshold.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationP("interval", "i", 0, "Polling interval (default: polling.interval)")
}

// Event levels understood by logEvent.
const (
	levelWarn  = "WARN"
	levelCrit  = "CRIT"
	levelOK    = "OK"
	levelError = "ERROR"
	levelInfo  = "INFO"
)

type watchEvent struct {
	level   string
	message string
}

// watchState remembers what was last reported so only changes are printed.
type watchState struct {
	status poolmon.Status
	leaks  map[string]string // id -> label
}

func newWatchState() *watchState {
	return &watchState{status: poolmon.StatusHealthy, leaks: make(map[string]string)}
}

// observe compares one round against the previous one and returns the
// events to print.
func (s *watchState) observe(h poolmon.HealthStatus, leaks []poolmon.LeakCandidate, probes []probeResult) []watchEvent {
	var events []watchEvent

	for _, p := range probes {
		switch p.Outcome {
		case outcomeTimeout:
			events = append(events, watchEvent{levelWarn, fmt.Sprintf("Probe %s (%s) timed out after %s",
				p.Name, p.Kind, util.FormatDuration(p.Timeout))})
		case outcomeError:
			events = append(events, watchEvent{levelError, fmt.Sprintf("Probe %s failed: %v", p.Name, p.Err)})
		}
	}

	pm := h.Metrics
	if h.Status != s.status {
		usage := fmt.Sprintf("%d/%d (%s)", pm.Active, pm.Max, util.FormatPercent(pm.UtilizationPercent))
		switch h.Status {
		case poolmon.StatusCritical:
			events = append(events, watchEvent{levelCrit, "Pool critical: " + usage + "\n" + strings.Join(h.Issues, "\n")})
		case poolmon.StatusWarning:
			events = append(events, watchEvent{levelWarn, "Pool warning: " + usage + "\n" + strings.Join(h.Issues, "\n")})
		default:
			events = append(events, watchEvent{levelOK, "Pool healthy again: " + usage})
		}
		s.status = h.Status
	}

	current := make(map[string]bool, len(leaks))
	for _, l := range leaks {
		current[l.ID] = true
		if _, known := s.leaks[l.ID]; known {
			continue
		}
		s.leaks[l.ID] = l.Label
		events = append(events, watchEvent{levelCrit, fmt.Sprintf("Potential leak: %s (%s) running for %s",
			l.ID, l.Label, util.FormatDuration(l.Elapsed))})
	}
	for id, label := range s.leaks {
		if !current[id] {
			events = append(events, watchEvent{levelOK, fmt.Sprintf("Leak cleared: %s (%s)", id, label)})
			delete(s.leaks, id)
		}
	}

	return events
}

func runWatch(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		interval = cfg.Polling.Interval
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStack(ctx, cfg, slog.Default(), hooks{})
	if err != nil {
		return err
	}
	defer st.Close()

	out := os.Stdout
	fmt.Fprintln(out, "Watching database pool... (Ctrl+C to stop)")
	fmt.Fprintf(out, "Refresh: %s | Ceiling: %d | Thresholds: warn=%.0f%%, crit=%.0f%%, leak=%s\n",
		interval,
		st.monitor.Config().MaxConnections,
		cfg.Pool.WarningPercent,
		cfg.Pool.CriticalPercent,
		cfg.Pool.LeakThreshold,
	)
	fmt.Fprintln(out)
	logEvent(out, time.Now(), levelInfo, fmt.Sprintf("%d probe(s) configured", len(cfg.Probes)))

	state := newWatchState()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately, then on tick
	for {
		probes := runProbes(ctx, st.governor, st.client, st.collector, cfg.Probes)
		h := st.monitor.HealthStatus()
		for _, ev := range state.observe(h, st.monitor.DetectLeaks(), probes) {
			logEvent(out, time.Now(), ev.level, ev.message)
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nStopping...")
			return nil
		case <-ticker.C:
		}
	}
}

func logEvent(w io.Writer, at time.Time, level, message string) {
	timestamp := at.Format("15:04:05")

	var prefix string
	switch level {
	case levelWarn:
		prefix = "[!]"
	case levelCrit:
		prefix = "[X]"
	case levelOK:
		prefix = "[+]"
	case levelError:
		prefix = "[E]"
	case levelInfo:
		prefix = "[i]"
	default:
		prefix = "   "
	}

	// Continuation lines are indented under the message.
	lines := strings.Split(strings.TrimRight(message, "\n"), "\n")
	for i, line := range lines {
		if i == 0 {
			fmt.Fprintf(w, "%s %s %s\n", timestamp, prefix, line)
		} else {
			fmt.Fprintf(w, "%s     %s\n", strings.Repeat(" ", len(timestamp)), line)
		}
	}
}
