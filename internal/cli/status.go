package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/v0xg/dbguard/internal/config"
	"github.com/v0xg/dbguard/internal/poolmon"
	"github.com/v0xg/dbguard/internal/postgres"
	"github.com/v0xg/dbguard/internal/util"
)

// Exit codes for status command
const (
	ExitOK       = 0
	ExitWarning  = 1
	ExitCritical = 2
)

const statusDisconnected = "disconnected"

// StatusOutput represents the JSON output of the status command
type StatusOutput struct {
	Status          string                     `json:"status"` // healthy, warning, critical, disconnected
	Target          string                     `json:"target,omitempty"`
	Connectivity    poolmon.ConnectivityResult `json:"connectivity"`
	Pool            poolmon.PoolMetrics        `json:"pool"`
	Issues          []string                   `json:"issues"`
	Recommendations []string                   `json:"recommendations"`
	Utilization     poolmon.Utilization        `json:"utilization"`
	Leaks           []LeakStatus               `json:"leaks"`
	Probes          []ProbeStatus              `json:"probes,omitempty"`
	Driver          *poolmon.DriverStats       `json:"driver,omitempty"`
	Server          *ServerStatus              `json:"server,omitempty"`
	Thresholds      ThresholdStatus            `json:"thresholds"`
}

// LeakStatus is an operation held past the leak threshold
type LeakStatus struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Running    string  `json:"running"`
	RunningSec float64 `json:"running_seconds"`
}

// ProbeStatus is the result of one probe query
type ProbeStatus struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Outcome    string `json:"outcome"`
	Timeout    string `json:"timeout"`
	DurationMS int64  `json:"duration_ms"`
	Value      string `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ServerStatus describes the PostgreSQL server behind the pool
type ServerStatus struct {
	Version        string `json:"version"`
	MaxConnections int    `json:"max_connections"`
	Uptime         string `json:"uptime"`
	Warning        string `json:"warning,omitempty"`
}

// ThresholdStatus shows the configured thresholds
type ThresholdStatus struct {
	MaxConnections  int     `json:"max_connections"`
	WarningPercent  float64 `json:"warning_percent"`
	CriticalPercent float64 `json:"critical_percent"`
	LeakThreshold   string  `json:"leak_threshold"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current pool health",
	Long: `Connect, run the configured probes once through the timeout governor,
and print a health report. With --api, read the report from a running
daemon instead, which includes the daemon's in-flight operations.

Exit codes:
  0 - Healthy
  1 - Warning threshold exceeded or a probe timed out
  2 - Critical, or the database is unreachable`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output in JSON format")
	statusCmd.Flags().BoolP("quiet", "q", false, "No output, only exit code")
	statusCmd.Flags().String("api", "", "read the report from a running daemon (e.g. http://127.0.0.1:9183)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	quiet, _ := cmd.Flags().GetBool("quiet")
	apiURL, _ := cmd.Flags().GetString("api")

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	var (
		output StatusOutput
		err    error
	)
	if apiURL != "" {
		output, err = remoteStatus(ctx, apiURL, cfg)
	} else {
		output, err = localStatus(ctx, cfg)
	}
	if err != nil {
		return err
	}

	exitCode := exitCodeFor(output.Status)

	if quiet {
		cancel()
		os.Exit(exitCode)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		fmt.Println(string(data))
	} else {
		printHumanStatus(os.Stdout, output)
	}

	cancel()
	os.Exit(exitCode)
	return nil // unreachable but satisfies compiler
}

// localStatus connects with c, runs the probes and builds a report. A
// failed connection is reported as disconnected rather than returned.
func localStatus(ctx context.Context, c *config.Config) (StatusOutput, error) {
	if err := c.Validate(); err != nil {
		return StatusOutput{}, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := newStack(ctx, c, slog.Default(), hooks{})
	if err != nil {
		mon := poolmon.New(monitorConfig(c), poolmon.WithLogger(slog.Default()))
		rep := mon.DetailedReport(ctx)
		rep.Connectivity.Error = err.Error()
		out := buildStatusOutput(rep, nil, nil, c)
		out.Target = c.Target()
		return out, nil
	}
	defer st.Close()

	probes := runProbes(ctx, st.governor, st.client, st.collector, c.Probes)
	rep := st.monitor.DetailedReport(ctx)

	var server *postgres.ServerInfo
	if info, err := st.client.ServerInfo(ctx); err != nil {
		slog.Warn("reading server info failed", "error", err)
	} else {
		server = info
	}

	out := buildStatusOutput(rep, probes, server, c)
	out.Target = c.Target()
	return out, nil
}

// remoteStatus fetches a daemon's detailed report.
func remoteStatus(ctx context.Context, base string, c *config.Config) (StatusOutput, error) {
	url := strings.TrimRight(base, "/") + "/api/v1/report"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusOutput{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return StatusOutput{}, fmt.Errorf("fetching report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return StatusOutput{}, fmt.Errorf("fetching report: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rep poolmon.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return StatusOutput{}, fmt.Errorf("decoding report: %w", err)
	}
	rep.Connectivity.Latency = time.Duration(rep.Connectivity.LatencyMS) * time.Millisecond
	for i := range rep.Leaks {
		rep.Leaks[i].Elapsed = time.Duration(rep.Leaks[i].ElapsedMS) * time.Millisecond
	}

	out := buildStatusOutput(rep, nil, nil, c)
	out.Target = base
	return out, nil
}

// overallStatus is the report's health, escalated by connectivity and
// probe outcomes.
func overallStatus(rep poolmon.Report, probes []probeResult) string {
	if !rep.Connectivity.Connected {
		return statusDisconnected
	}
	status := rep.Health.Status
	if status == poolmon.StatusHealthy {
		for _, p := range probes {
			if p.Outcome != outcomeOK {
				status = poolmon.StatusWarning
				break
			}
		}
	}
	return string(status)
}

func exitCodeFor(status string) int {
	switch status {
	case string(poolmon.StatusHealthy):
		return ExitOK
	case string(poolmon.StatusWarning):
		return ExitWarning
	default:
		return ExitCritical
	}
}

func buildStatusOutput(rep poolmon.Report, probes []probeResult, server *postgres.ServerInfo, c *config.Config) StatusOutput {
	mc := monitorConfig(c)
	output := StatusOutput{
		Status:          overallStatus(rep, probes),
		Connectivity:    rep.Connectivity,
		Pool:            rep.Health.Metrics,
		Issues:          rep.Health.Issues,
		Recommendations: rep.Health.Recommendations,
		Utilization:     rep.Utilization,
		Driver:          rep.Driver,
		Thresholds: ThresholdStatus{
			MaxConnections:  rep.Health.Metrics.Max,
			WarningPercent:  c.Pool.WarningPercent,
			CriticalPercent: c.Pool.CriticalPercent,
			LeakThreshold:   mc.LeakThreshold.String(),
		},
	}

	output.Leaks = make([]LeakStatus, 0, len(rep.Leaks))
	for _, l := range rep.Leaks {
		output.Leaks = append(output.Leaks, LeakStatus{
			ID:         l.ID,
			Label:      l.Label,
			Running:    util.FormatDuration(l.Elapsed),
			RunningSec: l.Elapsed.Seconds(),
		})
	}

	for _, p := range probes {
		output.Probes = append(output.Probes, probeStatus(p))
	}

	if server != nil {
		output.Server = &ServerStatus{
			Version:        server.Version,
			MaxConnections: server.MaxConnections,
			Uptime:         util.FormatDuration(server.Uptime(time.Now())),
			Warning:        server.CeilingWarning(rep.Health.Metrics.Max),
		}
	}

	return output
}

func probeStatus(p probeResult) ProbeStatus {
	ps := ProbeStatus{
		Name:       p.Name,
		Kind:       p.Kind,
		Outcome:    p.Outcome,
		Timeout:    p.Timeout.String(),
		DurationMS: p.Duration.Milliseconds(),
	}
	if p.Value != nil {
		ps.Value = util.Truncate(fmt.Sprint(p.Value), 60)
	}
	if p.Err != nil {
		ps.Error = p.Err.Error()
	}
	return ps
}

func printHumanStatus(w io.Writer, out StatusOutput) {
	fmt.Fprintln(w)
	if out.Target != "" {
		fmt.Fprintf(w, "Target: %s\n", out.Target)
	}

	if out.Connectivity.Connected {
		fmt.Fprintf(w, "Database: connected (%s)\n", util.FormatDuration(time.Duration(out.Connectivity.LatencyMS)*time.Millisecond))
	} else {
		fmt.Fprintf(w, "Database: unreachable [CRIT]  %s\n", out.Connectivity.Error)
	}
	if out.Server != nil {
		fmt.Fprintf(w, "Server max_connections: %d, up %s\n", out.Server.MaxConnections, out.Server.Uptime)
		if out.Server.Warning != "" {
			fmt.Fprintf(w, "  [!] %s\n", out.Server.Warning)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Connection Pool (max: %d)\n", out.Pool.Max)
	fmt.Fprintln(w, strings.Repeat("-", 44))
	fmt.Fprintf(w, "In flight:            %3d\n", out.Pool.Active)
	fmt.Fprintf(w, "Idle capacity:        %3d\n", out.Pool.Idle)
	fmt.Fprintf(w, "Leak candidates:      %3d\n", len(out.Leaks))
	if out.Driver != nil {
		fmt.Fprintf(w, "Driver conns:         %3d (acquired %d, idle %d)\n",
			out.Driver.TotalConns, out.Driver.AcquiredConns, out.Driver.IdleConns)
	}

	fmt.Fprintf(w, "\nUsage: %s (%d/%d)%s\n", util.FormatPercent(out.Pool.UtilizationPercent),
		out.Pool.Active, out.Pool.Max, severityTag(out.Status))
	fmt.Fprintf(w, "Average 5m: %s  15m: %s  Peak: %s\n",
		util.FormatPercent(out.Utilization.Average5m),
		util.FormatPercent(out.Utilization.Average15m),
		util.FormatPercent(out.Utilization.Peak))

	if len(out.Issues) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Issues")
		fmt.Fprintln(w, strings.Repeat("-", 44))
		for i, issue := range out.Issues {
			fmt.Fprintf(w, "  - %s\n", issue)
			if i < len(out.Recommendations) {
				fmt.Fprintf(w, "    %s\n", out.Recommendations[i])
			}
		}
	}

	if len(out.Leaks) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Potential Leaks")
		fmt.Fprintln(w, strings.Repeat("-", 80))

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tRunning\tOperation")
		for _, l := range out.Leaks {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", util.Truncate(l.ID, 36), l.Running, util.Truncate(l.Label, 30))
		}
		tw.Flush()
	}

	if len(out.Probes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Probes")
		fmt.Fprintln(w, strings.Repeat("-", 80))

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "Name\tKind\tTimeout\tTook\tResult")
		for _, p := range out.Probes {
			result := p.Outcome
			if p.Error != "" {
				result += ": " + util.Truncate(p.Error, 40)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\n", p.Name, p.Kind, p.Timeout, p.DurationMS, result)
		}
		tw.Flush()
	}

	fmt.Fprintln(w)
}

func severityTag(status string) string {
	switch status {
	case string(poolmon.StatusWarning):
		return " [WARN]"
	case string(poolmon.StatusCritical), statusDisconnected:
		return " [CRIT]"
	}
	return ""
}
