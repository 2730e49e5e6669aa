package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/v0xg/dbguard/internal/alerts"
	"github.com/v0xg/dbguard/internal/config"
	"github.com/v0xg/dbguard/internal/logger"
	"github.com/v0xg/dbguard/internal/postgres"
	"github.com/v0xg/dbguard/internal/util"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect, test, or create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		printConfig(os.Stdout, cfg, configPath())
		return nil
	},
}

var configTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Test the database connection and alert destinations",
	RunE:  runConfigTest,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configTestCmd)
	configCmd.AddCommand(configInitCmd)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	path, err := config.Path()
	if err != nil {
		return "(unknown)"
	}
	return path
}

func printConfig(w io.Writer, c *config.Config, path string) {
	section := func(title string) {
		fmt.Fprintln(w)
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, strings.Repeat("-", 44))
	}

	fmt.Fprintf(w, "Config file: %s\n", path)

	section("Connection")
	fmt.Fprintf(w, "  Target:    %s\n", c.Target())
	fmt.Fprintf(w, "  Auth:      %s\n", c.Connection.AuthMethod)
	fmt.Fprintf(w, "  SSL:       %s\n", c.Connection.SSLMode)

	section("Pool")
	fmt.Fprintf(w, "  Max connections:  %d\n", c.Pool.MaxConnections)
	fmt.Fprintf(w, "  Warning:          %s\n", util.FormatPercent(c.Pool.WarningPercent))
	fmt.Fprintf(w, "  Critical:         %s\n", util.FormatPercent(c.Pool.CriticalPercent))
	fmt.Fprintf(w, "  Leak threshold:   %s\n", c.Pool.LeakThreshold)
	fmt.Fprintf(w, "  History size:     %d\n", c.Pool.HistorySize)

	section("Timeouts")
	fmt.Fprintf(w, "  Default:   %s\n", timeoutPolicy(c).Default)
	kinds := make([]string, 0, len(c.Timeouts.Operations))
	for k := range c.Timeouts.Operations {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-10s %s\n", k+":", c.Timeouts.Operations[k])
	}
	p := c.Timeouts.Priorities
	fmt.Fprintf(w, "  Priorities: critical=%s high=%s normal=%s low=%s\n", p.Critical, p.High, p.Normal, p.Low)
	fmt.Fprintf(w, "  Retry:     %d after %s\n", c.Timeouts.Retry.MaxRetries, c.Timeouts.Retry.Delay)

	section("Probes")
	if len(c.Probes) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, pr := range c.Probes {
		fmt.Fprintf(w, "  %s: %s\n", pr.Name, util.TruncateQuery(pr.Query, 50))
	}

	section("Alerts")
	if c.Alerts.Slack.Enabled {
		fmt.Fprintf(w, "  Slack:     enabled (%s)\n", c.Alerts.Slack.Channel)
	} else {
		fmt.Fprintln(w, "  Slack:     disabled")
	}
	if c.Alerts.Webhook.Enabled {
		fmt.Fprintln(w, "  Webhook:   enabled")
	} else {
		fmt.Fprintln(w, "  Webhook:   disabled")
	}
	fmt.Fprintf(w, "  Cooldown:  %s\n", c.Alerts.Cooldown)

	section("API")
	if c.API.Enabled {
		fmt.Fprintf(w, "  Listen:    %s (degraded status %d)\n", c.API.Listen, c.API.DegradedStatus)
	} else {
		fmt.Fprintln(w, "  Disabled")
	}

	fmt.Fprintln(w)
}

func runConfigTest(cmd *cobra.Command, args []string) error {
	fmt.Println("Testing configuration...")
	fmt.Println()

	if err := cfg.Validate(); err != nil {
		fmt.Printf("[FAILED] Configuration: %v\n", err)
		return nil
	}
	fmt.Println("[OK] Configuration valid")

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	fmt.Print("Testing database connection... ")
	if err := postgres.TestConnection(ctx, cfg); err != nil {
		fmt.Println("[FAILED]")
		fmt.Printf("    Error: %v\n", err)
	} else {
		fmt.Println("[OK]")
	}

	disp := alerts.FromConfig(cfg.Alerts, resolveSlackURL(ctx, cfg), logger.Discard())
	if !disp.Enabled() {
		fmt.Println("[SKIP] No alert destinations configured")
		fmt.Println()
		return nil
	}

	fmt.Print("Sending test alert... ")
	if err := disp.Test(ctx); err != nil {
		fmt.Println("[FAILED]")
		fmt.Printf("    Error: %v\n", err)
	} else {
		fmt.Println("[OK]")
	}

	fmt.Println()
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	path := configPath()

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}

	fmt.Printf("[+] Configuration saved to %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  dbguard config test   # Check the connection and alerts")
	fmt.Println("  dbguard status        # One-shot health report")
	fmt.Println("  dbguard daemon        # Run as background service")
	fmt.Println()
	return nil
}
