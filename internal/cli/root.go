package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/v0xg/dbguard/internal/config"
	"github.com/v0xg/dbguard/internal/logger"
)

var (
	cfgFile  string
	cfg      *config.Config
	logClose = func() error { return nil }

	// Build-time variables (set via -ldflags)
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "dbguard",
	Short: "Guard database calls with timeouts and watch connection pool pressure",
	Long: `dbguard runs database operations under per-kind deadlines and tracks
every in-flight operation to estimate connection pool pressure, flag
connections held too long, and alert before the pool is exhausted.`,
	SilenceUsage: true,
}

// Execute runs the CLI and flushes the log file, if any, on the way out.
func Execute() error {
	defer func() { _ = logClose() }()
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/dbguard/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(statusCmd, watchCmd, daemonCmd, probeCmd, configCmd, versionCmd)
}

func initConfig() {
	var err error

	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.LoadOrDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if lvl, _ := rootCmd.PersistentFlags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	log, closeFn, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)
	logClose = closeFn
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dbguard %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}
