package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/v0xg/dbguard/internal/config"
	"github.com/v0xg/dbguard/internal/util"
)

var probeCmd = &cobra.Command{
	Use:   "probe <sql>",
	Short: "Run one query under the timeout governor",
	Long: `Run a single query through the timeout governor and report how long it
took. The deadline comes from --timeout, else --priority, else the policy
entry for --kind. With --exec the statement is run for its side effects
and the affected row count is reported.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbeCmd,
}

func init() {
	probeCmd.Flags().String("kind", "", "operation kind for the timeout policy (e.g. findMany, aggregate)")
	probeCmd.Flags().String("priority", "", "priority tier: critical, high, normal, low")
	probeCmd.Flags().Duration("timeout", 0, "explicit deadline")
	probeCmd.Flags().Int("retries", 0, "retries after a timeout")
	probeCmd.Flags().Bool("exec", false, "run as a statement and report rows affected")
	probeCmd.Flags().Bool("json", false, "Output in JSON format")
}

// rowsAffected adapts a statement runner to the querier used by probes.
type rowsAffected struct {
	exec func(ctx context.Context, sql string, args ...any) (int64, error)
}

func (r rowsAffected) QueryValue(ctx context.Context, sql string, args ...any) (any, error) {
	return r.exec(ctx, sql, args...)
}

func runProbeCmd(cmd *cobra.Command, args []string) error {
	p := config.ProbeConfig{Name: "adhoc", Query: args[0]}
	p.Kind, _ = cmd.Flags().GetString("kind")
	p.Priority, _ = cmd.Flags().GetString("priority")
	p.Timeout, _ = cmd.Flags().GetDuration("timeout")
	p.Retries, _ = cmd.Flags().GetInt("retries")
	execMode, _ := cmd.Flags().GetBool("exec")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, err := newStack(ctx, cfg, slog.Default(), hooks{})
	if err != nil {
		return err
	}
	defer st.Close()

	var q querier = st.client
	if execMode {
		q = rowsAffected{exec: st.client.Exec}
	}

	res := runProbe(ctx, st.governor, q, nil, p)
	out := probeStatus(res)

	if jsonOutput {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("%s  %s in %s (deadline %s, kind %s)\n",
			outcomeTag(res.Outcome), res.Outcome, util.FormatDuration(res.Duration), res.Timeout, res.Kind)
		if out.Value != "" {
			fmt.Printf("    value: %s\n", out.Value)
		}
	}

	if res.Err != nil {
		return res.Err
	}
	return nil
}

func outcomeTag(outcome string) string {
	switch outcome {
	case outcomeOK:
		return "[OK]"
	case outcomeTimeout:
		return "[TIMEOUT]"
	default:
		return "[FAILED]"
	}
}
