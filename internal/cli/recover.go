package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	Database string
	Config   string
}

// RecoverResult reports how many executions were requeued or timed out.
type RecoverResult struct {
	Recovered int `json:"recovered"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue stuck executions",
		Long: `Scan the store for executions whose resume time passed while no worker
acted: crashed mid-replay, overdue timers, expired callback deadlines.
Each one gets a resume task enqueued (or is timed out when its lifetime
is exhausted), and the worker fleet takes it from there.

Run this after restoring a deployment, or periodically from cron as a
safety net alongside the workers' own startup recovery.

Examples:
  dauro recover --db ./dauro.db
  dauro recover --config dauro.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to store configuration file")

	return cmd
}

func runRecover(opts *RecoverOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	eng, cleanup, err := connect(ctx, opts.Database, opts.Config, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()

	count, err := eng.RecoverStuck(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "recovery failed", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), RecoverResult{Recovered: count})
	}

	if count == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to recover.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d execution(s).\n", count)
	return nil
}
