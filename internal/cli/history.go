package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petrijr/dauro/pkg/api"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Config   string
	ID       string
}

// OperationRecord is one entry of the operation log.
type OperationRecord struct {
	Seq         int64            `json:"seq"`
	Path        string           `json:"path"`
	Kind        string           `json:"kind"`
	Status      string           `json:"status"`
	Attempt     int              `json:"attempt,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Failure     *api.FailureInfo `json:"failure,omitempty"`
	ScheduledAt string           `json:"scheduled_at,omitempty"`
	Token       string           `json:"token,omitempty"`
	UpdatedAt   string           `json:"updated_at,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the operation log of an execution",
		Long: `Show the append-only operation log of one execution, in append order.

The log is what replay is served from: each row is a durable operation
with its path, kind, status and attempt count. Parked operations show
the time they become runnable; callback operations show their token.

Examples:
  dauro history --db ./dauro.db --id order-1042
  dauro history --db ./dauro.db --id order-1042 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to store configuration file")
	cmd.Flags().StringVar(&opts.ID, "id", "", "execution id (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	eng, cleanup, err := connect(ctx, opts.Database, opts.Config, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()

	ops, err := eng.GetExecutionHistory(ctx, opts.ID)
	if err != nil {
		if errors.Is(err, api.ErrExecutionNotFound) {
			return NewExitError(ExitCommandError, fmt.Sprintf("execution %q not found", opts.ID))
		}
		return WrapExitError(ExitCommandError, "failed to load history", err)
	}

	records := make([]OperationRecord, 0, len(ops))
	for _, op := range ops {
		records = append(records, OperationRecord{
			Seq:         op.Seq,
			Path:        op.Path,
			Kind:        string(op.Kind),
			Status:      string(op.Status),
			Attempt:     op.Attempt,
			Result:      rawPayload(op.Codec, op.Result),
			Failure:     op.Failure,
			ScheduledAt: jsonTime(op.ScheduledAt),
			Token:       op.Token,
			UpdatedAt:   jsonTime(op.UpdatedAt),
		})
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), records)
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No operations recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tPATH\tKIND\tSTATUS\tATTEMPT\tNOTE")
	for i, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", r.Seq, r.Path, r.Kind, r.Status, r.Attempt, operationNote(ops[i]))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if opts.Verbose {
		out := cmd.OutOrStdout()
		for _, r := range records {
			if r.Failure != nil {
				fmt.Fprintf(out, "\n%s: %s\n", r.Path, formatFailure(r.Failure))
			}
		}
	}
	return nil
}

// operationNote summarizes the non-columnar part of an operation: why it is
// parked, or how it ended.
func operationNote(op api.Operation) string {
	switch {
	case op.Failure != nil:
		return op.Failure.Message
	case op.Token != "":
		return "token " + op.Token
	case !op.ScheduledAt.IsZero() && !op.Status.Terminal():
		return "runnable at " + formatTime(op.ScheduledAt)
	default:
		return ""
	}
}
