package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petrijr/dauro/pkg/api"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Database string
	Config   string
	Workflow string
	Status   string
}

// ExecutionSummary is one row of list output.
type ExecutionSummary struct {
	ID        string `json:"id"`
	Workflow  string `json:"workflow"`
	Version   string `json:"version,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions in the store",
		Long: `List executions, optionally filtered by workflow name or status.

Examples:
  dauro list --db ./dauro.db
  dauro list --db ./dauro.db --workflow ship-order --status SUSPENDED
  dauro list --config dauro.yaml --status FAILED --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to store configuration file")
	cmd.Flags().StringVar(&opts.Workflow, "workflow", "", "only executions of this workflow")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only executions in this status (RUNNING|SUSPENDED|SUCCEEDED|FAILED|TIMED_OUT)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	status, err := parseStatus(opts.Status)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --status", err)
	}

	eng, cleanup, err := connect(ctx, opts.Database, opts.Config, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()

	execs, err := eng.ListExecutions(ctx, api.ExecutionListOptions{Workflow: opts.Workflow, Status: status})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list executions", err)
	}

	rows := make([]ExecutionSummary, 0, len(execs))
	for _, e := range execs {
		rows = append(rows, ExecutionSummary{
			ID:        e.ID,
			Workflow:  e.Workflow,
			Version:   e.Version,
			Status:    string(e.Status),
			CreatedAt: jsonTime(e.CreatedAt),
			UpdatedAt: jsonTime(e.UpdatedAt),
		})
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No executions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tCREATED\tUPDATED")
	for _, r := range rows {
		name := r.Workflow
		if r.Version != "" {
			name = fmt.Sprintf("%s@%s", r.Workflow, r.Version)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, name, r.Status, r.CreatedAt, r.UpdatedAt)
	}
	return w.Flush()
}

// parseStatus normalizes and validates a --status value. Empty means no
// filter.
func parseStatus(s string) (api.ExecutionStatus, error) {
	if s == "" {
		return "", nil
	}
	status := api.ExecutionStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case api.ExecutionRunning, api.ExecutionSuspended, api.ExecutionSucceeded,
		api.ExecutionFailed, api.ExecutionTimedOut:
		return status, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}
