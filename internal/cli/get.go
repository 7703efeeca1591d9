package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/dauro/pkg/api"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	Database string
	Config   string
	ID       string
}

// ExecutionDetail is the full record of one execution.
type ExecutionDetail struct {
	ID        string           `json:"id"`
	Workflow  string           `json:"workflow"`
	Version   string           `json:"version,omitempty"`
	Status    string           `json:"status"`
	Input     json.RawMessage  `json:"input,omitempty"`
	Output    json.RawMessage  `json:"output,omitempty"`
	Failure   *api.FailureInfo `json:"failure,omitempty"`
	CreatedAt string           `json:"created_at"`
	ResumedAt string           `json:"resumed_at,omitempty"`
	UpdatedAt string           `json:"updated_at"`
	Deadline  string           `json:"deadline,omitempty"`
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show one execution",
		Long: `Show the stored record of a single execution: status, input, outcome
and timestamps.

Examples:
  dauro get --db ./dauro.db --id order-1042
  dauro get --config dauro.yaml --id order-1042 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to store configuration file")
	cmd.Flags().StringVar(&opts.ID, "id", "", "execution id (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func runGet(opts *GetOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	eng, cleanup, err := connect(ctx, opts.Database, opts.Config, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()

	exec, err := eng.GetExecution(ctx, opts.ID)
	if err != nil {
		if errors.Is(err, api.ErrExecutionNotFound) {
			return NewExitError(ExitCommandError, fmt.Sprintf("execution %q not found", opts.ID))
		}
		return WrapExitError(ExitCommandError, "failed to load execution", err)
	}

	detail := ExecutionDetail{
		ID:        exec.ID,
		Workflow:  exec.Workflow,
		Version:   exec.Version,
		Status:    string(exec.Status),
		Input:     rawPayload(exec.InputCodec, exec.Input),
		Output:    rawPayload(exec.OutputCodec, exec.Output),
		Failure:   exec.Failure,
		CreatedAt: jsonTime(exec.CreatedAt),
		ResumedAt: jsonTime(exec.ResumedAt),
		UpdatedAt: jsonTime(exec.UpdatedAt),
		Deadline:  jsonTime(exec.Deadline),
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), detail)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Execution: %s\n", detail.ID)
	if detail.Version != "" {
		fmt.Fprintf(w, "  Workflow: %s (version %s)\n", detail.Workflow, detail.Version)
	} else {
		fmt.Fprintf(w, "  Workflow: %s\n", detail.Workflow)
	}
	fmt.Fprintf(w, "  Status:   %s\n", detail.Status)
	fmt.Fprintf(w, "  Created:  %s\n", formatTime(exec.CreatedAt))
	if !exec.ResumedAt.IsZero() {
		fmt.Fprintf(w, "  Resumed:  %s\n", formatTime(exec.ResumedAt))
	}
	fmt.Fprintf(w, "  Updated:  %s\n", formatTime(exec.UpdatedAt))
	if !exec.Deadline.IsZero() {
		fmt.Fprintf(w, "  Deadline: %s\n", formatTime(exec.Deadline))
	}
	if len(detail.Input) > 0 {
		fmt.Fprintf(w, "  Input:    %s\n", detail.Input)
	}
	if len(detail.Output) > 0 {
		fmt.Fprintf(w, "  Output:   %s\n", detail.Output)
	}
	if f := exec.Failure; f != nil {
		fmt.Fprintf(w, "  Failure:  %s\n", formatFailure(f))
	}
	return nil
}

// formatFailure renders a FailureInfo on one line. A message that already
// leads with the ErrType label is not labeled twice.
func formatFailure(f *api.FailureInfo) string {
	msg := f.Message
	if f.ErrType != "" && !strings.HasPrefix(msg, f.ErrType+": ") {
		msg = fmt.Sprintf("%s: %s", f.ErrType, f.Message)
	}
	if f.Path != "" {
		return fmt.Sprintf("[%s] %s (at %s)", f.Kind, msg, f.Path)
	}
	return fmt.Sprintf("[%s] %s", f.Kind, msg)
}
