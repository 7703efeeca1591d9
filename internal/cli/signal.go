package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/dauro/pkg/api"
)

// SignalOptions holds flags shared by the signal subcommands.
type SignalOptions struct {
	*RootOptions
	Database string
	Config   string
	Token    string

	// success only
	Payload string

	// failure only
	ErrType string
	Message string
}

// SignalResult reports what happened to the token.
type SignalResult struct {
	Token  string `json:"token"`
	Action string `json:"action"`
}

// NewSignalCommand creates the signal command and its subcommands.
func NewSignalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Resolve or extend a callback token",
		Long: `Resolve a callback token with a success payload or a failure, or
extend its heartbeat deadline.

Resolving a token checkpoints the waiting operation and enqueues a
resume task; a worker watching the same store picks the execution up
from there. The first signal wins: a second resolution of the same
token is rejected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newSignalSuccessCommand(rootOpts))
	cmd.AddCommand(newSignalFailureCommand(rootOpts))
	cmd.AddCommand(newSignalHeartbeatCommand(rootOpts))

	return cmd
}

func newSignalSuccessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SignalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "success",
		Short: "Resolve a callback token with a payload",
		Long: `Resolve a callback token successfully. The payload, if given, must be
a JSON document; the waiting operation records it as its result.

Examples:
  dauro signal success --db ./dauro.db --token cb-7f3a
  dauro signal success --db ./dauro.db --token cb-7f3a --payload '{"approved":true}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignal(opts, cmd, "resolved", func(ctx context.Context, eng api.Engine) error {
				var payload any
				if opts.Payload != "" {
					if !json.Valid([]byte(opts.Payload)) {
						return WrapExitError(ExitCommandError, "invalid --payload", fmt.Errorf("not valid JSON: %q", opts.Payload))
					}
					payload = json.RawMessage(opts.Payload)
				}
				return eng.SendCallbackSuccess(ctx, opts.Token, payload)
			})
		},
	}

	addSignalFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON payload recorded as the operation result")

	return cmd
}

func newSignalFailureCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SignalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "failure",
		Short: "Resolve a callback token with a failure",
		Long: `Resolve a callback token as failed. The waiting operation records a
permanent failure with the given type and message, and the workflow
sees it as the operation's error on resume.

Examples:
  dauro signal failure --db ./dauro.db --token cb-7f3a --message "documents rejected"
  dauro signal failure --db ./dauro.db --token cb-7f3a --type ReviewDenied --message "missing signature"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignal(opts, cmd, "rejected", func(ctx context.Context, eng api.Engine) error {
				return eng.SendCallbackFailure(ctx, opts.Token, opts.ErrType, opts.Message)
			})
		},
	}

	addSignalFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.ErrType, "type", "CallbackFailed", "failure type recorded on the operation")
	cmd.Flags().StringVar(&opts.Message, "message", "", "failure message (required)")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}

func newSignalHeartbeatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SignalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Extend a callback token's heartbeat deadline",
		Long: `Report liveness for a pending callback token. Tokens configured with
a heartbeat timeout expire when no heartbeat arrives in time; this
pushes the deadline forward without resolving the token.

Examples:
  dauro signal heartbeat --db ./dauro.db --token cb-7f3a`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignal(opts, cmd, "heartbeat recorded", func(ctx context.Context, eng api.Engine) error {
				return eng.SendCallbackHeartbeat(ctx, opts.Token)
			})
		},
	}

	addSignalFlags(cmd, opts)

	return cmd
}

func addSignalFlags(cmd *cobra.Command, opts *SignalOptions) {
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to store configuration file")
	cmd.Flags().StringVar(&opts.Token, "token", "", "callback token (required)")
	_ = cmd.MarkFlagRequired("token")
}

func runSignal(opts *SignalOptions, cmd *cobra.Command, action string, send func(context.Context, api.Engine) error) error {
	ctx := cmd.Context()

	eng, cleanup, err := connect(ctx, opts.Database, opts.Config, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()

	if err := send(ctx, eng); err != nil {
		switch {
		case errors.Is(err, api.ErrTokenNotFound):
			return NewExitError(ExitCommandError, fmt.Sprintf("token %q not found", opts.Token))
		case errors.Is(err, api.ErrTokenResolved):
			return NewExitError(ExitFailure, fmt.Sprintf("token %q is already resolved", opts.Token))
		default:
			var exitErr *ExitError
			if errors.As(err, &exitErr) {
				return err
			}
			return WrapExitError(ExitCommandError, "signal failed", err)
		}
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), SignalResult{Token: opts.Token, Action: action})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Token %s: %s.\n", opts.Token, action)
	return nil
}
