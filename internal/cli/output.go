package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // successful execution
	ExitFailure      = 1 // semantic failure (token already resolved, execution failed, ...)
	ExitCommandError = 2 // command error (bad flags, store unreachable, unknown id, ...)
)

// ExitError carries a specific exit code out of a RunE function.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not
// ExitErrors map to ExitCommandError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// CLIResponse is the envelope for --format json output.
type CLIResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// writeJSON emits data inside the standard envelope, indented for humans
// piping through jq.
func writeJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(CLIResponse{Status: "ok", Data: data})
}

// formatTime renders timestamps for text output, "-" when unset.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// jsonTime renders timestamps for JSON output, empty so omitempty drops
// unset fields.
func jsonTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// rawPayload turns a codec-encoded payload into a JSON value. JSON-encoded
// payloads pass through verbatim; anything else (gob, custom codecs) is
// rendered as a base64 string, which is how encoding/json treats []byte.
func rawPayload(codecName string, data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if (codecName == "" || codecName == "json") && json.Valid(data) {
		return json.RawMessage(data)
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return encoded
}
