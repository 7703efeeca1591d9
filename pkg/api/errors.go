package api

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionNotFound is returned when no execution exists for an ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionLocked is returned when another worker holds the
	// execution's replay lease.
	ErrExecutionLocked = errors.New("execution is locked by another worker")

	// ErrWorkflowNotFound is returned when a workflow name (or version) has
	// not been registered with the engine.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrDuplicateWorkflow is returned when registering a name+version pair
	// that already exists.
	ErrDuplicateWorkflow = errors.New("workflow already registered")

	// ErrTokenNotFound is returned for callback signals that reference an
	// unknown token.
	ErrTokenNotFound = errors.New("callback token not found")

	// ErrTokenResolved is returned for callback signals that arrive after
	// the token was already consumed. Receivers may safely ignore it.
	ErrTokenResolved = errors.New("callback token already resolved")
)

// ErrorKind classifies a failure for retry decisions. The kind survives the
// operation log round-trip, so workflow code can branch on it after replay.
type ErrorKind string

const (
	// ErrorTransient: expected intermittent failures (network, throttling).
	// Retried by default. Unclassified errors count as transient.
	ErrorTransient ErrorKind = "transient"

	// ErrorPermanent: the operation cannot succeed as invoked (validation,
	// business rejection). Never retried by default; carries an application
	// ErrType label for compensation branching.
	ErrorPermanent ErrorKind = "permanent"

	// ErrorUnrecoverable: retrying is pointless or harmful. Never retried,
	// regardless of policy allow-lists.
	ErrorUnrecoverable ErrorKind = "unrecoverable"

	// ErrorTimeout: a callback or condition wait expired. Catchable by the
	// workflow like any other operation error.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorDivergence: replay observed operations inconsistent with the
	// recorded log (renamed, reordered or duplicated names). Fatal to the
	// execution, never retried.
	ErrorDivergence ErrorKind = "divergence"
)

// TransientError marks err as explicitly retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransient wraps err as a transient failure. Plain errors are already
// treated as transient; the wrapper exists for symmetry and for allow-lists.
func NewTransient(err error) error {
	return &TransientError{Err: err}
}

// PermanentError is a business-level failure with a stable application
// label. The label survives checkpointing, so a compensation branch can
// match on it after a crash and replay.
type PermanentError struct {
	// ErrType is the application-defined label ("PaymentDeclined").
	ErrType string
	Message string
}

func (e *PermanentError) Error() string {
	if e.ErrType == "" {
		return e.Message
	}
	return e.ErrType + ": " + e.Message
}

// NewPermanent builds a permanent failure with an application label.
func NewPermanent(errType, message string) error {
	return &PermanentError{ErrType: errType, Message: message}
}

// UnrecoverableError wraps err as never-retryable.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string { return e.Err.Error() }
func (e *UnrecoverableError) Unwrap() error { return e.Err }

// NewUnrecoverable wraps err as an unrecoverable failure.
func NewUnrecoverable(err error) error {
	return &UnrecoverableError{Err: err}
}

// TimeoutError is returned by WaitForCallback and WaitForCondition when the
// configured deadline (or heartbeat deadline) passes without resolution.
type TimeoutError struct {
	// Path is the operation that timed out.
	Path string
	// Reason distinguishes overall timeout from heartbeat expiry.
	Reason string
}

func (e *TimeoutError) Error() string {
	if e.Reason == "" {
		return "operation timed out: " + e.Path
	}
	return "operation timed out (" + e.Reason + "): " + e.Path
}

// AsTimeout returns the TimeoutError in err's chain, if any.
func AsTimeout(err error) (*TimeoutError, bool) {
	var t *TimeoutError
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}

// DivergenceError indicates that replayed workflow code no longer matches
// the recorded operation log. It fails the execution and is never retried.
type DivergenceError struct {
	Path   string
	Reason string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("replay divergence at %q: %s", e.Path, e.Reason)
}

// KindOf classifies err. Unclassified non-nil errors are transient: the
// retry policy, not the error author, decides how often to try again.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		div  *DivergenceError
		unre *UnrecoverableError
		to   *TimeoutError
		perm *PermanentError
	)
	switch {
	case errors.As(err, &div):
		return ErrorDivergence
	case errors.As(err, &unre):
		return ErrorUnrecoverable
	case errors.As(err, &to):
		return ErrorTimeout
	case errors.As(err, &perm):
		return ErrorPermanent
	}
	return ErrorTransient
}

// FailureInfo is the journaled form of an operation or execution failure.
// It round-trips through the log: Err reconstructs an error of the same
// kind, with the same application label, on every replay.
type FailureInfo struct {
	Kind    ErrorKind `json:"kind"`
	ErrType string    `json:"errType,omitempty"`
	Message string    `json:"message"`
	Path    string    `json:"path,omitempty"`
}

// FailureFromError captures err for the operation log. path is the
// operation the failure belongs to.
func FailureFromError(path string, err error) *FailureInfo {
	if err == nil {
		return nil
	}
	f := &FailureInfo{
		Kind:    KindOf(err),
		Message: err.Error(),
		Path:    path,
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		f.ErrType = perm.ErrType
		f.Message = perm.Message
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		f.ErrType = to.Reason
		f.Message = to.Error()
		if to.Path != "" {
			f.Path = to.Path
		}
	}
	var div *DivergenceError
	if errors.As(err, &div) {
		f.Message = div.Reason
		if div.Path != "" {
			f.Path = div.Path
		}
	}
	return f
}

// Err reconstructs the typed error this failure was captured from.
func (f *FailureInfo) Err() error {
	if f == nil {
		return nil
	}
	switch f.Kind {
	case ErrorPermanent:
		return &PermanentError{ErrType: f.ErrType, Message: f.Message}
	case ErrorUnrecoverable:
		return &UnrecoverableError{Err: errors.New(f.Message)}
	case ErrorTimeout:
		return &TimeoutError{Path: f.Path, Reason: f.ErrType}
	case ErrorDivergence:
		return &DivergenceError{Path: f.Path, Reason: f.Message}
	default:
		return &TransientError{Err: errors.New(f.Message)}
	}
}

// suspendError is returned by durable operations that parked the execution
// (timer not due, callback unresolved, retry delay pending). Workflow code
// propagates it like any other error; the engine recognizes it and records
// the execution as SUSPENDED rather than FAILED.
type suspendError struct {
	Path string
}

func (e *suspendError) Error() string {
	return "execution suspended at: " + e.Path
}

// NewSuspend is primarily intended for the engine's own durable operations,
// but custom context implementations can use it to integrate with the
// engine's suspension semantics.
func NewSuspend(path string) error {
	return &suspendError{Path: path}
}

// IsSuspend returns (operationPath, true) if err indicates that the
// execution parked on a durable operation.
func IsSuspend(err error) (string, bool) {
	var s *suspendError
	if errors.As(err, &s) {
		return s.Path, true
	}
	return "", false
}
