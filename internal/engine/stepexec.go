package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/dauro/pkg/api"
)

// errAttemptInterrupted stands in for the unknown outcome of an attempt that
// was dispatched but never checkpointed a result: the process died in
// between. It is transient, so the retry policy decides whether the attempt
// budget allows going again.
var errAttemptInterrupted = errors.New("step attempt interrupted before completion")

func (c *execContext) Step(name string, fn api.StepFunc, cfg *api.StepConfig) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &api.StepConfig{}
	}
	path := c.path(name)

	op, err := c.state.issue(path, api.OpStep)
	if err != nil {
		return nil, err
	}

	switch {
	case op == nil:
		// First time this path is reached. The pending checkpoint lands
		// before any attempt runs, so a crash here costs nothing.
		c.markLive()
		op = &api.Operation{
			Path:      path,
			Kind:      api.OpStep,
			Status:    api.OpPending,
			StartedAt: time.Now(),
		}
		if err := c.appendCheckpoint(op); err != nil {
			return nil, err
		}
		return c.runStepAttempt(op, fn, cfg, 1)

	case op.Status == api.OpSucceeded:
		return op.Result, nil

	case op.Status == api.OpFailed:
		return nil, op.Failure.Err()

	case op.Status == api.OpPending:
		if op.ScheduledAt.After(time.Now()) {
			// Retry backoff still pending.
			return nil, api.NewSuspend(path)
		}
		c.markLive()
		return c.runStepAttempt(op, fn, cfg, op.Attempt+1)

	case op.Status == api.OpRunning:
		// A dispatched attempt with no recorded outcome: the previous pass
		// died mid-step.
		c.markLive()
		if cfg.Semantics == api.AtLeastOncePerRetry {
			return c.runStepAttempt(op, fn, cfg, op.Attempt)
		}
		return c.chargeInterruptedAttempt(op, fn, cfg)

	default:
		return nil, &api.DivergenceError{
			Path:   path,
			Reason: fmt.Sprintf("step journaled in unexpected status %s", op.Status),
		}
	}
}

// runStepAttempt dispatches attempts until one resolves the step, a retry
// delay parks it, or the policy gives up. The RUNNING checkpoint always lands
// before fn runs; that write is what makes an interrupted attempt visible to
// the next replay.
func (c *execContext) runStepAttempt(op *api.Operation, fn api.StepFunc, cfg *api.StepConfig, attempt int) ([]byte, error) {
	for {
		op.Status = api.OpRunning
		op.Attempt = attempt
		if err := c.writeCheckpoint(op); err != nil {
			return nil, err
		}
		c.eng.observer.OnOperationStart(c.ctx, c.exec, op)

		started := time.Now()
		result, err := fn(c.ctx)
		elapsed := time.Since(started)

		if err == nil {
			codecName, data, encErr := encodeResult(cfg.Codec, result)
			if encErr == nil {
				op.Status = api.OpSucceeded
				op.Result = data
				op.Codec = codecName
				op.Failure = nil
				if werr := c.writeCheckpoint(op); werr != nil {
					return nil, werr
				}
				c.eng.observer.OnOperationCompleted(c.ctx, c.exec, op, nil, elapsed)
				return data, nil
			}
			err = api.NewUnrecoverable(fmt.Errorf("encode step result: %w", encErr))
		}

		c.eng.observer.OnOperationCompleted(c.ctx, c.exec, op, err, elapsed)

		// A dead pass context means the worker is shutting down, not that
		// the step failed. Leave the RUNNING checkpoint for the next replay
		// to account.
		if c.ctx.Err() != nil {
			return nil, c.ctx.Err()
		}

		retry, delay := cfg.Retry.Evaluate(c.exec.ID, op.Path, err, attempt)
		if !retry {
			op.Status = api.OpFailed
			op.Failure = api.FailureFromError(op.Path, err)
			if werr := c.writeCheckpoint(op); werr != nil {
				return nil, werr
			}
			return nil, err
		}
		if delay > 0 {
			return nil, c.parkRetry(op, delay, api.FailureFromError(op.Path, err))
		}
		attempt++
	}
}

// chargeInterruptedAttempt burns the interrupted attempt through the retry
// policy instead of re-running it: the at-most-once-per-retry contract.
func (c *execContext) chargeInterruptedAttempt(op *api.Operation, fn api.StepFunc, cfg *api.StepConfig) ([]byte, error) {
	cause := fmt.Errorf("attempt %d: %w", op.Attempt, errAttemptInterrupted)
	retry, delay := cfg.Retry.Evaluate(c.exec.ID, op.Path, cause, op.Attempt)
	if !retry {
		return nil, c.failOp(op, cause)
	}
	if delay > 0 {
		return nil, c.parkRetry(op, delay, api.FailureFromError(op.Path, cause))
	}
	return c.runStepAttempt(op, fn, cfg, op.Attempt+1)
}

// parkRetry checkpoints the operation back to pending with its wakeup time.
// The suspension travels up through the workflow function like any other
// wait; the failure stays on the record for history readers.
func (c *execContext) parkRetry(op *api.Operation, delay time.Duration, failure *api.FailureInfo) error {
	op.Status = api.OpPending
	op.ScheduledAt = time.Now().Add(delay)
	op.Failure = failure
	if err := c.writeCheckpoint(op); err != nil {
		return err
	}
	return api.NewSuspend(op.Path)
}
