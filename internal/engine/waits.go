package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/dauro/internal/journal"
	"github.com/petrijr/dauro/pkg/api"
	"github.com/petrijr/dauro/pkg/codec"
)

// callbackResolutionGrace is how long a replay pass waits for a claimed
// token's resolution checkpoint to land before declaring the claim lost to a
// resolver crash.
const callbackResolutionGrace = 3 * time.Second

func (c *execContext) Wait(name string, d time.Duration) error {
	if err := validateName(name); err != nil {
		return err
	}
	path := c.path(name)

	op, err := c.state.issue(path, api.OpWait)
	if err != nil {
		return err
	}

	now := time.Now()
	if op == nil {
		c.markLive()
		if d < 0 {
			d = 0
		}
		deadline := now.Add(d)
		// A wait cannot outlive the execution itself.
		if !c.exec.Deadline.IsZero() && deadline.After(c.exec.Deadline) {
			deadline = c.exec.Deadline
		}
		op = &api.Operation{
			Path:        path,
			Kind:        api.OpWait,
			Status:      api.OpWaiting,
			ScheduledAt: deadline,
			StartedAt:   now,
		}
		if err := c.appendCheckpoint(op); err != nil {
			return err
		}
		c.eng.observer.OnOperationStart(c.ctx, c.exec, op)
		if deadline.After(now) {
			return api.NewSuspend(path)
		}
		return c.succeedOp(op, "", nil)
	}

	switch op.Status {
	case api.OpSucceeded:
		return nil
	case api.OpFailed:
		return op.Failure.Err()
	case api.OpWaiting:
		if op.ScheduledAt.After(now) {
			return api.NewSuspend(path)
		}
		// The deadline passed while the execution was suspended.
		c.markLive()
		return c.succeedOp(op, "", nil)
	default:
		return &api.DivergenceError{
			Path:   path,
			Reason: fmt.Sprintf("wait journaled in unexpected status %s", op.Status),
		}
	}
}

func (c *execContext) WaitForCallback(name string, submit api.SubmitFunc, cfg *api.CallbackConfig) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &api.CallbackConfig{}
	}
	path := c.path(name)

	op, err := c.state.issue(path, api.OpCallback)
	if err != nil {
		return nil, err
	}

	if op == nil {
		c.markLive()
		now := time.Now()
		tok := newCallbackToken(uuid.NewString(), c.exec.ID, path, cfg, now)
		op = &api.Operation{
			Path:        path,
			Kind:        api.OpCallback,
			Status:      api.OpWaiting,
			Token:       tok.ID,
			ScheduledAt: earliestDeadline(tok),
			StartedAt:   now,
		}
		// Operation first, token second: a crash in between is repaired by
		// ensureToken on the next pass, while a token without its operation
		// would be unreachable.
		if err := c.appendCheckpoint(op); err != nil {
			return nil, err
		}
		if err := c.eng.store.CreateToken(c.ctx, tok); err != nil {
			return nil, err
		}
		c.eng.observer.OnOperationStart(c.ctx, c.exec, op)
		if err := c.runSubmit(path, tok.ID, submit, cfg); err != nil {
			return c.settleSubmitError(op, err)
		}
		return nil, c.parkOnToken(op, tok)
	}

	switch op.Status {
	case api.OpSucceeded:
		return op.Result, nil
	case api.OpFailed:
		return nil, op.Failure.Err()
	case api.OpWaiting:
		tok, err := c.ensureToken(op, cfg)
		if err != nil {
			return nil, err
		}
		if tok.Resolved {
			return c.settleClaimedToken(op)
		}
		if expired, reason := tokenExpired(tok, time.Now()); expired {
			return nil, c.expireCallback(op, reason)
		}
		// Re-enter the submit checkpoint: a crash before or mid submission
		// must finish handing the token out.
		if err := c.runSubmit(path, tok.ID, submit, cfg); err != nil {
			return c.settleSubmitError(op, err)
		}
		return nil, c.parkOnToken(op, tok)
	default:
		return nil, &api.DivergenceError{
			Path:   path,
			Reason: fmt.Sprintf("callback journaled in unexpected status %s", op.Status),
		}
	}
}

// settleClaimedToken handles a token that was consumed while the operation
// still reads WAITING in the pass snapshot. Normally the resolution
// checkpoint landed right after the snapshot was taken; a fresh read serves
// it. If it is still missing, the resolver is given one grace period before
// its claim is declared lost (it died between the claim and the checkpoint).
func (c *execContext) settleClaimedToken(op *api.Operation) ([]byte, error) {
	cur, err := c.eng.store.GetOperation(c.ctx, c.exec.ID, op.Path)
	if err != nil {
		return nil, err
	}
	if cur.Terminal() {
		if cur.Status == api.OpFailed {
			return nil, cur.Failure.Err()
		}
		return cur.Result, nil
	}
	if op.Attempt == 0 {
		c.markLive()
		op.Attempt = 1
		op.ScheduledAt = time.Now().Add(callbackResolutionGrace)
		if err := c.writeCheckpoint(op); err != nil {
			return nil, err
		}
		return nil, api.NewSuspend(op.Path)
	}
	if op.ScheduledAt.After(time.Now()) {
		// Grace period still running.
		return nil, api.NewSuspend(op.Path)
	}
	c.markLive()
	return nil, c.failOp(op, api.NewTransient(errors.New("callback resolution lost before checkpoint")))
}

func newCallbackToken(id, executionID, path string, cfg *api.CallbackConfig, at time.Time) *api.CallbackToken {
	tok := &api.CallbackToken{
		ID:            id,
		ExecutionID:   executionID,
		OperationPath: path,
		CreatedAt:     at,
	}
	if cfg.Timeout > 0 {
		tok.Deadline = at.Add(cfg.Timeout)
	}
	if cfg.HeartbeatTimeout > 0 {
		tok.HeartbeatInterval = cfg.HeartbeatTimeout
		tok.HeartbeatDeadline = at.Add(cfg.HeartbeatTimeout)
	}
	return tok
}

// ensureToken reloads the operation's token, recreating it if the previous
// pass died between the operation checkpoint and the token write. Deadlines
// re-anchor on the operation's start time, so a recreated token expires
// exactly when the lost one would have.
func (c *execContext) ensureToken(op *api.Operation, cfg *api.CallbackConfig) (*api.CallbackToken, error) {
	tok, err := c.eng.store.GetToken(c.ctx, op.Token)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, journal.ErrTokenNotFound) {
		return nil, err
	}
	tok = newCallbackToken(op.Token, c.exec.ID, op.Path, cfg, op.StartedAt)
	if err := c.eng.store.CreateToken(c.ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// runSubmit hands the token to the external system under its own step
// checkpoint nested below the callback operation, so the submission runs
// once per attempt across crashes and replays.
func (c *execContext) runSubmit(path, token string, submit api.SubmitFunc, cfg *api.CallbackConfig) error {
	if submit == nil {
		return nil
	}
	_, err := c.child(path).Step("submit", func(ctx context.Context) (any, error) {
		return nil, submit(ctx, token)
	}, &api.StepConfig{Retry: cfg.Retry})
	return err
}

// settleSubmitError converts a terminal submit failure into the callback's
// own outcome. Suspensions (submit retry backoff) pass through untouched.
// The token is claimed first: an earlier submit attempt may have delivered
// it despite the reported failure, and a signal that won the token beats the
// submit error.
func (c *execContext) settleSubmitError(op *api.Operation, err error) ([]byte, error) {
	if _, ok := api.IsSuspend(err); ok {
		return nil, err
	}
	if c.ctx.Err() != nil {
		return nil, c.ctx.Err()
	}
	if _, rerr := c.eng.store.ResolveToken(c.ctx, op.Token); rerr != nil {
		if errors.Is(rerr, journal.ErrTokenResolved) {
			return c.settleClaimedToken(op)
		}
		return nil, rerr
	}
	return nil, c.failOp(op, err)
}

// parkOnToken suspends the execution until a signal or the next expiry
// deadline. The operation's wakeup time tracks the token so the scheduler
// never has to read tokens.
func (c *execContext) parkOnToken(op *api.Operation, tok *api.CallbackToken) error {
	if wake := earliestDeadline(tok); !wake.Equal(op.ScheduledAt) {
		op.ScheduledAt = wake
		if err := c.writeCheckpoint(op); err != nil {
			return err
		}
	}
	return api.NewSuspend(op.Path)
}

// expireCallback claims the token so late signals become no-ops, then fails
// the operation with a timeout the workflow can catch.
func (c *execContext) expireCallback(op *api.Operation, reason string) error {
	if _, err := c.eng.store.ResolveToken(c.ctx, op.Token); err != nil {
		if errors.Is(err, journal.ErrTokenResolved) {
			// A signal beat the expiry to the claim; suspend and let the
			// next pass serve its result.
			return api.NewSuspend(op.Path)
		}
		return err
	}
	c.markLive()
	return c.failOp(op, &api.TimeoutError{Path: op.Path, Reason: reason})
}

// earliestDeadline returns the sooner of the token's two expiry deadlines,
// zero when the callback is unbounded.
func earliestDeadline(tok *api.CallbackToken) time.Time {
	switch {
	case tok.Deadline.IsZero():
		return tok.HeartbeatDeadline
	case tok.HeartbeatDeadline.IsZero():
		return tok.Deadline
	case tok.HeartbeatDeadline.Before(tok.Deadline):
		return tok.HeartbeatDeadline
	default:
		return tok.Deadline
	}
}

// tokenExpired reports whether an unresolved token ran out of time and which
// deadline went first.
func tokenExpired(tok *api.CallbackToken, now time.Time) (bool, string) {
	if !tok.Deadline.IsZero() && !now.Before(tok.Deadline) {
		return true, "timeout"
	}
	if !tok.HeartbeatDeadline.IsZero() && !now.Before(tok.HeartbeatDeadline) {
		return true, "heartbeat-timeout"
	}
	return false, ""
}

func (c *execContext) WaitForCondition(name string, cond api.ConditionFunc, cfg *api.ConditionConfig) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &api.ConditionConfig{}
	}
	path := c.path(name)

	op, err := c.state.issue(path, api.OpCondition)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if op == nil {
		c.markLive()
		op = &api.Operation{
			Path:        path,
			Kind:        api.OpCondition,
			Status:      api.OpWaiting,
			ScheduledAt: now,
			StartedAt:   now,
		}
		if err := c.appendCheckpoint(op); err != nil {
			return nil, err
		}
		return c.pollCondition(op, cond, cfg)
	}

	switch op.Status {
	case api.OpSucceeded:
		return op.Result, nil
	case api.OpFailed:
		return nil, op.Failure.Err()
	case api.OpWaiting:
		if cfg.Timeout > 0 && !now.Before(op.StartedAt.Add(cfg.Timeout)) {
			c.markLive()
			return nil, c.failOp(op, &api.TimeoutError{Path: path, Reason: "timeout"})
		}
		if op.ScheduledAt.After(now) {
			return nil, api.NewSuspend(path)
		}
		c.markLive()
		return c.pollCondition(op, cond, cfg)
	default:
		return nil, &api.DivergenceError{
			Path:   path,
			Reason: fmt.Sprintf("condition journaled in unexpected status %s", op.Status),
		}
	}
}

// pollCondition runs one poll and either resolves the wait or parks it until
// the next poll is due. Polls are at-least-once: the attempt count is only
// checkpointed with the park, so a crash mid-poll repeats the same poll.
func (c *execContext) pollCondition(op *api.Operation, cond api.ConditionFunc, cfg *api.ConditionConfig) ([]byte, error) {
	op.Attempt++
	c.eng.observer.OnOperationStart(c.ctx, c.exec, op)

	done, result, err := cond(c.ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, c.ctx.Err()
		}
		// A failing poll fails the wait. Conditions are reads; if one can
		// fail transiently the retry belongs inside the condition func.
		return nil, c.failOp(op, err)
	}
	if done {
		codecName, data, encErr := codec.Encode(result)
		if encErr != nil {
			return nil, c.failOp(op, api.NewUnrecoverable(fmt.Errorf("encode condition result: %w", encErr)))
		}
		if err := c.succeedOp(op, codecName, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	next := time.Now().Add(conditionDelay(cfg, op.Attempt))
	if cfg.Timeout > 0 {
		if limit := op.StartedAt.Add(cfg.Timeout); next.After(limit) {
			next = limit
		}
	}
	op.Status = api.OpWaiting
	op.ScheduledAt = next
	if err := c.writeCheckpoint(op); err != nil {
		return nil, err
	}
	return nil, api.NewSuspend(op.Path)
}

// conditionDelay stretches the base interval by multiplier^(polls-1), capped
// at MaxInterval.
func conditionDelay(cfg *api.ConditionConfig, polls int) time.Duration {
	interval := cfg.Interval
	if interval <= 0 {
		interval = api.DefaultConditionInterval
	}
	d := interval
	if cfg.BackoffMultiplier > 1 && polls > 1 {
		d = time.Duration(float64(interval) * math.Pow(cfg.BackoffMultiplier, float64(polls-1)))
		if d <= 0 {
			// Overflowed.
			d = cfg.MaxInterval
			if d <= 0 {
				d = interval
			}
		}
	}
	if cfg.MaxInterval > 0 && d > cfg.MaxInterval {
		d = cfg.MaxInterval
	}
	return d
}

func (e *engineImpl) SendCallbackSuccess(ctx context.Context, token string, payload any) error {
	codecName, data, err := codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}
	return e.resolveCallback(ctx, token, func(op *api.Operation) {
		op.Status = api.OpSucceeded
		op.Result = data
		op.Codec = codecName
		op.Failure = nil
	})
}

func (e *engineImpl) SendCallbackFailure(ctx context.Context, token, errType, message string) error {
	return e.resolveCallback(ctx, token, func(op *api.Operation) {
		op.Status = api.OpFailed
		op.Failure = &api.FailureInfo{
			Kind:    api.ErrorPermanent,
			ErrType: errType,
			Message: message,
			Path:    op.Path,
		}
	})
}

// resolveCallback claims the token, checkpoints the operation it belongs to,
// and wakes the owning execution. The first signal wins the claim; later
// ones get ErrTokenResolved, which receivers treat as a no-op.
func (e *engineImpl) resolveCallback(ctx context.Context, token string, apply func(*api.Operation)) error {
	tok, err := e.store.ResolveToken(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, journal.ErrTokenNotFound):
			return api.ErrTokenNotFound
		case errors.Is(err, journal.ErrTokenResolved):
			e.logger.DebugContext(ctx, "duplicate callback signal ignored", slog.String("token", token))
			return api.ErrTokenResolved
		default:
			return err
		}
	}

	op, err := e.store.GetOperation(ctx, tok.ExecutionID, tok.OperationPath)
	if err != nil {
		return err
	}
	apply(op)
	op.UpdatedAt = time.Now()
	if err := e.store.UpdateOperation(ctx, tok.ExecutionID, op); err != nil {
		return err
	}

	e.scheduleResume(ctx, tok.ExecutionID, "callback", time.Time{})
	e.nudge(tok.ExecutionID)
	return nil
}

// SendCallbackHeartbeat pushes the token's heartbeat deadline forward by its
// configured interval and keeps the operation's wakeup time in step, so the
// scheduler never has to consult tokens.
func (e *engineImpl) SendCallbackHeartbeat(ctx context.Context, token string) error {
	tok, err := e.store.GetToken(ctx, token)
	if err != nil {
		if errors.Is(err, journal.ErrTokenNotFound) {
			return api.ErrTokenNotFound
		}
		return err
	}
	if tok.Resolved {
		return api.ErrTokenResolved
	}
	if tok.HeartbeatInterval <= 0 {
		// No heartbeat requirement; accept and ignore.
		return nil
	}

	tok.HeartbeatDeadline = time.Now().Add(tok.HeartbeatInterval)
	if err := e.store.UpdateToken(ctx, tok); err != nil {
		if errors.Is(err, journal.ErrTokenResolved) {
			return api.ErrTokenResolved
		}
		return err
	}

	op, err := e.store.GetOperation(ctx, tok.ExecutionID, tok.OperationPath)
	if err != nil {
		return err
	}
	if !op.Terminal() {
		op.ScheduledAt = earliestDeadline(tok)
		op.UpdatedAt = time.Now()
		if err := e.store.UpdateOperation(ctx, tok.ExecutionID, op); err != nil {
			return err
		}
	}
	return nil
}
