package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/petrijr/dauro/pkg/api"
	"github.com/petrijr/dauro/pkg/codec"
)

// execContext is the durable API handed to workflow code. Child scopes and
// group branches share the engine, the execution record, the journal
// snapshot and the liveness flag; only the scope prefix differs.
type execContext struct {
	eng   *engineImpl
	exec  *api.Execution
	ctx   context.Context
	state *replayState
	scope string
	live  *atomic.Bool
	log   *slog.Logger
}

var _ api.ExecutionContext = (*execContext)(nil)

func (c *execContext) Context() context.Context { return c.ctx }
func (c *execContext) ExecutionID() string      { return c.exec.ID }
func (c *execContext) Workflow() string         { return c.exec.Workflow }
func (c *execContext) Logger() *slog.Logger     { return c.log }

// child opens a nested naming scope rooted at path.
func (c *execContext) child(path string) *execContext {
	cc := *c
	cc.scope = path
	return &cc
}

func (c *execContext) path(name string) string { return joinPath(c.scope, name) }

// markLive flips the pass out of replay mode: from here on it is doing new
// work and workflow log lines are real.
func (c *execContext) markLive() { c.live.Store(true) }

// appendCheckpoint journals a brand-new operation before its outcome exists.
func (c *execContext) appendCheckpoint(op *api.Operation) error {
	op.UpdatedAt = time.Now()
	return c.eng.store.AppendOperation(c.ctx, c.exec.ID, op)
}

// writeCheckpoint persists an operation transition. The store ignores writes
// against operations that are already terminal, so duplicated checkpoints
// after a crash are harmless.
func (c *execContext) writeCheckpoint(op *api.Operation) error {
	op.UpdatedAt = time.Now()
	return c.eng.store.UpdateOperation(c.ctx, c.exec.ID, op)
}

// succeedOp checkpoints a terminal success carrying the encoded result.
func (c *execContext) succeedOp(op *api.Operation, codecName string, result []byte) error {
	op.Status = api.OpSucceeded
	op.Result = result
	op.Codec = codecName
	op.Failure = nil
	if err := c.writeCheckpoint(op); err != nil {
		return err
	}
	c.eng.observer.OnOperationCompleted(c.ctx, c.exec, op, nil, time.Since(op.StartedAt))
	return nil
}

// failOp checkpoints a terminal failure and hands back the typed error the
// workflow sees, now and on every replay.
func (c *execContext) failOp(op *api.Operation, cause error) error {
	op.Status = api.OpFailed
	op.Failure = api.FailureFromError(op.Path, cause)
	if err := c.writeCheckpoint(op); err != nil {
		return err
	}
	c.eng.observer.OnOperationCompleted(c.ctx, c.exec, op, cause, time.Since(op.StartedAt))
	return cause
}

// encodeResult picks the override codec when the config names one.
func encodeResult(codecName string, v any) (string, []byte, error) {
	if codecName != "" {
		return codec.EncodeWith(codecName, v)
	}
	return codec.Encode(v)
}
