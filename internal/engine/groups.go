package engine

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/dauro/pkg/api"
	"github.com/petrijr/dauro/pkg/codec"
)

// branchSignal is what a branch goroutine reports back to the group loop:
// either a resolution (success or failure) or a suspension.
type branchSignal struct {
	index     int
	outcome   api.BranchOutcome
	suspended bool
}

func (c *execContext) MapOp(name string, items []any, fn api.MapFunc, cfg *api.GroupConfig) (*api.BranchResults, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	branches := make([]api.Branch, len(items))
	for i := range items {
		index := i
		item := items[i]
		branches[i] = api.Branch{
			Name: strconv.Itoa(index),
			Fn: func(bc api.ExecutionContext) (any, error) {
				return fn(bc, index, item)
			},
		}
	}
	return c.runGroup(name, api.OpMap, branches, cfg)
}

func (c *execContext) ParallelOp(name string, branches []api.Branch, cfg *api.GroupConfig) (*api.BranchResults, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(branches))
	for _, b := range branches {
		if err := validateName(b.Name); err != nil {
			return nil, fmt.Errorf("branch of %q: %w", name, err)
		}
		if seen[b.Name] {
			return nil, &api.DivergenceError{
				Path:   joinPath(c.path(name), b.Name),
				Reason: "branch name used twice in the same group",
			}
		}
		seen[b.Name] = true
	}
	return c.runGroup(name, api.OpParallel, branches, cfg)
}

// runGroup drives a map/parallel operation: branches run as independently
// checkpointed child scopes, and the completion policy is evaluated after
// every resolution. The first non-pending verdict settles the group;
// branches still in flight at that point keep running, but their results are
// not part of the outcome.
func (c *execContext) runGroup(name string, kind api.OperationKind, branches []api.Branch, cfg *api.GroupConfig) (*api.BranchResults, error) {
	if cfg == nil {
		cfg = &api.GroupConfig{}
	}
	path := c.path(name)

	op, err := c.state.issue(path, kind)
	if err != nil {
		return nil, err
	}

	if op != nil && op.Terminal() {
		var results api.BranchResults
		if err := codec.Decode(op.Codec, op.Result, &results); err != nil {
			return nil, fmt.Errorf("decode group results: %w", err)
		}
		return &results, results.Err()
	}

	if op == nil {
		c.markLive()
		op = &api.Operation{
			Path:      path,
			Kind:      kind,
			Status:    api.OpRunning,
			StartedAt: time.Now(),
		}
		if err := c.appendCheckpoint(op); err != nil {
			return nil, err
		}
		c.eng.observer.OnOperationStart(c.ctx, c.exec, op)
	}

	total := len(branches)
	outcomes := make([]api.BranchOutcome, total)
	for i, b := range branches {
		outcomes[i] = api.BranchOutcome{Name: b.Name, Index: i, Status: api.BranchAbandoned}
	}
	policy := cfg.Completion

	if total == 0 {
		return c.settleGroup(op, &api.BranchResults{Outcomes: outcomes}, policy.Evaluate(0, 0, 0))
	}

	// The channel is buffered to the branch count so abandoned branches can
	// report after the group loop stopped listening.
	signals := make(chan branchSignal, total)
	var g errgroup.Group
	if cfg.MaxConcurrency > 0 {
		g.SetLimit(cfg.MaxConcurrency)
	}
	for i, b := range branches {
		index, branch := i, b
		g.Go(func() error {
			signals <- c.runBranch(path, index, branch)
			return nil
		})
	}

	var succeeded, failed, suspended, reported int
	verdict := api.GroupPending
	for reported < total {
		var sig branchSignal
		select {
		case sig = <-signals:
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
		reported++
		outcomes[sig.index] = sig.outcome
		if sig.suspended {
			suspended++
			continue
		}
		switch sig.outcome.Status {
		case api.BranchSucceeded:
			succeeded++
		case api.BranchFailed:
			failed++
		}
		if verdict = policy.Evaluate(total, succeeded, failed); verdict != api.GroupPending {
			break
		}
	}

	if verdict == api.GroupPending {
		// No threshold crossed and at least one branch is parked; the whole
		// group parks with it.
		return nil, api.NewSuspend(path)
	}

	results := &api.BranchResults{Total: total, Outcomes: outcomes}
	if verdict == api.GroupFailed {
		results.Failure = api.NewGroupFailure(path, kind, succeeded, failed, total)
	}
	return c.settleGroup(op, results, verdict)
}

// settleGroup checkpoints the group's terminal record, aggregate results
// included, so replays rebuild BranchResults without touching branch ops.
func (c *execContext) settleGroup(op *api.Operation, results *api.BranchResults, verdict api.GroupVerdict) (*api.BranchResults, error) {
	codecName, data, err := codec.Encode(results)
	if err != nil {
		return nil, c.failOp(op, api.NewUnrecoverable(fmt.Errorf("encode group results: %w", err)))
	}
	op.Result = data
	op.Codec = codecName
	if verdict == api.GroupFailed {
		op.Status = api.OpFailed
		op.Failure = results.Failure
	} else {
		op.Status = api.OpSucceeded
		op.Failure = nil
	}
	if werr := c.writeCheckpoint(op); werr != nil {
		return nil, werr
	}
	c.eng.observer.OnOperationCompleted(c.ctx, c.exec, op, results.Err(), time.Since(op.StartedAt))
	return results, results.Err()
}

// runBranch drives one branch to a resolution or a suspension, serving it
// from the journal when an earlier pass already settled it.
func (c *execContext) runBranch(groupPath string, index int, b api.Branch) branchSignal {
	sig := branchSignal{index: index}
	sig.outcome = api.BranchOutcome{Name: b.Name, Index: index}
	out := &sig.outcome

	path := joinPath(groupPath, b.Name)
	op, err := c.state.issue(path, api.OpChild)
	if err != nil {
		out.Status = api.BranchFailed
		out.Failure = api.FailureFromError(path, err)
		return sig
	}

	if op != nil && op.Terminal() {
		out.Result = op.Result
		out.Codec = op.Codec
		out.Failure = op.Failure
		if op.Status == api.OpSucceeded {
			out.Status = api.BranchSucceeded
		} else {
			out.Status = api.BranchFailed
		}
		return sig
	}

	if op == nil {
		c.markLive()
		op = &api.Operation{
			Path:      path,
			Kind:      api.OpChild,
			Status:    api.OpRunning,
			StartedAt: time.Now(),
		}
		if err := c.appendCheckpoint(op); err != nil {
			out.Status = api.BranchFailed
			out.Failure = api.FailureFromError(path, err)
			return sig
		}
		c.eng.observer.OnOperationStart(c.ctx, c.exec, op)
	}

	result, err := b.Fn(c.child(path))
	if err == nil {
		codecName, data, encErr := codec.Encode(result)
		if encErr != nil {
			err = api.NewUnrecoverable(fmt.Errorf("encode branch result: %w", encErr))
		} else if werr := c.succeedOp(op, codecName, data); werr != nil {
			err = werr
		} else {
			out.Status = api.BranchSucceeded
			out.Result = data
			out.Codec = codecName
			return sig
		}
	}

	if c.ctx.Err() != nil {
		// Worker shutdown; the group loop sees ctx.Done and bails without
		// recording anything for this branch.
		sig.suspended = true
		out.Status = api.BranchAbandoned
		return sig
	}
	if _, ok := api.IsSuspend(err); ok {
		sig.suspended = true
		out.Status = api.BranchAbandoned
		return sig
	}

	out.Status = api.BranchFailed
	out.Failure = api.FailureFromError(path, err)
	_ = c.failOp(op, err)
	return sig
}

func (c *execContext) RunInChildContext(name string, fn api.BranchFunc) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	path := c.path(name)

	op, err := c.state.issue(path, api.OpChild)
	if err != nil {
		return nil, err
	}

	if op != nil && op.Terminal() {
		if op.Status == api.OpFailed {
			return nil, op.Failure.Err()
		}
		return op.Result, nil
	}

	if op == nil {
		c.markLive()
		op = &api.Operation{
			Path:      path,
			Kind:      api.OpChild,
			Status:    api.OpRunning,
			StartedAt: time.Now(),
		}
		if err := c.appendCheckpoint(op); err != nil {
			return nil, err
		}
		c.eng.observer.OnOperationStart(c.ctx, c.exec, op)
	}

	result, err := fn(c.child(path))
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, c.ctx.Err()
		}
		if _, ok := api.IsSuspend(err); ok {
			return nil, err
		}
		return nil, c.failOp(op, err)
	}

	codecName, data, encErr := codec.Encode(result)
	if encErr != nil {
		return nil, c.failOp(op, api.NewUnrecoverable(fmt.Errorf("encode child result: %w", encErr)))
	}
	if err := c.succeedOp(op, codecName, data); err != nil {
		return nil, err
	}
	return data, nil
}
