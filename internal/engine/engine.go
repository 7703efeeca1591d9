// Package engine implements the durable execution engine: it journals every
// operation an execution performs and re-derives in-flight state by
// replaying the workflow function against that journal. Completed operations
// are served from the log by path; pending ones run exactly where the
// previous pass stopped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/dauro/internal/journal"
	"github.com/petrijr/dauro/internal/taskqueue"
	"github.com/petrijr/dauro/pkg/api"
	"github.com/petrijr/dauro/pkg/codec"
)

const (
	// DefaultLeaseTTL bounds how long a crashed worker blocks an execution.
	DefaultLeaseTTL = 30 * time.Second

	// leaseRetryDelay spaces out attempts to grab a lease another worker
	// holds.
	leaseRetryDelay = 250 * time.Millisecond
)

// Config assembles an engine from its parts. Store is required; everything
// else has a working default. Without a Queue the engine runs executions
// inline; with one, Start hands them to workers and timed wakeups travel as
// resume tasks.
type Config struct {
	Store    journal.Store
	Queue    taskqueue.Queue
	Observer api.Observer
	Logger   *slog.Logger

	// LeaseTTL overrides DefaultLeaseTTL.
	LeaseTTL time.Duration
}

type engineImpl struct {
	store    journal.Store
	queue    taskqueue.Queue
	registry *workflowRegistry
	observer api.Observer
	logger   *slog.Logger
	leaseTTL time.Duration

	// workerID identifies this engine instance as a lease owner.
	workerID string

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

var _ api.Engine = (*engineImpl)(nil)

// New builds an engine from cfg. Config.Store must be set.
func New(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &engineImpl{
		store:    cfg.Store,
		queue:    cfg.Queue,
		registry: newWorkflowRegistry(),
		observer: obs,
		logger:   logger,
		leaseTTL: ttl,
		workerID: uuid.NewString(),
		waiters:  make(map[string][]chan struct{}),
	}
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	if def.Handler == nil {
		return errors.New("workflow handler is required")
	}
	return e.registry.Register(def)
}

func (e *engineImpl) Run(ctx context.Context, workflow, executionName string, input any) (*api.Execution, error) {
	return e.RunVersion(ctx, workflow, "", executionName, input)
}

func (e *engineImpl) RunVersion(ctx context.Context, workflow, version, executionName string, input any) (*api.Execution, error) {
	def, exec, err := e.createOrAttach(ctx, workflow, version, executionName, input)
	if err != nil {
		return nil, err
	}
	if exec.Terminal() {
		return execResult(exec)
	}
	return e.driveSync(ctx, def, exec.ID)
}

func (e *engineImpl) Start(ctx context.Context, workflow, executionName string, input any) (*api.Execution, error) {
	return e.StartVersion(ctx, workflow, "", executionName, input)
}

func (e *engineImpl) StartVersion(ctx context.Context, workflow, version, executionName string, input any) (*api.Execution, error) {
	def, exec, err := e.createOrAttach(ctx, workflow, version, executionName, input)
	if err != nil {
		return nil, err
	}
	if exec.Terminal() {
		return exec, nil
	}
	if e.queue == nil {
		return e.driveSync(ctx, def, exec.ID)
	}
	t := taskqueue.Task{
		ID:          uuid.NewString(),
		Type:        taskqueue.TaskTypeStart,
		Workflow:    exec.Workflow,
		Version:     exec.Version,
		Input:       exec.Input,
		InputCodec:  exec.InputCodec,
		ExecutionID: exec.ID,
		EnqueuedAt:  time.Now(),
	}
	if err := e.queue.Enqueue(ctx, t); err != nil {
		return nil, fmt.Errorf("enqueue start task: %w", err)
	}
	return exec, nil
}

// createOrAttach resolves the definition and either creates a fresh
// execution record or attaches to the one already stored under the name.
// Attaching re-resolves the definition so the execution keeps running the
// version it was created with.
func (e *engineImpl) createOrAttach(ctx context.Context, workflow, version, executionName string, input any) (api.WorkflowDefinition, *api.Execution, error) {
	def, err := e.registry.Get(workflow, version)
	if err != nil {
		return def, nil, err
	}

	if executionName == "" {
		executionName = uuid.NewString()
	}

	codecName, data, err := codec.Encode(input)
	if err != nil {
		return def, nil, fmt.Errorf("encode input: %w", err)
	}

	lifetime := def.MaxLifetime
	if lifetime <= 0 || lifetime > api.MaxExecutionLifetime {
		lifetime = api.MaxExecutionLifetime
	}

	now := time.Now()
	exec := &api.Execution{
		ID:         executionName,
		Workflow:   def.Name,
		Version:    def.Version,
		Status:     api.ExecutionRunning,
		Input:      data,
		InputCodec: codecName,
		CreatedAt:  now,
		UpdatedAt:  now,
		Deadline:   now.Add(lifetime),
	}

	err = e.store.CreateExecution(ctx, exec)
	if errors.Is(err, journal.ErrExecutionExists) {
		existing, gerr := e.store.GetExecution(ctx, executionName)
		if gerr != nil {
			return def, nil, gerr
		}
		if existing.Workflow != def.Name {
			return def, nil, fmt.Errorf("execution %q already belongs to workflow %q", executionName, existing.Workflow)
		}
		if existing.Version != def.Version {
			def, err = e.registry.Get(existing.Workflow, existing.Version)
			if err != nil {
				return def, nil, err
			}
		}
		return def, existing, nil
	}
	if err != nil {
		return def, nil, err
	}

	e.observer.OnExecutionStart(ctx, exec)
	return def, exec, nil
}

// driveSync replays the execution until it reaches a terminal status,
// sleeping through timed suspensions and waking early on in-process signals.
// An execution parked with no wakeup time blocks until a signal or ctx ends.
func (e *engineImpl) driveSync(ctx context.Context, def api.WorkflowDefinition, id string) (*api.Execution, error) {
	for {
		exec, err := e.replayOnce(ctx, def, id)
		if err != nil {
			if errors.Is(err, api.ErrExecutionLocked) {
				if serr := sleepCtx(ctx, leaseRetryDelay); serr != nil {
					return nil, serr
				}
				continue
			}
			return exec, err
		}
		if exec.Terminal() {
			return execResult(exec)
		}

		wake, _, werr := e.nextWake(ctx, id)
		if werr != nil {
			return exec, werr
		}

		d := time.Until(wake)
		if wake.IsZero() {
			// No timed wakeup exists. Re-check periodically anyway so a
			// signal resolved by another process is eventually picked up.
			d = e.leaseTTL
		}
		notify := e.subscribe(id)
		tm := time.NewTimer(d)
		select {
		case <-ctx.Done():
			tm.Stop()
			e.unsubscribe(id, notify)
			return exec, ctx.Err()
		case <-tm.C:
		case <-notify:
			tm.Stop()
		}
		e.unsubscribe(id, notify)
	}
}

func (e *engineImpl) ResumeExecution(ctx context.Context, id string) (*api.Execution, error) {
	exec, err := e.getExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Terminal() {
		return exec, nil
	}
	def, err := e.registry.Get(exec.Workflow, exec.Version)
	if err != nil {
		return nil, err
	}
	return e.driveOnce(ctx, def, id)
}

// driveOnce replays while the journal has immediately-due work, then parks.
// A future wakeup is handed to the queue as a resume task; queueless engines
// rely on their inline drivers instead.
func (e *engineImpl) driveOnce(ctx context.Context, def api.WorkflowDefinition, id string) (*api.Execution, error) {
	for {
		exec, err := e.replayOnce(ctx, def, id)
		if err != nil {
			if errors.Is(err, api.ErrExecutionLocked) {
				// Someone else is mid-replay; schedule a later look instead
				// of fighting over the lease.
				e.scheduleResume(ctx, id, "lease-retry", time.Now().Add(leaseRetryDelay))
				return e.getExecution(ctx, id)
			}
			return exec, err
		}
		if exec.Terminal() {
			return execResult(exec)
		}

		wake, kind, werr := e.nextWake(ctx, id)
		if werr != nil {
			return exec, werr
		}
		if wake.IsZero() {
			// Parked on an external signal.
			return exec, nil
		}
		if wake.After(time.Now()) {
			e.scheduleResume(ctx, id, wakeReason(kind), wake)
			return exec, nil
		}
	}
}

// replayOnce runs one replay pass under the execution's lease: it re-invokes
// the workflow function from the top against the journal snapshot and
// records how the pass ended.
func (e *engineImpl) replayOnce(ctx context.Context, def api.WorkflowDefinition, id string) (*api.Execution, error) {
	acquired, err := e.store.TryAcquireLease(ctx, id, e.workerID, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, api.ErrExecutionLocked
	}
	defer func() {
		if rerr := e.store.ReleaseLease(context.WithoutCancel(ctx), id, e.workerID); rerr != nil {
			e.logger.WarnContext(ctx, "release lease failed",
				slog.String("execution_id", id), slog.Any("error", rerr))
		}
	}()

	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go e.keepLeaseAlive(renewCtx, id)

	exec, err := e.getExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Terminal() {
		return exec, nil
	}

	now := time.Now()
	if !exec.Deadline.IsZero() && now.After(exec.Deadline) {
		return e.timeOutExecution(ctx, exec)
	}

	if exec.Status == api.ExecutionSuspended {
		exec.Status = api.ExecutionRunning
		exec.ResumedAt = now
		exec.UpdatedAt = now
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			return nil, err
		}
	}

	ops, err := e.store.ListOperations(ctx, id)
	if err != nil {
		return nil, err
	}

	state := newReplayState(ops)
	live := new(atomic.Bool)
	live.Store(state.empty())

	ectx := &execContext{
		eng:   e,
		exec:  exec,
		ctx:   ctx,
		state: state,
		live:  live,
	}
	ectx.log = newReplayLogger(e.logger, live, exec)

	output, derr := def.Handler(ectx, exec.Input)

	// A dead ctx means the worker is shutting down mid-pass. Leave the
	// journal as it is; the lease lapses and another worker picks it up.
	if ctx.Err() != nil {
		return exec, ctx.Err()
	}

	switch {
	case derr == nil:
		return e.completeExecution(ctx, exec, output)
	default:
		if _, ok := api.IsSuspend(derr); ok {
			return e.suspendExecution(ctx, exec)
		}
		return e.failExecution(ctx, exec, derr)
	}
}

// keepLeaseAlive renews the replay lease at a third of its TTL so long-held
// passes (slow steps) do not lose the execution to another worker.
func (e *engineImpl) keepLeaseAlive(ctx context.Context, id string) {
	t := time.NewTicker(e.leaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.store.RenewLease(ctx, id, e.workerID, e.leaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.WarnContext(ctx, "lease renewal failed",
					slog.String("execution_id", id), slog.Any("error", err))
				return
			}
		}
	}
}

func (e *engineImpl) completeExecution(ctx context.Context, exec *api.Execution, output any) (*api.Execution, error) {
	codecName, data, err := codec.Encode(output)
	if err != nil {
		return e.failExecution(ctx, exec, api.NewUnrecoverable(fmt.Errorf("encode workflow output: %w", err)))
	}
	exec.Status = api.ExecutionSucceeded
	exec.Output = data
	exec.OutputCodec = codecName
	exec.Failure = nil
	exec.UpdatedAt = time.Now()
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.observer.OnExecutionCompleted(ctx, exec)
	e.nudge(exec.ID)
	return exec, nil
}

func (e *engineImpl) suspendExecution(ctx context.Context, exec *api.Execution) (*api.Execution, error) {
	exec.Status = api.ExecutionSuspended
	exec.UpdatedAt = time.Now()
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.observer.OnExecutionSuspended(ctx, exec)
	return exec, nil
}

func (e *engineImpl) failExecution(ctx context.Context, exec *api.Execution, cause error) (*api.Execution, error) {
	exec.Status = api.ExecutionFailed
	exec.Failure = api.FailureFromError("", cause)
	exec.UpdatedAt = time.Now()
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.observer.OnExecutionFailed(ctx, exec, cause)
	e.nudge(exec.ID)
	return exec, nil
}

func (e *engineImpl) timeOutExecution(ctx context.Context, exec *api.Execution) (*api.Execution, error) {
	exec.Status = api.ExecutionTimedOut
	exec.Failure = &api.FailureInfo{
		Kind:    api.ErrorTimeout,
		Message: "execution exceeded its lifetime deadline",
	}
	exec.UpdatedAt = time.Now()
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.observer.OnExecutionFailed(ctx, exec, exec.Failure.Err())
	e.nudge(exec.ID)
	return exec, nil
}

// nextWake scans the journal for the earliest time a parked operation
// becomes due, and the kind of operation that owns it. A zero time means
// nothing is time-bound: the execution waits on an external signal.
func (e *engineImpl) nextWake(ctx context.Context, id string) (time.Time, api.OperationKind, error) {
	ops, err := e.store.ListOperations(ctx, id)
	if err != nil {
		return time.Time{}, "", err
	}
	terminal := make(map[string]bool)
	for i := range ops {
		if ops[i].Terminal() {
			terminal[ops[i].Path] = true
		}
	}
	var wake time.Time
	var kind api.OperationKind
	for i := range ops {
		op := &ops[i]
		if op.Terminal() || op.ScheduledAt.IsZero() || underTerminalScope(terminal, op.Path) {
			continue
		}
		if wake.IsZero() || op.ScheduledAt.Before(wake) {
			wake = op.ScheduledAt
			kind = op.Kind
		}
	}
	return wake, kind, nil
}

// underTerminalScope reports whether any enclosing scope of path already
// settled. Operations inside a settled scope are unreachable on replay (an
// abandoned branch's timers, a resolved callback's parked submit retry) and
// must not arm wakeups.
func underTerminalScope(terminal map[string]bool, path string) bool {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' && terminal[path[:i]] {
			return true
		}
	}
	return false
}

func wakeReason(kind api.OperationKind) string {
	switch kind {
	case api.OpStep:
		return "retry"
	case api.OpWait:
		return "timer"
	case api.OpCallback:
		return "callback-timeout"
	case api.OpCondition:
		return "condition"
	default:
		return "timer"
	}
}

// scheduleResume enqueues a wakeup for the execution. Engines without a
// queue rely on their inline drivers, so this is a no-op for them.
func (e *engineImpl) scheduleResume(ctx context.Context, id, reason string, at time.Time) {
	if e.queue == nil {
		return
	}
	t := taskqueue.Task{
		ID:          uuid.NewString(),
		Type:        taskqueue.TaskTypeResume,
		ExecutionID: id,
		Reason:      reason,
		EnqueuedAt:  time.Now(),
		NotBefore:   at,
	}
	if err := e.queue.Enqueue(ctx, t); err != nil {
		e.logger.ErrorContext(ctx, "enqueue resume task failed",
			slog.String("execution_id", id),
			slog.String("reason", reason),
			slog.Any("error", err))
	}
}

// subscribe registers an in-process wakeup channel for the execution.
func (e *engineImpl) subscribe(id string) chan struct{} {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()
	return ch
}

func (e *engineImpl) unsubscribe(id string, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.waiters[id]
	for i, s := range subs {
		if s == ch {
			e.waiters[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(e.waiters[id]) == 0 {
		delete(e.waiters, id)
	}
}

// nudge wakes in-process drivers sleeping on the execution: callback signals
// and terminal transitions use it so synchronous Run calls do not wait for
// their timers.
func (e *engineImpl) nudge(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.waiters[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *engineImpl) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	return e.getExecution(ctx, id)
}

func (e *engineImpl) getExecution(ctx context.Context, id string) (*api.Execution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if errors.Is(err, journal.ErrExecutionNotFound) {
		return nil, fmt.Errorf("%w: %s", api.ErrExecutionNotFound, id)
	}
	return exec, err
}

func (e *engineImpl) ListExecutions(ctx context.Context, opts api.ExecutionListOptions) ([]*api.Execution, error) {
	return e.store.ListExecutions(ctx, journal.Filter{
		Workflow: opts.Workflow,
		Status:   opts.Status,
	})
}

func (e *engineImpl) GetExecutionHistory(ctx context.Context, id string) ([]api.Operation, error) {
	if _, err := e.getExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListOperations(ctx, id)
}

// RecoverStuck sweeps non-terminal executions after a cold start: lifetime
// overruns become TIMED_OUT, and parked executions get their wakeups
// re-armed, since resume tasks do not survive every queue backend. Queueless
// engines drive immediately-due executions inline instead. Returns the
// number of executions acted upon.
func (e *engineImpl) RecoverStuck(ctx context.Context) (int, error) {
	executions, err := e.store.ListExecutions(ctx, journal.Filter{})
	if err != nil {
		return 0, err
	}

	now := time.Now()
	touched := 0
	for _, exec := range executions {
		if exec.Terminal() {
			continue
		}

		if !exec.Deadline.IsZero() && now.After(exec.Deadline) {
			// Take the lease so a live worker mid-pass is not raced.
			acquired, lerr := e.store.TryAcquireLease(ctx, exec.ID, e.workerID, e.leaseTTL)
			if lerr != nil {
				return touched, lerr
			}
			if !acquired {
				continue
			}
			_, terr := e.timeOutExecution(ctx, exec)
			if rerr := e.store.ReleaseLease(ctx, exec.ID, e.workerID); rerr != nil {
				e.logger.WarnContext(ctx, "release lease failed",
					slog.String("execution_id", exec.ID), slog.Any("error", rerr))
			}
			if terr != nil {
				return touched, terr
			}
			touched++
			continue
		}

		wake, kind, werr := e.nextWake(ctx, exec.ID)
		if werr != nil {
			return touched, werr
		}

		if e.queue != nil {
			switch {
			case exec.Status == api.ExecutionRunning:
				// A worker died mid-replay. Resumable once its lease lapses.
				e.scheduleResume(ctx, exec.ID, "recovery", now.Add(e.leaseTTL))
				touched++
			case wake.IsZero():
				// Parked on an external signal; nothing to re-arm.
			default:
				e.scheduleResume(ctx, exec.ID, wakeReason(kind), wake)
				touched++
			}
			continue
		}

		if exec.Status == api.ExecutionRunning || (!wake.IsZero() && !wake.After(now)) {
			if _, rerr := e.ResumeExecution(ctx, exec.ID); rerr != nil {
				e.logger.WarnContext(ctx, "recovery replay failed",
					slog.String("execution_id", exec.ID), slog.Any("error", rerr))
				continue
			}
			touched++
		}
	}
	return touched, nil
}

// execResult renders a terminal execution the way the synchronous entry
// points report it: the stored failure becomes the returned error, so
// callers branch the same way on fresh runs and idempotent re-invocations.
func execResult(exec *api.Execution) (*api.Execution, error) {
	if exec.Status == api.ExecutionFailed || exec.Status == api.ExecutionTimedOut {
		return exec, exec.Failure.Err()
	}
	return exec, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
