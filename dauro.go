package dauro

import (
	"context"
	"database/sql"

	"github.com/petrijr/dauro/internal/engine"
	"github.com/petrijr/dauro/internal/journal"
	"github.com/petrijr/dauro/pkg/api"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// redisKeyPrefix namespaces every key a Redis-backed engine writes.
const redisKeyPrefix = "dauro"

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	WorkflowFunc         = api.WorkflowFunc
	ExecutionContext     = api.ExecutionContext
	Execution            = api.Execution
	ExecutionStatus      = api.ExecutionStatus
	ExecutionListOptions = api.ExecutionListOptions
	Operation            = api.Operation
	OperationKind        = api.OperationKind
	OperationStatus      = api.OperationStatus
	FailureInfo          = api.FailureInfo
	StepFunc             = api.StepFunc
	SubmitFunc           = api.SubmitFunc
	ConditionFunc        = api.ConditionFunc
	BranchFunc           = api.BranchFunc
	MapFunc              = api.MapFunc
	Branch               = api.Branch
	StepConfig           = api.StepConfig
	StepSemantics        = api.StepSemantics
	CallbackConfig       = api.CallbackConfig
	ConditionConfig      = api.ConditionConfig
	GroupConfig          = api.GroupConfig
	CompletionPolicy     = api.CompletionPolicy
	BranchResults        = api.BranchResults
	BranchOutcome        = api.BranchOutcome
	RetryPolicy          = api.RetryPolicy
	ErrorKind            = api.ErrorKind
	TimeoutError         = api.TimeoutError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
)

// Re-export common helpers: observer constructors, error classification
// wrappers, and the sentinel errors callers branch on.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	NewTransient     = api.NewTransient
	NewPermanent     = api.NewPermanent
	NewUnrecoverable = api.NewUnrecoverable
	KindOf           = api.KindOf
	AsTimeout        = api.AsTimeout

	ErrExecutionNotFound = api.ErrExecutionNotFound
	ErrExecutionLocked   = api.ErrExecutionLocked
	ErrWorkflowNotFound  = api.ErrWorkflowNotFound
	ErrDuplicateWorkflow = api.ErrDuplicateWorkflow
	ErrTokenNotFound     = api.ErrTokenNotFound
	ErrTokenResolved     = api.ErrTokenResolved
)

// Re-export execution status values for convenience.

const (
	ExecutionRunning   = api.ExecutionRunning
	ExecutionSuspended = api.ExecutionSuspended
	ExecutionSucceeded = api.ExecutionSucceeded
	ExecutionFailed    = api.ExecutionFailed
	ExecutionTimedOut  = api.ExecutionTimedOut
)

// Re-export operation kinds; history inspection switches on these.

const (
	OpStep      = api.OpStep
	OpWait      = api.OpWait
	OpCallback  = api.OpCallback
	OpCondition = api.OpCondition
	OpMap       = api.OpMap
	OpParallel  = api.OpParallel
	OpChild     = api.OpChild
)

// Re-export error kinds and step semantics.

const (
	ErrorTransient     = api.ErrorTransient
	ErrorPermanent     = api.ErrorPermanent
	ErrorUnrecoverable = api.ErrorUnrecoverable
	ErrorTimeout       = api.ErrorTimeout
	ErrorDivergence    = api.ErrorDivergence

	AtMostOncePerRetry  = api.AtMostOncePerRetry
	AtLeastOncePerRetry = api.AtLeastOncePerRetry
)

const (
	DefaultConditionInterval = api.DefaultConditionInterval
	MaxExecutionLifetime     = api.MaxExecutionLifetime
)

// Engine constructors
// These wrap the internal engine and journal packages so external callers
// never need to import internal packages. All of them build queueless
// engines: Run drives executions inline and Start falls back to the same.
// For queue-backed deployments use NewLocalRunner or one of the worker
// bundles.

// NewInMemoryEngine returns an Engine backed entirely by in-memory state.
func NewInMemoryEngine() Engine {
	return engine.New(engine.Config{Store: journal.NewMemoryStore()})
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.New(engine.Config{Store: journal.NewMemoryStore(), Observer: obs})
}

// NewSQLiteEngine returns an Engine that journals executions in a SQLite
// database. Workflow definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	store, err := journal.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{Store: store}), nil
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	store, err := journal.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{Store: store, Observer: obs}), nil
}

// NewPostgresEngine returns an Engine that journals executions in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	store, err := journal.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{Store: store}), nil
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	store, err := journal.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{Store: store, Observer: obs}), nil
}

// NewRedisEngine returns an Engine that journals executions in Redis under
// the "dauro" key prefix.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.New(engine.Config{Store: journal.NewRedisStore(client, redisKeyPrefix)})
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs Observer) Engine {
	return engine.New(engine.Config{
		Store:    journal.NewRedisStore(client, redisKeyPrefix),
		Observer: obs,
	})
}

// NewMongoEngine returns an Engine that journals executions in the named
// MongoDB database. The context bounds index creation.
func NewMongoEngine(ctx context.Context, client *mongo.Client, database string) (Engine, error) {
	store, err := journal.NewMongoStore(ctx, client, database)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{Store: store}), nil
}

// NewMongoEngineWithObserver returns a Mongo-backed Engine with the given Observer.
func NewMongoEngineWithObserver(ctx context.Context, client *mongo.Client, database string, obs Observer) (Engine, error) {
	store, err := journal.NewMongoStore(ctx, client, database)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{Store: store, Observer: obs}), nil
}

// Convenience helpers that just forward to the underlying Engine.

// Run invokes a registered workflow synchronously under executionName and
// drives it to a terminal status.
func Run(ctx context.Context, eng Engine, workflow, executionName string, input any) (*Execution, error) {
	return eng.Run(ctx, workflow, executionName, input)
}

// Start creates the execution and schedules it for asynchronous processing.
func Start(ctx context.Context, eng Engine, workflow, executionName string, input any) (*Execution, error) {
	return eng.Start(ctx, workflow, executionName, input)
}

// GetExecution fetches an execution by ID.
func GetExecution(ctx context.Context, eng Engine, id string) (*Execution, error) {
	return eng.GetExecution(ctx, id)
}

// ListExecutions lists executions according to the given options.
func ListExecutions(ctx context.Context, eng Engine, opts ExecutionListOptions) ([]*Execution, error) {
	return eng.ListExecutions(ctx, opts)
}

// GetExecutionHistory returns the execution's operation log in append order.
func GetExecutionHistory(ctx context.Context, eng Engine, id string) ([]Operation, error) {
	return eng.GetExecutionHistory(ctx, id)
}

// SendCallbackSuccess resolves a callback token with a payload.
func SendCallbackSuccess(ctx context.Context, eng Engine, token string, payload any) error {
	return eng.SendCallbackSuccess(ctx, token, payload)
}

// SendCallbackFailure resolves a callback token with a typed failure.
func SendCallbackFailure(ctx context.Context, eng Engine, token, errType, message string) error {
	return eng.SendCallbackFailure(ctx, token, errType, message)
}

// SendCallbackHeartbeat extends a pending token's heartbeat deadline.
func SendCallbackHeartbeat(ctx context.Context, eng Engine, token string) error {
	return eng.SendCallbackHeartbeat(ctx, token)
}

// ResumeExecution replays a suspended execution now.
func ResumeExecution(ctx context.Context, eng Engine, id string) (*Execution, error) {
	return eng.ResumeExecution(ctx, id)
}

// RecoverStuck delegates to eng.RecoverStuck.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := dauro.RecoverStuck(ctx, engine)
func RecoverStuck(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuck(ctx)
}
