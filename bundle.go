package dauro

import (
	"context"
	"database/sql"

	"github.com/petrijr/dauro/internal/engine"
	"github.com/petrijr/dauro/internal/journal"
	"github.com/petrijr/dauro/internal/taskqueue"
	workerpkg "github.com/petrijr/dauro/pkg/worker"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue. The engine enqueues start and resume
// tasks onto the same queue the worker drains, so several processes sharing
// the backing store cooperate on the same executions.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. The execution journal and queued tasks are
// persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:dauro.db?_journal=WAL")
//	bundle, err := dauro.NewSQLiteBundle(db, worker.Config{Concurrency: 4})
//	// register workflows on bundle.Engine
//	// go bundle.Worker.Run(ctx)
//	// schedule work via bundle.Engine.Start
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := journal.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, q, cfg), nil
}

// NewPostgresBundle constructs a durable Engine + Queue + Worker combo
// sharing the same PostgreSQL database.
func NewPostgresBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := journal.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, q, cfg), nil
}

// NewRedisBundle constructs a durable Engine + Queue + Worker combo backed
// by the same Redis instance under the "dauro" key prefix.
func NewRedisBundle(client *redis.Client, cfg workerpkg.Config) *WorkerBundle {
	store := journal.NewRedisStore(client, redisKeyPrefix)
	q := taskqueue.NewRedisQueue(client, redisKeyPrefix)
	return newBundle(store, q, cfg)
}

// NewMongoBundle constructs a durable Engine + Queue + Worker combo backed
// by the named MongoDB database. The context bounds index creation.
func NewMongoBundle(ctx context.Context, client *mongo.Client, database string, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := journal.NewMongoStore(ctx, client, database)
	if err != nil {
		return nil, err
	}
	q := taskqueue.NewMongoQueue(client, database, "tasks")
	return newBundle(store, q, cfg), nil
}

func newBundle(store journal.Store, q taskqueue.Queue, cfg workerpkg.Config) *WorkerBundle {
	eng := engine.New(engine.Config{
		Store:  store,
		Queue:  q,
		Logger: cfg.Logger,
	})
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
	}
}
