package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/dauro"
	"github.com/petrijr/dauro/internal/engine"
	"github.com/petrijr/dauro/internal/journal"
	"github.com/petrijr/dauro/internal/taskqueue"
	"github.com/petrijr/dauro/pkg/api"
)

// redisNamespace must match the key prefix the library's Redis engine and
// bundle constructors use, or the CLI would read an empty keyspace.
const redisNamespace = "dauro"

// mongoTaskCollection mirrors the collection name NewMongoBundle wires its
// queue to.
const mongoTaskCollection = "tasks"

// resolveStore turns the --db / --config pair into a store configuration.
// --db is the short form for the common embedded case: a SQLite file shared
// with the worker process.
func resolveStore(database, configPath string) (dauro.Config, error) {
	switch {
	case database != "" && configPath != "":
		return dauro.Config{}, errors.New("--db and --config are mutually exclusive")
	case database != "":
		cfg := dauro.DefaultConfig()
		cfg.Store.Driver = "sqlite"
		cfg.Store.DSN = sqliteDSN(database)
		return cfg, nil
	case configPath != "":
		return dauro.LoadConfig(configPath)
	default:
		return dauro.Config{}, errors.New("a store is required: pass --db or --config")
	}
}

// sqliteDSN accepts either a plain file path or a full DSN. Plain paths get
// the WAL journal mode the worker bundles document.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}
	return "file:" + path + "?_journal=WAL"
}

// openEngine connects to the configured backend and returns an engine wired
// to both the journal and the task queue there. The queue matters even
// though this process never runs workflows: callback signals and recovery
// produce resume tasks, and only a queue shared with the worker fleet makes
// those wake anybody up.
func openEngine(ctx context.Context, cfg dauro.Config, logger *slog.Logger) (api.Engine, func() error, error) {
	ecfg := engine.Config{Logger: logger, LeaseTTL: cfg.Worker.LeaseDuration()}

	switch cfg.Store.Driver {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store, err := journal.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("prepare sqlite journal: %w", err)
		}
		queue, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("prepare sqlite queue: %w", err)
		}
		ecfg.Store, ecfg.Queue = store, queue
		return engine.New(ecfg), db.Close, nil

	case "postgres":
		db, err := sql.Open("pgx", cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		store, err := journal.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("prepare postgres journal: %w", err)
		}
		queue, err := taskqueue.NewPostgresQueue(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("prepare postgres queue: %w", err)
		}
		ecfg.Store, ecfg.Queue = store, queue
		return engine.New(ecfg), db.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.Addr, Password: cfg.Store.Password})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis at %s: %w", cfg.Store.Addr, err)
		}
		ecfg.Store = journal.NewRedisStore(client, redisNamespace)
		ecfg.Queue = taskqueue.NewRedisQueue(client, redisNamespace)
		return engine.New(ecfg), client.Close, nil

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		store, err := journal.NewMongoStore(ctx, client, cfg.Store.Database)
		if err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("prepare mongo journal: %w", err)
		}
		ecfg.Store = store
		ecfg.Queue = taskqueue.NewMongoQueue(client, cfg.Store.Database, mongoTaskCollection)
		return engine.New(ecfg), disconnect, nil

	default:
		// "memory" lands here too: an in-process store holds nothing this
		// command could reach.
		return nil, nil, fmt.Errorf("driver %q keeps no shared state to operate on; use sqlite, postgres, redis or mongo", cfg.Store.Driver)
	}
}

// connect is the shared preamble of every command: resolve flags, open the
// backend, pick a logger. Callers must invoke cleanup when done.
func connect(ctx context.Context, database, configPath string, opts *RootOptions, errW io.Writer) (api.Engine, func() error, error) {
	cfg, err := resolveStore(database, configPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid store selection", err)
	}
	eng, cleanup, err := openEngine(ctx, cfg, commandLogger(opts.Verbose, errW))
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return eng, cleanup, nil
}

// commandLogger keeps engine internals quiet unless --verbose is set, so
// --format json output stays parseable.
func commandLogger(verbose bool, errW io.Writer) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(errW, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
