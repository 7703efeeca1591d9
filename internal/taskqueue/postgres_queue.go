package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Rows are claimed with SELECT ... FOR UPDATE SKIP LOCKED and deleted in
// the same transaction, so multiple workers can drain the queue without
// stepping on each other. The queue is FIFO by due time.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			id         BIGSERIAL PRIMARY KEY,
			payload    BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			not_before TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	notBefore := time.Now().UTC()
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UTC()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (payload, not_before)
		VALUES ($1, $2)
	`, data, notBefore)
	return err
}

// Dequeue blocks (with polling) until a due task is available or ctx is
// cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			id      int64
			payload []byte
		)

		// Lock the oldest due row, if any.
		err = tx.QueryRowContext(ctx, `
			SELECT id, payload
			FROM queue_tasks
			WHERE not_before <= now()
			ORDER BY not_before, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`).Scan(&id, &payload)

		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				// Nothing due yet, wait a bit and retry using the reusable timer.
				tmr.Reset(100 * time.Millisecond)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, err
		}

		// Delete the claimed row within the same transaction.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM queue_tasks
			WHERE id = $1
		`, id); err != nil {
			_ = tx.Rollback()
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}

		task, err := DecodeTask(payload)
		if err != nil {
			return nil, fmt.Errorf("decode task %d failed: %w", id, err)
		}
		return task, nil
	}
}

// Len returns an approximate number of queued tasks, including ones that
// are not yet due.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		slog.Warn("postgres queue: Len failed", "error", err)
		return 0
	}
	return n
}
