package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/dauro/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB

	now func() time.Time
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			input BYTEA,
			input_codec TEXT NOT NULL DEFAULT '',
			output BYTEA,
			output_codec TEXT NOT NULL DEFAULT '',
			failure TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			resumed_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL,
			deadline BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS operations (
			seq BIGSERIAL,
			execution_id TEXT NOT NULL,
			path TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			result BYTEA,
			codec TEXT NOT NULL DEFAULT '',
			failure TEXT NOT NULL DEFAULT '',
			scheduled_at BIGINT NOT NULL DEFAULT 0,
			token TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (execution_id, path)
		);
		CREATE INDEX IF NOT EXISTS idx_operations_seq ON operations(execution_id, seq);

		CREATE TABLE IF NOT EXISTS callback_tokens (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			operation_path TEXT NOT NULL,
			deadline BIGINT NOT NULL DEFAULT 0,
			heartbeat_deadline BIGINT NOT NULL DEFAULT 0,
			heartbeat_interval BIGINT NOT NULL DEFAULT 0,
			resolved SMALLINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tokens_execution ON callback_tokens(execution_id);

		CREATE TABLE IF NOT EXISTS execution_leases (
			execution_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	failure, err := failureToJSON(exec.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow, version, status, input, input_codec, output, output_codec, failure, created_at, resumed_at, updated_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		exec.ID,
		exec.Workflow,
		exec.Version,
		string(exec.Status),
		exec.Input,
		exec.InputCodec,
		exec.Output,
		exec.OutputCodec,
		failure,
		nanos(exec.CreatedAt),
		nanos(exec.ResumedAt),
		nanos(exec.UpdatedAt),
		nanos(exec.Deadline),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrExecutionExists
	}
	return nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	failure, err := failureToJSON(exec.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET workflow = $1, version = $2, status = $3, input = $4, input_codec = $5, output = $6, output_codec = $7, failure = $8, resumed_at = $9, updated_at = $10, deadline = $11
		WHERE id = $12`,
		exec.Workflow,
		exec.Version,
		string(exec.Status),
		exec.Input,
		exec.InputCodec,
		exec.Output,
		exec.OutputCodec,
		failure,
		nanos(exec.ResumedAt),
		nanos(exec.UpdatedAt),
		nanos(exec.Deadline),
		exec.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

const pgExecutionColumns = `id, workflow, version, status, input, input_codec, output, output_codec, failure, created_at, resumed_at, updated_at, deadline`

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgExecutionColumns+` FROM executions WHERE id = $1`, id)

	exec, err := scanExecution(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter Filter) ([]*api.Execution, error) {
	query := `SELECT ` + pgExecutionColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		args = append(args, filter.Workflow)
		clauses = append(clauses, fmt.Sprintf("workflow = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*api.Execution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

const pgOperationColumns = `seq, path, kind, status, attempt, result, codec, failure, scheduled_at, token, started_at, updated_at`

func (s *PostgresStore) AppendOperation(ctx context.Context, executionID string, op *api.Operation) error {
	failure, err := failureToJSON(op.Failure)
	if err != nil {
		return err
	}

	var seq int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO operations (execution_id, path, kind, status, attempt, result, codec, failure, scheduled_at, token, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (execution_id, path) DO NOTHING
		RETURNING seq`,
		executionID,
		op.Path,
		string(op.Kind),
		string(op.Status),
		op.Attempt,
		op.Result,
		op.Codec,
		failure,
		nanos(op.ScheduledAt),
		op.Token,
		nanos(op.StartedAt),
		nanos(op.UpdatedAt),
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The conflict target swallowed the insert.
			return ErrDuplicateOperation
		}
		return err
	}
	op.Seq = seq
	return nil
}

func (s *PostgresStore) UpdateOperation(ctx context.Context, executionID string, op *api.Operation) error {
	failure, err := failureToJSON(op.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET kind = $1, status = $2, attempt = $3, result = $4, codec = $5, failure = $6, scheduled_at = $7, token = $8, started_at = $9, updated_at = $10
		WHERE execution_id = $11 AND path = $12 AND status NOT IN ('SUCCEEDED', 'FAILED')`,
		string(op.Kind),
		string(op.Status),
		op.Attempt,
		op.Result,
		op.Codec,
		failure,
		nanos(op.ScheduledAt),
		op.Token,
		nanos(op.StartedAt),
		nanos(op.UpdatedAt),
		executionID,
		op.Path,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM operations WHERE execution_id = $1 AND path = $2`,
		executionID, op.Path,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOperationNotFound
	}
	return err
}

func (s *PostgresStore) GetOperation(ctx context.Context, executionID, path string) (*api.Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgOperationColumns+` FROM operations WHERE execution_id = $1 AND path = $2`,
		executionID, path)

	op, err := scanOperation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return op, nil
}

func (s *PostgresStore) ListOperations(ctx context.Context, executionID string) ([]api.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgOperationColumns+` FROM operations WHERE execution_id = $1 ORDER BY seq`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []api.Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

const pgTokenColumns = `id, execution_id, operation_path, deadline, heartbeat_deadline, heartbeat_interval, resolved, created_at`

func (s *PostgresStore) CreateToken(ctx context.Context, tok *api.CallbackToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callback_tokens (id, execution_id, operation_path, deadline, heartbeat_deadline, heartbeat_interval, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tok.ID,
		tok.ExecutionID,
		tok.OperationPath,
		nanos(tok.Deadline),
		nanos(tok.HeartbeatDeadline),
		int64(tok.HeartbeatInterval),
		boolToInt(tok.Resolved),
		nanos(tok.CreatedAt),
	)
	return err
}

func (s *PostgresStore) GetToken(ctx context.Context, id string) (*api.CallbackToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgTokenColumns+` FROM callback_tokens WHERE id = $1`, id)

	tok, err := scanToken(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return tok, nil
}

func (s *PostgresStore) UpdateToken(ctx context.Context, tok *api.CallbackToken) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE callback_tokens
		SET deadline = $1, heartbeat_deadline = $2
		WHERE id = $3 AND resolved = 0`,
		nanos(tok.Deadline),
		nanos(tok.HeartbeatDeadline),
		tok.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM callback_tokens WHERE id = $1`, tok.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	return ErrTokenResolved
}

func (s *PostgresStore) ResolveToken(ctx context.Context, id string) (*api.CallbackToken, error) {
	tok, err := s.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE callback_tokens SET resolved = 1 WHERE id = $1 AND resolved = 0`, id)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrTokenResolved
	}
	return tok, nil
}

func (s *PostgresStore) ListExecutionTokens(ctx context.Context, executionID string) ([]*api.CallbackToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgTokenColumns+` FROM callback_tokens WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*api.CallbackToken
	for rows.Next() {
		tok, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_leases (execution_id, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (execution_id) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE execution_leases.owner = EXCLUDED.owner
		   OR execution_leases.expires_at <= $4`,
		executionID,
		owner,
		nanos(now.Add(ttl)),
		nanos(now),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_leases SET expires_at = $1
		WHERE execution_id = $2 AND owner = $3`,
		nanos(s.now().Add(ttl)),
		executionID,
		owner,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM execution_leases WHERE execution_id = $1 AND owner = $2`,
		executionID, owner)
	return err
}
