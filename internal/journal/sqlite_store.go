package journal

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/dauro/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB

	now func() time.Time
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			input_codec TEXT NOT NULL DEFAULT '',
			output BLOB,
			output_codec TEXT NOT NULL DEFAULT '',
			failure TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			resumed_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			deadline INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS operations (
			execution_id TEXT NOT NULL,
			path TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			result BLOB,
			codec TEXT NOT NULL DEFAULT '',
			failure TEXT NOT NULL DEFAULT '',
			scheduled_at INTEGER NOT NULL DEFAULT 0,
			token TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (execution_id, path)
		);

		CREATE TABLE IF NOT EXISTS callback_tokens (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			operation_path TEXT NOT NULL,
			deadline INTEGER NOT NULL DEFAULT 0,
			heartbeat_deadline INTEGER NOT NULL DEFAULT 0,
			heartbeat_interval INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tokens_execution
			ON callback_tokens(execution_id);

		CREATE TABLE IF NOT EXISTS execution_leases (
			execution_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	failure, err := failureToJSON(exec.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow, version, status, input, input_codec, output, output_codec, failure, created_at, resumed_at, updated_at, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
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

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	failure, err := failureToJSON(exec.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET workflow = ?, version = ?, status = ?, input = ?, input_codec = ?, output = ?, output_codec = ?, failure = ?, resumed_at = ?, updated_at = ?, deadline = ?
		WHERE id = ?`,
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

func scanExecution(scan func(...any) error) (*api.Execution, error) {
	var exec api.Execution
	var status, failure string
	var created, resumed, updated, deadline int64

	if err := scan(
		&exec.ID, &exec.Workflow, &exec.Version, &status,
		&exec.Input, &exec.InputCodec, &exec.Output, &exec.OutputCodec,
		&failure, &created, &resumed, &updated, &deadline,
	); err != nil {
		return nil, err
	}

	exec.Status = api.ExecutionStatus(status)
	exec.CreatedAt = fromNanos(created)
	exec.ResumedAt = fromNanos(resumed)
	exec.UpdatedAt = fromNanos(updated)
	exec.Deadline = fromNanos(deadline)

	f, err := failureFromJSON(failure)
	if err != nil {
		return nil, err
	}
	exec.Failure = f
	return &exec, nil
}

const executionColumns = `id, workflow, version, status, input, input_codec, output, output_codec, failure, created_at, resumed_at, updated_at, deadline`

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter Filter) ([]*api.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
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

func (s *SQLiteStore) AppendOperation(ctx context.Context, executionID string, op *api.Operation) error {
	failure, err := failureToJSON(op.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (execution_id, path, kind, status, attempt, result, codec, failure, scheduled_at, token, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, path) DO NOTHING`,
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
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicateOperation
	}

	// Append order comes from the table's rowid.
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	op.Seq = seq
	return nil
}

func (s *SQLiteStore) UpdateOperation(ctx context.Context, executionID string, op *api.Operation) error {
	failure, err := failureToJSON(op.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET kind = ?, status = ?, attempt = ?, result = ?, codec = ?, failure = ?, scheduled_at = ?, token = ?, started_at = ?, updated_at = ?
		WHERE execution_id = ? AND path = ? AND status NOT IN ('SUCCEEDED', 'FAILED')`,
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

	// Either the operation is missing or it is already terminal; terminal
	// rewrites are ignored so at-least-once checkpointing stays idempotent.
	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM operations WHERE execution_id = ? AND path = ?`,
		executionID, op.Path,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOperationNotFound
	}
	return err
}

func scanOperation(scan func(...any) error) (*api.Operation, error) {
	var op api.Operation
	var kind, status, failure string
	var scheduled, started, updated int64

	if err := scan(
		&op.Seq, &op.Path, &kind, &status, &op.Attempt,
		&op.Result, &op.Codec, &failure, &scheduled, &op.Token,
		&started, &updated,
	); err != nil {
		return nil, err
	}

	op.Kind = api.OperationKind(kind)
	op.Status = api.OperationStatus(status)
	op.ScheduledAt = fromNanos(scheduled)
	op.StartedAt = fromNanos(started)
	op.UpdatedAt = fromNanos(updated)

	f, err := failureFromJSON(failure)
	if err != nil {
		return nil, err
	}
	op.Failure = f
	return &op, nil
}

const operationColumns = `rowid, path, kind, status, attempt, result, codec, failure, scheduled_at, token, started_at, updated_at`

func (s *SQLiteStore) GetOperation(ctx context.Context, executionID, path string) (*api.Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE execution_id = ? AND path = ?`,
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

func (s *SQLiteStore) ListOperations(ctx context.Context, executionID string) ([]api.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE execution_id = ? ORDER BY rowid`,
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

func (s *SQLiteStore) CreateToken(ctx context.Context, tok *api.CallbackToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callback_tokens (id, execution_id, operation_path, deadline, heartbeat_deadline, heartbeat_interval, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
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

func scanToken(scan func(...any) error) (*api.CallbackToken, error) {
	var tok api.CallbackToken
	var deadline, heartbeat, interval, created int64
	var resolved int

	if err := scan(
		&tok.ID, &tok.ExecutionID, &tok.OperationPath,
		&deadline, &heartbeat, &interval, &resolved, &created,
	); err != nil {
		return nil, err
	}

	tok.Deadline = fromNanos(deadline)
	tok.HeartbeatDeadline = fromNanos(heartbeat)
	tok.HeartbeatInterval = time.Duration(interval)
	tok.Resolved = resolved != 0
	tok.CreatedAt = fromNanos(created)
	return &tok, nil
}

const tokenColumns = `id, execution_id, operation_path, deadline, heartbeat_deadline, heartbeat_interval, resolved, created_at`

func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*api.CallbackToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM callback_tokens WHERE id = ?`, id)

	tok, err := scanToken(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return tok, nil
}

func (s *SQLiteStore) UpdateToken(ctx context.Context, tok *api.CallbackToken) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE callback_tokens
		SET deadline = ?, heartbeat_deadline = ?
		WHERE id = ? AND resolved = 0`,
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
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM callback_tokens WHERE id = ?`, tok.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	return ErrTokenResolved
}

func (s *SQLiteStore) ResolveToken(ctx context.Context, id string) (*api.CallbackToken, error) {
	tok, err := s.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE callback_tokens SET resolved = 1 WHERE id = ? AND resolved = 0`, id)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the claim race.
		return nil, ErrTokenResolved
	}
	return tok, nil
}

func (s *SQLiteStore) ListExecutionTokens(ctx context.Context, executionID string) ([]*api.CallbackToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM callback_tokens WHERE execution_id = ?`, executionID)
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

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_leases (execution_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE execution_leases.owner = excluded.owner
		   OR execution_leases.expires_at <= ?`,
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

func (s *SQLiteStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_leases SET expires_at = ?
		WHERE execution_id = ? AND owner = ?`,
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

func (s *SQLiteStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM execution_leases WHERE execution_id = ? AND owner = ?`,
		executionID, owner)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
