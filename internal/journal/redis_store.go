package journal

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/dauro/pkg/api"
)

// RedisStore is a Store backed by Redis.
//
// Executions and operations are stored as gob blobs under prefixed keys,
// with sets maintained as secondary indexes for listing. Callback tokens
// are stored as hashes so that the claim script can inspect the resolved
// flag atomically. Leases are plain keys with a server-side TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a RedisStore using the given client. All keys are
// prefixed with the given prefix (e.g. "dauro:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyExecution(id string) string  { return s.prefix + "exec:" + id }
func (s *RedisStore) keyExecutions() string          { return s.prefix + "executions" }
func (s *RedisStore) keyWorkflow(wf string) string   { return s.prefix + "wf:" + wf }
func (s *RedisStore) keyOps(execID string) string    { return s.prefix + "ops:" + execID }
func (s *RedisStore) keyOp(execID, p string) string  { return s.prefix + "op:" + execID + ":" + p }
func (s *RedisStore) keyToken(id string) string      { return s.prefix + "token:" + id }
func (s *RedisStore) keyTokens(execID string) string { return s.prefix + "tokens:" + execID }
func (s *RedisStore) keyLease(execID string) string  { return s.prefix + "lease:" + execID }

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (s *RedisStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	data, err := encodeGob(exec)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyExecution(exec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExecutionExists
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyExecutions(), exec.ID)
	pipe.SAdd(ctx, s.keyWorkflow(exec.Workflow), exec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	data, err := encodeGob(exec)
	if err != nil {
		return err
	}

	ok, err := s.client.SetXX(ctx, s.keyExecution(exec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	data, err := s.client.Get(ctx, s.keyExecution(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}

	var exec api.Execution
	if err := decodeGob(data, &exec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *RedisStore) ListExecutions(ctx context.Context, filter Filter) ([]*api.Execution, error) {
	indexKey := s.keyExecutions()
	if filter.Workflow != "" {
		indexKey = s.keyWorkflow(filter.Workflow)
	}

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	var executions []*api.Execution
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if errors.Is(err, ErrExecutionNotFound) {
			// Index entry outlived the record.
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		executions = append(executions, exec)
	}
	return executions, nil
}

// appendOpScript creates the operation blob only if the path is new, then
// appends the path to the per-execution log and returns the new length,
// which doubles as the operation's sequence number. Returns -1 when the
// path already exists.
var appendOpScript = redis.NewScript(`
	if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
		return -1
	end
	return redis.call('RPUSH', KEYS[2], ARGV[2])
`)

func (s *RedisStore) AppendOperation(ctx context.Context, executionID string, op *api.Operation) error {
	data, err := encodeGob(op)
	if err != nil {
		return err
	}

	seq, err := appendOpScript.Run(ctx, s.client,
		[]string{s.keyOp(executionID, op.Path), s.keyOps(executionID)},
		data, op.Path,
	).Int64()
	if err != nil {
		return err
	}
	if seq < 0 {
		return ErrDuplicateOperation
	}

	// The blob was written before the sequence number was known; rewrite
	// it so readers see the assigned value.
	op.Seq = seq
	data, err = encodeGob(op)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyOp(executionID, op.Path), data, 0).Err()
}

func (s *RedisStore) UpdateOperation(ctx context.Context, executionID string, op *api.Operation) error {
	current, err := s.GetOperation(ctx, executionID, op.Path)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}

	op.Seq = current.Seq
	data, err := encodeGob(op)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyOp(executionID, op.Path), data, 0).Err()
}

func (s *RedisStore) GetOperation(ctx context.Context, executionID, path string) (*api.Operation, error) {
	data, err := s.client.Get(ctx, s.keyOp(executionID, path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}

	var op api.Operation
	if err := decodeGob(data, &op); err != nil {
		return nil, fmt.Errorf("decode operation %s/%s: %w", executionID, path, err)
	}
	return &op, nil
}

func (s *RedisStore) ListOperations(ctx context.Context, executionID string) ([]api.Operation, error) {
	paths, err := s.client.LRange(ctx, s.keyOps(executionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}

	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = s.keyOp(executionID, p)
	}
	blobs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	ops := make([]api.Operation, 0, len(blobs))
	for i, blob := range blobs {
		str, ok := blob.(string)
		if !ok {
			return nil, fmt.Errorf("operation %s/%s missing from store", executionID, paths[i])
		}
		var op api.Operation
		if err := decodeGob([]byte(str), &op); err != nil {
			return nil, fmt.Errorf("decode operation %s/%s: %w", executionID, paths[i], err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *RedisStore) CreateToken(ctx context.Context, tok *api.CallbackToken) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keyToken(tok.ID), map[string]any{
		"execution_id":       tok.ExecutionID,
		"operation_path":     tok.OperationPath,
		"deadline":           nanos(tok.Deadline),
		"heartbeat_deadline": nanos(tok.HeartbeatDeadline),
		"heartbeat_interval": int64(tok.HeartbeatInterval),
		"resolved":           boolToInt(tok.Resolved),
		"created_at":         nanos(tok.CreatedAt),
	})
	pipe.SAdd(ctx, s.keyTokens(tok.ExecutionID), tok.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetToken(ctx context.Context, id string) (*api.CallbackToken, error) {
	fields, err := s.client.HGetAll(ctx, s.keyToken(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrTokenNotFound
	}
	return tokenFromFields(id, fields)
}

func tokenFromFields(id string, fields map[string]string) (*api.CallbackToken, error) {
	deadline, err := strconv.ParseInt(fields["deadline"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode token %s: %w", id, err)
	}
	heartbeat, err := strconv.ParseInt(fields["heartbeat_deadline"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode token %s: %w", id, err)
	}
	interval, err := strconv.ParseInt(fields["heartbeat_interval"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode token %s: %w", id, err)
	}
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode token %s: %w", id, err)
	}
	return &api.CallbackToken{
		ID:                id,
		ExecutionID:       fields["execution_id"],
		OperationPath:     fields["operation_path"],
		Deadline:          fromNanos(deadline),
		HeartbeatDeadline: fromNanos(heartbeat),
		HeartbeatInterval: time.Duration(interval),
		Resolved:          fields["resolved"] == "1",
		CreatedAt:         fromNanos(created),
	}, nil
}

// updateTokenScript refreshes deadlines on an unresolved token.
// Returns -1 when the token does not exist and 0 when already resolved.
var updateTokenScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	if redis.call('HGET', KEYS[1], 'resolved') == '1' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'deadline', ARGV[1], 'heartbeat_deadline', ARGV[2])
	return 1
`)

func (s *RedisStore) UpdateToken(ctx context.Context, tok *api.CallbackToken) error {
	res, err := updateTokenScript.Run(ctx, s.client,
		[]string{s.keyToken(tok.ID)},
		nanos(tok.Deadline), nanos(tok.HeartbeatDeadline),
	).Int64()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrTokenNotFound
	case 0:
		return ErrTokenResolved
	}
	return nil
}

// claimTokenScript flips the resolved flag exactly once.
// Returns -1 when the token does not exist and 0 when already resolved.
var claimTokenScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	if redis.call('HGET', KEYS[1], 'resolved') == '1' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'resolved', '1')
	return 1
`)

func (s *RedisStore) ResolveToken(ctx context.Context, id string) (*api.CallbackToken, error) {
	tok, err := s.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}

	res, err := claimTokenScript.Run(ctx, s.client, []string{s.keyToken(id)}).Int64()
	if err != nil {
		return nil, err
	}
	switch res {
	case -1:
		return nil, ErrTokenNotFound
	case 0:
		return nil, ErrTokenResolved
	}
	return tok, nil
}

func (s *RedisStore) ListExecutionTokens(ctx context.Context, executionID string) ([]*api.CallbackToken, error) {
	ids, err := s.client.SMembers(ctx, s.keyTokens(executionID)).Result()
	if err != nil {
		return nil, err
	}

	var tokens []*api.CallbackToken
	for _, id := range ids {
		tok, err := s.GetToken(ctx, id)
		if errors.Is(err, ErrTokenNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// acquireLeaseScript grants the lease when it is free or already held by
// the caller, refreshing the TTL either way.
var acquireLeaseScript = redis.NewScript(`
	local owner = redis.call('GET', KEYS[1])
	if owner == false or owner == ARGV[1] then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return 1
	end
	return 0
`)

func (s *RedisStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	res, err := acquireLeaseScript.Run(ctx, s.client,
		[]string{s.keyLease(executionID)},
		owner, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var renewLeaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		return 1
	end
	return 0
`)

func (s *RedisStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	res, err := renewLeaseScript.Run(ctx, s.client,
		[]string{s.keyLease(executionID)},
		owner, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

var releaseLeaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

func (s *RedisStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	return releaseLeaseScript.Run(ctx, s.client,
		[]string{s.keyLease(executionID)}, owner,
	).Err()
}
