package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// Due tasks live on a list at <prefix>tasks and are consumed with BRPOP.
// Tasks with a future NotBefore are parked in a sorted set at
// <prefix>tasks:scheduled, scored by their due time, and promoted onto
// the list as they come due. Values are gob-encoded Task structs.
type RedisQueue struct {
	client *redis.Client
	key    string
	zkey   string
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "dauro:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "dauro:"
	}
	return &RedisQueue{
		client: client,
		key:    prefix + "tasks",
		zkey:   prefix + "tasks:scheduled",
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue pushes a due task onto the list (LPUSH), or parks a future one
// in the scheduled set.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	if t.NotBefore.After(time.Now()) {
		return q.client.ZAdd(ctx, q.zkey, redis.Z{
			Score:  float64(t.NotBefore.UnixMilli()),
			Member: data,
		}).Err()
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// promoteScript moves tasks whose due time has passed from the scheduled
// set onto the list, in batches.
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
	for _, v in ipairs(due) do
		redis.call('LPUSH', KEYS[2], v)
		redis.call('ZREM', KEYS[1], v)
	end
	return #due
`)

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	return promoteScript.Run(ctx, q.client,
		[]string{q.zkey, q.key},
		time.Now().UnixMilli(),
	).Err()
}

// Dequeue blocks on BRPOP until a task is available or ctx is cancelled.
// The block is bounded so newly due scheduled tasks get promoted.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := q.promoteDue(ctx); err != nil {
			return nil, err
		}

		// BRPop returns [key, value]
		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			// If ctx is cancelled, BRPop returns an error wrapping ctx.Err().
			return nil, err
		}
		if len(res) != 2 {
			slog.Warn("redis queue: BRPop returned unexpected result", "result", res)
			continue
		}

		return DecodeTask([]byte(res[1]))
	}
}

// Len returns the approximate number of tasks queued, including scheduled
// ones that are not yet due.
func (q *RedisQueue) Len() int {
	ctx := context.Background()

	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		slog.Warn("redis queue: LLEN failed", "error", err)
		return 0
	}
	z, err := q.client.ZCard(ctx, q.zkey).Result()
	if err != nil {
		slog.Warn("redis queue: ZCARD failed", "error", err)
		return int(n)
	}
	return int(n + z)
}
