package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/dauro/internal/testutil"
)

const redisQueuePrefix = "dauro:queuetest:"

type RedisQueueTestSuite struct {
	suite.Suite
	client *redis.Client
	queue  *RedisQueue
	ctx    context.Context
}

func TestRedisQueueTestSuite(t *testing.T) {
	addr := testutil.GetRedisAddress(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.Close()
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	testsuite := new(RedisQueueTestSuite)
	testsuite.client = client
	testsuite.queue = NewRedisQueue(client, redisQueuePrefix)
	testsuite.ctx = ctx
	suite.Run(t, testsuite)
}

func (s *RedisQueueTestSuite) SetupTest() {
	iter := s.client.Scan(s.ctx, 0, redisQueuePrefix+"*", 0).Iterator()
	for iter.Next(s.ctx) {
		s.Require().NoError(s.client.Del(s.ctx, iter.Val()).Err())
	}
	s.Require().NoError(iter.Err())
}

func (s *RedisQueueTestSuite) TestEnqueueDequeue() {
	task := Task{ID: "r1", Type: TaskTypeStart, Workflow: "wf", Input: []byte(`1`)}
	s.Require().NoError(s.queue.Enqueue(s.ctx, task))
	s.Equal(1, s.queue.Len())

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	got, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal("r1", got.ID)
	s.Equal(TaskTypeStart, got.Type)
	s.Equal("wf", got.Workflow)
	s.Equal(0, s.queue.Len())
}

func (s *RedisQueueTestSuite) TestScheduledTaskPromotes() {
	task := Task{
		ID:          "r-delayed",
		Type:        TaskTypeResume,
		ExecutionID: "e1",
		NotBefore:   time.Now().Add(300 * time.Millisecond),
	}
	s.Require().NoError(s.queue.Enqueue(s.ctx, task))

	// Parked in the scheduled set, still counted.
	s.Equal(1, s.queue.Len())

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	got, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal("r-delayed", got.ID)
	s.GreaterOrEqual(time.Since(start), 200*time.Millisecond, "task should not be delivered early")
}

func (s *RedisQueueTestSuite) TestDequeueHonorsContextCancellation() {
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()

	_, err := s.queue.Dequeue(ctx)
	s.Error(err)
}
