package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeStart asks a worker to begin a new execution from its input.
	TaskTypeStart TaskType = "start-execution"

	// TaskTypeResume asks a worker to replay a suspended or retrying
	// execution. Resume tasks are the wakeup mechanism for timers, retry
	// backoff, and callback deadlines.
	TaskTypeResume TaskType = "resume-execution"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// For start tasks.
	Workflow   string
	Version    string
	Input      []byte
	InputCodec string

	ExecutionID string

	// Reason records what woke the execution: "timer", "retry",
	// "condition", "callback-timeout", "callback", "recovery",
	// "lease-retry". Informational.
	Reason string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible for
	// processing. Zero value means "immediately".
	NotBefore time.Time
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. Implementations honor
	// Task.NotBefore and hold the task back until it is due.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
