package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/outreach/internal/metrics"
	"github.com/austindbirch/outreach/internal/task"
	"github.com/austindbirch/outreach/internal/tracing"
)

// Queue is the producer side of the task store
type Queue struct {
	store      Store
	maxRetries int
	now        func() time.Time
}

type QueueOption func(*Queue)

// WithMaxRetries sets max_retries on new tasks
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithQueueClock overrides time.Now
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func NewQueue(store Store, opts ...QueueOption) *Queue {
	q := &Queue{store: store, maxRetries: task.DefaultMaxRetries, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates payload against the schema of typ and inserts a pending
// task due after delay. A negative delay means now.
func (q *Queue) Enqueue(ctx context.Context, typ task.Type, payload map[string]any, priority int, delay time.Duration) (string, error) {
	if err := task.Validate(typ, payload); err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}
	now := q.now().UTC()
	t := &task.Task{
		ID:          uuid.NewString(),
		Type:        typ,
		Payload:     payload,
		Status:      task.StatusPending,
		Priority:    priority,
		MaxRetries:  q.maxRetries,
		ScheduledAt: now.Add(delay),
		CreatedAt:   now,
	}
	if err := q.store.Insert(ctx, t); err != nil {
		tracing.SetSpanError(ctx, err)
		return "", fmt.Errorf("enqueue %s: %w", typ, err)
	}
	metrics.RecordEnqueued(string(typ))
	return t.ID, nil
}

// EnqueuePayload enqueues a typed payload
func (q *Queue) EnqueuePayload(ctx context.Context, p task.Payload, priority int, delay time.Duration) (string, error) {
	return q.Enqueue(ctx, p.TaskType(), p.Map(), priority, delay)
}

// EnqueueAt enqueues a typed payload due at the given instant
func (q *Queue) EnqueueAt(ctx context.Context, p task.Payload, priority int, at time.Time) (string, error) {
	return q.EnqueuePayload(ctx, p, priority, at.Sub(q.now()))
}

// Get loads a task. An id that is not a UUID cannot exist and is ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (task.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return task.Task{}, ErrNotFound
	}
	return q.store.Get(ctx, id)
}
