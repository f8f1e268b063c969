package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/outreach/internal/task"
)

// MemoryStore is an in-process Store with the same transition rules as
// PostgresStore. Used by tests and by the CLI dry-run mode.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]task.Task
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]task.Task)}
}

func (s *MemoryStore) Insert(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = copyTask(*t)
	s.order = append(s.order, t.ID)
	return nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []task.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status == task.StatusPending && !t.ScheduledAt.After(now) {
			due = append(due, t)
		}
	}
	sortForDispatch(due)
	if limit >= 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		started := now
		due[i].Status = task.StatusProcessing
		due[i].StartedAt = &started
		s.tasks[due[i].ID] = copyTask(due[i])
	}
	return due, nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, result map[string]any, at time.Time) error {
	return s.transition(id, func(t *task.Task) error {
		t.Status = task.StatusCompleted
		t.ResultData = result
		t.CompletedAt = &at
		t.ErrorMessage = ""
		return nil
	})
}

func (s *MemoryStore) Retry(_ context.Context, id string, retryCount int, next time.Time, errMsg string) error {
	return s.transition(id, func(t *task.Task) error {
		if retryCount > t.MaxRetries {
			return ErrNotClaimed
		}
		t.Status = task.StatusPending
		t.RetryCount = retryCount
		t.ScheduledAt = next
		t.ErrorMessage = errMsg
		t.StartedAt = nil
		return nil
	})
}

func (s *MemoryStore) Fail(_ context.Context, id string, retryCount int, errMsg string, at time.Time) error {
	return s.transition(id, func(t *task.Task) error {
		t.Status = task.StatusFailed
		t.RetryCount = min(retryCount, t.MaxRetries)
		t.ErrorMessage = errMsg
		t.CompletedAt = &at
		return nil
	})
}

func (s *MemoryStore) transition(id string, apply func(t *task.Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != task.StatusProcessing {
		return ErrNotClaimed
	}
	if err := apply(&t); err != nil {
		return err
	}
	s.tasks[id] = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *MemoryStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status == task.StatusProcessing && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			out = append(out, copyTask(t))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[task.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[task.Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// All returns every stored task in insertion order.
func (s *MemoryStore) All() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyTask(s.tasks[id]))
	}
	return out
}

func copyTask(t task.Task) task.Task {
	if t.Payload != nil {
		p := make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			p[k] = v
		}
		t.Payload = p
	}
	return t
}
