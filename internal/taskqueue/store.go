package taskqueue

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/austindbirch/outreach/internal/task"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrNotClaimed is returned when a state change targets a row that is no
	// longer processing, e.g. after the stale sweep already recovered it.
	ErrNotClaimed = errors.New("task is not processing")
)

// Store persists task rows. Only the dispatcher calls the mutating methods
// other than Insert.
type Store interface {
	Insert(ctx context.Context, t *task.Task) error
	// ClaimDue moves up to limit pending rows with scheduled_at <= now to
	// processing, sets started_at, and returns them ordered by priority desc
	// then scheduled_at asc.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]task.Task, error)
	Complete(ctx context.Context, id string, result map[string]any, at time.Time) error
	Retry(ctx context.Context, id string, retryCount int, next time.Time, errMsg string) error
	Fail(ctx context.Context, id string, retryCount int, errMsg string, at time.Time) error
	Get(ctx context.Context, id string) (task.Task, error)
	// ListStale returns processing rows whose started_at is before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]task.Task, error)
	// CountByStatus is read by the CLI and the health surface.
	CountByStatus(ctx context.Context) (map[task.Status]int, error)
}

func sortForDispatch(tasks []task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].ScheduledAt.Before(tasks[j].ScheduledAt)
	})
}
