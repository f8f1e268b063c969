package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/outreach/internal/task"
	"github.com/austindbirch/outreach/internal/tracing"
)

const taskColumns = `id, task_type, payload, status, priority, retry_count, max_retries,
	scheduled_at, created_at, started_at, completed_at, error_message, result_data`

// PostgresStore keeps tasks in outreach.tasks
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Insert(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	tracing.AddSpanEvent(ctx, "db.insert_task")
	_, err = s.pool.Exec(ctx, `
		INSERT INTO outreach.tasks (id, task_type, payload, status, priority, retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9)`,
		t.ID, string(t.Type), string(payload), string(t.Status), t.Priority, t.RetryCount, t.MaxRetries, t.ScheduledAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]task.Task, error) {
	tracing.AddSpanEvent(ctx, "db.claim_due_tasks")
	rows, err := s.pool.Query(ctx, `
		UPDATE outreach.tasks
		SET status = 'processing', started_at = $1
		WHERE id IN (
			SELECT id FROM outreach.tasks
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	// RETURNING order is unspecified
	sortForDispatch(tasks)
	return tasks, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, result map[string]any, at time.Time) error {
	var resultJSON *string
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		str := string(b)
		resultJSON = &str
	}
	tracing.AddSpanEvent(ctx, "db.complete_task")
	tag, err := s.pool.Exec(ctx, `
		UPDATE outreach.tasks
		SET status = 'completed', result_data = $2::jsonb, completed_at = $3, error_message = NULL
		WHERE id = $1 AND status = 'processing'`,
		id, resultJSON, at,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PostgresStore) Retry(ctx context.Context, id string, retryCount int, next time.Time, errMsg string) error {
	tracing.AddSpanEvent(ctx, "db.retry_task")
	tag, err := s.pool.Exec(ctx, `
		UPDATE outreach.tasks
		SET status = 'pending', retry_count = $2, scheduled_at = $3, error_message = $4, started_at = NULL
		WHERE id = $1 AND status = 'processing' AND $2 <= max_retries`,
		id, retryCount, next, errMsg,
	)
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, retryCount int, errMsg string, at time.Time) error {
	tracing.AddSpanEvent(ctx, "db.fail_task")
	tag, err := s.pool.Exec(ctx, `
		UPDATE outreach.tasks
		SET status = 'failed', retry_count = LEAST($2, max_retries), error_message = $3, completed_at = $4
		WHERE id = $1 AND status = 'processing'`,
		id, retryCount, errMsg, at,
	)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (task.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM outreach.tasks WHERE id = $1`, id)
	if err != nil {
		return task.Task{}, fmt.Errorf("get task: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return task.Task{}, fmt.Errorf("get task: %w", err)
	}
	if len(tasks) == 0 {
		return task.Task{}, ErrNotFound
	}
	return tasks[0], nil
}

func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM outreach.tasks
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM outreach.tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[task.Status(status)] = n
	}
	return counts, rows.Err()
}

func collectTasks(rows pgx.Rows) ([]task.Task, error) {
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		var (
			t          task.Task
			typ        string
			status     string
			payload    []byte
			result     []byte
			errMessage *string
		)
		if err := rows.Scan(&t.ID, &typ, &payload, &status, &t.Priority, &t.RetryCount, &t.MaxRetries,
			&t.ScheduledAt, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &errMessage, &result); err != nil {
			return nil, err
		}
		t.Type = task.Type(typ)
		t.Status = task.Status(status)
		if errMessage != nil {
			t.ErrorMessage = *errMessage
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", t.ID, err)
			}
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &t.ResultData); err != nil {
				return nil, fmt.Errorf("decode result of %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}
