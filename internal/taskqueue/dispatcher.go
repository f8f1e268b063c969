package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/metrics"
	"github.com/austindbirch/outreach/internal/task"
	"github.com/austindbirch/outreach/internal/tracing"
)

// Handler executes one task. The returned map is stored as result_data.
type Handler interface {
	Handle(ctx context.Context, t task.Task) (map[string]any, error)
}

type HandlerFunc func(ctx context.Context, t task.Task) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, t task.Task) (map[string]any, error) {
	return f(ctx, t)
}

// Dispatcher claims due tasks and turns handler results into task state. It
// is the only place where handler errors and panics become retries or
// failures.
type Dispatcher struct {
	store    Store
	handlers map[task.Type]Handler
	dlq      DeadLetterPublisher
	logger   *logging.Logger
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithDeadLetters(p DeadLetterPublisher) Option {
	return func(d *Dispatcher) { d.dlq = p }
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(store Store, handlers map[task.Type]Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		handlers: handlers,
		logger:   logging.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PollAndRun claims up to batchSize due tasks and executes them one after
// another. Claims are committed before any handler runs. It returns the
// number of tasks claimed.
func (d *Dispatcher) PollAndRun(ctx context.Context, batchSize int) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.poll", attribute.Int("batch_size", batchSize))
	defer span.End()

	tasks, err := d.store.ClaimDue(ctx, d.now().UTC(), batchSize)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, err
	}
	metrics.UpdateBatchSize(len(tasks))
	span.SetAttributes(attribute.Int("claimed", len(tasks)))

	for _, t := range tasks {
		d.execute(ctx, t)
	}
	return len(tasks), nil
}

func (d *Dispatcher) execute(ctx context.Context, t task.Task) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.execute",
		tracing.AttrTaskID.String(t.ID),
		tracing.AttrTaskType.String(string(t.Type)),
		tracing.AttrAttempt.Int(t.RetryCount+1),
	)
	defer span.End()
	log := d.logger.WithContext(ctx).WithTask(t.ID, string(t.Type))

	h, ok := d.handlers[t.Type]
	if !ok {
		log.Warn("no handler for task type, skipping")
		if err := d.store.Complete(ctx, t.ID, task.Skipped("unknown task type"), d.now().UTC()); err != nil {
			log.WithError(err).Error("mark skipped task completed failed")
		}
		metrics.RecordTask(string(t.Type), "skipped", 0)
		return
	}

	start := time.Now()
	result, err := invoke(ctx, h, t)
	elapsed := time.Since(start)

	if err == nil {
		tracing.AddSpanEvent(ctx, "task.completed")
		if cerr := d.store.Complete(ctx, t.ID, result, d.now().UTC()); cerr != nil {
			tracing.SetSpanError(ctx, cerr)
			log.WithError(cerr).Error("mark task completed failed")
		}
		metrics.RecordTask(string(t.Type), "completed", elapsed)
		log.WithField("elapsed_ms", elapsed.Milliseconds()).Debug("task completed")
		return
	}

	tracing.SetSpanError(ctx, err)
	status, _ := d.recordFailure(ctx, t, err.Error())
	metrics.RecordTask(string(t.Type), status, elapsed)
}

// recordFailure applies the retry policy to a failed attempt of t. It returns
// the resulting metric status and whether the row transition was stored.
func (d *Dispatcher) recordFailure(ctx context.Context, t task.Task, errMsg string) (string, bool) {
	log := d.logger.WithContext(ctx).WithTask(t.ID, string(t.Type))
	next := t.RetryCount + 1
	now := d.now().UTC()

	if next < t.MaxRetries {
		delay := task.Backoff(next)
		tracing.AddSpanEvent(ctx, "task.retry",
			attribute.Int("retry_count", next),
			attribute.String("delay", delay.String()),
		)
		if err := d.store.Retry(ctx, t.ID, next, now.Add(delay), errMsg); err != nil {
			log.WithError(err).Error("schedule retry failed")
			return "retry", false
		}
		log.WithFields(map[string]any{
			"retry_count": next,
			"delay":       delay.String(),
			"last_error":  errMsg,
		}).Warn("task failed, retry scheduled")
		return "retry", true
	}

	tracing.AddSpanEvent(ctx, "task.failed", attribute.Int("retry_count", next))
	if err := d.store.Fail(ctx, t.ID, next, errMsg, now); err != nil {
		log.WithError(err).Error("mark task failed failed")
		return "failed", false
	}
	log.WithFields(map[string]any{
		"retry_count": next,
		"last_error":  errMsg,
	}).Error("task failed, retries exhausted")

	if d.dlq != nil {
		t.Status = task.StatusFailed
		t.RetryCount = min(next, t.MaxRetries)
		t.ErrorMessage = errMsg
		t.CompletedAt = &now
		env := task.NewDeadLetter(t, errMsg, fmt.Sprintf("max retries reached (%d)", t.MaxRetries), tracing.InjectHeaders(ctx))
		if err := d.dlq.Publish(ctx, env); err != nil {
			tracing.SetSpanError(ctx, err)
			log.WithError(err).Error("dead letter publish failed")
		} else {
			tracing.AddSpanEvent(ctx, "task.dead_lettered")
			metrics.RecordDeadLetter()
		}
	}
	return "failed", true
}

func invoke(ctx context.Context, h Handler, t task.Task) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, t)
}

// RecoverStale treats processing rows older than lease as failed attempts:
// each goes back to pending with backoff, or to failed when out of retries.
func (d *Dispatcher) RecoverStale(ctx context.Context, lease time.Duration, limit int) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.recover_stale")
	defer span.End()

	stale, err := d.store.ListStale(ctx, d.now().UTC().Add(-lease), limit)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, err
	}
	recovered := 0
	for _, t := range stale {
		msg := fmt.Sprintf("lease expired after %s", lease)
		if _, ok := d.recordFailure(ctx, t, msg); ok {
			recovered++
		}
	}
	if recovered > 0 {
		metrics.RecordStaleRecovered(recovered)
		d.logger.WithContext(ctx).WithField("count", recovered).Warn("recovered stale processing tasks")
	}
	return recovered, nil
}

// RunConfig controls the polling loop
type RunConfig struct {
	BatchSize int
	Interval  time.Duration
	// Paused is consulted before each poll; an error counts as not paused.
	Paused func(ctx context.Context) (bool, error)
	// Beat runs once per tick regardless of pause state.
	Beat func(ctx context.Context) error
}

// Run polls until ctx is cancelled. A full batch triggers an immediate
// re-poll instead of waiting for the next tick.
func (d *Dispatcher) Run(ctx context.Context, cfg RunConfig) error {
	if cfg.Interval <= 0 {
		return errors.New("dispatcher interval must be positive")
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		full := d.tick(ctx, cfg)
		if full {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context, cfg RunConfig) bool {
	log := d.logger.Plain().WithWorker("dispatcher")
	if cfg.Beat != nil {
		if err := cfg.Beat(ctx); err != nil {
			log.WithError(err).Warn("heartbeat failed")
		}
	}
	if cfg.Paused != nil {
		paused, err := cfg.Paused(ctx)
		if err != nil {
			log.WithError(err).Warn("pause flag lookup failed")
		}
		if paused {
			log.Debug("dispatcher paused")
			return false
		}
	}
	n, err := d.PollAndRun(ctx, cfg.BatchSize)
	if err != nil {
		log.WithError(err).Error("poll failed")
		return false
	}
	return cfg.BatchSize > 0 && n == cfg.BatchSize
}
