// Package api is the producer HTTP surface: task enqueue and lookup, and the
// inbound email event webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/outreach/internal/health"
	"github.com/austindbirch/outreach/internal/kv"
	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/task"
	"github.com/austindbirch/outreach/internal/taskqueue"
	"github.com/austindbirch/outreach/internal/tracing"
)

// Queue is the producer side of the task store
type Queue interface {
	Enqueue(ctx context.Context, typ task.Type, payload map[string]any, priority int, delay time.Duration) (string, error)
	EnqueuePayload(ctx context.Context, p task.Payload, priority int, delay time.Duration) (string, error)
	Get(ctx context.Context, id string) (task.Task, error)
}

// WebhookDedupTTL bounds how long a provider event id is remembered
const WebhookDedupTTL = 24 * time.Hour

// MaxDelay is the furthest ahead a task may be scheduled
const MaxDelay = 365 * 24 * time.Hour

type Server struct {
	queue   Queue
	store   outreach.Store
	dedup   *kv.Deduper
	health  health.Checker
	metrics http.Handler
	logger  *logging.Logger
	now     func() time.Time
}

type Option func(*Server)

func WithHealth(c health.Checker) Option { return func(s *Server) { s.health = c } }

func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func WithLogger(l *logging.Logger) Option { return func(s *Server) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// New builds the server. kvs holds the webhook dedup markers.
func New(queue Queue, store outreach.Store, kvs kv.Store, opts ...Option) *Server {
	s := &Server{
		queue:   queue,
		store:   store,
		dedup:   kv.NewDeduper(kvs, "webhook:", WebhookDedupTTL),
		metrics: promhttp.Handler(),
		logger:  logging.New("api"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.HTTPHandler(s.health))
	r.Method(http.MethodGet, "/metrics", s.metrics)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{task_id}", s.getTask)
		r.Post("/webhooks/email-events", s.emailEvent)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type CreateTaskRequest struct {
	TaskType     string         `json:"task_type"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	DelaySeconds int            `json:"delay_seconds"`
}

type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.create_task")
	defer span.End()

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.DelaySeconds > int(MaxDelay/time.Second) {
		writeError(w, http.StatusBadRequest, "delay_seconds exceeds one year")
		return
	}
	typ := task.Type(req.TaskType)
	id, err := s.queue.Enqueue(ctx, typ, req.Payload, req.Priority, time.Duration(req.DelaySeconds)*time.Second)
	switch {
	case errors.Is(err, task.ErrUnknownType), errors.Is(err, task.ErrMissingField):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithError(err).WithField("task_type", req.TaskType).Error("Enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusAccepted, CreateTaskResponse{TaskID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	t, err := s.queue.Get(r.Context(), id)
	switch {
	case errors.Is(err, taskqueue.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return
	case err != nil:
		s.logger.WithContext(r.Context()).WithError(err).WithField("task_id", id).Error("Task lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
