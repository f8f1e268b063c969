package task

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Type names a task handler. The set is closed; anything else is rejected at
// enqueue time.
type Type string

const (
	TypeEnrichEmail       Type = "enrich_email"
	TypeRecordSignal      Type = "record_signal"
	TypeClassifyReply     Type = "classify_reply"
	TypeSendSMSFollowup   Type = "send_sms_followup"
	TypeSendSequenceEmail Type = "send_sequence_email"
)

// Types lists every known task type in a stable order.
var Types = []Type{
	TypeEnrichEmail,
	TypeRecordSignal,
	TypeClassifyReply,
	TypeSendSMSFollowup,
	TypeSendSequenceEmail,
}

func (t Type) Known() bool {
	_, ok := requiredFields[t]
	return ok
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priorities used by producers. Higher runs first.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

const DefaultMaxRetries = 3

// BackoffBase is the delay before the first retry. Each later retry waits four
// times longer than the previous one.
const BackoffBase = 30 * time.Second

var (
	ErrUnknownType  = errors.New("unknown task type")
	ErrMissingField = errors.New("missing required payload field")
)

// Task is one row of the task queue
type Task struct {
	ID           string         `json:"id"`
	Type         Type           `json:"task_type"`
	Payload      map[string]any `json:"payload"`
	Status       Status         `json:"status"`
	Priority     int            `json:"priority"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ResultData   map[string]any `json:"result_data,omitempty"`
}

var requiredFields = map[Type][]string{
	TypeEnrichEmail:       {"website", "company_name"},
	TypeRecordSignal:      {"signal_type", "dimensions", "value", "outreach_id"},
	TypeClassifyReply:     {"text"},
	TypeSendSMSFollowup:   {"outreach_id"},
	TypeSendSequenceEmail: {"outreach_id"},
}

// RequiredFields returns the payload keys a task of type t must carry.
func RequiredFields(t Type) []string {
	return append([]string(nil), requiredFields[t]...)
}

// Validate checks payload against the schema of t. A key holding nil counts as
// missing.
func Validate(t Type, payload map[string]any) error {
	fields, ok := requiredFields[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	for _, f := range fields {
		if v, ok := payload[f]; !ok || v == nil {
			return fmt.Errorf("%w: %s requires %q", ErrMissingField, t, f)
		}
	}
	return nil
}

// Backoff returns the wait before retry k (1-based): 30s, 2m, 8m, 32m, ...
func Backoff(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	mult := math.Pow(4, float64(k-1))
	d := float64(BackoffBase) * mult
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Skipped is the result recorded for tasks whose type has no handler.
func Skipped(reason string) map[string]any {
	return map[string]any{"status": "skipped", "reason": reason}
}
