package task

import "time"

const DLQType = "task.dlq"

type DeadLetter struct {
	Type         string            `json:"type"`    // "task.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason       string            `json:"reason"`
	RetryCount   int               `json:"retry_count"`
	LastError    string            `json:"last_error,omitempty"`
	Task         Task              `json:"task"` // row snapshot at failure
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(t Task, lastErr, reason string, traceHeaders map[string]string) DeadLetter {
	return DeadLetter{
		Type:         DLQType,
		Version:      "v1",
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		Reason:       reason,
		RetryCount:   t.RetryCount,
		LastError:    lastErr,
		Task:         t,
		TraceHeaders: traceHeaders,
	}
}
