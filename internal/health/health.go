package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/austindbirch/outreach/internal/kv"
)

// Pinger is satisfied by *pgxpool.Pool and *kv.Redis
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool              `json:"ok"`
	Message  string            `json:"message,omitempty"`
	Database bool              `json:"database"`
	KV       bool              `json:"kv"`
	Workers  map[string]string `json:"workers,omitempty"`
}

// Checker reports dependency health and the last heartbeat of each worker
// role. Missing heartbeats are reported but do not fail the check.
type Checker struct {
	DB      Pinger
	KV      Pinger
	Store   kv.Store
	Roles   []string
	Timeout time.Duration
}

func (c Checker) Check(ctx context.Context) Status {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st := Status{OK: true, Message: "ok", Database: true, KV: true}
	if c.DB != nil {
		if err := c.DB.Ping(ctx); err != nil {
			st.OK, st.Database, st.Message = false, false, "db ping failed"
		}
	}
	if c.KV != nil {
		if err := c.KV.Ping(ctx); err != nil {
			st.KV = false
			if st.OK {
				st.OK, st.Message = false, "kv ping failed"
			}
		}
	}
	if c.Store != nil && st.KV && len(c.Roles) > 0 {
		st.Workers = make(map[string]string, len(c.Roles))
		for _, role := range c.Roles {
			at, err := kv.LastBeat(ctx, c.Store, role)
			switch {
			case err == nil:
				st.Workers[role] = at.UTC().Format(time.RFC3339)
			case errors.Is(err, kv.ErrMiss):
				st.Workers[role] = "missing"
			default:
				st.Workers[role] = "unknown"
			}
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(c Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
