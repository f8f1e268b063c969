package kv

import (
	"context"
	"fmt"
	"time"
)

func heartbeatKey(role string) string {
	return "heartbeat:" + role
}

// Beat records that role is alive at now. The key expires after ttl so a dead
// worker disappears on its own.
func Beat(ctx context.Context, s Store, role string, now time.Time, ttl time.Duration) error {
	return s.Set(ctx, heartbeatKey(role), now.UTC().Format(time.RFC3339), ttl)
}

// LastBeat returns the last heartbeat of role, or ErrMiss when it expired.
func LastBeat(ctx context.Context, s Store, role string) (time.Time, error) {
	v, err := s.Get(ctx, heartbeatKey(role))
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat %s: %w", role, err)
	}
	return t, nil
}
