package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Deduper remembers provider event ids for a bounded time so retried
// webhook deliveries are processed once.
type Deduper struct {
	store  Store
	prefix string
	ttl    time.Duration
}

func NewDeduper(s Store, prefix string, ttl time.Duration) *Deduper {
	return &Deduper{store: s, prefix: prefix, ttl: ttl}
}

// Key returns the marker key for eventID
func (d *Deduper) Key(eventID string) string {
	sum := sha256.Sum256([]byte(eventID))
	return d.prefix + hex.EncodeToString(sum[:])
}

// FirstSeen marks eventID and reports whether this is its first delivery.
func (d *Deduper) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	return d.store.SetNX(ctx, d.Key(eventID), "1", d.ttl)
}

// Forget drops the marker so a failed event can be redelivered
func (d *Deduper) Forget(ctx context.Context, eventID string) error {
	return d.store.Del(ctx, d.Key(eventID))
}
