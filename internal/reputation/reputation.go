// Package reputation keeps a running deliverability score per sending domain
// in the shared KV store. Bounces and complaints lower the score, accepted
// sends slowly raise it back.
//
// The stored value is the deficit below MaxScore in hundredths of a point,
// so every writer changes it with one atomic increment.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/austindbirch/outreach/internal/kv"
)

type Status string

const (
	StatusAllowed   Status = "allowed"
	StatusThrottled Status = "throttled"
	StatusPaused    Status = "paused"
)

type Signal string

const (
	SignalSent      Signal = "sent"
	SignalBounced   Signal = "bounced"
	SignalComplaint Signal = "complained"
)

const (
	MaxScore          = 100.0
	ThrottleThreshold = 80.0
	PauseThreshold    = 50.0
)

// deficit change per signal, in hundredths of a point
var deltas = map[Signal]int64{
	SignalSent:      -10,
	SignalBounced:   200,
	SignalComplaint: 1000,
}

const maxDeficit = int64(MaxScore * 100)

// Checker is what the sequencer consults before a cycle
type Checker interface {
	Check(ctx context.Context, domain string) (Status, error)
}

// Recorder is what the send path reports to after a send
type Recorder interface {
	Record(ctx context.Context, domain string, sig Signal) error
}

// Service implements Checker and Recorder on a KV store
type Service struct {
	store kv.Store
	// ttl lets an idle domain recover to a clean score
	ttl time.Duration
}

func NewService(store kv.Store) *Service {
	return &Service{store: store, ttl: 30 * 24 * time.Hour}
}

func key(domain string) string {
	return "reputation:" + domain
}

// Score returns the stored score for domain. A domain with no history scores
// MaxScore.
func (s *Service) Score(ctx context.Context, domain string) (float64, error) {
	v, err := s.store.Get(ctx, key(domain))
	if errors.Is(err, kv.ErrMiss) {
		return MaxScore, nil
	}
	if err != nil {
		return 0, err
	}
	deficit, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("reputation %s: %w", domain, err)
	}
	return toScore(deficit), nil
}

func (s *Service) Check(ctx context.Context, domain string) (Status, error) {
	score, err := s.Score(ctx, domain)
	if err != nil {
		return "", err
	}
	return Classify(score), nil
}

func (s *Service) Record(ctx context.Context, domain string, sig Signal) error {
	delta, ok := deltas[sig]
	if !ok {
		return fmt.Errorf("unknown reputation signal %q", sig)
	}
	_, err := s.store.IncrBy(ctx, key(domain), delta, 0, maxDeficit, s.ttl)
	return err
}

// Classify maps a score to a sending status
func Classify(score float64) Status {
	switch {
	case score < PauseThreshold:
		return StatusPaused
	case score < ThrottleThreshold:
		return StatusThrottled
	default:
		return StatusAllowed
	}
}

func toScore(deficit int64) float64 {
	deficit = min(max(deficit, 0), maxDeficit)
	return float64(maxDeficit-deficit) / 100
}
