package sequencer

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/outreach/internal/kv"
)

type warmupBand struct {
	from, to int // inclusive day range; to < 0 means open ended
	limit    int // < 0 means the configured limit
}

var warmupBands = []warmupBand{
	{0, 3, 10},
	{4, 7, 20},
	{8, 14, 40},
	{15, 21, 75},
	{22, 28, 120},
	{29, -1, -1},
}

// WarmupLimit maps days since the first send to a daily cap, never above
// configured.
func WarmupLimit(days, configured int) int {
	if days < 0 {
		days = 0
	}
	for _, b := range warmupBands {
		if days < b.from || (b.to >= 0 && days > b.to) {
			continue
		}
		if b.limit < 0 {
			return configured
		}
		return min(configured, b.limit)
	}
	return configured
}

// Warmup tracks when each sending domain started sending
type Warmup struct {
	store kv.Store
	now   func() time.Time
}

func NewWarmup(store kv.Store, now func() time.Time) *Warmup {
	if now == nil {
		now = time.Now
	}
	return &Warmup{store: store, now: now}
}

func warmupKey(domain string) string {
	return "warmup:start:" + domain
}

// DailyLimit returns the warmup-adjusted limit for domain. The first call for
// a domain seeds its start date. When the store is unavailable the configured
// limit is returned.
func (w *Warmup) DailyLimit(ctx context.Context, domain string, configured int) int {
	now := w.now().UTC()
	v, err := w.store.Get(ctx, warmupKey(domain))
	if errors.Is(err, kv.ErrMiss) {
		if _, err := w.store.SetNX(ctx, warmupKey(domain), now.Format(time.RFC3339), 0); err != nil {
			return configured
		}
		return WarmupLimit(0, configured)
	}
	if err != nil {
		return configured
	}
	start, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return configured
	}
	days := int(now.Sub(start).Hours() / 24)
	return WarmupLimit(days, configured)
}

// SlotLength is the pacing granularity used to spread the daily quota
const SlotLength = 30 * time.Minute

// CycleCap spreads what is left of the daily limit over the remaining
// slots before windowEnd. It is 0 once the limit is reached.
func CycleCap(sentToday, dailyLimit int, now, windowEnd time.Time) int {
	if sentToday >= dailyLimit {
		return 0
	}
	remaining := dailyLimit - sentToday
	slots := int(windowEnd.Sub(now) / SlotLength)
	if slots < 1 {
		slots = 1
	}
	return max(1, remaining/slots)
}

// Breaker is the shared generation circuit breaker
type Breaker struct {
	store    kv.Store
	key      string
	cooldown time.Duration
}

const breakerKey = "circuit:generation"

func NewBreaker(store kv.Store, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = 2 * time.Hour
	}
	return &Breaker{store: store, key: breakerKey, cooldown: cooldown}
}

// Open reports whether the breaker is tripped. A store error reads as closed.
func (b *Breaker) Open(ctx context.Context) bool {
	_, err := b.store.Get(ctx, b.key)
	return err == nil
}

// OpenUntil reports whether the breaker is tripped and when it closes again.
// A store error reads as closed.
func (b *Breaker) OpenUntil(ctx context.Context, now time.Time) (time.Time, bool) {
	v, err := b.store.Get(ctx, b.key)
	if err != nil {
		return time.Time{}, false
	}
	tripped, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return now.Add(b.cooldown), true
	}
	return tripped.Add(b.cooldown), true
}

// Trip opens the breaker for the cooldown
func (b *Breaker) Trip(ctx context.Context, now time.Time) error {
	return b.store.Set(ctx, b.key, now.UTC().Format(time.RFC3339), b.cooldown)
}
