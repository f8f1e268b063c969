// Package sequencer runs the cold email cycle: it gates on engine state and
// sending health, works out how many emails this cycle may send, selects due
// prospects and hands each one to the send executor.
package sequencer

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/outreach/internal/kv"
	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/metrics"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/reputation"
	"github.com/austindbirch/outreach/internal/sender"
	"github.com/austindbirch/outreach/internal/task"
	"github.com/austindbirch/outreach/internal/timing"
	"github.com/austindbirch/outreach/internal/tracing"
)

// Executor performs one send
type Executor interface {
	Execute(ctx context.Context, req sender.Request) sender.Outcome
}

// Enqueuer schedules deferred sends
type Enqueuer interface {
	EnqueueAt(ctx context.Context, p task.Payload, priority int, at time.Time) (string, error)
}

// Gates that can stop a cycle
const (
	GateInactive          = "inactive"
	GatePaused            = "paused"
	GateOutsideWindow     = "outside_window"
	GateSenderUnset       = "sender_unconfigured"
	GateReputationError   = "reputation_unavailable"
	GateReputationPaused  = "reputation_paused"
	GateDailyLimitReached = "daily_limit"
	GateCircuitOpen       = "circuit_open"
)

// Metric source labels
const (
	SourceCampaign = "campaign"
	SourceUnbound  = "unbound"
)

// Identity is the configured sender; cycles stop when it is incomplete
type Identity struct {
	FromAddress   string
	PostalAddress string
	Domain        string
}

type Config struct {
	JitterMin        time.Duration
	JitterMax        time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
	MaxUnboundSteps  int // used when the engine config leaves it at zero
	SmartTiming      bool
}

// Report summarizes one cycle
type Report struct {
	Gate     string // non-empty when the cycle stopped at a gate
	Limit    int    // warmup-adjusted daily limit
	Cap      int    // sends allowed this cycle
	Sent     int
	Deferred int
	Skipped  int
	Failed   int
	Tripped  bool
}

type Sequencer struct {
	store      outreach.Store
	executor   Executor
	queue      Enqueuer
	kv         kv.Store
	warmup     *Warmup
	breaker    *Breaker
	reputation reputation.Checker
	advisor    timing.Advisor
	identity   Identity
	cfg        Config
	logger     *logging.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	rand       *rand.Rand
}

type Option func(*Sequencer)

func WithAdvisor(a timing.Advisor) Option { return func(s *Sequencer) { s.advisor = a } }

func WithLogger(l *logging.Logger) Option { return func(s *Sequencer) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Sequencer) { s.now = now } }

// WithSleep replaces the jitter sleep
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sequencer) { s.sleep = sleep }
}

func WithRand(r *rand.Rand) Option { return func(s *Sequencer) { s.rand = r } }

func New(store outreach.Store, executor Executor, queue Enqueuer, kvs kv.Store, rep reputation.Checker,
	identity Identity, cfg Config, opts ...Option) *Sequencer {
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = 3
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	s := &Sequencer{
		store:      store,
		executor:   executor,
		queue:      queue,
		kv:         kvs,
		reputation: rep,
		identity:   identity,
		cfg:        cfg,
		logger:     logging.New("sequencer"),
		now:        time.Now,
		sleep:      sleepCtx,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.warmup = NewWarmup(kvs, s.now)
	s.breaker = NewBreaker(kvs, cfg.CircuitCooldown)
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Breaker exposes the circuit breaker for inspection
func (s *Sequencer) Breaker() *Breaker {
	return s.breaker
}

type candidate struct {
	prospect   outreach.Prospect
	campaignID string
	step       int
	templateID string
}

// Cycle runs one sequencing pass against a fresh config snapshot
func (s *Sequencer) Cycle(ctx context.Context) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, "sequencer.cycle")
	defer span.End()

	var r Report
	cfg, err := s.store.LoadEngineConfig(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return r, fmt.Errorf("load engine config: %w", err)
	}
	now := s.now()
	log := s.logger.WithContext(ctx).WithWorker(outreach.RoleSequencer)

	gate := func(name string) (Report, error) {
		r.Gate = name
		metrics.RecordCycleGate(name)
		span.SetAttributes(attribute.String("gate", name))
		log.WithField("gate", name).Debug("Cycle gated")
		return r, nil
	}

	if !cfg.Active {
		return gate(GateInactive)
	}
	if cfg.SequencerPaused {
		return gate(GatePaused)
	}
	if !InSendWindow(now, cfg.Window) {
		return gate(GateOutsideWindow)
	}
	if s.identity.FromAddress == "" || s.identity.PostalAddress == "" {
		return gate(GateSenderUnset)
	}
	health, err := s.reputation.Check(ctx, s.identity.Domain)
	if err != nil {
		log.WithError(err).Warn("Reputation check failed")
		return gate(GateReputationError)
	}
	if health == reputation.StatusPaused {
		return gate(GateReputationPaused)
	}

	limit := s.warmup.DailyLimit(ctx, s.identity.Domain, cfg.DailyEmailLimit)
	if health == reputation.StatusThrottled {
		limit = max(1, limit/2)
	}
	r.Limit = limit

	dayStart := DayStart(now, cfg.Window)
	sentToday, err := s.store.CountSentSince(ctx, dayStart, "")
	if err != nil {
		return r, fmt.Errorf("count sent today: %w", err)
	}
	r.Cap = CycleCap(sentToday, limit, now, WindowEnd(now, cfg.Window))
	if r.Cap == 0 {
		return gate(GateDailyLimitReached)
	}

	budget := r.Cap
	if s.breaker.Open(ctx) {
		return gate(GateCircuitOpen)
	}

	campaigns, err := s.store.ActiveCampaigns(ctx)
	if err != nil {
		return r, fmt.Errorf("active campaigns: %w", err)
	}
	for _, c := range campaigns {
		if budget <= 0 || ctx.Err() != nil {
			break
		}
		batch, err := s.campaignBatch(ctx, c, now, dayStart, budget)
		if err != nil {
			log.WithCampaign(c.ID).WithError(err).Error("Campaign selection failed")
			continue
		}
		budget -= s.sendBatch(ctx, cfg, batch, SourceCampaign, false, &r)
	}

	if budget > 0 && ctx.Err() == nil {
		batch, err := s.unboundBatch(ctx, cfg, now, budget)
		if err != nil {
			return r, fmt.Errorf("unbound selection: %w", err)
		}
		s.sendBatch(ctx, cfg, batch, SourceUnbound, true, &r)
	}

	log.WithFields(map[string]any{
		"limit": r.Limit, "cap": r.Cap, "sent": r.Sent,
		"deferred": r.Deferred, "skipped": r.Skipped, "failed": r.Failed,
	}).Info("Cycle complete")
	return r, nil
}

// campaignBatch selects up to budget prospects across the campaign's steps,
// bounded by what is left of the campaign's own daily limit.
func (s *Sequencer) campaignBatch(ctx context.Context, c outreach.Campaign, now, dayStart time.Time,
	budget int) ([]candidate, error) {
	allowance := budget
	if c.DailyLimit > 0 {
		sent, err := s.store.CountSentSince(ctx, dayStart, c.ID)
		if err != nil {
			return nil, err
		}
		allowance = min(budget, c.DailyLimit-sent)
	}
	if allowance <= 0 {
		return nil, nil
	}

	steps := append([]outreach.Step(nil), c.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Step < steps[j].Step })

	var batch []candidate
	seen := make(map[string]bool)
	for _, st := range steps {
		if len(batch) >= allowance {
			break
		}
		due, err := s.store.SelectDue(ctx, outreach.ProspectQuery{
			CampaignID: c.ID,
			PrevStep:   st.Step - 1,
			DelayHours: st.DelayHours,
			Now:        now,
			Limit:      allowance - len(batch),
		})
		if err != nil {
			return nil, err
		}
		for _, p := range due {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			batch = append(batch, candidate{prospect: p, campaignID: c.ID, step: st.Step, templateID: st.TemplateID})
		}
	}
	if len(batch) > allowance {
		batch = batch[:allowance]
	}
	return batch, nil
}

// unboundBatch selects prospects outside any campaign: first emails, then
// follow-ups after the global sequence delay.
func (s *Sequencer) unboundBatch(ctx context.Context, cfg outreach.EngineConfig, now time.Time, budget int) ([]candidate, error) {
	maxSteps := cfg.MaxSequenceSteps
	if maxSteps <= 0 {
		maxSteps = s.cfg.MaxUnboundSteps
	}
	var batch []candidate
	seen := make(map[string]bool)
	for prev := 0; prev < maxSteps && len(batch) < budget; prev++ {
		due, err := s.store.SelectDue(ctx, outreach.ProspectQuery{
			PrevStep:   prev,
			DelayHours: cfg.SequenceDelayHours,
			Now:        now,
			Limit:      budget - len(batch),
		})
		if err != nil {
			return nil, err
		}
		for _, p := range due {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			batch = append(batch, candidate{prospect: p, step: prev + 1})
		}
	}
	if len(batch) > budget {
		batch = batch[:budget]
	}
	return batch, nil
}

// sendBatch works through a batch in order and returns how many were sent.
// With breaker set, consecutive failures reaching the threshold abort the
// batch and trip the shared circuit.
func (s *Sequencer) sendBatch(ctx context.Context, cfg outreach.EngineConfig, batch []candidate, source string,
	breaker bool, r *Report) int {
	sent, failures := 0, 0
	loc := Location(cfg.Window.Timezone)
	for i, c := range batch {
		p := c.prospect
		if !p.Sendable() {
			r.Skipped++
			continue
		}
		if until, ok := s.bestTime(ctx, p, cfg, loc); ok && s.deferTo(ctx, c, until) {
			r.Deferred++
			continue
		}

		out := s.executor.Execute(ctx, sender.Request{
			Prospect:   p,
			CampaignID: c.campaignID,
			Step:       c.step,
			TemplateID: c.templateID,
			Source:     source,
			Location:   loc,
		})
		switch out.Kind {
		case sender.KindSent:
			sent++
			r.Sent++
			failures = 0
		case sender.KindSkipped:
			r.Skipped++
		case sender.KindDeferred:
			r.Deferred++
		case sender.KindFailed:
			r.Failed++
			failures++
			s.logger.WithContext(ctx).WithProspect(p.ID).WithCampaign(c.campaignID).WithError(out.Err).Warn("Send failed")
			if breaker && failures >= s.cfg.CircuitThreshold {
				s.trip(ctx, r)
				return sent
			}
		}

		if i < len(batch)-1 {
			if err := s.sleep(ctx, s.jitter()); err != nil {
				return sent
			}
		}
	}
	return sent
}

func (s *Sequencer) trip(ctx context.Context, r *Report) {
	r.Tripped = true
	metrics.RecordCircuitTrip()
	log := s.logger.WithContext(ctx).WithWorker(outreach.RoleSequencer)
	if err := s.breaker.Trip(ctx, s.now()); err != nil {
		log.WithError(err).Error("Failed to persist circuit breaker")
		return
	}
	log.WithField("failures", s.cfg.CircuitThreshold).Warn("Generation circuit breaker tripped")
}

func (s *Sequencer) jitter() time.Duration {
	span := s.cfg.JitterMax - s.cfg.JitterMin
	if span <= 0 {
		return s.cfg.JitterMin
	}
	return s.cfg.JitterMin + time.Duration(s.rand.Int63n(int64(span)))
}

// bestTime returns the learned best send time when it is a different hour
// within the next 24 hours and inside the window. Any lookup problem means
// send now.
func (s *Sequencer) bestTime(ctx context.Context, p outreach.Prospect, cfg outreach.EngineConfig, loc *time.Location) (time.Time, bool) {
	if !s.cfg.SmartTiming || s.advisor == nil {
		return time.Time{}, false
	}
	hour, ok, err := s.advisor.BestHour(ctx, p.Trade, p.Region())
	if err != nil || !ok {
		return time.Time{}, false
	}
	local := s.now().In(loc)
	if local.Hour() == hour {
		return time.Time{}, false
	}
	target := atHour(local, hour)
	if !target.After(local) {
		target = target.AddDate(0, 0, 1)
	}
	if target.Sub(local) > 24*time.Hour || !InSendWindow(target, cfg.Window) {
		return time.Time{}, false
	}
	return target, true
}

func deferredKey(prospectID string) string {
	return "deferred:" + prospectID
}

// deferTo enqueues a send at until. It reports false when the send should
// happen now instead.
func (s *Sequencer) deferTo(ctx context.Context, c candidate, until time.Time) bool {
	log := s.logger.WithContext(ctx).WithProspect(c.prospect.ID)
	ttl := until.Sub(s.now()) + time.Hour
	first, err := s.kv.SetNX(ctx, deferredKey(c.prospect.ID), until.UTC().Format(time.RFC3339), ttl)
	if err == nil && !first {
		// already waiting for an earlier deferral
		return true
	}
	if err != nil {
		log.WithError(err).Debug("Deferral marker unavailable")
	}

	_, err = s.queue.EnqueueAt(ctx, task.SendSequenceEmail{
		OutreachID: c.prospect.ID,
		CampaignID: c.campaignID,
		Step:       c.step,
		Reason:     "smart_timing",
	}, task.PriorityNormal, until)
	if err != nil {
		log.WithError(err).Warn("Deferral enqueue failed, sending now")
		_ = s.kv.Del(ctx, deferredKey(c.prospect.ID))
		return false
	}
	metrics.RecordDeferral("smart_timing")
	return true
}

// RunConfig controls the cycle loop
type RunConfig struct {
	Interval     time.Duration
	HeartbeatTTL time.Duration
}

// Run cycles every interval until ctx is done. The first cycle runs
// immediately.
func (s *Sequencer) Run(ctx context.Context, rc RunConfig) error {
	if rc.Interval <= 0 {
		return fmt.Errorf("sequencer interval must be positive")
	}
	ticker := time.NewTicker(rc.Interval)
	defer ticker.Stop()
	for {
		s.tick(ctx, rc)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sequencer) tick(ctx context.Context, rc RunConfig) {
	log := s.logger.WithContext(ctx).WithWorker(outreach.RoleSequencer)
	if rc.HeartbeatTTL > 0 {
		if err := kv.Beat(ctx, s.kv, outreach.RoleSequencer, s.now(), rc.HeartbeatTTL); err != nil {
			log.WithError(err).Warn("Heartbeat failed")
		}
	}
	if _, err := s.Cycle(ctx); err != nil {
		log.WithError(err).Error("Cycle failed")
	}
}
