// Package handlers implements the dispatcher's task handlers. Each handler
// reloads the entities it touches before any side effect, since the state
// may have changed between enqueue and execution.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/outreach/internal/compliance"
	"github.com/austindbirch/outreach/internal/content"
	"github.com/austindbirch/outreach/internal/discovery"
	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/reputation"
	"github.com/austindbirch/outreach/internal/sequencer"
	"github.com/austindbirch/outreach/internal/task"
	"github.com/austindbirch/outreach/internal/taskqueue"
	"github.com/austindbirch/outreach/internal/timing"
	"github.com/austindbirch/outreach/internal/tracing"
	"github.com/austindbirch/outreach/internal/transport"
)

// ErrNotConfigured is returned when a task needs a collaborator the process
// was started without.
var ErrNotConfigured = errors.New("collaborator not configured")

// Enqueuer schedules follow-up tasks
type Enqueuer interface {
	EnqueueAt(ctx context.Context, p task.Payload, priority int, at time.Time) (string, error)
}

type Handlers struct {
	store       outreach.Store
	queue       Enqueuer
	finder      discovery.Finder
	signals     timing.Recorder
	reputation  reputation.Recorder
	health      reputation.Checker
	identity    sequencer.Identity
	classifier  content.Classifier
	gate        compliance.Gate
	sms         transport.SMSSender
	smsTemplate string
	from        content.Sender
	executor    sequencer.Executor
	warmup      *sequencer.Warmup
	breaker     *sequencer.Breaker
	logger      *logging.Logger
	now         func() time.Time
}

type Option func(*Handlers)

func WithFinder(f discovery.Finder) Option { return func(h *Handlers) { h.finder = f } }

func WithSignals(r timing.Recorder) Option { return func(h *Handlers) { h.signals = r } }

// WithIdentity sets the sender identity. Its domain keys reputation and
// warmup, and deferred sends stop while it is incomplete.
func WithIdentity(id sequencer.Identity) Option { return func(h *Handlers) { h.identity = id } }

// WithReputation feeds bounce and complaint signals into the domain score
func WithReputation(r reputation.Recorder) Option { return func(h *Handlers) { h.reputation = r } }

// WithReputationCheck gates deferred sends on the domain score
func WithReputationCheck(c reputation.Checker) Option { return func(h *Handlers) { h.health = c } }

func WithClassifier(c content.Classifier) Option { return func(h *Handlers) { h.classifier = c } }

// WithSMS enables text follow-ups. template may use the email placeholders.
func WithSMS(gate compliance.Gate, s transport.SMSSender, template string, from content.Sender) Option {
	return func(h *Handlers) {
		h.gate, h.sms, h.smsTemplate, h.from = gate, s, template, from
	}
}

func WithExecutor(e sequencer.Executor) Option { return func(h *Handlers) { h.executor = e } }

// WithWarmup applies the domain warmup to the daily limit re-check
func WithWarmup(w *sequencer.Warmup) Option { return func(h *Handlers) { h.warmup = w } }

// WithBreaker holds deferred sends while the generation circuit is open
func WithBreaker(b *sequencer.Breaker) Option { return func(h *Handlers) { h.breaker = b } }

func WithLogger(l *logging.Logger) Option { return func(h *Handlers) { h.logger = l } }

func WithClock(now func() time.Time) Option { return func(h *Handlers) { h.now = now } }

func New(store outreach.Store, queue Enqueuer, opts ...Option) *Handlers {
	h := &Handlers{
		store:  store,
		queue:  queue,
		logger: logging.New("handlers"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Map returns the dispatcher routing table
func (h *Handlers) Map() map[task.Type]taskqueue.Handler {
	return map[task.Type]taskqueue.Handler{
		task.TypeEnrichEmail:       taskqueue.HandlerFunc(h.EnrichEmail),
		task.TypeRecordSignal:      taskqueue.HandlerFunc(h.RecordSignal),
		task.TypeClassifyReply:     taskqueue.HandlerFunc(h.ClassifyReply),
		task.TypeSendSMSFollowup:   taskqueue.HandlerFunc(h.SendSMSFollowup),
		task.TypeSendSequenceEmail: taskqueue.HandlerFunc(h.SendSequenceEmail),
	}
}

func skipped(reason string) map[string]any {
	return task.Skipped(reason)
}

func deferred(reason string, until time.Time) map[string]any {
	return map[string]any{"status": "deferred", "reason": reason, "until": until.UTC().Format(time.RFC3339)}
}

// prospect loads id; a missing prospect yields a skip result rather than an
// error so the task is not retried.
func (h *Handlers) prospect(ctx context.Context, id string) (outreach.Prospect, map[string]any, error) {
	p, err := h.store.GetProspect(ctx, id)
	if errors.Is(err, outreach.ErrNotFound) {
		return p, skipped("prospect not found"), nil
	}
	if err != nil {
		return p, nil, fmt.Errorf("load prospect: %w", err)
	}
	return p, nil, nil
}

// EnrichEmail runs one discovery pass and stores a usable address
func (h *Handlers) EnrichEmail(ctx context.Context, t task.Task) (map[string]any, error) {
	decoded, err := task.Decode(t.Type, t.Payload)
	if err != nil {
		return nil, err
	}
	req := decoded.(task.EnrichEmail)
	if h.finder == nil {
		return nil, fmt.Errorf("email discovery: %w", ErrNotConfigured)
	}

	q := discovery.Query{Website: req.Website, CompanyName: req.CompanyName}
	var p outreach.Prospect
	if req.ProspectID != "" {
		var res map[string]any
		p, res, err = h.prospect(ctx, req.ProspectID)
		if err != nil || res != nil {
			return res, err
		}
		if p.Email != "" && !p.NeedsDiscovery() {
			return skipped("email already known"), nil
		}
		q.FirstName = p.FirstName
	}

	found, err := h.finder.Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("discover email: %w", err)
	}
	if !found.Usable() {
		return map[string]any{"status": "not_found", "source": string(found.Source)}, nil
	}
	if p.ID != "" {
		tracing.AddSpanEvent(ctx, "db.update_email")
		if err := h.store.UpdateEmail(ctx, p.ID, found.Email, outreach.SourceDiscovered, found.Verified); err != nil {
			return nil, fmt.Errorf("update email: %w", err)
		}
	}
	return map[string]any{"status": "found", "email": found.Email, "verified": found.Verified}, nil
}

// RecordSignal stores a learning signal. Bounces and complaints also lower
// the sending domain's reputation.
func (h *Handlers) RecordSignal(ctx context.Context, t task.Task) (map[string]any, error) {
	decoded, err := task.Decode(t.Type, t.Payload)
	if err != nil {
		return nil, err
	}
	req := decoded.(task.RecordSignal)
	if h.signals == nil {
		return nil, fmt.Errorf("signal store: %w", ErrNotConfigured)
	}

	sig := timing.Signal{
		Type:       req.SignalType,
		OutreachID: req.OutreachID,
		Dimensions: req.Dimensions,
		Value:      req.Value,
	}
	if err := h.signals.Record(ctx, sig); err != nil {
		return nil, fmt.Errorf("record signal: %w", err)
	}

	res := map[string]any{"recorded": true, "signal_type": req.SignalType}
	switch reputation.Signal(req.SignalType) {
	case reputation.SignalBounced, reputation.SignalComplaint:
		if h.reputation == nil || h.identity.Domain == "" {
			break
		}
		// The learning signal is already stored; a retry would duplicate it.
		if err := h.reputation.Record(ctx, h.identity.Domain, reputation.Signal(req.SignalType)); err != nil {
			h.logger.WithContext(ctx).WithProspect(req.OutreachID).WithError(err).Warn("Reputation update failed")
			break
		}
		res["reputation_updated"] = true
	}
	return res, nil
}

// ClassifyReply labels an inbound reply. An unsubscribe request flags the
// prospect.
func (h *Handlers) ClassifyReply(ctx context.Context, t task.Task) (map[string]any, error) {
	decoded, err := task.Decode(t.Type, t.Payload)
	if err != nil {
		return nil, err
	}
	req := decoded.(task.ClassifyReply)
	if h.classifier == nil {
		return nil, fmt.Errorf("reply classifier: %w", ErrNotConfigured)
	}

	c, err := h.classifier.Classify(ctx, req.Text)
	if err != nil {
		return nil, fmt.Errorf("classify reply: %w", err)
	}
	res := map[string]any{"label": c.Label, "confidence": c.Confidence}
	if req.OutreachID == "" {
		return res, nil
	}

	log := h.logger.WithContext(ctx).WithProspect(req.OutreachID)
	if c.CostUSD > 0 {
		if err := h.store.AddCost(ctx, req.OutreachID, c.CostUSD); err != nil {
			log.WithError(err).Warn("Failed to record classification cost")
		}
	}
	if c.Label == content.LabelUnsubscribe {
		if err := h.store.MarkUnsubscribed(ctx, req.OutreachID); err != nil && !errors.Is(err, outreach.ErrNotFound) {
			return nil, fmt.Errorf("mark unsubscribed: %w", err)
		}
		res["unsubscribed"] = true
		log.Info("Prospect unsubscribed by reply")
	}
	return res, nil
}
