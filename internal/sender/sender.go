// Package sender executes a single outreach email: address resolution,
// content, threading, the transport call and the state update that follows a
// successful send.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/outreach/internal/content"
	"github.com/austindbirch/outreach/internal/discovery"
	"github.com/austindbirch/outreach/internal/kv"
	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/metrics"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/reputation"
	"github.com/austindbirch/outreach/internal/timing"
	"github.com/austindbirch/outreach/internal/tracing"
	"github.com/austindbirch/outreach/internal/transport"
)

// ErrGeneration wraps content generation failures
var ErrGeneration = errors.New("content generation failed")

// Request is one prospect and the step number about to be sent
type Request struct {
	Prospect   outreach.Prospect
	CampaignID string
	Step       int
	TemplateID string
	// Source labels metrics: campaign, unbound or deferred
	Source string
	// Location is the send window timezone used for the hour signal
	Location *time.Location
}

// SignalRecorder receives learning signals after a send
type SignalRecorder interface {
	Record(ctx context.Context, s timing.Signal) error
}

type Executor struct {
	store      outreach.Store
	email      transport.EmailSender
	finder     discovery.Finder
	generator  content.Generator
	reputation reputation.Recorder
	signals    SignalRecorder
	markers    kv.Store
	from       content.Sender
	domain     string
	logger     *logging.Logger
	now        func() time.Time
}

type Option func(*Executor)

func WithFinder(f discovery.Finder) Option { return func(e *Executor) { e.finder = f } }

func WithGenerator(g content.Generator) Option { return func(e *Executor) { e.generator = g } }

func WithReputation(r reputation.Recorder) Option { return func(e *Executor) { e.reputation = r } }

func WithSignals(s SignalRecorder) Option { return func(e *Executor) { e.signals = s } }

// WithSendMarkers records each prospect step handed to the transport so the
// step is never emailed twice, even when the row update after the send fails.
func WithSendMarkers(s kv.Store) Option { return func(e *Executor) { e.markers = s } }

// WithIdentity sets the footer identity and the domain reputation is tracked under
func WithIdentity(from content.Sender, domain string) Option {
	return func(e *Executor) { e.from, e.domain = from, domain }
}

func WithLogger(l *logging.Logger) Option { return func(e *Executor) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

func NewExecutor(store outreach.Store, email transport.EmailSender, opts ...Option) *Executor {
	e := &Executor{
		store:  store,
		email:  email,
		logger: logging.New("sender"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one send. Prospect counters change only after the transport
// accepted the message.
func (e *Executor) Execute(ctx context.Context, req Request) Outcome {
	ctx, span := tracing.StartSpan(ctx, "sender.execute",
		tracing.AttrProspectID.String(req.Prospect.ID),
		tracing.AttrCampaignID.String(req.CampaignID),
		tracing.AttrStep.Int(req.Step),
	)
	defer span.End()

	out := e.execute(ctx, req)
	if out.Kind == KindFailed {
		tracing.SetSpanError(ctx, out.Err)
	}
	source := req.Source
	if source == "" {
		source = "unknown"
	}
	metrics.RecordSend(source, out.Kind.String())
	return out
}

func (e *Executor) execute(ctx context.Context, req Request) Outcome {
	p := req.Prospect
	log := e.logger.WithContext(ctx).WithProspect(p.ID).WithCampaign(req.CampaignID)

	if !p.Sendable() {
		return Skipped(ReasonNotSendable)
	}

	p, out, ok := e.resolveAddress(ctx, p)
	if !ok {
		return out
	}

	claimed, err := e.claimStep(ctx, p.ID, req.Step)
	if err != nil {
		log.WithError(err).Warn("Send marker unavailable")
	}
	if !claimed && err == nil {
		log.WithField("step", req.Step).Error("Step already handed to the transport, skipping")
		return Skipped(ReasonAlreadySent)
	}
	accepted := false
	defer func() {
		if claimed && !accepted {
			e.releaseStep(ctx, p.ID, req.Step)
		}
	}()

	var prev *outreach.OutboundEmail
	latest, err := e.store.LatestOutbound(ctx, p.ID)
	switch {
	case err == nil:
		prev = &latest
	case !errors.Is(err, outreach.ErrNotFound):
		return Failed(fmt.Errorf("latest outbound: %w", err))
	}

	msg, err := e.compose(ctx, p, req, prev)
	if err != nil {
		return Failed(err)
	}
	msg = content.WithFooter(msg, e.from)

	email := transport.Email{To: p.Email, Subject: msg.Subject, HTML: msg.BodyHTML}
	if prev != nil {
		email.InReplyTo = prev.MessageID
		email.References = threadRefs(prev)
		email.Subject = replySubject(prev.Subject)
	}

	receipt, err := e.email.SendEmail(ctx, email)
	if err != nil {
		if msg.CostUSD > 0 {
			if cerr := e.store.AddCost(ctx, p.ID, msg.CostUSD); cerr != nil {
				log.WithError(cerr).Warn("Failed to record generation cost")
			}
		}
		return Failed(fmt.Errorf("send email: %w", err))
	}
	accepted = true

	now := e.now().UTC()
	total := msg.CostUSD + receipt.CostUSD
	rec := outreach.SendRecord{
		Outbound: outreach.OutboundEmail{
			ProspectID:  p.ID,
			CampaignID:  req.CampaignID,
			Step:        req.Step,
			TemplateID:  req.TemplateID,
			Subject:     email.Subject,
			BodyHTML:    email.HTML,
			MessageID:   receipt.MessageID,
			InReplyTo:   email.InReplyTo,
			AIGenerated: msg.AIGenerated,
			CostUSD:     total,
			SentAt:      now,
		},
		CostUSD: total,
	}
	tracing.AddSpanEvent(ctx, "db.record_send")
	if err := e.store.RecordSend(ctx, rec); err != nil {
		// The provider already accepted the message, so this is still a send.
		// The step marker keeps the next cycle from sending it again.
		log.WithError(err).WithField("message_id", receipt.MessageID).Error("Failed to record accepted send")
	}

	e.afterSend(ctx, p, req, now)
	log.WithFields(map[string]any{"step": req.Step, "message_id": receipt.MessageID}).Info("Email sent")
	return Sent(receipt.MessageID, total)
}

// SendMarkerTTL bounds how long a step marker blocks a resend
const SendMarkerTTL = 30 * 24 * time.Hour

func stepKey(prospectID string, step int) string {
	return "sent:" + prospectID + ":" + strconv.Itoa(step)
}

// claimStep marks the step as in flight. claimed is false with a nil error
// when another attempt already holds the marker. Without a marker store every
// step is claimable.
func (e *Executor) claimStep(ctx context.Context, prospectID string, step int) (bool, error) {
	if e.markers == nil {
		return true, nil
	}
	first, err := e.markers.SetNX(ctx, stepKey(prospectID, step), e.now().UTC().Format(time.RFC3339), SendMarkerTTL)
	if err != nil {
		return false, err
	}
	return first, nil
}

func (e *Executor) releaseStep(ctx context.Context, prospectID string, step int) {
	if err := e.markers.Del(ctx, stepKey(prospectID, step)); err != nil {
		e.logger.WithContext(ctx).WithProspect(prospectID).WithError(err).Warn("Failed to release send marker")
	}
}

// resolveAddress runs one discovery pass for a missing or guessed address.
// ok is false when the caller must stop with out.
func (e *Executor) resolveAddress(ctx context.Context, p outreach.Prospect) (outreach.Prospect, Outcome, bool) {
	if !p.NeedsDiscovery() {
		return p, Outcome{}, true
	}

	// without a finder nothing was tried, so the prospect keeps its status
	if e.finder == nil {
		return p, Skipped(ReasonNoDiscovery), false
	}
	res, err := e.finder.Find(ctx, discovery.Query{Website: p.Website, CompanyName: p.BusinessName, FirstName: p.FirstName})
	if err != nil {
		return p, Failed(fmt.Errorf("email discovery: %w", err)), false
	}

	if !res.Usable() {
		if err := e.store.SetStatus(ctx, p.ID, outreach.StatusNoVerifiedEmail); err != nil {
			return p, Failed(fmt.Errorf("set no_verified_email: %w", err)), false
		}
		return p, Skipped(ReasonNoVerifiedEmail), false
	}

	if err := e.store.UpdateEmail(ctx, p.ID, res.Email, res.Source, res.Verified); err != nil {
		return p, Failed(fmt.Errorf("update email: %w", err)), false
	}
	p.Email, p.EmailSource, p.EmailVerified = res.Email, res.Source, res.Verified
	return p, Outcome{}, true
}

// compose renders the template, or asks the generator when the template is
// AI-driven or there is none.
func (e *Executor) compose(ctx context.Context, p outreach.Prospect, req Request, prev *outreach.OutboundEmail) (content.Message, error) {
	var tpl *outreach.Template
	if req.TemplateID != "" {
		t, err := e.store.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return content.Message{}, fmt.Errorf("template %s: %w", req.TemplateID, err)
		}
		tpl = &t
	}

	if tpl != nil && !tpl.AIGenerated {
		return content.Render(*tpl, p, e.from), nil
	}
	if e.generator == nil {
		return content.Message{}, fmt.Errorf("%w: no generator configured", ErrGeneration)
	}

	prompt := content.Prompt{Prospect: p, Step: req.Step, Sender: e.from}
	if tpl != nil {
		prompt.ExtraInstructions = tpl.ExtraInstructions
	}
	if prev != nil {
		prompt.PreviousSubject = prev.Subject
	}
	gen, err := e.generator.Generate(ctx, prompt)
	if err != nil {
		if rerr := e.store.RecordGenerationFailure(ctx, p.ID, gen.CostUSD); rerr != nil {
			e.logger.WithContext(ctx).WithProspect(p.ID).WithError(rerr).Warn("Failed to record generation failure")
		}
		return content.Message{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	return content.FromGenerated(gen), nil
}

// afterSend reports best-effort signals. Failures are logged only.
func (e *Executor) afterSend(ctx context.Context, p outreach.Prospect, req Request, at time.Time) {
	log := e.logger.WithContext(ctx).WithProspect(p.ID)
	if e.reputation != nil && e.domain != "" {
		if err := e.reputation.Record(ctx, e.domain, reputation.SignalSent); err != nil {
			log.WithError(err).Warn("Failed to record reputation signal")
		}
	}
	if e.signals != nil {
		loc := req.Location
		if loc == nil {
			loc = time.UTC
		}
		sig := timing.Signal{
			Type:       "sent",
			OutreachID: p.ID,
			Dimensions: map[string]string{
				"trade":       p.Trade,
				"region":      p.Region(),
				"hour":        strconv.Itoa(at.In(loc).Hour()),
				"template_id": req.TemplateID,
			},
			Value: 1,
		}
		if err := e.signals.Record(ctx, sig); err != nil {
			log.WithError(err).Warn("Failed to record learning signal")
		}
	}
}

func threadRefs(prev *outreach.OutboundEmail) []string {
	var refs []string
	if prev.InReplyTo != "" {
		refs = append(refs, prev.InReplyTo)
	}
	return append(refs, prev.MessageID)
}

func replySubject(s string) string {
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}
