package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/outreach/internal/compliance"
	"github.com/austindbirch/outreach/internal/content"
	"github.com/austindbirch/outreach/internal/metrics"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/reputation"
	"github.com/austindbirch/outreach/internal/sender"
	"github.com/austindbirch/outreach/internal/sequencer"
	"github.com/austindbirch/outreach/internal/task"
	"github.com/austindbirch/outreach/internal/tracing"
	"github.com/austindbirch/outreach/internal/transport"
)

// Skip reasons recorded in result_data
const (
	ReasonNotSendable      = "prospect not sendable"
	ReasonReplied          = "prospect replied"
	ReasonNoPhone          = "no phone number"
	ReasonStaleStep        = "prospect moved past step"
	ReasonEngineInactive   = "engine inactive"
	ReasonCampaignInactive = "campaign not active"
	ReasonNoWindow         = "send window never opens"
	ReasonSenderUnset      = "sender identity not configured"
	ReasonCampaignLimit    = "campaign_daily_limit"
)

// SendSMSFollowup sends a text follow-up once the compliance gate allows it.
// A denial is final for the attempt unless the gate names a time when it
// clears, in which case the follow-up is rescheduled.
func (h *Handlers) SendSMSFollowup(ctx context.Context, t task.Task) (map[string]any, error) {
	decoded, err := task.Decode(t.Type, t.Payload)
	if err != nil {
		return nil, err
	}
	req := decoded.(task.SendSMSFollowup)
	if h.gate == nil || h.sms == nil {
		return nil, fmt.Errorf("sms follow-up: %w", ErrNotConfigured)
	}

	p, res, err := h.prospect(ctx, req.OutreachID)
	if err != nil || res != nil {
		return res, err
	}
	log := h.logger.WithContext(ctx).WithProspect(p.ID)
	switch {
	case p.Status.Terminal():
		return skipped(ReasonNotSendable), nil
	case p.Replied():
		return skipped(ReasonReplied), nil
	case p.Phone == "":
		return skipped(ReasonNoPhone), nil
	}

	body := content.RenderText(h.smsTemplate, p, h.from)
	cr := compliance.Request{
		HasConsent:   p.SMSConsent,
		ConsentType:  p.SMSConsentType,
		OptedOut:     p.SMSOptedOut,
		Region:       p.State,
		MessageText:  body,
		FirstMessage: p.TotalSMSSent == 0,
		BusinessName: h.from.Name,
	}
	if !p.SMSConsent {
		cr.PriorColdOutreach = p.TotalSMSSent
	}
	decision, err := h.gate.Check(ctx, cr)
	if err != nil {
		return nil, fmt.Errorf("compliance check: %w", err)
	}
	if !decision.Allowed {
		log.WithFields(map[string]any{"code": decision.Code, "reason": decision.Reason}).Info("SMS follow-up denied")
		if !decision.RetryAt.IsZero() {
			if _, err := h.queue.EnqueueAt(ctx, req, task.PriorityNormal, decision.RetryAt); err != nil {
				return nil, fmt.Errorf("reschedule sms follow-up: %w", err)
			}
			metrics.RecordDeferral(decision.Code)
			res := deferred(decision.Reason, decision.RetryAt)
			res["code"] = decision.Code
			return res, nil
		}
		res := skipped(decision.Reason)
		res["code"] = decision.Code
		return res, nil
	}

	receipt, err := h.sms.SendSMS(ctx, transport.SMS{To: p.Phone, Body: body})
	if err != nil {
		return nil, fmt.Errorf("send sms: %w", err)
	}
	providerID := receipt.ProviderMessageID
	if providerID == "" {
		providerID = receipt.MessageID
	}
	tracing.AddSpanEvent(ctx, "db.record_sms")
	if err := h.store.RecordSMS(ctx, outreach.SMSRecord{
		ProspectID:        p.ID,
		Body:              body,
		ProviderMessageID: providerID,
		CostUSD:           receipt.CostUSD,
		SentAt:            h.now().UTC(),
	}); err != nil {
		log.WithError(err).WithField("provider_message_id", providerID).Error("Failed to record accepted sms")
	}
	return map[string]any{"status": "sent", "provider_message_id": providerID}, nil
}

// SendSequenceEmail performs a deferred sequence send. The sequencer's gates
// are all checked again since the send was queued: engine state, the send
// window, the sender identity, domain reputation, the generation circuit,
// the global and campaign daily limits and the prospect's step. A gate that
// clears with time moves the send to when it does.
func (h *Handlers) SendSequenceEmail(ctx context.Context, t task.Task) (map[string]any, error) {
	decoded, err := task.Decode(t.Type, t.Payload)
	if err != nil {
		return nil, err
	}
	req := decoded.(task.SendSequenceEmail)
	if h.executor == nil {
		return nil, fmt.Errorf("send executor: %w", ErrNotConfigured)
	}

	cfg, err := h.store.LoadEngineConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load engine config: %w", err)
	}
	if !cfg.Active {
		return skipped(ReasonEngineInactive), nil
	}

	now := h.now()
	if !sequencer.InSendWindow(now, cfg.Window) {
		return h.reschedule(ctx, req, sequencer.GateOutsideWindow, sequencer.NextWindowStart(now, cfg.Window))
	}
	if h.identity.FromAddress == "" || h.identity.PostalAddress == "" {
		return skipped(ReasonSenderUnset), nil
	}

	status := reputation.StatusAllowed
	if h.health != nil {
		if status, err = h.health.Check(ctx, h.identity.Domain); err != nil {
			return nil, fmt.Errorf("reputation check: %w", err)
		}
	}
	if status == reputation.StatusPaused {
		return h.reschedule(ctx, req, sequencer.GateReputationPaused, sequencer.NextWindowStart(now.Add(ReputationRetryDelay), cfg.Window))
	}
	if h.breaker != nil {
		if until, open := h.breaker.OpenUntil(ctx, now); open {
			return h.reschedule(ctx, req, sequencer.GateCircuitOpen, sequencer.NextWindowStart(until, cfg.Window))
		}
	}

	tomorrow := sequencer.NextWindowStart(sequencer.WindowEnd(now, cfg.Window), cfg.Window)
	dayStart := sequencer.DayStart(now, cfg.Window)
	limit := cfg.DailyEmailLimit
	if h.warmup != nil && h.identity.Domain != "" {
		limit = h.warmup.DailyLimit(ctx, h.identity.Domain, limit)
	}
	if status == reputation.StatusThrottled {
		limit = max(1, limit/2)
	}
	sent, err := h.store.CountSentSince(ctx, dayStart, "")
	if err != nil {
		return nil, fmt.Errorf("count sent today: %w", err)
	}
	if sent >= limit {
		return h.reschedule(ctx, req, sequencer.GateDailyLimitReached, tomorrow)
	}

	p, res, err := h.prospect(ctx, req.OutreachID)
	if err != nil || res != nil {
		return res, err
	}
	if !p.Sendable() {
		return skipped(ReasonNotSendable), nil
	}
	if p.Replied() {
		return skipped(ReasonReplied), nil
	}
	step := req.Step
	if step == 0 {
		step = p.SequenceStep + 1
	}
	if p.SequenceStep != step-1 || p.CampaignID != req.CampaignID {
		return skipped(ReasonStaleStep), nil
	}

	sr := sender.Request{
		Prospect:   p,
		CampaignID: req.CampaignID,
		Step:       step,
		Source:     "deferred",
		Location:   sequencer.Location(cfg.Window.Timezone),
	}
	if req.CampaignID != "" {
		c, err := h.store.GetCampaign(ctx, req.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("load campaign: %w", err)
		}
		st, ok := c.StepFor(step)
		if c.Status != outreach.CampaignActive || !ok {
			return skipped(ReasonCampaignInactive), nil
		}
		if c.DailyLimit > 0 {
			campaignSent, err := h.store.CountSentSince(ctx, dayStart, c.ID)
			if err != nil {
				return nil, fmt.Errorf("count campaign sent today: %w", err)
			}
			if campaignSent >= c.DailyLimit {
				return h.reschedule(ctx, req, ReasonCampaignLimit, tomorrow)
			}
		}
		sr.TemplateID = st.TemplateID
	}

	out := h.executor.Execute(ctx, sr)
	switch out.Kind {
	case sender.KindSent:
		return map[string]any{"status": "sent", "message_id": out.MessageID, "cost_usd": out.CostUSD}, nil
	case sender.KindSkipped:
		return skipped(out.Reason), nil
	case sender.KindDeferred:
		return h.reschedule(ctx, req, out.Reason, out.Until)
	default:
		return nil, out.Err
	}
}

// ReputationRetryDelay is how long a deferred send waits while the sending
// domain is paused
const ReputationRetryDelay = time.Hour

func (h *Handlers) reschedule(ctx context.Context, req task.SendSequenceEmail, reason string, at time.Time) (map[string]any, error) {
	if at.IsZero() {
		return skipped(ReasonNoWindow), nil
	}
	req.Reason = reason
	if _, err := h.queue.EnqueueAt(ctx, req, task.PriorityNormal, at); err != nil {
		return nil, fmt.Errorf("reschedule send: %w", err)
	}
	metrics.RecordDeferral(reason)
	h.logger.WithContext(ctx).WithProspect(req.OutreachID).WithFields(map[string]any{
		"reason": reason,
		"until":  at.UTC().Format(time.RFC3339),
	}).Debug("Sequence email rescheduled")
	return deferred(reason, at), nil
}
