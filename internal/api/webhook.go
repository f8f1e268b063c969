package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/outreach/internal/metrics"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/sequencer"
	"github.com/austindbirch/outreach/internal/task"
	"github.com/austindbirch/outreach/internal/tracing"
)

// Inbound email event kinds
const (
	EventReply       = "reply"
	EventOpen        = "open"
	EventUnsubscribe = "unsubscribe"
	EventBounce      = "bounce"
	EventComplaint   = "complaint"
)

// EmailEvent is the normalized provider payload. Signature validation happens
// in front of this service.
type EmailEvent struct {
	EventID    string    `json:"event_id"`
	Event      string    `json:"event"`
	Email      string    `json:"email"`
	OutreachID string    `json:"outreach_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func knownEvent(e string) bool {
	switch e {
	case EventReply, EventOpen, EventUnsubscribe, EventBounce, EventComplaint:
		return true
	}
	return false
}

func (s *Server) emailEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.email_event")
	defer span.End()

	var ev EmailEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if ev.EventID == "" || !knownEvent(ev.Event) || (ev.Email == "" && ev.OutreachID == "") {
		writeError(w, http.StatusBadRequest, "event_id, a known event and a recipient are required")
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	log := s.logger.WithContext(ctx).WithFields(map[string]any{"event": ev.Event, "event_id": ev.EventID})

	first, err := s.dedup.FirstSeen(ctx, ev.EventID)
	if err != nil {
		// Without the marker store the event is processed; handlers re-check state.
		log.WithError(err).Warn("Webhook dedup unavailable")
		first = true
	}
	metrics.RecordWebhookEvent(ev.Event, !first)
	if !first {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	p, err := s.resolve(ctx, ev)
	if errors.Is(err, outreach.ErrNotFound) {
		log.Debug("Event for unknown prospect")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err == nil {
		err = s.apply(ctx, ev, p)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("Email event failed")
		if ferr := s.dedup.Forget(ctx, ev.EventID); ferr != nil {
			log.WithError(ferr).Warn("Failed to clear dedup marker")
		}
		writeError(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed", "outreach_id": p.ID})
}

func (s *Server) resolve(ctx context.Context, ev EmailEvent) (outreach.Prospect, error) {
	if ev.OutreachID != "" {
		return s.store.GetProspect(ctx, ev.OutreachID)
	}
	return s.store.FindProspectByEmail(ctx, ev.Email)
}

func (s *Server) apply(ctx context.Context, ev EmailEvent, p outreach.Prospect) error {
	switch ev.Event {
	case EventReply:
		if err := s.store.MarkReplied(ctx, p.ID, ev.OccurredAt); err != nil {
			return fmt.Errorf("mark replied: %w", err)
		}
		if ev.Text != "" {
			err := s.once(ctx, ev, task.TypeClassifyReply, func() error {
				_, err := s.queue.EnqueuePayload(ctx, task.ClassifyReply{Text: ev.Text, OutreachID: p.ID}, task.PriorityHigh, 0)
				return err
			})
			if err != nil {
				return fmt.Errorf("enqueue classify_reply: %w", err)
			}
		}
		return s.signal(ctx, ev, p, "replied")
	case EventOpen:
		if err := s.store.MarkOpened(ctx, p.ID, ev.OccurredAt); err != nil {
			return fmt.Errorf("mark opened: %w", err)
		}
		return s.signal(ctx, ev, p, "opened")
	case EventUnsubscribe:
		if err := s.store.MarkUnsubscribed(ctx, p.ID); err != nil {
			return fmt.Errorf("mark unsubscribed: %w", err)
		}
		return nil
	case EventBounce:
		if err := s.store.SetStatus(ctx, p.ID, outreach.StatusUnreachable); err != nil {
			return fmt.Errorf("set unreachable: %w", err)
		}
		return s.signal(ctx, ev, p, "bounced")
	case EventComplaint:
		if err := s.store.MarkUnsubscribed(ctx, p.ID); err != nil {
			return fmt.Errorf("mark unsubscribed: %w", err)
		}
		return s.signal(ctx, ev, p, "complained")
	}
	return fmt.Errorf("unknown event %q", ev.Event)
}

// once enqueues at most one task of typ per event. A redelivery after a
// later step failed skips the tasks that were already queued.
func (s *Server) once(ctx context.Context, ev EmailEvent, typ task.Type, enqueue func() error) error {
	step := ev.EventID + "/" + string(typ)
	first, err := s.dedup.FirstSeen(ctx, step)
	if err == nil && !first {
		return nil
	}
	if err := enqueue(); err != nil {
		if first {
			if ferr := s.dedup.Forget(ctx, step); ferr != nil {
				s.logger.WithContext(ctx).WithError(ferr).Warn("Failed to clear task marker")
			}
		}
		return err
	}
	return nil
}

// signal enqueues a learning signal bucketed by the local hour the latest
// email went out, which is the hour the timing model learns about.
func (s *Server) signal(ctx context.Context, ev EmailEvent, p outreach.Prospect, kind string) error {
	dims := map[string]string{"trade": p.Trade, "region": p.Region()}
	last, err := s.store.LatestOutbound(ctx, p.ID)
	switch {
	case err == nil:
		cfg, cerr := s.store.LoadEngineConfig(ctx)
		if cerr != nil {
			return fmt.Errorf("load engine config: %w", cerr)
		}
		dims["hour"] = strconv.Itoa(last.SentAt.In(sequencer.Location(cfg.Window.Timezone)).Hour())
		if last.TemplateID != "" {
			dims["template_id"] = last.TemplateID
		}
	case !errors.Is(err, outreach.ErrNotFound):
		return fmt.Errorf("latest outbound: %w", err)
	}

	err = s.once(ctx, ev, task.TypeRecordSignal, func() error {
		_, err := s.queue.EnqueuePayload(ctx, task.RecordSignal{
			SignalType: kind,
			Dimensions: dims,
			Value:      1,
			OutreachID: p.ID,
		}, task.PriorityLow, 0)
		return err
	})
	if err != nil {
		return fmt.Errorf("enqueue record_signal: %w", err)
	}
	return nil
}
