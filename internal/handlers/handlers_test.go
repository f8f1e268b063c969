package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/outreach/internal/compliance"
	"github.com/austindbirch/outreach/internal/content"
	"github.com/austindbirch/outreach/internal/discovery"
	"github.com/austindbirch/outreach/internal/kv"
	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/reputation"
	"github.com/austindbirch/outreach/internal/sender"
	"github.com/austindbirch/outreach/internal/sequencer"
	"github.com/austindbirch/outreach/internal/task"
	"github.com/austindbirch/outreach/internal/taskqueue"
	"github.com/austindbirch/outreach/internal/timing"
	"github.com/austindbirch/outreach/internal/transport"
)

// 2026-03-10 is a Tuesday; Chicago is UTC-5. 15:00 UTC is 10:00 local.
var tuesdayMorning = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func engineConfig() outreach.EngineConfig {
	return outreach.EngineConfig{
		Active: true,
		Window: outreach.SendWindow{
			Timezone:     "America/Chicago",
			StartHour:    9,
			EndHour:      17,
			WeekdaysOnly: true,
		},
		DailyEmailLimit:    50,
		SequenceDelayHours: 72,
		MaxSequenceSteps:   3,
	}
}

var testIdentity = sequencer.Identity{FromAddress: "dana@mail.test", PostalAddress: "1 Main St", Domain: "mail.test"}

func newTestKV(t *testing.T) (*miniredis.Miniredis, *kv.Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, kv.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func asTask(p task.Payload) task.Task {
	return task.Task{ID: "task-1", Type: p.TaskType(), Payload: p.Map(), Status: task.StatusProcessing, MaxRetries: 3}
}

type scheduled struct {
	payload task.Payload
	at      time.Time
}

type fakeQueue struct {
	items []scheduled
	err   error
}

func (f *fakeQueue) EnqueueAt(_ context.Context, p task.Payload, _ int, at time.Time) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.items = append(f.items, scheduled{p, at})
	return "task-2", nil
}

type fakeFinder struct {
	result discovery.Result
	err    error
	calls  int
}

func (f *fakeFinder) Find(context.Context, discovery.Query) (discovery.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeSignals struct {
	got []timing.Signal
	err error
}

func (f *fakeSignals) Record(_ context.Context, s timing.Signal) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, s)
	return nil
}

type fakeReputation struct {
	got []reputation.Signal
	err error
}

func (f *fakeReputation) Record(_ context.Context, _ string, sig reputation.Signal) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, sig)
	return nil
}

type fakeChecker struct {
	status reputation.Status
	err    error
}

func (f fakeChecker) Check(context.Context, string) (reputation.Status, error) {
	return f.status, f.err
}

type fakeClassifier struct {
	result content.Classification
	err    error
}

func (f fakeClassifier) Classify(context.Context, string) (content.Classification, error) {
	return f.result, f.err
}

type fakeSMS struct {
	sent []transport.SMS
	err  error
}

func (f *fakeSMS) SendSMS(_ context.Context, m transport.SMS) (transport.Receipt, error) {
	if f.err != nil {
		return transport.Receipt{}, f.err
	}
	f.sent = append(f.sent, m)
	return transport.Receipt{ProviderMessageID: "sns-1", CostUSD: 0.0075}, nil
}

type fakeExecutor struct {
	calls []sender.Request
	out   sender.Outcome
}

func (f *fakeExecutor) Execute(_ context.Context, req sender.Request) sender.Outcome {
	f.calls = append(f.calls, req)
	return f.out
}

func TestMap_RegistersEveryType(t *testing.T) {
	m := New(outreach.NewMemoryStore(engineConfig()), &fakeQueue{}).Map()
	for _, typ := range task.Types {
		if _, ok := m[typ]; !ok {
			t.Errorf("Map() missing handler for %s", typ)
		}
	}
	if len(m) != len(task.Types) {
		t.Errorf("Map() has %d handlers, want %d", len(m), len(task.Types))
	}
}

func TestEnrichEmail(t *testing.T) {
	tests := []struct {
		name       string
		prospect   outreach.Prospect
		finder     *fakeFinder
		wantErr    bool
		wantStatus string
		wantEmail  string
		wantCalls  int
	}{
		{
			name:       "stores discovered address",
			prospect:   outreach.Prospect{ID: "p1", Email: "info@acme.com", EmailSource: outreach.SourceGuessed},
			finder:     &fakeFinder{result: discovery.Result{Email: "joe@acme.com", Source: outreach.SourceDiscovered, Verified: true}},
			wantStatus: "found",
			wantEmail:  "joe@acme.com",
			wantCalls:  1,
		},
		{
			name:       "guess is not stored",
			prospect:   outreach.Prospect{ID: "p1"},
			finder:     &fakeFinder{result: discovery.Result{Email: "info@acme.com", Source: outreach.SourceGuessed}},
			wantStatus: "not_found",
			wantCalls:  1,
		},
		{
			name:       "known address skips lookup",
			prospect:   outreach.Prospect{ID: "p1", Email: "joe@acme.com", EmailSource: outreach.SourceScraped},
			finder:     &fakeFinder{},
			wantStatus: "skipped",
			wantEmail:  "joe@acme.com",
		},
		{
			name:      "discovery error retries",
			prospect:  outreach.Prospect{ID: "p1"},
			finder:    &fakeFinder{err: errors.New("timeout")},
			wantErr:   true,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := outreach.NewMemoryStore(engineConfig())
			store.PutProspect(tt.prospect)
			h := New(store, &fakeQueue{}, WithFinder(tt.finder), WithLogger(logging.Nop()))

			res, err := h.EnrichEmail(ctx, asTask(task.EnrichEmail{
				Website: "https://acme.com", CompanyName: "Acme", ProspectID: "p1",
			}))
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnrichEmail() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.finder.calls != tt.wantCalls {
				t.Errorf("finder calls = %d, want %d", tt.finder.calls, tt.wantCalls)
			}
			if tt.wantErr {
				return
			}
			if res["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", res["status"], tt.wantStatus)
			}
			p, _ := store.GetProspect(ctx, "p1")
			if p.Email != tt.wantEmail {
				t.Errorf("Email = %q, want %q", p.Email, tt.wantEmail)
			}
			if tt.wantStatus == "found" && (p.EmailSource != outreach.SourceDiscovered || !p.EmailVerified) {
				t.Errorf("prospect = %+v, want verified discovered address", p)
			}
		})
	}
}

func TestEnrichEmail_Unconfigured(t *testing.T) {
	h := New(outreach.NewMemoryStore(engineConfig()), &fakeQueue{})
	_, err := h.EnrichEmail(context.Background(), asTask(task.EnrichEmail{Website: "a", CompanyName: "b"}))
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("EnrichEmail() error = %v, want ErrNotConfigured", err)
	}
}

func TestRecordSignal(t *testing.T) {
	tests := []struct {
		name           string
		signal         string
		signalsErr     error
		reputationErr  error
		wantErr        bool
		wantReputation int
	}{
		{name: "reply only feeds timing", signal: "replied"},
		{name: "bounce lowers reputation", signal: "bounced", wantReputation: 1},
		{name: "complaint lowers reputation", signal: "complained", wantReputation: 1},
		{name: "reputation failure is swallowed", signal: "bounced", reputationErr: errors.New("kv down")},
		{name: "store failure retries", signal: "replied", signalsErr: errors.New("db down"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signals := &fakeSignals{err: tt.signalsErr}
			rep := &fakeReputation{err: tt.reputationErr}
			h := New(outreach.NewMemoryStore(engineConfig()), &fakeQueue{},
				WithSignals(signals), WithIdentity(testIdentity), WithReputation(rep), WithLogger(logging.Nop()))

			res, err := h.RecordSignal(context.Background(), asTask(task.RecordSignal{
				SignalType: tt.signal,
				Dimensions: map[string]string{"trade": "plumbing", "region": "TX", "hour": "10"},
				Value:      1,
				OutreachID: "p1",
			}))
			if (err != nil) != tt.wantErr {
				t.Fatalf("RecordSignal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(signals.got) != 1 {
				t.Fatalf("signals recorded = %d, want 1", len(signals.got))
			}
			got := signals.got[0]
			if got.Type != tt.signal || got.OutreachID != "p1" || got.Dimensions["trade"] != "plumbing" {
				t.Errorf("signal = %+v", got)
			}
			if h, ok := got.Hour(); !ok || h != 10 {
				t.Errorf("signal hour = %d, %v, want 10", h, ok)
			}
			if len(rep.got) != tt.wantReputation {
				t.Errorf("reputation signals = %d, want %d", len(rep.got), tt.wantReputation)
			}
			if res["recorded"] != true {
				t.Errorf("result = %v", res)
			}
		})
	}
}

func TestClassifyReply(t *testing.T) {
	tests := []struct {
		name      string
		result    content.Classification
		err       error
		wantErr   bool
		wantUnsub bool
	}{
		{name: "interested", result: content.Classification{Label: content.LabelInterested, Confidence: 0.9, CostUSD: 0.001}},
		{name: "unsubscribe", result: content.Classification{Label: content.LabelUnsubscribe, Confidence: 0.95}, wantUnsub: true},
		{name: "model error retries", err: errors.New("quota"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := outreach.NewMemoryStore(engineConfig())
			store.PutProspect(outreach.Prospect{ID: "p1", Email: "joe@acme.com", Status: outreach.StatusContacted})
			h := New(store, &fakeQueue{}, WithClassifier(fakeClassifier{result: tt.result, err: tt.err}), WithLogger(logging.Nop()))

			res, err := h.ClassifyReply(ctx, asTask(task.ClassifyReply{Text: "please stop", OutreachID: "p1"}))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ClassifyReply() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if res["label"] != tt.result.Label {
				t.Errorf("label = %v, want %s", res["label"], tt.result.Label)
			}
			p, _ := store.GetProspect(ctx, "p1")
			if p.EmailUnsubscribed != tt.wantUnsub {
				t.Errorf("EmailUnsubscribed = %v, want %v", p.EmailUnsubscribed, tt.wantUnsub)
			}
			if p.TotalCostUSD != tt.result.CostUSD {
				t.Errorf("TotalCostUSD = %v, want %v", p.TotalCostUSD, tt.result.CostUSD)
			}
		})
	}
}

func TestClassifyReply_WithoutProspect(t *testing.T) {
	h := New(outreach.NewMemoryStore(engineConfig()), &fakeQueue{},
		WithClassifier(fakeClassifier{result: content.Classification{Label: content.LabelUnsubscribe}}))
	res, err := h.ClassifyReply(context.Background(), asTask(task.ClassifyReply{Text: "stop"}))
	if err != nil {
		t.Fatalf("ClassifyReply() error = %v", err)
	}
	if _, ok := res["unsubscribed"]; ok {
		t.Errorf("result = %v, want no prospect update", res)
	}
}

func smsProspect() outreach.Prospect {
	return outreach.Prospect{
		ID:           "p1",
		BusinessName: "Acme Plumbing",
		Phone:        "+15125550100",
		State:        "TX",
		Status:       outreach.StatusContacted,
		SMSConsent:   true,
	}
}

func TestSendSMSFollowup(t *testing.T) {
	replied := tuesdayMorning.Add(-time.Hour)
	tests := []struct {
		name       string
		now        time.Time
		edit       func(p *outreach.Prospect)
		template   string
		smsErr     error
		wantErr    bool
		wantStatus string
		wantCode   string
		wantSent   int
		wantQueued int
	}{
		{
			name:       "sends and records",
			now:        tuesdayMorning,
			wantStatus: "sent",
			wantSent:   1,
		},
		{
			name:       "quiet hours reschedules",
			now:        time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
			wantStatus: "deferred",
			wantCode:   compliance.CodeQuietHours,
			wantQueued: 1,
		},
		{
			name:       "opted out",
			now:        tuesdayMorning,
			edit:       func(p *outreach.Prospect) { p.SMSOptedOut = true },
			wantStatus: "skipped",
			wantCode:   compliance.CodeOptedOut,
		},
		{
			name:       "first message must name the business",
			now:        tuesdayMorning,
			template:   "Hi {{first_name}}, following up on my email.",
			wantStatus: "skipped",
			wantCode:   compliance.CodeMissingBusiness,
		},
		{
			name:       "cold cap without consent",
			now:        tuesdayMorning,
			edit:       func(p *outreach.Prospect) { p.SMSConsent = false; p.TotalSMSSent = 3 },
			wantStatus: "skipped",
			wantCode:   compliance.CodeColdLimit,
		},
		{
			name:       "terminal prospect",
			now:        tuesdayMorning,
			edit:       func(p *outreach.Prospect) { p.Status = outreach.StatusWon },
			wantStatus: "skipped",
		},
		{
			name:       "replied since enqueue",
			now:        tuesdayMorning,
			edit:       func(p *outreach.Prospect) { p.LastEmailRepliedAt = &replied },
			wantStatus: "skipped",
		},
		{
			name:       "no phone",
			now:        tuesdayMorning,
			edit:       func(p *outreach.Prospect) { p.Phone = "" },
			wantStatus: "skipped",
		},
		{
			name:    "transport error retries",
			now:     tuesdayMorning,
			smsErr:  errors.New("throttled"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := outreach.NewMemoryStore(engineConfig())
			p := smsProspect()
			if tt.edit != nil {
				tt.edit(&p)
			}
			store.PutProspect(p)
			tpl := tt.template
			if tpl == "" {
				tpl = "Hi {{first_name}}, it's {{sender_name}} again. Reply STOP to opt out."
			}
			gate := compliance.NewRuleGate()
			gate.Now = func() time.Time { return tt.now }
			sms := &fakeSMS{err: tt.smsErr}
			queue := &fakeQueue{}
			h := New(store, queue,
				WithSMS(gate, sms, tpl, content.Sender{Name: "Dana at Fieldwork"}),
				WithClock(func() time.Time { return tt.now }),
				WithLogger(logging.Nop()),
			)

			res, err := h.SendSMSFollowup(ctx, asTask(task.SendSMSFollowup{OutreachID: "p1"}))
			if (err != nil) != tt.wantErr {
				t.Fatalf("SendSMSFollowup() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if len(store.SMS()) != 0 {
					t.Error("sms recorded after transport error")
				}
				return
			}
			if res["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s (result %v)", res["status"], tt.wantStatus, res)
			}
			if tt.wantCode != "" && res["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", res["code"], tt.wantCode)
			}
			if len(sms.sent) != tt.wantSent {
				t.Errorf("sms sent = %d, want %d", len(sms.sent), tt.wantSent)
			}
			if len(store.SMS()) != tt.wantSent {
				t.Errorf("sms recorded = %d, want %d", len(store.SMS()), tt.wantSent)
			}
			if len(queue.items) != tt.wantQueued {
				t.Errorf("rescheduled = %d, want %d", len(queue.items), tt.wantQueued)
			}
		})
	}
}

func TestSendSMSFollowup_RecordsAcceptedSend(t *testing.T) {
	ctx := context.Background()
	store := outreach.NewMemoryStore(engineConfig())
	store.PutProspect(smsProspect())
	gate := compliance.NewRuleGate()
	gate.Now = func() time.Time { return tuesdayMorning }
	sms := &fakeSMS{}
	h := New(store, &fakeQueue{},
		WithSMS(gate, sms, "Hi {{first_name}}, it's {{sender_name}} from Fieldwork.", content.Sender{Name: "Fieldwork"}),
		WithClock(func() time.Time { return tuesdayMorning }),
		WithLogger(logging.Nop()),
	)

	if _, err := h.SendSMSFollowup(ctx, asTask(task.SendSMSFollowup{OutreachID: "p1"})); err != nil {
		t.Fatalf("SendSMSFollowup() error = %v", err)
	}
	if got := sms.sent[0]; got.To != "+15125550100" || got.Body != "Hi there, it's Fieldwork from Fieldwork." {
		t.Errorf("sms = %+v", got)
	}
	p, _ := store.GetProspect(ctx, "p1")
	if p.TotalSMSSent != 1 || p.LastSMSSentAt == nil || !p.LastSMSSentAt.Equal(tuesdayMorning) {
		t.Errorf("prospect = %+v, want one recorded sms", p)
	}
	if rec := store.SMS()[0]; rec.ProviderMessageID != "sns-1" {
		t.Errorf("provider id = %q, want sns-1", rec.ProviderMessageID)
	}
}

func TestSendSMSFollowup_QuietHoursRetryAt(t *testing.T) {
	// 22:00 Tuesday in Chicago
	now := time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	store := outreach.NewMemoryStore(engineConfig())
	store.PutProspect(smsProspect())
	gate := compliance.NewRuleGate()
	gate.Now = func() time.Time { return now }
	queue := &fakeQueue{}
	h := New(store, queue,
		WithSMS(gate, &fakeSMS{}, "{{sender_name}} here", content.Sender{Name: "Fieldwork"}),
		WithLogger(logging.Nop()),
	)

	if _, err := h.SendSMSFollowup(context.Background(), asTask(task.SendSMSFollowup{OutreachID: "p1"})); err != nil {
		t.Fatalf("SendSMSFollowup() error = %v", err)
	}
	want := time.Date(2026, 3, 11, 13, 0, 0, 0, time.UTC)
	if len(queue.items) != 1 || !queue.items[0].at.Equal(want) {
		t.Fatalf("rescheduled = %+v, want one at %v", queue.items, want)
	}
	if p, ok := queue.items[0].payload.(task.SendSMSFollowup); !ok || p.OutreachID != "p1" {
		t.Errorf("payload = %#v", queue.items[0].payload)
	}
}

func TestSendSequenceEmail(t *testing.T) {
	past := tuesdayMorning.Add(-80 * time.Hour)
	replied := tuesdayMorning.Add(-time.Hour)
	tests := []struct {
		name       string
		now        time.Time
		payload    task.SendSequenceEmail
		edit       func(p *outreach.Prospect)
		setup      func(s *outreach.MemoryStore)
		checker    fakeChecker
		trippedAt  time.Time
		identity   *sequencer.Identity
		out        sender.Outcome
		wantErr    bool
		wantStatus string
		wantReason string
		wantCalls  int
		wantQueued time.Time
	}{
		{
			name:       "sends deferred first email",
			now:        tuesdayMorning,
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1, Reason: "smart_timing"},
			out:        sender.Sent("<m@mail.test>", 0.002),
			wantStatus: "sent",
			wantCalls:  1,
		},
		{
			name:       "missing step means next step",
			now:        tuesdayMorning,
			payload:    task.SendSequenceEmail{OutreachID: "p1"},
			out:        sender.Sent("<m@mail.test>", 0),
			wantStatus: "sent",
			wantCalls:  1,
		},
		{
			name:       "outside window moves to next opening",
			now:        time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC),
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			wantStatus: "deferred",
			wantReason: "outside_window",
			wantQueued: time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
		},
		{
			name:    "daily limit moves to tomorrow",
			now:     tuesdayMorning,
			payload: task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			setup: func(s *outreach.MemoryStore) {
				cfg := engineConfig()
				cfg.DailyEmailLimit = 1
				s.SetConfig(cfg)
				s.PutProspect(outreach.Prospect{ID: "other", Email: "x@y.com"})
				_ = s.RecordSend(context.Background(), outreach.SendRecord{Outbound: outreach.OutboundEmail{
					ProspectID: "other", SentAt: tuesdayMorning.Add(-30 * time.Minute),
				}})
			},
			wantStatus: "deferred",
			wantReason: "daily_limit",
			wantQueued: time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
		},
		{
			name: "engine inactive",
			now:  tuesdayMorning,
			setup: func(s *outreach.MemoryStore) {
				cfg := engineConfig()
				cfg.Active = false
				s.SetConfig(cfg)
			},
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			wantStatus: "skipped",
			wantReason: ReasonEngineInactive,
		},
		{
			name:       "already sent",
			now:        tuesdayMorning,
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			edit:       func(p *outreach.Prospect) { p.SequenceStep = 1; p.LastEmailSentAt = &past },
			wantStatus: "skipped",
			wantReason: ReasonStaleStep,
		},
		{
			name:       "replied",
			now:        tuesdayMorning,
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 2},
			edit:       func(p *outreach.Prospect) { p.SequenceStep = 1; p.LastEmailRepliedAt = &replied },
			wantStatus: "skipped",
			wantReason: ReasonReplied,
		},
		{
			name:       "unsubscribed",
			now:        tuesdayMorning,
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			edit:       func(p *outreach.Prospect) { p.EmailUnsubscribed = true },
			wantStatus: "skipped",
			wantReason: ReasonNotSendable,
		},
		{
			name:       "prospect gone",
			now:        tuesdayMorning,
			payload:    task.SendSequenceEmail{OutreachID: "missing", Step: 1},
			wantStatus: "skipped",
			wantReason: "prospect not found",
		},
		{
			name:       "executor skip",
			now:        tuesdayMorning,
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			out:        sender.Skipped(sender.ReasonNoVerifiedEmail),
			wantStatus: "skipped",
			wantReason: sender.ReasonNoVerifiedEmail,
			wantCalls:  1,
		},
		{
			name:      "executor failure retries",
			now:       tuesdayMorning,
			payload:   task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			out:       sender.Failed(errors.New("ses throttled")),
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:       "circuit open waits for cooldown",
			now:        tuesdayMorning,
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			trippedAt:  tuesdayMorning.Add(-30 * time.Minute),
			wantStatus: "deferred",
			wantReason: sequencer.GateCircuitOpen,
			wantQueued: tuesdayMorning.Add(90 * time.Minute),
		},
		{
			name:       "circuit closing after hours waits for next window",
			now:        time.Date(2026, 3, 10, 21, 30, 0, 0, time.UTC),
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			trippedAt:  time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC),
			wantStatus: "deferred",
			wantReason: sequencer.GateCircuitOpen,
			wantQueued: time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
		},
		{
			name:       "reputation paused retries later",
			now:        tuesdayMorning,
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			checker:    fakeChecker{status: reputation.StatusPaused},
			wantStatus: "deferred",
			wantReason: sequencer.GateReputationPaused,
			wantQueued: tuesdayMorning.Add(ReputationRetryDelay),
		},
		{
			name:       "reputation paused late in the day waits for next window",
			now:        time.Date(2026, 3, 10, 21, 30, 0, 0, time.UTC),
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			checker:    fakeChecker{status: reputation.StatusPaused},
			wantStatus: "deferred",
			wantReason: sequencer.GateReputationPaused,
			wantQueued: time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
		},
		{
			name:    "reputation unavailable retries",
			now:     tuesdayMorning,
			payload: task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			checker: fakeChecker{err: errors.New("kv down")},
			wantErr: true,
		},
		{
			name:    "throttled reputation halves the daily limit",
			now:     tuesdayMorning,
			payload: task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			checker: fakeChecker{status: reputation.StatusThrottled},
			setup: func(s *outreach.MemoryStore) {
				cfg := engineConfig()
				cfg.DailyEmailLimit = 2
				s.SetConfig(cfg)
				s.PutProspect(outreach.Prospect{ID: "other", Email: "x@y.com"})
				_ = s.RecordSend(context.Background(), outreach.SendRecord{Outbound: outreach.OutboundEmail{
					ProspectID: "other", SentAt: tuesdayMorning.Add(-30 * time.Minute),
				}})
			},
			wantStatus: "deferred",
			wantReason: sequencer.GateDailyLimitReached,
			wantQueued: time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
		},
		{
			name:    "campaign daily limit moves to tomorrow",
			now:     tuesdayMorning,
			payload: task.SendSequenceEmail{OutreachID: "p1", CampaignID: "c1", Step: 1},
			edit:    func(p *outreach.Prospect) { p.CampaignID = "c1" },
			setup: func(s *outreach.MemoryStore) {
				s.PutCampaign(outreach.Campaign{ID: "c1", Status: outreach.CampaignActive, DailyLimit: 1,
					Steps: []outreach.Step{{Step: 1, TemplateID: "t1"}}})
				s.PutProspect(outreach.Prospect{ID: "other", Email: "x@y.com", CampaignID: "c1"})
				_ = s.RecordSend(context.Background(), outreach.SendRecord{Outbound: outreach.OutboundEmail{
					ProspectID: "other", CampaignID: "c1", Step: 1, SentAt: tuesdayMorning.Add(-30 * time.Minute),
				}})
			},
			wantStatus: "deferred",
			wantReason: ReasonCampaignLimit,
			wantQueued: time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
		},
		{
			name:       "sender identity unset",
			now:        tuesdayMorning,
			payload:    task.SendSequenceEmail{OutreachID: "p1", Step: 1},
			identity:   &sequencer.Identity{Domain: "mail.test"},
			wantStatus: "skipped",
			wantReason: ReasonSenderUnset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := outreach.NewMemoryStore(engineConfig())
			p := outreach.Prospect{ID: "p1", Email: "joe@acme.com", EmailSource: outreach.SourceScraped, Trade: "hvac", State: "TX"}
			if tt.edit != nil {
				tt.edit(&p)
			}
			store.PutProspect(p)
			if tt.setup != nil {
				tt.setup(store)
			}
			_, kvs := newTestKV(t)
			breaker := sequencer.NewBreaker(kvs, 2*time.Hour)
			if !tt.trippedAt.IsZero() {
				if err := breaker.Trip(ctx, tt.trippedAt); err != nil {
					t.Fatalf("Trip() error = %v", err)
				}
			}
			id := testIdentity
			if tt.identity != nil {
				id = *tt.identity
			}
			exec := &fakeExecutor{out: tt.out}
			queue := &fakeQueue{}
			h := New(store, queue, WithExecutor(exec), WithIdentity(id),
				WithReputationCheck(tt.checker), WithBreaker(breaker),
				WithClock(func() time.Time { return tt.now }), WithLogger(logging.Nop()))

			res, err := h.SendSequenceEmail(ctx, asTask(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("SendSequenceEmail() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(exec.calls) != tt.wantCalls {
				t.Errorf("executor calls = %d, want %d", len(exec.calls), tt.wantCalls)
			}
			if tt.wantErr {
				return
			}
			if res["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s (result %v)", res["status"], tt.wantStatus, res)
			}
			if tt.wantReason != "" && res["reason"] != tt.wantReason {
				t.Errorf("reason = %v, want %s", res["reason"], tt.wantReason)
			}
			if tt.wantQueued.IsZero() {
				if len(queue.items) != 0 {
					t.Errorf("rescheduled = %d, want 0", len(queue.items))
				}
				return
			}
			if len(queue.items) != 1 || !queue.items[0].at.Equal(tt.wantQueued) {
				t.Fatalf("rescheduled = %+v, want one at %v", queue.items, tt.wantQueued)
			}
			if got := queue.items[0].payload.(task.SendSequenceEmail); got.Reason != tt.wantReason || got.Step != tt.payload.Step {
				t.Errorf("rescheduled payload = %+v", got)
			}
		})
	}
}

func TestSendSequenceEmail_Request(t *testing.T) {
	ctx := context.Background()
	store := outreach.NewMemoryStore(engineConfig())
	sentAt := tuesdayMorning.Add(-50 * time.Hour)
	store.PutProspect(outreach.Prospect{ID: "p1", Email: "joe@acme.com", CampaignID: "c1",
		Status: outreach.StatusContacted, SequenceStep: 1, LastEmailSentAt: &sentAt})
	store.PutCampaign(outreach.Campaign{ID: "c1", Status: outreach.CampaignActive, Steps: []outreach.Step{
		{Step: 1, TemplateID: "t1"}, {Step: 2, DelayHours: 48, TemplateID: "t2"},
	}})
	exec := &fakeExecutor{out: sender.Sent("<m>", 0)}
	h := New(store, &fakeQueue{}, WithExecutor(exec), WithIdentity(testIdentity),
		WithClock(func() time.Time { return tuesdayMorning }))

	if _, err := h.SendSequenceEmail(ctx, asTask(task.SendSequenceEmail{OutreachID: "p1", CampaignID: "c1", Step: 2})); err != nil {
		t.Fatalf("SendSequenceEmail() error = %v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(exec.calls))
	}
	got := exec.calls[0]
	if got.Step != 2 || got.CampaignID != "c1" || got.TemplateID != "t2" || got.Source != "deferred" {
		t.Errorf("request = %+v", got)
	}
	if got.Location == nil || got.Location.String() != "America/Chicago" {
		t.Errorf("Location = %v, want America/Chicago", got.Location)
	}

	store.PutCampaign(outreach.Campaign{ID: "c1", Status: outreach.CampaignPaused, Steps: []outreach.Step{{Step: 2}}})
	res, _ := h.SendSequenceEmail(ctx, asTask(task.SendSequenceEmail{OutreachID: "p1", CampaignID: "c1", Step: 2}))
	if res["reason"] != ReasonCampaignInactive {
		t.Errorf("paused campaign result = %v", res)
	}
}

func TestSendSequenceEmail_SharedGates(t *testing.T) {
	ctx := context.Background()
	_, kvs := newTestKV(t)
	store := outreach.NewMemoryStore(engineConfig())
	store.PutProspect(outreach.Prospect{ID: "p1", Email: "joe@acme.com", EmailSource: outreach.SourceScraped})
	rep := reputation.NewService(kvs)
	breaker := sequencer.NewBreaker(kvs, 2*time.Hour)
	exec := &fakeExecutor{out: sender.Sent("<m>", 0)}
	queue := &fakeQueue{}
	h := New(store, queue, WithExecutor(exec), WithIdentity(testIdentity),
		WithReputation(rep), WithReputationCheck(rep), WithBreaker(breaker),
		WithClock(func() time.Time { return tuesdayMorning }), WithLogger(logging.Nop()))

	if err := breaker.Trip(ctx, tuesdayMorning); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}
	for i := 0; i < 6; i++ {
		if err := rep.Record(ctx, testIdentity.Domain, reputation.SignalComplaint); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	res, err := h.SendSequenceEmail(ctx, asTask(task.SendSequenceEmail{OutreachID: "p1", Step: 1}))
	if err != nil {
		t.Fatalf("SendSequenceEmail() error = %v", err)
	}
	if res["status"] != "deferred" || res["reason"] != sequencer.GateReputationPaused {
		t.Errorf("result = %v, want deferred for paused reputation", res)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("executor calls = %d, want 0", len(exec.calls))
	}

	// once reputation recovers the open circuit still holds the send
	_ = kvs.Del(ctx, "reputation:"+testIdentity.Domain)
	res, _ = h.SendSequenceEmail(ctx, asTask(task.SendSequenceEmail{OutreachID: "p1", Step: 1}))
	if res["reason"] != sequencer.GateCircuitOpen {
		t.Errorf("result = %v, want deferred for open circuit", res)
	}
	if len(exec.calls) != 0 {
		t.Errorf("executor calls = %d, want 0", len(exec.calls))
	}
}

func TestDispatch_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := outreach.NewMemoryStore(engineConfig())
	store.PutProspect(outreach.Prospect{ID: "p1", Email: "joe@acme.com"})
	tasks := taskqueue.NewMemoryStore()
	clock := func() time.Time { return tuesdayMorning }
	queue := taskqueue.NewQueue(tasks, taskqueue.WithQueueClock(clock))
	exec := &fakeExecutor{out: sender.Sent("<m@mail.test>", 0)}
	h := New(store, queue, WithExecutor(exec), WithIdentity(testIdentity), WithClock(clock), WithLogger(logging.Nop()))
	d := taskqueue.NewDispatcher(tasks, h.Map(), taskqueue.WithClock(clock))

	id, err := queue.EnqueuePayload(ctx, task.SendSequenceEmail{OutreachID: "p1", Step: 1}, task.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("EnqueuePayload() error = %v", err)
	}
	if n, err := d.PollAndRun(ctx, 10); err != nil || n != 1 {
		t.Fatalf("PollAndRun() = %d, %v, want 1 task", n, err)
	}
	got, _ := queue.Get(ctx, id)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ResultData["status"] != "sent" || got.ResultData["message_id"] != "<m@mail.test>" {
		t.Errorf("result_data = %v", got.ResultData)
	}
}
