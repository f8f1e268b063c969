package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/outreach/internal/content"
	"github.com/austindbirch/outreach/internal/discovery"
	"github.com/austindbirch/outreach/internal/kv"
	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/reputation"
	"github.com/austindbirch/outreach/internal/timing"
	"github.com/austindbirch/outreach/internal/transport"
)

type fakeEmail struct {
	sent []transport.Email
	err  error
}

func (f *fakeEmail) SendEmail(_ context.Context, e transport.Email) (transport.Receipt, error) {
	if f.err != nil {
		return transport.Receipt{}, f.err
	}
	f.sent = append(f.sent, e)
	return transport.Receipt{MessageID: "<m" + string(rune('0'+len(f.sent))) + "@mail.test>", CostUSD: 0.0001}, nil
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

type fakeGenerator struct {
	err  error
	cost float64
}

func (f *fakeGenerator) Generate(_ context.Context, p content.Prompt) (content.Generated, error) {
	if f.err != nil {
		return content.Generated{CostUSD: f.cost}, f.err
	}
	return content.Generated{Subject: "Hello " + p.Prospect.BusinessName, Body: "Body", CostUSD: f.cost}, nil
}

type fakeReputation struct {
	err     error
	signals []reputation.Signal
}

func (f *fakeReputation) Record(_ context.Context, _ string, sig reputation.Signal) error {
	f.signals = append(f.signals, sig)
	return f.err
}

type fakeSignals struct {
	got []timing.Signal
}

func (f *fakeSignals) Record(_ context.Context, s timing.Signal) error {
	f.got = append(f.got, s)
	return nil
}

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func newTestExecutor(store *outreach.MemoryStore, email *fakeEmail, opts ...Option) *Executor {
	base := []Option{
		WithLogger(logging.Nop()),
		WithClock(func() time.Time { return testNow }),
		WithIdentity(content.Sender{Name: "Dana", PostalAddress: "1 Main St"}, "mail.test"),
	}
	return NewExecutor(store, email, append(base, opts...)...)
}

func seed(store *outreach.MemoryStore, p outreach.Prospect) outreach.Prospect {
	store.PutProspect(p)
	got, _ := store.GetProspect(context.Background(), p.ID)
	return got
}

func TestExecute_TemplateSend(t *testing.T) {
	ctx := context.Background()
	store := outreach.NewMemoryStore(outreach.EngineConfig{})
	store.PutTemplate(outreach.Template{ID: "t1", Subject: "Hi {{business_name}}", Body: "Hello {{first_name}}"})
	p := seed(store, outreach.Prospect{ID: "p1", BusinessName: "Acme", Email: "joe@acme.com", EmailSource: outreach.SourceScraped})
	email := &fakeEmail{}
	rep := &fakeReputation{}
	sig := &fakeSignals{}
	ex := newTestExecutor(store, email, WithReputation(rep), WithSignals(sig))

	out := ex.Execute(ctx, Request{Prospect: p, CampaignID: "c1", Step: 1, TemplateID: "t1", Source: "campaign"})

	if out.Kind != KindSent {
		t.Fatalf("Execute() = %v, want sent", out)
	}
	if len(email.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(email.sent))
	}
	if email.sent[0].Subject != "Hi Acme" || email.sent[0].InReplyTo != "" {
		t.Errorf("email = %+v", email.sent[0])
	}

	got, _ := store.GetProspect(ctx, "p1")
	if got.SequenceStep != 1 || got.Status != outreach.StatusContacted || got.TotalEmailsSent != 1 {
		t.Errorf("prospect step=%d status=%s total=%d, want 1 contacted 1", got.SequenceStep, got.Status, got.TotalEmailsSent)
	}
	if got.TotalCostUSD != 0.0001 {
		t.Errorf("TotalCostUSD = %v, want 0.0001", got.TotalCostUSD)
	}
	if len(rep.signals) != 1 || rep.signals[0] != reputation.SignalSent {
		t.Errorf("reputation signals = %v, want [sent]", rep.signals)
	}
	if len(sig.got) != 1 || sig.got[0].Dimensions["hour"] != "15" {
		t.Errorf("learning signals = %+v", sig.got)
	}
	if ob := store.Outbound(); len(ob) != 1 || ob[0].CampaignID != "c1" || ob[0].Step != 1 {
		t.Errorf("outbound = %+v", ob)
	}
}

func TestExecute_FollowUpThreads(t *testing.T) {
	ctx := context.Background()
	store := outreach.NewMemoryStore(outreach.EngineConfig{})
	p := seed(store, outreach.Prospect{ID: "p1", Email: "joe@acme.com", EmailSource: outreach.SourceScraped})
	_ = store.RecordSend(ctx, outreach.SendRecord{Outbound: outreach.OutboundEmail{
		ProspectID: "p1", Step: 1, Subject: "Quick question", MessageID: "<first@mail.test>", SentAt: testNow.Add(-72 * time.Hour),
	}})
	p, _ = store.GetProspect(ctx, p.ID)

	email := &fakeEmail{}
	ex := newTestExecutor(store, email, WithGenerator(&fakeGenerator{}))
	out := ex.Execute(ctx, Request{Prospect: p, Step: 2})

	if out.Kind != KindSent {
		t.Fatalf("Execute() = %v, want sent", out)
	}
	e := email.sent[0]
	if e.InReplyTo != "<first@mail.test>" {
		t.Errorf("InReplyTo = %q", e.InReplyTo)
	}
	if e.Subject != "Re: Quick question" {
		t.Errorf("Subject = %q", e.Subject)
	}
	got, _ := store.GetProspect(ctx, "p1")
	if got.SequenceStep != 2 || got.TotalEmailsSent != 2 {
		t.Errorf("step=%d total=%d, want 2 2", got.SequenceStep, got.TotalEmailsSent)
	}
}

func TestExecute_NoVerifiedEmail(t *testing.T) {
	tests := []struct {
		name   string
		finder *fakeFinder
	}{
		{"discovery returns another guess", &fakeFinder{result: discovery.Result{Email: "sales@acme.com", Source: outreach.SourceGuessed}}},
		{"discovery finds nothing", &fakeFinder{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := outreach.NewMemoryStore(outreach.EngineConfig{})
			p := seed(store, outreach.Prospect{ID: "p1", Email: "info@acme.com", EmailSource: outreach.SourceGuessed})
			email := &fakeEmail{}
			ex := newTestExecutor(store, email, WithFinder(tt.finder), WithGenerator(&fakeGenerator{}))

			out := ex.Execute(ctx, Request{Prospect: p, Step: 1})

			if out.Kind != KindSkipped || out.Reason != ReasonNoVerifiedEmail {
				t.Errorf("Execute() = %v, want skipped: %s", out, ReasonNoVerifiedEmail)
			}
			if tt.finder.calls != 1 {
				t.Errorf("discovery calls = %d, want 1", tt.finder.calls)
			}
			if len(email.sent) != 0 {
				t.Errorf("sent %d emails, want 0", len(email.sent))
			}
			got, _ := store.GetProspect(ctx, "p1")
			if got.Status != outreach.StatusNoVerifiedEmail {
				t.Errorf("Status = %s, want %s", got.Status, outreach.StatusNoVerifiedEmail)
			}
			if got.TotalCostUSD != 0 {
				t.Errorf("TotalCostUSD = %v, want 0", got.TotalCostUSD)
			}
		})
	}
}

func TestExecute_DiscoveredAddress(t *testing.T) {
	ctx := context.Background()
	store := outreach.NewMemoryStore(outreach.EngineConfig{})
	p := seed(store, outreach.Prospect{ID: "p1", Email: "info@acme.com", EmailSource: outreach.SourceGuessed})
	finder := &fakeFinder{result: discovery.Result{Email: "joe@acme.com", Source: outreach.SourceDiscovered, Verified: true}}
	email := &fakeEmail{}
	ex := newTestExecutor(store, email, WithFinder(finder), WithGenerator(&fakeGenerator{}))

	out := ex.Execute(ctx, Request{Prospect: p, Step: 1})
	if out.Kind != KindSent {
		t.Fatalf("Execute() = %v, want sent", out)
	}
	if email.sent[0].To != "joe@acme.com" {
		t.Errorf("To = %q, want joe@acme.com", email.sent[0].To)
	}
	got, _ := store.GetProspect(ctx, "p1")
	if got.Email != "joe@acme.com" || got.EmailSource != outreach.SourceDiscovered {
		t.Errorf("email = %s (%s)", got.Email, got.EmailSource)
	}
}

func TestExecute_DiscoveryError(t *testing.T) {
	store := outreach.NewMemoryStore(outreach.EngineConfig{})
	p := seed(store, outreach.Prospect{ID: "p1"})
	ex := newTestExecutor(store, &fakeEmail{}, WithFinder(&fakeFinder{err: errors.New("timeout")}))

	out := ex.Execute(context.Background(), Request{Prospect: p, Step: 1})
	if out.Kind != KindFailed {
		t.Fatalf("Execute() = %v, want failed", out)
	}
	got, _ := store.GetProspect(context.Background(), "p1")
	if got.Status != outreach.StatusCold {
		t.Errorf("Status = %s, want cold", got.Status)
	}
}

func TestExecute_TransportError(t *testing.T) {
	ctx := context.Background()
	store := outreach.NewMemoryStore(outreach.EngineConfig{})
	p := seed(store, outreach.Prospect{ID: "p1", Email: "joe@acme.com", EmailSource: outreach.SourceScraped})
	ex := newTestExecutor(store, &fakeEmail{err: errors.New("throttled")}, WithGenerator(&fakeGenerator{cost: 0.002}))

	out := ex.Execute(ctx, Request{Prospect: p, Step: 1})

	if out.Kind != KindFailed {
		t.Fatalf("Execute() = %v, want failed", out)
	}
	got, _ := store.GetProspect(ctx, "p1")
	if got.SequenceStep != 0 || got.Status != outreach.StatusCold || got.TotalEmailsSent != 0 {
		t.Errorf("prospect mutated: step=%d status=%s total=%d", got.SequenceStep, got.Status, got.TotalEmailsSent)
	}
	if got.TotalCostUSD != 0.002 {
		t.Errorf("TotalCostUSD = %v, want generation cost 0.002", got.TotalCostUSD)
	}
	if len(store.Outbound()) != 0 {
		t.Error("outbound recorded after transport error")
	}
}

func TestExecute_GenerationFailure(t *testing.T) {
	ctx := context.Background()
	store := outreach.NewMemoryStore(outreach.EngineConfig{})
	p := seed(store, outreach.Prospect{ID: "p1", Email: "joe@acme.com", EmailSource: outreach.SourceScraped})
	email := &fakeEmail{}
	ex := newTestExecutor(store, email, WithGenerator(&fakeGenerator{err: errors.New("quota"), cost: 0.001}))

	out := ex.Execute(ctx, Request{Prospect: p, Step: 1})

	if out.Kind != KindFailed || !errors.Is(out.Err, ErrGeneration) {
		t.Fatalf("Execute() = %v, want generation failure", out)
	}
	if len(email.sent) != 0 {
		t.Errorf("sent %d emails, want 0", len(email.sent))
	}
	got, _ := store.GetProspect(ctx, "p1")
	if got.GenerationFailures != 1 || got.TotalCostUSD != 0.001 {
		t.Errorf("failures=%d cost=%v, want 1 0.001", got.GenerationFailures, got.TotalCostUSD)
	}
}

func TestExecute_NotSendable(t *testing.T) {
	tests := []struct {
		name string
		p    outreach.Prospect
	}{
		{"won", outreach.Prospect{ID: "p1", Email: "a@b.com", Status: outreach.StatusWon}},
		{"lost", outreach.Prospect{ID: "p1", Email: "a@b.com", Status: outreach.StatusLost}},
		{"unreachable", outreach.Prospect{ID: "p1", Email: "a@b.com", Status: outreach.StatusUnreachable}},
		{"unsubscribed", outreach.Prospect{ID: "p1", Email: "a@b.com", Status: outreach.StatusContacted, EmailUnsubscribed: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := outreach.NewMemoryStore(outreach.EngineConfig{})
			p := seed(store, tt.p)
			email := &fakeEmail{}
			ex := newTestExecutor(store, email, WithGenerator(&fakeGenerator{}))
			out := ex.Execute(context.Background(), Request{Prospect: p, Step: 1})
			if out.Kind != KindSkipped {
				t.Errorf("Execute() = %v, want skipped", out)
			}
			if len(email.sent) != 0 {
				t.Errorf("sent %d emails, want 0", len(email.sent))
			}
		})
	}
}

func TestExecute_BestEffortFailuresKeepSend(t *testing.T) {
	ctx := context.Background()
	store := outreach.NewMemoryStore(outreach.EngineConfig{})
	p := seed(store, outreach.Prospect{ID: "p1", Email: "joe@acme.com", EmailSource: outreach.SourceScraped})
	ex := newTestExecutor(store, &fakeEmail{}, WithGenerator(&fakeGenerator{}),
		WithReputation(&fakeReputation{err: errors.New("kv down")}))

	out := ex.Execute(ctx, Request{Prospect: p, Step: 1})
	if out.Kind != KindSent {
		t.Fatalf("Execute() = %v, want sent", out)
	}
	got, _ := store.GetProspect(ctx, "p1")
	if got.SequenceStep != 1 {
		t.Errorf("SequenceStep = %d, want 1", got.SequenceStep)
	}
}

func newTestMarkers(t *testing.T) (*miniredis.Miniredis, *kv.Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, kv.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

// A row update that fails after the provider accepted the message leaves
// the prospect at its old step. The next attempt must not email it again.
func TestExecute_RecordSendFailureNotResent(t *testing.T) {
	ctx := context.Background()
	mr, markers := newTestMarkers(t)
	store := outreach.NewMemoryStore(outreach.EngineConfig{})
	p := seed(store, outreach.Prospect{ID: "p1", Email: "joe@acme.com", EmailSource: outreach.SourceScraped})
	email := &fakeEmail{}
	ex := newTestExecutor(store, email, WithGenerator(&fakeGenerator{}), WithSendMarkers(markers))

	store.Fail["RecordSend"] = errors.New("db down")
	if out := ex.Execute(ctx, Request{Prospect: p, Step: 1}); out.Kind != KindSent {
		t.Fatalf("first Execute() = %v, want sent", out)
	}
	delete(store.Fail, "RecordSend")

	p, _ = store.GetProspect(ctx, "p1")
	if p.SequenceStep != 0 {
		t.Fatalf("SequenceStep = %d, want 0 after failed record", p.SequenceStep)
	}
	out := ex.Execute(ctx, Request{Prospect: p, Step: 1})
	if out.Kind != KindSkipped || out.Reason != ReasonAlreadySent {
		t.Errorf("second Execute() = %v, want skipped: %s", out, ReasonAlreadySent)
	}
	if len(email.sent) != 1 {
		t.Errorf("transport calls = %d, want 1", len(email.sent))
	}
	if ttl := mr.TTL("sent:p1:1"); ttl != SendMarkerTTL {
		t.Errorf("marker TTL = %v, want %v", ttl, SendMarkerTTL)
	}
}

func TestExecute_SendMarkers(t *testing.T) {
	tests := []struct {
		name       string
		email      *fakeEmail
		generator  *fakeGenerator
		wantKind   Kind
		wantMarker bool
	}{
		{name: "accepted send keeps marker", email: &fakeEmail{}, generator: &fakeGenerator{}, wantKind: KindSent, wantMarker: true},
		{name: "transport error releases marker", email: &fakeEmail{err: errors.New("throttled")}, generator: &fakeGenerator{}, wantKind: KindFailed},
		{name: "generation error releases marker", email: &fakeEmail{}, generator: &fakeGenerator{err: errors.New("quota")}, wantKind: KindFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, markers := newTestMarkers(t)
			store := outreach.NewMemoryStore(outreach.EngineConfig{})
			p := seed(store, outreach.Prospect{ID: "p1", Email: "joe@acme.com", EmailSource: outreach.SourceScraped})
			ex := newTestExecutor(store, tt.email, WithGenerator(tt.generator), WithSendMarkers(markers))

			out := ex.Execute(context.Background(), Request{Prospect: p, Step: 2})
			if out.Kind != tt.wantKind {
				t.Fatalf("Execute() = %v, want %s", out, tt.wantKind)
			}
			if got := mr.Exists("sent:p1:2"); got != tt.wantMarker {
				t.Errorf("marker exists = %v, want %v", got, tt.wantMarker)
			}
		})
	}
}

func TestExecute_MarkerStoreDownStillSends(t *testing.T) {
	mr, markers := newTestMarkers(t)
	mr.Close()
	store := outreach.NewMemoryStore(outreach.EngineConfig{})
	p := seed(store, outreach.Prospect{ID: "p1", Email: "joe@acme.com", EmailSource: outreach.SourceScraped})
	email := &fakeEmail{}
	ex := newTestExecutor(store, email, WithGenerator(&fakeGenerator{}), WithSendMarkers(markers))

	if out := ex.Execute(context.Background(), Request{Prospect: p, Step: 1}); out.Kind != KindSent {
		t.Errorf("Execute() = %v, want sent", out)
	}
}

func TestExecute_NoFinderKeepsStatus(t *testing.T) {
	ctx := context.Background()
	store := outreach.NewMemoryStore(outreach.EngineConfig{})
	p := seed(store, outreach.Prospect{ID: "p1", Email: "info@acme.com", EmailSource: outreach.SourceGuessed})
	email := &fakeEmail{}
	ex := newTestExecutor(store, email, WithGenerator(&fakeGenerator{}))

	out := ex.Execute(ctx, Request{Prospect: p, Step: 1})
	if out.Kind != KindSkipped || out.Reason != ReasonNoDiscovery {
		t.Errorf("Execute() = %v, want skipped: %s", out, ReasonNoDiscovery)
	}
	if len(email.sent) != 0 {
		t.Errorf("sent %d emails, want 0", len(email.sent))
	}
	got, _ := store.GetProspect(ctx, "p1")
	if got.Status != outreach.StatusCold {
		t.Errorf("Status = %s, want cold", got.Status)
	}
}

func TestOutcome_String(t *testing.T) {
	until := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		o    Outcome
		want string
	}{
		{Sent("m", 0), "sent"},
		{Skipped("replied"), "skipped: replied"},
		{Deferred(until, "smart_timing"), "deferred until 2026-03-10T09:00:00Z: smart_timing"},
		{Failed(errors.New("boom")), "failed: boom"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
