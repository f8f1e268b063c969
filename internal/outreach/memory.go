package outreach

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same selection and update
// rules as PostgresStore. Tests build fixtures through the Put methods.
type MemoryStore struct {
	mu        sync.Mutex
	config    EngineConfig
	prospects map[string]Prospect
	order     []string
	campaigns map[string]Campaign
	templates map[string]Template
	outbound  []OutboundEmail
	sms       []SMSRecord

	// Fail, when set, is returned by every method whose name it holds.
	Fail map[string]error
}

func NewMemoryStore(cfg EngineConfig) *MemoryStore {
	return &MemoryStore{
		config:    cfg,
		prospects: make(map[string]Prospect),
		campaigns: make(map[string]Campaign),
		templates: make(map[string]Template),
		Fail:      make(map[string]error),
	}
}

func (s *MemoryStore) PutProspect(p Prospect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prospects[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	if p.Status == "" {
		p.Status = StatusCold
	}
	s.prospects[p.ID] = p
}

func (s *MemoryStore) PutCampaign(c Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

func (s *MemoryStore) PutTemplate(t Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

func (s *MemoryStore) SetConfig(cfg EngineConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
}

// Outbound returns every recorded outbound email
func (s *MemoryStore) Outbound() []OutboundEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboundEmail(nil), s.outbound...)
}

// SMS returns every recorded text message
func (s *MemoryStore) SMS() []SMSRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SMSRecord(nil), s.sms...)
}

func (s *MemoryStore) fail(op string) error {
	return s.Fail[op]
}

func (s *MemoryStore) LoadEngineConfig(context.Context) (EngineConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("LoadEngineConfig"); err != nil {
		return EngineConfig{}, err
	}
	return s.config, nil
}

func (s *MemoryStore) SetPaused(_ context.Context, role string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case RoleDispatcher:
		s.config.DispatcherPaused = paused
	case RoleSequencer:
		s.config.SequencerPaused = paused
	default:
		return fmt.Errorf("unknown worker role %q", role)
	}
	return nil
}

func (s *MemoryStore) SetActive(_ context.Context, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Active = active
	return nil
}

func (s *MemoryStore) GetProspect(_ context.Context, id string) (Prospect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetProspect"); err != nil {
		return Prospect{}, err
	}
	p, ok := s.prospects[id]
	if !ok {
		return Prospect{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) FindProspectByEmail(_ context.Context, email string) (Prospect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if p := s.prospects[id]; strings.EqualFold(p.Email, email) {
			return p, nil
		}
	}
	return Prospect{}, ErrNotFound
}

func (s *MemoryStore) ActiveCampaigns(context.Context) ([]Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ActiveCampaigns"); err != nil {
		return nil, err
	}
	var out []Campaign
	for _, c := range s.campaigns {
		if c.Status == CampaignActive && len(c.Steps) > 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetCampaign(_ context.Context, id string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string) (Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) CountSentSince(_ context.Context, since time.Time, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CountSentSince"); err != nil {
		return 0, err
	}
	n := 0
	for _, o := range s.outbound {
		if o.SentAt.Before(since) {
			continue
		}
		if campaignID == "" || o.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SelectDue(_ context.Context, q ProspectQuery) ([]Prospect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SelectDue"); err != nil {
		return nil, err
	}
	var out []Prospect
	for _, id := range s.order {
		p := s.prospects[id]
		if q.Matches(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastEmailSentAt, out[j].LastEmailSentAt
		if a == nil || b == nil {
			return false
		}
		return a.Before(*b)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) LatestOutbound(_ context.Context, prospectID string) (OutboundEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *OutboundEmail
	for i := range s.outbound {
		o := &s.outbound[i]
		if o.ProspectID != prospectID {
			continue
		}
		if latest == nil || o.SentAt.After(latest.SentAt) {
			latest = o
		}
	}
	if latest == nil {
		return OutboundEmail{}, ErrNotFound
	}
	return *latest, nil
}

func (s *MemoryStore) update(id string, apply func(p *Prospect)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prospects[id]
	if !ok {
		return ErrNotFound
	}
	apply(&p)
	s.prospects[id] = p
	return nil
}

func (s *MemoryStore) UpdateEmail(_ context.Context, id, email string, source EmailSource, verified bool) error {
	return s.update(id, func(p *Prospect) {
		p.Email, p.EmailSource, p.EmailVerified = email, source, verified
	})
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status ProspectStatus) error {
	return s.update(id, func(p *Prospect) {
		if !p.Status.Terminal() {
			p.Status = status
		}
	})
}

func (s *MemoryStore) RecordGenerationFailure(_ context.Context, id string, costUSD float64) error {
	return s.update(id, func(p *Prospect) {
		p.GenerationFailures++
		p.TotalCostUSD += costUSD
	})
}

func (s *MemoryStore) AddCost(_ context.Context, id string, costUSD float64) error {
	return s.update(id, func(p *Prospect) { p.TotalCostUSD += costUSD })
}

func (s *MemoryStore) RecordSend(_ context.Context, rec SendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RecordSend"); err != nil {
		return err
	}
	o := rec.Outbound
	p, ok := s.prospects[o.ProspectID]
	if !ok {
		return ErrNotFound
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	s.outbound = append(s.outbound, o)

	sent := o.SentAt
	p.SequenceStep++
	p.TotalEmailsSent++
	p.TotalCostUSD += rec.CostUSD
	if p.Status == StatusCold {
		p.Status = StatusContacted
	}
	p.LastEmailSentAt = &sent
	s.prospects[p.ID] = p
	return nil
}

func (s *MemoryStore) RecordSMS(_ context.Context, rec SMSRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prospects[rec.ProspectID]
	if !ok {
		return ErrNotFound
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.sms = append(s.sms, rec)
	sent := rec.SentAt
	p.TotalSMSSent++
	p.TotalCostUSD += rec.CostUSD
	p.LastSMSSentAt = &sent
	s.prospects[p.ID] = p
	return nil
}

func (s *MemoryStore) MarkReplied(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(p *Prospect) { p.LastEmailRepliedAt = &at })
}

func (s *MemoryStore) MarkOpened(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(p *Prospect) { p.LastEmailOpenedAt = &at })
}

func (s *MemoryStore) MarkUnsubscribed(_ context.Context, id string) error {
	return s.update(id, func(p *Prospect) { p.EmailUnsubscribed = true })
}

func (s *MemoryStore) SetSMSOptOut(_ context.Context, id string) error {
	return s.update(id, func(p *Prospect) { p.SMSOptedOut = true })
}
