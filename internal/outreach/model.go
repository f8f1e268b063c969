package outreach

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type ProspectStatus string

const (
	StatusCold            ProspectStatus = "cold"
	StatusContacted       ProspectStatus = "contacted"
	StatusDemoScheduled   ProspectStatus = "demo_scheduled"
	StatusWon             ProspectStatus = "won"
	StatusLost            ProspectStatus = "lost"
	StatusUnreachable     ProspectStatus = "unreachable"
	StatusNoVerifiedEmail ProspectStatus = "no_verified_email"
)

// Terminal reports whether the status ends the outreach lifecycle. Only cold
// and contacted prospects are ever sent to.
func (s ProspectStatus) Terminal() bool {
	return s != StatusCold && s != StatusContacted
}

// EmailSource records how a prospect's address was obtained
type EmailSource string

const (
	SourceScraped    EmailSource = "scraped"
	SourceDiscovered EmailSource = "discovered"
	SourceGuessed    EmailSource = "guessed"
	SourceManual     EmailSource = "manual"
)

type Prospect struct {
	ID                 string         `json:"id"`
	BusinessName       string         `json:"business_name"`
	FirstName          string         `json:"first_name"`
	Email              string         `json:"email"`
	EmailSource        EmailSource    `json:"email_source"`
	EmailVerified      bool           `json:"email_verified"`
	Phone              string         `json:"phone"`
	Trade              string         `json:"trade"`
	City               string         `json:"city"`
	State              string         `json:"state"`
	Website            string         `json:"website"`
	Status             ProspectStatus `json:"status"`
	EmailUnsubscribed  bool           `json:"email_unsubscribed"`
	SMSConsent         bool           `json:"sms_consent"`
	SMSConsentType     string         `json:"sms_consent_type"`
	SMSOptedOut        bool           `json:"sms_opted_out"`
	CampaignID         string         `json:"campaign_id,omitempty"`
	SequenceStep       int            `json:"sequence_step"`
	LastEmailSentAt    *time.Time     `json:"last_email_sent_at,omitempty"`
	LastEmailRepliedAt *time.Time     `json:"last_email_replied_at,omitempty"`
	LastEmailOpenedAt  *time.Time     `json:"last_email_opened_at,omitempty"`
	LastSMSSentAt      *time.Time     `json:"last_sms_sent_at,omitempty"`
	TotalEmailsSent    int            `json:"total_emails_sent"`
	TotalSMSSent       int            `json:"total_sms_sent"`
	TotalCostUSD       float64        `json:"total_cost_usd"`
	GenerationFailures int            `json:"generation_failures"`
}

// Sendable reports whether the prospect may receive any email at all
func (p Prospect) Sendable() bool {
	return !p.Status.Terminal() && !p.EmailUnsubscribed
}

// Replied reports whether an inbound reply was ever recorded
func (p Prospect) Replied() bool {
	return p.LastEmailRepliedAt != nil
}

// NeedsDiscovery reports whether the address is missing or an unverified guess
func (p Prospect) NeedsDiscovery() bool {
	return p.Email == "" || (p.EmailSource == SourceGuessed && !p.EmailVerified)
}

// Region is the bucket key used for learned send times
func (p Prospect) Region() string {
	return p.State
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Step is one entry of a campaign sequence. Step numbers start at 1.
type Step struct {
	Step       int    `json:"step"`
	DelayHours int    `json:"delay_hours"`
	TemplateID string `json:"template_id"`
}

// Campaign aggregate counters are derived elsewhere and only read here.
type Campaign struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       CampaignStatus `json:"status"`
	DailyLimit   int            `json:"daily_limit"`
	Steps        []Step         `json:"sequence_steps"`
	TotalSent    int            `json:"total_sent"`
	TotalOpened  int            `json:"total_opened"`
	TotalReplied int            `json:"total_replied"`
}

// StepFor returns the step definition with number n
func (c Campaign) StepFor(n int) (Step, bool) {
	for _, s := range c.Steps {
		if s.Step == n {
			return s, true
		}
	}
	return Step{}, false
}

type Template struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Subject           string `json:"subject"`
	Body              string `json:"body"`
	AIGenerated       bool   `json:"ai_generated"`
	ExtraInstructions string `json:"extra_instructions"`
}

// SendWindow is the local time range in which sends are allowed. EndHour is
// exclusive.
type SendWindow struct {
	Timezone     string `json:"timezone"`
	StartHour    int    `json:"start_hour"`
	EndHour      int    `json:"end_hour"`
	WeekdaysOnly bool   `json:"weekdays_only"`
}

// EngineConfig is the per-deployment settings row, loaded once per cycle
type EngineConfig struct {
	Active             bool       `json:"active"`
	Window             SendWindow `json:"window"`
	DailyEmailLimit    int        `json:"daily_email_limit"`
	SequenceDelayHours int        `json:"sequence_delay_hours"`
	MaxSequenceSteps   int        `json:"max_sequence_steps"`
	DispatcherPaused   bool       `json:"dispatcher_paused"`
	SequencerPaused    bool       `json:"sequencer_paused"`
}

// Paused reports the pause flag for a worker role
func (c EngineConfig) Paused(role string) bool {
	switch role {
	case RoleDispatcher:
		return c.DispatcherPaused
	case RoleSequencer:
		return c.SequencerPaused
	}
	return false
}

const (
	RoleDispatcher = "dispatcher"
	RoleSequencer  = "sequencer"
)

type OutboundEmail struct {
	ID          string    `json:"id"`
	ProspectID  string    `json:"prospect_id"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	Step        int       `json:"step"`
	TemplateID  string    `json:"template_id,omitempty"`
	Subject     string    `json:"subject"`
	BodyHTML    string    `json:"body_html"`
	MessageID   string    `json:"message_id"`
	InReplyTo   string    `json:"in_reply_to,omitempty"`
	AIGenerated bool      `json:"ai_generated"`
	CostUSD     float64   `json:"cost_usd"`
	SentAt      time.Time `json:"sent_at"`
}

// SendRecord is committed after the transport accepted a message
type SendRecord struct {
	Outbound OutboundEmail
	// CostUSD is the AI plus transport cost added to the prospect total
	CostUSD float64
}

type SMSRecord struct {
	ID                string
	ProspectID        string
	Body              string
	ProviderMessageID string
	CostUSD           float64
	SentAt            time.Time
}

// ProspectQuery selects prospects due for the email after PrevStep.
// PrevStep 0 means the first email: cold and never contacted. For later
// steps the prospect must sit at PrevStep, have no reply, and have waited
// DelayHours since the last send.
type ProspectQuery struct {
	CampaignID string // empty selects prospects outside any campaign
	PrevStep   int
	DelayHours int
	Now        time.Time
	Limit      int
}

// Matches applies the query to a single prospect
func (q ProspectQuery) Matches(p Prospect) bool {
	if !p.Sendable() || p.CampaignID != q.CampaignID || p.SequenceStep != q.PrevStep {
		return false
	}
	if q.PrevStep == 0 {
		return p.Status == StatusCold && p.LastEmailSentAt == nil
	}
	if p.LastEmailSentAt == nil || p.Replied() {
		return false
	}
	due := p.LastEmailSentAt.Add(time.Duration(q.DelayHours) * time.Hour)
	return !due.After(q.Now)
}
