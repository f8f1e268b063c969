// Package compliance decides whether a follow-up message may be sent. RuleGate
// covers the baseline rules; a full regulatory engine can replace it behind
// the Gate interface.
package compliance

import (
	"context"
	"strings"
	"time"
)

// Decision codes
const (
	CodeOptedOut        = "opted_out"
	CodeQuietHours      = "quiet_hours"
	CodeColdLimit       = "cold_outreach_limit"
	CodeMissingBusiness = "missing_business_identification"
)

type Request struct {
	HasConsent        bool
	ConsentType       string
	OptedOut          bool
	Region            string // US state code
	Emergency         bool
	PriorColdOutreach int
	ReplyToInbound    bool
	MessageText       string
	FirstMessage      bool
	BusinessName      string
}

// Decision is the gate verdict. A denial is final for the attempt, except
// that RetryAt is set when waiting would clear it.
type Decision struct {
	Allowed bool
	Reason  string
	Code    string
	RetryAt time.Time
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(code, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

type Gate interface {
	Check(ctx context.Context, req Request) (Decision, error)
}

// RuleGate applies opt-out, quiet hours, a cold outreach cap and first
// message identification.
type RuleGate struct {
	QuietStart int // local hour messages may start
	QuietEnd   int // local hour messages must stop, exclusive
	ColdCap    int
	Now        func() time.Time
}

func NewRuleGate() *RuleGate {
	return &RuleGate{QuietStart: 8, QuietEnd: 21, ColdCap: 3, Now: time.Now}
}

func (g *RuleGate) Check(_ context.Context, req Request) (Decision, error) {
	if req.OptedOut {
		return deny(CodeOptedOut, "recipient opted out"), nil
	}

	if !req.Emergency {
		local := g.Now().In(LocationFor(req.Region))
		if h := local.Hour(); h < g.QuietStart || h >= g.QuietEnd {
			d := deny(CodeQuietHours, "outside allowed messaging hours")
			d.RetryAt = nextOpen(local, g.QuietStart)
			return d, nil
		}
	}

	if !req.HasConsent && !req.ReplyToInbound && req.PriorColdOutreach >= g.ColdCap {
		return deny(CodeColdLimit, "cold outreach limit reached without consent"), nil
	}

	if req.FirstMessage {
		name := strings.TrimSpace(req.BusinessName)
		if name == "" || !strings.Contains(strings.ToLower(req.MessageText), strings.ToLower(name)) {
			return deny(CodeMissingBusiness, "first message must identify the sending business"), nil
		}
	}

	return allow(), nil
}

// nextOpen returns the next instant at startHour local time after local
func nextOpen(local time.Time, startHour int) time.Time {
	open := time.Date(local.Year(), local.Month(), local.Day(), startHour, 0, 0, 0, local.Location())
	if !open.After(local) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

var stateZones = map[string]string{}

func init() {
	zones := map[string][]string{
		"America/New_York":    {"CT", "DE", "DC", "FL", "GA", "IN", "KY", "ME", "MD", "MA", "MI", "NH", "NJ", "NY", "NC", "OH", "PA", "RI", "SC", "VT", "VA", "WV"},
		"America/Chicago":     {"AL", "AR", "IL", "IA", "KS", "LA", "MN", "MS", "MO", "NE", "ND", "OK", "SD", "TN", "TX", "WI"},
		"America/Denver":      {"CO", "ID", "MT", "NM", "UT", "WY"},
		"America/Phoenix":     {"AZ"},
		"America/Los_Angeles": {"CA", "NV", "OR", "WA"},
		"America/Anchorage":   {"AK"},
		"Pacific/Honolulu":    {"HI"},
	}
	for tz, states := range zones {
		for _, st := range states {
			stateZones[st] = tz
		}
	}
}

// LocationFor maps a US state code to its primary timezone. Unknown regions
// use America/Chicago.
func LocationFor(region string) *time.Location {
	name, ok := stateZones[strings.ToUpper(strings.TrimSpace(region))]
	if !ok {
		name = "America/Chicago"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
