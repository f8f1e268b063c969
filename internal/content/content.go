// Package content produces the subject and HTML body of an outreach email,
// either from a stored template or from a language model.
package content

import (
	"context"
	"html"
	"strings"

	"github.com/austindbirch/outreach/internal/outreach"
)

// Message is a rendered email
type Message struct {
	Subject     string
	BodyHTML    string
	AIGenerated bool
	// CostUSD is the generation cost, zero for templates
	CostUSD float64
}

// Sender identifies who the message comes from
type Sender struct {
	Name           string
	PostalAddress  string
	UnsubscribeURL string
}

// Prompt is the input to AI generation
type Prompt struct {
	Prospect          outreach.Prospect
	Step              int
	Sender            Sender
	ExtraInstructions string
	PreviousSubject   string
}

// Generated is the model output. CostUSD is set even when Generate fails
// after the model was billed.
type Generated struct {
	Subject string
	Body    string
	CostUSD float64
}

type Generator interface {
	Generate(ctx context.Context, p Prompt) (Generated, error)
}

// Reply labels produced by Classify
const (
	LabelInterested    = "interested"
	LabelNotInterested = "not_interested"
	LabelUnsubscribe   = "unsubscribe"
	LabelOutOfOffice   = "out_of_office"
	LabelOther         = "other"
)

type Classification struct {
	Label      string
	Confidence float64
	CostUSD    float64
}

type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

var dashes = strings.NewReplacer(
	"‐", "-", "‑", "-", "‒", "-", "–", "-", "—", "-", "―", "-",
	"−", "-", "﹘", "-", "﹣", "-", "－", "-",
)

// NormalizeDashes replaces every unicode dash variant with an ASCII hyphen
func NormalizeDashes(s string) string {
	return dashes.Replace(s)
}

// ToHTML normalizes line endings and turns newlines into <br>
func ToHTML(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "<br>")
}

func placeholders(p outreach.Prospect, from Sender, escape func(string) string) *strings.Replacer {
	return strings.NewReplacer(
		"{{business_name}}", escape(p.BusinessName),
		"{{first_name}}", escape(firstName(p)),
		"{{trade}}", escape(p.Trade),
		"{{city}}", escape(p.City),
		"{{sender_name}}", escape(from.Name),
	)
}

func verbatim(s string) string { return s }

// Render fills a template for a prospect. The body is HTML, so substituted
// values are escaped there; the template's own markup is kept.
func Render(tpl outreach.Template, p outreach.Prospect, from Sender) Message {
	subject := NormalizeDashes(placeholders(p, from, verbatim).Replace(tpl.Subject))
	body := NormalizeDashes(placeholders(p, from, html.EscapeString).Replace(tpl.Body))
	return Message{
		Subject:  subject,
		BodyHTML: ToHTML(body),
	}
}

// RenderText fills placeholders in plain text such as an SMS body
func RenderText(text string, p outreach.Prospect, from Sender) string {
	return NormalizeDashes(placeholders(p, from, verbatim).Replace(text))
}

// FromGenerated converts model output into a message
func FromGenerated(g Generated) Message {
	return Message{
		Subject:     NormalizeDashes(strings.TrimSpace(g.Subject)),
		BodyHTML:    ToHTML(NormalizeDashes(strings.TrimSpace(g.Body))),
		AIGenerated: true,
		CostUSD:     g.CostUSD,
	}
}

// WithFooter appends the sender block, postal address and unsubscribe link
// every cold email must carry.
func WithFooter(m Message, from Sender) Message {
	var b strings.Builder
	b.WriteString(m.BodyHTML)
	b.WriteString("<br><br>")
	if from.Name != "" {
		b.WriteString(html.EscapeString(from.Name))
		b.WriteString("<br>")
	}
	b.WriteString(html.EscapeString(from.PostalAddress))
	if from.UnsubscribeURL != "" {
		b.WriteString(`<br><a href="`)
		b.WriteString(html.EscapeString(from.UnsubscribeURL))
		b.WriteString(`">Unsubscribe</a>`)
	}
	m.BodyHTML = b.String()
	return m
}

func firstName(p outreach.Prospect) string {
	if p.FirstName != "" {
		return p.FirstName
	}
	return "there"
}
