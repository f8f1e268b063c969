// Package transport hands finished messages to the delivery providers: SES
// for email, SNS for text messages.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/google/uuid"
)

type Email struct {
	To        string
	Subject   string
	HTML      string
	InReplyTo string // Message-ID of the previous email in the thread
	// References is the thread chain, oldest first
	References []string
}

// Receipt describes an accepted message
type Receipt struct {
	MessageID         string // RFC 5322 Message-ID used for threading
	ProviderMessageID string
	CostUSD           float64
}

type EmailSender interface {
	SendEmail(ctx context.Context, e Email) (Receipt, error)
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESEmail sends raw MIME through SES v2 so threading headers survive
type SESEmail struct {
	client         sesAPI
	from           string
	domain         string
	unsubscribeURL string
	costUSD        float64
	now            func() time.Time
}

type SESOptions struct {
	From           string
	Domain         string
	UnsubscribeURL string
	CostUSD        float64
}

func NewSESEmail(cfg aws.Config, opts SESOptions) (*SESEmail, error) {
	return newSESEmail(sesv2.NewFromConfig(cfg), opts)
}

func newSESEmail(client sesAPI, opts SESOptions) (*SESEmail, error) {
	if opts.From == "" {
		return nil, fmt.Errorf("from address is not set")
	}
	if _, err := mail.ParseAddress(opts.From); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", opts.From, err)
	}
	return &SESEmail{
		client:         client,
		from:           opts.From,
		domain:         opts.Domain,
		unsubscribeURL: opts.UnsubscribeURL,
		costUSD:        opts.CostUSD,
		now:            time.Now,
	}, nil
}

func (s *SESEmail) SendEmail(ctx context.Context, e Email) (Receipt, error) {
	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.domain)
	raw, err := s.build(e, msgID)
	if err != nil {
		return Receipt{}, err
	}
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{e.To}},
		Content:     &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("ses send: %w", err)
	}
	return Receipt{
		MessageID:         msgID,
		ProviderMessageID: aws.ToString(out.MessageId),
		CostUSD:           s.costUSD,
	}, nil
}

func (s *SESEmail) build(e Email, msgID string) ([]byte, error) {
	to, err := mail.ParseAddress(e.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", e.To, err)
	}
	var b bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	header("From", s.from)
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", e.Subject))
	header("Date", s.now().UTC().Format(time.RFC1123Z))
	header("Message-ID", msgID)
	if e.InReplyTo != "" {
		header("In-Reply-To", e.InReplyTo)
		refs := e.References
		if len(refs) == 0 {
			refs = []string{e.InReplyTo}
		}
		header("References", strings.Join(refs, " "))
	}
	if s.unsubscribeURL != "" {
		header("List-Unsubscribe", "<"+s.unsubscribeURL+">")
		header("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="utf-8"`)
	header("Content-Transfer-Encoding", "quoted-printable")
	b.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&b)
	if _, err := qp.Write([]byte(e.HTML)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
