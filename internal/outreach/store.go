package outreach

import (
	"context"
	"time"
)

// Store is the relational state the engine reads and the send path writes.
// Campaign rows are read-only here.
type Store interface {
	LoadEngineConfig(ctx context.Context) (EngineConfig, error)
	SetPaused(ctx context.Context, role string, paused bool) error
	SetActive(ctx context.Context, active bool) error

	GetProspect(ctx context.Context, id string) (Prospect, error)
	FindProspectByEmail(ctx context.Context, email string) (Prospect, error)
	ActiveCampaigns(ctx context.Context) ([]Campaign, error)
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	GetTemplate(ctx context.Context, id string) (Template, error)

	// CountSentSince counts outbound emails since the given instant. An empty
	// campaignID counts every send.
	CountSentSince(ctx context.Context, since time.Time, campaignID string) (int, error)
	SelectDue(ctx context.Context, q ProspectQuery) ([]Prospect, error)
	LatestOutbound(ctx context.Context, prospectID string) (OutboundEmail, error)

	UpdateEmail(ctx context.Context, id, email string, source EmailSource, verified bool) error
	// SetStatus never moves a prospect out of a terminal status.
	SetStatus(ctx context.Context, id string, status ProspectStatus) error
	RecordGenerationFailure(ctx context.Context, id string, costUSD float64) error
	AddCost(ctx context.Context, id string, costUSD float64) error
	// RecordSend persists the outbound row and advances the prospect in one
	// transaction.
	RecordSend(ctx context.Context, rec SendRecord) error
	RecordSMS(ctx context.Context, rec SMSRecord) error

	MarkReplied(ctx context.Context, id string, at time.Time) error
	MarkOpened(ctx context.Context, id string, at time.Time) error
	MarkUnsubscribed(ctx context.Context, id string) error
	SetSMSOptOut(ctx context.Context, id string) error
}
