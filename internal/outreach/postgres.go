package outreach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/outreach/internal/tracing"
)

const prospectColumns = `id, business_name, first_name, email, email_source, email_verified, phone,
	trade, city, state, website, status, email_unsubscribed, sms_consent, sms_consent_type, sms_opted_out,
	campaign_id, sequence_step, last_email_sent_at, last_email_replied_at, last_email_opened_at, last_sms_sent_at,
	total_emails_sent, total_sms_sent, total_cost_usd, generation_failures`

// sendable mirrors Prospect.Sendable
const sendable = `status IN ('cold', 'contacted') AND NOT email_unsubscribed`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) LoadEngineConfig(ctx context.Context) (EngineConfig, error) {
	var c EngineConfig
	tracing.AddSpanEvent(ctx, "db.load_engine_config")
	err := s.pool.QueryRow(ctx, `
		SELECT active, timezone, send_start_hour, send_end_hour, weekdays_only, daily_email_limit,
		       sequence_delay_hours, max_sequence_steps, dispatcher_paused, sequencer_paused
		FROM outreach.engine_config WHERE id = 1`).Scan(
		&c.Active, &c.Window.Timezone, &c.Window.StartHour, &c.Window.EndHour, &c.Window.WeekdaysOnly,
		&c.DailyEmailLimit, &c.SequenceDelayHours, &c.MaxSequenceSteps, &c.DispatcherPaused, &c.SequencerPaused,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return EngineConfig{}, ErrNotFound
	}
	if err != nil {
		return EngineConfig{}, fmt.Errorf("load engine config: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SetPaused(ctx context.Context, role string, paused bool) error {
	var column string
	switch role {
	case RoleDispatcher:
		column = "dispatcher_paused"
	case RoleSequencer:
		column = "sequencer_paused"
	default:
		return fmt.Errorf("unknown worker role %q", role)
	}
	_, err := s.pool.Exec(ctx, `UPDATE outreach.engine_config SET `+column+` = $1, updated_at = now() WHERE id = 1`, paused)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, active bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE outreach.engine_config SET active = $1, updated_at = now() WHERE id = 1`, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProspect(ctx context.Context, id string) (Prospect, error) {
	return s.oneProspect(ctx, `SELECT `+prospectColumns+` FROM outreach.prospects WHERE id = $1`, id)
}

func (s *PostgresStore) FindProspectByEmail(ctx context.Context, email string) (Prospect, error) {
	return s.oneProspect(ctx, `SELECT `+prospectColumns+` FROM outreach.prospects WHERE lower(email) = lower($1) ORDER BY created_at LIMIT 1`, email)
}

func (s *PostgresStore) oneProspect(ctx context.Context, sql string, arg any) (Prospect, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return Prospect{}, fmt.Errorf("get prospect: %w", err)
	}
	ps, err := collectProspects(rows)
	if err != nil {
		return Prospect{}, fmt.Errorf("get prospect: %w", err)
	}
	if len(ps) == 0 {
		return Prospect{}, ErrNotFound
	}
	return ps[0], nil
}

func (s *PostgresStore) ActiveCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, status, daily_limit, sequence_steps, total_sent, total_opened, total_replied
		FROM outreach.campaigns
		WHERE status = 'active' AND jsonb_array_length(sequence_steps) > 0
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("active campaigns: %w", err)
	}
	return collectCampaigns(rows)
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, status, daily_limit, sequence_steps, total_sent, total_opened, total_replied
		FROM outreach.campaigns WHERE id = $1`, id)
	if err != nil {
		return Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	cs, err := collectCampaigns(rows)
	if err != nil {
		return Campaign{}, err
	}
	if len(cs) == 0 {
		return Campaign{}, ErrNotFound
	}
	return cs[0], nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (Template, error) {
	var t Template
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, subject, body, ai_generated, extra_instructions
		FROM outreach.templates WHERE id = $1`, id).Scan(
		&t.ID, &t.Name, &t.Subject, &t.Body, &t.AIGenerated, &t.ExtraInstructions,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Template{}, ErrNotFound
	}
	if err != nil {
		return Template{}, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) CountSentSince(ctx context.Context, since time.Time, campaignID string) (int, error) {
	var n int
	var err error
	if campaignID == "" {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM outreach.outbound_emails WHERE sent_at >= $1`, since).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT count(*) FROM outreach.outbound_emails WHERE sent_at >= $1 AND campaign_id = $2`,
			since, campaignID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) SelectDue(ctx context.Context, q ProspectQuery) ([]Prospect, error) {
	var campaign *string
	if q.CampaignID != "" {
		campaign = &q.CampaignID
	}
	tracing.AddSpanEvent(ctx, "db.select_due_prospects")
	rows, err := s.pool.Query(ctx, `
		SELECT `+prospectColumns+` FROM outreach.prospects
		WHERE `+sendable+`
		  AND sequence_step = $1
		  AND (($2::uuid IS NULL AND campaign_id IS NULL) OR campaign_id = $2::uuid)
		  AND (
		        ($1 = 0 AND status = 'cold' AND last_email_sent_at IS NULL)
		     OR ($1 > 0 AND last_email_replied_at IS NULL
		         AND last_email_sent_at IS NOT NULL
		         AND last_email_sent_at + make_interval(hours => $3) <= $4)
		  )
		ORDER BY COALESCE(last_email_sent_at, created_at) ASC
		LIMIT $5`,
		q.PrevStep, campaign, q.DelayHours, q.Now, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due prospects: %w", err)
	}
	ps, err := collectProspects(rows)
	if err != nil {
		return nil, fmt.Errorf("select due prospects: %w", err)
	}
	out := ps[:0]
	for _, p := range ps {
		if q.Matches(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *PostgresStore) LatestOutbound(ctx context.Context, prospectID string) (OutboundEmail, error) {
	var (
		o          OutboundEmail
		campaignID *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, prospect_id, campaign_id, step, template_id, subject, body_html, message_id, in_reply_to,
		       ai_generated, cost_usd, sent_at
		FROM outreach.outbound_emails
		WHERE prospect_id = $1
		ORDER BY sent_at DESC
		LIMIT 1`, prospectID).Scan(
		&o.ID, &o.ProspectID, &campaignID, &o.Step, &o.TemplateID, &o.Subject, &o.BodyHTML, &o.MessageID,
		&o.InReplyTo, &o.AIGenerated, &o.CostUSD, &o.SentAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return OutboundEmail{}, ErrNotFound
	}
	if err != nil {
		return OutboundEmail{}, fmt.Errorf("latest outbound: %w", err)
	}
	if campaignID != nil {
		o.CampaignID = *campaignID
	}
	return o, nil
}

func (s *PostgresStore) UpdateEmail(ctx context.Context, id, email string, source EmailSource, verified bool) error {
	return s.exec(ctx, "update email", `
		UPDATE outreach.prospects SET email = $2, email_source = $3, email_verified = $4, updated_at = now()
		WHERE id = $1`, id, email, string(source), verified)
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status ProspectStatus) error {
	return s.exec(ctx, "set status", `
		UPDATE outreach.prospects SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ('cold', 'contacted')`, id, string(status))
}

func (s *PostgresStore) RecordGenerationFailure(ctx context.Context, id string, costUSD float64) error {
	return s.exec(ctx, "record generation failure", `
		UPDATE outreach.prospects
		SET generation_failures = generation_failures + 1, total_cost_usd = total_cost_usd + $2, updated_at = now()
		WHERE id = $1`, id, costUSD)
}

func (s *PostgresStore) AddCost(ctx context.Context, id string, costUSD float64) error {
	if costUSD == 0 {
		return nil
	}
	return s.exec(ctx, "add cost", `
		UPDATE outreach.prospects SET total_cost_usd = total_cost_usd + $2, updated_at = now()
		WHERE id = $1`, id, costUSD)
}

func (s *PostgresStore) RecordSend(ctx context.Context, rec SendRecord) error {
	o := rec.Outbound
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	var campaignID *string
	if o.CampaignID != "" {
		campaignID = &o.CampaignID
	}

	tracing.AddSpanEvent(ctx, "db.record_send")
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO outreach.outbound_emails
			    (id, prospect_id, campaign_id, step, template_id, subject, body_html, message_id, in_reply_to, ai_generated, cost_usd, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			o.ID, o.ProspectID, campaignID, o.Step, o.TemplateID, o.Subject, o.BodyHTML, o.MessageID,
			o.InReplyTo, o.AIGenerated, o.CostUSD, o.SentAt,
		); err != nil {
			return fmt.Errorf("insert outbound email: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outreach.prospects
			SET sequence_step      = sequence_step + 1,
			    total_emails_sent  = total_emails_sent + 1,
			    total_cost_usd     = total_cost_usd + $2,
			    status             = CASE WHEN status = 'cold' THEN 'contacted' ELSE status END,
			    last_email_sent_at = $3,
			    updated_at         = now()
			WHERE id = $1`,
			o.ProspectID, rec.CostUSD, o.SentAt,
		); err != nil {
			return fmt.Errorf("advance prospect: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) RecordSMS(ctx context.Context, rec SMSRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO outreach.sms_messages (id, prospect_id, body, provider_message_id, cost_usd, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.ID, rec.ProspectID, rec.Body, rec.ProviderMessageID, rec.CostUSD, rec.SentAt,
		); err != nil {
			return fmt.Errorf("insert sms: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outreach.prospects
			SET total_sms_sent = total_sms_sent + 1, total_cost_usd = total_cost_usd + $2,
			    last_sms_sent_at = $3, updated_at = now()
			WHERE id = $1`,
			rec.ProspectID, rec.CostUSD, rec.SentAt,
		); err != nil {
			return fmt.Errorf("update prospect sms: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) MarkReplied(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "mark replied", `
		UPDATE outreach.prospects SET last_email_replied_at = $2, updated_at = now() WHERE id = $1`, id, at)
}

func (s *PostgresStore) MarkOpened(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "mark opened", `
		UPDATE outreach.prospects SET last_email_opened_at = $2, updated_at = now() WHERE id = $1`, id, at)
}

func (s *PostgresStore) MarkUnsubscribed(ctx context.Context, id string) error {
	return s.exec(ctx, "mark unsubscribed", `
		UPDATE outreach.prospects SET email_unsubscribed = true, updated_at = now() WHERE id = $1`, id)
}

func (s *PostgresStore) SetSMSOptOut(ctx context.Context, id string) error {
	return s.exec(ctx, "sms opt out", `
		UPDATE outreach.prospects SET sms_opted_out = true, updated_at = now() WHERE id = $1`, id)
}

func (s *PostgresStore) exec(ctx context.Context, op, sql string, args ...any) error {
	tracing.AddSpanEvent(ctx, "db."+op)
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func collectProspects(rows pgx.Rows) ([]Prospect, error) {
	defer rows.Close()
	var out []Prospect
	for rows.Next() {
		var (
			p          Prospect
			source     string
			status     string
			campaignID *string
		)
		if err := rows.Scan(&p.ID, &p.BusinessName, &p.FirstName, &p.Email, &source, &p.EmailVerified, &p.Phone,
			&p.Trade, &p.City, &p.State, &p.Website, &status, &p.EmailUnsubscribed, &p.SMSConsent, &p.SMSConsentType,
			&p.SMSOptedOut, &campaignID, &p.SequenceStep, &p.LastEmailSentAt, &p.LastEmailRepliedAt,
			&p.LastEmailOpenedAt, &p.LastSMSSentAt, &p.TotalEmailsSent, &p.TotalSMSSent, &p.TotalCostUSD,
			&p.GenerationFailures); err != nil {
			return nil, err
		}
		p.EmailSource = EmailSource(source)
		p.Status = ProspectStatus(status)
		if campaignID != nil {
			p.CampaignID = *campaignID
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func collectCampaigns(rows pgx.Rows) ([]Campaign, error) {
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		var (
			c      Campaign
			status string
			steps  []byte
		)
		if err := rows.Scan(&c.ID, &c.Name, &status, &c.DailyLimit, &steps, &c.TotalSent, &c.TotalOpened, &c.TotalReplied); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		c.Status = CampaignStatus(status)
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &c.Steps); err != nil {
				return nil, fmt.Errorf("decode steps of campaign %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
