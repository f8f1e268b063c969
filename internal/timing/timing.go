// Package timing stores learning signals and answers which local hour gets
// the best reply rate for a trade and region.
package timing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/outreach/internal/tracing"
)

// DefaultMinSamples is the number of sends an hour needs before its reply
// rate is trusted.
const DefaultMinSamples = 20

// Signal is one learning observation
type Signal struct {
	Type       string
	OutreachID string
	Dimensions map[string]string
	Value      float64
}

func (s Signal) dim(k string) string {
	return s.Dimensions[k]
}

// Hour parses the hour dimension, or reports false when absent
func (s Signal) Hour() (int, bool) {
	v, ok := s.Dimensions["hour"]
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(v)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	return h, true
}

// Advisor answers the best local send hour for a bucket. ok is false when
// there is not enough data.
type Advisor interface {
	BestHour(ctx context.Context, trade, region string) (hour int, ok bool, err error)
}

// Recorder persists signals
type Recorder interface {
	Record(ctx context.Context, s Signal) error
}

// HourStats are the per-hour counts for one bucket
type HourStats struct {
	Hour    int
	Sent    int
	Replied int
}

// Best picks the hour with the highest reply rate among hours with at least
// minSamples sends. Ties go to the earlier hour.
func Best(stats []HourStats, minSamples int) (int, bool) {
	best, bestRate, found := 0, -1.0, false
	for _, s := range stats {
		if s.Sent < minSamples || s.Sent == 0 {
			continue
		}
		rate := float64(s.Replied) / float64(s.Sent)
		if rate > bestRate || (rate == bestRate && s.Hour < best) {
			best, bestRate, found = s.Hour, rate, true
		}
	}
	return best, found
}

type PostgresService struct {
	pool       *pgxpool.Pool
	minSamples int
}

func NewPostgresService(pool *pgxpool.Pool, minSamples int) *PostgresService {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &PostgresService{pool: pool, minSamples: minSamples}
}

func (s *PostgresService) Record(ctx context.Context, sig Signal) error {
	dims, err := json.Marshal(sig.Dimensions)
	if err != nil {
		return fmt.Errorf("encode dimensions: %w", err)
	}
	var hour *int
	if h, ok := sig.Hour(); ok {
		hour = &h
	}
	tracing.AddSpanEvent(ctx, "db.insert_learning_signal")
	_, err = s.pool.Exec(ctx, `
		INSERT INTO outreach.learning_signals (signal_type, outreach_id, trade, region, hour, template_id, value, dimensions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)`,
		sig.Type, sig.OutreachID, sig.dim("trade"), sig.dim("region"), hour, sig.dim("template_id"), sig.Value, string(dims),
	)
	if err != nil {
		return fmt.Errorf("insert learning signal: %w", err)
	}
	return nil
}

func (s *PostgresService) BestHour(ctx context.Context, trade, region string) (int, bool, error) {
	tracing.AddSpanEvent(ctx, "db.best_send_hour")
	rows, err := s.pool.Query(ctx, `
		SELECT hour,
		       count(*) FILTER (WHERE signal_type = 'sent'),
		       count(*) FILTER (WHERE signal_type = 'replied')
		FROM outreach.learning_signals
		WHERE trade = $1 AND region = $2 AND hour IS NOT NULL
		GROUP BY hour`, trade, region)
	if err != nil {
		return 0, false, fmt.Errorf("best send hour: %w", err)
	}
	defer rows.Close()

	var stats []HourStats
	for rows.Next() {
		var h HourStats
		if err := rows.Scan(&h.Hour, &h.Sent, &h.Replied); err != nil {
			return 0, false, err
		}
		stats = append(stats, h)
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	hour, ok := Best(stats, s.minSamples)
	return hour, ok, nil
}
