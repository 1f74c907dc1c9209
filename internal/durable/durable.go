// Package durable is the Postgres-backed audit trail for AlertRecords and
// completed Job history — the flat relational side of storage, distinct
// from internal/tiered's document store. Grounded on the teacher's
// store.PostgresStore: a pgxpool.Pool, parameterized queries, and
// INSERT ... ON CONFLICT DO UPDATE upserts.
package durable

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aqiwatch/pipeline/internal/aqi"
)

// Store is the Postgres-backed implementation of alert.Store plus a job
// history audit trail.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool, sized the way the teacher tunes its own
// pool for sustained concurrent load.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Insert persists a newly created AlertRecord.
func (s *Store) Insert(ctx context.Context, r aqi.AlertRecord) error {
	const query = `
		INSERT INTO alert_records (
			id, type, severity, payload, triggered_at, throttle_key,
			acknowledged, acknowledged_by, acknowledged_at, escalated,
			recipients, email_delivery_id, email_sent, dispatch_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.Type, r.Severity, r.Payload, r.TriggeredAt, r.ThrottleKey,
		r.Acknowledged, r.AcknowledgedBy, r.AcknowledgedAt, r.Escalated,
		r.Recipients, r.EmailDeliveryID, r.EmailSent, r.DispatchError,
	)
	return err
}

// Acknowledge sets the acknowledgment fields on an existing record.
func (s *Store) Acknowledge(ctx context.Context, id, user string, at time.Time) error {
	const query = `
		UPDATE alert_records
		SET acknowledged = true, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, user, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("durable: alert record not found")
	}
	return nil
}

// ListActive returns every unacknowledged record.
func (s *Store) ListActive(ctx context.Context) ([]aqi.AlertRecord, error) {
	const query = `
		SELECT id, type, severity, payload, triggered_at, throttle_key,
			acknowledged, acknowledged_by, acknowledged_at, escalated,
			recipients, email_delivery_id, email_sent, dispatch_error
		FROM alert_records WHERE acknowledged = false
		ORDER BY triggered_at DESC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aqi.AlertRecord
	for rows.Next() {
		var r aqi.AlertRecord
		if err := rows.Scan(
			&r.ID, &r.Type, &r.Severity, &r.Payload, &r.TriggeredAt, &r.ThrottleKey,
			&r.Acknowledged, &r.AcknowledgedBy, &r.AcknowledgedAt, &r.Escalated,
			&r.Recipients, &r.EmailDeliveryID, &r.EmailSent, &r.DispatchError,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearOlderThan deletes alert records triggered before cutoff.
func (s *Store) ClearOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alert_records WHERE triggered_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// RecordJobHistory appends a terminal job (completed or failed) to the
// audit trail, kept separate from the broker's own live job state so
// operational history survives broker cleanup.
func (s *Store) RecordJobHistory(ctx context.Context, job aqi.Job) error {
	const query = `
		INSERT INTO job_history (
			id, queue, type, priority, attempts, max_attempts,
			created_at, status, last_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error
	`
	_, err := s.pool.Exec(ctx, query,
		job.ID, job.Queue, job.Type, job.Priority, job.Attempts, job.MaxAttempts,
		job.CreatedAt, job.Status, job.LastError,
	)
	return err
}

// UpsertDailyAggregation persists a DailyAggregation alongside the
// document-store copy, giving operators a flat-SQL view for ad hoc
// reporting without needing a Mongo client.
func (s *Store) UpsertDailyAggregation(ctx context.Context, agg aqi.DailyAggregation) error {
	const query = `
		INSERT INTO daily_aggregations_audit (date, location, avg_aqi, record_count, pollution_level, calculated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (date, location) DO UPDATE SET
			avg_aqi = EXCLUDED.avg_aqi,
			record_count = EXCLUDED.record_count,
			pollution_level = EXCLUDED.pollution_level,
			calculated_at = EXCLUDED.calculated_at
	`
	_, err := s.pool.Exec(ctx, query, agg.Date, agg.Location, agg.AvgAQI, agg.RecordCount, agg.PollutionLevel, agg.CalculatedAt)
	return err
}
