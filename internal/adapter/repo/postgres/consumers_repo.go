package postgres

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/quickresolve/docpipe/internal/domain"
)

// ConsumerRepo persists the consumer registry in PostgreSQL.
type ConsumerRepo struct{ Pool PgxPool }

// NewConsumerRepo constructs a ConsumerRepo with the given pool.
func NewConsumerRepo(p PgxPool) *ConsumerRepo { return &ConsumerRepo{Pool: p} }

// Upsert registers or refreshes a consumer row keyed by (topic, endpoint_url).
func (r *ConsumerRepo) Upsert(ctx domain.Context, c domain.Consumer) error {
	tracer := otel.Tracer("repo.consumers")
	ctx, span := tracer.Start(ctx, "consumers.Upsert")
	defer span.End()
	if c.Topic == "" || c.EndpointURL == "" {
		return fmt.Errorf("op=consumer.upsert: %w: topic and endpoint_url required", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO consumers (topic, endpoint_url, health_url, ready, fail_count, last_seen_at)
		VALUES ($1,$2,$3,$4,0,$5)
		ON CONFLICT (topic, endpoint_url) DO UPDATE
		SET health_url = EXCLUDED.health_url, ready = EXCLUDED.ready,
		    fail_count = 0, last_seen_at = EXCLUDED.last_seen_at`
	_, err := r.Pool.Exec(ctx, q, strings.ToLower(c.Topic), c.EndpointURL, c.HealthURL, c.Ready, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=consumer.upsert: %w", err)
	}
	return nil
}

// Remove deletes a consumer row.
func (r *ConsumerRepo) Remove(ctx domain.Context, topic, endpointURL string) error {
	tracer := otel.Tracer("repo.consumers")
	ctx, span := tracer.Start(ctx, "consumers.Remove")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `DELETE FROM consumers WHERE topic=$1 AND endpoint_url=$2`,
		strings.ToLower(topic), endpointURL)
	if err != nil {
		return fmt.Errorf("op=consumer.remove: %w", err)
	}
	return nil
}

// List returns all consumer rows.
func (r *ConsumerRepo) List(ctx domain.Context) ([]domain.Consumer, error) {
	tracer := otel.Tracer("repo.consumers")
	ctx, span := tracer.Start(ctx, "consumers.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT topic, endpoint_url, health_url, ready, fail_count, last_seen_at
		FROM consumers ORDER BY topic, endpoint_url`)
	if err != nil {
		return nil, fmt.Errorf("op=consumer.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Consumer
	for rows.Next() {
		var c domain.Consumer
		if err := rows.Scan(&c.Topic, &c.EndpointURL, &c.HealthURL, &c.Ready, &c.FailCount, &c.LastSeenAt); err != nil {
			return nil, fmt.Errorf("op=consumer.list: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordProbe folds one health probe result into the row. Success resets the
// failure count and flips ready on; failures past threshold flip it off.
func (r *ConsumerRepo) RecordProbe(ctx domain.Context, topic, endpointURL string, ok bool, threshold int) error {
	tracer := otel.Tracer("repo.consumers")
	ctx, span := tracer.Start(ctx, "consumers.RecordProbe")
	defer span.End()
	var q string
	var err error
	if ok {
		q = `UPDATE consumers SET fail_count = 0, ready = TRUE, last_seen_at = $3
			WHERE topic=$1 AND endpoint_url=$2`
		_, err = r.Pool.Exec(ctx, q, strings.ToLower(topic), endpointURL, time.Now().UTC())
	} else {
		q = `UPDATE consumers SET fail_count = fail_count + 1,
			ready = (fail_count + 1 <= $3)
			WHERE topic=$1 AND endpoint_url=$2`
		_, err = r.Pool.Exec(ctx, q, strings.ToLower(topic), endpointURL, threshold)
	}
	if err != nil {
		return fmt.Errorf("op=consumer.record_probe: %w", err)
	}
	return nil
}
