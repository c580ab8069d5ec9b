package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/model"
)

// UsageStore persists [model.UsageEvent] rows and the per-period billing
// totals. Events are append-only; the totals row is the durable accumulator
// the invoice builder and counter reconciliation read from.
type UsageStore struct {
	db querier
}

// InsertEvent appends one usage event.
func (s *UsageStore) InsertEvent(ctx context.Context, e *model.UsageEvent) error {
	const q = `
		INSERT INTO usage_events
		    (id, tenant_id, metric, quantity, unit, cost, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.Exec(ctx, q,
		e.ID, e.TenantID, e.Metric, e.Quantity, e.Unit, e.Cost, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("usage store: insert: %w", err))
	}
	return nil
}

// AddToPeriodTotal upserts the billing accumulator for (tenant, period),
// adding amount to the running total. Period is "2006-01".
func (s *UsageStore) AddToPeriodTotal(ctx context.Context, tenantID, period string, amount decimal.Decimal) error {
	const q = `
		INSERT INTO billing_totals (tenant_id, period, total)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, period)
		DO UPDATE SET total = billing_totals.total + EXCLUDED.total`

	if _, err := s.db.Exec(ctx, q, tenantID, period, amount); err != nil {
		return classify(fmt.Errorf("usage store: add total: %w", err))
	}
	return nil
}

// PeriodTotal returns the accumulated cost for (tenant, period). A missing
// row is a zero total, not an error.
func (s *UsageStore) PeriodTotal(ctx context.Context, tenantID, period string) (decimal.Decimal, error) {
	const q = `SELECT total FROM billing_totals WHERE tenant_id = $1 AND period = $2`

	var total decimal.Decimal
	err := s.db.QueryRow(ctx, q, tenantID, period).Scan(&total)
	if err == pgx.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, classify(fmt.Errorf("usage store: period total: %w", err))
	}
	return total, nil
}

// MetricPeriodSum holds the per-metric aggregate over a billing period.
type MetricPeriodSum struct {
	Metric   model.Metric
	Quantity decimal.Decimal
	Cost     decimal.Decimal
}

// SumByMetric aggregates usage events per metric over [from, to). The result
// holds one row per metric that had events, in stable metric order.
func (s *UsageStore) SumByMetric(ctx context.Context, tenantID string, from, to time.Time) ([]MetricPeriodSum, error) {
	const q = `
		SELECT metric, COALESCE(SUM(quantity), 0), COALESCE(SUM(cost), 0)
		FROM   usage_events
		WHERE  tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP  BY metric
		ORDER  BY metric`

	rows, err := s.db.Query(ctx, q, tenantID, from, to)
	if err != nil {
		return nil, classify(fmt.Errorf("usage store: sum by metric: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MetricPeriodSum, error) {
		var m MetricPeriodSum
		err := row.Scan(&m.Metric, &m.Quantity, &m.Cost)
		return m, err
	})
	if err != nil {
		return nil, classify(fmt.Errorf("usage store: scan sums: %w", err))
	}
	return out, nil
}

// MetricSumSince returns the event-derived quantity sum for one metric since
// the given instant. The counter reconciler compares this against the fast
// counters and repairs drift.
func (s *UsageStore) MetricSumSince(ctx context.Context, tenantID string, metric model.Metric, since time.Time) (decimal.Decimal, error) {
	const q = `
		SELECT COALESCE(SUM(quantity), 0)
		FROM   usage_events
		WHERE  tenant_id = $1 AND metric = $2 AND created_at >= $3`

	var sum decimal.Decimal
	if err := s.db.QueryRow(ctx, q, tenantID, metric, since).Scan(&sum); err != nil {
		return decimal.Zero, classify(fmt.Errorf("usage store: metric sum: %w", err))
	}
	return sum, nil
}

// ListEvents returns a tenant's usage events over [from, to), newest first,
// capped at limit rows.
func (s *UsageStore) ListEvents(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]model.UsageEvent, error) {
	const q = `
		SELECT id, tenant_id, metric, quantity, unit, cost, metadata, created_at
		FROM   usage_events
		WHERE  tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY created_at DESC
		LIMIT  $4`

	rows, err := s.db.Query(ctx, q, tenantID, from, to, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("usage store: list: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.UsageEvent, error) {
		var e model.UsageEvent
		err := row.Scan(&e.ID, &e.TenantID, &e.Metric, &e.Quantity, &e.Unit, &e.Cost, &e.Metadata, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, classify(fmt.Errorf("usage store: scan events: %w", err))
	}
	return out, nil
}
