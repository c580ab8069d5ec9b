package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

// WebhookStore persists [model.WebhookSubscriber] rows. Delivery counters are
// updated atomically per attempt so concurrent dispatch workers never lose a
// count.
type WebhookStore struct {
	db querier
}

const webhookColumns = `
	id, tenant_id, url, secret, event_kinds, headers, max_attempts,
	retry_delay_ns, timeout_ns, status, total_count, success_count,
	failure_count, net_failures,
	COALESCE(last_success_at, 'epoch'::timestamptz),
	COALESCE(last_failure_at, 'epoch'::timestamptz),
	created_at`

// Create inserts a new webhook subscriber.
func (s *WebhookStore) Create(ctx context.Context, w *model.WebhookSubscriber) error {
	const q = `
		INSERT INTO webhook_subscribers
		    (id, tenant_id, url, secret, event_kinds, headers, max_attempts,
		     retry_delay_ns, timeout_ns, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.Exec(ctx, q,
		w.ID, w.TenantID, w.URL, w.Secret, w.EventKinds, w.Headers, w.MaxAttempts,
		w.RetryDelay.Nanoseconds(), w.Timeout.Nanoseconds(), w.Status, w.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("webhook store: create: %w", err))
	}
	return nil
}

// GetByID returns the subscriber with the given id, scoped to tenantID.
func (s *WebhookStore) GetByID(ctx context.Context, tenantID, id string) (*model.WebhookSubscriber, error) {
	q := "SELECT " + webhookColumns + " FROM webhook_subscribers WHERE tenant_id = $1 AND id = $2"

	rows, err := s.db.Query(ctx, q, tenantID, id)
	if err != nil {
		return nil, classify(fmt.Errorf("webhook store: get: %w", err))
	}
	w, err := pgx.CollectExactlyOneRow(rows, scanSubscriber)
	if err != nil {
		return nil, classify(fmt.Errorf("webhook store: get: %w", err))
	}
	return &w, nil
}

// ListActive returns a tenant's active subscribers. Event-kind matching
// happens in the dispatcher via [model.WebhookSubscriber.WantsEvent].
func (s *WebhookStore) ListActive(ctx context.Context, tenantID string) ([]model.WebhookSubscriber, error) {
	q := "SELECT " + webhookColumns + ` FROM webhook_subscribers
		WHERE tenant_id = $1 AND status = 'active' ORDER BY created_at`

	rows, err := s.db.Query(ctx, q, tenantID)
	if err != nil {
		return nil, classify(fmt.Errorf("webhook store: list: %w", err))
	}
	out, err := pgx.CollectRows(rows, scanSubscriber)
	if err != nil {
		return nil, classify(fmt.Errorf("webhook store: scan: %w", err))
	}
	return out, nil
}

// RecordSuccess bumps the counters for a delivered event and clears the
// consecutive network-failure streak.
func (s *WebhookStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	const q = `
		UPDATE webhook_subscribers
		SET    total_count = total_count + 1, success_count = success_count + 1,
		       net_failures = 0, last_success_at = $2
		WHERE  id = $1`

	if _, err := s.db.Exec(ctx, q, id, at); err != nil {
		return classify(fmt.Errorf("webhook store: record success: %w", err))
	}
	return nil
}

// RecordFailure bumps the failure counters. When the network-failure streak
// reaches disableAt the subscriber is flipped to failed and stops receiving
// events; the returned flag reports whether this call disabled it.
func (s *WebhookStore) RecordFailure(ctx context.Context, id string, network bool, disableAt int, at time.Time) (disabled bool, err error) {
	const q = `
		UPDATE webhook_subscribers
		SET    total_count   = total_count + 1,
		       failure_count = failure_count + 1,
		       net_failures  = CASE WHEN $2 THEN net_failures + 1 ELSE net_failures END,
		       status        = CASE WHEN $2 AND net_failures + 1 >= $3 THEN 'failed' ELSE status END,
		       last_failure_at = $4
		WHERE  id = $1
		RETURNING status`

	var status model.SubscriberStatus
	if err := s.db.QueryRow(ctx, q, id, network, disableAt, at).Scan(&status); err != nil {
		return false, classify(fmt.Errorf("webhook store: record failure: %w", err))
	}
	return status == model.SubscriberFailed, nil
}

// Reactivate moves a failed subscriber back to active and resets its streak.
func (s *WebhookStore) Reactivate(ctx context.Context, tenantID, id string) error {
	const q = `
		UPDATE webhook_subscribers
		SET    status = 'active', net_failures = 0
		WHERE  tenant_id = $1 AND id = $2`

	tag, err := s.db.Exec(ctx, q, tenantID, id)
	if err != nil {
		return classify(fmt.Errorf("webhook store: reactivate: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "webhook subscriber %s not found", id)
	}
	return nil
}

// Delete removes a subscriber.
func (s *WebhookStore) Delete(ctx context.Context, tenantID, id string) error {
	const q = `DELETE FROM webhook_subscribers WHERE tenant_id = $1 AND id = $2`

	tag, err := s.db.Exec(ctx, q, tenantID, id)
	if err != nil {
		return classify(fmt.Errorf("webhook store: delete: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "webhook subscriber %s not found", id)
	}
	return nil
}

func scanSubscriber(row pgx.CollectableRow) (model.WebhookSubscriber, error) {
	var (
		w                  model.WebhookSubscriber
		retryNS, timeoutNS int64
	)
	err := row.Scan(
		&w.ID, &w.TenantID, &w.URL, &w.Secret, &w.EventKinds, &w.Headers,
		&w.MaxAttempts, &retryNS, &timeoutNS, &w.Status, &w.TotalCount,
		&w.SuccessCount, &w.FailureCount, &w.NetFailures,
		&w.LastSuccessAt, &w.LastFailureAt, &w.CreatedAt,
	)
	w.RetryDelay = time.Duration(retryNS)
	w.Timeout = time.Duration(timeoutNS)
	normalizeEpoch(&w.LastSuccessAt)
	normalizeEpoch(&w.LastFailureAt)
	return w, err
}
