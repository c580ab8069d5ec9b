package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/internal/model"
)

// criticalRetention is the retention floor for high and critical severity
// audit records.
const criticalRetention = 7 * 365 * 24 * time.Hour

// AuditStore persists [model.AuditRecord] rows. The table is append-only:
// there is no update or delete path, and purge honours the per-record
// retention floor.
type AuditStore struct {
	db querier
}

// Insert appends one audit record. High and critical severity records get the
// 7-year retention floor stamped if the caller left RetainUntil zero.
func (s *AuditStore) Insert(ctx context.Context, r *model.AuditRecord) error {
	retain := r.RetainUntil
	if retain.IsZero() {
		switch r.Severity {
		case model.AuditHigh, model.AuditCritical:
			retain = r.CreatedAt.Add(criticalRetention)
		}
	}
	const q = `
		INSERT INTO audit_records
		    (id, tenant_id, kind, severity, outcome, principal_id, source_ip,
		     correlation_id, before, after, detail, retain_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.Exec(ctx, q,
		r.ID, r.TenantID, r.Kind, r.Severity, r.Outcome, r.PrincipalID, r.SourceIP,
		r.CorrelationID, r.Before, r.After, r.Detail, nullableTime(retain), r.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("audit store: insert: %w", err))
	}
	return nil
}

// List returns a tenant's audit records over [from, to), newest first,
// optionally filtered by kind (empty = all kinds), capped at limit rows.
func (s *AuditStore) List(ctx context.Context, tenantID, kind string, from, to time.Time, limit int) ([]model.AuditRecord, error) {
	q := `
		SELECT id, tenant_id, kind, severity, outcome, principal_id, source_ip,
		       correlation_id, before, after, detail,
		       COALESCE(retain_until, 'epoch'::timestamptz), created_at
		FROM   audit_records
		WHERE  tenant_id = $1 AND created_at >= $2 AND created_at < $3`
	args := []any{tenantID, from, to}
	if kind != "" {
		q += " AND kind = $4"
		args = append(args, kind)
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("audit store: list: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AuditRecord, error) {
		var r model.AuditRecord
		err := row.Scan(
			&r.ID, &r.TenantID, &r.Kind, &r.Severity, &r.Outcome, &r.PrincipalID,
			&r.SourceIP, &r.CorrelationID, &r.Before, &r.After, &r.Detail,
			&r.RetainUntil, &r.CreatedAt,
		)
		normalizeEpoch(&r.RetainUntil)
		return r, err
	})
	if err != nil {
		return nil, classify(fmt.Errorf("audit store: scan: %w", err))
	}
	return out, nil
}

// Purge deletes records older than before whose retention floor has passed,
// and returns how many were removed.
func (s *AuditStore) Purge(ctx context.Context, before time.Time) (int, error) {
	const q = `
		DELETE FROM audit_records
		WHERE  created_at < $1
		  AND  (retain_until IS NULL OR retain_until < $1)`

	tag, err := s.db.Exec(ctx, q, before)
	if err != nil {
		return 0, classify(fmt.Errorf("audit store: purge: %w", err))
	}
	return int(tag.RowsAffected()), nil
}
