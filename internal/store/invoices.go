package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

// InvoiceStore persists [model.Invoice] rows. The unique (tenant, period)
// index makes invoice creation idempotent per billing period, and all status
// transitions are guarded so repeating one is a no-op rather than a double
// move.
type InvoiceStore struct {
	db querier
}

const invoiceColumns = `
	id, tenant_id, number, period_start, period_end, status, currency,
	subtotal, discount, tax, total, lines, payment_ref, void_reason,
	COALESCE(due_at, 'epoch'::timestamptz), created_at, updated_at`

// Create inserts a draft invoice. A second invoice for the same tenant and
// period surfaces as a retryable conflict.
func (s *InvoiceStore) Create(ctx context.Context, inv *model.Invoice) error {
	const q = `
		INSERT INTO invoices
		    (id, tenant_id, number, period_start, period_end, status, currency,
		     subtotal, discount, tax, total, lines, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`

	_, err := s.db.Exec(ctx, q,
		inv.ID, inv.TenantID, inv.Number, inv.PeriodStart, inv.PeriodEnd,
		inv.Status, inv.Currency, inv.Subtotal, inv.Discount, inv.Tax, inv.Total,
		inv.Lines, nullableTime(inv.DueAt), inv.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("invoice store: create: %w", err))
	}
	return nil
}

// GetByID returns the invoice with the given id, scoped to tenantID.
func (s *InvoiceStore) GetByID(ctx context.Context, tenantID, id string) (*model.Invoice, error) {
	return s.get(ctx, "tenant_id = $1 AND id = $2", tenantID, id)
}

// GetByPeriod returns the invoice covering [periodStart, periodEnd) for a
// tenant, if one exists.
func (s *InvoiceStore) GetByPeriod(ctx context.Context, tenantID string, periodStart, periodEnd time.Time) (*model.Invoice, error) {
	return s.get(ctx, "tenant_id = $1 AND period_start = $2 AND period_end = $3", tenantID, periodStart, periodEnd)
}

func (s *InvoiceStore) get(ctx context.Context, where string, args ...any) (*model.Invoice, error) {
	q := "SELECT " + invoiceColumns + " FROM invoices WHERE " + where

	inv := &model.Invoice{}
	err := s.db.QueryRow(ctx, q, args...).Scan(
		&inv.ID, &inv.TenantID, &inv.Number, &inv.PeriodStart, &inv.PeriodEnd,
		&inv.Status, &inv.Currency, &inv.Subtotal, &inv.Discount, &inv.Tax, &inv.Total,
		&inv.Lines, &inv.PaymentRef, &inv.VoidReason, &inv.DueAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("invoice store: get: %w", err))
	}
	normalizeEpoch(&inv.DueAt)
	return inv, nil
}

// Finalize moves a draft invoice to sent. Idempotent: repeating it against an
// already-sent invoice changes nothing and reports success.
func (s *InvoiceStore) Finalize(ctx context.Context, tenantID, id string, dueAt time.Time) error {
	const q = `
		UPDATE invoices
		SET    status = 'sent', due_at = $3, updated_at = now()
		WHERE  tenant_id = $1 AND id = $2 AND status = 'draft'`

	tag, err := s.db.Exec(ctx, q, tenantID, id, dueAt)
	if err != nil {
		return classify(fmt.Errorf("invoice store: finalize: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return s.requireStatus(ctx, tenantID, id, model.InvoiceSent)
	}
	return nil
}

// MarkPaid moves a sent or overdue invoice to paid, recording the payment
// reference. Idempotent against an already-paid invoice.
func (s *InvoiceStore) MarkPaid(ctx context.Context, tenantID, id, paymentRef string) error {
	const q = `
		UPDATE invoices
		SET    status = 'paid', payment_ref = $3, updated_at = now()
		WHERE  tenant_id = $1 AND id = $2 AND status IN ('sent', 'overdue')`

	tag, err := s.db.Exec(ctx, q, tenantID, id, paymentRef)
	if err != nil {
		return classify(fmt.Errorf("invoice store: mark paid: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return s.requireStatus(ctx, tenantID, id, model.InvoicePaid)
	}
	return nil
}

// Void cancels an invoice that has not been paid, recording the reason.
// Idempotent against an already-cancelled invoice.
func (s *InvoiceStore) Void(ctx context.Context, tenantID, id, reason string) error {
	const q = `
		UPDATE invoices
		SET    status = 'cancelled', void_reason = $3, updated_at = now()
		WHERE  tenant_id = $1 AND id = $2 AND status IN ('draft', 'sent', 'overdue')`

	tag, err := s.db.Exec(ctx, q, tenantID, id, reason)
	if err != nil {
		return classify(fmt.Errorf("invoice store: void: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return s.requireStatus(ctx, tenantID, id, model.InvoiceCancelled)
	}
	return nil
}

// MarkOverdue flips all sent invoices past their due date to overdue and
// returns how many were moved.
func (s *InvoiceStore) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	const q = `
		UPDATE invoices
		SET    status = 'overdue', updated_at = now()
		WHERE  status = 'sent' AND due_at IS NOT NULL AND due_at < $1`

	tag, err := s.db.Exec(ctx, q, now)
	if err != nil {
		return 0, classify(fmt.Errorf("invoice store: mark overdue: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// ListByTenant returns a tenant's invoices, newest period first.
func (s *InvoiceStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]model.Invoice, error) {
	q := "SELECT " + invoiceColumns + ` FROM invoices
		WHERE tenant_id = $1 ORDER BY period_start DESC LIMIT $2`

	rows, err := s.db.Query(ctx, q, tenantID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("invoice store: list: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Invoice, error) {
		var inv model.Invoice
		err := row.Scan(
			&inv.ID, &inv.TenantID, &inv.Number, &inv.PeriodStart, &inv.PeriodEnd,
			&inv.Status, &inv.Currency, &inv.Subtotal, &inv.Discount, &inv.Tax, &inv.Total,
			&inv.Lines, &inv.PaymentRef, &inv.VoidReason, &inv.DueAt, &inv.CreatedAt, &inv.UpdatedAt,
		)
		normalizeEpoch(&inv.DueAt)
		return inv, err
	})
	if err != nil {
		return nil, classify(fmt.Errorf("invoice store: scan: %w", err))
	}
	return out, nil
}

// requireStatus resolves a guarded zero-row update: success if the invoice is
// already in want (idempotent repeat), business-rule otherwise.
func (s *InvoiceStore) requireStatus(ctx context.Context, tenantID, id string, want model.InvoiceStatus) error {
	inv, err := s.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if inv.Status == want {
		return nil
	}
	return fault.New(fault.KindBusinessRule, "invoice %s is %s, cannot move to %s", id, inv.Status, want).
		With("rule", "invoice_forward_only")
}
