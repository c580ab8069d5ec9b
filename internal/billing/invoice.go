// Package billing materialises a tenant's usage into invoices.
//
// An invoice covers one calendar-month period. Creation is idempotent per
// (tenant, period): the store's unique constraint makes concurrent builders
// converge on a single invoice, and finalize/mark-paid/void repeat safely.
package billing

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/store"
)

// dueAfter is the payment window applied at finalization.
const dueAfter = 30 * 24 * time.Hour

// numberAlphabet is the character set for the random invoice-number suffix.
const numberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// tenantReader is the slice of the tenant store the builder needs.
type tenantReader interface {
	GetByID(ctx context.Context, id string) (*model.Tenant, error)
}

// usageSummer aggregates usage events for line items.
type usageSummer interface {
	SumByMetric(ctx context.Context, tenantID string, from, to time.Time) ([]store.MetricPeriodSum, error)
}

// invoiceStore is the slice of the invoice store the builder needs.
type invoiceStore interface {
	Create(ctx context.Context, inv *model.Invoice) error
	GetByID(ctx context.Context, tenantID, id string) (*model.Invoice, error)
	GetByPeriod(ctx context.Context, tenantID string, periodStart, periodEnd time.Time) (*model.Invoice, error)
	Finalize(ctx context.Context, tenantID, id string, dueAt time.Time) error
	MarkPaid(ctx context.Context, tenantID, id, paymentRef string) error
	Void(ctx context.Context, tenantID, id, reason string) error
}

// Builder rolls usage into invoices and drives their lifecycle.
type Builder struct {
	tenants  tenantReader
	usage    usageSummer
	invoices invoiceStore
	log      *slog.Logger
	now      func() time.Time
}

// NewBuilder wires a Builder.
func NewBuilder(tenants tenantReader, usage usageSummer, invoices invoiceStore, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{tenants: tenants, usage: usage, invoices: invoices, log: log, now: time.Now}
}

// Build materialises the invoice for a tenant's calendar month. Repeat calls
// for the same period return the existing invoice unchanged, whatever its
// status.
func (b *Builder) Build(ctx context.Context, tenantID string, year int, month time.Month) (*model.Invoice, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	if existing, err := b.invoices.GetByPeriod(ctx, tenantID, start, end); err == nil {
		return existing, nil
	} else if !fault.IsKind(err, fault.KindNotFound) {
		return nil, err
	}

	ten, err := b.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sums, err := b.usage.SumByMetric(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}

	lines := make([]model.InvoiceLine, 0, len(sums))
	subtotal := decimal.Zero
	for _, s := range sums {
		lines = append(lines, model.InvoiceLine{
			Metric:      s.Metric,
			Description: fmt.Sprintf("%s usage %s", s.Metric, start.Format("2006-01")),
			Quantity:    s.Quantity,
			Amount:      s.Cost,
		})
		subtotal = subtotal.Add(s.Cost)
	}

	hundred := decimal.NewFromInt(100)
	subtotal = subtotal.RoundBank(4)
	discount := subtotal.Mul(ten.DiscountPercent).Div(hundred).RoundBank(4)
	net := subtotal.Sub(discount)
	tax := net.Mul(ten.TaxRatePercent).Div(hundred).RoundBank(4)
	total := net.Add(tax).RoundBank(4)

	number, err := newNumber(start)
	if err != nil {
		return nil, err
	}
	inv := &model.Invoice{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Number:      number,
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      model.InvoiceDraft,
		Currency:    ten.Currency,
		Subtotal:    subtotal,
		Discount:    discount,
		Tax:         tax,
		Total:       total,
		Lines:       lines,
		CreatedAt:   b.now(),
	}
	if err := b.invoices.Create(ctx, inv); err != nil {
		// A concurrent builder won the unique (tenant, period) race; theirs
		// is the invoice.
		if fault.IsKind(err, fault.KindConflict) {
			return b.invoices.GetByPeriod(ctx, tenantID, start, end)
		}
		return nil, err
	}
	b.log.Info("invoice created",
		"tenant_id", tenantID, "number", number, "total", total.String(), "lines", len(lines))
	return inv, nil
}

// Finalize moves an invoice to sent with due date = now + 30 days, and
// returns its number. Re-finalization returns the existing number.
func (b *Builder) Finalize(ctx context.Context, tenantID, id string) (string, error) {
	if err := b.invoices.Finalize(ctx, tenantID, id, b.now().Add(dueAfter)); err != nil {
		return "", err
	}
	inv, err := b.invoices.GetByID(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	return inv.Number, nil
}

// MarkPaid records payment. Idempotent.
func (b *Builder) MarkPaid(ctx context.Context, tenantID, id, paymentRef string) error {
	return b.invoices.MarkPaid(ctx, tenantID, id, paymentRef)
}

// Void cancels an unpaid invoice. Idempotent.
func (b *Builder) Void(ctx context.Context, tenantID, id, reason string) error {
	return b.invoices.Void(ctx, tenantID, id, reason)
}

// Render formats an invoice total in its currency for display.
func Render(inv *model.Invoice) string {
	f, _ := inv.Total.Float64()
	return money.NewFromFloat(f, inv.Currency).Display()
}

// newNumber builds an invoice number "INV-YYYY-MM-XXXXXXXX" with a random
// 8-character upper-alphanumeric suffix.
func newNumber(period time.Time) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("billing: invoice number: %w", err)
	}
	for i, b := range buf {
		buf[i] = numberAlphabet[int(b)%len(numberAlphabet)]
	}
	return fmt.Sprintf("INV-%s-%s", period.Format("2006-01"), buf), nil
}
