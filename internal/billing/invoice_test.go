package billing

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/store"
)

type fakeTenants struct{ tenant *model.Tenant }

func (f *fakeTenants) GetByID(context.Context, string) (*model.Tenant, error) {
	return f.tenant, nil
}

type fakeUsage struct{ sums []store.MetricPeriodSum }

func (f *fakeUsage) SumByMetric(context.Context, string, time.Time, time.Time) ([]store.MetricPeriodSum, error) {
	return f.sums, nil
}

type fakeInvoices struct {
	byPeriod map[string]*model.Invoice
	created  int
}

func periodKey(start time.Time) string { return start.Format("2006-01") }

func (f *fakeInvoices) Create(_ context.Context, inv *model.Invoice) error {
	key := periodKey(inv.PeriodStart)
	if _, dup := f.byPeriod[key]; dup {
		return fault.New(fault.KindConflict, "duplicate invoice period")
	}
	f.byPeriod[key] = inv
	f.created++
	return nil
}

func (f *fakeInvoices) GetByID(_ context.Context, _, id string) (*model.Invoice, error) {
	for _, inv := range f.byPeriod {
		if inv.ID == id {
			return inv, nil
		}
	}
	return nil, fault.New(fault.KindNotFound, "invoice not found")
}

func (f *fakeInvoices) GetByPeriod(_ context.Context, _ string, start, _ time.Time) (*model.Invoice, error) {
	if inv, ok := f.byPeriod[periodKey(start)]; ok {
		return inv, nil
	}
	return nil, fault.New(fault.KindNotFound, "invoice not found")
}

func (f *fakeInvoices) Finalize(ctx context.Context, tenantID, id string, dueAt time.Time) error {
	inv, err := f.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if inv.Status == model.InvoiceDraft {
		inv.Status = model.InvoiceSent
		inv.DueAt = dueAt
	}
	return nil
}

func (f *fakeInvoices) MarkPaid(ctx context.Context, tenantID, id, ref string) error {
	inv, err := f.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if inv.Status == model.InvoiceSent {
		inv.Status = model.InvoicePaid
		inv.PaymentRef = ref
	}
	return nil
}

func (f *fakeInvoices) Void(ctx context.Context, tenantID, id, reason string) error {
	inv, err := f.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if inv.Status != model.InvoicePaid {
		inv.Status = model.InvoiceCancelled
		inv.VoidReason = reason
	}
	return nil
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func newTestBuilder(tenant *model.Tenant, sums []store.MetricPeriodSum) (*Builder, *fakeInvoices) {
	invoices := &fakeInvoices{byPeriod: map[string]*model.Invoice{}}
	b := NewBuilder(&fakeTenants{tenant: tenant}, &fakeUsage{sums: sums}, invoices, nil)
	return b, invoices
}

func professionalTenant() *model.Tenant {
	return &model.Tenant{
		ID: "t-1", Slug: "acme", Status: model.TenantActive,
		Tier: model.TierProfessional, Currency: "USD",
	}
}

func TestBuildComputesTotals(t *testing.T) {
	ten := professionalTenant()
	ten.DiscountPercent = dec("10")
	ten.TaxRatePercent = dec("20")

	b, _ := newTestBuilder(ten, []store.MetricPeriodSum{
		{Metric: model.MetricSynthesisChars, Quantity: dec("100000"), Cost: dec("6.5")},
		{Metric: model.MetricCallMinutes, Quantity: dec("100"), Cost: dec("3.5")},
	})

	inv, err := b.Build(context.Background(), "t-1", 2026, time.January)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(inv.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(inv.Lines))
	}
	// subtotal 10, discount 1, net 9, tax 1.8, total 10.8
	if !inv.Subtotal.Equal(dec("10")) {
		t.Errorf("subtotal = %s", inv.Subtotal)
	}
	if !inv.Discount.Equal(dec("1")) {
		t.Errorf("discount = %s", inv.Discount)
	}
	if !inv.Tax.Equal(dec("1.8")) {
		t.Errorf("tax = %s", inv.Tax)
	}
	if !inv.Total.Equal(dec("10.8")) {
		t.Errorf("total = %s", inv.Total)
	}
	if inv.Status != model.InvoiceDraft {
		t.Errorf("status = %s, want draft", inv.Status)
	}
	if inv.Currency != "USD" {
		t.Errorf("currency = %s", inv.Currency)
	}
}

func TestBuildNumberFormat(t *testing.T) {
	b, _ := newTestBuilder(professionalTenant(), nil)

	inv, err := b.Build(context.Background(), "t-1", 2026, time.January)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	pattern := regexp.MustCompile(`^INV-2026-01-[A-Z0-9]{8}$`)
	if !pattern.MatchString(inv.Number) {
		t.Errorf("number %q does not match %s", inv.Number, pattern)
	}
}

func TestBuildIsIdempotentPerPeriod(t *testing.T) {
	b, invoices := newTestBuilder(professionalTenant(), []store.MetricPeriodSum{
		{Metric: model.MetricSynthesisChars, Quantity: dec("1000"), Cost: dec("1")},
	})

	first, err := b.Build(context.Background(), "t-1", 2026, time.January)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Build(context.Background(), "t-1", 2026, time.January)
	if err != nil {
		t.Fatal(err)
	}
	if first.Number != second.Number || invoices.created != 1 {
		t.Errorf("repeat build must return the existing invoice: %q vs %q (created %d)",
			first.Number, second.Number, invoices.created)
	}
}

func TestFinalizeTwiceSameNumber(t *testing.T) {
	b, _ := newTestBuilder(professionalTenant(), nil)
	inv, _ := b.Build(context.Background(), "t-1", 2026, time.January)

	n1, err := b.Finalize(context.Background(), "t-1", inv.ID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	n2, err := b.Finalize(context.Background(), "t-1", inv.ID)
	if err != nil {
		t.Fatalf("re-Finalize: %v", err)
	}
	if n1 != n2 || n1 != inv.Number {
		t.Errorf("finalize numbers differ: %q, %q, invoice %q", n1, n2, inv.Number)
	}
}

func TestMarkPaidIdempotent(t *testing.T) {
	b, invoices := newTestBuilder(professionalTenant(), nil)
	inv, _ := b.Build(context.Background(), "t-1", 2026, time.January)
	if _, err := b.Finalize(context.Background(), "t-1", inv.ID); err != nil {
		t.Fatal(err)
	}

	if err := b.MarkPaid(context.Background(), "t-1", inv.ID, "pay-1"); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if err := b.MarkPaid(context.Background(), "t-1", inv.ID, "pay-2"); err != nil {
		t.Fatalf("repeat MarkPaid: %v", err)
	}
	got, _ := invoices.GetByID(context.Background(), "t-1", inv.ID)
	if got.Status != model.InvoicePaid || got.PaymentRef != "pay-1" {
		t.Errorf("invoice = %+v, want paid with first payment ref", got)
	}
}

func TestRender(t *testing.T) {
	inv := &model.Invoice{Total: dec("10.8"), Currency: "USD"}
	if got := Render(inv); got != "$10.80" {
		t.Errorf("Render = %q, want $10.80", got)
	}
}
