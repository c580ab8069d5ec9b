package httpapi

import (
	"net/http"
	"time"

	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

type invoiceLineView struct {
	Metric      string `json:"metric"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	Amount      string `json:"amount"`
}

type invoiceResponse struct {
	ID          string            `json:"id"`
	Number      string            `json:"number"`
	PeriodStart time.Time         `json:"period_start"`
	PeriodEnd   time.Time         `json:"period_end"`
	Status      string            `json:"status"`
	Currency    string            `json:"currency"`
	Subtotal    string            `json:"subtotal"`
	Discount    string            `json:"discount"`
	Tax         string            `json:"tax"`
	Total       string            `json:"total"`
	Display     string            `json:"display"`
	Lines       []invoiceLineView `json:"lines,omitempty"`
	PaymentRef  string            `json:"payment_ref,omitempty"`
	VoidReason  string            `json:"void_reason,omitempty"`
	DueAt       time.Time         `json:"due_at,omitzero"`
	CreatedAt   time.Time         `json:"created_at"`
}

func toInvoiceResponse(inv *model.Invoice) invoiceResponse {
	lines := make([]invoiceLineView, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		lines = append(lines, invoiceLineView{
			Metric:      string(l.Metric),
			Description: l.Description,
			Quantity:    l.Quantity.String(),
			Amount:      l.Amount.String(),
		})
	}
	return invoiceResponse{
		ID:          inv.ID,
		Number:      inv.Number,
		PeriodStart: inv.PeriodStart,
		PeriodEnd:   inv.PeriodEnd,
		Status:      string(inv.Status),
		Currency:    inv.Currency,
		Subtotal:    inv.Subtotal.String(),
		Discount:    inv.Discount.String(),
		Tax:         inv.Tax.String(),
		Total:       inv.Total.String(),
		Display:     billing.Render(inv),
		Lines:       lines,
		PaymentRef:  inv.PaymentRef,
		VoidReason:  inv.VoidReason,
		DueAt:       inv.DueAt,
		CreatedAt:   inv.CreatedAt,
	}
}

// handleInvoiceBuild materialises the invoice for one calendar month. The
// operation is idempotent per period, so re-posting returns the existing
// invoice.
func (s *Server) handleInvoiceBuild(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "billing:create") {
		return
	}
	var req struct {
		Year  int `json:"year"`
		Month int `json:"month"`
	}
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if req.Year < 2000 || req.Month < 1 || req.Month > 12 {
		writeFault(w, fault.New(fault.KindValidation, "httpapi: year and month are required").
			With("fields", []string{"year", "month"}))
		return
	}

	inv, err := s.d.Billing.Build(r.Context(), scope.TenantID, req.Year, time.Month(req.Month))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) handleInvoiceList(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "billing:read") {
		return
	}
	invoices, err := s.d.Invoices.ListByTenant(r.Context(), scope.TenantID, 100)
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		out = append(out, toInvoiceResponse(&invoices[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": out})
}

func (s *Server) handleInvoiceGet(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "billing:read") {
		return
	}
	inv, err := s.d.Invoices.GetByID(r.Context(), scope.TenantID, pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) handleInvoiceFinalize(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "billing:update") {
		return
	}
	number, err := s.d.Billing.Finalize(r.Context(), scope.TenantID, pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"number": number})
}

func (s *Server) handleInvoicePay(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "billing:update") {
		return
	}
	var req struct {
		PaymentRef string `json:"payment_ref"`
	}
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if req.PaymentRef == "" {
		writeFault(w, fault.New(fault.KindValidation, "httpapi: payment_ref is required").
			With("fields", []string{"payment_ref"}))
		return
	}
	if err := s.d.Billing.MarkPaid(r.Context(), scope.TenantID, pathID(r), req.PaymentRef); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvoiceVoid(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "billing:update") {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if err := s.d.Billing.Void(r.Context(), scope.TenantID, pathID(r), req.Reason); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
