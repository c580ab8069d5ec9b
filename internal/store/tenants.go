package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

// TenantStore persists [model.Tenant] rows.
type TenantStore struct {
	db querier
}

// Create inserts a new tenant. The slug must be well-formed and unused.
func (s *TenantStore) Create(ctx context.Context, t *model.Tenant) error {
	if !model.ValidSlug(t.Slug) {
		return fault.New(fault.KindValidation, "tenant slug %q is invalid", t.Slug).With("field", "slug")
	}
	const q = `
		INSERT INTO tenants
		    (id, slug, name, status, tier, allowed_cidrs, maintenance,
		     discount_percent, tax_rate_percent, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`

	_, err := s.db.Exec(ctx, q,
		t.ID, t.Slug, t.Name, t.Status, t.Tier, t.AllowedCIDRs, t.Maintenance,
		t.DiscountPercent, t.TaxRatePercent, t.Currency, t.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("tenant store: create: %w", err))
	}
	return nil
}

// GetByID returns the tenant with the given id.
func (s *TenantStore) GetByID(ctx context.Context, id string) (*model.Tenant, error) {
	return s.get(ctx, "id = $1", id)
}

// GetBySlug returns the tenant with the given slug.
func (s *TenantStore) GetBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	return s.get(ctx, "slug = $1", slug)
}

func (s *TenantStore) get(ctx context.Context, where string, arg any) (*model.Tenant, error) {
	q := `
		SELECT id, slug, name, status, tier, allowed_cidrs, maintenance,
		       discount_percent, tax_rate_percent, currency, created_at, updated_at
		FROM   tenants
		WHERE  ` + where

	t := &model.Tenant{}
	err := s.db.QueryRow(ctx, q, arg).Scan(
		&t.ID, &t.Slug, &t.Name, &t.Status, &t.Tier, &t.AllowedCIDRs, &t.Maintenance,
		&t.DiscountPercent, &t.TaxRatePercent, &t.Currency, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("tenant store: get: %w", err))
	}
	return t, nil
}

// UpdateStatus transitions the tenant's lifecycle status. Termination is
// terminal: a terminated tenant never changes status again.
func (s *TenantStore) UpdateStatus(ctx context.Context, id string, status model.TenantStatus) error {
	const q = `
		UPDATE tenants
		SET    status = $2, updated_at = now()
		WHERE  id = $1 AND status <> 'terminated'`

	tag, err := s.db.Exec(ctx, q, id, status)
	if err != nil {
		return classify(fmt.Errorf("tenant store: update status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindBusinessRule, "tenant %s is terminated or missing", id).
			With("rule", "tenant_terminal_status")
	}
	return nil
}

// Update persists mutable tenant fields (name, allow-list, maintenance,
// discount, tax rate).
func (s *TenantStore) Update(ctx context.Context, t *model.Tenant) error {
	const q = `
		UPDATE tenants
		SET    name = $2, allowed_cidrs = $3, maintenance = $4,
		       discount_percent = $5, tax_rate_percent = $6, updated_at = now()
		WHERE  id = $1`

	tag, err := s.db.Exec(ctx, q,
		t.ID, t.Name, t.AllowedCIDRs, t.Maintenance, t.DiscountPercent, t.TaxRatePercent,
	)
	if err != nil {
		return classify(fmt.Errorf("tenant store: update: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "tenant %s not found", t.ID)
	}
	return nil
}

// ListByStatus returns all tenants in the given status.
func (s *TenantStore) ListByStatus(ctx context.Context, status model.TenantStatus) ([]model.Tenant, error) {
	const q = `
		SELECT id, slug, name, status, tier, allowed_cidrs, maintenance,
		       discount_percent, tax_rate_percent, currency, created_at, updated_at
		FROM   tenants
		WHERE  status = $1
		ORDER  BY created_at`

	rows, err := s.db.Query(ctx, q, status)
	if err != nil {
		return nil, classify(fmt.Errorf("tenant store: list: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Tenant, error) {
		var t model.Tenant
		err := row.Scan(
			&t.ID, &t.Slug, &t.Name, &t.Status, &t.Tier, &t.AllowedCIDRs, &t.Maintenance,
			&t.DiscountPercent, &t.TaxRatePercent, &t.Currency, &t.CreatedAt, &t.UpdatedAt,
		)
		return t, err
	})
	if err != nil {
		return nil, classify(fmt.Errorf("tenant store: scan: %w", err))
	}
	return out, nil
}
