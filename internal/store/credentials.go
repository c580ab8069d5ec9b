package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

// CredentialStore persists [model.APICredential] rows. Only the one-way hash
// of a credential secret is ever stored; lookups run against the hash index.
type CredentialStore struct {
	db querier
}

const credentialColumns = `
	id, tenant_id, name, prefix, hash, scopes, allowed_cidrs, rate_per_minute,
	status,
	COALESCE(expires_at, 'epoch'::timestamptz),
	COALESCE(rotated_at, 'epoch'::timestamptz),
	COALESCE(last_used_at, 'epoch'::timestamptz),
	created_at`

// Create inserts a new API credential.
func (s *CredentialStore) Create(ctx context.Context, c *model.APICredential) error {
	const q = `
		INSERT INTO api_credentials
		    (id, tenant_id, name, prefix, hash, scopes, allowed_cidrs,
		     rate_per_minute, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.Exec(ctx, q,
		c.ID, c.TenantID, c.Name, c.Prefix, c.Hash, c.Scopes, c.AllowedCIDRs,
		c.RateLimitPerMinute, c.Status, nullableTime(c.ExpiresAt), c.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("credential store: create: %w", err))
	}
	return nil
}

// GetByHash returns the credential matching the given secret hash, regardless
// of status — the caller decides how to treat revoked or expired entries.
func (s *CredentialStore) GetByHash(ctx context.Context, hash string) (*model.APICredential, error) {
	return s.get(ctx, "hash = $1", hash)
}

// GetByID returns the credential with the given id, scoped to tenantID.
func (s *CredentialStore) GetByID(ctx context.Context, tenantID, id string) (*model.APICredential, error) {
	return s.get(ctx, "tenant_id = $1 AND id = $2", tenantID, id)
}

func (s *CredentialStore) get(ctx context.Context, where string, args ...any) (*model.APICredential, error) {
	q := "SELECT " + credentialColumns + " FROM api_credentials WHERE " + where

	c := &model.APICredential{}
	err := s.db.QueryRow(ctx, q, args...).Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Prefix, &c.Hash, &c.Scopes, &c.AllowedCIDRs,
		&c.RateLimitPerMinute, &c.Status, &c.ExpiresAt, &c.RotatedAt, &c.LastUsedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("credential store: get: %w", err))
	}
	normalizeEpoch(&c.ExpiresAt)
	normalizeEpoch(&c.RotatedAt)
	normalizeEpoch(&c.LastUsedAt)
	return c, nil
}

// Rotate replaces the credential's hash and prefix in place. The old secret
// becomes unusable the moment this commits.
func (s *CredentialStore) Rotate(ctx context.Context, tenantID, id, newHash, newPrefix string, at time.Time) error {
	const q = `
		UPDATE api_credentials
		SET    hash = $3, prefix = $4, rotated_at = $5
		WHERE  tenant_id = $1 AND id = $2 AND status = 'active'`

	tag, err := s.db.Exec(ctx, q, tenantID, id, newHash, newPrefix, at)
	if err != nil {
		return classify(fmt.Errorf("credential store: rotate: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "active credential %s not found", id)
	}
	return nil
}

// SetStatus moves the credential to a new lifecycle status.
func (s *CredentialStore) SetStatus(ctx context.Context, tenantID, id string, status model.CredentialStatus) error {
	const q = `
		UPDATE api_credentials
		SET    status = $3
		WHERE  tenant_id = $1 AND id = $2`

	tag, err := s.db.Exec(ctx, q, tenantID, id, status)
	if err != nil {
		return classify(fmt.Errorf("credential store: set status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "credential %s not found", id)
	}
	return nil
}

// TouchLastUsed stamps last_used_at. Best-effort: callers ignore the error.
func (s *CredentialStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE api_credentials SET last_used_at = $2 WHERE id = $1`
	if _, err := s.db.Exec(ctx, q, id, at); err != nil {
		return classify(fmt.Errorf("credential store: touch: %w", err))
	}
	return nil
}

// ListByTenant returns all credentials for a tenant, newest first.
func (s *CredentialStore) ListByTenant(ctx context.Context, tenantID string) ([]model.APICredential, error) {
	q := "SELECT " + credentialColumns + " FROM api_credentials WHERE tenant_id = $1 ORDER BY created_at DESC"

	rows, err := s.db.Query(ctx, q, tenantID)
	if err != nil {
		return nil, classify(fmt.Errorf("credential store: list: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.APICredential, error) {
		var c model.APICredential
		err := row.Scan(
			&c.ID, &c.TenantID, &c.Name, &c.Prefix, &c.Hash, &c.Scopes, &c.AllowedCIDRs,
			&c.RateLimitPerMinute, &c.Status, &c.ExpiresAt, &c.RotatedAt, &c.LastUsedAt, &c.CreatedAt,
		)
		normalizeEpoch(&c.ExpiresAt)
		normalizeEpoch(&c.RotatedAt)
		normalizeEpoch(&c.LastUsedAt)
		return c, err
	})
	if err != nil {
		return nil, classify(fmt.Errorf("credential store: scan: %w", err))
	}
	return out, nil
}
