package store

import (
	"context"
	"fmt"
	"time"

	"github.com/voxwire/voxwire/internal/model"
)

// PrincipalStore persists [model.Principal] rows. Password hashes go in and
// out as opaque strings; hashing lives in the auth layer.
type PrincipalStore struct {
	db querier
}

const principalColumns = `
	id, tenant_id, email, role, extra_permissions, password_hash,
	mfa_enrolled, failed_logins,
	COALESCE(locked_until, 'epoch'::timestamptz),
	COALESCE(last_login_at, 'epoch'::timestamptz),
	created_at`

// Create inserts a new principal bound to its tenant.
func (s *PrincipalStore) Create(ctx context.Context, p *model.Principal) error {
	const q = `
		INSERT INTO principals
		    (id, tenant_id, email, role, extra_permissions, password_hash, mfa_enrolled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.Exec(ctx, q,
		p.ID, p.TenantID, p.Email, p.Role, p.ExtraPermissions, p.PasswordHash, p.MFAEnrolled, p.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("principal store: create: %w", err))
	}
	return nil
}

// GetByID returns the principal with the given id, scoped to tenantID.
func (s *PrincipalStore) GetByID(ctx context.Context, tenantID, id string) (*model.Principal, error) {
	return s.get(ctx, "tenant_id = $1 AND id = $2", tenantID, id)
}

// GetByEmail returns the principal with the given email within a tenant.
func (s *PrincipalStore) GetByEmail(ctx context.Context, tenantID, email string) (*model.Principal, error) {
	return s.get(ctx, "tenant_id = $1 AND email = $2", tenantID, email)
}

func (s *PrincipalStore) get(ctx context.Context, where string, args ...any) (*model.Principal, error) {
	q := "SELECT " + principalColumns + " FROM principals WHERE " + where

	p := &model.Principal{}
	err := s.db.QueryRow(ctx, q, args...).Scan(
		&p.ID, &p.TenantID, &p.Email, &p.Role, &p.ExtraPermissions, &p.PasswordHash,
		&p.MFAEnrolled, &p.FailedLogins, &p.LockedUntil, &p.LastLoginAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("principal store: get: %w", err))
	}
	normalizeEpoch(&p.LockedUntil)
	normalizeEpoch(&p.LastLoginAt)
	return p, nil
}

// RecordLoginFailure increments the failure counter and, when maxFailures is
// reached, locks the principal until lockedUntil.
func (s *PrincipalStore) RecordLoginFailure(ctx context.Context, id string, maxFailures int, lockedUntil time.Time) error {
	const q = `
		UPDATE principals
		SET    failed_logins = failed_logins + 1,
		       locked_until  = CASE WHEN failed_logins + 1 >= $2 THEN $3 ELSE locked_until END
		WHERE  id = $1`

	if _, err := s.db.Exec(ctx, q, id, maxFailures, lockedUntil); err != nil {
		return classify(fmt.Errorf("principal store: record failure: %w", err))
	}
	return nil
}

// RecordLoginSuccess clears the failure counter and lock, and stamps
// last_login_at.
func (s *PrincipalStore) RecordLoginSuccess(ctx context.Context, id string, at time.Time) error {
	const q = `
		UPDATE principals
		SET    failed_logins = 0, locked_until = NULL, last_login_at = $2
		WHERE  id = $1`

	if _, err := s.db.Exec(ctx, q, id, at); err != nil {
		return classify(fmt.Errorf("principal store: record success: %w", err))
	}
	return nil
}

// normalizeEpoch maps the COALESCE'd epoch sentinel back to the zero time.
func normalizeEpoch(t *time.Time) {
	if t.Unix() == 0 {
		*t = time.Time{}
	}
}

// nullableTime maps the zero time to SQL NULL on insert.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
