// Package store is the PostgreSQL gateway for all durable Voxwire state:
// tenants, principals, API credentials, voice agents, sessions, conversation
// turns, usage events, invoices, audit records, webhook subscribers, and
// pregeneration jobs.
//
// The gateway hides schema layout from callers. Multi-row writes run inside
// [Store.WithinTx] serializable transactions; conflicts surface as retryable
// fault.KindConflict errors distinct from fatal store failures.
//
// All operations are safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxwire/voxwire/internal/fault"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so entity operations
// can run standalone or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the central PostgreSQL-backed gateway. It holds a single
// [pgxpool.Pool] and exposes the per-entity stores:
//
//   - [Store.Tenants], [Store.Principals], [Store.Credentials]
//   - [Store.Agents], [Store.Sessions]
//   - [Store.Usage], [Store.Invoices], [Store.Audit]
//   - [Store.Webhooks], [Store.Jobs]
type Store struct {
	pool *pgxpool.Pool

	tenants     *TenantStore
	principals  *PrincipalStore
	credentials *CredentialStore
	agents      *AgentStore
	sessions    *SessionStore
	usage       *UsageStore
	invoices    *InvoiceStore
	audit       *AuditStore
	webhooks    *WebhookStore
	jobs        *JobStore
	artifacts   *ArtifactStore
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure all required tables and
// indices exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return newStore(pool), nil
}

func newStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		tenants:     &TenantStore{db: pool},
		principals:  &PrincipalStore{db: pool},
		credentials: &CredentialStore{db: pool},
		agents:      &AgentStore{db: pool},
		sessions:    &SessionStore{db: pool},
		usage:       &UsageStore{db: pool},
		invoices:    &InvoiceStore{db: pool},
		audit:       &AuditStore{db: pool},
		webhooks:    &WebhookStore{db: pool},
		jobs:        &JobStore{db: pool},
		artifacts:   &ArtifactStore{db: pool},
	}
}

// Tx bundles the per-entity stores bound to one open transaction. All writes
// through a Tx commit or roll back together.
type Tx struct {
	Tenants     *TenantStore
	Principals  *PrincipalStore
	Credentials *CredentialStore
	Agents      *AgentStore
	Sessions    *SessionStore
	Usage       *UsageStore
	Invoices    *InvoiceStore
	Audit       *AuditStore
	Webhooks    *WebhookStore
	Jobs        *JobStore
	Artifacts   *ArtifactStore
}

// WithinTx runs fn inside a serializable transaction. On a serialization
// failure or unique violation the returned error is a retryable
// fault.KindConflict; other database failures map to fault.KindStoreUnavailable.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(fmt.Errorf("store: begin tx: %w", err))
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	tx := &Tx{
		Tenants:     &TenantStore{db: pgtx},
		Principals:  &PrincipalStore{db: pgtx},
		Credentials: &CredentialStore{db: pgtx},
		Agents:      &AgentStore{db: pgtx},
		Sessions:    &SessionStore{db: pgtx},
		Usage:       &UsageStore{db: pgtx},
		Invoices:    &InvoiceStore{db: pgtx},
		Audit:       &AuditStore{db: pgtx},
		Webhooks:    &WebhookStore{db: pgtx},
		Jobs:        &JobStore{db: pgtx},
		Artifacts:   &ArtifactStore{db: pgtx},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("store: commit: %w", err))
	}
	return nil
}

// Entity store accessors.

func (s *Store) Tenants() *TenantStore         { return s.tenants }
func (s *Store) Principals() *PrincipalStore   { return s.principals }
func (s *Store) Credentials() *CredentialStore { return s.credentials }
func (s *Store) Agents() *AgentStore           { return s.agents }
func (s *Store) Sessions() *SessionStore       { return s.sessions }
func (s *Store) Usage() *UsageStore            { return s.usage }
func (s *Store) Invoices() *InvoiceStore       { return s.invoices }
func (s *Store) Audit() *AuditStore            { return s.audit }
func (s *Store) Webhooks() *WebhookStore       { return s.webhooks }
func (s *Store) Jobs() *JobStore               { return s.jobs }
func (s *Store) Artifacts() *ArtifactStore     { return s.artifacts }

// Close releases all connections held by the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// classify maps a database error to the fault taxonomy: no rows → not-found,
// serialization failure / deadlock / unique violation → retryable conflict,
// anything else → store-unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.Wrap(fault.KindNotFound, err, "store: not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505": // serialization_failure, deadlock_detected, unique_violation
			return fault.Wrap(fault.KindConflict, err, "store: conflict")
		}
	}
	return fault.Wrap(fault.KindStoreUnavailable, err, "store: unavailable")
}
