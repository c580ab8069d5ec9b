package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements are executed in order by [Migrate]. Every statement is
// idempotent so migration can run on every start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id               TEXT PRIMARY KEY,
		slug             TEXT NOT NULL UNIQUE,
		name             TEXT NOT NULL,
		status           TEXT NOT NULL,
		tier             TEXT NOT NULL,
		allowed_cidrs    TEXT[] NOT NULL DEFAULT '{}',
		maintenance      BOOLEAN NOT NULL DEFAULT FALSE,
		discount_percent NUMERIC(8,4) NOT NULL DEFAULT 0,
		tax_rate_percent NUMERIC(8,4) NOT NULL DEFAULT 0,
		currency         TEXT NOT NULL DEFAULT 'USD',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants (id, status)`,

	`CREATE TABLE IF NOT EXISTS principals (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL REFERENCES tenants(id),
		email             TEXT NOT NULL,
		role              TEXT NOT NULL,
		extra_permissions TEXT[] NOT NULL DEFAULT '{}',
		password_hash     TEXT NOT NULL,
		mfa_enrolled      BOOLEAN NOT NULL DEFAULT FALSE,
		failed_logins     INT NOT NULL DEFAULT 0,
		locked_until      TIMESTAMPTZ,
		last_login_at     TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, email)
	)`,

	`CREATE TABLE IF NOT EXISTS api_credentials (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL REFERENCES tenants(id),
		name            TEXT NOT NULL,
		prefix          TEXT NOT NULL,
		hash            TEXT NOT NULL,
		scopes          TEXT[] NOT NULL DEFAULT '{}',
		allowed_cidrs   TEXT[] NOT NULL DEFAULT '{}',
		rate_per_minute INT NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		expires_at      TIMESTAMPTZ,
		rotated_at      TIMESTAMPTZ,
		last_used_at    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_api_credentials_hash ON api_credentials (hash)`,

	`CREATE TABLE IF NOT EXISTS voice_agents (
		id                 TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL REFERENCES tenants(id),
		name               TEXT NOT NULL,
		voice_id           TEXT NOT NULL,
		tuning             JSONB NOT NULL DEFAULT '{}',
		llm_model          TEXT NOT NULL DEFAULT '',
		llm_temperature    DOUBLE PRECISION NOT NULL DEFAULT 0.7,
		system_prompt      TEXT NOT NULL DEFAULT '',
		greeting           TEXT NOT NULL DEFAULT '',
		fallback_text      TEXT NOT NULL DEFAULT '',
		transfer_enabled   BOOLEAN NOT NULL DEFAULT FALSE,
		scheduling_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		working_hours      TEXT NOT NULL DEFAULT '',
		active             BOOLEAN NOT NULL DEFAULT TRUE,
		total_sessions     BIGINT NOT NULL DEFAULT 0,
		success_sessions   BIGINT NOT NULL DEFAULT 0,
		avg_duration_secs  DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS voice_sessions (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL REFERENCES tenants(id),
		agent_id   TEXT NOT NULL,
		caller_id  TEXT NOT NULL DEFAULT '',
		language   TEXT NOT NULL DEFAULT 'en',
		state      TEXT NOT NULL,
		outcome    TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at   TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_turns (
		session_id    TEXT NOT NULL REFERENCES voice_sessions(id),
		seq           INT NOT NULL,
		direction     TEXT NOT NULL,
		type          TEXT NOT NULL,
		text          TEXT NOT NULL DEFAULT '',
		audio_ref     TEXT NOT NULL DEFAULT '',
		processing_ns BIGINT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS usage_events (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL REFERENCES tenants(id),
		metric     TEXT NOT NULL,
		quantity   NUMERIC(20,6) NOT NULL,
		unit       TEXT NOT NULL DEFAULT '',
		cost       NUMERIC(20,6) NOT NULL DEFAULT 0,
		metadata   JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_tenant_metric_time
		ON usage_events (tenant_id, metric, created_at)`,

	`CREATE TABLE IF NOT EXISTS billing_totals (
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		period    TEXT NOT NULL,
		total     NUMERIC(20,6) NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, period)
	)`,

	`CREATE TABLE IF NOT EXISTS invoices (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL REFERENCES tenants(id),
		number       TEXT NOT NULL UNIQUE,
		period_start TIMESTAMPTZ NOT NULL,
		period_end   TIMESTAMPTZ NOT NULL,
		status       TEXT NOT NULL,
		currency     TEXT NOT NULL DEFAULT 'USD',
		subtotal     NUMERIC(20,6) NOT NULL DEFAULT 0,
		discount     NUMERIC(20,6) NOT NULL DEFAULT 0,
		tax          NUMERIC(20,6) NOT NULL DEFAULT 0,
		total        NUMERIC(20,6) NOT NULL DEFAULT 0,
		lines        JSONB NOT NULL DEFAULT '[]',
		payment_ref  TEXT NOT NULL DEFAULT '',
		void_reason  TEXT NOT NULL DEFAULT '',
		due_at       TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, period_start, period_end)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_records (
		id             TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		kind           TEXT NOT NULL,
		severity       TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		principal_id   TEXT NOT NULL DEFAULT '',
		source_ip      TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		before         JSONB,
		after          JSONB,
		detail         TEXT NOT NULL DEFAULT '',
		retain_until   TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_records (tenant_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS webhook_subscribers (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL REFERENCES tenants(id),
		url             TEXT NOT NULL,
		secret          TEXT NOT NULL,
		event_kinds     TEXT[] NOT NULL DEFAULT '{}',
		headers         JSONB NOT NULL DEFAULT '{}',
		max_attempts    INT NOT NULL DEFAULT 0,
		retry_delay_ns  BIGINT NOT NULL DEFAULT 0,
		timeout_ns      BIGINT NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		total_count     BIGINT NOT NULL DEFAULT 0,
		success_count   BIGINT NOT NULL DEFAULT 0,
		failure_count   BIGINT NOT NULL DEFAULT 0,
		net_failures    INT NOT NULL DEFAULT 0,
		last_success_at TIMESTAMPTZ,
		last_failure_at TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS pregen_jobs (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL REFERENCES tenants(id),
		agent_id   TEXT NOT NULL,
		language   TEXT NOT NULL DEFAULT 'en',
		texts      TEXT[] NOT NULL DEFAULT '{}',
		done       INT NOT NULL DEFAULT 0,
		status     TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS synthesis_artifacts (
		fingerprint   TEXT PRIMARY KEY,
		audio         BYTEA NOT NULL,
		duration_ns   BIGINT NOT NULL DEFAULT 0,
		quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates all required tables and indices. Safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate statement %d: %w", i, err)
		}
	}
	return nil
}
