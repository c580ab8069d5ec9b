package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

// AgentStore persists [model.VoiceAgent] rows. Tenant ownership is immutable:
// no update path ever changes tenant_id.
type AgentStore struct {
	db querier
}

const agentColumns = `
	id, tenant_id, name, voice_id, tuning, llm_model, llm_temperature,
	system_prompt, greeting, fallback_text, transfer_enabled, scheduling_enabled,
	working_hours, active, total_sessions, success_sessions, avg_duration_secs,
	created_at, updated_at`

// Create inserts a new voice agent.
func (s *AgentStore) Create(ctx context.Context, a *model.VoiceAgent) error {
	const q = `
		INSERT INTO voice_agents
		    (id, tenant_id, name, voice_id, tuning, llm_model, llm_temperature,
		     system_prompt, greeting, fallback_text, transfer_enabled,
		     scheduling_enabled, working_hours, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`

	_, err := s.db.Exec(ctx, q,
		a.ID, a.TenantID, a.Name, a.VoiceID, a.Tuning, a.LLMModel, a.LLMTemperature,
		a.SystemPrompt, a.Greeting, a.FallbackText, a.TransferEnabled,
		a.SchedulingEnabled, a.WorkingHours, a.Active, a.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("agent store: create: %w", err))
	}
	return nil
}

// GetByID returns the agent with the given id, scoped to tenantID.
func (s *AgentStore) GetByID(ctx context.Context, tenantID, id string) (*model.VoiceAgent, error) {
	q := "SELECT " + agentColumns + " FROM voice_agents WHERE tenant_id = $1 AND id = $2"

	a := &model.VoiceAgent{}
	err := s.db.QueryRow(ctx, q, tenantID, id).Scan(
		&a.ID, &a.TenantID, &a.Name, &a.VoiceID, &a.Tuning, &a.LLMModel, &a.LLMTemperature,
		&a.SystemPrompt, &a.Greeting, &a.FallbackText, &a.TransferEnabled, &a.SchedulingEnabled,
		&a.WorkingHours, &a.Active, &a.TotalSessions, &a.SuccessSessions, &a.AvgDurationSecs,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("agent store: get: %w", err))
	}
	return a, nil
}

// Update persists the agent's mutable configuration.
func (s *AgentStore) Update(ctx context.Context, a *model.VoiceAgent) error {
	const q = `
		UPDATE voice_agents
		SET    name = $3, voice_id = $4, tuning = $5, llm_model = $6,
		       llm_temperature = $7, system_prompt = $8, greeting = $9,
		       fallback_text = $10, transfer_enabled = $11, scheduling_enabled = $12,
		       working_hours = $13, active = $14, updated_at = now()
		WHERE  tenant_id = $1 AND id = $2`

	tag, err := s.db.Exec(ctx, q,
		a.TenantID, a.ID, a.Name, a.VoiceID, a.Tuning, a.LLMModel,
		a.LLMTemperature, a.SystemPrompt, a.Greeting, a.FallbackText,
		a.TransferEnabled, a.SchedulingEnabled, a.WorkingHours, a.Active,
	)
	if err != nil {
		return classify(fmt.Errorf("agent store: update: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "voice agent %s not found", a.ID)
	}
	return nil
}

// RecordSessionOutcome rolls a finished session into the agent's stats: the
// running average duration is recomputed from the previous totals.
func (s *AgentStore) RecordSessionOutcome(ctx context.Context, tenantID, id string, success bool, durationSecs float64) error {
	const q = `
		UPDATE voice_agents
		SET    total_sessions    = total_sessions + 1,
		       success_sessions  = success_sessions + CASE WHEN $3 THEN 1 ELSE 0 END,
		       avg_duration_secs = (avg_duration_secs * total_sessions + $4) / (total_sessions + 1),
		       updated_at        = now()
		WHERE  tenant_id = $1 AND id = $2`

	if _, err := s.db.Exec(ctx, q, tenantID, id, success, durationSecs); err != nil {
		return classify(fmt.Errorf("agent store: record outcome: %w", err))
	}
	return nil
}

// ListByTenant returns all agents for a tenant.
func (s *AgentStore) ListByTenant(ctx context.Context, tenantID string) ([]model.VoiceAgent, error) {
	q := "SELECT " + agentColumns + " FROM voice_agents WHERE tenant_id = $1 ORDER BY created_at"

	rows, err := s.db.Query(ctx, q, tenantID)
	if err != nil {
		return nil, classify(fmt.Errorf("agent store: list: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.VoiceAgent, error) {
		var a model.VoiceAgent
		err := row.Scan(
			&a.ID, &a.TenantID, &a.Name, &a.VoiceID, &a.Tuning, &a.LLMModel, &a.LLMTemperature,
			&a.SystemPrompt, &a.Greeting, &a.FallbackText, &a.TransferEnabled, &a.SchedulingEnabled,
			&a.WorkingHours, &a.Active, &a.TotalSessions, &a.SuccessSessions, &a.AvgDurationSecs,
			&a.CreatedAt, &a.UpdatedAt,
		)
		return a, err
	})
	if err != nil {
		return nil, classify(fmt.Errorf("agent store: scan: %w", err))
	}
	return out, nil
}
