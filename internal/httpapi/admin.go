package httpapi

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

// ─── Voice agents ─────────────────────────────────────────────────────────────

type agentRequest struct {
	Name              string            `json:"name"`
	VoiceID           string            `json:"voice_id"`
	Tuning            model.VoiceTuning `json:"tuning"`
	LLMModel          string            `json:"llm_model"`
	LLMTemperature    float64           `json:"llm_temperature"`
	SystemPrompt      string            `json:"system_prompt"`
	Greeting          string            `json:"greeting"`
	FallbackText      string            `json:"fallback_text"`
	TransferEnabled   bool              `json:"transfer_enabled"`
	SchedulingEnabled bool              `json:"scheduling_enabled"`
	WorkingHours      string            `json:"working_hours"`
	Active            *bool             `json:"active"`
}

func (req *agentRequest) validate() error {
	switch {
	case req.Name == "":
		return fault.New(fault.KindValidation, "httpapi: agent name is required").With("fields", []string{"name"})
	case req.VoiceID == "":
		return fault.New(fault.KindValidation, "httpapi: voice_id is required").With("fields", []string{"voice_id"})
	case req.LLMTemperature < 0 || req.LLMTemperature > 2:
		return fault.New(fault.KindValidation, "httpapi: llm_temperature must be in [0, 2]").With("fields", []string{"llm_temperature"})
	}
	return nil
}

type agentResponse struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	VoiceID           string            `json:"voice_id"`
	Tuning            model.VoiceTuning `json:"tuning"`
	LLMModel          string            `json:"llm_model"`
	LLMTemperature    float64           `json:"llm_temperature"`
	SystemPrompt      string            `json:"system_prompt"`
	Greeting          string            `json:"greeting"`
	FallbackText      string            `json:"fallback_text"`
	TransferEnabled   bool              `json:"transfer_enabled"`
	SchedulingEnabled bool              `json:"scheduling_enabled"`
	WorkingHours      string            `json:"working_hours,omitempty"`
	Active            bool              `json:"active"`
	TotalSessions     int64             `json:"total_sessions"`
	SuccessSessions   int64             `json:"success_sessions"`
	AvgDurationSecs   float64           `json:"avg_duration_secs"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func toAgentResponse(a *model.VoiceAgent) agentResponse {
	return agentResponse{
		ID:                a.ID,
		Name:              a.Name,
		VoiceID:           a.VoiceID,
		Tuning:            a.Tuning,
		LLMModel:          a.LLMModel,
		LLMTemperature:    a.LLMTemperature,
		SystemPrompt:      a.SystemPrompt,
		Greeting:          a.Greeting,
		FallbackText:      a.FallbackText,
		TransferEnabled:   a.TransferEnabled,
		SchedulingEnabled: a.SchedulingEnabled,
		WorkingHours:      a.WorkingHours,
		Active:            a.Active,
		TotalSessions:     a.TotalSessions,
		SuccessSessions:   a.SuccessSessions,
		AvgDurationSecs:   a.AvgDurationSecs,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:create") {
		return
	}
	var req agentRequest
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeFault(w, err)
		return
	}

	now := s.now()
	agent := &model.VoiceAgent{
		ID:                uuid.NewString(),
		TenantID:          scope.TenantID,
		Name:              req.Name,
		VoiceID:           req.VoiceID,
		Tuning:            req.Tuning,
		LLMModel:          req.LLMModel,
		LLMTemperature:    req.LLMTemperature,
		SystemPrompt:      req.SystemPrompt,
		Greeting:          req.Greeting,
		FallbackText:      req.FallbackText,
		TransferEnabled:   req.TransferEnabled,
		SchedulingEnabled: req.SchedulingEnabled,
		WorkingHours:      req.WorkingHours,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Active != nil {
		agent.Active = *req.Active
	}
	if err := s.d.Agents.Create(r.Context(), agent); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(agent))
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:read") {
		return
	}
	agents, err := s.d.Agents.ListByTenant(r.Context(), scope.TenantID)
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for i := range agents {
		out = append(out, toAgentResponse(&agents[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:read") {
		return
	}
	agent, err := s.d.Agents.GetByID(r.Context(), scope.TenantID, pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(agent))
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:update") {
		return
	}
	agent, err := s.d.Agents.GetByID(r.Context(), scope.TenantID, pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	var req agentRequest
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeFault(w, err)
		return
	}

	agent.Name = req.Name
	agent.VoiceID = req.VoiceID
	agent.Tuning = req.Tuning
	agent.LLMModel = req.LLMModel
	agent.LLMTemperature = req.LLMTemperature
	agent.SystemPrompt = req.SystemPrompt
	agent.Greeting = req.Greeting
	agent.FallbackText = req.FallbackText
	agent.TransferEnabled = req.TransferEnabled
	agent.SchedulingEnabled = req.SchedulingEnabled
	agent.WorkingHours = req.WorkingHours
	if req.Active != nil {
		agent.Active = *req.Active
	}
	agent.UpdatedAt = s.now()

	if err := s.d.Agents.Update(r.Context(), agent); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(agent))
}

// ─── Webhook subscribers ──────────────────────────────────────────────────────

type webhookRequest struct {
	URL         string            `json:"url"`
	Secret      string            `json:"secret"`
	EventKinds  []string          `json:"event_kinds"`
	Headers     map[string]string `json:"headers"`
	MaxAttempts int               `json:"max_attempts"`
	RetryDelayS int               `json:"retry_delay_seconds"`
	TimeoutS    int               `json:"timeout_seconds"`
}

type webhookResponse struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	EventKinds   []string  `json:"event_kinds"`
	Status       string    `json:"status"`
	TotalCount   int64     `json:"total_count"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func toWebhookResponse(sub *model.WebhookSubscriber) webhookResponse {
	return webhookResponse{
		ID:           sub.ID,
		URL:          sub.URL,
		EventKinds:   sub.EventKinds,
		Status:       string(sub.Status),
		TotalCount:   sub.TotalCount,
		SuccessCount: sub.SuccessCount,
		FailureCount: sub.FailureCount,
		CreatedAt:    sub.CreatedAt,
	}
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "webhook:create") {
		return
	}
	var req webhookRequest
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	switch {
	case req.URL == "":
		writeFault(w, fault.New(fault.KindValidation, "httpapi: url is required").With("fields", []string{"url"}))
		return
	case req.Secret == "":
		writeFault(w, fault.New(fault.KindValidation, "httpapi: secret is required").With("fields", []string{"secret"}))
		return
	case len(req.EventKinds) == 0:
		writeFault(w, fault.New(fault.KindValidation, "httpapi: event_kinds is required").With("fields", []string{"event_kinds"}))
		return
	}

	secret := req.Secret
	if s.d.Vault != nil {
		blob, err := s.d.Vault.Wrap(scope.TenantID, []byte(req.Secret))
		if err != nil {
			writeFault(w, err)
			return
		}
		secret = base64.StdEncoding.EncodeToString(blob)
	}

	sub := &model.WebhookSubscriber{
		ID:          uuid.NewString(),
		TenantID:    scope.TenantID,
		URL:         req.URL,
		Secret:      secret,
		EventKinds:  req.EventKinds,
		Headers:     req.Headers,
		MaxAttempts: req.MaxAttempts,
		RetryDelay:  time.Duration(req.RetryDelayS) * time.Second,
		Timeout:     time.Duration(req.TimeoutS) * time.Second,
		Status:      model.SubscriberActive,
		CreatedAt:   s.now(),
	}
	if err := s.d.Webhooks.Create(r.Context(), sub); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWebhookResponse(sub))
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "webhook:read") {
		return
	}
	subs, err := s.d.Webhooks.ListActive(r.Context(), scope.TenantID)
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]webhookResponse, 0, len(subs))
	for i := range subs {
		out = append(out, toWebhookResponse(&subs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "webhook:delete") {
		return
	}
	if err := s.d.Webhooks.Delete(r.Context(), scope.TenantID, pathID(r)); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "webhook:update") {
		return
	}
	sub, err := s.d.Webhooks.GetByID(r.Context(), scope.TenantID, pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := s.d.Dispatcher.SendTest(r.Context(), sub); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"delivered": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": true})
}

func (s *Server) handleWebhookReactivate(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "webhook:update") {
		return
	}
	if err := s.d.Webhooks.Reactivate(r.Context(), scope.TenantID, pathID(r)); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
