package httpapi

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/tenant"
	"github.com/voxwire/voxwire/internal/usage"
	"github.com/voxwire/voxwire/internal/voice"
)

// maxBulkTexts bounds one bulk synthesis request.
const maxBulkTexts = 100

func pathID(r *http.Request) string { return chi.URLParam(r, "id") }

type synthesizeRequest struct {
	Text     string `json:"text"`
	AgentID  string `json:"agent_id"`
	Language string `json:"language"`
}

func (req *synthesizeRequest) validate() error {
	switch {
	case req.Text == "":
		return fault.New(fault.KindValidation, "httpapi: text is required").With("fields", []string{"text"})
	case req.AgentID == "":
		return fault.New(fault.KindValidation, "httpapi: agent_id is required").With("fields", []string{"agent_id"})
	}
	if req.Language == "" {
		req.Language = "en"
	}
	return nil
}

// synthesisUsage builds the character-metering submission for one request.
func synthesisUsage(scope *tenant.Scope, agentID string, chars int) *usage.Record {
	return &usage.Record{
		TenantID:      scope.TenantID,
		Tier:          scope.Tier,
		Metric:        model.MetricSynthesisChars,
		Quantity:      float64(chars),
		Unit:          "chars",
		Metadata:      map[string]string{"agent_id": agentID, "surface": "api"},
		PrincipalID:   scope.PrincipalID,
		SourceIP:      scope.SourceIP,
		CorrelationID: scope.CorrelationID,
	}
}

// checkSynthesisQuota enforces the character quota before any provider work.
func (s *Server) checkSynthesisQuota(r *http.Request, scope *tenant.Scope, agentID string, chars int) error {
	return s.d.Usage.CheckQuota(r.Context(), synthesisUsage(scope, agentID, chars))
}

// meterSynthesis records characters that actually consumed provider work.
// Cache replays are free, so callers meter only on a miss.
func (s *Server) meterSynthesis(r *http.Request, scope *tenant.Scope, agentID string, chars int) error {
	_, err := s.d.Usage.RecordUsage(r.Context(), synthesisUsage(scope, agentID, chars))
	return err
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:use") {
		return
	}
	var req synthesizeRequest
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeFault(w, err)
		return
	}

	agent, err := s.d.Agents.GetByID(r.Context(), scope.TenantID, req.AgentID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := s.checkSynthesisQuota(r, scope, agent.ID, len(req.Text)); err != nil {
		writeFault(w, err)
		return
	}

	res, err := s.d.Synth.Synthesize(r.Context(), agent, req.Text, req.Language)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !res.CacheHit {
		if err := s.meterSynthesis(r, scope, agent.ID, len(req.Text)); err != nil {
			writeFault(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audio":       base64.StdEncoding.EncodeToString(res.Audio),
		"duration_ms": res.Duration.Milliseconds(),
		"elapsed_ms":  res.Elapsed.Milliseconds(),
		"cache_hit":   res.CacheHit,
	})
}

func (s *Server) handleSynthesizeStream(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:use") {
		return
	}
	var req synthesizeRequest
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeFault(w, err)
		return
	}

	agent, err := s.d.Agents.GetByID(r.Context(), scope.TenantID, req.AgentID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := s.checkSynthesisQuota(r, scope, agent.ID, len(req.Text)); err != nil {
		writeFault(w, err)
		return
	}

	res, ch, err := s.d.Synth.Stream(r.Context(), agent, req.Text, req.Language)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !res.CacheHit {
		if err := s.meterSynthesis(r, scope, agent.ID, len(req.Text)); err != nil {
			writeFault(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for chunk := range ch {
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleSynthesizeBulk(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:use") {
		return
	}
	var req struct {
		Texts      []string `json:"texts"`
		AgentID    string   `json:"agent_id"`
		Language   string   `json:"language"`
		Background bool     `json:"background"`
	}
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if len(req.Texts) == 0 || len(req.Texts) > maxBulkTexts {
		writeFault(w, fault.New(fault.KindValidation, "httpapi: texts must contain 1 to %d entries", maxBulkTexts).
			With("fields", []string{"texts"}))
		return
	}
	if req.Language == "" {
		req.Language = "en"
	}

	agent, err := s.d.Agents.GetByID(r.Context(), scope.TenantID, req.AgentID)
	if err != nil {
		writeFault(w, err)
		return
	}

	var chars int
	for _, t := range req.Texts {
		chars += len(t)
	}

	if req.Background {
		// Deferred synthesis is billed at acceptance; the job queue owes the
		// provider work later.
		if err := s.meterSynthesis(r, scope, agent.ID, chars); err != nil {
			writeFault(w, err)
			return
		}
		jobID, err := s.enqueuePregen(r, scope, agent, req.Language, req.Texts)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}

	if err := s.checkSynthesisQuota(r, scope, agent.ID, chars); err != nil {
		writeFault(w, err)
		return
	}

	type bulkResult struct {
		Text     string `json:"text"`
		Audio    string `json:"audio"`
		CacheHit bool   `json:"cache_hit"`
	}
	results := make([]bulkResult, 0, len(req.Texts))
	var missChars int
	for _, text := range req.Texts {
		res, err := s.d.Synth.Synthesize(r.Context(), agent, text, req.Language)
		if err != nil {
			writeFault(w, err)
			return
		}
		if !res.CacheHit {
			missChars += len(text)
		}
		results = append(results, bulkResult{
			Text:     text,
			Audio:    base64.StdEncoding.EncodeToString(res.Audio),
			CacheHit: res.CacheHit,
		})
	}
	if missChars > 0 {
		if err := s.meterSynthesis(r, scope, agent.ID, missChars); err != nil {
			writeFault(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handlePregenerate(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:use") {
		return
	}
	var req struct {
		AgentID  string   `json:"agent_id"`
		Language string   `json:"language"`
		Texts    []string `json:"texts"`
	}
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if req.Language == "" {
		req.Language = "en"
	}

	agent, err := s.d.Agents.GetByID(r.Context(), scope.TenantID, req.AgentID)
	if err != nil {
		writeFault(w, err)
		return
	}

	texts := req.Texts
	if len(texts) == 0 {
		// Default to the agent's canonical utterances.
		if agent.Greeting != "" {
			texts = append(texts, agent.Greeting)
		}
		if agent.FallbackText != "" {
			texts = append(texts, agent.FallbackText)
		}
	}
	if len(texts) == 0 {
		writeFault(w, fault.New(fault.KindValidation, "httpapi: agent has no canonical texts; provide texts").
			With("fields", []string{"texts"}))
		return
	}

	jobID, err := s.enqueuePregen(r, scope, agent, req.Language, texts)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) enqueuePregen(r *http.Request, scope *tenant.Scope, agent *model.VoiceAgent, language string, texts []string) (string, error) {
	job := &model.PregenJob{
		ID:        uuid.NewString(),
		TenantID:  scope.TenantID,
		AgentID:   agent.ID,
		Language:  language,
		Texts:     texts,
		Status:    model.JobQueued,
		CreatedAt: s.now(),
	}
	if err := s.d.Jobs.Enqueue(r.Context(), job); err != nil {
		return "", err
	}
	if s.d.Metrics != nil {
		s.d.Metrics.PregenQueueDepth.Add(r.Context(), 1)
	}
	return job.ID, nil
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:read") {
		return
	}
	job, err := s.d.Jobs.GetByID(r.Context(), scope.TenantID, pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         job.ID,
		"status":     string(job.Status),
		"done":       job.Done,
		"total":      len(job.Texts),
		"last_error": job.LastError,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	})
}

func (s *Server) handleQualityAnalyze(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:use") {
		return
	}
	var req struct {
		Text      string  `json:"text"`
		Threshold float64 `json:"threshold"`
	}
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if req.Text == "" {
		writeFault(w, fault.New(fault.KindValidation, "httpapi: text is required").
			With("fields", []string{"text"}))
		return
	}
	writeJSON(w, http.StatusOK, s.d.Analyzer.Analyze(req.Text, req.Threshold))
}

// ─── Voice surfaces ───────────────────────────────────────────────────────────

func (s *Server) handleVoiceHealth(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "analytics:read") {
		return
	}
	var providers any
	if s.d.Breakers != nil {
		providers = s.d.Breakers.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":       providers,
		"active_sessions": s.d.Manager.ActiveCount(),
		"latency":         s.d.Manager.Latency(),
	})
}

func (s *Server) handleVoiceStream(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "voice_agent:use") {
		return
	}
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	if agentID == "" {
		writeFault(w, fault.New(fault.KindValidation, "httpapi: agent_id query parameter is required").
			With("fields", []string{"agent_id"}))
		return
	}
	language := q.Get("language")
	if language == "" {
		language = "en"
	}

	s.d.Transport.ServeSession(w, r, voice.BeginRequest{
		TenantID:      scope.TenantID,
		Tier:          scope.Tier,
		AgentID:       agentID,
		CallerID:      q.Get("caller_id"),
		Language:      language,
		PrincipalID:   scope.PrincipalID,
		SourceIP:      scope.SourceIP,
		CorrelationID: scope.CorrelationID,
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "conversation:read") {
		return
	}
	sess, err := s.d.Sessions.GetSession(r.Context(), scope.TenantID, pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	turns, err := s.d.Sessions.ListTurns(r.Context(), sess.ID)
	if err != nil {
		writeFault(w, err)
		return
	}

	type turnView struct {
		Seq          int       `json:"seq"`
		Direction    string    `json:"direction"`
		Type         string    `json:"type"`
		Text         string    `json:"text"`
		ProcessingMS int64     `json:"processing_ms"`
		CreatedAt    time.Time `json:"created_at"`
	}
	out := make([]turnView, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnView{
			Seq:          t.Seq,
			Direction:    string(t.Direction),
			Type:         string(t.Type),
			Text:         t.Text,
			ProcessingMS: t.Processing.Milliseconds(),
			CreatedAt:    t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": map[string]any{
			"id":         sess.ID,
			"agent_id":   sess.AgentID,
			"caller_id":  sess.CallerID,
			"language":   sess.Language,
			"state":      string(sess.State),
			"outcome":    sess.Outcome,
			"started_at": sess.StartedAt,
			"ended_at":   sess.EndedAt,
			"duration_s": sess.Duration().Seconds(),
		},
		"turns": out,
	})
}
