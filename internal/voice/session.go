package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/synth"
	"github.com/voxwire/voxwire/internal/usage"
	"github.com/voxwire/voxwire/pkg/provider/llm"
	"github.com/voxwire/voxwire/pkg/provider/stt"
)

// synthQueueBound is how many synthesize requests may queue behind the one in
// flight before the session answers busy.
const synthQueueBound = 2

// recentTurnWindow is how much conversation history each LLM call sees.
const recentTurnWindow = 12

// frameSize is the audio chunk size emitted to the transport.
const frameSize = 8 << 10

// Frame is one outbound audio chunk with its turn provenance.
type Frame struct {
	Audio []byte
	Turn  int
	Text  string // reply text, set on the first frame of a turn

	// Fallback marks frames of the spoken fallback message.
	Fallback bool
}

// Stats is the per-session counter snapshot served to get-stats requests.
type Stats struct {
	SessionID     string        `json:"session_id"`
	State         string        `json:"state"`
	Turns         int           `json:"turns"`
	Failures      int           `json:"failures"`
	LeadQualified bool          `json:"lead_qualified"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	LastTurn      time.Duration `json:"last_turn"`
	AvgTurn       time.Duration `json:"avg_turn"`
}

// Session is one live call. The transport pushes caller audio in with
// [Session.PushAudio] and drains [Session.Frames]; everything between runs in
// the session's own goroutine, so turns are strictly ordered.
type Session struct {
	ID       string
	TenantID string
	Tier     model.Tier
	Agent    *model.VoiceAgent
	Language string
	CallerID string

	principal string
	sourceIP  string
	corrID    string

	m        *Manager
	sttSess  stt.SessionHandle
	frames   chan Frame
	synthReq chan string
	cancel   context.CancelFunc
	ended    chan struct{}

	mu            sync.Mutex
	state         model.SessionState
	turns         int
	failures      int
	leadQualified bool
	startedAt     time.Time
	lastInbound   time.Time
	lastTurn      time.Duration
	turnSum       time.Duration
	endOnce       sync.Once
}

// Start transitions the session to in-progress, speaks the agent's greeting,
// and launches the turn loop. It must be called exactly once.
func (s *Session) Start(ctx context.Context) error {
	if err := s.m.store.SetState(ctx, s.ID, model.SessionInProgress); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = model.SessionInProgress
	s.lastInbound = s.m.now()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.Agent.Greeting != "" {
		if err := s.speak(runCtx, s.Agent.Greeting, false); err != nil {
			s.m.log.Warn("greeting synthesis failed", "session", s.ID, "error", err)
		}
	}

	go s.run(runCtx)
	return nil
}

// PushAudio forwards a caller audio chunk to the transcription stream.
func (s *Session) PushAudio(chunk []byte) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return fault.New(fault.KindBusinessRule, "voice: session %s has ended", s.ID).
			With("rule", "session_ended")
	}
	s.lastInbound = s.m.now()
	s.mu.Unlock()
	return s.sttSess.SendAudio(chunk)
}

// Synthesize queues a direct text-to-speech request on this session's voice.
// At most one runs at a time; up to two queue behind it; beyond that the
// session is busy.
func (s *Session) Synthesize(text string) error {
	if strings.TrimSpace(text) == "" {
		return fault.New(fault.KindValidation, "voice: synthesize text must not be empty")
	}
	select {
	case s.synthReq <- text:
		return nil
	default:
		return fault.New(fault.KindRateLimit, "voice: session %s synthesis queue is full", s.ID).
			With("rule", "session_busy")
	}
}

// Frames returns the outbound audio channel. Closed when the turn loop
// exits; consumers should also watch [Session.Done].
func (s *Session) Frames() <-chan Frame { return s.frames }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.ended }

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the current counter snapshot.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		SessionID:     s.ID,
		State:         string(s.state),
		Turns:         s.turns,
		Failures:      s.failures,
		LeadQualified: s.leadQualified,
		StartedAt:     s.startedAt,
		Duration:      s.m.now().Sub(s.startedAt),
		LastTurn:      s.lastTurn,
	}
	if s.turns > 0 {
		st.AvgTurn = s.turnSum / time.Duration(s.turns)
	}
	return st
}

// Hangup ends the session normally from the caller's side.
func (s *Session) Hangup(ctx context.Context) {
	s.end(ctx, model.SessionCompleted, "caller_hangup")
}

// Abandon ends the session as abandoned, e.g. on transport disconnect. The
// reason becomes the session outcome.
func (s *Session) Abandon(ctx context.Context, reason string) {
	s.end(ctx, model.SessionAbandoned, reason)
}

// ─── Turn loop ────────────────────────────────────────────────────────────────

// run serializes all session work: final transcripts drive conversation
// turns, direct synthesize requests run between them, and inactivity abandons
// the call. Transcripts and synthesize requests never interleave mid-turn.
func (s *Session) run(ctx context.Context) {
	// Only this goroutine sends on frames, so only it may close the channel.
	defer close(s.frames)
	inactivity := time.NewTimer(s.m.cfg.InactivityTimeout)
	defer inactivity.Stop()

	for {
		select {
		case res, ok := <-s.sttSess.Results():
			if !ok {
				s.end(ctx, model.SessionAbandoned, "transcription_closed")
				return
			}
			if !res.Final || strings.TrimSpace(res.Text) == "" {
				continue
			}
			inactivity.Reset(s.m.cfg.InactivityTimeout)
			s.turn(ctx, res)

		case text := <-s.synthReq:
			if err := s.speak(ctx, text, false); err != nil {
				s.m.log.Warn("direct synthesis failed", "session", s.ID, "error", err)
			}

		case <-inactivity.C:
			s.end(ctx, model.SessionAbandoned, "inactivity_timeout")
			return

		case <-ctx.Done():
			return
		}

		if s.State().Terminal() {
			return
		}
	}
}

// turn runs one latency-budgeted pipeline pass: persist the caller's words,
// generate the reply under the hard cap, synthesize, emit, meter, then act on
// the intent flags.
func (s *Session) turn(ctx context.Context, res stt.Transcript) {
	start := s.m.now()
	log := s.m.log.With("session", s.ID)

	// STT latency is measured from the last caller audio to the final
	// transcript reaching us.
	s.mu.Lock()
	sttLatency := start.Sub(s.lastInbound)
	s.mu.Unlock()

	// The caller's turn is durable before any reply work begins.
	if _, err := s.m.store.AppendTurn(ctx, &model.ConversationTurn{
		SessionID: s.ID,
		Direction: model.TurnInbound,
		Type:      model.TurnSpeech,
		Text:      res.Text,
		CreatedAt: start,
	}); err != nil {
		log.Error("inbound turn persist failed", "error", err)
	}
	s.observeStage(ctx, "stt", sttLatency, s.m.cfg.STTBudget, log)

	turnCtx, cancel := context.WithTimeout(ctx, s.m.cfg.TurnHardCap)
	defer cancel()

	decision, audio, fp, err := s.generate(turnCtx, res.Text, log)
	elapsed := s.m.now().Sub(start)

	if err != nil {
		if turnCtx.Err() == context.DeadlineExceeded {
			// Hard cap blown: speak the fallback and discard whatever the
			// pipeline eventually produces.
			log.Warn("turn hard cap exceeded", "elapsed", elapsed)
			s.fallbackTurn(ctx, start)
			return
		}
		s.turnFailure(ctx, err, start, log)
		return
	}

	s.emit(decision.Reply, audio, false)
	s.finishTurn(ctx, start, elapsed, decision.Reply, fp, log)

	// Intent flags act only after the reply audio is on its way out.
	if decision.LeadQualified {
		s.mu.Lock()
		s.leadQualified = true
		s.mu.Unlock()
		s.m.events.Publish(ctx, s.TenantID, "lead-qualified", map[string]any{
			"session_id": s.ID,
			"agent_id":   s.Agent.ID,
			"caller_id":  s.CallerID,
		})
	}
	switch {
	case decision.NeedsTransfer:
		s.transfer(ctx)
	case decision.ConversationEnded:
		s.end(ctx, model.SessionCompleted, "conversation_ended")
	}
}

// generate runs the LLM and TTS stages and returns the decision with its
// synthesized audio.
func (s *Session) generate(ctx context.Context, transcript string, log *slog.Logger) (TurnDecision, []byte, string, error) {
	llmStart := s.m.now()
	var reply string
	callLLM := func(ctx context.Context) error {
		resp, err := s.m.llm.Complete(ctx, s.turnRequest(ctx, transcript))
		if err != nil {
			return err
		}
		reply = resp.Content
		return nil
	}
	var err error
	if s.m.llmBrk != nil {
		err = s.m.llmBrk.Do(ctx, callLLM)
	} else {
		err = callLLM(ctx)
	}
	if err != nil {
		return TurnDecision{}, nil, "", err
	}
	s.observeStage(ctx, "llm", s.m.now().Sub(llmStart), s.m.cfg.LLMBudget, log)

	decision, err := parseDecision(reply)
	if err != nil {
		return TurnDecision{}, nil, "", err
	}
	if decision.Reply == "" {
		return decision, nil, "", nil
	}

	ttsStart := s.m.now()
	res, err := s.m.synth.Synthesize(ctx, s.Agent, decision.Reply, s.Language)
	if err != nil {
		return TurnDecision{}, nil, "", err
	}
	s.observeStage(ctx, "tts", s.m.now().Sub(ttsStart), s.m.cfg.TTSBudget, log)

	fp := synth.Fingerprint(s.Agent.VoiceID, synth.TuningFor(s.Agent.Tuning), s.Language, decision.Reply)
	return decision, res.Audio, fp, nil
}

// turnRequest builds the completion request from the system prompt and the
// recent turn history.
func (s *Session) turnRequest(ctx context.Context, transcript string) llm.Request {
	req := llm.Request{
		SystemPrompt: renderPrompt(s.Agent.SystemPrompt, s.Agent, s.CallerID),
		Temperature:  s.Agent.LLMTemperature,
		Schema:       decisionSchema,
	}

	turns, err := s.m.store.ListTurns(ctx, s.ID)
	if err != nil {
		s.m.log.Warn("turn history load failed", "session", s.ID, "error", err)
	}
	if len(turns) > recentTurnWindow {
		turns = turns[len(turns)-recentTurnWindow:]
	}
	for _, t := range turns {
		if t.Type != model.TurnSpeech || t.Text == "" {
			continue
		}
		role := "user"
		if t.Direction == model.TurnOutbound {
			role = "assistant"
		}
		req.Messages = append(req.Messages, llm.Message{Role: role, Content: t.Text})
	}
	req.Messages = append(req.Messages, llm.Message{Role: "user", Content: transcript})
	return req
}

// fallbackTurn speaks the agent's fallback message and records the turn.
func (s *Session) fallbackTurn(ctx context.Context, start time.Time) {
	if err := s.speak(ctx, s.Agent.FallbackText, true); err != nil {
		s.m.log.Error("fallback synthesis failed", "session", s.ID, "error", err)
	}
	s.closeTurn(ctx, start, s.Agent.FallbackText, "", true)
}

// turnFailure counts a pipeline failure, speaks the fallback, and fails the
// session after the configured strike count.
func (s *Session) turnFailure(ctx context.Context, err error, start time.Time, log *slog.Logger) {
	s.mu.Lock()
	s.failures++
	strikes := s.failures
	s.mu.Unlock()
	log.Error("turn pipeline failed", "error", err, "strikes", strikes)

	if strikes >= s.m.cfg.MaxTurnFailures {
		s.end(ctx, model.SessionFailed, "pipeline_failures")
		return
	}
	s.fallbackTurn(ctx, start)
}

// finishTurn records the completed turn: durable row, latency accounting,
// and usage metering for the synthesized characters.
func (s *Session) finishTurn(ctx context.Context, start time.Time, elapsed time.Duration, reply, fp string, log *slog.Logger) {
	s.closeTurn(ctx, start, reply, fp, false)

	s.m.recordTurnLatency(elapsed)
	if s.m.metrics != nil {
		s.m.metrics.TurnDuration.Record(ctx, elapsed.Seconds())
	}

	if reply == "" {
		return
	}
	_, err := s.m.usage.RecordUsage(ctx, &usage.Record{
		TenantID:      s.TenantID,
		Tier:          s.Tier,
		Metric:        model.MetricSynthesisChars,
		Quantity:      float64(len(reply)),
		Unit:          "chars",
		Metadata:      map[string]string{"session_id": s.ID, "agent_id": s.Agent.ID},
		PrincipalID:   s.principal,
		SourceIP:      s.sourceIP,
		CorrelationID: s.corrID,
	})
	switch {
	case fault.IsKind(err, fault.KindQuotaExceeded):
		log.Warn("synthesis quota exhausted, ending call")
		s.end(ctx, model.SessionCompleted, "quota_exceeded")
	case err != nil:
		log.Error("usage recording failed", "error", err)
	}
}

// closeTurn persists the outbound turn row and updates the per-session
// latency counters.
func (s *Session) closeTurn(ctx context.Context, start time.Time, text, fp string, fallback bool) {
	elapsed := s.m.now().Sub(start)
	turnType := model.TurnSpeech
	if fallback {
		turnType = model.TurnSystemEvent
	}
	if text != "" {
		if _, err := s.m.store.AppendTurn(ctx, &model.ConversationTurn{
			SessionID:  s.ID,
			Direction:  model.TurnOutbound,
			Type:       turnType,
			Text:       text,
			AudioRef:   fp,
			Processing: elapsed,
			CreatedAt:  s.m.now(),
		}); err != nil {
			s.m.log.Error("outbound turn persist failed", "session", s.ID, "error", err)
		}
	}

	s.mu.Lock()
	s.turns++
	s.lastTurn = elapsed
	s.turnSum += elapsed
	s.mu.Unlock()
}

// speak synthesizes text on the agent's voice and emits it.
func (s *Session) speak(ctx context.Context, text string, fallback bool) error {
	if text == "" {
		return nil
	}
	res, err := s.m.synth.Synthesize(ctx, s.Agent, text, s.Language)
	if err != nil {
		return err
	}
	s.emit(text, res.Audio, fallback)
	return nil
}

// emit chunks audio onto the frame channel. The first frame of a turn
// carries the reply text. Frames for turn N drain fully before turn N+1
// starts because the run loop is serial.
func (s *Session) emit(text string, audio []byte, fallback bool) {
	s.mu.Lock()
	turn := s.turns + 1
	s.mu.Unlock()

	first := true
	for off := 0; off < len(audio); off += frameSize {
		end := off + frameSize
		if end > len(audio) {
			end = len(audio)
		}
		f := Frame{Audio: audio[off:end], Turn: turn, Fallback: fallback}
		if first {
			f.Text = text
			first = false
		}
		select {
		case s.frames <- f:
		case <-s.ended:
			return
		}
	}
}

// transfer moves the session to transferred: one-way, no further speech
// stages run, downstream routing is external.
func (s *Session) transfer(ctx context.Context) {
	if _, err := s.m.store.AppendTurn(ctx, &model.ConversationTurn{
		SessionID: s.ID,
		Direction: model.TurnOutbound,
		Type:      model.TurnTransfer,
		Text:      "transfer requested",
		CreatedAt: s.m.now(),
	}); err != nil {
		s.m.log.Error("transfer turn persist failed", "session", s.ID, "error", err)
	}
	s.end(ctx, model.SessionTransferred, "transferred")
}

// end drives the session to its single terminal state: durable row, agent
// stats rollup, call-minutes metering, the session-ended event, and teardown.
// Safe to call from any goroutine; only the first call acts.
func (s *Session) end(ctx context.Context, state model.SessionState, outcome string) {
	s.endOnce.Do(func() {
		endedAt := s.m.now()
		s.mu.Lock()
		s.state = state
		startedAt := s.startedAt
		qualified := s.leadQualified
		turns := s.turns
		s.mu.Unlock()

		ctx = context.WithoutCancel(ctx)
		if err := s.m.store.EndSession(ctx, s.ID, state, outcome, endedAt); err != nil {
			s.m.log.Error("session end persist failed", "session", s.ID, "error", err)
		}

		duration := endedAt.Sub(startedAt)
		success := state == model.SessionCompleted
		if err := s.m.agents.RecordSessionOutcome(ctx, s.TenantID, s.Agent.ID, success, duration.Seconds()); err != nil {
			s.m.log.Error("agent stats rollup failed", "session", s.ID, "error", err)
		}

		// Elapsed call time is metered even when the tenant is over quota;
		// the call already happened.
		if _, err := s.m.usage.RecordUsage(ctx, &usage.Record{
			TenantID:      s.TenantID,
			Tier:          s.Tier,
			Metric:        model.MetricCallMinutes,
			Quantity:      duration.Minutes(),
			Unit:          "minutes",
			Metadata:      map[string]string{"session_id": s.ID, "agent_id": s.Agent.ID, "outcome": outcome},
			PrincipalID:   s.principal,
			SourceIP:      s.sourceIP,
			CorrelationID: s.corrID,
			ForceAllow:    true,
		}); err != nil {
			s.m.log.Error("call minutes metering failed", "session", s.ID, "error", err)
		}

		s.m.events.Publish(ctx, s.TenantID, "session-ended", map[string]any{
			"session_id":     s.ID,
			"agent_id":       s.Agent.ID,
			"caller_id":      s.CallerID,
			"state":          string(state),
			"outcome":        outcome,
			"duration_secs":  duration.Seconds(),
			"turns":          turns,
			"lead_qualified": qualified,
		})

		if err := s.sttSess.Close(); err != nil {
			s.m.log.Warn("stt close failed", "session", s.ID, "error", err)
		}
		s.m.drop(s.ID)
		if s.m.metrics != nil {
			s.m.metrics.ActiveSessions.Add(ctx, -1)
		}
		close(s.ended)
		if s.cancel != nil {
			s.cancel()
		}
		s.m.log.Info("voice session ended",
			"session", s.ID, "state", state, "outcome", outcome,
			"duration", duration, "turns", turns)
	})
}

// observeStage logs and records a pipeline stage, flagging soft-budget
// overruns.
func (s *Session) observeStage(ctx context.Context, stage string, d, budget time.Duration, log *slog.Logger) {
	if s.m.metrics != nil {
		switch stage {
		case "stt":
			s.m.metrics.STTDuration.Record(ctx, d.Seconds())
		case "llm":
			s.m.metrics.LLMDuration.Record(ctx, d.Seconds())
		case "tts":
			s.m.metrics.TTSDuration.Record(ctx, d.Seconds())
		}
	}
	if d > budget {
		log.Warn("stage over soft budget", "stage", stage, "elapsed", d, "budget", budget)
	}
}

// renderPrompt substitutes the supported placeholders in the agent's system
// prompt template.
func renderPrompt(tpl string, agent *model.VoiceAgent, callerID string) string {
	r := strings.NewReplacer(
		"{{agent_name}}", agent.Name,
		"{{caller_id}}", callerID,
		"{{greeting}}", agent.Greeting,
	)
	out := r.Replace(tpl)
	if out == "" {
		out = fmt.Sprintf("You are %s, a helpful voice assistant. Keep replies short and conversational.", agent.Name)
	}
	return out
}
