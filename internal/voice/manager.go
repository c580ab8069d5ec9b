package voice

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/resilience"
	"github.com/voxwire/voxwire/internal/synth"
	"github.com/voxwire/voxwire/internal/usage"
	"github.com/voxwire/voxwire/pkg/provider/llm"
	"github.com/voxwire/voxwire/pkg/provider/stt"
)

// sessionStore is the durable session surface the manager writes through.
type sessionStore interface {
	CreateSession(ctx context.Context, v *model.VoiceSession) error
	AppendTurn(ctx context.Context, t *model.ConversationTurn) (int, error)
	ListTurns(ctx context.Context, sessionID string) ([]model.ConversationTurn, error)
	SetState(ctx context.Context, id string, state model.SessionState) error
	EndSession(ctx context.Context, id string, state model.SessionState, outcome string, at time.Time) error
}

// agentStore loads agents and rolls up their session stats.
type agentStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.VoiceAgent, error)
	RecordSessionOutcome(ctx context.Context, tenantID, id string, success bool, durationSecs float64) error
}

// usageRecorder meters synthesis characters and call minutes.
type usageRecorder interface {
	RecordUsage(ctx context.Context, rec *usage.Record) (*usage.Result, error)
}

// Deps collects everything a [Manager] needs.
type Deps struct {
	Pipeline config.PipelineConfig

	STT        stt.Provider
	LLM        llm.Provider
	Synth      *synth.Synthesizer
	STTBreaker *resilience.Breaker
	LLMBreaker *resilience.Breaker

	Sessions sessionStore
	Agents   agentStore
	Usage    usageRecorder
	Events   usage.EventSink
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// Manager owns all live voice sessions in the process.
type Manager struct {
	cfg     config.PipelineConfig
	stt     stt.Provider
	llm     llm.Provider
	synth   *synth.Synthesizer
	sttBrk  *resilience.Breaker
	llmBrk  *resilience.Breaker
	store   sessionStore
	agents  agentStore
	usage   usageRecorder
	events  usage.EventSink
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	active  map[string]*Session
	turnLat []time.Duration // rolling window of turn totals
}

// latencyWindow bounds the rolling turn-latency sample.
const latencyWindow = 512

// NewManager creates a [Manager]. Zero-value pipeline budgets are replaced
// with defaults.
func NewManager(d Deps) *Manager {
	cfg := d.Pipeline
	if cfg.STTBudget <= 0 {
		cfg.STTBudget = 50 * time.Millisecond
	}
	if cfg.LLMBudget <= 0 {
		cfg.LLMBudget = 100 * time.Millisecond
	}
	if cfg.TTSBudget <= 0 {
		cfg.TTSBudget = 80 * time.Millisecond
	}
	if cfg.TurnHardCap <= 0 {
		cfg.TurnHardCap = 2 * time.Second
	}
	if cfg.MaxTurnFailures <= 0 {
		cfg.MaxTurnFailures = 3
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 2 * time.Minute
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		stt:     d.STT,
		llm:     d.LLM,
		synth:   d.Synth,
		sttBrk:  d.STTBreaker,
		llmBrk:  d.LLMBreaker,
		store:   d.Sessions,
		agents:  d.Agents,
		usage:   d.Usage,
		events:  d.Events,
		metrics: d.Metrics,
		log:     log,
		now:     time.Now,
		active:  make(map[string]*Session),
	}
}

// BeginRequest identifies the caller and the agent for a new session.
type BeginRequest struct {
	TenantID string
	Tier     model.Tier
	AgentID  string
	CallerID string
	Language string

	// Audit context carried into usage records.
	PrincipalID   string
	SourceIP      string
	CorrelationID string
}

// Begin creates a new voice session bound to the request's agent: loads and
// validates the agent, persists the session in the initiated state, opens the
// streaming transcription, and warms the agent's pinned audio. The returned
// session emits nothing until [Session.Start].
func (m *Manager) Begin(ctx context.Context, req BeginRequest) (*Session, error) {
	agent, err := m.agents.GetByID(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return nil, err
	}
	if !agent.Active {
		return nil, fault.New(fault.KindBusinessRule, "voice: agent %s is inactive", agent.ID).
			With("rule", "agent_inactive")
	}

	now := m.now()
	vs := &model.VoiceSession{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		AgentID:   agent.ID,
		CallerID:  req.CallerID,
		Language:  req.Language,
		State:     model.SessionInitiated,
		StartedAt: now,
	}
	if err := m.store.CreateSession(ctx, vs); err != nil {
		return nil, err
	}

	var handle stt.SessionHandle
	openSTT := func(ctx context.Context) error {
		var err error
		handle, err = m.stt.StartStream(ctx, stt.StreamConfig{
			SampleRate: 16000,
			Channels:   1,
			Language:   req.Language,
		})
		return err
	}
	if m.sttBrk != nil {
		err = m.sttBrk.Do(ctx, openSTT)
	} else {
		err = openSTT(ctx)
	}
	if err != nil {
		_ = m.store.EndSession(ctx, vs.ID, model.SessionFailed, "stt_unavailable", m.now())
		return nil, err
	}

	s := &Session{
		ID:        vs.ID,
		TenantID:  req.TenantID,
		Tier:      req.Tier,
		Agent:     agent,
		Language:  req.Language,
		CallerID:  req.CallerID,
		principal: req.PrincipalID,
		sourceIP:  req.SourceIP,
		corrID:    req.CorrelationID,
		m:         m,
		sttSess:   handle,
		frames:    make(chan Frame, 64),
		synthReq:  make(chan string, synthQueueBound),
		state:     model.SessionInitiated,
		startedAt: now,
		ended:     make(chan struct{}),
	}

	// Pinned greeting and fallback audio; best effort, the turn path
	// regenerates on demand.
	if err := m.synth.Warm(ctx, agent, req.Language); err != nil {
		m.log.Warn("agent warmup failed", "session", s.ID, "error", err)
	}

	m.mu.Lock()
	m.active[s.ID] = s
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	m.log.Info("voice session created",
		"session", s.ID, "tenant", req.TenantID, "agent", agent.ID, "caller", req.CallerID)
	return s, nil
}

// Get returns the live session with the given id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown ends every live session as abandoned. Called on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.end(ctx, model.SessionAbandoned, "server_shutdown")
	}
}

// LatencyStats is the rolling turn-latency summary for voice health.
type LatencyStats struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	P95   time.Duration `json:"p95"`
	Max   time.Duration `json:"max"`
}

// Latency returns the rolling summary over the last turns.
func (m *Manager) Latency() LatencyStats {
	m.mu.Lock()
	sample := append([]time.Duration(nil), m.turnLat...)
	m.mu.Unlock()

	st := LatencyStats{Count: len(sample)}
	if len(sample) == 0 {
		return st
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	var sum time.Duration
	for _, d := range sample {
		sum += d
	}
	st.Avg = sum / time.Duration(len(sample))
	st.P95 = sample[(len(sample)*95)/100]
	st.Max = sample[len(sample)-1]
	return st
}

// recordTurnLatency appends to the rolling window and drops the oldest
// samples past the bound.
func (m *Manager) recordTurnLatency(d time.Duration) {
	m.mu.Lock()
	m.turnLat = append(m.turnLat, d)
	if len(m.turnLat) > latencyWindow {
		m.turnLat = m.turnLat[len(m.turnLat)-latencyWindow:]
	}
	m.mu.Unlock()
}

// drop removes a finished session from the active map.
func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}
