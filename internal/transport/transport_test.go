package transport

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/internal/synth"
	"github.com/voxwire/voxwire/internal/usage"
	"github.com/voxwire/voxwire/internal/voice"
	"github.com/voxwire/voxwire/pkg/provider/llm"
	llmmock "github.com/voxwire/voxwire/pkg/provider/llm/mock"
	"github.com/voxwire/voxwire/pkg/provider/stt"
	sttmock "github.com/voxwire/voxwire/pkg/provider/stt/mock"
	ttsmock "github.com/voxwire/voxwire/pkg/provider/tts/mock"
)

// ─── Fakes ────────────────────────────────────────────────────────────────────

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*model.VoiceSession
	turns    map[string][]model.ConversationTurn
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*model.VoiceSession),
		turns:    make(map[string][]model.ConversationTurn),
	}
}

func (f *fakeStore) CreateSession(_ context.Context, v *model.VoiceSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *v
	f.sessions[v.ID] = &cp
	return nil
}

func (f *fakeStore) AppendTurn(_ context.Context, t *model.ConversationTurn) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := len(f.turns[t.SessionID]) + 1
	cp := *t
	cp.Seq = seq
	f.turns[t.SessionID] = append(f.turns[t.SessionID], cp)
	return seq, nil
}

func (f *fakeStore) SetState(_ context.Context, id string, state model.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.State = state
	}
	return nil
}

func (f *fakeStore) EndSession(_ context.Context, id string, state model.SessionState, outcome string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.State = state
		s.Outcome = outcome
		s.EndedAt = at
	}
	return nil
}

func (f *fakeStore) ListTurns(_ context.Context, sessionID string) ([]model.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ConversationTurn(nil), f.turns[sessionID]...), nil
}

func (f *fakeStore) state(id string) (model.SessionState, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		return s.State, s.Outcome
	}
	return "", ""
}

type fakeAgentStore struct{ agent *model.VoiceAgent }

func (f *fakeAgentStore) GetByID(context.Context, string, string) (*model.VoiceAgent, error) {
	cp := *f.agent
	return &cp, nil
}

func (f *fakeAgentStore) RecordSessionOutcome(context.Context, string, string, bool, float64) error {
	return nil
}

type fakeUsage struct{}

func (fakeUsage) RecordUsage(context.Context, *usage.Record) (*usage.Result, error) {
	return &usage.Result{}, nil
}

type fakeSink struct{}

func (fakeSink) Publish(context.Context, string, string, map[string]any) {}

type fakeArtifacts struct {
	mu   sync.Mutex
	rows map[string]*store.Artifact
}

func (f *fakeArtifacts) Put(_ context.Context, a *store.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[string]*store.Artifact)
	}
	f.rows[a.Fingerprint] = a
	return nil
}

func (f *fakeArtifacts) Get(_ context.Context, fp string) (*store.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[fp], nil
}

// ─── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	srv     *httptest.Server
	store   *fakeStore
	sttProv *sttmock.Provider
	llmProv *llmmock.Provider
	ttsProv *ttsmock.Provider
}

func newHarness(t *testing.T, mutate func(agent *model.VoiceAgent, stt *sttmock.Provider, llm *llmmock.Provider)) *harness {
	t.Helper()
	agent := &model.VoiceAgent{
		ID:           "agent-1",
		TenantID:     "tenant-1",
		Name:         "Ava",
		VoiceID:      "voice-1",
		Greeting:     "Hello!",
		FallbackText: "Could you repeat that?",
		Active:       true,
	}
	h := &harness{
		store:   newFakeStore(),
		sttProv: &sttmock.Provider{},
		llmProv: &llmmock.Provider{},
		ttsProv: &ttsmock.Provider{},
	}
	if mutate != nil {
		mutate(agent, h.sttProv, h.llmProv)
	}
	synthesizer := synth.NewSynthesizer(synth.NewCache(synth.CacheConfig{}), &fakeArtifacts{}, h.ttsProv, nil, nil, nil)
	manager := voice.NewManager(voice.Deps{
		Pipeline: config.PipelineConfig{InactivityTimeout: time.Minute},
		STT:      h.sttProv,
		LLM:      h.llmProv,
		Synth:    synthesizer,
		Sessions: h.store,
		Agents:   &fakeAgentStore{agent: agent},
		Usage:    fakeUsage{},
		Events:   fakeSink{},
	})
	handler := NewHandler(manager, nil, nil)
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeSession(w, r, voice.BeginRequest{
			TenantID: "tenant-1",
			AgentID:  "agent-1",
			CallerID: "+15550100",
			Language: "en",
		})
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

// readUntil reads outbound messages until one of the wanted type arrives.
func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, wantType string) outbound {
	t.Helper()
	for {
		var msg outbound
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			t.Fatalf("read while waiting for %q: %v", wantType, err)
		}
		if msg.Type == wantType {
			return msg
		}
	}
}

func decisionJSON(reply string) string {
	return `{"reply":"` + reply + `","lead_qualified":false,"needs_transfer":false,"conversation_ended":false}`
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestHandshakePingAndStats(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newHarness(t, nil)
	c := h.dial(t, ctx)
	defer c.CloseNow()

	hello := readUntil(t, ctx, c, "connection-established")
	if hello.SessionID == "" {
		t.Fatal("no session id in handshake")
	}
	if hello.Agent == nil || hello.Agent.Name != "Ava" {
		t.Errorf("agent = %+v", hello.Agent)
	}
	if len(hello.Capabilities) == 0 {
		t.Error("capabilities missing")
	}

	if err := wsjson.Write(ctx, c, inbound{Type: "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	readUntil(t, ctx, c, "pong")

	if err := wsjson.Write(ctx, c, inbound{Type: "get-stats"}); err != nil {
		t.Fatalf("get-stats: %v", err)
	}
	stats := readUntil(t, ctx, c, "session-stats")
	if stats.Session == nil || stats.Session.SessionID != hello.SessionID {
		t.Errorf("session stats = %+v", stats.Session)
	}
	if stats.Connection == nil || stats.Connection.Messages < 1 {
		t.Errorf("connection stats = %+v", stats.Connection)
	}

	if err := wsjson.Write(ctx, c, inbound{Type: "hangup"}); err != nil {
		t.Fatalf("hangup: %v", err)
	}
}

func TestSynthesizeStreamsHexAudio(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newHarness(t, nil)
	c := h.dial(t, ctx)
	defer c.CloseNow()

	hello := readUntil(t, ctx, c, "connection-established")
	if err := wsjson.Write(ctx, c, inbound{Type: "synthesize", Text: "please hold"}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	for {
		audio := readUntil(t, ctx, c, "audio-response")
		if audio.Metadata == nil {
			t.Fatal("audio-response without metadata")
		}
		if audio.Metadata.Text != "please hold" {
			continue // greeting frames arrive first
		}
		if _, err := hex.DecodeString(audio.Audio); err != nil {
			t.Fatalf("audio payload is not hex: %v", err)
		}
		break
	}
	_ = hello
}

func TestTurnAudioArrivesInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newHarness(t, func(agent *model.VoiceAgent, sttProv *sttmock.Provider, llmProv *llmmock.Provider) {
		agent.Greeting = ""
		sttProv.Script = []stt.Transcript{
			{Text: "first question", Final: true},
			{Text: "second question", Final: true},
		}
		llmProv.Enqueue(
			llm.Response{Content: decisionJSON("first answer")},
			llm.Response{Content: decisionJSON("second answer")},
		)
	})
	c := h.dial(t, ctx)
	defer c.CloseNow()
	readUntil(t, ctx, c, "connection-established")

	var seenTurns []int
	sawSecond := false
	for !sawSecond {
		audio := readUntil(t, ctx, c, "audio-response")
		seenTurns = append(seenTurns, audio.Metadata.Turn)
		if audio.Metadata.Text == "second answer" {
			sawSecond = true
		}
	}
	for i := 1; i < len(seenTurns); i++ {
		if seenTurns[i] < seenTurns[i-1] {
			t.Fatalf("turn order regressed: %v", seenTurns)
		}
	}
}

func TestBinaryFramesReachTranscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newHarness(t, nil)
	c := h.dial(t, ctx)
	defer c.CloseNow()

	readUntil(t, ctx, c, "connection-established")
	if err := c.Write(ctx, websocket.MessageBinary, []byte("pcm-audio")); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.sttProv.SessionCount() == 1 {
			if chunks := h.sttProv.Sessions[0].Received(); len(chunks) == 1 && string(chunks[0]) == "pcm-audio" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("audio chunk never reached the transcription stream")
}

func TestInactiveAgentCloseCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newHarness(t, func(agent *model.VoiceAgent, _ *sttmock.Provider, _ *llmmock.Provider) {
		agent.Active = false
	})
	c := h.dial(t, ctx)
	defer c.CloseNow()

	var msg outbound
	err := wsjson.Read(ctx, c, &msg)
	if err == nil {
		t.Fatal("connection should close before any message")
	}
	if got := websocket.CloseStatus(err); got != CloseAgentUnavailable {
		t.Errorf("close status = %v, want %v", got, CloseAgentUnavailable)
	}
}

func TestMalformedControlMessageCloses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newHarness(t, nil)
	c := h.dial(t, ctx)
	defer c.CloseNow()

	readUntil(t, ctx, c, "connection-established")
	if err := c.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	for {
		var msg outbound
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			if got := websocket.CloseStatus(err); got != CloseProtocolError {
				t.Errorf("close status = %v, want %v", got, CloseProtocolError)
			}
			return
		}
	}
}

func TestDisconnectAbandonsSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newHarness(t, nil)
	c := h.dial(t, ctx)

	hello := readUntil(t, ctx, c, "connection-established")
	_ = c.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, outcome := h.store.state(hello.SessionID); state == model.SessionAbandoned {
			if outcome != "client_disconnected" {
				t.Errorf("outcome = %q", outcome)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session was not abandoned after disconnect")
}

func TestBusySynthesizeSurfacesError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newHarness(t, func(agent *model.VoiceAgent, _ *sttmock.Provider, _ *llmmock.Provider) {
		agent.Greeting = ""
	})
	h.ttsProv.Latency = 100 * time.Millisecond
	c := h.dial(t, ctx)
	defer c.CloseNow()

	readUntil(t, ctx, c, "connection-established")
	// Flood the per-session queue faster than the pipeline drains it.
	for i := 0; i < 8; i++ {
		text := "line " + string(rune('a'+i))
		if err := wsjson.Write(ctx, c, inbound{Type: "synthesize", Text: text}); err != nil {
			t.Fatalf("synthesize %d: %v", i, err)
		}
	}

	for {
		var msg outbound
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == "error" {
			if msg.Code != "busy" {
				t.Errorf("error code = %q, want busy", msg.Code)
			}
			return
		}
	}
}
