// Package deepgram implements stt.Provider on the Deepgram live-streaming
// WebSocket API. Audio goes up as binary frames, recognition results come
// back as JSON events; partials and finals are distinguished by the is_final
// flag on each event.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxwire/voxwire/pkg/provider/stt"
)

const listenEndpoint = "wss://api.deepgram.com/v1/listen"

// Defaults applied when neither the Option nor the StreamConfig says
// otherwise.
const (
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// Option configures the provider at construction time.
type Option func(*Provider)

// WithModel selects the Deepgram model, e.g. "nova-3" or "base".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the provider-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// New creates a Deepgram provider. apiKey is required.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey is required")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "deepgram" }

// StartStream implements stt.Provider. The returned handle owns the
// connection and two goroutines; Close releases both.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	endpoint, err := p.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	hdr := http.Header{"Authorization": []string{"Token " + p.apiKey}}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	st := &stream{
		conn:    conn,
		results: make(chan stt.Transcript, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	st.wg.Add(2)
	go st.pumpResults(ctx)
	go st.pumpAudio(ctx)
	return st, nil
}

// listenURL assembles the streaming endpoint with recognition parameters,
// letting cfg override the provider defaults per session.
func (p *Provider) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(listenEndpoint)
	if err != nil {
		return "", err
	}

	lang := p.language
	if cfg.Language != "" {
		lang = cfg.Language
	}
	rate := p.sampleRate
	if cfg.SampleRate != 0 {
		rate = cfg.SampleRate
	}

	q := url.Values{
		"model":           {p.model},
		"language":        {lang},
		"punctuate":       {"true"},
		"interim_results": {"true"},
		"sample_rate":     {strconv.Itoa(rate)},
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// stream is a live transcription session. It implements stt.SessionHandle.
type stream struct {
	conn    *websocket.Conn
	results chan stt.Transcript
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var errClosed = errors.New("deepgram: session is closed")

// SendAudio queues a PCM chunk for delivery.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errClosed
	}
}

// Results implements stt.SessionHandle.
func (s *stream) Results() <-chan stt.Transcript { return s.results }

// Close flushes pending audio server-side, waits for both pumps, and drops
// the connection. Safe to call more than once.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// pumpAudio forwards queued chunks as binary frames until the session closes,
// then drains whatever is still queued.
func (s *stream) pumpAudio(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if s.conn.Write(ctx, websocket.MessageBinary, chunk) != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// pumpResults reads JSON events and forwards recognised transcripts. The
// results channel closes when the server ends the stream or the read fails.
func (s *stream) pumpResults(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		t, ok := decodeEvent(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- t:
		case <-s.done:
		}
	}
}

// resultsEvent mirrors the fields of a Deepgram Results message that matter
// here; everything else in the event is ignored.
type resultsEvent struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// decodeEvent turns a raw server message into a Transcript. Non-Results
// events, empty alternatives, and empty transcripts report ok=false.
func decodeEvent(data []byte) (stt.Transcript, bool) {
	var ev resultsEvent
	if json.Unmarshal(data, &ev) != nil || ev.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(ev.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	best := ev.Channel.Alternatives[0]
	if best.Transcript == "" {
		return stt.Transcript{}, false
	}
	return stt.Transcript{
		Text:       best.Transcript,
		Confidence: best.Confidence,
		Final:      ev.IsFinal,
	}, true
}

var _ stt.Provider = (*Provider)(nil)
