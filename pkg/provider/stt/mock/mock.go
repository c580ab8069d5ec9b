// Package mock provides a test double for the stt.Provider interface.
//
// A mock session emits a scripted sequence of transcripts, optionally paced by
// a per-result delay, and records every audio chunk it receives so tests can
// assert on the exact bytes forwarded by the pipeline.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Script is the sequence of transcripts each new session emits.
	Script []stt.Transcript

	// ResultDelay paces the scripted transcripts; 0 emits them immediately.
	ResultDelay time.Duration

	// StartErr, if non-nil, fails StartStream.
	StartErr error

	// Sessions records every session opened, in order.
	Sessions []*Session
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "mock" }

// StartStream opens a new mock session that plays back the configured script.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	script, delay, startErr := p.Script, p.ResultDelay, p.StartErr
	p.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	s := &Session{
		Config:  cfg,
		results: make(chan stt.Transcript, len(script)+1),
		done:    make(chan struct{}),
	}
	p.mu.Lock()
	p.Sessions = append(p.Sessions, s)
	p.mu.Unlock()

	go s.play(ctx, script, delay)
	return s, nil
}

// SessionCount returns how many sessions were opened. Thread-safe.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sessions)
}

// Session is one open mock transcription session.
type Session struct {
	// Config is the StreamConfig the session was opened with.
	Config stt.StreamConfig

	mu      sync.Mutex
	chunks  [][]byte
	closed  bool
	results chan stt.Transcript
	done    chan struct{}
	once    sync.Once
}

// SendAudio records the chunk. Returns an error after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.chunks = append(s.chunks, buf)
	return nil
}

// Results returns the scripted transcript channel.
func (s *Session) Results() <-chan stt.Transcript { return s.results }

// Close marks the session closed. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Received returns a copy of all audio chunks sent so far. Thread-safe.
func (s *Session) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func (s *Session) play(ctx context.Context, script []stt.Transcript, delay time.Duration) {
	defer close(s.results)
	for _, t := range script {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
		select {
		case s.results <- t:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
	// Keep the channel open until the caller closes the session, matching
	// real providers where the stream outlives the scripted results.
	select {
	case <-ctx.Done():
	case <-s.done:
	}
}

var _ stt.Provider = (*Provider)(nil)
var _ stt.SessionHandle = (*Session)(nil)
