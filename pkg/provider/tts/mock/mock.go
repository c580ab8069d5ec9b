// Package mock provides a test double for the tts.Provider interface.
//
// The zero value synthesises deterministic audio derived from the request, so
// cache and single-flight tests can assert byte equality without configuring
// fixtures. Responses, errors, and per-call latency are all overridable.
//
// Example:
//
//	p := &mock.Provider{Latency: 10 * time.Millisecond}
//	res, _ := p.Synthesize(ctx, tts.Request{VoiceID: "v1", Text: "hello"})
package mock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize or
// SynthesizeStream.
type SynthesizeCall struct {
	Ctx       context.Context
	Req       tts.Request
	Streaming bool
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio, when non-nil, is returned verbatim instead of the derived bytes.
	Audio []byte

	// Err, if non-nil, fails Synthesize and SynthesizeStream.
	Err error

	// Latency delays each synthesis, honouring context cancellation.
	Latency time.Duration

	// StreamChunkSize splits streaming output; 0 means one chunk.
	StreamChunkSize int

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// Calls records every synthesis invocation in order.
	Calls []SynthesizeCall
}

// Name implements tts.Provider.
func (p *Provider) Name() string { return "mock" }

// Synthesize records the call and returns deterministic audio for the
// request: identical requests always yield identical bytes.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	audio, err := p.produce(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return &tts.Result{
		Audio:    audio,
		Duration: time.Duration(len(req.Text)) * 50 * time.Millisecond,
	}, nil
}

// SynthesizeStream records the call and emits the same deterministic audio in
// chunks on the returned channel.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	audio, err := p.produce(ctx, req, true)
	if err != nil {
		return nil, err
	}
	size := p.StreamChunkSize
	if size <= 0 {
		size = len(audio)
	}
	ch := make(chan []byte, 4)
	go func() {
		defer close(ch)
		for off := 0; off < len(audio); off += size {
			end := off + size
			if end > len(audio) {
				end = len(audio)
			}
			select {
			case ch <- audio[off:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ListVoices returns the configured catalogue.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// CallCount returns how many synthesis calls were recorded. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

func (p *Provider) produce(ctx context.Context, req tts.Request, streaming bool) ([]byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Req: req, Streaming: streaming})
	audio, err, latency := p.Audio, p.Err, p.Latency
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if audio != nil {
		return audio, nil
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%+v", req.VoiceID, req.Language, req.Text, req.Tuning))
	return sum[:], nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
