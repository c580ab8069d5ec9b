// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform interface: a one-shot Synthesize for cacheable audio and
// a streaming SynthesizeStream that emits audio frames as they are produced,
// enabling low-latency pipelining into the session transport.
//
// Implementations must be safe for concurrent use; multiple voice sessions
// synthesise in parallel.
package tts

import (
	"context"
	"time"
)

// Tuning holds the synthesis tuning parameters applied per request.
type Tuning struct {
	// Stability trades consistency against expressiveness, range [0, 1].
	Stability float64

	// SimilarityBoost increases adherence to the reference voice, range [0, 1].
	SimilarityBoost float64

	// Style exaggerates the voice's speaking style, range [0, 1].
	Style float64

	// SpeakerBoost enables the provider's speaker-similarity enhancement.
	SpeakerBoost bool
}

// Request is one synthesis request.
type Request struct {
	// VoiceID is the provider-specific voice identifier. It must exist at the
	// provider.
	VoiceID string

	// Text is the text to speak.
	Text string

	// Language is a BCP-47 tag (e.g. "en", "de"). Empty lets the provider
	// pick from the voice's default.
	Language string

	Tuning Tuning
}

// Result is the completed synthesis output.
type Result struct {
	// Audio is the encoded audio payload.
	Audio []byte

	// Duration is the spoken length, when the provider reports it.
	Duration time.Duration
}

// Voice describes one available voice at the provider.
type Voice struct {
	ID       string
	Name     string
	Language string
	Labels   map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize produces the complete audio for req. Used for cache fills
	// and non-streaming synthesis.
	Synthesize(ctx context.Context, req Request) (*Result, error)

	// SynthesizeStream produces audio frames incrementally. The returned
	// channel is closed when synthesis completes or ctx is cancelled; the
	// caller must drain it. Errors after the stream starts close the channel
	// early — callers check ctx.Err() to distinguish cancellation.
	SynthesizeStream(ctx context.Context, req Request) (<-chan []byte, error)

	// ListVoices returns the provider's current voice catalogue.
	ListVoices(ctx context.Context) ([]Voice, error)

	// Name identifies the backend in logs and health reports.
	Name() string
}
