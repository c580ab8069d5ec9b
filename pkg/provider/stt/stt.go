// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// behind a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio frames and
// emits Transcript values — low-latency partials for responsiveness and
// authoritative finals that drive the conversation turn.
//
// Implementations must be safe for concurrent use; one session is open per
// live voice call.
package stt

import "context"

// Transcript is one recognition result.
type Transcript struct {
	// Text is the recognised utterance.
	Text string

	// Confidence is the provider's confidence in [0, 1].
	Confidence float64

	// Final marks an authoritative result. Non-final transcripts are interim
	// guesses and must not be written to the conversation log.
	Final bool
}

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the common
	// STT-optimised mono rate.
	SampleRate int

	// Channels is the number of audio channels; 1 = mono.
	Channels int

	// Language is the BCP-47 tag for recognition (e.g. "en", "de"). Empty
	// lets the provider auto-detect, if supported.
	Language string
}

// SessionHandle is an open streaming transcription session. Callers must call
// Close when done; failing to do so leaks goroutines and connections inside
// the provider. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio for transcription. Calling
	// SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Results returns the channel of transcripts, interim and final mixed,
	// distinguished by Transcript.Final. Closed when the session ends.
	Results() <-chan Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// handle is ready to accept audio immediately; the caller owns it and
	// must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// Name identifies the backend in logs and health reports.
	Name() string
}
