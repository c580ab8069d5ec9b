package synth

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/resilience"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/pkg/provider/tts"
)

// artifactStore is the durable artifact surface the synthesizer needs.
type artifactStore interface {
	Put(ctx context.Context, a *store.Artifact) error
	Get(ctx context.Context, fingerprint string) (*store.Artifact, error)
}

// Result is one completed synthesis with its provenance.
type Result struct {
	Audio    []byte
	Duration time.Duration

	// CacheHit is true when the audio came from the in-memory cache or the
	// durable artifact store rather than the provider.
	CacheHit bool

	// Elapsed is the wall time of the whole operation.
	Elapsed time.Duration
}

// Synthesizer produces agent audio through the cache, falling back to the
// durable artifact store and finally the TTS provider. Provider calls go
// through the circuit breaker.
type Synthesizer struct {
	cache     *Cache
	artifacts artifactStore
	provider  tts.Provider
	breaker   *resilience.Breaker
	metrics   *observe.Metrics
	log       *slog.Logger
	now       func() time.Time
}

// NewSynthesizer wires the synthesis path. breaker and metrics may be nil.
func NewSynthesizer(cache *Cache, artifacts artifactStore, provider tts.Provider, breaker *resilience.Breaker, metrics *observe.Metrics, log *slog.Logger) *Synthesizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synthesizer{
		cache:     cache,
		artifacts: artifacts,
		provider:  provider,
		breaker:   breaker,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

// TuningFor converts an agent's stored tuning into the provider request form.
func TuningFor(t model.VoiceTuning) tts.Tuning {
	return tts.Tuning{
		Stability:       t.Stability,
		SimilarityBoost: t.SimilarityBoost,
		Style:           t.Style,
		SpeakerBoost:    t.SpeakerBoost,
	}
}

// Synthesize returns the audio for text spoken by agent's voice. Identical
// requests share one provider call and one cached result.
func (s *Synthesizer) Synthesize(ctx context.Context, agent *model.VoiceAgent, text, language string) (*Result, error) {
	if text == "" {
		return nil, fault.New(fault.KindValidation, "synth: text must not be empty")
	}
	start := s.now()
	tuning := TuningFor(agent.Tuning)
	fp := Fingerprint(agent.VoiceID, tuning, language, text)

	if e, ok := s.cache.Get(fp); ok {
		return &Result{Audio: e.Audio, Duration: e.Duration, CacheHit: true, Elapsed: s.now().Sub(start)}, nil
	}

	hit := false
	e, err := s.cache.GetOrBuild(ctx, fp, func(ctx context.Context) (*tts.Result, error) {
		// Durable artifacts survive restarts; check before paying for a
		// provider call.
		if s.artifacts != nil {
			if a, err := s.artifacts.Get(ctx, fp); err == nil && a != nil {
				hit = true
				return &tts.Result{Audio: a.Audio, Duration: a.Duration}, nil
			}
		}

		var res *tts.Result
		call := func(ctx context.Context) error {
			var err error
			res, err = s.provider.Synthesize(ctx, tts.Request{
				VoiceID:  agent.VoiceID,
				Text:     text,
				Language: language,
				Tuning:   tuning,
			})
			return err
		}
		var err error
		if s.breaker != nil {
			err = s.breaker.Do(ctx, call)
		} else {
			err = call(ctx)
		}
		if err != nil {
			s.recordProvider(ctx, "error")
			return nil, err
		}
		s.recordProvider(ctx, "ok")

		if s.artifacts != nil {
			if err := s.artifacts.Put(ctx, &store.Artifact{
				Fingerprint: fp,
				Audio:       res.Audio,
				Duration:    res.Duration,
				CreatedAt:   s.now(),
			}); err != nil {
				s.log.Warn("artifact persist failed", "fingerprint", fp[:12], "error", err)
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	elapsed := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.TTSDuration.Record(ctx, elapsed.Seconds())
	}
	return &Result{Audio: e.Audio, Duration: e.Duration, CacheHit: hit, Elapsed: elapsed}, nil
}

// Stream returns the audio as a chunk channel alongside the synthesis
// result. Cache hits replay the cached bytes; misses go through Synthesize
// first, so the result is cached for the next caller.
func (s *Synthesizer) Stream(ctx context.Context, agent *model.VoiceAgent, text, language string) (*Result, <-chan []byte, error) {
	res, err := s.Synthesize(ctx, agent, text, language)
	if err != nil {
		return nil, nil, err
	}
	const chunkSize = 8 << 10
	ch := make(chan []byte, 8)
	go func() {
		defer close(ch)
		audio := res.Audio
		for off := 0; off < len(audio); off += chunkSize {
			end := off + chunkSize
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
	return res, ch, nil
}

// Warm pregenerates and pins the agent's greeting and fallback messages so
// the first caller never waits for them.
func (s *Synthesizer) Warm(ctx context.Context, agent *model.VoiceAgent, language string) error {
	for _, text := range []string{agent.Greeting, agent.FallbackText} {
		if text == "" {
			continue
		}
		if _, err := s.Synthesize(ctx, agent, text, language); err != nil {
			return err
		}
		fp := Fingerprint(agent.VoiceID, TuningFor(agent.Tuning), language, text)
		s.cache.Pin(fp)
	}
	return nil
}

func (s *Synthesizer) recordProvider(ctx context.Context, status string) {
	if s.metrics != nil {
		s.metrics.RecordProviderRequest(ctx, s.provider.Name(), "tts", status)
	}
}
