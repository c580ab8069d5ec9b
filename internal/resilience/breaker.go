// Package resilience protects external provider calls from cascading
// failures.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open). Each STT, LLM, and TTS backend gets its own
// breaker; a [Set] groups them so the health endpoint can report every
// provider's state in one snapshot.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/fault"
)

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state, all calls are forwarded.
	StateClosed State = iota

	// StateOpen means the breaker has tripped. Calls are rejected immediately
	// with a provider_unavailable fault until the cooldown elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. A limited
	// number of calls go through; success closes the breaker, failure
	// re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name labels the protected provider in logs, faults, and health reports.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before transitioning to
	// half-open. Default: 60s.
	Cooldown time.Duration

	// HalfOpenMax is the number of probe calls allowed in the half-open state
	// before the breaker decides whether to close or re-open. Default: 2.
	HalfOpenMax int

	// Logger receives state transition events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Breaker implements the three-state circuit breaker pattern around one
// provider.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	halfOpenMax int
	log         *slog.Logger
	now         func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	lastError       string
	halfOpenCalls   int
	halfOpenFails   int
}

// NewBreaker creates a [Breaker] with the supplied configuration. Zero-value
// config fields are replaced with defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		halfOpenMax: cfg.HalfOpenMax,
		log:         cfg.Logger,
		now:         time.Now,
		state:       StateClosed,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns a
// provider_unavailable fault without calling fn; in the half-open state a
// limited number of probe calls are permitted.
//
// Only provider-class failures count against the breaker: faults of kind
// validation, not_found, and the like pass through without tripping it, since
// a caller's bad request says nothing about the provider's health.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cooldown {
			b.state = StateHalfOpen
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			b.log.Info("circuit breaker transitioning to half-open", "provider", b.name)
		} else {
			lastErr := b.lastError
			b.mu.Unlock()
			return fault.New(fault.KindProviderUnavailable, "resilience: provider %s circuit open", b.name).
				With("provider", b.name).
				With("last_error", lastErr)
		}

	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			b.mu.Unlock()
			return fault.New(fault.KindProviderUnavailable, "resilience: provider %s circuit open", b.name).
				With("provider", b.name)
		}
	}

	inHalfOpen := b.state == StateHalfOpen
	if inHalfOpen {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && countsAsFailure(err) {
		b.recordFailure(inHalfOpen, err)
	} else if err == nil {
		b.recordSuccess(inHalfOpen)
	}
	return err
}

// countsAsFailure reports whether err indicates provider trouble rather than
// caller error.
func countsAsFailure(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindNotFound, fault.KindUnauthorized,
		fault.KindUnauthenticated, fault.KindConflict, fault.KindQuotaExceeded,
		fault.KindBusinessRule:
		return false
	}
	return true
}

// recordFailure handles failure accounting. Must be called with b.mu held.
func (b *Breaker) recordFailure(inHalfOpen bool, err error) {
	b.lastFailure = b.now()
	b.lastError = err.Error()

	if inHalfOpen {
		b.halfOpenFails++
		b.state = StateOpen
		b.consecutiveFail = b.maxFailures
		b.log.Warn("circuit breaker re-opened from half-open", "provider", b.name, "error", err)
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.maxFailures {
		b.state = StateOpen
		b.log.Warn("circuit breaker opened",
			"provider", b.name,
			"consecutive_failures", b.consecutiveFail,
			"error", err)
	}
}

// recordSuccess handles success accounting. Must be called with b.mu held.
func (b *Breaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		successes := b.halfOpenCalls - b.halfOpenFails
		if successes >= b.halfOpenMax {
			b.state = StateClosed
			b.consecutiveFail = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			b.lastError = ""
			b.log.Info("circuit breaker closed after successful probes", "provider", b.name)
		}
		return
	}
	b.consecutiveFail = 0
}

// State returns the current [State]. If the breaker is open and the cooldown
// has elapsed, StateHalfOpen is returned; the actual transition happens on
// the next [Breaker.Do] call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset manually forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
	b.lastError = ""
	b.log.Info("circuit breaker manually reset", "provider", b.name)
}

// ─── Set ──────────────────────────────────────────────────────────────────────

// Health is one provider's entry in a [Set] snapshot.
type Health struct {
	Provider  string `json:"provider"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// Set groups the breakers of all configured providers for health reporting.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set.
func NewSet() *Set {
	return &Set{breakers: make(map[string]*Breaker)}
}

// Add registers a breaker under its configured name.
func (s *Set) Add(b *Breaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[b.name] = b
}

// Get returns the breaker registered under name, or nil.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakers[name]
}

// Snapshot returns the health of every registered breaker, sorted by provider
// name.
func (s *Set) Snapshot() []Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Health, 0, len(s.breakers))
	for name, b := range s.breakers {
		b.mu.Lock()
		h := Health{Provider: name, State: b.state.String(), LastError: b.lastError}
		if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cooldown {
			h.State = StateHalfOpen.String()
		}
		b.mu.Unlock()
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
