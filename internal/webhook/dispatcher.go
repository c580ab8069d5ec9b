// Package webhook delivers tenant event notifications to registered HTTP
// subscribers.
//
// The dispatcher is the process-wide [usage.EventSink]: anything that
// publishes a tenant event (session lifecycle, leads, scheduling) flows
// through [Dispatcher.Publish]. Delivery is asynchronous with per-subscriber
// retries, signing, and failure bookkeeping; publishers never block on a slow
// endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/vault"
)

// disableAfterNetFailures is how many network failures without an intervening
// success flip a subscriber to the failed status.
const disableAfterNetFailures = 10

// maxInFlight caps concurrent deliveries per subscriber.
const maxInFlight = 4

// backoffCap bounds the exponential retry delay.
const backoffCap = time.Minute

// subscriberStore is the durable surface the dispatcher needs.
type subscriberStore interface {
	ListActive(ctx context.Context, tenantID string) ([]model.WebhookSubscriber, error)
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, network bool, disableAt int, at time.Time) (bool, error)
}

// Dispatcher fans tenant events out to webhook subscribers.
type Dispatcher struct {
	store   subscriberStore
	client  *http.Client
	cfg     config.WebhookConfig
	log     *slog.Logger
	metrics *observe.Metrics
	vault   *vault.Vault
	now     func() time.Time

	// sleep is swapped out in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inFlight map[string]chan struct{}
	limiters map[string]*rate.Limiter
	wg       sync.WaitGroup
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithLogger sets the dispatch logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithMetrics wires delivery metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithVault makes the dispatcher treat stored subscriber secrets as
// vault-wrapped blobs and unwrap them before signing.
func WithVault(v *vault.Vault) Option {
	return func(d *Dispatcher) { d.vault = v }
}

// NewDispatcher creates a dispatcher with the given defaults. Zero config
// values fall back to 3 attempts, 60s base delay, 30s timeout.
func NewDispatcher(store subscriberStore, cfg config.WebhookConfig, opts ...Option) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	d := &Dispatcher{
		store:    store,
		client:   &http.Client{},
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		inFlight: make(map[string]chan struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		t := time.NewTimer(dur)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish implements [usage.EventSink]: it selects the tenant's subscribers
// for kind and delivers to each in the background. Errors are logged and
// counted, never returned; event emission must not fail the operation that
// produced the event.
func (d *Dispatcher) Publish(ctx context.Context, tenantID, kind string, data map[string]any) {
	subs, err := d.store.ListActive(context.WithoutCancel(ctx), tenantID)
	if err != nil {
		d.log.Error("webhook subscriber lookup failed", "tenant", tenantID, "event", kind, "error", err)
		return
	}
	eventID := uuid.NewString()
	for i := range subs {
		sub := subs[i]
		if !sub.WantsEvent(kind) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), &sub, eventID, kind, data)
		}()
	}
}

// SendTest delivers a webhook-test event to one subscriber synchronously and
// returns the delivery outcome.
func (d *Dispatcher) SendTest(ctx context.Context, sub *model.WebhookSubscriber) error {
	return d.deliver(ctx, sub, uuid.NewString(), "webhook-test", map[string]any{
		"subscriber_id": sub.ID,
		"message":       "test delivery",
	})
}

// Close waits for in-background deliveries to finish or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Delivery ─────────────────────────────────────────────────────────────────

// deliver runs the attempt loop for one subscriber. Retries apply to network
// errors, timeouts, and 5xx responses; a definitive 4xx stops immediately.
func (d *Dispatcher) deliver(ctx context.Context, sub *model.WebhookSubscriber, eventID, kind string, data map[string]any) error {
	release, err := d.acquire(ctx, sub.ID)
	if err != nil {
		return err
	}
	defer release()

	body, err := Payload(eventID, kind, d.now(), data)
	if err != nil {
		d.log.Error("webhook payload encode failed", "subscriber", sub.ID, "event", kind, "error", err)
		return err
	}
	secret, err := d.signingSecret(sub)
	if err != nil {
		d.log.Error("webhook secret unwrap failed", "subscriber", sub.ID, "error", err)
		return err
	}
	signature := Sign(secret, body)

	attempts := sub.MaxAttempts
	if attempts <= 0 {
		attempts = d.cfg.MaxAttempts
	}
	baseDelay := sub.RetryDelay
	if baseDelay <= 0 {
		baseDelay = d.cfg.RetryDelay
	}
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}

	log := d.log.With("subscriber", sub.ID, "event", kind, "webhook_id", eventID)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, err := d.post(ctx, sub, body, signature, eventID, kind, timeout)
		switch {
		case err == nil && status/100 == 2:
			d.recordOutcome(ctx, sub, kind, "delivered", true, false)
			return nil

		case err == nil && status/100 == 4:
			// The endpoint understood us and said no. Retrying won't change
			// its mind, and it is not a network failure.
			log.Warn("webhook rejected", "status", status)
			d.recordOutcome(ctx, sub, kind, "rejected", false, false)
			return fmt.Errorf("webhook: %s returned status %d", sub.URL, status)

		case err != nil:
			lastErr = err
		default:
			lastErr = fmt.Errorf("webhook: %s returned status %d", sub.URL, status)
		}

		log.Warn("webhook attempt failed", "attempt", attempt, "error", lastErr)
		if attempt < attempts {
			if err := d.sleep(ctx, backoff(baseDelay, attempt)); err != nil {
				break
			}
		}
	}

	d.recordOutcome(ctx, sub, kind, "failed", false, true)
	return lastErr
}

// signingSecret returns the subscriber's HMAC key. With a vault configured
// the stored value is a base64 wrapped blob keyed to the subscriber's tenant.
func (d *Dispatcher) signingSecret(sub *model.WebhookSubscriber) (string, error) {
	if d.vault == nil {
		return sub.Secret, nil
	}
	blob, err := base64.StdEncoding.DecodeString(sub.Secret)
	if err != nil {
		return "", fmt.Errorf("webhook: decode wrapped secret: %w", err)
	}
	plain, err := d.vault.Unwrap(sub.TenantID, blob)
	if err != nil {
		return "", fmt.Errorf("webhook: unwrap secret: %w", err)
	}
	return string(plain), nil
}

// post sends one signed delivery attempt.
func (d *Dispatcher) post(ctx context.Context, sub *model.WebhookSubscriber, body []byte, signature, eventID, kind string, timeout time.Duration) (int, error) {
	if err := d.limiter(sub.ID).Wait(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "voxwire-webhook/1.0")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-ID", eventID)
	req.Header.Set("X-Webhook-Event", kind)
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: post %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// recordOutcome updates durable counters and metrics for a finished delivery.
func (d *Dispatcher) recordOutcome(ctx context.Context, sub *model.WebhookSubscriber, kind, status string, success, network bool) {
	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery(ctx, kind, status)
	}
	now := d.now()
	if success {
		if err := d.store.RecordSuccess(ctx, sub.ID, now); err != nil {
			d.log.Error("webhook success bookkeeping failed", "subscriber", sub.ID, "error", err)
		}
		return
	}
	disabled, err := d.store.RecordFailure(ctx, sub.ID, network, disableAfterNetFailures, now)
	if err != nil {
		d.log.Error("webhook failure bookkeeping failed", "subscriber", sub.ID, "error", err)
		return
	}
	if disabled {
		d.log.Error("webhook subscriber disabled after repeated network failures",
			"subscriber", sub.ID, "url", sub.URL)
		if d.metrics != nil {
			d.metrics.RecordWebhookDelivery(ctx, kind, "disabled")
		}
	}
}

// acquire takes an in-flight slot for the subscriber.
func (d *Dispatcher) acquire(ctx context.Context, id string) (func(), error) {
	d.mu.Lock()
	sem, ok := d.inFlight[id]
	if !ok {
		sem = make(chan struct{}, maxInFlight)
		d.inFlight[id] = sem
	}
	d.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// limiter returns the per-subscriber pacing limiter.
func (d *Dispatcher) limiter(id string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(100*time.Millisecond), maxInFlight*2)
		d.limiters[id] = l
	}
	return l
}

// backoff returns the exponential delay with jitter for the given attempt,
// capped at one minute.
func backoff(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	jitter := time.Duration(rand.Int64N(int64(delay) / 4))
	delay += jitter
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}

// ─── Payload ──────────────────────────────────────────────────────────────────

// Payload builds the canonical JSON envelope for an event. encoding/json
// emits object keys sorted with no insignificant whitespace, which is exactly
// the canonical form the signature is computed over.
func Payload(eventID, kind string, at time.Time, data map[string]any) ([]byte, error) {
	envelope := map[string]any{
		"event":      kind,
		"timestamp":  at.UTC().Format(time.RFC3339),
		"webhook-id": eventID,
		"data":       data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode payload: %w", err)
	}
	return body, nil
}

// Sign computes the signature header value for a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the payload. Intended for
// subscriber-side verification and tests.
func Verify(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}
