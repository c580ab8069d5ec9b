package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/vault"
)

type failureRecord struct {
	network bool
}

type fakeSubStore struct {
	mu        sync.Mutex
	subs      []model.WebhookSubscriber
	successes []string
	failures  map[string][]failureRecord
}

func newFakeSubStore(subs ...model.WebhookSubscriber) *fakeSubStore {
	return &fakeSubStore{subs: subs, failures: make(map[string][]failureRecord)}
}

func (f *fakeSubStore) ListActive(context.Context, string) ([]model.WebhookSubscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.WebhookSubscriber(nil), f.subs...), nil
}

func (f *fakeSubStore) RecordSuccess(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
	return nil
}

func (f *fakeSubStore) RecordFailure(_ context.Context, id string, network bool, disableAt int, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = append(f.failures[id], failureRecord{network})
	var netCount int
	for _, rec := range f.failures[id] {
		if rec.network {
			netCount++
		}
	}
	return netCount >= disableAt, nil
}

func (f *fakeSubStore) counts(id string) (successes int, failures []failureRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.successes {
		if s == id {
			successes++
		}
	}
	return successes, append([]failureRecord(nil), f.failures[id]...)
}

type captured struct {
	body    []byte
	headers http.Header
}

// capturing handler that responds with the scripted status codes, repeating
// the last one.
func captureServer(t *testing.T, statuses ...int) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		n := len(got)
		got = append(got, captured{body: body, headers: r.Header.Clone()})
		mu.Unlock()
		status := statuses[len(statuses)-1]
		if n < len(statuses) {
			status = statuses[n]
		}
		w.WriteHeader(status)
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func testDispatcher(store *fakeSubStore) *Dispatcher {
	d := NewDispatcher(store, config.WebhookConfig{
		MaxAttempts: 3,
		RetryDelay:  time.Minute,
		Timeout:     5 * time.Second,
	})
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func subscriber(url string, kinds ...string) model.WebhookSubscriber {
	return model.WebhookSubscriber{
		ID:         "sub-1",
		TenantID:   "tenant-1",
		URL:        url,
		Secret:     "hunter2",
		EventKinds: kinds,
		Status:     model.SubscriberActive,
		Headers:    map[string]string{"X-Custom": "yes"},
	}
}

func TestPublishDeliversSignedPayload(t *testing.T) {
	srv, requests := captureServer(t, http.StatusOK)
	store := newFakeSubStore(subscriber(srv.URL, "session-ended"))
	d := testDispatcher(store)

	d.Publish(context.Background(), "tenant-1", "session-ended", map[string]any{
		"session_id": "s-1",
		"outcome":    "completed",
	})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("requests = %d, want 1", len(got))
	}
	req := got[0]

	var envelope map[string]any
	if err := json.Unmarshal(req.body, &envelope); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if envelope["event"] != "session-ended" {
		t.Errorf("event = %v", envelope["event"])
	}
	if envelope["webhook-id"] == "" {
		t.Error("webhook-id missing")
	}
	if _, err := time.Parse(time.RFC3339, envelope["timestamp"].(string)); err != nil {
		t.Errorf("timestamp not RFC3339: %v", err)
	}
	data := envelope["data"].(map[string]any)
	if data["session_id"] != "s-1" {
		t.Errorf("data = %v", data)
	}

	sig := req.headers.Get("X-Webhook-Signature")
	if !Verify("hunter2", req.body, sig) {
		t.Errorf("signature %q does not verify", sig)
	}
	if req.headers.Get("X-Custom") != "yes" {
		t.Error("custom header not forwarded")
	}
	if req.headers.Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", req.headers.Get("Content-Type"))
	}

	successes, failures := store.counts("sub-1")
	if successes != 1 || len(failures) != 0 {
		t.Errorf("successes = %d failures = %d", successes, len(failures))
	}
}

func TestPublishWildcardMatchesEverything(t *testing.T) {
	srv, requests := captureServer(t, http.StatusOK)
	store := newFakeSubStore(subscriber(srv.URL, "*"))
	d := testDispatcher(store)

	d.Publish(context.Background(), "tenant-1", "lead-created", map[string]any{"lead": "l-1"})
	_ = d.Close(context.Background())

	if len(requests()) != 1 {
		t.Fatalf("wildcard subscriber should receive any kind")
	}
}

func TestPublishSkipsNonMatchingKind(t *testing.T) {
	srv, requests := captureServer(t, http.StatusOK)
	store := newFakeSubStore(subscriber(srv.URL, "session-ended"))
	d := testDispatcher(store)

	d.Publish(context.Background(), "tenant-1", "lead-created", nil)
	_ = d.Close(context.Background())

	if len(requests()) != 0 {
		t.Fatal("non-matching kind must not be delivered")
	}
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	srv, requests := captureServer(t, http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)
	store := newFakeSubStore()
	d := testDispatcher(store)

	sub := subscriber(srv.URL, "*")
	if err := d.SendTest(context.Background(), &sub); err != nil {
		t.Fatalf("SendTest: %v", err)
	}
	if got := len(requests()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	successes, failures := store.counts("sub-1")
	if successes != 1 || len(failures) != 0 {
		t.Errorf("successes = %d failures = %d, want the delivery counted once", successes, len(failures))
	}
}

func TestRejectionDoesNotRetry(t *testing.T) {
	srv, requests := captureServer(t, http.StatusGone)
	store := newFakeSubStore()
	d := testDispatcher(store)

	sub := subscriber(srv.URL, "*")
	if err := d.SendTest(context.Background(), &sub); err == nil {
		t.Fatal("4xx should surface an error")
	}
	if got := len(requests()); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 4xx)", got)
	}
	_, failures := store.counts("sub-1")
	if len(failures) != 1 || failures[0].network {
		t.Errorf("failures = %+v, want one non-network failure", failures)
	}
}

func TestExhaustedAttemptsCountAsNetworkFailure(t *testing.T) {
	srv, requests := captureServer(t, http.StatusServiceUnavailable)
	store := newFakeSubStore()
	d := testDispatcher(store)

	sub := subscriber(srv.URL, "*")
	if err := d.SendTest(context.Background(), &sub); err == nil {
		t.Fatal("exhausted delivery should surface an error")
	}
	if got := len(requests()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	_, failures := store.counts("sub-1")
	if len(failures) != 1 || !failures[0].network {
		t.Errorf("failures = %+v, want one network failure", failures)
	}
}

func TestSubscriberOverridesAttempts(t *testing.T) {
	srv, requests := captureServer(t, http.StatusServiceUnavailable)
	store := newFakeSubStore()
	d := testDispatcher(store)

	sub := subscriber(srv.URL, "*")
	sub.MaxAttempts = 1
	_ = d.SendTest(context.Background(), &sub)
	if got := len(requests()); got != 1 {
		t.Errorf("attempts = %d, want the subscriber override", got)
	}
}

func TestPayloadIsCanonical(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	body, err := Payload("wh-1", "session-ended", at, map[string]any{
		"zeta":  1,
		"alpha": "x",
	})
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	want := `{"data":{"alpha":"x","zeta":1},"event":"session-ended","timestamp":"2026-03-14T09:26:53Z","webhook-id":"wh-1"}`
	if string(body) != want {
		t.Errorf("payload = %s\nwant      %s", body, want)
	}
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"event":"webhook-test"}`)
	sig := Sign("secret", payload)
	if len(sig) != len("sha256=")+64 {
		t.Errorf("signature shape = %q", sig)
	}
	if !Verify("secret", payload, sig) {
		t.Error("round trip should verify")
	}
	if Verify("wrong", payload, sig) {
		t.Error("wrong secret must not verify")
	}
	if Verify("secret", []byte("tampered"), sig) {
		t.Error("tampered payload must not verify")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := time.Second
	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := backoff(base, attempt)
		if d < prev {
			t.Errorf("attempt %d: backoff %v shrank below %v", attempt, d, prev)
		}
		prev = base << (attempt - 1)
	}
	if d := backoff(time.Hour, 3); d > backoffCap {
		t.Errorf("backoff %v exceeds cap", d)
	}
}

func TestVaultWrappedSecretSignsWithPlaintext(t *testing.T) {
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	blob, err := v.Wrap("tenant-1", []byte("hunter2"))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	srv, requests := captureServer(t, http.StatusOK)
	sub := subscriber(srv.URL, "session-ended")
	sub.Secret = base64.StdEncoding.EncodeToString(blob)
	store := newFakeSubStore(sub)

	d := testDispatcher(store)
	WithVault(v)(d)

	d.Publish(context.Background(), "tenant-1", "session-ended", map[string]any{"session_id": "s-1"})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	sig := got[0].headers.Get("X-Webhook-Signature")
	if !Verify("hunter2", got[0].body, sig) {
		t.Error("signature must be computed over the unwrapped secret")
	}
}

func TestVaultUnwrapFailureSkipsDelivery(t *testing.T) {
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	srv, requests := captureServer(t, http.StatusOK)
	sub := subscriber(srv.URL, "session-ended")
	sub.Secret = "not-a-wrapped-blob!"
	store := newFakeSubStore(sub)

	d := testDispatcher(store)
	WithVault(v)(d)

	d.Publish(context.Background(), "tenant-1", "session-ended", map[string]any{"session_id": "s-1"})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := requests(); len(got) != 0 {
		t.Errorf("deliveries = %d, want none for an undecodable secret", len(got))
	}
}
