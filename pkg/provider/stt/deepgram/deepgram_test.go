package deepgram

import (
	"net/url"
	"strings"
	"testing"

	"github.com/voxwire/voxwire/pkg/provider/stt"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func queryOf(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse URL %q: %v", raw, err)
	}
	return u.Query()
}

func TestListenURLDefaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.listenURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("listenURL: %v", err)
	}
	q := queryOf(t, raw)

	want := map[string]string{
		"model":           defaultModel,
		"language":        "en",
		"sample_rate":     "16000",
		"interim_results": "true",
		"punctuate":       "true",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if q.Has("channels") {
		t.Error("channels should be omitted when zero")
	}
}

func TestListenURLConfigOverridesDefaults(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.listenURL(stt.StreamConfig{SampleRate: 8000, Channels: 2, Language: "fr"})
	if err != nil {
		t.Fatalf("listenURL: %v", err)
	}
	if !strings.HasPrefix(raw, "wss://") {
		t.Errorf("URL scheme: got %q", raw)
	}
	q := queryOf(t, raw)

	// Session config beats provider options; provider options beat defaults.
	if got := q.Get("language"); got != "fr" {
		t.Errorf("language = %q, want fr", got)
	}
	if got := q.Get("sample_rate"); got != "8000" {
		t.Errorf("sample_rate = %q, want 8000", got)
	}
	if got := q.Get("channels"); got != "2" {
		t.Errorf("channels = %q, want 2", got)
	}
	if got := q.Get("model"); got != "base" {
		t.Errorf("model = %q, want base", got)
	}
}

func TestDecodeEvent(t *testing.T) {
	final := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.97}]}}`)
	got, ok := decodeEvent(final)
	if !ok {
		t.Fatal("expected a transcript")
	}
	if got.Text != "hello world" || !got.Final || got.Confidence != 0.97 {
		t.Errorf("transcript = %+v", got)
	}

	interim := []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.4}]}}`)
	got, ok = decodeEvent(interim)
	if !ok {
		t.Fatal("expected an interim transcript")
	}
	if got.Final {
		t.Error("Final should be false for interim results")
	}
}

func TestDecodeEventIgnoresNonTranscripts(t *testing.T) {
	cases := map[string]string{
		"metadata":         `{"type":"Metadata"}`,
		"empty transcript": `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`,
		"no alternatives":  `{"type":"Results","channel":{"alternatives":[]}}`,
		"invalid JSON":     `{not json`,
	}
	for name, msg := range cases {
		if _, ok := decodeEvent([]byte(msg)); ok {
			t.Errorf("%s: should be ignored", name)
		}
	}
}
