package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := New(KindQuotaExceeded, "monthly limit reached")
	wrapped := fmt.Errorf("recorder: %w", base)

	if got := KindOf(wrapped); got != KindQuotaExceeded {
		t.Errorf("KindOf = %q, want %q", got, KindQuotaExceeded)
	}
	if !IsKind(wrapped, KindQuotaExceeded) {
		t.Error("IsKind = false, want true")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf = %q, want empty", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindUnauthorized, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindQuotaExceeded, http.StatusTooManyRequests},
		{KindRateLimit, http.StatusTooManyRequests},
		{KindProviderError, http.StatusBadGateway},
		{KindProviderUnavailable, http.StatusServiceUnavailable},
		{KindStoreUnavailable, http.StatusServiceUnavailable},
		{KindBusinessRule, http.StatusBadRequest},
	}
	for _, c := range cases {
		if got := c.kind.HTTPStatus(); got != c.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestExpected(t *testing.T) {
	if !KindQuotaExceeded.Expected() {
		t.Error("quota_exceeded should be expected")
	}
	if KindStoreUnavailable.Expected() {
		t.Error("store_unavailable should be infrastructure")
	}
}

func TestWith_Fields(t *testing.T) {
	err := New(KindUnauthorized, "missing permission").
		With("required", "voice_agent:update")

	fields := FieldsOf(fmt.Errorf("handler: %w", err))
	if fields["required"] != "voice_agent:update" {
		t.Errorf("fields = %v, want required=voice_agent:update", fields)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(KindConflict, "serialization failure")) {
		t.Error("conflict should be retryable")
	}
	if Retryable(New(KindQuotaExceeded, "denied")) {
		t.Error("quota denial must not be retryable")
	}
}
