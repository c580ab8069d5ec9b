package store

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxwire/voxwire/internal/fault"
)

func TestClassifyNoRows(t *testing.T) {
	err := classify(pgx.ErrNoRows)
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("classify(ErrNoRows) kind = %v, want not_found", fault.KindOf(err))
	}
}

func TestClassifyConflictCodes(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "23505"} {
		err := classify(&pgconn.PgError{Code: code})
		if !fault.IsKind(err, fault.KindConflict) {
			t.Errorf("classify(pg code %s) kind = %v, want conflict", code, fault.KindOf(err))
		}
		if !fault.Retryable(err) {
			t.Errorf("classify(pg code %s) should be retryable", code)
		}
	}
}

func TestClassifyUnknownError(t *testing.T) {
	err := classify(errors.New("connection refused"))
	if !fault.IsKind(err, fault.KindStoreUnavailable) {
		t.Errorf("classify(unknown) kind = %v, want store_unavailable", fault.KindOf(err))
	}
}

func TestClassifyNil(t *testing.T) {
	if err := classify(nil); err != nil {
		t.Errorf("classify(nil) = %v, want nil", err)
	}
}

func TestNormalizeEpoch(t *testing.T) {
	epoch := time.Unix(0, 0)
	normalizeEpoch(&epoch)
	if !epoch.IsZero() {
		t.Errorf("epoch sentinel should normalize to the zero time, got %v", epoch)
	}

	real := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	keep := real
	normalizeEpoch(&keep)
	if !keep.Equal(real) {
		t.Errorf("non-epoch time must be untouched, got %v", keep)
	}
}

func TestNullableTime(t *testing.T) {
	if got := nullableTime(time.Time{}); got != nil {
		t.Errorf("nullableTime(zero) = %v, want nil", got)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := nullableTime(at); got != at {
		t.Errorf("nullableTime(%v) = %v", at, got)
	}
}
