package vault

import (
	"bytes"
	"errors"
	"testing"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestNew_RejectsShortKey(t *testing.T) {
	if _, err := New([]byte("too short")); err == nil {
		t.Fatal("expected error for short root key")
	}
}

func TestWrapUnwrap_RoundTrip(t *testing.T) {
	v := testVault(t)

	plain := []byte(`{"provider":"twilio","sid":"AC123","token":"secret"}`)
	blob, err := v.Wrap("tenant-a", plain)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if blob[0] != currentVersion {
		t.Errorf("version byte = %d, want %d", blob[0], currentVersion)
	}

	got, err := v.Unwrap("tenant-a", blob)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestWrap_NonDeterministic(t *testing.T) {
	v := testVault(t)
	plain := []byte("same plaintext")

	a, _ := v.Wrap("tenant-a", plain)
	b, _ := v.Wrap("tenant-a", plain)
	if bytes.Equal(a, b) {
		t.Error("two wraps of the same plaintext must not be byte-equal")
	}
}

func TestUnwrap_WrongTenantFails(t *testing.T) {
	v := testVault(t)

	blob, _ := v.Wrap("tenant-a", []byte("secret"))
	if _, err := v.Unwrap("tenant-b", blob); err == nil {
		t.Fatal("unwrap under a different tenant must fail authentication")
	}
}

func TestUnwrap_TamperDetected(t *testing.T) {
	v := testVault(t)

	blob, _ := v.Wrap("tenant-a", []byte("secret"))
	blob[len(blob)-1] ^= 0x01
	if _, err := v.Unwrap("tenant-a", blob); err == nil {
		t.Fatal("tampered ciphertext must fail authentication")
	}
}

func TestUnwrap_Malformed(t *testing.T) {
	v := testVault(t)

	if _, err := v.Unwrap("tenant-a", nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("nil blob: err = %v, want ErrMalformed", err)
	}
	if _, err := v.Unwrap("tenant-a", []byte{currentVersion, 0x01}); !errors.Is(err, ErrMalformed) {
		t.Errorf("truncated blob: err = %v, want ErrMalformed", err)
	}
}

func TestUnwrap_UnknownVersion(t *testing.T) {
	v := testVault(t)

	blob, _ := v.Wrap("tenant-a", []byte("secret"))
	blob[0] = 99
	if _, err := v.Unwrap("tenant-a", blob); !errors.Is(err, ErrUnknownVersion) {
		t.Errorf("err = %v, want ErrUnknownVersion", err)
	}
}

func TestRetainPriorKey(t *testing.T) {
	// A vault on the old root wraps; after "rotation" the new vault can only
	// unwrap once the prior key is retained under its version byte.
	oldRoot := bytes.Repeat([]byte{0x01}, 32)
	oldVault, err := New(oldRoot)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := oldVault.Wrap("tenant-a", []byte("legacy secret"))
	if err != nil {
		t.Fatal(err)
	}

	// RetainPriorKey requires version < current, so this exercises the guard.
	newVault := testVault(t)
	if err := newVault.RetainPriorKey(currentVersion, oldRoot); err == nil {
		t.Error("retaining a key at the current version must be rejected")
	}

	// Same-version blobs wrapped under a different root fail authentication.
	if _, err := newVault.Unwrap("tenant-a", blob); err == nil {
		t.Error("blob wrapped under a different root must not unwrap")
	}
}
