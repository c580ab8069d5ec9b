package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voxwire/voxwire/internal/counter"
	"github.com/voxwire/voxwire/internal/fault"
)

func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	iss, err := New(Config{
		Issuer:          "voxwire",
		Audience:        "voxwire-api",
		HMACSecret:      []byte("0123456789abcdef0123456789abcdef"),
		AccessLifetime:  30 * time.Minute,
		RefreshLifetime: 7 * 24 * time.Hour,
	}, counter.New(rdb))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return iss
}

func TestNew_RequiresExactlyOneKey(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error with no key")
	}
}

func TestIssuePair_ValidateAccess(t *testing.T) {
	iss := testIssuer(t)
	ctx := context.Background()

	perms := []string{"conversation:read", "voice_agent:use"}
	pair, err := iss.IssuePair("tenant-1", "user-1", perms)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	claims, err := iss.Validate(ctx, pair.AccessToken, TypeAccess)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.TenantID != "tenant-1" || claims.PrincipalID != "user-1" {
		t.Errorf("identity = %s/%s, want tenant-1/user-1", claims.TenantID, claims.PrincipalID)
	}
	if len(claims.Permissions) != 2 {
		t.Errorf("permissions = %v, want frozen snapshot of 2", claims.Permissions)
	}
	if claims.Version != 1 {
		t.Errorf("token_version = %d, want 1", claims.Version)
	}
}

func TestValidate_TypeMismatch(t *testing.T) {
	iss := testIssuer(t)
	ctx := context.Background()

	pair, _ := iss.IssuePair("tenant-1", "user-1", nil)

	// An access token never carries refresh authority, and vice versa.
	if _, err := iss.Validate(ctx, pair.AccessToken, TypeRefresh); !fault.IsKind(err, fault.KindUnauthenticated) {
		t.Errorf("access-as-refresh: err = %v, want unauthenticated", err)
	}
	if _, err := iss.Validate(ctx, pair.RefreshToken, TypeAccess); !fault.IsKind(err, fault.KindUnauthenticated) {
		t.Errorf("refresh-as-access: err = %v, want unauthenticated", err)
	}
}

func TestValidate_RefreshCarriesNoPermissions(t *testing.T) {
	iss := testIssuer(t)
	ctx := context.Background()

	pair, _ := iss.IssuePair("tenant-1", "user-1", []string{"billing:*"})
	claims, err := iss.Validate(ctx, pair.RefreshToken, TypeRefresh)
	if err != nil {
		t.Fatalf("Validate refresh: %v", err)
	}
	if len(claims.Permissions) != 0 {
		t.Errorf("refresh token carries permissions %v, want none", claims.Permissions)
	}
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	iss := testIssuer(t)
	ctx := context.Background()

	issued := time.Now()
	iss.now = func() time.Time { return issued }
	pair, _ := iss.IssuePair("tenant-1", "user-1", nil)

	// 1ms before expiry: accepted.
	iss.now = func() time.Time { return issued.Add(30*time.Minute - time.Millisecond) }
	if _, err := iss.Validate(ctx, pair.AccessToken, TypeAccess); err != nil {
		t.Errorf("1ms before expiry: %v", err)
	}

	// 1ms past expiry: rejected.
	iss.now = func() time.Time { return issued.Add(30*time.Minute + time.Millisecond) }
	if _, err := iss.Validate(ctx, pair.AccessToken, TypeAccess); !fault.IsKind(err, fault.KindUnauthenticated) {
		t.Errorf("1ms past expiry: err = %v, want unauthenticated", err)
	}
}

func TestRevoke_DeniesAllSubsequentValidations(t *testing.T) {
	iss := testIssuer(t)
	ctx := context.Background()

	pair, _ := iss.IssuePair("tenant-1", "user-1", nil)
	claims, err := iss.Validate(ctx, pair.AccessToken, TypeAccess)
	if err != nil {
		t.Fatal(err)
	}

	if err := iss.Revoke(ctx, claims); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	for range 3 {
		if _, err := iss.Validate(ctx, pair.AccessToken, TypeAccess); !fault.IsKind(err, fault.KindUnauthenticated) {
			t.Fatalf("post-revoke Validate: err = %v, want unauthenticated", err)
		}
	}
}

func TestRefresh_NewAccessSameRefresh(t *testing.T) {
	iss := testIssuer(t)
	ctx := context.Background()

	pair, _ := iss.IssuePair("tenant-1", "user-1", []string{"conversation:read"})

	refreshed, err := iss.Refresh(ctx, pair.RefreshToken, []string{"conversation:read", "analytics:read"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.RefreshToken != pair.RefreshToken {
		t.Error("refresh token must be returned unchanged")
	}
	if refreshed.AccessToken == pair.AccessToken {
		t.Error("access token must be re-issued")
	}

	claims, err := iss.Validate(ctx, refreshed.AccessToken, TypeAccess)
	if err != nil {
		t.Fatal(err)
	}
	if len(claims.Permissions) != 2 {
		t.Errorf("refreshed permissions = %v, want re-read expansion of 2", claims.Permissions)
	}
}

func TestValidate_WrongIssuerSecret(t *testing.T) {
	a := testIssuer(t)
	b := testIssuer(t)
	b.cfg.Issuer = "someone-else"

	pair, _ := a.IssuePair("tenant-1", "user-1", nil)
	// Same secret, different expected issuer: rejected.
	if _, err := b.Validate(context.Background(), pair.AccessToken, TypeAccess); !fault.IsKind(err, fault.KindUnauthenticated) {
		t.Errorf("err = %v, want unauthenticated", err)
	}
}
