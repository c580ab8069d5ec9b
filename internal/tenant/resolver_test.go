package tenant

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

type fakeTenants struct {
	byID   map[string]*model.Tenant
	bySlug map[string]*model.Tenant
}

func (f *fakeTenants) GetByID(_ context.Context, id string) (*model.Tenant, error) {
	if t, ok := f.byID[id]; ok {
		return t, nil
	}
	return nil, fault.New(fault.KindNotFound, "tenant %s not found", id)
}

func (f *fakeTenants) GetBySlug(_ context.Context, slug string) (*model.Tenant, error) {
	if t, ok := f.bySlug[slug]; ok {
		return t, nil
	}
	return nil, fault.New(fault.KindNotFound, "tenant %s not found", slug)
}

type fakeCreds struct {
	byHash  map[string]*model.APICredential
	touched []string
}

func (f *fakeCreds) GetByHash(_ context.Context, hash string) (*model.APICredential, error) {
	if c, ok := f.byHash[hash]; ok {
		return c, nil
	}
	return nil, fault.New(fault.KindNotFound, "credential not found")
}

func (f *fakeCreds) TouchLastUsed(_ context.Context, id string, _ time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

type fakeAudit struct {
	records []*model.AuditRecord
}

func (f *fakeAudit) Insert(_ context.Context, r *model.AuditRecord) error {
	f.records = append(f.records, r)
	return nil
}

func newTestResolver(t *model.Tenant, cred *model.APICredential) (*Resolver, *fakeAudit, *fakeCreds) {
	tenants := &fakeTenants{
		byID:   map[string]*model.Tenant{t.ID: t},
		bySlug: map[string]*model.Tenant{t.Slug: t},
	}
	creds := &fakeCreds{byHash: map[string]*model.APICredential{}}
	if cred != nil {
		creds.byHash[cred.Hash] = cred
	}
	audit := &fakeAudit{}
	return NewResolver(tenants, creds, audit, nil, slog.Default()), audit, creds
}

func activeTenant() *model.Tenant {
	return &model.Tenant{
		ID:     "t-1",
		Slug:   "acme",
		Name:   "Acme",
		Status: model.TenantActive,
		Tier:   model.TierProfessional,
	}
}

func TestResolveBySlugHeader(t *testing.T) {
	r, audit, _ := newTestResolver(activeTenant(), nil)

	scope, err := r.Resolve(context.Background(), &Request{
		HeaderSlug: "acme",
		SourceIP:   "203.0.113.9:4410",
		Operation:  "login",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if scope.TenantID != "t-1" || scope.Slug != "acme" || scope.Tier != model.TierProfessional {
		t.Errorf("scope = %+v", scope)
	}
	if scope.SourceIP != "203.0.113.9" {
		t.Errorf("SourceIP = %q, want port stripped", scope.SourceIP)
	}
	if len(audit.records) != 1 || audit.records[0].Kind != "api_call" {
		t.Fatalf("expected one api_call audit, got %+v", audit.records)
	}
	if audit.records[0].CorrelationID != scope.CorrelationID {
		t.Errorf("audit correlation id mismatch")
	}
}

func TestResolveBySubdomain(t *testing.T) {
	r, _, _ := newTestResolver(activeTenant(), nil)

	scope, err := r.Resolve(context.Background(), &Request{
		Host:     "acme.api.voxwire.io",
		SourceIP: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if scope.Slug != "acme" {
		t.Errorf("Slug = %q", scope.Slug)
	}
}

func TestResolveByPathPrefix(t *testing.T) {
	r, _, _ := newTestResolver(activeTenant(), nil)

	scope, err := r.Resolve(context.Background(), &Request{
		Path:     "/t/acme/sessions",
		SourceIP: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if scope.Slug != "acme" {
		t.Errorf("Slug = %q", scope.Slug)
	}
}

func TestResolveByCredential(t *testing.T) {
	secret, prefix, hash, err := MintSecret()
	if err != nil {
		t.Fatal(err)
	}
	cred := &model.APICredential{
		ID:       "c-1",
		TenantID: "t-1",
		Prefix:   prefix,
		Hash:     hash,
		Scopes:   []string{"voice_agent:use", "conversation:create"},
		Status:   model.CredentialActive,
	}
	r, _, creds := newTestResolver(activeTenant(), cred)

	scope, err := r.Resolve(context.Background(), &Request{APIKey: secret, SourceIP: "203.0.113.9"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !scope.CredentialAuth {
		t.Error("CredentialAuth should be true")
	}
	if !scope.Can("voice_agent:use") || scope.Can("billing:read") {
		t.Errorf("permission snapshot wrong: %v", scope.Permissions)
	}
	if len(creds.touched) != 1 || creds.touched[0] != "c-1" {
		t.Errorf("last-used not stamped: %v", creds.touched)
	}
}

func TestResolveRevokedCredential(t *testing.T) {
	secret, prefix, hash, _ := MintSecret()
	cred := &model.APICredential{
		ID: "c-1", TenantID: "t-1", Prefix: prefix, Hash: hash,
		Status: model.CredentialRevoked,
	}
	r, _, _ := newTestResolver(activeTenant(), cred)

	_, err := r.Resolve(context.Background(), &Request{APIKey: secret, SourceIP: "203.0.113.9"})
	if !fault.IsKind(err, fault.KindUnauthenticated) {
		t.Errorf("revoked credential: kind = %v, want unauthenticated", fault.KindOf(err))
	}
}

func TestResolveExpiredCredential(t *testing.T) {
	secret, prefix, hash, _ := MintSecret()
	cred := &model.APICredential{
		ID: "c-1", TenantID: "t-1", Prefix: prefix, Hash: hash,
		Status:    model.CredentialActive,
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	r, _, _ := newTestResolver(activeTenant(), cred)

	_, err := r.Resolve(context.Background(), &Request{APIKey: secret, SourceIP: "203.0.113.9"})
	if !fault.IsKind(err, fault.KindUnauthenticated) {
		t.Errorf("expired credential: kind = %v, want unauthenticated", fault.KindOf(err))
	}
}

func TestResolveSuspendedTenant(t *testing.T) {
	ten := activeTenant()
	ten.Status = model.TenantSuspended
	r, audit, _ := newTestResolver(ten, nil)

	_, err := r.Resolve(context.Background(), &Request{HeaderSlug: "acme", SourceIP: "203.0.113.9"})
	if !fault.IsKind(err, fault.KindUnauthorized) {
		t.Errorf("suspended tenant: kind = %v, want unauthorized", fault.KindOf(err))
	}
	if len(audit.records) != 0 {
		t.Errorf("rejected request must not emit api_call audit")
	}
}

func TestResolveCIDRGate(t *testing.T) {
	ten := activeTenant()
	ten.AllowedCIDRs = []string{"10.0.0.0/8"}
	r, _, _ := newTestResolver(ten, nil)

	if _, err := r.Resolve(context.Background(), &Request{HeaderSlug: "acme", SourceIP: "10.1.2.3"}); err != nil {
		t.Errorf("in-range source denied: %v", err)
	}
	_, err := r.Resolve(context.Background(), &Request{HeaderSlug: "acme", SourceIP: "203.0.113.9"})
	if !fault.IsKind(err, fault.KindUnauthorized) {
		t.Errorf("out-of-range source: kind = %v, want unauthorized", fault.KindOf(err))
	}
}

func TestResolveMaintenanceGate(t *testing.T) {
	ten := activeTenant()
	ten.Maintenance = true
	r, _, _ := newTestResolver(ten, nil)

	_, err := r.Resolve(context.Background(), &Request{HeaderSlug: "acme", SourceIP: "203.0.113.9"})
	if !fault.IsKind(err, fault.KindBusinessRule) {
		t.Errorf("maintenance: kind = %v, want business_rule", fault.KindOf(err))
	}
}

func TestResolveHealthProbeNotAudited(t *testing.T) {
	r, audit, _ := newTestResolver(activeTenant(), nil)

	_, err := r.Resolve(context.Background(), &Request{
		HeaderSlug: "acme", SourceIP: "203.0.113.9", HealthProbe: true,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(audit.records) != 0 {
		t.Errorf("health probes must never be audited, got %d records", len(audit.records))
	}
}

func TestResolveNoIdentity(t *testing.T) {
	r, _, _ := newTestResolver(activeTenant(), nil)

	_, err := r.Resolve(context.Background(), &Request{SourceIP: "203.0.113.9"})
	if !fault.IsKind(err, fault.KindUnauthenticated) {
		t.Errorf("no identity: kind = %v, want unauthenticated", fault.KindOf(err))
	}
}

func TestMintSecretShape(t *testing.T) {
	secret, prefix, hash, err := MintSecret()
	if err != nil {
		t.Fatal(err)
	}
	if !looksLikeSecret(secret) {
		t.Errorf("secret %q missing scheme prefix", secret)
	}
	if len(prefix) != 8 {
		t.Errorf("prefix length = %d, want 8", len(prefix))
	}
	if HashSecret(secret) != hash {
		t.Error("hash must be deterministic over the secret")
	}
}
