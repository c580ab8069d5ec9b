package tenant

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/token"
)

// tenantReader is the slice of the tenant store the resolver needs.
type tenantReader interface {
	GetByID(ctx context.Context, id string) (*model.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*model.Tenant, error)
}

// credentialReader is the slice of the credential store the resolver needs.
type credentialReader interface {
	GetByHash(ctx context.Context, hash string) (*model.APICredential, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// auditWriter receives the resolver's api_call records.
type auditWriter interface {
	Insert(ctx context.Context, r *model.AuditRecord) error
}

// Request is the transport-independent view of an incoming request that the
// resolver works from.
type Request struct {
	// BearerToken is the session token from the Authorization header, if any.
	BearerToken string

	// APIKey is a presented API credential secret, if any.
	APIKey string

	// Host and Path locate slug-based routing.
	Host string
	Path string

	// HeaderSlug is the explicit X-Tenant-Slug header value, if any.
	HeaderSlug string

	// SourceIP is the caller's address ("ip" or "ip:port").
	SourceIP string

	// Operation names the requested operation for the audit record.
	Operation string

	// HealthProbe suppresses audit emission.
	HealthProbe bool
}

// Resolver turns raw requests into authenticated, gated [Scope] values.
type Resolver struct {
	tenants tenantReader
	creds   credentialReader
	audit   auditWriter
	tokens  *token.Issuer
	log     *slog.Logger
	now     func() time.Time
}

// NewResolver wires a Resolver. tokens may be nil in slug-only deployments.
func NewResolver(tenants tenantReader, creds credentialReader, audit auditWriter, tokens *token.Issuer, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		tenants: tenants,
		creds:   creds,
		audit:   audit,
		tokens:  tokens,
		log:     log,
		now:     time.Now,
	}
}

// Resolve identifies the tenant and principal behind req, applies the status,
// allow-list, and maintenance gates, and returns the request scope. Accepted
// requests emit one api_call audit record unless req.HealthProbe is set.
func (r *Resolver) Resolve(ctx context.Context, req *Request) (*Scope, error) {
	scope := &Scope{
		SourceIP:      hostOnly(req.SourceIP),
		CorrelationID: uuid.NewString(),
	}

	var (
		ten *model.Tenant
		err error
	)
	switch {
	case req.BearerToken != "":
		ten, err = r.fromBearer(ctx, req.BearerToken, scope)
	case req.APIKey != "":
		ten, err = r.fromCredential(ctx, req.APIKey, scope)
	default:
		ten, err = r.fromSlug(ctx, req, scope)
	}
	if err != nil {
		return nil, err
	}

	scope.TenantID = ten.ID
	scope.Slug = ten.Slug
	scope.Tier = ten.Tier

	if ten.Status != model.TenantActive {
		return nil, fault.New(fault.KindUnauthorized, "tenant %s is %s", ten.Slug, ten.Status).
			With("tenant_status", string(ten.Status))
	}
	if !ipAllowed(scope.SourceIP, ten.AllowedCIDRs) {
		return nil, fault.New(fault.KindUnauthorized, "source address not in tenant allow-list").
			With("source_ip", scope.SourceIP)
	}
	if ten.Maintenance && !scope.Can("tenant:update") {
		return nil, fault.New(fault.KindBusinessRule, "tenant %s is in maintenance", ten.Slug).
			With("rule", "tenant_maintenance")
	}

	if !req.HealthProbe {
		r.emitAPICall(ctx, scope, req.Operation)
	}
	return scope, nil
}

// fromBearer resolves a session-token request.
func (r *Resolver) fromBearer(ctx context.Context, raw string, scope *Scope) (*model.Tenant, error) {
	if r.tokens == nil {
		return nil, fault.New(fault.KindUnauthenticated, "session tokens are not enabled")
	}
	claims, err := r.tokens.Validate(ctx, raw, token.TypeAccess)
	if err != nil {
		return nil, err
	}
	scope.PrincipalID = claims.PrincipalID
	scope.Permissions = claims.Permissions
	return r.tenants.GetByID(ctx, claims.TenantID)
}

// fromCredential resolves an API-key request. The key's scopes become the
// request's permission snapshot.
func (r *Resolver) fromCredential(ctx context.Context, key string, scope *Scope) (*model.Tenant, error) {
	if !looksLikeSecret(key) {
		return nil, fault.New(fault.KindUnauthenticated, "malformed API credential")
	}
	cred, err := r.creds.GetByHash(ctx, HashSecret(key))
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return nil, fault.New(fault.KindUnauthenticated, "unknown API credential")
		}
		return nil, err
	}
	now := r.now()
	if cred.Status != model.CredentialActive {
		return nil, fault.New(fault.KindUnauthenticated, "credential is %s", cred.Status)
	}
	if !cred.ExpiresAt.IsZero() && !now.Before(cred.ExpiresAt) {
		return nil, fault.New(fault.KindUnauthenticated, "credential expired")
	}
	if !ipAllowed(scope.SourceIP, cred.AllowedCIDRs) {
		return nil, fault.New(fault.KindUnauthenticated, "source address not in credential allow-list").
			With("source_ip", scope.SourceIP)
	}

	scope.CredentialAuth = true
	scope.Permissions = append([]string(nil), cred.Scopes...)

	if err := r.creds.TouchLastUsed(ctx, cred.ID, now); err != nil {
		r.log.Warn("credential last-used stamp failed", "credential_id", cred.ID, "error", err)
	}
	return r.tenants.GetByID(ctx, cred.TenantID)
}

// fromSlug resolves an unauthenticated slug-routed request (e.g. login).
func (r *Resolver) fromSlug(ctx context.Context, req *Request, _ *Scope) (*model.Tenant, error) {
	slug := extractSlug(req)
	if slug == "" {
		return nil, fault.New(fault.KindUnauthenticated, "no credentials and no tenant slug")
	}
	if !model.ValidSlug(slug) {
		return nil, fault.New(fault.KindValidation, "tenant slug %q is invalid", slug).With("field", "slug")
	}
	ten, err := r.tenants.GetBySlug(ctx, slug)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return nil, fault.New(fault.KindUnauthenticated, "unknown tenant %q", slug)
		}
		return nil, err
	}
	return ten, nil
}

// extractSlug tries hostname subdomain, then path prefix "/t/{slug}", then
// the explicit header.
func extractSlug(req *Request) string {
	if host := hostOnly(req.Host); host != "" {
		if labels := strings.Split(host, "."); len(labels) >= 3 {
			return labels[0]
		}
	}
	if rest, ok := strings.CutPrefix(req.Path, "/t/"); ok {
		slug, _, _ := strings.Cut(rest, "/")
		return slug
	}
	return req.HeaderSlug
}

// emitAPICall writes the per-request audit record. Failures are logged, never
// surfaced: resolution already succeeded.
func (r *Resolver) emitAPICall(ctx context.Context, scope *Scope, operation string) {
	rec := &model.AuditRecord{
		ID:            uuid.NewString(),
		TenantID:      scope.TenantID,
		Kind:          "api_call",
		Severity:      model.AuditInfo,
		Outcome:       model.AuditSuccess,
		PrincipalID:   scope.PrincipalID,
		SourceIP:      scope.SourceIP,
		CorrelationID: scope.CorrelationID,
		Detail:        operation,
		CreatedAt:     r.now(),
	}
	if err := r.audit.Insert(ctx, rec); err != nil {
		r.log.Warn("api_call audit failed", "tenant_id", scope.TenantID, "error", err)
	}
}

// ipAllowed reports whether ip passes the allow-list. An empty list allows
// any source; entries are CIDR prefixes or bare addresses.
func ipAllowed(ip string, cidrs []string) bool {
	if len(cidrs) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(c); err == nil && p.Contains(addr) {
			return true
		}
		if a, err := netip.ParseAddr(c); err == nil && a == addr {
			return true
		}
	}
	return false
}

// hostOnly strips a port from "host:port" if present.
func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
