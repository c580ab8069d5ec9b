// Package tenant resolves the tenant and principal behind every non-public
// request and carries the result through the request context as a [Scope].
//
// Resolution order: bearer session token, then API credential, then bare
// tenant slug (hostname subdomain, path prefix, or X-Tenant-Slug header).
// After identification the resolver gates on tenant status, the tenant's
// source-network allow-list, and maintenance mode, then emits one api_call
// audit record. Health-probe paths are never audited.
package tenant

import (
	"context"

	"github.com/voxwire/voxwire/internal/authz"
	"github.com/voxwire/voxwire/internal/model"
)

// Scope is the request-scoped resolution result. Downstream handlers treat it
// as already authenticated and tenant-scoped.
type Scope struct {
	TenantID string
	Slug     string
	Tier     model.Tier

	// PrincipalID is empty for slug-only and credential-based resolution
	// unless the credential maps to a service principal.
	PrincipalID string

	// Permissions is the frozen snapshot in force for this request.
	Permissions []string

	// SourceIP is the caller's network address as presented.
	SourceIP string

	// CorrelationID links the audit sub-events of one request.
	CorrelationID string

	// CredentialAuth is true when an API credential (not a session token)
	// authenticated the request.
	CredentialAuth bool
}

// Can reports whether the scope's permission snapshot grants required.
func (s *Scope) Can(required string) bool {
	return authz.Allowed(s.Permissions, required)
}

type scopeKey struct{}

// WithScope returns a context carrying the scope.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope carried by ctx, or nil for public requests.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}
