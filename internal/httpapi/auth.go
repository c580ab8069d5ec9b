package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/tenant"
	"github.com/voxwire/voxwire/internal/token"
)

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Permissions      []string  `json:"permissions"`
}

// invalidCredentials is returned for every login failure so callers cannot
// probe which emails exist.
func invalidCredentials() error {
	return fault.New(fault.KindUnauthenticated, "httpapi: invalid credentials")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeFault(w, fault.New(fault.KindValidation, "httpapi: email and password are required").
			With("fields", []string{"email", "password"}))
		return
	}

	p, err := s.d.Principals.GetByEmail(r.Context(), scope.TenantID, req.Email)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			writeFault(w, invalidCredentials())
			return
		}
		writeFault(w, err)
		return
	}

	now := s.now()
	if p.Locked(now) {
		writeFault(w, fault.New(fault.KindUnauthenticated, "httpapi: account locked").
			With("locked_until", p.LockedUntil))
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)) != nil {
		maxFailures := s.cfg.Auth.MaxFailedLogins
		if maxFailures <= 0 {
			maxFailures = 5
		}
		lockout := s.cfg.Auth.LockoutDuration
		if lockout <= 0 {
			lockout = 15 * time.Minute
		}
		if err := s.d.Principals.RecordLoginFailure(r.Context(), p.ID, maxFailures, now.Add(lockout)); err != nil {
			s.log.Error("login failure bookkeeping failed", "principal", p.ID, "error", err)
		}
		writeFault(w, invalidCredentials())
		return
	}

	if err := s.d.Principals.RecordLoginSuccess(r.Context(), p.ID, now); err != nil {
		s.log.Error("login success bookkeeping failed", "principal", p.ID, "error", err)
	}

	perms := s.d.Authz.Expand(p.Role, p.ExtraPermissions)
	pair, err := s.d.Tokens.IssuePair(scope.TenantID, p.ID, perms)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}

	claims, err := s.d.Tokens.Validate(r.Context(), req.RefreshToken, token.TypeRefresh)
	if err != nil {
		writeFault(w, err)
		return
	}

	// Permissions are re-expanded at refresh so role changes take effect
	// without waiting out the refresh lifetime.
	p, err := s.d.Principals.GetByID(r.Context(), claims.TenantID, claims.PrincipalID)
	if err != nil {
		writeFault(w, err)
		return
	}
	perms := s.d.Authz.Expand(p.Role, p.ExtraPermissions)

	pair, err := s.d.Tokens.Refresh(r.Context(), req.RefreshToken, perms)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil {
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}

	claims, err := s.d.Tokens.Validate(r.Context(), req.Token, token.TypeAccess)
	if err != nil {
		claims, err = s.d.Tokens.Validate(r.Context(), req.Token, token.TypeRefresh)
	}
	if err != nil {
		writeFault(w, err)
		return
	}

	owner := claims.TenantID == scope.TenantID && claims.PrincipalID == scope.PrincipalID
	if !owner && !(claims.TenantID == scope.TenantID && scope.Can("principal:update")) {
		writeFault(w, fault.New(fault.KindUnauthorized, "httpapi: cannot revoke another principal's token").
			With("required_permission", "principal:update"))
		return
	}

	if err := s.d.Tokens.Revoke(r.Context(), claims); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pairResponse(p *token.Pair) tokenResponse {
	return tokenResponse{
		AccessToken:      p.AccessToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshToken:     p.RefreshToken,
		RefreshExpiresAt: p.RefreshExpiresAt,
		Permissions:      p.Permissions,
	}
}

// ─── API credentials ──────────────────────────────────────────────────────────

type credentialResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	Scopes    []string  `json:"scopes,omitempty"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	CreatedAt time.Time `json:"created_at"`

	// Secret is present only on create and rotate responses.
	Secret string `json:"secret,omitempty"`
}

func (s *Server) handleCredentialCreate(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "credential:create") {
		return
	}
	var req struct {
		Name               string   `json:"name"`
		Scopes             []string `json:"scopes"`
		AllowedCIDRs       []string `json:"allowed_cidrs"`
		RateLimitPerMinute int      `json:"rate_limit_per_minute"`
		ExpiresAt          time.Time `json:"expires_at"`
	}
	if err := decode(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if req.Name == "" {
		writeFault(w, fault.New(fault.KindValidation, "httpapi: credential name is required").
			With("fields", []string{"name"}))
		return
	}

	secret, prefix, hash, err := tenant.MintSecret()
	if err != nil {
		writeFault(w, err)
		return
	}
	cred := &model.APICredential{
		ID:                 uuid.NewString(),
		TenantID:           scope.TenantID,
		Name:               req.Name,
		Prefix:             prefix,
		Hash:               hash,
		Scopes:             req.Scopes,
		AllowedCIDRs:       req.AllowedCIDRs,
		RateLimitPerMinute: req.RateLimitPerMinute,
		Status:             model.CredentialActive,
		ExpiresAt:          req.ExpiresAt,
		CreatedAt:          s.now(),
	}
	if err := s.d.Credentials.Create(r.Context(), cred); err != nil {
		writeFault(w, err)
		return
	}

	resp := toCredentialResponse(cred)
	resp.Secret = secret // returned exactly once
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleCredentialList(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "credential:read") {
		return
	}
	creds, err := s.d.Credentials.ListByTenant(r.Context(), scope.TenantID)
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]credentialResponse, 0, len(creds))
	for i := range creds {
		out = append(out, toCredentialResponse(&creds[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

func (s *Server) handleCredentialRevoke(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "credential:delete") {
		return
	}
	id := pathID(r)
	if err := s.d.Credentials.SetStatus(r.Context(), scope.TenantID, id, model.CredentialRevoked); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCredentialRotate(w http.ResponseWriter, r *http.Request) {
	scope := s.scoped(w, r)
	if scope == nil || !s.require(w, scope, "credential:update") {
		return
	}
	id := pathID(r)
	secret, prefix, hash, err := tenant.MintSecret()
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := s.d.Credentials.Rotate(r.Context(), scope.TenantID, id, hash, prefix, s.now()); err != nil {
		writeFault(w, err)
		return
	}
	cred, err := s.d.Credentials.GetByID(r.Context(), scope.TenantID, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	resp := toCredentialResponse(cred)
	resp.Secret = secret
	writeJSON(w, http.StatusOK, resp)
}

func toCredentialResponse(c *model.APICredential) credentialResponse {
	return credentialResponse{
		ID:        c.ID,
		Name:      c.Name,
		Prefix:    c.Prefix,
		Scopes:    c.Scopes,
		Status:    string(c.Status),
		ExpiresAt: c.ExpiresAt,
		CreatedAt: c.CreatedAt,
	}
}
