// Package httpapi is the HTTP control surface: authentication, credential
// management, synthesis, agents, webhooks, and the websocket session channel.
//
// Every /v1 request passes through the tenant resolver; handlers read the
// resulting [tenant.Scope] from the request context and check permissions
// against it before touching any store.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/resilience"
	"github.com/voxwire/voxwire/internal/synth"
	"github.com/voxwire/voxwire/internal/tenant"
	"github.com/voxwire/voxwire/internal/token"
	"github.com/voxwire/voxwire/internal/transport"
	"github.com/voxwire/voxwire/internal/usage"
	"github.com/voxwire/voxwire/internal/vault"
	"github.com/voxwire/voxwire/internal/voice"
	"github.com/voxwire/voxwire/internal/webhook"
)

// ─── Store surfaces ───────────────────────────────────────────────────────────

type principalStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.Principal, error)
	GetByEmail(ctx context.Context, tenantID, email string) (*model.Principal, error)
	RecordLoginFailure(ctx context.Context, id string, maxFailures int, lockedUntil time.Time) error
	RecordLoginSuccess(ctx context.Context, id string, at time.Time) error
}

type credentialStore interface {
	Create(ctx context.Context, c *model.APICredential) error
	GetByID(ctx context.Context, tenantID, id string) (*model.APICredential, error)
	Rotate(ctx context.Context, tenantID, id, newHash, newPrefix string, at time.Time) error
	SetStatus(ctx context.Context, tenantID, id string, status model.CredentialStatus) error
	ListByTenant(ctx context.Context, tenantID string) ([]model.APICredential, error)
}

type agentStore interface {
	Create(ctx context.Context, a *model.VoiceAgent) error
	GetByID(ctx context.Context, tenantID, id string) (*model.VoiceAgent, error)
	Update(ctx context.Context, a *model.VoiceAgent) error
	ListByTenant(ctx context.Context, tenantID string) ([]model.VoiceAgent, error)
}

type sessionReader interface {
	GetSession(ctx context.Context, tenantID, id string) (*model.VoiceSession, error)
	ListTurns(ctx context.Context, sessionID string) ([]model.ConversationTurn, error)
	CountActive(ctx context.Context, tenantID string) (int, error)
}

type jobStore interface {
	Enqueue(ctx context.Context, j *model.PregenJob) error
	GetByID(ctx context.Context, tenantID, id string) (*model.PregenJob, error)
}

type webhookStore interface {
	Create(ctx context.Context, w *model.WebhookSubscriber) error
	GetByID(ctx context.Context, tenantID, id string) (*model.WebhookSubscriber, error)
	ListActive(ctx context.Context, tenantID string) ([]model.WebhookSubscriber, error)
	Reactivate(ctx context.Context, tenantID, id string) error
	Delete(ctx context.Context, tenantID, id string) error
}

type usageRecorder interface {
	CheckQuota(ctx context.Context, rec *usage.Record) error
	RecordUsage(ctx context.Context, rec *usage.Record) (*usage.Result, error)
}

type invoiceReader interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.Invoice, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]model.Invoice, error)
}

// ─── Server ───────────────────────────────────────────────────────────────────

// Deps collects everything the API server needs.
type Deps struct {
	Config   *config.Config
	Resolver *tenant.Resolver
	Tokens   *token.Issuer
	Authz    authzEvaluator

	Principals  principalStore
	Credentials credentialStore
	Agents      agentStore
	Sessions    sessionReader
	Jobs        jobStore
	Webhooks    webhookStore
	Usage       usageRecorder
	Invoices    invoiceReader

	Synth      *synth.Synthesizer
	Analyzer   *synth.Analyzer
	Billing    *billing.Builder
	Vault      *vault.Vault
	Manager    *voice.Manager
	Transport  *transport.Handler
	Dispatcher *webhook.Dispatcher
	Breakers   *resilience.Set
	Metrics    *observe.Metrics
	Logger     *slog.Logger
}

// authzEvaluator is the role-expansion surface used at login.
type authzEvaluator interface {
	Expand(role model.Role, extra []string) []string
}

// Server carries handler state; build the routable handler with [Server.Router].
type Server struct {
	d   Deps
	cfg *config.Config
	log *slog.Logger
	now func() time.Time
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{d: d, cfg: d.Config, log: log, now: time.Now}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.resolve)

		loginRate := s.cfg.Auth.LoginRatePerMinute
		if loginRate <= 0 {
			loginRate = 60
		}
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(loginRate, time.Minute))
			r.Post("/auth/login", s.handleLogin)
			r.Post("/auth/refresh", s.handleRefresh)
		})
		r.Post("/auth/revoke", s.handleRevoke)

		r.Route("/credentials", func(r chi.Router) {
			r.Post("/", s.handleCredentialCreate)
			r.Get("/", s.handleCredentialList)
			r.Delete("/{id}", s.handleCredentialRevoke)
			r.Post("/{id}/rotate", s.handleCredentialRotate)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", s.handleAgentCreate)
			r.Get("/", s.handleAgentList)
			r.Get("/{id}", s.handleAgentGet)
			r.Put("/{id}", s.handleAgentUpdate)
		})

		r.Post("/synthesize", s.handleSynthesize)
		r.Post("/synthesize/stream", s.handleSynthesizeStream)
		r.Post("/synthesize/bulk", s.handleSynthesizeBulk)
		r.Post("/pregenerate", s.handlePregenerate)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/quality/analyze", s.handleQualityAnalyze)

		r.Get("/voice/health", s.handleVoiceHealth)
		r.Get("/voice/stream", s.handleVoiceStream)

		r.Get("/sessions/{id}", s.handleSessionGet)

		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", s.handleInvoiceBuild)
			r.Get("/", s.handleInvoiceList)
			r.Get("/{id}", s.handleInvoiceGet)
			r.Post("/{id}/finalize", s.handleInvoiceFinalize)
			r.Post("/{id}/pay", s.handleInvoicePay)
			r.Post("/{id}/void", s.handleInvoiceVoid)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", s.handleWebhookCreate)
			r.Get("/", s.handleWebhookList)
			r.Delete("/{id}", s.handleWebhookDelete)
			r.Post("/{id}/test", s.handleWebhookTest)
			r.Post("/{id}/reactivate", s.handleWebhookReactivate)
		})
	})
	return r
}

// ─── Middleware ───────────────────────────────────────────────────────────────

// resolve authenticates and tenant-scopes every /v1 request.
func (s *Server) resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &tenant.Request{
			Host:       r.Host,
			Path:       r.URL.Path,
			HeaderSlug: r.Header.Get("X-Tenant-Slug"),
			APIKey:     r.Header.Get("X-API-Key"),
			SourceIP:   r.RemoteAddr,
			Operation:  r.Method + " " + r.URL.Path,
		}
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			req.BearerToken = strings.TrimPrefix(auth, "Bearer ")
		}

		scope, err := s.d.Resolver.Resolve(r.Context(), req)
		if err != nil {
			writeFault(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithScope(r.Context(), scope)))
	})
}

// instrument records request durations.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.d.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.d.Metrics.HTTPRequestDuration.Record(r.Context(), time.Since(start).Seconds())
	})
}

// scoped returns the request scope, or writes 401 and returns nil.
func (s *Server) scoped(w http.ResponseWriter, r *http.Request) *tenant.Scope {
	scope := tenant.FromContext(r.Context())
	if scope == nil {
		writeFault(w, fault.New(fault.KindUnauthenticated, "httpapi: request has no tenant scope"))
		return nil
	}
	return scope
}

// require checks a permission on the scope; false means the response is
// already written.
func (s *Server) require(w http.ResponseWriter, scope *tenant.Scope, permission string) bool {
	if scope.Can(permission) {
		return true
	}
	writeFault(w, fault.New(fault.KindUnauthorized, "httpapi: missing permission").
		With("required_permission", permission))
	return false
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
