// Package model defines the persistent domain entities shared across the
// Voxwire subsystems: tenants, principals, credentials, voice agents, voice
// sessions, conversation turns, usage events, invoices, audit records, and
// webhook subscribers.
//
// All entity structs are plain data. Lifecycle rules and invariants are
// enforced by the owning subsystem (internal/store for persistence shape,
// internal/voice for session transitions, internal/billing for invoice
// transitions).
package model

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Tenant ───────────────────────────────────────────────────────────────────

// TenantStatus is the provisioning lifecycle state of a tenant.
type TenantStatus string

const (
	TenantPending      TenantStatus = "pending"
	TenantProvisioning TenantStatus = "provisioning"
	TenantActive       TenantStatus = "active"
	TenantSuspended    TenantStatus = "suspended"
	TenantTerminated   TenantStatus = "terminated"
	TenantError        TenantStatus = "error"
)

// IsValid reports whether s is a recognised tenant status.
func (s TenantStatus) IsValid() bool {
	switch s {
	case TenantPending, TenantProvisioning, TenantActive, TenantSuspended, TenantTerminated, TenantError:
		return true
	}
	return false
}

// Tier selects a tenant's feature flags and quota table.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
	TierCustom       Tier = "custom"
)

// IsValid reports whether t is a recognised tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierStarter, TierProfessional, TierEnterprise, TierCustom:
		return true
	}
	return false
}

// slugPattern matches valid tenant slugs: lowercase alphanumeric-hyphen, 3–50
// characters, no leading or trailing hyphen.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,48}[a-z0-9]$`)

// ValidSlug reports whether s is a well-formed tenant slug.
func ValidSlug(s string) bool { return slugPattern.MatchString(s) }

// Tenant is an isolated customer of the service. All per-customer data is
// scoped by Tenant.ID.
type Tenant struct {
	ID     string
	Slug   string
	Name   string
	Status TenantStatus
	Tier   Tier

	// AllowedCIDRs is the allow-list of source networks. Empty means any.
	AllowedCIDRs []string

	// Maintenance blocks all non-admin traffic while true.
	Maintenance bool

	// DiscountPercent is applied to invoice subtotals. Range [0, 100].
	DiscountPercent decimal.Decimal

	// TaxRatePercent is the externally provided tax rate for invoicing.
	TaxRatePercent decimal.Decimal

	// Currency is the constant ISO 4217 code used for all the tenant's money.
	Currency string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ─── Principal ────────────────────────────────────────────────────────────────

// Role is one of the fixed principal roles. Role→permission expansion lives in
// internal/authz.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleAgent   Role = "agent"
	RoleViewer  Role = "viewer"
	RoleService Role = "service"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleAgent, RoleViewer, RoleService:
		return true
	}
	return false
}

// Principal is a human or programmatic identity bound to exactly one tenant.
type Principal struct {
	ID       string
	TenantID string
	Email    string
	Role     Role

	// ExtraPermissions are granted in addition to the role expansion.
	ExtraPermissions []string

	// PasswordHash is the bcrypt verifier. Never serialized outward.
	PasswordHash string

	MFAEnrolled  bool
	FailedLogins int
	LockedUntil  time.Time
	LastLoginAt  time.Time
	CreatedAt    time.Time
}

// Locked reports whether the principal is locked out at time now.
func (p *Principal) Locked(now time.Time) bool {
	return !p.LockedUntil.IsZero() && now.Before(p.LockedUntil)
}

// ─── API credential ───────────────────────────────────────────────────────────

// CredentialStatus is the lifecycle state of an API credential.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRevoked CredentialStatus = "revoked"
	CredentialExpired CredentialStatus = "expired"
)

// APICredential is a programmatic credential bound to a tenant. Only the
// one-way hash of the secret is stored; Prefix is a short non-secret
// identifier for lookup and display.
type APICredential struct {
	ID       string
	TenantID string
	Name     string
	Prefix   string
	Hash     string
	Scopes   []string

	// AllowedCIDRs restricts source networks for this credential. Empty = any.
	AllowedCIDRs []string

	// RateLimitPerMinute is an independent per-credential rate cap. 0 = tenant default.
	RateLimitPerMinute int

	Status     CredentialStatus
	ExpiresAt  time.Time // zero = never
	RotatedAt  time.Time
	LastUsedAt time.Time
	CreatedAt  time.Time
}

// ─── Voice agent ──────────────────────────────────────────────────────────────

// VoiceTuning holds the synthesis tuning parameters for an agent's voice.
type VoiceTuning struct {
	Stability       float64 `json:"stability" yaml:"stability"`
	SimilarityBoost float64 `json:"similarity_boost" yaml:"similarity_boost"`
	Style           float64 `json:"style" yaml:"style"`
	SpeakerBoost    bool    `json:"speaker_boost" yaml:"speaker_boost"`
}

// VoiceAgent is a per-tenant voice agent configuration. Tenant ownership is
// immutable after creation.
type VoiceAgent struct {
	ID       string
	TenantID string
	Name     string

	VoiceID string
	Tuning  VoiceTuning

	LLMModel       string
	LLMTemperature float64
	SystemPrompt   string // template with {{placeholders}}
	Greeting       string
	FallbackText   string

	TransferEnabled   bool
	SchedulingEnabled bool

	// WorkingHours is "HH:MM-HH:MM" in the tenant zone; empty means always on.
	WorkingHours string

	Active bool

	// Rolled-up stats, updated on session end.
	TotalSessions   int64
	SuccessSessions int64
	AvgDurationSecs float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ─── Voice session ────────────────────────────────────────────────────────────

// SessionState is the lifecycle state of a live voice session.
type SessionState string

const (
	SessionInitiated   SessionState = "initiated"
	SessionInProgress  SessionState = "in_progress"
	SessionCompleted   SessionState = "completed"
	SessionTransferred SessionState = "transferred"
	SessionFailed      SessionState = "failed"
	SessionAbandoned   SessionState = "abandoned"
)

// Terminal reports whether s is a terminal session state.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionTransferred, SessionFailed, SessionAbandoned:
		return true
	}
	return false
}

// VoiceSession is one live call instance bound to a tenant and a voice agent.
type VoiceSession struct {
	ID        string
	TenantID  string
	AgentID   string
	CallerID  string
	Language  string
	State     SessionState
	Outcome   string
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns EndedAt − StartedAt, or zero if the session has not ended.
func (s *VoiceSession) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// TurnDirection is the direction of a conversation turn.
type TurnDirection string

const (
	TurnInbound  TurnDirection = "inbound"
	TurnOutbound TurnDirection = "outbound"
)

// TurnType classifies a conversation turn.
type TurnType string

const (
	TurnSpeech      TurnType = "speech"
	TurnSystemEvent TurnType = "system_event"
	TurnTransfer    TurnType = "transfer"
	TurnSchedule    TurnType = "schedule"
)

// ConversationTurn is one ordered record within a voice session. Sequence
// numbers are dense and monotonically increasing per session.
type ConversationTurn struct {
	SessionID  string
	Seq        int
	Direction  TurnDirection
	Type       TurnType
	Text       string
	AudioRef   string // synthesis fingerprint for outbound speech turns
	Processing time.Duration
	CreatedAt  time.Time
}

// ─── Usage ────────────────────────────────────────────────────────────────────

// Metric identifies a metered usage dimension.
type Metric string

const (
	MetricSynthesisChars Metric = "synthesis_chars"
	MetricSMSMessages    Metric = "sms_messages"
	MetricCallMinutes    Metric = "call_minutes"
	MetricSearchQueries  Metric = "search_queries"
	MetricAPICalls       Metric = "api_calls"
	MetricStorageGBMonth Metric = "storage_gb_month"
	MetricBandwidthGB    Metric = "bandwidth_gb"
)

// AllMetrics lists every metered dimension, in stable order.
var AllMetrics = []Metric{
	MetricSynthesisChars, MetricSMSMessages, MetricCallMinutes,
	MetricSearchQueries, MetricAPICalls, MetricStorageGBMonth, MetricBandwidthGB,
}

// IsValid reports whether m is a recognised metric.
func (m Metric) IsValid() bool {
	for _, v := range AllMetrics {
		if m == v {
			return true
		}
	}
	return false
}

// UsageEvent is one durable metered-activity record. Cost is derived
// deterministically from the tenant tier, metric, and cumulative-month usage
// at event time.
type UsageEvent struct {
	ID        string
	TenantID  string
	Metric    Metric
	Quantity  decimal.Decimal
	Unit      string
	Cost      decimal.Decimal
	Metadata  map[string]string
	CreatedAt time.Time
}

// ─── Invoice ──────────────────────────────────────────────────────────────────

// InvoiceStatus is the lifecycle state of an invoice. Transitions run
// draft → sent → paid (or → cancelled) and never backward.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
	InvoiceRefunded  InvoiceStatus = "refunded"
)

// InvoiceLine is one per-metric line item on an invoice.
type InvoiceLine struct {
	Metric      Metric
	Description string
	Quantity    decimal.Decimal
	Amount      decimal.Decimal
}

// Invoice is a billing-period materialization of a tenant's usage.
// Total = Subtotal − Discount + Tax.
type Invoice struct {
	ID          string
	TenantID    string
	Number      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      InvoiceStatus
	Currency    string
	Subtotal    decimal.Decimal
	Discount    decimal.Decimal
	Tax         decimal.Decimal
	Total       decimal.Decimal
	Lines       []InvoiceLine
	PaymentRef  string
	VoidReason  string
	DueAt       time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ─── Audit ────────────────────────────────────────────────────────────────────

// AuditSeverity ranks audit records.
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditLow      AuditSeverity = "low"
	AuditMedium   AuditSeverity = "medium"
	AuditHigh     AuditSeverity = "high"
	AuditCritical AuditSeverity = "critical"
)

// AuditOutcome records whether the audited operation succeeded.
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditFailure AuditOutcome = "failure"
)

// AuditRecord is an append-only scoped audit entry. Critical and high severity
// records carry a 7-year retention floor.
type AuditRecord struct {
	ID            string
	TenantID      string
	Kind          string // e.g. "api_call", "limit_exceeded", "data_update"
	Severity      AuditSeverity
	Outcome       AuditOutcome
	PrincipalID   string
	SourceIP      string
	CorrelationID string
	Before        map[string]any
	After         map[string]any
	Detail        string
	RetainUntil   time.Time
	CreatedAt     time.Time
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

// SubscriberStatus is the delivery-health state of a webhook subscriber.
type SubscriberStatus string

const (
	SubscriberActive SubscriberStatus = "active"
	SubscriberFailed SubscriberStatus = "failed"
)

// WebhookSubscriber is a per-tenant outbound webhook registration.
// EventKinds may contain the wildcard "*" to match all kinds.
type WebhookSubscriber struct {
	ID         string
	TenantID   string
	URL        string
	Secret     string
	EventKinds []string
	Headers    map[string]string

	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration

	Status        SubscriberStatus
	TotalCount    int64
	SuccessCount  int64
	FailureCount  int64
	NetFailures   int // consecutive-ish failures without intervening success
	LastSuccessAt time.Time
	LastFailureAt time.Time
	CreatedAt     time.Time
}

// WantsEvent reports whether the subscriber is subscribed to kind.
func (w *WebhookSubscriber) WantsEvent(kind string) bool {
	for _, k := range w.EventKinds {
		if k == "*" || k == kind {
			return true
		}
	}
	return false
}

// ─── Pregeneration jobs ───────────────────────────────────────────────────────

// JobStatus is the lifecycle state of a pregeneration job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// PregenJob is one durable bulk-synthesis job. Progress is checkpointed so
// interrupted jobs resume without duplicating provider calls.
type PregenJob struct {
	ID        string
	TenantID  string
	AgentID   string
	Language  string
	Texts     []string
	Done      int // index of the next text to synthesise
	Status    JobStatus
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
