package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/counter"
	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/store"
)

// EventSink receives domain events for webhook fan-out. Implemented by the
// webhook dispatcher; a nil sink drops events.
type EventSink interface {
	Publish(ctx context.Context, tenantID, kind string, data map[string]any)
}

// Record is one metered-activity submission.
type Record struct {
	TenantID string
	Tier     model.Tier
	Metric   model.Metric
	Quantity float64
	Unit     string
	Metadata map[string]string

	// PrincipalID and SourceIP feed the audit row.
	PrincipalID string
	SourceIP    string

	// CorrelationID links this usage to the request's other audit events.
	CorrelationID string

	// ForceAllow skips the quota check. Used by internal bookkeeping that
	// must never be rejected (e.g. recording the final partial turn).
	ForceAllow bool
}

// Result is what a successful recording returns.
type Result struct {
	EventID string
	Tier    model.Tier
	Cost    CostBreakdown

	// ResidualDay and ResidualMonth are the remaining quantities under the
	// tier's hard limits after this event. Negative values clamp to 0;
	// metrics without a limit report -1.
	ResidualDay   float64
	ResidualMonth float64
}

// Recorder is the sanctioned entry point for metered activity. It checks
// quota, prices the usage, persists it durably, bumps the live counters, and
// raises the one-time soft-limit warning.
type Recorder struct {
	store    *store.Store
	counters *counter.Client
	quota    *Quota
	cfg      *config.Config
	events   EventSink
	log      *slog.Logger
	now      func() time.Time
}

// NewRecorder wires a Recorder. events may be nil.
func NewRecorder(st *store.Store, counters *counter.Client, quota *Quota, cfg *config.Config, events EventSink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		store:    st,
		counters: counters,
		quota:    quota,
		cfg:      cfg,
		events:   events,
		log:      log,
		now:      time.Now,
	}
}

// RecordUsage runs the full metering sequence for one usage submission.
//
// The durable write (event row + billing total + audit row, one transaction)
// decides success. Counter increments after it are best-effort: a failure is
// logged and repaired later by reconciliation. Soft-limit warnings never fail
// the call.
func (r *Recorder) RecordUsage(ctx context.Context, rec *Record) (*Result, error) {
	if rec.Quantity < 0 {
		return nil, fault.New(fault.KindValidation, "usage quantity must be >= 0").With("field", "quantity")
	}
	if !rec.Metric.IsValid() {
		return nil, fault.New(fault.KindValidation, "unknown metric %q", rec.Metric).With("field", "metric")
	}
	now := r.now()
	period := now.UTC().Format("2006-01")

	// Quota gate.
	decision := r.admit(ctx, rec, now)
	if !decision.Allowed {
		r.auditLimit(ctx, rec, "limit_exceeded", model.AuditHigh, decision, now)
		return nil, quotaFault(decision, rec.Metric)
	}
	if decision.FailedOpen && !rec.ForceAllow {
		r.auditLimit(ctx, rec, "counter_unavailable", model.AuditMedium, decision, now)
	}

	// Price against cumulative month usage at event time.
	qty := decimal.NewFromFloat(rec.Quantity)
	used := decimal.NewFromFloat(decision.MonthUsage)
	var breakdown CostBreakdown
	if rule, ok := r.cfg.PriceFor(rec.Metric, rec.Tier); ok {
		breakdown = Cost(rule, rec.Tier, used, qty)
	} else {
		breakdown = FreeBreakdown(rec.Metric, rec.Tier, qty)
	}

	// Durable write: the operation is recorded iff this commits.
	event := &model.UsageEvent{
		ID:        uuid.NewString(),
		TenantID:  rec.TenantID,
		Metric:    rec.Metric,
		Quantity:  qty,
		Unit:      rec.Unit,
		Cost:      breakdown.Cost,
		Metadata:  rec.Metadata,
		CreatedAt: now,
	}
	err := r.store.WithinTx(ctx, func(tx *store.Tx) error {
		if err := tx.Usage.InsertEvent(ctx, event); err != nil {
			return err
		}
		if err := tx.Usage.AddToPeriodTotal(ctx, rec.TenantID, period, breakdown.Cost); err != nil {
			return err
		}
		return tx.Audit.Insert(ctx, &model.AuditRecord{
			ID:            uuid.NewString(),
			TenantID:      rec.TenantID,
			Kind:          "usage_recorded",
			Severity:      model.AuditInfo,
			Outcome:       model.AuditSuccess,
			PrincipalID:   rec.PrincipalID,
			SourceIP:      rec.SourceIP,
			CorrelationID: rec.CorrelationID,
			Detail:        string(rec.Metric),
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	// Live counters: best-effort, reconciled from events on failure.
	costF, _ := breakdown.Cost.Float64()
	if err := r.counters.Batch(ctx, r.incrs(rec, costF, now)); err != nil {
		r.log.Warn("counter batch failed, counters lag until reconciliation",
			"tenant_id", rec.TenantID, "metric", string(rec.Metric), "error", err)
	}

	// One-time soft warning per 80% crossing.
	monthAfter := decision.MonthUsage + rec.Quantity
	if r.quota.SoftCrossing(rec.Tier, rec.Metric, decision.MonthUsage, monthAfter) {
		r.warnSoftLimit(ctx, rec, monthAfter, now)
	}

	return &Result{
		EventID:       event.ID,
		Tier:          rec.Tier,
		Cost:          breakdown,
		ResidualDay:   r.residual(rec.Tier, rec.Metric, counter.HorizonDay, decision, rec.Quantity),
		ResidualMonth: r.residual(rec.Tier, rec.Metric, counter.HorizonMonth, decision, rec.Quantity),
	}, nil
}

// CheckQuota evaluates rec against the tenant's limits without recording
// anything. Handlers whose provider spend depends on a cache outcome call
// this before the work and RecordUsage after it. Denials are audited the
// same way a denied RecordUsage is.
func (r *Recorder) CheckQuota(ctx context.Context, rec *Record) error {
	if rec.Quantity < 0 {
		return fault.New(fault.KindValidation, "usage quantity must be >= 0").With("field", "quantity")
	}
	if !rec.Metric.IsValid() {
		return fault.New(fault.KindValidation, "unknown metric %q", rec.Metric).With("field", "metric")
	}
	decision := r.quota.Evaluate(ctx, rec.TenantID, rec.Tier, rec.Metric, rec.Quantity)
	if !decision.Allowed {
		r.auditLimit(ctx, rec, "limit_exceeded", model.AuditHigh, decision, r.now())
		return quotaFault(decision, rec.Metric)
	}
	return nil
}

// admit runs the quota gate for one submission. Force-allowed submissions
// bypass the limits but still read the cumulative month counter: pricing and
// the soft-limit warning depend on usage at event time no matter how the
// event was admitted.
func (r *Recorder) admit(ctx context.Context, rec *Record, now time.Time) *Decision {
	if !rec.ForceAllow {
		return r.quota.Evaluate(ctx, rec.TenantID, rec.Tier, rec.Metric, rec.Quantity)
	}
	d := &Decision{Allowed: true}
	monthKey := counter.Key(rec.TenantID, rec.Metric, counter.HorizonMonth, now)
	vals, err := r.counters.ReadFloats(ctx, monthKey)
	if err != nil {
		r.log.Warn("month counter unreachable, pricing force-allowed usage from zero",
			"tenant_id", rec.TenantID, "metric", string(rec.Metric), "error", err)
		d.FailedOpen = true
		return d
	}
	d.MonthUsage = vals[monthKey]
	return d
}

func quotaFault(d *Decision, metric model.Metric) error {
	return fault.New(fault.KindQuotaExceeded, "%s limit reached for %s", d.LimitClass, metric).
		With("limit_class", string(d.LimitClass)).
		With("limit", d.Limit).
		With("current", d.Current).
		With("residual", d.Residual)
}

// incrs builds the pipelined counter batch: usage and cost across all three
// horizons, with the configured TTLs on day and month cells.
func (r *Recorder) incrs(rec *Record, cost float64, now time.Time) []counter.Incr {
	dayTTL := r.cfg.Counters.DayTTL
	monthTTL := r.cfg.Counters.MonthTTL
	incrs := []counter.Incr{
		{Key: counter.Key(rec.TenantID, rec.Metric, counter.HorizonDay, now), Delta: rec.Quantity, TTL: dayTTL},
		{Key: counter.Key(rec.TenantID, rec.Metric, counter.HorizonMonth, now), Delta: rec.Quantity, TTL: monthTTL},
		{Key: counter.Key(rec.TenantID, rec.Metric, counter.HorizonLifetime, now), Delta: rec.Quantity},
	}
	if cost != 0 {
		incrs = append(incrs,
			counter.Incr{Key: counter.CostKey(rec.TenantID, rec.Metric, counter.HorizonDay, now), Delta: cost, TTL: dayTTL},
			counter.Incr{Key: counter.CostKey(rec.TenantID, rec.Metric, counter.HorizonMonth, now), Delta: cost, TTL: monthTTL},
			counter.Incr{Key: counter.CostKey(rec.TenantID, rec.Metric, counter.HorizonLifetime, now), Delta: cost},
		)
	}
	return incrs
}

// residual computes the remaining allowance under the given horizon's hard
// limit after this event, or -1 when the tier has no such limit.
func (r *Recorder) residual(tier model.Tier, metric model.Metric, h counter.Horizon, d *Decision, added float64) float64 {
	limits := r.cfg.TierFor(tier)
	var (
		limit   float64
		ok      bool
		current float64
	)
	switch h {
	case counter.HorizonDay:
		limit, ok = limits.DailyLimits[metric]
		current = d.DayUsage
	default:
		limit, ok = limits.MonthlyLimits[metric]
		current = d.MonthUsage
	}
	if !ok || limit <= 0 {
		return -1
	}
	res := limit - current - added
	if res < 0 {
		res = 0
	}
	return res
}

// auditLimit records a quota-plane audit event. Best-effort.
func (r *Recorder) auditLimit(ctx context.Context, rec *Record, kind string, sev model.AuditSeverity, d *Decision, now time.Time) {
	err := r.store.Audit().Insert(ctx, &model.AuditRecord{
		ID:            uuid.NewString(),
		TenantID:      rec.TenantID,
		Kind:          kind,
		Severity:      sev,
		Outcome:       model.AuditFailure,
		PrincipalID:   rec.PrincipalID,
		SourceIP:      rec.SourceIP,
		CorrelationID: rec.CorrelationID,
		Detail:        string(rec.Metric) + "/" + string(d.LimitClass),
		CreatedAt:     now,
	})
	if err != nil {
		r.log.Warn("quota audit failed", "tenant_id", rec.TenantID, "kind", kind, "error", err)
	}
}

// warnSoftLimit publishes the limit_warning event and audit note.
func (r *Recorder) warnSoftLimit(ctx context.Context, rec *Record, monthUsage float64, now time.Time) {
	limit := r.cfg.TierFor(rec.Tier).MonthlyLimits[rec.Metric]
	r.log.Info("monthly soft limit crossed",
		"tenant_id", rec.TenantID, "metric", string(rec.Metric),
		"usage", monthUsage, "limit", limit)
	if r.events != nil {
		r.events.Publish(ctx, rec.TenantID, "limit-warning", map[string]any{
			"metric":  string(rec.Metric),
			"usage":   monthUsage,
			"limit":   limit,
			"percent": softThreshold * 100,
		})
	}
	err := r.store.Audit().Insert(ctx, &model.AuditRecord{
		ID:        uuid.NewString(),
		TenantID:  rec.TenantID,
		Kind:      "limit_warning",
		Severity:  model.AuditMedium,
		Outcome:   model.AuditSuccess,
		Detail:    string(rec.Metric),
		CreatedAt: now,
	})
	if err != nil {
		r.log.Warn("limit_warning audit failed", "tenant_id", rec.TenantID, "error", err)
	}
}
