package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/counter"
	"github.com/voxwire/voxwire/internal/model"
)

// LimitClass names which limit a quota decision is about.
type LimitClass string

const (
	LimitNone        LimitClass = ""
	LimitDailyHard   LimitClass = "daily_hard"
	LimitMonthlyHard LimitClass = "monthly_hard"
	LimitTotalHard   LimitClass = "total_hard"
	LimitMonthlySoft LimitClass = "monthly_soft"
)

// softThreshold is the fraction of the monthly hard limit at which the
// one-time warning fires.
const softThreshold = 0.8

// Decision is the quota evaluator's answer for one proposed usage addition.
type Decision struct {
	Allowed bool

	// LimitClass is the limit that would be breached when denied.
	LimitClass LimitClass

	// Limit and Current describe the breached (or tightest monthly) limit.
	Limit   float64
	Current float64

	// Residual is how much quantity the tightest applicable hard limit still
	// admits. Negative residuals are reported as 0.
	Residual float64

	// DayUsage, MonthUsage, and LifeUsage are the current counter values for
	// the metric, regardless of outcome. The recorder feeds MonthUsage to the
	// cost calculator and derives residuals from all three.
	DayUsage   float64
	MonthUsage float64
	LifeUsage  float64

	// FailedOpen is set when the counter store was unreachable and the
	// evaluator allowed by policy.
	FailedOpen bool
}

// Quota evaluates proposed usage against the tier limit tables using live
// counters. On counter-store failure it fails open and flags the decision.
type Quota struct {
	counters *counter.Client
	cfg      *config.Config
	log      *slog.Logger
	now      func() time.Time
}

// NewQuota creates a quota evaluator.
func NewQuota(counters *counter.Client, cfg *config.Config, log *slog.Logger) *Quota {
	if log == nil {
		log = slog.Default()
	}
	return &Quota{counters: counters, cfg: cfg, log: log, now: time.Now}
}

// Evaluate checks whether adding quantity of metric is admissible for the
// tenant. Hard limits are applied in order: daily, then monthly, then total
// (lifetime caps, storage only by default). The returned decision carries the
// residual allowed under the tightest applicable hard limit.
func (q *Quota) Evaluate(ctx context.Context, tenantID string, tier model.Tier, metric model.Metric, quantity float64) *Decision {
	limits := q.cfg.TierFor(tier)
	now := q.now()

	dayKey := counter.Key(tenantID, metric, counter.HorizonDay, now)
	monthKey := counter.Key(tenantID, metric, counter.HorizonMonth, now)
	lifeKey := counter.Key(tenantID, metric, counter.HorizonLifetime, now)

	vals, err := q.counters.ReadFloats(ctx, dayKey, monthKey, lifeKey)
	if err != nil {
		// Fail open: a metered call must not be lost to a counter outage.
		// The caller audits the degradation.
		q.log.Warn("quota counters unreachable, failing open",
			"tenant_id", tenantID, "metric", string(metric), "error", err)
		return &Decision{Allowed: true, FailedOpen: true}
	}

	day, month, life := vals[dayKey], vals[monthKey], vals[lifeKey]
	d := &Decision{Allowed: true, DayUsage: day, MonthUsage: month, LifeUsage: life}

	type check struct {
		class   LimitClass
		limit   float64
		hasLim  bool
		current float64
	}
	dayLim, hasDay := limits.DailyLimits[metric]
	monLim, hasMon := limits.MonthlyLimits[metric]
	totLim, hasTot := limits.TotalLimits[metric]
	for _, c := range []check{
		{LimitDailyHard, dayLim, hasDay, day},
		{LimitMonthlyHard, monLim, hasMon, month},
		{LimitTotalHard, totLim, hasTot, life},
	} {
		if !c.hasLim || c.limit <= 0 {
			continue
		}
		residual := c.limit - c.current
		if residual < 0 {
			residual = 0
		}
		if c.current+quantity > c.limit {
			d.Allowed = false
			d.LimitClass = c.class
			d.Limit = c.limit
			d.Current = c.current
			d.Residual = residual
			return d
		}
		if d.LimitClass == LimitNone || residual < d.Residual {
			d.LimitClass = c.class
			d.Limit = c.limit
			d.Current = c.current
			d.Residual = residual
		}
	}
	// An allowed decision reports the tightest limit but no breach class.
	if d.Allowed {
		d.LimitClass = LimitNone
	}
	return d
}

// SoftCrossing reports whether the 80% monthly soft threshold is crossed by
// moving the monthly counter from before to after against the tier's monthly
// limit. A metric with no monthly limit never crosses.
func (q *Quota) SoftCrossing(tier model.Tier, metric model.Metric, before, after float64) bool {
	limit, ok := q.cfg.TierFor(tier).MonthlyLimits[metric]
	if !ok || limit <= 0 {
		return false
	}
	mark := limit * softThreshold
	return before < mark && after >= mark
}
