package usage

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/counter"
	"github.com/voxwire/voxwire/internal/model"
	"github.com/voxwire/voxwire/internal/store"
)

// Reconciler periodically rebuilds the live month counters from durable usage
// events. The counters drive limit decisions but can lag after a counter-store
// outage; the event rows are the source of truth.
type Reconciler struct {
	store    *store.Store
	counters *counter.Client
	cfg      *config.Config
	log      *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(st *store.Store, counters *counter.Client, cfg *config.Config, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: st, counters: counters, cfg: cfg, log: log, now: time.Now}
}

// Run reconciles on the configured interval until ctx is cancelled. One pass
// runs immediately at startup.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.cfg.Counters.ReconcileInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Reconcile(ctx); err != nil {
			r.log.Error("counter reconciliation pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile runs one pass: for every active tenant and metric, recompute the
// month counter from durable events and overwrite the live cell.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	tenants, err := r.store.Tenants().ListByStatus(ctx, model.TenantActive)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var repaired int
	for _, ten := range tenants {
		for _, metric := range model.AllMetrics {
			sum, err := r.store.Usage().MetricSumSince(ctx, ten.ID, metric, monthStart)
			if err != nil {
				r.log.Warn("reconcile: event sum failed",
					"tenant_id", ten.ID, "metric", string(metric), "error", err)
				continue
			}
			truth, _ := sum.Float64()

			key := counter.Key(ten.ID, metric, counter.HorizonMonth, now)
			vals, err := r.counters.ReadFloats(ctx, key)
			if err != nil {
				return err
			}
			if vals[key] == truth {
				continue
			}
			value := strconv.FormatFloat(truth, 'f', -1, 64)
			if err := r.counters.SetWithTTL(ctx, key, value, r.cfg.Counters.MonthTTL); err != nil {
				return err
			}
			repaired++
			r.log.Info("reconciled month counter",
				"tenant_id", ten.ID, "metric", string(metric),
				"was", vals[key], "now", truth)
		}
	}
	if repaired > 0 {
		r.log.Info("counter reconciliation pass done", "repaired", repaired, "tenants", len(tenants))
	}
	return nil
}
