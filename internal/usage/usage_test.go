package usage

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/counter"
	"github.com/voxwire/voxwire/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func testCounters(t *testing.T) (*counter.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return counter.New(rdb), mr
}

func TestCostFullyIncluded(t *testing.T) {
	cfg := testConfig(t)
	rule, ok := cfg.PriceFor(model.MetricSynthesisChars, model.TierProfessional)
	if !ok {
		t.Fatal("no pricing rule for professional synthesis_chars")
	}
	b := Cost(rule, model.TierProfessional,
		decimal.NewFromInt(10_000), decimal.NewFromInt(5_000))
	if !b.Cost.IsZero() || !b.Billable.IsZero() {
		t.Errorf("inside allowance must be free, got cost=%s billable=%s", b.Cost, b.Billable)
	}
}

func TestCostFullyOverage(t *testing.T) {
	cfg := testConfig(t)
	rule, _ := cfg.PriceFor(model.MetricSynthesisChars, model.TierProfessional)

	// Already past the 75,000 allowance: the whole addition is billed.
	b := Cost(rule, model.TierProfessional,
		decimal.NewFromInt(80_000), decimal.NewFromInt(1_000))
	want := decimal.NewFromInt(1_000).
		Mul(rule.PricePerUnit).Mul(rule.OverageMultiplier).RoundBank(4)
	if !b.Cost.Equal(want) {
		t.Errorf("cost = %s, want %s", b.Cost, want)
	}
	if !b.Billable.Equal(decimal.NewFromInt(1_000)) {
		t.Errorf("billable = %s, want 1000", b.Billable)
	}
}

func TestCostSplitAcrossAllowance(t *testing.T) {
	cfg := testConfig(t)
	rule, _ := cfg.PriceFor(model.MetricSynthesisChars, model.TierProfessional)

	// 100,000 chars in a month at professional: 25,000 above the 75,000
	// allowance, priced at 0.0002 × 1.3.
	b := Cost(rule, model.TierProfessional,
		decimal.Zero, decimal.NewFromInt(100_000))
	if !b.Billable.Equal(decimal.NewFromInt(25_000)) {
		t.Errorf("billable = %s, want 25000", b.Billable)
	}
	want := decimal.NewFromInt(25_000).
		Mul(rule.PricePerUnit).Mul(rule.OverageMultiplier).RoundBank(4)
	if !b.Cost.Equal(want) {
		t.Errorf("cost = %s, want %s", b.Cost, want)
	}
	if got := b.Cost.String(); got != "6.5" && got != "6.5000" {
		t.Errorf("professional 100k-char invoice line = %s, want 6.5", got)
	}
}

func TestCostNoRuleIsFree(t *testing.T) {
	b := FreeBreakdown(model.MetricAPICalls, model.TierCustom, decimal.NewFromInt(500))
	if !b.Cost.IsZero() {
		t.Errorf("unpriced metric must cost 0, got %s", b.Cost)
	}
}

func TestQuotaDenyAtMonthlyLimit(t *testing.T) {
	cfg := testConfig(t)
	counters, mr := testCounters(t)
	q := NewQuota(counters, cfg, nil)

	now := time.Now()
	monthKey := counter.Key("t-1", model.MetricSynthesisChars, counter.HorizonMonth, now)
	mr.Set(monthKey, "24995")

	d := q.Evaluate(context.Background(), "t-1", model.TierStarter, model.MetricSynthesisChars, 10)
	if d.Allowed {
		t.Fatal("24995+10 against a 25000 monthly limit must deny")
	}
	if d.LimitClass != LimitMonthlyHard {
		t.Errorf("limit class = %s, want monthly_hard", d.LimitClass)
	}
	if d.Residual != 5 {
		t.Errorf("residual = %v, want 5", d.Residual)
	}
}

func TestQuotaExactBoundary(t *testing.T) {
	cfg := testConfig(t)
	counters, mr := testCounters(t)
	q := NewQuota(counters, cfg, nil)

	now := time.Now()
	monthKey := counter.Key("t-1", model.MetricSynthesisChars, counter.HorizonMonth, now)
	mr.Set(monthKey, "25000")

	if d := q.Evaluate(context.Background(), "t-1", model.TierStarter, model.MetricSynthesisChars, 1); d.Allowed {
		t.Error("one unit past the hard limit must deny")
	}
	if d := q.Evaluate(context.Background(), "t-1", model.TierStarter, model.MetricSynthesisChars, 0); !d.Allowed {
		t.Error("zero units at the hard limit must succeed")
	}
}

func TestQuotaDailyBeforeMonthly(t *testing.T) {
	cfg := testConfig(t)
	counters, mr := testCounters(t)
	q := NewQuota(counters, cfg, nil)

	// Both limits would deny; the daily check runs first.
	now := time.Now()
	mr.Set(counter.Key("t-1", model.MetricSynthesisChars, counter.HorizonDay, now), "5000")
	mr.Set(counter.Key("t-1", model.MetricSynthesisChars, counter.HorizonMonth, now), "25000")

	d := q.Evaluate(context.Background(), "t-1", model.TierStarter, model.MetricSynthesisChars, 10)
	if d.Allowed || d.LimitClass != LimitDailyHard {
		t.Errorf("decision = %+v, want daily_hard denial", d)
	}
}

func TestQuotaFailsOpenOnCounterOutage(t *testing.T) {
	cfg := testConfig(t)
	counters, mr := testCounters(t)
	q := NewQuota(counters, cfg, nil)
	mr.Close()

	d := q.Evaluate(context.Background(), "t-1", model.TierStarter, model.MetricSynthesisChars, 10)
	if !d.Allowed || !d.FailedOpen {
		t.Errorf("counter outage must fail open, got %+v", d)
	}
}

func TestQuotaUncappedMetricAllows(t *testing.T) {
	cfg := testConfig(t)
	counters, mr := testCounters(t)
	q := NewQuota(counters, cfg, nil)

	now := time.Now()
	mr.Set(counter.Key("t-1", model.MetricSynthesisChars, counter.HorizonMonth, now), "99999999")

	d := q.Evaluate(context.Background(), "t-1", model.TierEnterprise, model.MetricSynthesisChars, 1000)
	if !d.Allowed {
		t.Errorf("enterprise synthesis is uncapped, got %+v", d)
	}
}

func TestSoftCrossing(t *testing.T) {
	cfg := testConfig(t)
	counters, _ := testCounters(t)
	q := NewQuota(counters, cfg, nil)

	// Starter monthly synthesis limit 25,000 → soft mark at 20,000.
	tests := []struct {
		name          string
		before, after float64
		want          bool
	}{
		{"crosses", 19_999, 20_001, true},
		{"lands exactly on mark", 19_000, 20_000, true},
		{"already past", 20_001, 21_000, false},
		{"stays below", 10_000, 15_000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := q.SoftCrossing(model.TierStarter, model.MetricSynthesisChars, tt.before, tt.after)
			if got != tt.want {
				t.Errorf("SoftCrossing(%v, %v) = %v, want %v", tt.before, tt.after, got, tt.want)
			}
		})
	}
}

func TestRecorderIncrBatch(t *testing.T) {
	cfg := testConfig(t)
	r := &Recorder{cfg: cfg}

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	rec := &Record{TenantID: "t-1", Tier: model.TierProfessional, Metric: model.MetricSynthesisChars, Quantity: 13}

	incrs := r.incrs(rec, 0.0026, now)
	if len(incrs) != 6 {
		t.Fatalf("expected 6 increments (usage + cost across horizons), got %d", len(incrs))
	}
	byKey := map[string]counter.Incr{}
	for _, in := range incrs {
		byKey[in.Key] = in
	}

	dayKey := counter.Key("t-1", model.MetricSynthesisChars, counter.HorizonDay, now)
	if in := byKey[dayKey]; in.Delta != 13 || in.TTL != cfg.Counters.DayTTL {
		t.Errorf("day incr = %+v", in)
	}
	lifeKey := counter.Key("t-1", model.MetricSynthesisChars, counter.HorizonLifetime, now)
	if in := byKey[lifeKey]; in.TTL != 0 {
		t.Errorf("lifetime cells must never expire, got TTL %v", in.TTL)
	}
	costMonth := counter.CostKey("t-1", model.MetricSynthesisChars, counter.HorizonMonth, now)
	if in := byKey[costMonth]; in.Delta != 0.0026 {
		t.Errorf("cost month incr = %+v", in)
	}
}

func TestRecorderIncrBatchFreeUsage(t *testing.T) {
	cfg := testConfig(t)
	r := &Recorder{cfg: cfg}

	rec := &Record{TenantID: "t-1", Tier: model.TierStarter, Metric: model.MetricAPICalls, Quantity: 1}
	incrs := r.incrs(rec, 0, time.Now())
	if len(incrs) != 3 {
		t.Errorf("zero-cost usage should skip cost counters, got %d incrs", len(incrs))
	}
}

func TestForceAllowPricesFromMonthCounter(t *testing.T) {
	cfg := testConfig(t)
	counters, mr := testCounters(t)
	r := NewRecorder(nil, counters, NewQuota(counters, cfg, nil), cfg, nil, nil)

	// 2,500 minutes already burned this month, 500 past the professional
	// allowance: the force-allowed minutes must price as pure overage.
	now := time.Now()
	monthKey := counter.Key("t-1", model.MetricCallMinutes, counter.HorizonMonth, now)
	mr.Set(monthKey, "2500")

	rec := &Record{
		TenantID:   "t-1",
		Tier:       model.TierProfessional,
		Metric:     model.MetricCallMinutes,
		Quantity:   10,
		ForceAllow: true,
	}
	d := r.admit(context.Background(), rec, now)
	if !d.Allowed {
		t.Fatal("force-allowed submissions must always be admitted")
	}
	if d.MonthUsage != 2500 {
		t.Fatalf("month usage = %v, want the live counter value 2500", d.MonthUsage)
	}

	rule, ok := cfg.PriceFor(model.MetricCallMinutes, model.TierProfessional)
	if !ok {
		t.Fatal("no pricing rule for professional call_minutes")
	}
	b := Cost(rule, rec.Tier, decimal.NewFromFloat(d.MonthUsage), decimal.NewFromFloat(rec.Quantity))
	want := decimal.NewFromInt(10).
		Mul(rule.PricePerUnit).Mul(rule.OverageMultiplier).RoundBank(4)
	if !b.Cost.Equal(want) {
		t.Errorf("cost = %s, want %s (above-allowance minutes bill overage)", b.Cost, want)
	}
}

func TestForceAllowSeesSoftCrossing(t *testing.T) {
	cfg := testConfig(t)
	counters, mr := testCounters(t)
	q := NewQuota(counters, cfg, nil)
	r := NewRecorder(nil, counters, q, cfg, nil, nil)

	// 3,995 of the 5,000 monthly limit used; adding 10 crosses the 80% line.
	now := time.Now()
	monthKey := counter.Key("t-1", model.MetricCallMinutes, counter.HorizonMonth, now)
	mr.Set(monthKey, "3995")

	rec := &Record{
		TenantID:   "t-1",
		Tier:       model.TierProfessional,
		Metric:     model.MetricCallMinutes,
		Quantity:   10,
		ForceAllow: true,
	}
	d := r.admit(context.Background(), rec, now)
	if !q.SoftCrossing(rec.Tier, rec.Metric, d.MonthUsage, d.MonthUsage+rec.Quantity) {
		t.Error("force-allowed minutes crossing 80% must raise the soft warning")
	}
}

func TestForceAllowToleratesCounterOutage(t *testing.T) {
	cfg := testConfig(t)
	counters, mr := testCounters(t)
	r := NewRecorder(nil, counters, NewQuota(counters, cfg, nil), cfg, nil, nil)
	mr.Close()

	rec := &Record{
		TenantID:   "t-1",
		Tier:       model.TierProfessional,
		Metric:     model.MetricCallMinutes,
		Quantity:   10,
		ForceAllow: true,
	}
	d := r.admit(context.Background(), rec, time.Now())
	if !d.Allowed || !d.FailedOpen {
		t.Errorf("decision = %+v, want admitted with the degradation flagged", d)
	}
	if d.MonthUsage != 0 {
		t.Errorf("month usage = %v, want 0 when the counter is unreachable", d.MonthUsage)
	}
}

func TestReconcilerFormatsCounters(t *testing.T) {
	// Guard the float formatting used when rewriting a cell.
	for _, v := range []float64{0, 5, 24995, 0.0026} {
		s := strconv.FormatFloat(v, 'f', -1, 64)
		back, err := strconv.ParseFloat(s, 64)
		if err != nil || back != v {
			t.Errorf("counter value %v does not round-trip (%q)", v, s)
		}
	}
}
