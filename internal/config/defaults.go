package config

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/model"
)

// dec is a shorthand for building decimal literals in the tables below.
func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// builtinTiers is the built-in tier-defaults table. YAML entries under
// `tiers:` override per-tier; unset tiers fall back to these values.
var builtinTiers = map[model.Tier]TierDefaults{
	model.TierStarter: {
		DailyLimits: map[model.Metric]float64{
			model.MetricSynthesisChars: 5_000,
			model.MetricCallMinutes:    60,
			model.MetricAPICalls:       5_000,
		},
		MonthlyLimits: map[model.Metric]float64{
			model.MetricSynthesisChars: 25_000,
			model.MetricSMSMessages:    200,
			model.MetricCallMinutes:    500,
			model.MetricSearchQueries:  1_000,
			model.MetricAPICalls:       50_000,
			model.MetricBandwidthGB:    10,
		},
		TotalLimits: map[model.Metric]float64{
			model.MetricStorageGBMonth: 5,
		},
		MaxAgents: 1,
	},
	model.TierProfessional: {
		DailyLimits: map[model.Metric]float64{
			model.MetricSynthesisChars: 20_000,
			model.MetricCallMinutes:    300,
			model.MetricAPICalls:       50_000,
		},
		MonthlyLimits: map[model.Metric]float64{
			model.MetricSynthesisChars: 250_000,
			model.MetricSMSMessages:    2_000,
			model.MetricCallMinutes:    5_000,
			model.MetricSearchQueries:  10_000,
			model.MetricAPICalls:       500_000,
			model.MetricBandwidthGB:    100,
		},
		TotalLimits: map[model.Metric]float64{
			model.MetricStorageGBMonth: 50,
		},
		MaxAgents:         5,
		TransferEnabled:   true,
		SchedulingEnabled: true,
		BulkSynthesis:     true,
	},
	model.TierEnterprise: {
		// No hard limits by default: enterprise is metered but uncapped.
		MaxAgents:         50,
		TransferEnabled:   true,
		SchedulingEnabled: true,
		BulkSynthesis:     true,
	},
	model.TierCustom: {
		MaxAgents:         50,
		TransferEnabled:   true,
		SchedulingEnabled: true,
		BulkSynthesis:     true,
	},
}

// builtinPricing is the built-in pricing table. YAML entries under `pricing:`
// override matching (metric, tier) rows.
var builtinPricing = []PriceRule{
	// synthesis_chars: price per character.
	{model.MetricSynthesisChars, model.TierStarter, dec("0.0003"), dec("10000"), dec("1.5")},
	{model.MetricSynthesisChars, model.TierProfessional, dec("0.0002"), dec("75000"), dec("1.3")},
	{model.MetricSynthesisChars, model.TierEnterprise, dec("0.00015"), dec("500000"), dec("1.2")},
	{model.MetricSynthesisChars, model.TierCustom, dec("0.00015"), dec("500000"), dec("1.0")},

	// sms_messages: price per message.
	{model.MetricSMSMessages, model.TierStarter, dec("0.02"), dec("100"), dec("1.5")},
	{model.MetricSMSMessages, model.TierProfessional, dec("0.015"), dec("1000"), dec("1.3")},
	{model.MetricSMSMessages, model.TierEnterprise, dec("0.01"), dec("10000"), dec("1.2")},
	{model.MetricSMSMessages, model.TierCustom, dec("0.01"), dec("10000"), dec("1.0")},

	// call_minutes: price per minute.
	{model.MetricCallMinutes, model.TierStarter, dec("0.05"), dec("200"), dec("1.5")},
	{model.MetricCallMinutes, model.TierProfessional, dec("0.04"), dec("2000"), dec("1.3")},
	{model.MetricCallMinutes, model.TierEnterprise, dec("0.03"), dec("20000"), dec("1.2")},
	{model.MetricCallMinutes, model.TierCustom, dec("0.03"), dec("20000"), dec("1.0")},

	// search_queries: price per query.
	{model.MetricSearchQueries, model.TierStarter, dec("0.005"), dec("500"), dec("1.5")},
	{model.MetricSearchQueries, model.TierProfessional, dec("0.004"), dec("5000"), dec("1.3")},
	{model.MetricSearchQueries, model.TierEnterprise, dec("0.003"), dec("50000"), dec("1.2")},
	{model.MetricSearchQueries, model.TierCustom, dec("0.003"), dec("50000"), dec("1.0")},

	// api_calls: price per call.
	{model.MetricAPICalls, model.TierStarter, dec("0.0001"), dec("25000"), dec("1.5")},
	{model.MetricAPICalls, model.TierProfessional, dec("0.00008"), dec("250000"), dec("1.3")},
	{model.MetricAPICalls, model.TierEnterprise, dec("0.00005"), dec("2500000"), dec("1.2")},
	{model.MetricAPICalls, model.TierCustom, dec("0.00005"), dec("2500000"), dec("1.0")},

	// storage_gb_month: price per GB-month.
	{model.MetricStorageGBMonth, model.TierStarter, dec("0.25"), dec("1"), dec("1.5")},
	{model.MetricStorageGBMonth, model.TierProfessional, dec("0.20"), dec("10"), dec("1.3")},
	{model.MetricStorageGBMonth, model.TierEnterprise, dec("0.15"), dec("100"), dec("1.2")},
	{model.MetricStorageGBMonth, model.TierCustom, dec("0.15"), dec("100"), dec("1.0")},

	// bandwidth_gb: price per GB.
	{model.MetricBandwidthGB, model.TierStarter, dec("0.10"), dec("5"), dec("1.5")},
	{model.MetricBandwidthGB, model.TierProfessional, dec("0.08"), dec("50"), dec("1.3")},
	{model.MetricBandwidthGB, model.TierEnterprise, dec("0.06"), dec("500"), dec("1.2")},
	{model.MetricBandwidthGB, model.TierCustom, dec("0.06"), dec("500"), dec("1.0")},
}

// ApplyDefaults fills zero-valued config fields with their defaults and merges
// the built-in tier and pricing tables under any YAML overrides.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Auth.AccessTokenLifetime <= 0 {
		cfg.Auth.AccessTokenLifetime = 30 * time.Minute
	}
	if cfg.Auth.RefreshTokenLifetime <= 0 {
		cfg.Auth.RefreshTokenLifetime = 7 * 24 * time.Hour
	}
	if cfg.Auth.MaxFailedLogins <= 0 {
		cfg.Auth.MaxFailedLogins = 5
	}
	if cfg.Auth.LockoutDuration <= 0 {
		cfg.Auth.LockoutDuration = 15 * time.Minute
	}
	if cfg.Auth.LoginRatePerMinute <= 0 {
		cfg.Auth.LoginRatePerMinute = 60
	}

	if cfg.Pipeline.STTBudget <= 0 {
		cfg.Pipeline.STTBudget = 50 * time.Millisecond
	}
	if cfg.Pipeline.LLMBudget <= 0 {
		cfg.Pipeline.LLMBudget = 100 * time.Millisecond
	}
	if cfg.Pipeline.TTSBudget <= 0 {
		cfg.Pipeline.TTSBudget = 80 * time.Millisecond
	}
	if cfg.Pipeline.TurnHardCap <= 0 {
		cfg.Pipeline.TurnHardCap = 2 * time.Second
	}
	if cfg.Pipeline.MaxTurnFailures <= 0 {
		cfg.Pipeline.MaxTurnFailures = 3
	}
	if cfg.Pipeline.InactivityTimeout <= 0 {
		cfg.Pipeline.InactivityTimeout = 2 * time.Minute
	}

	if cfg.Synthesis.CacheCapacityBytes <= 0 {
		cfg.Synthesis.CacheCapacityBytes = 256 << 20
	}
	if cfg.Synthesis.CacheTTL <= 0 {
		cfg.Synthesis.CacheTTL = 24 * time.Hour
	}
	if cfg.Synthesis.PregenWorkers <= 0 {
		cfg.Synthesis.PregenWorkers = 4
	}

	if cfg.Counters.DayTTL <= 0 {
		cfg.Counters.DayTTL = 7 * 24 * time.Hour
	}
	if cfg.Counters.MonthTTL <= 0 {
		cfg.Counters.MonthTTL = 13 * 30 * 24 * time.Hour
	}
	if cfg.Counters.ReconcileInterval <= 0 {
		cfg.Counters.ReconcileInterval = 15 * time.Minute
	}

	if cfg.Webhooks.MaxAttempts <= 0 {
		cfg.Webhooks.MaxAttempts = 3
	}
	if cfg.Webhooks.RetryDelay <= 0 {
		cfg.Webhooks.RetryDelay = 60 * time.Second
	}
	if cfg.Webhooks.Timeout <= 0 {
		cfg.Webhooks.Timeout = 30 * time.Second
	}

	// Merge tier table: YAML wins per tier.
	merged := make(map[model.Tier]TierDefaults, len(builtinTiers))
	for tier, def := range builtinTiers {
		merged[tier] = def
	}
	for tier, def := range cfg.Tiers {
		merged[tier] = def
	}
	cfg.Tiers = merged

	// Merge pricing table: YAML rows replace matching (metric, tier) rows.
	overridden := func(metric model.Metric, tier model.Tier) (PriceRule, bool) {
		for _, r := range cfg.Pricing {
			if r.Metric == metric && r.Tier == tier {
				return r, true
			}
		}
		return PriceRule{}, false
	}
	rules := make([]PriceRule, 0, len(builtinPricing))
	for _, r := range builtinPricing {
		if o, ok := overridden(r.Metric, r.Tier); ok {
			rules = append(rules, o)
			continue
		}
		rules = append(rules, r)
	}
	cfg.Pricing = rules
}

// TierFor returns the defaults for tier, falling back to the starter table for
// unknown tiers so a misconfigured tenant never becomes uncapped.
func (c *Config) TierFor(tier model.Tier) TierDefaults {
	if d, ok := c.Tiers[tier]; ok {
		return d
	}
	return c.Tiers[model.TierStarter]
}

// PriceFor returns the pricing rule for (metric, tier). The boolean is false
// when no rule exists, in which case usage of that metric is free.
func (c *Config) PriceFor(metric model.Metric, tier model.Tier) (PriceRule, bool) {
	for _, r := range c.Pricing {
		if r.Metric == metric && r.Tier == tier {
			return r, true
		}
	}
	return PriceRule{}, false
}
