package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/voxwire/voxwire/internal/model"
)

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for coherence and reports every failure it finds as one
// joined error, so a broken config surfaces all problems in a single run.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Auth.SigningSecret != "" && cfg.Auth.RSAPrivateKeyFile != "" {
		errs = append(errs, errors.New("auth.signing_secret and auth.rsa_private_key_file are mutually exclusive"))
	}

	if cfg.Vault.RootKey != "" && len(cfg.Vault.RootKey) < 32 {
		errs = append(errs, fmt.Errorf("vault.root_key is %d bytes; at least 32 required", len(cfg.Vault.RootKey)))
	}

	for tier := range cfg.Tiers {
		if !tier.IsValid() {
			errs = append(errs, fmt.Errorf("tiers: unknown tier %q", tier))
		}
	}
	for i, rule := range cfg.Pricing {
		prefix := fmt.Sprintf("pricing[%d]", i)
		if !rule.Metric.IsValid() {
			errs = append(errs, fmt.Errorf("%s.metric %q is invalid", prefix, rule.Metric))
		}
		if !rule.Tier.IsValid() {
			errs = append(errs, fmt.Errorf("%s.tier %q is invalid", prefix, rule.Tier))
		}
		if rule.PricePerUnit.IsNegative() {
			errs = append(errs, fmt.Errorf("%s.price_per_unit must not be negative", prefix))
		}
		if rule.OverageMultiplier.IsNegative() {
			errs = append(errs, fmt.Errorf("%s.overage_multiplier must not be negative", prefix))
		}
	}

	for tier, def := range cfg.Tiers {
		for m := range def.DailyLimits {
			if !m.IsValid() {
				errs = append(errs, fmt.Errorf("tiers.%s.daily_limits: unknown metric %q", tier, m))
			}
		}
		for m := range def.MonthlyLimits {
			if !m.IsValid() {
				errs = append(errs, fmt.Errorf("tiers.%s.monthly_limits: unknown metric %q", tier, m))
			}
		}
		for m := range def.TotalLimits {
			if !m.IsValid() {
				errs = append(errs, fmt.Errorf("tiers.%s.total_limits: unknown metric %q", tier, m))
			}
			if m != model.MetricStorageGBMonth {
				errs = append(errs, fmt.Errorf("tiers.%s.total_limits: lifetime caps apply to storage only, got %q", tier, m))
			}
		}
	}

	return errors.Join(errs...)
}
