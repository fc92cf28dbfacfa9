package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.AdminPort < 1 || cfg.Server.AdminPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.admin_port must be between 1 and 65535, got %d", cfg.Server.AdminPort))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}

	// Provider validation
	localCount := 0
	for name, p := range cfg.Providers {
		if p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.base_url must not be empty", name))
		}
		if len(p.Models) == 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.models must list at least one model", name))
		}
		for i, m := range p.Models {
			if m.ID == "" {
				errs = append(errs, fmt.Sprintf("providers.%s.models[%d].id must not be empty", name, i))
			}
		}
		if p.Priority < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.priority must be non-negative, got %d", name, p.Priority))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.timeout must be non-negative", name))
		}
		if p.Local {
			localCount++
			if p.KeyRef != "" {
				errs = append(errs, fmt.Sprintf("providers.%s is local and must not set key_ref", name))
			}
		}
	}
	if localCount > 1 {
		errs = append(errs, fmt.Sprintf("at most one provider may be marked local, got %d", localCount))
	}

	// Routing validation
	if cfg.Routing.PreferredProvider != "" {
		if _, ok := cfg.Providers[cfg.Routing.PreferredProvider]; !ok {
			errs = append(errs, fmt.Sprintf("routing.preferred_provider %q is not a configured provider", cfg.Routing.PreferredProvider))
		}
	}

	// Resilience validation
	if cfg.Resilience.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("resilience.retry_max_attempts must be at least 1, got %d", cfg.Resilience.RetryMaxAttempts))
	}
	if cfg.Resilience.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_base_delay_ms must be non-negative, got %d", cfg.Resilience.RetryBaseDelayMs))
	}
	if cfg.Resilience.BreakerThreshold < 1 {
		errs = append(errs, fmt.Sprintf("resilience.breaker_threshold must be at least 1, got %d", cfg.Resilience.BreakerThreshold))
	}
	if cfg.Resilience.BreakerResetSec < 1 {
		errs = append(errs, fmt.Sprintf("resilience.breaker_reset_seconds must be at least 1, got %d", cfg.Resilience.BreakerResetSec))
	}
	if cfg.Resilience.CooldownBaseSec < 1 {
		errs = append(errs, fmt.Sprintf("resilience.cooldown_base_seconds must be at least 1, got %d", cfg.Resilience.CooldownBaseSec))
	}
	if cfg.Resilience.CooldownCapSec < cfg.Resilience.CooldownBaseSec {
		errs = append(errs, fmt.Sprintf("resilience.cooldown_cap_seconds (%d) must be >= cooldown_base_seconds (%d)",
			cfg.Resilience.CooldownCapSec, cfg.Resilience.CooldownBaseSec))
	}
	if cfg.Resilience.BillingHoldMinutes < 1 {
		errs = append(errs, fmt.Sprintf("resilience.billing_hold_minutes must be at least 1, got %d", cfg.Resilience.BillingHoldMinutes))
	}

	// Tools validation
	if cfg.Tools.MaxRounds < 1 {
		errs = append(errs, fmt.Sprintf("tools.max_rounds must be at least 1, got %d", cfg.Tools.MaxRounds))
	}
	if cfg.Tools.ExecTimeoutSec < 1 {
		errs = append(errs, fmt.Sprintf("tools.exec_timeout_seconds must be at least 1, got %d", cfg.Tools.ExecTimeoutSec))
	}

	// Health validation
	if cfg.Health.IntervalSec < 1 {
		errs = append(errs, fmt.Sprintf("health.interval_seconds must be at least 1, got %d", cfg.Health.IntervalSec))
	}
	if cfg.Health.ProbeTimeoutSec < 1 {
		errs = append(errs, fmt.Sprintf("health.probe_timeout_seconds must be at least 1, got %d", cfg.Health.ProbeTimeoutSec))
	}

	// Cache validation
	if cfg.Cache.TTLSeconds < 0 {
		errs = append(errs, fmt.Sprintf("cache.ttl_seconds must be non-negative, got %d", cfg.Cache.TTLSeconds))
	}
	if cfg.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Sprintf("cache.max_entries must be non-negative, got %d", cfg.Cache.MaxEntries))
	}

	// Metrics validation
	if cfg.Metrics.RetentionDays < 0 {
		errs = append(errs, fmt.Sprintf("metrics.retention_days must be non-negative, got %d", cfg.Metrics.RetentionDays))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %g", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum reports whether value is one of the allowed values.
func isValidEnum(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
