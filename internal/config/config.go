package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for modelrelay.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"     toml:"server"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"  toml:"providers"`
	Routing    RoutingConfig             `mapstructure:"routing"    toml:"routing"`
	Resilience ResilienceConfig          `mapstructure:"resilience" toml:"resilience"`
	Tools      ToolsConfig               `mapstructure:"tools"      toml:"tools"`
	Health     HealthConfig              `mapstructure:"health"     toml:"health"`
	Cache      CacheConfig               `mapstructure:"cache"      toml:"cache"`
	Metrics    MetricsConfig             `mapstructure:"metrics"    toml:"metrics"`
	Tracing    TracingConfig             `mapstructure:"tracing"    toml:"tracing"`
}

// ServerConfig holds the core daemon settings.
type ServerConfig struct {
	AdminPort    int    `mapstructure:"admin_port"    toml:"admin_port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`
}

// ModelConfig describes one model in a provider's fallback chain.
// The first model listed is the primary; the rest are tried in order.
type ModelConfig struct {
	ID            string `mapstructure:"id"             toml:"id"`
	SupportsTools bool   `mapstructure:"supports_tools" toml:"supports_tools"`
}

// ProviderConfig describes a single upstream provider. Credentials are not
// stored here: KeyRef names the vault/environment entry whose value may be a
// comma-separated list of API keys.
type ProviderConfig struct {
	DisplayName string        `mapstructure:"display_name" toml:"display_name"`
	BaseURL     string        `mapstructure:"base_url"     toml:"base_url"`
	KeyRef      string        `mapstructure:"key_ref"      toml:"key_ref"`
	Models      []ModelConfig `mapstructure:"models"       toml:"models"`
	Enabled     bool          `mapstructure:"enabled"      toml:"enabled"`
	Priority    int           `mapstructure:"priority"     toml:"priority"`
	Local       bool          `mapstructure:"local"        toml:"local"`
	Timeout     int           `mapstructure:"timeout"      toml:"timeout"` // seconds
}

// TimeoutDuration returns the provider's completion timeout as a time.Duration.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	if p.Timeout <= 0 {
		return time.Duration(DefaultCompletionTimeout) * time.Second
	}
	return time.Duration(p.Timeout) * time.Second
}

// RoutingConfig controls provider ordering and last-resort behaviour.
type RoutingConfig struct {
	PreferredProvider string `mapstructure:"preferred_provider" toml:"preferred_provider"`
	EmergencyNoTools  bool   `mapstructure:"emergency_no_tools" toml:"emergency_no_tools"`
}

// ResilienceConfig controls per-key retry, the failure-count circuit breaker,
// and the rate-limit cooldown schedule.
type ResilienceConfig struct {
	RetryMaxAttempts    int `mapstructure:"retry_max_attempts"      toml:"retry_max_attempts"`
	RetryBaseDelayMs    int `mapstructure:"retry_base_delay_ms"     toml:"retry_base_delay_ms"`
	BreakerThreshold    int `mapstructure:"breaker_threshold"       toml:"breaker_threshold"`
	BreakerResetSec     int `mapstructure:"breaker_reset_seconds"   toml:"breaker_reset_seconds"`
	CooldownBaseSec     int `mapstructure:"cooldown_base_seconds"   toml:"cooldown_base_seconds"`
	CooldownCapSec      int `mapstructure:"cooldown_cap_seconds"    toml:"cooldown_cap_seconds"`
	BillingHoldMinutes  int `mapstructure:"billing_hold_minutes"    toml:"billing_hold_minutes"`
}

// ToolsConfig controls the tool-execution loop.
type ToolsConfig struct {
	MaxRounds      int `mapstructure:"max_rounds"        toml:"max_rounds"`
	ExecTimeoutSec int `mapstructure:"exec_timeout_seconds" toml:"exec_timeout_seconds"`
}

// HealthConfig controls the background health checker.
type HealthConfig struct {
	Enabled         bool `mapstructure:"enabled"           toml:"enabled"`
	IntervalSec     int  `mapstructure:"interval_seconds"  toml:"interval_seconds"`
	ProbeTimeoutSec int  `mapstructure:"probe_timeout_seconds" toml:"probe_timeout_seconds"`
	// RecoverAuthKeys lets a successful probe re-enable keys that were
	// disabled by a 401/403. Off by default: an auth failure is treated as
	// terminal until an operator intervenes.
	RecoverAuthKeys bool `mapstructure:"recover_auth_keys" toml:"recover_auth_keys"`
}

// CacheConfig controls the in-memory completion cache used by the daemon's
// routing endpoint. The router core itself never caches.
type CacheConfig struct {
	Enabled    bool `mapstructure:"enabled"     toml:"enabled"`
	TTLSeconds int  `mapstructure:"ttl_seconds" toml:"ttl_seconds"`
	MaxEntries int  `mapstructure:"max_entries" toml:"max_entries"`
}

// MetricsConfig controls route-ledger retention.
type MetricsConfig struct {
	RetentionDays int `mapstructure:"retention_days" toml:"retention_days"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "modelrelay"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (MODELRELAY_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.modelrelay/modelrelay.toml
//  4. ./modelrelay.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: MODELRELAY_SERVER_ADMIN_PORT etc.
	v.SetEnvPrefix("MODELRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".modelrelay"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("modelrelay")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Expand ~ in data_dir.
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to
// ~/.modelrelay/modelrelay.toml. If the file already exists it is not
// overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".modelrelay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config as TOML to the given path.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file and makes it the current config.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	// Persist to the active config file so changes survive restart.
	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var
// binding works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.admin_port", d.Server.AdminPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)

	// Routing
	v.SetDefault("routing.preferred_provider", d.Routing.PreferredProvider)
	v.SetDefault("routing.emergency_no_tools", d.Routing.EmergencyNoTools)

	// Resilience
	v.SetDefault("resilience.retry_max_attempts", d.Resilience.RetryMaxAttempts)
	v.SetDefault("resilience.retry_base_delay_ms", d.Resilience.RetryBaseDelayMs)
	v.SetDefault("resilience.breaker_threshold", d.Resilience.BreakerThreshold)
	v.SetDefault("resilience.breaker_reset_seconds", d.Resilience.BreakerResetSec)
	v.SetDefault("resilience.cooldown_base_seconds", d.Resilience.CooldownBaseSec)
	v.SetDefault("resilience.cooldown_cap_seconds", d.Resilience.CooldownCapSec)
	v.SetDefault("resilience.billing_hold_minutes", d.Resilience.BillingHoldMinutes)

	// Tools
	v.SetDefault("tools.max_rounds", d.Tools.MaxRounds)
	v.SetDefault("tools.exec_timeout_seconds", d.Tools.ExecTimeoutSec)

	// Health
	v.SetDefault("health.enabled", d.Health.Enabled)
	v.SetDefault("health.interval_seconds", d.Health.IntervalSec)
	v.SetDefault("health.probe_timeout_seconds", d.Health.ProbeTimeoutSec)
	v.SetDefault("health.recover_auth_keys", d.Health.RecoverAuthKeys)

	// Cache
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.ttl_seconds", d.Cache.TTLSeconds)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)

	// Metrics
	v.SetDefault("metrics.retention_days", d.Metrics.RetentionDays)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// expandHome expands a leading ~ in the given path to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return homeDir
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~/"))
}
