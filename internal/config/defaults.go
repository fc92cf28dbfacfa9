package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultAdminPort is the default port for the admin API server.
const DefaultAdminPort = 7811

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.modelrelay"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "modelrelay.toml"

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Set high (5 minutes) to accommodate slow multi-round tool conversations.
const DefaultWriteTimeout = 300

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultCompletionTimeout is the default upstream completion timeout in seconds.
const DefaultCompletionTimeout = 60

// DefaultRetryMaxAttempts is the default number of attempts per key for
// transient failures.
const DefaultRetryMaxAttempts = 3

// DefaultRetryBaseDelayMs is the default base delay for the per-key
// exponential backoff in milliseconds (1s, 2s, 4s).
const DefaultRetryBaseDelayMs = 1000

// DefaultBreakerThreshold is the default number of consecutive transient
// failures before a key's circuit opens.
const DefaultBreakerThreshold = 5

// DefaultBreakerResetSeconds is the default circuit breaker reset window.
const DefaultBreakerResetSeconds = 60

// DefaultCooldownBaseSeconds is the default base rate-limit cooldown.
const DefaultCooldownBaseSeconds = 30

// DefaultCooldownCapSeconds is the upper bound on the escalating rate-limit
// cooldown (5 minutes).
const DefaultCooldownCapSeconds = 300

// DefaultBillingHoldMinutes is how long a key stays disabled after a 402.
const DefaultBillingHoldMinutes = 60

// DefaultToolMaxRounds is the default number of tool-calling rounds before
// the loop forces a text-only answer.
const DefaultToolMaxRounds = 5

// DefaultToolExecTimeoutSeconds is the default per-tool-call timeout.
// Tool executors may themselves query a database, hence the generous budget.
const DefaultToolExecTimeoutSeconds = 30

// DefaultHealthIntervalSeconds is the default health-check interval (5 minutes).
const DefaultHealthIntervalSeconds = 300

// DefaultHealthProbeTimeoutSeconds is the default health probe timeout.
const DefaultHealthProbeTimeoutSeconds = 5

// DefaultCacheTTL is the default completion cache TTL in seconds.
const DefaultCacheTTL = 300

// DefaultCacheMaxEntries is the default completion cache capacity.
const DefaultCacheMaxEntries = 1000

// DefaultRetentionDays is the default route-ledger retention in days.
const DefaultRetentionDays = 30

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "modelrelay"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// DefaultConfig returns a Config populated with every default value and an
// empty provider table.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			AdminPort:    DefaultAdminPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
		},
		Providers: map[string]ProviderConfig{},
		Routing: RoutingConfig{
			PreferredProvider: "",
			EmergencyNoTools:  true,
		},
		Resilience: ResilienceConfig{
			RetryMaxAttempts:   DefaultRetryMaxAttempts,
			RetryBaseDelayMs:   DefaultRetryBaseDelayMs,
			BreakerThreshold:   DefaultBreakerThreshold,
			BreakerResetSec:    DefaultBreakerResetSeconds,
			CooldownBaseSec:    DefaultCooldownBaseSeconds,
			CooldownCapSec:     DefaultCooldownCapSeconds,
			BillingHoldMinutes: DefaultBillingHoldMinutes,
		},
		Tools: ToolsConfig{
			MaxRounds:      DefaultToolMaxRounds,
			ExecTimeoutSec: DefaultToolExecTimeoutSeconds,
		},
		Health: HealthConfig{
			Enabled:         true,
			IntervalSec:     DefaultHealthIntervalSeconds,
			ProbeTimeoutSec: DefaultHealthProbeTimeoutSeconds,
			RecoverAuthKeys: false,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: DefaultCacheTTL,
			MaxEntries: DefaultCacheMaxEntries,
		},
		Metrics: MetricsConfig{
			RetentionDays: DefaultRetentionDays,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
	}
}
