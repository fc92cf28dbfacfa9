package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). It does not require the
// Prometheus client library; metrics are formatted manually.
func PrometheusHandler(collector *Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		writeMetric(w, "modelrelay_requests_total",
			"Total number of routed requests.",
			"counter", stats.TotalRequests)

		writeMetric(w, "modelrelay_requests_exhausted_total",
			"Requests no provider or fallback level could satisfy.",
			"counter", stats.Exhausted)

		writeMetric(w, "modelrelay_tokens_in_total",
			"Total prompt tokens sent upstream.",
			"counter", stats.TokensIn)

		writeMetric(w, "modelrelay_tokens_out_total",
			"Total completion tokens received.",
			"counter", stats.TokensOut)

		writeMetric(w, "modelrelay_tool_calls_total",
			"Total tool invocations made by the tool loop.",
			"counter", stats.ToolCalls)

		writeMetric(w, "modelrelay_tool_failures_total",
			"Tool invocations that timed out or returned an error.",
			"counter", stats.ToolFailures)

		writeMetric(w, "modelrelay_key_recoveries_total",
			"Keys returned to service by the health checker.",
			"counter", stats.KeyRecoveries)

		writeMetric(w, "modelrelay_cache_hits_total",
			"Completions served from the cache.",
			"counter", stats.CacheHits)

		writeMetric(w, "modelrelay_cache_misses_total",
			"Completions that had to be routed upstream.",
			"counter", stats.CacheMisses)

		writeMetric(w, "modelrelay_active_requests",
			"Requests currently inside the router.",
			"gauge", stats.ActiveRequests)

		writeMetricFloat(w, "modelrelay_uptime_seconds",
			"Seconds since the service started.",
			"gauge", time.Since(collector.startTime).Seconds())

		// Labeled counters.
		writeLabeled(w, "modelrelay_requests_by_tier_total",
			"Routed requests by fallback tier.",
			"tier", stats.Tiers)

		writeLabeled(w, "modelrelay_provider_success_total",
			"Successful completions per provider.",
			"provider", stats.ProviderSuccess)

		writeLabeled(w, "modelrelay_provider_recoveries_total",
			"Keys returned to service by the health checker, per provider.",
			"provider", stats.ProviderRecoveries)

		fmt.Fprintf(w, "# HELP modelrelay_provider_errors_total Classified upstream failures per provider and kind.\n")
		fmt.Fprintf(w, "# TYPE modelrelay_provider_errors_total counter\n")
		for _, provider := range sortedKeys(stats.ProviderErrors) {
			kinds := stats.ProviderErrors[provider]
			for _, kind := range sortedKeys(kinds) {
				fmt.Fprintf(w, "modelrelay_provider_errors_total{provider=%q,kind=%q} %d\n",
					provider, kind, kinds[kind])
			}
		}
	}
}

// writeMetric writes a single integer metric in Prometheus text format.
func writeMetric(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeMetricFloat writes a single float64 metric in Prometheus text format.
func writeMetricFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// writeLabeled writes a counter with one label dimension, values sorted by
// label for stable output.
func writeLabeled(w http.ResponseWriter, name, help, label string, values map[string]int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
