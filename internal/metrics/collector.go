// Package metrics tracks live routing counters: requests by tier, tokens,
// per-provider outcomes, tool-call results, and health recoveries.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks live metrics. Scalar counters use atomics for lock-free
// concurrent updates; the labeled per-tier/per-provider maps take a short
// mutex. One Collector is shared by the router, the health checker, and the
// admin surface.
type Collector struct {
	totalRequests int64
	exhausted     int64
	tokensIn      int64
	tokensOut     int64

	toolCalls    int64
	toolFailures int64

	keyRecoveries int64

	cacheHits   int64
	cacheMisses int64

	activeRequests int64

	mu                 sync.Mutex
	tiers              map[string]int64
	providerSuccess    map[string]int64
	providerErrors     map[string]map[string]int64 // provider -> error kind -> count
	providerRecoveries map[string]int64

	startTime time.Time
}

// Stats is a point-in-time snapshot of the collector's counters, suitable
// for JSON serialisation on the admin API.
type Stats struct {
	Uptime          string                      `json:"uptime"`
	TotalRequests   int64                       `json:"total_requests"`
	Exhausted       int64                       `json:"exhausted"`
	TokensIn        int64                       `json:"tokens_in"`
	TokensOut       int64                       `json:"tokens_out"`
	ToolCalls       int64                       `json:"tool_calls"`
	ToolFailures    int64                       `json:"tool_failures"`
	KeyRecoveries   int64                       `json:"key_recoveries"`
	CacheHits       int64                       `json:"cache_hits"`
	CacheMisses     int64                       `json:"cache_misses"`
	ActiveRequests     int64                       `json:"active_requests"`
	Tiers              map[string]int64            `json:"tiers"`
	ProviderSuccess    map[string]int64            `json:"provider_success"`
	ProviderErrors     map[string]map[string]int64 `json:"provider_errors"`
	ProviderRecoveries map[string]int64            `json:"provider_recoveries"`
}

// NewCollector creates a Collector with all counters at zero and the start
// time set to now.
func NewCollector() *Collector {
	return &Collector{
		tiers:              make(map[string]int64),
		providerSuccess:    make(map[string]int64),
		providerErrors:     make(map[string]map[string]int64),
		providerRecoveries: make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordResult records one successfully routed request.
func (c *Collector) RecordResult(provider, tier string, tokensIn, tokensOut int) {
	atomic.AddInt64(&c.totalRequests, 1)
	atomic.AddInt64(&c.tokensIn, int64(tokensIn))
	atomic.AddInt64(&c.tokensOut, int64(tokensOut))

	c.mu.Lock()
	c.tiers[tier]++
	c.providerSuccess[provider]++
	c.mu.Unlock()
}

// RecordProviderError counts one classified upstream failure.
func (c *Collector) RecordProviderError(provider, kind string) {
	c.mu.Lock()
	m, ok := c.providerErrors[provider]
	if !ok {
		m = make(map[string]int64)
		c.providerErrors[provider] = m
	}
	m[kind]++
	c.mu.Unlock()
}

// RecordExhausted counts a request no fallback level could satisfy.
func (c *Collector) RecordExhausted() {
	atomic.AddInt64(&c.totalRequests, 1)
	atomic.AddInt64(&c.exhausted, 1)
}

// RecordToolCall counts one tool invocation and whether it produced a result.
func (c *Collector) RecordToolCall(ok bool) {
	atomic.AddInt64(&c.toolCalls, 1)
	if !ok {
		atomic.AddInt64(&c.toolFailures, 1)
	}
}

// RecordRecovery counts a key brought back by the health checker, both in
// total and per provider.
func (c *Collector) RecordRecovery(provider string) {
	atomic.AddInt64(&c.keyRecoveries, 1)

	c.mu.Lock()
	c.providerRecoveries[provider]++
	c.mu.Unlock()
}

// RecordCacheHit counts a completion served from the cache.
func (c *Collector) RecordCacheHit() { atomic.AddInt64(&c.cacheHits, 1) }

// RecordCacheMiss counts a completion that had to be routed.
func (c *Collector) RecordCacheMiss() { atomic.AddInt64(&c.cacheMisses, 1) }

// IncrementActive marks a request entering the router.
func (c *Collector) IncrementActive() { atomic.AddInt64(&c.activeRequests, 1) }

// DecrementActive marks a request leaving the router.
func (c *Collector) DecrementActive() { atomic.AddInt64(&c.activeRequests, -1) }

// Stats returns a point-in-time snapshot of all metrics.
func (c *Collector) Stats() *Stats {
	s := &Stats{
		Uptime:         formatDuration(time.Since(c.startTime)),
		TotalRequests:  atomic.LoadInt64(&c.totalRequests),
		Exhausted:      atomic.LoadInt64(&c.exhausted),
		TokensIn:       atomic.LoadInt64(&c.tokensIn),
		TokensOut:      atomic.LoadInt64(&c.tokensOut),
		ToolCalls:      atomic.LoadInt64(&c.toolCalls),
		ToolFailures:   atomic.LoadInt64(&c.toolFailures),
		KeyRecoveries:  atomic.LoadInt64(&c.keyRecoveries),
		CacheHits:      atomic.LoadInt64(&c.cacheHits),
		CacheMisses:    atomic.LoadInt64(&c.cacheMisses),
		ActiveRequests: atomic.LoadInt64(&c.activeRequests),
	}

	c.mu.Lock()
	s.Tiers = copyCounts(c.tiers)
	s.ProviderSuccess = copyCounts(c.providerSuccess)
	s.ProviderErrors = make(map[string]map[string]int64, len(c.providerErrors))
	for p, m := range c.providerErrors {
		s.ProviderErrors[p] = copyCounts(m)
	}
	s.ProviderRecoveries = copyCounts(c.providerRecoveries)
	c.mu.Unlock()

	return s
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// formatDuration produces a human-readable duration string like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
