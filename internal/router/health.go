package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// HealthChecker periodically probes unavailable keys with a lightweight
// models-list call and fully resets the ones that answer. It runs as a
// single background task independent of request traffic, touching KeyState
// only through the same locked operations the request paths use.
type HealthChecker struct {
	registry     *Registry
	client       *upstream.Client
	interval     time.Duration
	probeTimeout time.Duration
	// recoverAuth extends recovery to keys disabled by a 401/403. Off by
	// default: an auth failure is terminal until an operator steps in, and a
	// probe that happens to succeed should not silently override that.
	recoverAuth bool
	collector   *metrics.Collector
	logger      zerolog.Logger
}

// NewHealthChecker creates a checker over the given provider pool.
func NewHealthChecker(registry *Registry, client *upstream.Client, interval, probeTimeout time.Duration, recoverAuth bool, collector *metrics.Collector, logger zerolog.Logger) *HealthChecker {
	return &HealthChecker{
		registry:     registry,
		client:       client,
		interval:     interval,
		probeTimeout: probeTimeout,
		recoverAuth:  recoverAuth,
		collector:    collector,
		logger:       logger,
	}
}

// Start runs the check loop until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Bool("recover_auth_keys", h.recoverAuth).
		Msg("health checker started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("health checker stopped")
			return
		case <-ticker.C:
			h.RunOnce(ctx)
		}
	}
}

// RunOnce probes every currently-unavailable key once. Exported so the admin
// API can trigger an immediate sweep.
func (h *HealthChecker) RunOnce(ctx context.Context) {
	for _, p := range h.registry.Providers() {
		for i, key := range p.Keys() {
			if key.Available() {
				continue
			}
			if key.AuthDisabled() && !h.recoverAuth {
				continue
			}

			ep := upstream.Endpoint{BaseURL: p.BaseURL, APIKey: key.Secret(), Timeout: h.probeTimeout}
			if err := h.client.Probe(ctx, ep); err != nil {
				h.logger.Debug().Str("provider", p.ID).Int("key_index", i).Err(err).
					Msg("health probe failed; key stays unavailable")
				continue
			}

			key.Reset()
			if h.collector != nil {
				h.collector.RecordRecovery(p.ID)
			}
			h.logger.Info().Str("provider", p.ID).Int("key_index", i).
				Msg("key recovered by health check")
		}
		if ctx.Err() != nil {
			return
		}
	}
}
