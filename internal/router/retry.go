package router

import (
	"context"
	"fmt"
	"time"

	"github.com/modelrelay/modelrelay/internal/tracing"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// callModel attempts one provider+model with key rotation. Each candidate
// key gets up to retryMax attempts for retryable transport faults (with
// exponential backoff); every other failure kind transitions the key's state
// and rotates immediately. When all keys are exhausted the provider fails as
// a whole and the caller moves to the next provider.
func (r *Router) callModel(ctx context.Context, p *Provider, req upstream.Request, s settings) (*upstream.Result, error) {
	keys := p.CandidateKeys()
	if len(keys) == 0 {
		// Availability is time-based and may have just flipped (e.g. a
		// breaker-reset boundary); spend one pass on the full list before
		// giving up on the provider.
		keys = p.AllKeys()
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("router: provider %s has no keys", p.ID)
	}

	var lastErr error

keyLoop:
	for ki, key := range keys {
		for attempt := 0; attempt < s.retryMax; attempt++ {
			if attempt > 0 {
				// 1s, 2s, 4s... same-key backoff for transient faults.
				if err := sleepWithContext(ctx, s.retryBase<<(attempt-1)); err != nil {
					return nil, err
				}
			}

			ep := upstream.Endpoint{BaseURL: p.BaseURL, APIKey: key.Secret(), Timeout: p.Timeout}
			cctx, span := tracing.StartUpstreamSpan(ctx, p.ID, req.Model)
			res, err := r.client.Complete(cctx, ep, req)
			if err != nil {
				tracing.RecordError(cctx, err)
			}
			span.End()
			if err == nil {
				if res.Usage.TotalTokens == 0 {
					res.Usage = r.tok.EstimateUsage(req.Model, req.Messages, res.Content)
				}
				key.OnSuccess(res.Usage.TotalTokens)
				return res, nil
			}
			if ctx.Err() != nil {
				// Caller cancelled or deadline passed; rotating further would
				// only burn keys on a dead request.
				return nil, ctx.Err()
			}

			lastErr = err
			kind := upstream.KindOf(err)
			r.logger.Warn().
				Str("provider", p.ID).
				Str("model", req.Model).
				Int("key_index", ki).
				Int("attempt", attempt+1).
				Str("kind", kind.String()).
				Err(err).
				Msg("upstream call failed")
			if r.collector != nil {
				r.collector.RecordProviderError(p.ID, kind.String())
			}

			switch kind {
			case upstream.KindRateLimited:
				// Rate limits don't clear within seconds; no same-key retry.
				key.OnRateLimited()
				continue keyLoop
			case upstream.KindBillingExhausted:
				key.OnBillingExhausted()
				continue keyLoop
			case upstream.KindAuthFailure:
				key.OnAuthFailure()
				continue keyLoop
			case upstream.KindProtocol:
				// A malformed 2xx is not transient; the same key would just
				// produce the same garbage.
				key.OnTransientFailure()
				continue keyLoop
			default: // transport
				key.OnTransientFailure()
				if !upstream.IsRetryable(err) {
					continue keyLoop
				}
				// retryable: loop for another attempt on the same key
			}
		}
	}

	return nil, fmt.Errorf("router: provider %s exhausted: %w", p.ID, lastErr)
}

// sleepWithContext sleeps for d, returning early with ctx.Err() if the
// context is cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
