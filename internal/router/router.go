package router

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/tokenizer"
	"github.com/modelrelay/modelrelay/internal/tracing"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// ErrExhausted is returned when every provider, key, and fallback level has
// failed. The business layer owns the user-facing apology; the router never
// fabricates content on total failure.
var ErrExhausted = errors.New("router: all providers exhausted")

// Router walks providers × models × keys until one call succeeds, falling
// back to the local provider and finally to a tools-less emergency call.
// One Router instance serves all concurrent requests against the shared
// provider pool.
type Router struct {
	registry  *Registry
	client    *upstream.Client
	tok       *tokenizer.Tokenizer
	collector *metrics.Collector
	logger    zerolog.Logger
}

// New creates a Router over the given provider pool. collector may be nil.
func New(registry *Registry, client *upstream.Client, tok *tokenizer.Tokenizer, collector *metrics.Collector, logger zerolog.Logger) *Router {
	return &Router{
		registry:  registry,
		client:    client,
		tok:       tok,
		collector: collector,
		logger:    logger,
	}
}

// Registry exposes the provider pool for status views and operator resets.
func (r *Router) Registry() *Registry { return r.registry }

// settings is the per-request snapshot of tunables. Taken once at the start
// of Execute so behaviour is deterministic for the duration of one call even
// if the config hot-reloads mid-request.
type settings struct {
	retryMax    int
	retryBase   time.Duration
	toolRounds  int
	toolTimeout time.Duration
	emergency   bool
	preferred   string
	temperature float32
	maxTokens   int
}

func snapshotSettings(opts Options) settings {
	cfg := config.Get()
	s := settings{
		retryMax:    cfg.Resilience.RetryMaxAttempts,
		retryBase:   time.Duration(cfg.Resilience.RetryBaseDelayMs) * time.Millisecond,
		toolRounds:  cfg.Tools.MaxRounds,
		toolTimeout: time.Duration(cfg.Tools.ExecTimeoutSec) * time.Second,
		emergency:   cfg.Routing.EmergencyNoTools,
		preferred:   cfg.Routing.PreferredProvider,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}
	if opts.PreferredProvider != "" {
		s.preferred = opts.PreferredProvider
	}
	if s.retryMax < 1 {
		s.retryMax = 1
	}
	return s
}

// Execute routes one conversation to the first provider/model/key that can
// answer it. With tools and an executor it drives the full tool loop;
// otherwise a single (retry-wrapped) completion per provider/model.
//
// The result tier records which fallback level satisfied the request. Only
// total exhaustion returns ErrExhausted; every classified upstream failure
// is converted into a key-state transition and a rotation decision inside.
func (r *Router) Execute(ctx context.Context, messages []openai.ChatCompletionMessage, opts Options) (*ExecutionResult, error) {
	ctx, span := tracing.StartRouteSpan(ctx)
	defer span.End()

	s := snapshotSettings(opts)
	needTools := opts.wantsTools()

	if r.collector != nil {
		r.collector.IncrementActive()
		defer r.collector.DecrementActive()
	}

	order := r.registry.Order(s.preferred, needTools)

	attempt := 0
	for _, p := range order {
		for _, m := range p.ModelChain(needTools) {
			res, provID, rounds, err := r.attempt(ctx, p, m.ID, messages, opts, s)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				attempt++
				continue
			}
			if res.Content == "" && !(res.HasToolCalls() && opts.Executor == nil) {
				// An empty answer is no answer; keep walking the chain.
				attempt++
				continue
			}

			tier := TierFallback
			if attempt == 0 && provID == p.ID {
				tier = TierPrimary
			}
			return r.finish(ctx, res, provID, tier, rounds), nil
		}
	}

	// Every cloud provider is exhausted: the always-present local provider,
	// without tools.
	if local := r.registry.Local(); local != nil {
		for _, m := range local.Models {
			res, err := r.callModel(ctx, local, r.request(m.ID, messages, nil, s), s)
			if err != nil || res.Content == "" {
				continue
			}
			return r.finish(ctx, res, local.ID, TierLocal, 0), nil
		}
	}

	// Tools were required and even the local provider failed: one last pass
	// over the cloud providers with tools stripped.
	if needTools && s.emergency {
		for _, p := range r.registry.Order(s.preferred, false) {
			for _, m := range p.Models {
				res, err := r.callModel(ctx, p, r.request(m.ID, messages, nil, s), s)
				if err != nil || res.Content == "" {
					continue
				}
				return r.finish(ctx, res, p.ID, TierEmergency, 0), nil
			}
		}
	}

	if r.collector != nil {
		r.collector.RecordExhausted()
	}
	tracing.RecordError(ctx, ErrExhausted)
	return nil, ErrExhausted
}

// attempt runs one provider+model: the tool loop when an executor is
// supplied, a single rotated call otherwise. Returns the provider that
// actually produced the result, which the tool loop's degradation ladder may
// have switched away from the one handed in.
func (r *Router) attempt(ctx context.Context, p *Provider, model string, messages []openai.ChatCompletionMessage, opts Options, s settings) (*upstream.Result, string, int, error) {
	if opts.wantsTools() && opts.Executor != nil {
		return r.runToolLoop(ctx, p, model, messages, opts, s)
	}
	res, err := r.callModel(ctx, p, r.request(model, messages, opts.Tools, s), s)
	return res, p.ID, 0, err
}

// request assembles an upstream.Request for one call.
func (r *Router) request(model string, messages []openai.ChatCompletionMessage, tools []openai.Tool, s settings) upstream.Request {
	return upstream.Request{
		Model:       model,
		Messages:    messages,
		Tools:       tools,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}
}

// finish converts an upstream result into the boundary ExecutionResult and
// records metrics and trace attributes.
func (r *Router) finish(ctx context.Context, res *upstream.Result, providerID string, tier Tier, rounds int) *ExecutionResult {
	out := &ExecutionResult{
		Content:    res.Content,
		ToolCalls:  res.ToolCalls,
		Model:      res.Model,
		Tier:       tier,
		ProviderID: providerID,
		Rounds:     rounds,
		Usage: Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	}
	if r.collector != nil {
		r.collector.RecordResult(providerID, string(tier), out.Usage.PromptTokens, out.Usage.CompletionTokens)
	}
	tracing.SetRouteAttributes(ctx, providerID, out.Model, string(tier), rounds,
		out.Usage.PromptTokens, out.Usage.CompletionTokens)
	r.logger.Debug().
		Str("provider", providerID).
		Str("model", out.Model).
		Str("tier", string(tier)).
		Int("rounds", rounds).
		Int("tokens", out.Usage.TotalTokens).
		Msg("request routed")
	return out
}
