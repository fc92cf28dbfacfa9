package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/modelrelay/modelrelay/internal/tracing"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// apologyMessage is the absolute last resort when a tool conversation broke
// mid-flight and no provider can produce even a text-only answer.
const apologyMessage = "I'm sorry, I wasn't able to complete that request right now. Please try again in a moment."

// runToolLoop drives a multi-round tool-calling conversation against one
// provider+model. Termination is guaranteed: a tool-call-free response, a
// forced text answer after the round budget, or the canned apology. Once
// tool-call messages are in history, switching providers mid-loop corrupts
// the conversation (mismatched tool-call id conventions), so any mid-loop
// upstream failure degrades to text-only instead of propagating.
func (r *Router) runToolLoop(ctx context.Context, p *Provider, model string, messages []openai.ChatCompletionMessage, opts Options, s settings) (*upstream.Result, string, int, error) {
	history := make([]openai.ChatCompletionMessage, len(messages))
	copy(history, messages)

	var usage openai.Usage

	for round := 0; round < s.toolRounds; round++ {
		res, err := r.callModel(ctx, p, r.request(model, history, opts.Tools, s), s)
		if err != nil {
			if round == 0 {
				// Nothing tool-tagged in history yet; the provider simply
				// failed and the orchestrator is free to try the next one.
				return nil, p.ID, 0, err
			}
			if ctx.Err() != nil {
				return nil, p.ID, round, ctx.Err()
			}
			res, provID := r.degradeTextOnly(ctx, p, model, history, s)
			addUsage(&res.Usage, usage)
			return res, provID, round, nil
		}

		accumulate(&usage, res.Usage)

		if !res.HasToolCalls() {
			res.Usage = usage
			return res, p.ID, round, nil
		}

		calls := normalizeToolCalls(res.ToolCalls)
		history = append(history, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   res.Content,
			ToolCalls: calls,
		})

		for _, call := range calls {
			content := r.executeTool(ctx, opts.Executor, call.Function.Name, call.Function.Arguments, s.toolTimeout)
			history = append(history, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}

	// Round budget spent with the model still asking for tools: strip the
	// tool-tagged messages and force a text answer.
	r.logger.Warn().Str("provider", p.ID).Str("model", model).Int("rounds", s.toolRounds).
		Msg("tool round budget exhausted; forcing text answer")
	res, err := r.callModel(ctx, p, r.request(model, stripToolMessages(history), nil, s), s)
	if err != nil {
		if ctx.Err() != nil {
			return nil, p.ID, s.toolRounds, ctx.Err()
		}
		var provID string
		res, provID = r.degradeTextOnly(ctx, p, model, history, s)
		addUsage(&res.Usage, usage)
		return res, provID, s.toolRounds, nil
	}
	accumulate(&usage, res.Usage)
	res.Usage = usage
	return res, p.ID, s.toolRounds, nil
}

// degradeTextOnly is the graceful-degradation ladder for mid-loop failures:
// (a) text-only on the same provider, (b) text-only on any other cloud
// provider, (c) the canned apology. It never returns nil.
func (r *Router) degradeTextOnly(ctx context.Context, failed *Provider, model string, history []openai.ChatCompletionMessage, s settings) (*upstream.Result, string) {
	stripped := stripToolMessages(history)

	if res, err := r.callModel(ctx, failed, r.request(model, stripped, nil, s), s); err == nil && res.Content != "" {
		return res, failed.ID
	}

	for _, p := range r.registry.Order("", false) {
		if p.ID == failed.ID {
			continue
		}
		for _, m := range p.Models {
			if res, err := r.callModel(ctx, p, r.request(m.ID, stripped, nil, s), s); err == nil && res.Content != "" {
				return res, p.ID
			}
		}
	}

	r.logger.Error().Str("provider", failed.ID).Msg("text-only degradation exhausted; returning canned answer")
	return &upstream.Result{Content: apologyMessage, Model: model}, failed.ID
}

// executeTool invokes the external executor for one tool call, bounded by
// the per-call timeout. A timeout, error, or panic becomes explicit failure
// text: the model is told the tool failed and not to fabricate a result,
// and the round carries on with the other calls.
func (r *Router) executeTool(ctx context.Context, exec ToolExecutor, name, arguments string, timeout time.Duration) string {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tctx, span := tracing.StartToolSpan(tctx, name)
	defer span.End()

	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		result, err := exec(tctx, name, arguments)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case <-tctx.Done():
		r.logger.Warn().Str("tool", name).Err(tctx.Err()).Msg("tool call timed out")
		if r.collector != nil {
			r.collector.RecordToolCall(false)
		}
		return fmt.Sprintf("ERROR: tool %q did not finish in time. Tell the user the information is currently unavailable; do not invent a result.", name)
	case o := <-ch:
		if o.err != nil {
			r.logger.Warn().Str("tool", name).Err(o.err).Msg("tool call failed")
			if r.collector != nil {
				r.collector.RecordToolCall(false)
			}
			return fmt.Sprintf("ERROR: tool %q failed: %v. Tell the user the information is currently unavailable; do not invent a result.", name, o.err)
		}
		if r.collector != nil {
			r.collector.RecordToolCall(true)
		}
		return o.result
	}
}

// normalizeToolCalls guarantees every tool call carries an id so each
// call/result pair stays addressable. Some OpenAI-compatible upstreams omit
// ids, which corrupts the pairing as soon as a fallback switches providers.
func normalizeToolCalls(calls []openai.ToolCall) []openai.ToolCall {
	out := make([]openai.ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = "call_" + uuid.NewString()
		}
		if out[i].Type == "" {
			out[i].Type = openai.ToolTypeFunction
		}
	}
	return out
}

// stripToolMessages drops tool results and tool-calling assistant turns,
// leaving a plain conversation safe to replay without tool schemas.
func stripToolMessages(history []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		if m.Role == openai.ChatMessageRoleTool || len(m.ToolCalls) > 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// accumulate adds u into sum field-by-field.
func accumulate(sum *openai.Usage, u openai.Usage) {
	sum.PromptTokens += u.PromptTokens
	sum.CompletionTokens += u.CompletionTokens
	sum.TotalTokens += u.TotalTokens
}

// addUsage folds previously accumulated usage into a result's own.
func addUsage(dst *openai.Usage, acc openai.Usage) {
	dst.PromptTokens += acc.PromptTokens
	dst.CompletionTokens += acc.CompletionTokens
	dst.TotalTokens += acc.TotalTokens
}
