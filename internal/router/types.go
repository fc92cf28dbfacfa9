// Package router selects an upstream provider, model, and credential for
// each request, survives rate limits and outages by rotating keys and
// falling back across providers, and drives bounded tool-calling loops.
package router

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// Tier labels which fallback level satisfied a request.
type Tier string

const (
	// TierPrimary: first provider and model tried.
	TierPrimary Tier = "primary"
	// TierFallback: a later provider or model in the chain.
	TierFallback Tier = "fallback"
	// TierLocal: the offline/local provider.
	TierLocal Tier = "local"
	// TierEmergency: a cloud provider reached with tools stripped after
	// everything else failed. Answering without live data beats no answer.
	TierEmergency Tier = "emergency-no-tools"
)

// Usage aggregates token consumption across all calls made for one request,
// including every tool round.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ExecutionResult is the only object the router returns across its boundary.
type ExecutionResult struct {
	Content    string            `json:"content"`
	ToolCalls  []openai.ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage             `json:"usage"`
	Model      string            `json:"model"`
	Tier       Tier              `json:"tier"`
	ProviderID string            `json:"provider_id"`
	Rounds     int               `json:"rounds"`
}

// ToolExecutor runs one tool call on behalf of the model. The router treats
// it as opaque: it only bounds its execution time and converts failures into
// explicit error text fed back to the model.
type ToolExecutor func(ctx context.Context, name, arguments string) (string, error)

// Options carries the per-request knobs for Execute.
type Options struct {
	// Tools are JSON-schema tool definitions passed through verbatim to the
	// upstream model.
	Tools []openai.Tool
	// Executor runs tool calls locally. When nil, tool calls requested by
	// the model are returned to the caller instead of being executed.
	Executor ToolExecutor
	// PreferredProvider is tried first when set, overriding the configured
	// preference.
	PreferredProvider string
	Temperature       float32
	MaxTokens         int
}

// wantsTools reports whether tool schemas were supplied, which restricts
// provider and model selection to tool-capable ones.
func (o Options) wantsTools() bool { return len(o.Tools) > 0 }
