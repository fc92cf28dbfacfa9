// Package upstream performs single request/response cycles against
// OpenAI-compatible chat completion endpoints and classifies failures into a
// typed taxonomy. It never mutates caller state: one call in, one normalized
// result (or typed error) out.
package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultTimeout bounds a completion call when the endpoint does not
// specify its own.
const DefaultTimeout = 60 * time.Second

// Endpoint identifies one upstream target: a base URL (including the version
// prefix, e.g. "https://api.groq.com/openai/v1") plus one credential.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Request carries everything needed for one completion call.
type Request struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	Tools       []openai.Tool
	Temperature float32
	MaxTokens   int
}

// Result is the normalized first choice of a successful completion.
type Result struct {
	Content   string
	ToolCalls []openai.ToolCall
	Usage     openai.Usage
	Model     string
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Result) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Client issues completion and probe calls. All endpoints share one
// http.Transport for connection pooling; per-endpoint clients differ only in
// credentials and timeout.
type Client struct {
	transport *http.Transport
}

// NewClient creates a Client with sensible connection-pooling defaults.
func NewClient() *Client {
	return &Client{
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// api builds a go-openai client bound to the endpoint's base URL and key.
func (c *Client) api(ep Endpoint, timeout time.Duration) *openai.Client {
	cfg := openai.DefaultConfig(ep.APIKey)
	cfg.BaseURL = ep.BaseURL
	cfg.HTTPClient = &http.Client{
		Transport: c.transport,
		Timeout:   timeout,
	}
	return openai.NewClientWithConfig(cfg)
}

// Complete performs one chat completion call against the endpoint and
// normalizes the first choice. Failures come back as a typed *Error; a 2xx
// response with no usable choice is a protocol error, not a panic or a
// zero-value success.
func (c *Client) Complete(ctx context.Context, ep Endpoint, req Request) (*Result, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ccr := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}
	if req.Temperature > 0 {
		ccr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		ccr.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		ccr.Tools = req.Tools
		ccr.ToolChoice = "auto"
	}

	resp, err := c.api(ep, timeout).CreateChatCompletion(ctx, ccr)
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, protocolError("response contains no choices")
	}
	msg := resp.Choices[0].Message
	if msg.Role == "" && msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, protocolError("choice contains no message")
	}

	result := &Result{
		Content: msg.Content,
		Usage:   resp.Usage,
		Model:   resp.Model,
	}
	if result.Model == "" {
		result.Model = req.Model
	}

	for _, tc := range msg.ToolCalls {
		// Some providers omit arguments entirely for zero-arg tools.
		if tc.Function.Arguments == "" {
			tc.Function.Arguments = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, tc)
	}

	return result, nil
}

// Probe issues a lightweight models-list call to check whether the endpoint
// accepts the credential. Used by the health checker.
func (c *Client) Probe(ctx context.Context, ep Endpoint) error {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := c.api(ep, timeout).ListModels(ctx); err != nil {
		return classify(err)
	}
	return nil
}
