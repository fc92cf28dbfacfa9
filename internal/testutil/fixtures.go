package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

// FakeUpstream is an httptest server that speaks the OpenAI chat completions
// wire format. Responses are scripted: enqueued responses are consumed in
// order, after which the fallback response repeats.
type FakeUpstream struct {
	srv *httptest.Server

	mu        sync.Mutex
	queue     []scripted
	fallback  scripted
	requests  []openai.ChatCompletionRequest
	probeFail bool
}

type scripted struct {
	status int
	body   []byte
}

// NewFakeUpstream starts a fake provider endpoint. It is closed when the
// test completes. The default response is a plain "ok" completion.
func NewFakeUpstream(t *testing.T) *FakeUpstream {
	t.Helper()
	f := &FakeUpstream{
		fallback: scripted{status: http.StatusOK, body: chatBody("fake-model", "ok", nil)},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", f.handleChat)
	mux.HandleFunc("/v1/models", f.handleModels)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// BaseURL returns the endpoint base including the /v1 prefix.
func (f *FakeUpstream) BaseURL() string { return f.srv.URL + "/v1" }

// EnqueueText scripts one successful text completion.
func (f *FakeUpstream) EnqueueText(model, content string) {
	f.enqueue(http.StatusOK, chatBody(model, content, nil))
}

// EnqueueToolCall scripts one completion that requests a tool invocation.
func (f *FakeUpstream) EnqueueToolCall(model, toolName, arguments string) {
	calls := []openai.ToolCall{{
		ID:   "call_fake_1",
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      toolName,
			Arguments: arguments,
		},
	}}
	f.enqueue(http.StatusOK, chatBody(model, "", calls))
}

// EnqueueError scripts one OpenAI-style error response.
func (f *FakeUpstream) EnqueueError(status int, message string) {
	body, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "test_error",
		},
	})
	f.enqueue(status, body)
}

// EnqueueMalformed scripts one 200 response that is not a valid completion.
func (f *FakeUpstream) EnqueueMalformed() {
	f.enqueue(http.StatusOK, []byte(`{"choices":[]}`))
}

// RespondText sets the fallback response used once the queue is drained.
func (f *FakeUpstream) RespondText(model, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = scripted{status: http.StatusOK, body: chatBody(model, content, nil)}
}

// FailForever makes every remaining request fail with the given status.
func (f *FakeUpstream) FailForever(status int, message string) {
	body, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{"message": message, "type": "test_error"},
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
	f.fallback = scripted{status: status, body: body}
}

// SetProbeFail controls whether GET /v1/models fails.
func (f *FakeUpstream) SetProbeFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeFail = fail
}

// Requests returns every chat completion request received so far.
func (f *FakeUpstream) Requests() []openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]openai.ChatCompletionRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// CallCount returns the number of chat completion requests received.
func (f *FakeUpstream) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *FakeUpstream) enqueue(status int, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, scripted{status: status, body: body})
}

func (f *FakeUpstream) handleChat(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	resp := f.fallback
	if len(f.queue) > 0 {
		resp = f.queue[0]
		f.queue = f.queue[1:]
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	w.Write(resp.body)
}

func (f *FakeUpstream) handleModels(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	fail := f.probeFail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"down","type":"test_error"}}`))
		return
	}
	w.Write([]byte(`{"object":"list","data":[{"id":"fake-model","object":"model"}]}`))
}

// chatBody builds an OpenAI chat completion response body.
func chatBody(model, content string, toolCalls []openai.ToolCall) []byte {
	resp := openai.ChatCompletionResponse{
		ID:     "chatcmpl-test123",
		Object: "chat.completion",
		Model:  model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 25, CompletionTokens: 12, TotalTokens: 37},
	}
	data, _ := json.Marshal(resp)
	return data
}

// SampleMessages generates an n-turn conversation for testing.
func SampleMessages(n int) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, n*2)
	for i := 0; i < n; i++ {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("This is user message number %d with some content to work with.", i+1),
		})
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: fmt.Sprintf("This is assistant response number %d with some content.", i+1),
		})
	}
	return messages
}
