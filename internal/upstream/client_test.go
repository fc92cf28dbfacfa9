package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/testutil"
)

func testEndpoint(f *testutil.FakeUpstream) Endpoint {
	return Endpoint{BaseURL: f.BaseURL(), APIKey: "sk-test", Timeout: 5 * time.Second}
}

func TestComplete_Success(t *testing.T) {
	f := testutil.NewFakeUpstream(t)
	f.EnqueueText("fake-model", "the answer")

	c := NewClient()
	res, err := c.Complete(context.Background(), testEndpoint(f), Request{
		Model:    "fake-model",
		Messages: testutil.SampleMessages(1),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content != "the answer" {
		t.Errorf("content: got %q", res.Content)
	}
	if res.Model != "fake-model" {
		t.Errorf("model: got %q", res.Model)
	}
	if res.Usage.TotalTokens != 37 {
		t.Errorf("usage: got %d, want 37", res.Usage.TotalTokens)
	}
	if res.HasToolCalls() {
		t.Error("plain completion should carry no tool calls")
	}
}

func TestComplete_PassesRequestFields(t *testing.T) {
	f := testutil.NewFakeUpstream(t)

	c := NewClient()
	_, err := c.Complete(context.Background(), testEndpoint(f), Request{
		Model:       "fake-model",
		Messages:    testutil.SampleMessages(1),
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	reqs := f.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests: got %d", len(reqs))
	}
	if reqs[0].Model != "fake-model" {
		t.Errorf("model: got %q", reqs[0].Model)
	}
	if reqs[0].Temperature != 0.7 {
		t.Errorf("temperature: got %v", reqs[0].Temperature)
	}
	if reqs[0].MaxTokens != 256 {
		t.Errorf("max tokens: got %d", reqs[0].MaxTokens)
	}
}

func TestComplete_ToolCallWithEmptyArguments(t *testing.T) {
	f := testutil.NewFakeUpstream(t)
	f.EnqueueToolCall("fake-model", "list_files", "")

	c := NewClient()
	res, err := c.Complete(context.Background(), testEndpoint(f), Request{
		Model:    "fake-model",
		Messages: testutil.SampleMessages(1),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !res.HasToolCalls() {
		t.Fatal("expected a tool call")
	}
	if got := res.ToolCalls[0].Function.Arguments; got != "{}" {
		t.Errorf("empty arguments should normalize to {}: got %q", got)
	}
}

func TestComplete_MalformedResponseIsProtocolError(t *testing.T) {
	f := testutil.NewFakeUpstream(t)
	f.EnqueueMalformed()

	c := NewClient()
	_, err := c.Complete(context.Background(), testEndpoint(f), Request{
		Model:    "fake-model",
		Messages: testutil.SampleMessages(1),
	})
	if err == nil {
		t.Fatal("expected error for malformed response")
	}
	if KindOf(err) != KindProtocol {
		t.Errorf("kind: got %v, want protocol", KindOf(err))
	}
	if IsRetryable(err) {
		t.Error("protocol errors must not be retryable")
	}
}

func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		status   int
		wantKind Kind
	}{
		{429, KindRateLimited},
		{402, KindBillingExhausted},
		{401, KindAuthFailure},
		{403, KindAuthFailure},
		{503, KindTransport},
		{500, KindTransport},
	}

	for _, tt := range tests {
		f := testutil.NewFakeUpstream(t)
		f.EnqueueError(tt.status, "scripted failure")

		c := NewClient()
		_, err := c.Complete(context.Background(), testEndpoint(f), Request{
			Model:    "fake-model",
			Messages: testutil.SampleMessages(1),
		})
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := KindOf(err); got != tt.wantKind {
			t.Errorf("status %d: kind %v, want %v", tt.status, got, tt.wantKind)
		}
		var ue *Error
		if !errors.As(err, &ue) {
			t.Fatalf("status %d: error is not typed: %v", tt.status, err)
		}
		if ue.Status != tt.status {
			t.Errorf("status %d: recorded status %d", tt.status, ue.Status)
		}
	}
}

func TestComplete_ConnectionFailure(t *testing.T) {
	c := NewClient()
	ep := Endpoint{BaseURL: "http://127.0.0.1:1/v1", APIKey: "sk-test", Timeout: 2 * time.Second}

	_, err := c.Complete(context.Background(), ep, Request{
		Model:    "fake-model",
		Messages: testutil.SampleMessages(1),
	})
	if err == nil {
		t.Fatal("expected connection failure")
	}
	if KindOf(err) != KindTransport {
		t.Errorf("kind: got %v, want transport", KindOf(err))
	}
}

func TestProbe(t *testing.T) {
	f := testutil.NewFakeUpstream(t)
	c := NewClient()

	if err := c.Probe(context.Background(), testEndpoint(f)); err != nil {
		t.Fatalf("Probe healthy endpoint: %v", err)
	}

	f.SetProbeFail(true)
	if err := c.Probe(context.Background(), testEndpoint(f)); err == nil {
		t.Fatal("expected probe failure")
	}
}
