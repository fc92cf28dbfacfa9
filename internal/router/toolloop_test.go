package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/modelrelay/modelrelay/internal/testutil"
)

func TestToolLoop_SingleRound(t *testing.T) {
	f := testutil.NewFakeUpstream(t)
	f.EnqueueToolCall("fake-model", "get_weather", `{"city":"Paris"}`)
	f.EnqueueText("fake-model", "It is sunny in Paris.")

	r, _ := newTestRouter(registryOf(cloudProvider("groq", f, 1, true)))

	var gotName, gotArgs string
	exec := func(ctx context.Context, name, args string) (string, error) {
		gotName, gotArgs = name, args
		return "sunny, 25C", nil
	}

	res, err := r.Execute(context.Background(), testutil.SampleMessages(1), Options{
		Tools:    []openai.Tool{weatherTool()},
		Executor: exec,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "It is sunny in Paris." {
		t.Errorf("content: got %q", res.Content)
	}
	if res.Rounds != 1 {
		t.Errorf("rounds: got %d, want 1", res.Rounds)
	}
	if res.Tier != TierPrimary {
		t.Errorf("tier: got %q, want primary", res.Tier)
	}
	if gotName != "get_weather" || gotArgs != `{"city":"Paris"}` {
		t.Errorf("executor received %q/%q", gotName, gotArgs)
	}
	if res.Usage.TotalTokens != 74 {
		t.Errorf("accumulated usage: got %d, want 74", res.Usage.TotalTokens)
	}

	reqs := f.Requests()
	if len(reqs) != 2 {
		t.Fatalf("calls: got %d, want 2", len(reqs))
	}
	second := reqs[1].Messages
	last := second[len(second)-1]
	if last.Role != openai.ChatMessageRoleTool || last.Content != "sunny, 25C" {
		t.Errorf("tool result message: got role=%q content=%q", last.Role, last.Content)
	}
	if last.ToolCallID != "call_fake_1" {
		t.Errorf("tool call id: got %q", last.ToolCallID)
	}
	prev := second[len(second)-2]
	if prev.Role != openai.ChatMessageRoleAssistant || len(prev.ToolCalls) != 1 {
		t.Errorf("assistant tool-call turn missing: %+v", prev)
	}
}

func TestToolLoop_RoundBudgetForcesTextAnswer(t *testing.T) {
	f := testutil.NewFakeUpstream(t)
	for i := 0; i < 5; i++ {
		f.EnqueueToolCall("fake-model", "get_weather", `{"city":"Paris"}`)
	}
	f.RespondText("fake-model", "best effort answer")

	r, _ := newTestRouter(registryOf(cloudProvider("groq", f, 1, true)))

	execCalls := 0
	exec := func(ctx context.Context, name, args string) (string, error) {
		execCalls++
		return "partial data", nil
	}

	res, err := r.Execute(context.Background(), testutil.SampleMessages(1), Options{
		Tools:    []openai.Tool{weatherTool()},
		Executor: exec,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "best effort answer" {
		t.Errorf("content: got %q", res.Content)
	}
	if res.Rounds != 5 {
		t.Errorf("rounds: got %d, want 5", res.Rounds)
	}
	if execCalls != 5 {
		t.Errorf("executor calls: got %d, want 5", execCalls)
	}

	reqs := f.Requests()
	if len(reqs) != 6 {
		t.Fatalf("calls: got %d, want 6 (5 rounds + forced text)", len(reqs))
	}
	final := reqs[5]
	if len(final.Tools) != 0 {
		t.Error("forced text call must not carry tool schemas")
	}
	for _, m := range final.Messages {
		if m.Role == openai.ChatMessageRoleTool || len(m.ToolCalls) > 0 {
			t.Fatal("forced text call must strip tool-tagged messages")
		}
	}
}

func TestToolLoop_ToolErrorFedBackToModel(t *testing.T) {
	f := testutil.NewFakeUpstream(t)
	f.EnqueueToolCall("fake-model", "get_weather", `{}`)
	f.EnqueueText("fake-model", "I could not fetch the weather.")

	r, collector := newTestRouter(registryOf(cloudProvider("groq", f, 1, true)))

	exec := func(ctx context.Context, name, args string) (string, error) {
		return "", errors.New("connection refused")
	}

	res, err := r.Execute(context.Background(), testutil.SampleMessages(1), Options{
		Tools:    []openai.Tool{weatherTool()},
		Executor: exec,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "I could not fetch the weather." {
		t.Errorf("content: got %q", res.Content)
	}

	reqs := f.Requests()
	second := reqs[1].Messages
	last := second[len(second)-1]
	if last.Role != openai.ChatMessageRoleTool {
		t.Fatalf("expected tool result message, got role %q", last.Role)
	}
	if !strings.Contains(last.Content, "ERROR: tool") || !strings.Contains(last.Content, "connection refused") {
		t.Errorf("failure text should name the tool error: %q", last.Content)
	}

	stats := collector.Stats()
	if stats.ToolCalls != 1 || stats.ToolFailures != 1 {
		t.Errorf("tool counters: got calls=%d failures=%d, want 1/1", stats.ToolCalls, stats.ToolFailures)
	}
}

func TestExecuteTool_Timeout(t *testing.T) {
	r, _ := newTestRouter(registryOf())

	exec := func(ctx context.Context, name, args string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
			return "too late", nil
		}
	}

	got := r.executeTool(context.Background(), exec, "slow_tool", "{}", 50*time.Millisecond)
	if !strings.Contains(got, "did not finish in time") {
		t.Errorf("timeout text: got %q", got)
	}
}

func TestExecuteTool_PanicIsolated(t *testing.T) {
	r, _ := newTestRouter(registryOf())

	exec := func(ctx context.Context, name, args string) (string, error) {
		panic("boom")
	}

	got := r.executeTool(context.Background(), exec, "bad_tool", "{}", time.Second)
	if !strings.Contains(got, "ERROR: tool") || !strings.Contains(got, "panicked") {
		t.Errorf("panic text: got %q", got)
	}
}

func TestToolLoop_MidLoopDegradesToTextOnly(t *testing.T) {
	f := testutil.NewFakeUpstream(t)
	f.EnqueueToolCall("fake-model", "get_weather", `{}`)
	f.EnqueueError(500, "tool round failed")
	f.EnqueueText("fake-model", "recovered without tools")

	r, _ := newTestRouter(registryOf(cloudProvider("groq", f, 1, true)))

	exec := func(ctx context.Context, name, args string) (string, error) {
		return "sunny", nil
	}

	res, err := r.Execute(context.Background(), testutil.SampleMessages(1), Options{
		Tools:    []openai.Tool{weatherTool()},
		Executor: exec,
	})
	if err != nil {
		t.Fatalf("mid-loop failure must degrade, not propagate: %v", err)
	}
	if res.Content != "recovered without tools" {
		t.Errorf("content: got %q", res.Content)
	}
	if res.Tier != TierPrimary {
		t.Errorf("same-provider degradation stays primary, got %q", res.Tier)
	}

	reqs := f.Requests()
	if len(reqs) != 3 {
		t.Fatalf("calls: got %d, want 3", len(reqs))
	}
	degrade := reqs[2]
	if len(degrade.Tools) != 0 {
		t.Error("degraded call must not carry tool schemas")
	}
	for _, m := range degrade.Messages {
		if m.Role == openai.ChatMessageRoleTool || len(m.ToolCalls) > 0 {
			t.Fatal("degraded call must replay a tool-free conversation")
		}
	}
}

func TestToolLoop_DegradesToOtherProvider(t *testing.T) {
	fa := testutil.NewFakeUpstream(t)
	fa.EnqueueToolCall("fake-model", "get_weather", `{}`)
	fa.EnqueueError(500, "mid-loop failure")
	fa.EnqueueError(500, "text-only also down")
	fa.EnqueueError(500, "still down")
	fb := testutil.NewFakeUpstream(t)
	fb.RespondText("fake-model", "answered elsewhere")

	reg := registryOf(
		cloudProvider("a", fa, 1, true),
		cloudProvider("b", fb, 2, false),
	)
	r, _ := newTestRouter(reg)

	exec := func(ctx context.Context, name, args string) (string, error) {
		return "sunny", nil
	}

	res, err := r.Execute(context.Background(), testutil.SampleMessages(1), Options{
		Tools:    []openai.Tool{weatherTool()},
		Executor: exec,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ProviderID != "b" {
		t.Errorf("provider: got %q, want b", res.ProviderID)
	}
	if res.Tier != TierFallback {
		t.Errorf("degradation onto another provider is fallback, got %q", res.Tier)
	}
	if res.Content != "answered elsewhere" {
		t.Errorf("content: got %q", res.Content)
	}
}

func TestToolLoop_ApologyWhenEverythingFails(t *testing.T) {
	f := testutil.NewFakeUpstream(t)
	f.FailForever(500, "total outage")
	f.EnqueueToolCall("fake-model", "get_weather", `{}`)

	r, _ := newTestRouter(registryOf(cloudProvider("groq", f, 1, true)))

	exec := func(ctx context.Context, name, args string) (string, error) {
		return "sunny", nil
	}

	res, err := r.Execute(context.Background(), testutil.SampleMessages(1), Options{
		Tools:    []openai.Tool{weatherTool()},
		Executor: exec,
	})
	if err != nil {
		t.Fatalf("apology path must not return an error: %v", err)
	}
	if res.Content != apologyMessage {
		t.Errorf("content: got %q, want the canned apology", res.Content)
	}
}

func TestNormalizeToolCalls(t *testing.T) {
	in := []openai.ToolCall{
		{ID: "call_keep", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "a"}},
		{Function: openai.FunctionCall{Name: "b"}},
	}

	out := normalizeToolCalls(in)
	if out[0].ID != "call_keep" {
		t.Errorf("existing id must be preserved: got %q", out[0].ID)
	}
	if out[1].ID == "" || !strings.HasPrefix(out[1].ID, "call_") {
		t.Errorf("missing id must be filled: got %q", out[1].ID)
	}
	if out[1].Type != openai.ToolTypeFunction {
		t.Errorf("missing type must default to function: got %q", out[1].Type)
	}
	if in[1].ID != "" {
		t.Error("input slice must not be mutated")
	}
}

func TestStripToolMessages(t *testing.T) {
	history := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "question"},
		{Role: openai.ChatMessageRoleAssistant, ToolCalls: []openai.ToolCall{{ID: "call_1"}}},
		{Role: openai.ChatMessageRoleTool, Content: "result", ToolCallID: "call_1"},
		{Role: openai.ChatMessageRoleAssistant, Content: "answer"},
	}

	out := stripToolMessages(history)
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	for i, m := range out {
		if m.Role == openai.ChatMessageRoleTool || len(m.ToolCalls) > 0 {
			t.Errorf("message %d still tool-tagged: %+v", i, m)
		}
	}
}

func TestSleepWithContext(t *testing.T) {
	if err := sleepWithContext(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepWithContext(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
