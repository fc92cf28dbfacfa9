package tokenizer

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestCountTokens_NonZeroForKnownText(t *testing.T) {
	tok := New()
	text := "Hello, world! This is a test of the tokenizer."
	count := tok.CountTokens("gpt-4", text)
	if count == 0 {
		t.Errorf("CountTokens returned 0 for known text %q; want non-zero", text)
	}
}

func TestCountTokens_ZeroForEmptyText(t *testing.T) {
	tok := New()
	count := tok.CountTokens("gpt-4", "")
	if count != 0 {
		t.Errorf("CountTokens returned %d for empty text; want 0", count)
	}
}

func TestGetEncoding_Cl100kForClaudeModels(t *testing.T) {
	tok := New()

	claudeModels := []string{
		"claude-opus-4",
		"claude-opus-4-20250514",
		"claude-sonnet-4",
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
	}

	for _, model := range claudeModels {
		enc := tok.GetEncoding(model)
		if enc != "cl100k_base" {
			t.Errorf("GetEncoding(%q) = %q; want %q", model, enc, "cl100k_base")
		}
	}
}

func TestGetEncoding_O200kForGPT4o(t *testing.T) {
	tok := New()
	for _, model := range []string{"gpt-4o", "gpt-4o-mini", "gpt-4o-2024-08-06"} {
		enc := tok.GetEncoding(model)
		if enc != "o200k_base" {
			t.Errorf("GetEncoding(%q) = %q; want %q", model, enc, "o200k_base")
		}
	}
}

func TestGetEncoding_Cl100kForUnknownModels(t *testing.T) {
	tok := New()
	unknowns := []string{
		"some-random-model",
		"llama-3-70b",
		"mistral-7b",
	}
	for _, model := range unknowns {
		enc := tok.GetEncoding(model)
		if enc != "cl100k_base" {
			t.Errorf("GetEncoding(%q) = %q; want %q", model, enc, "cl100k_base")
		}
	}
}

func TestCountMessages_IncludesPerMessageOverhead(t *testing.T) {
	tok := New()
	model := "gpt-4"

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "Hello"},
		{Role: openai.ChatMessageRoleAssistant, Content: "Hi there"},
	}

	// Count tokens for just the raw content of each message.
	rawSum := 0
	for _, msg := range messages {
		rawSum += tok.CountTokens(model, msg.Role)
		rawSum += tok.CountTokens(model, msg.Content)
	}

	// CountMessages adds per-message overhead (4 tokens each) and reply
	// priming (3 tokens), so the result must be strictly greater.
	total := tok.CountMessages(model, messages)
	if total <= rawSum {
		t.Errorf("CountMessages returned %d; expected > %d (raw sum) due to per-message overhead", total, rawSum)
	}
}

func TestEstimateUsage_TotalsAddUp(t *testing.T) {
	tok := New()
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "What is the capital of France?"},
	}

	usage := tok.EstimateUsage("gpt-4o", messages, "The capital of France is Paris.")
	if usage.PromptTokens == 0 {
		t.Error("expected non-zero prompt tokens")
	}
	if usage.CompletionTokens == 0 {
		t.Error("expected non-zero completion tokens")
	}
	if usage.TotalTokens != usage.PromptTokens+usage.CompletionTokens {
		t.Errorf("TotalTokens=%d, want %d", usage.TotalTokens, usage.PromptTokens+usage.CompletionTokens)
	}
}

func TestApproximate(t *testing.T) {
	if got := approximate(""); got != 0 {
		t.Errorf("approximate(\"\") = %d; want 0", got)
	}
	if got := approximate("abcd"); got != 1 {
		t.Errorf("approximate(4 chars) = %d; want 1", got)
	}
	if got := approximate("abcdefgh"); got != 2 {
		t.Errorf("approximate(8 chars) = %d; want 2", got)
	}
}
