// Package tokenizer estimates token counts with tiktoken encodings. It
// backfills usage figures for upstreams that omit them (local runtimes in
// particular rarely report usage).
package tokenizer

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
)

// Tokenizer counts tokens using tiktoken encodings. Encodings are cached
// via sync.Once to avoid repeated initialization.
type Tokenizer struct {
	cl100kOnce sync.Once
	cl100kEnc  *tiktoken.Tiktoken
	cl100kErr  error

	o200kOnce sync.Once
	o200kEnc  *tiktoken.Tiktoken
	o200kErr  error
}

// modelEncodings maps model name prefixes to their tiktoken encoding.
var modelEncodings = map[string]string{
	// Anthropic models count close enough to cl100k_base for estimates.
	"claude-opus-4":   "cl100k_base",
	"claude-sonnet-4": "cl100k_base",
	"claude-haiku-4":  "cl100k_base",

	"gpt-4":       "cl100k_base",
	"gpt-4-turbo": "cl100k_base",

	"gpt-4o":      "o200k_base",
	"gpt-4o-mini": "o200k_base",
}

// New creates a new Tokenizer.
func New() *Tokenizer {
	return &Tokenizer{}
}

// GetEncoding returns the encoding name for the given model.
// Unknown models default to cl100k_base.
func (t *Tokenizer) GetEncoding(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}

	// Prefix matching for versioned model names.
	lower := strings.ToLower(model)
	for m, enc := range modelEncodings {
		if strings.HasPrefix(lower, m) {
			return enc
		}
	}

	return "cl100k_base"
}

// getEncoder returns the cached tiktoken encoder for the given model.
func (t *Tokenizer) getEncoder(model string) (*tiktoken.Tiktoken, error) {
	switch t.GetEncoding(model) {
	case "o200k_base":
		t.o200kOnce.Do(func() {
			t.o200kEnc, t.o200kErr = tiktoken.GetEncoding("o200k_base")
		})
		return t.o200kEnc, t.o200kErr
	default:
		t.cl100kOnce.Do(func() {
			t.cl100kEnc, t.cl100kErr = tiktoken.GetEncoding("cl100k_base")
		})
		return t.cl100kEnc, t.cl100kErr
	}
}

// CountTokens counts the tokens in text for the specified model. If the
// encoding cannot be loaded it falls back to a chars/4 approximation.
func (t *Tokenizer) CountTokens(model, text string) int {
	enc, err := t.getEncoder(model)
	if err != nil {
		return approximate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages counts the total tokens across a chat history for the
// specified model. Each message incurs a 4-token overhead for role framing,
// plus 3 tokens for reply priming.
func (t *Tokenizer) CountMessages(model string, messages []openai.ChatCompletionMessage) int {
	total := 0
	for _, msg := range messages {
		total += 4
		total += t.CountTokens(model, msg.Role)
		total += t.CountTokens(model, msg.Content)
		if msg.Name != "" {
			total += t.CountTokens(model, msg.Name)
		}
		for _, tc := range msg.ToolCalls {
			total += t.CountTokens(model, tc.Function.Name)
			total += t.CountTokens(model, tc.Function.Arguments)
		}
	}
	total += 3
	return total
}

// EstimateUsage builds a Usage record for a completed request whose
// upstream response carried no usage figures.
func (t *Tokenizer) EstimateUsage(model string, messages []openai.ChatCompletionMessage, completion string) openai.Usage {
	in := t.CountMessages(model, messages)
	out := t.CountTokens(model, completion)
	return openai.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
}

// approximate is the last-resort estimate of one token per 4 characters.
func approximate(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
