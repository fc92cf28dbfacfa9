package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"

	openai "github.com/sashabaranov/go-openai"
)

// Key computes a deterministic SHA-256 cache key from the model hint, the
// completion budget, and the conversation history. maxTokens is part of the
// key so a bounded request never aliases an unbounded one. The key is
// hex-encoded.
func Key(model string, messages []openai.ChatCompletionMessage, maxTokens int) string {
	h := sha256.New()

	h.Write([]byte(model))
	h.Write([]byte{0}) // separator
	h.Write([]byte(strconv.Itoa(maxTokens)))
	h.Write([]byte{0})

	if len(messages) > 0 {
		msgBytes, err := json.Marshal(messages)
		if err != nil {
			// Fall back to writing individual fields.
			for _, m := range messages {
				h.Write([]byte(m.Role))
				h.Write([]byte{0})
				h.Write([]byte(m.Content))
				h.Write([]byte{0})
			}
		} else {
			h.Write(msgBytes)
		}
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}

// Cacheable reports whether a request is eligible for caching. Requests
// that carry tools or a nonzero temperature are not deterministic and are
// never cached.
func Cacheable(temperature float32, hasTools bool) bool {
	if hasTools {
		return false
	}
	return temperature == 0
}
