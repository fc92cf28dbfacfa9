package cache

import (
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func userMsg(content string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: content}}
}

// ---------------------------------------------------------------------------
// Key tests
// ---------------------------------------------------------------------------

func TestKey_SameInputsSameKey(t *testing.T) {
	key1 := Key("gpt-4o", userMsg("hello"), 0)
	key2 := Key("gpt-4o", userMsg("hello"), 0)
	if key1 != key2 {
		t.Errorf("expected identical keys, got %q and %q", key1, key2)
	}
}

func TestKey_DifferentModelDifferentKey(t *testing.T) {
	key1 := Key("gpt-4o", userMsg("hello"), 0)
	key2 := Key("gpt-4o-mini", userMsg("hello"), 0)
	if key1 == key2 {
		t.Errorf("expected different keys for different models, both got %q", key1)
	}
}

func TestKey_DifferentMessagesDifferentKey(t *testing.T) {
	key1 := Key("gpt-4o", userMsg("hello"), 0)
	key2 := Key("gpt-4o", userMsg("goodbye"), 0)
	if key1 == key2 {
		t.Errorf("expected different keys for different messages, both got %q", key1)
	}
}

func TestKey_DifferentMaxTokensDifferentKey(t *testing.T) {
	key1 := Key("gpt-4o", userMsg("hello"), 0)
	key2 := Key("gpt-4o", userMsg("hello"), 256)
	if key1 == key2 {
		t.Errorf("expected different keys for different completion budgets, both got %q", key1)
	}
}

// ---------------------------------------------------------------------------
// Cacheable tests
// ---------------------------------------------------------------------------

func TestCacheable_ToolsNotCacheable(t *testing.T) {
	if Cacheable(0, true) {
		t.Error("expected tool-bearing request to not be cacheable")
	}
}

func TestCacheable_NonZeroTemperatureNotCacheable(t *testing.T) {
	if Cacheable(0.7, false) {
		t.Error("expected non-zero temperature request to not be cacheable")
	}
}

func TestCacheable_ZeroTemperatureCacheable(t *testing.T) {
	if !Cacheable(0, false) {
		t.Error("expected zero temperature request to be cacheable")
	}
}

// ---------------------------------------------------------------------------
// Cache behaviour
// ---------------------------------------------------------------------------

func newTestCache(t *testing.T, ttlSeconds, maxEntries int) *Cache {
	t.Helper()
	c, err := New(ttlSeconds, maxEntries)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCache_MissThenHit(t *testing.T) {
	c := newTestCache(t, 3600, 100)
	key := Key("gpt-4o", userMsg("hello"), 0)

	if got := c.Get(key); got != nil {
		t.Fatalf("expected miss, got %+v", got)
	}

	c.Put(key, &Entry{Content: "hi there", Model: "gpt-4o", Provider: "openai", Tier: "primary"})

	got := c.Get(key)
	if got == nil {
		t.Fatal("expected hit after Put")
	}
	if got.Content != "hi there" {
		t.Errorf("unexpected content %q", got.Content)
	}
	if got.Tier != "primary" {
		t.Errorf("unexpected tier %q", got.Tier)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c := newTestCache(t, 3600, 2)

	for _, content := range []string{"first", "second", "third"} {
		c.Put(Key("gpt-4o", userMsg(content), 0), &Entry{Content: content})
	}

	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
	if c.Get(Key("gpt-4o", userMsg("first"), 0)) != nil {
		t.Error("expected 'first' to be evicted")
	}
	if c.Get(Key("gpt-4o", userMsg("second"), 0)) == nil {
		t.Error("expected 'second' to still be cached")
	}
	if c.Get(Key("gpt-4o", userMsg("third"), 0)) == nil {
		t.Error("expected 'third' to still be cached")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newTestCache(t, 1, 100)
	key := Key("gpt-4o", userMsg("ttl-test"), 0)

	c.Put(key, &Entry{Content: "short-lived"})
	if c.Get(key) == nil {
		t.Fatal("expected hit before TTL expiry")
	}

	time.Sleep(1100 * time.Millisecond)

	if c.Get(key) != nil {
		t.Error("expected miss after TTL expiry")
	}
	// Expired reads evict.
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be evicted, len=%d", c.Len())
	}
}

func TestCache_Purge(t *testing.T) {
	c := newTestCache(t, 3600, 100)

	c.Put(Key("gpt-4o", userMsg("fresh"), 0), &Entry{Content: "fresh"})
	staleKey := Key("gpt-4o", userMsg("stale"), 0)
	c.Put(staleKey, &Entry{Content: "stale"})
	if entry, ok := c.memory.Peek(staleKey); ok {
		entry.ExpiresAt = time.Now().Add(-time.Minute)
	}

	c.purge()

	if c.Len() != 1 {
		t.Errorf("expected 1 entry after purge, got %d", c.Len())
	}
	if c.Get(staleKey) != nil {
		t.Error("expected stale entry to be purged")
	}
}
