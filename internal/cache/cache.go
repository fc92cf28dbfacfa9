// Package cache holds an in-memory LRU of deterministic completions, keyed
// by a digest of the model and conversation. Only tool-free requests with
// temperature zero (or unset) are eligible.
package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// Entry is a cached completion with routing metadata.
type Entry struct {
	Content   string    `json:"content"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	Tier      string    `json:"tier"`
	TokensOut int       `json:"tokens_out"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry has passed its expiration time.
func (e *Entry) Expired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache is a bounded in-memory LRU of completion entries.
type Cache struct {
	memory *lru.Cache[string, *Entry]
	ttl    time.Duration
}

// New creates a Cache holding at most maxEntries completions, each valid
// for ttlSeconds after insertion.
func New(ttlSeconds, maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	memory, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: creating LRU: %w", err)
	}

	return &Cache{
		memory: memory,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// Get returns the entry for key, or nil if absent or expired. Expired
// entries are evicted on read.
func (c *Cache) Get(key string) *Entry {
	entry, ok := c.memory.Get(key)
	if !ok {
		return nil
	}
	if entry.Expired() {
		c.memory.Remove(key)
		return nil
	}
	return entry
}

// Put stores an entry under key, stamping CreatedAt and ExpiresAt.
func (c *Cache) Put(key string, entry *Entry) {
	now := time.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(c.ttl)
	c.memory.Add(key, entry)
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	return c.memory.Len()
}

// StartPurger starts a background goroutine that evicts expired entries
// every 5 minutes until the context is cancelled. The returned channel is
// closed when the goroutine exits.
func (c *Cache) StartPurger(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Error().Interface("panic", r).Msg("cache purger: recovered from panic")
						}
					}()
					c.purge()
				}()
			}
		}
	}()
	return done
}

// purge evicts every expired entry from the LRU.
func (c *Cache) purge() {
	for _, key := range c.memory.Keys() {
		if entry, ok := c.memory.Peek(key); ok && entry.Expired() {
			c.memory.Remove(key)
		}
	}
}
