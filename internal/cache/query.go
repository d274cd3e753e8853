// Package cache provides in-memory query result caching for the RAG pipeline.
package cache

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// VectorChunk mirrors enrichment.VectorChunk without importing it, keeping
// this package dependency-free of the enrichment layer above it.
type VectorChunk struct {
	Text  string
	Score float64
}

// QueryCache caches nilRAG similarity-search results by normalized query
// text, since the corpus is shared rather than per-user. Thread-safe via
// sync.RWMutex. Entries auto-expire after TTL.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	stopCh  chan struct{}
}

type cacheEntry struct {
	chunks    []VectorChunk
	createdAt time.Time
	expiresAt time.Time
}

// New creates a QueryCache with the given TTL and starts background cleanup.
func New(ttl time.Duration) *QueryCache {
	c := &QueryCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns cached chunks for query if present and not expired.
func (c *QueryCache) Get(query string) ([]VectorChunk, bool) {
	key := cacheKey(query)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}

	slog.Info("[CACHE] hit", "query_hash", key, "age_ms", time.Since(entry.createdAt).Milliseconds())
	return entry.chunks, true
}

// Set stores chunks for query in the cache.
func (c *QueryCache) Set(query string, chunks []VectorChunk) {
	key := cacheKey(query)
	now := time.Now()
	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		chunks:    chunks,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.mu.Unlock()

	slog.Info("[CACHE] set", "query_hash", key, "ttl_s", int(c.ttl.Seconds()), "total_entries", c.Len())
}

// Len returns the number of entries in the cache.
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop halts the background cleanup goroutine.
func (c *QueryCache) Stop() {
	close(c.stopCh)
}

// cleanup removes expired entries every 5 minutes.
func (c *QueryCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			before := len(c.entries)
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			after := len(c.entries)
			c.mu.Unlock()
			if before != after {
				slog.Info("[CACHE] cleanup", "removed", before-after, "remaining", after)
			}
		case <-c.stopCh:
			return
		}
	}
}

// cacheKey builds a deterministic key from the lowercased, trimmed query:
// "qc:" followed by the first 8 bytes of its sha256, in hex.
func cacheKey(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("qc:%x", h[:8])
}
