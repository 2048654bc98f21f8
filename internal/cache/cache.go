// SPDX-License-Identifier: MIT

// Package cache remembers created environments so identical matrix cells can
// skip re-creation within a TTL.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry records one created environment, keyed by its spec hash.
type Entry struct {
	// EnvName is the isolated environment that satisfies the spec.
	EnvName string `json:"env_name"`

	// SpecHash is the hash of interpreter + resolved package set.
	SpecHash string `json:"spec_hash"`

	// Packages is the manifest captured when the environment was created.
	Packages []string `json:"packages,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Cache provides thread-safe environment lookup with expiration.
type Cache interface {
	// Get retrieves an entry. Returns false if not found or expired.
	Get(key string) (*Entry, bool)
	// Set stores an entry with the specified TTL.
	Set(key string, e *Entry, ttl time.Duration)
	// Delete removes an entry, e.g. after the environment is torn down.
	Delete(key string)
	// Clear removes all entries.
	Clear()
	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is one of "memory", "redis", "off".
	Backend string

	// Redis connection settings, used when Backend is "redis".
	Addr     string
	Password string
	DB       int

	// CleanupInterval controls how often the memory backend reaps expired
	// entries. Zero disables the janitor.
	CleanupInterval time.Duration
}

// New constructs the configured backend.
func New(cfg Config, logger zerolog.Logger) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.CleanupInterval), nil
	case "redis":
		return NewRedis(cfg, logger)
	case "off":
		return NewNoOp(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

type entry struct {
	value      Entry
	expiration time.Time
}

func (e *entry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// memoryCache is the in-process implementation of Cache.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats
	janitor *janitor
}

// NewMemory creates an in-memory cache. cleanupInterval > 0 starts a
// background janitor that reaps expired entries.
func NewMemory(cleanupInterval time.Duration) Cache {
	c := &memoryCache{
		entries: make(map[string]*entry),
	}

	if cleanupInterval > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}

	return c
}

func (c *memoryCache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.isExpired() {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	out := e.value
	return &out, true
}

func (c *memoryCache) Set(key string, e *Entry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{
		value:      *e,
		expiration: time.Now().Add(ttl),
	}
	c.stats.Sets++
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats
}

func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, e := range c.entries {
		if e.isExpired() {
			delete(c.entries, key)
			count++
		}
	}

	c.stats.Evictions += int64(count)
	return count
}

// Stop stops the background janitor.
func (c *memoryCache) Stop() {
	if c.janitor != nil {
		c.janitor.stop <- struct{}{}
	}
}

type janitor struct {
	interval time.Duration
	stop     chan struct{}
}

func (j *janitor) run(c *memoryCache) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-j.stop:
			return
		}
	}
}

// noOpCache disables environment reuse; every lookup misses.
type noOpCache struct{}

// NewNoOp creates a cache that caches nothing.
func NewNoOp() Cache {
	return &noOpCache{}
}

func (c *noOpCache) Get(key string) (*Entry, bool)               { return nil, false }
func (c *noOpCache) Set(key string, e *Entry, ttl time.Duration) {}
func (c *noOpCache) Delete(key string)                           {}
func (c *noOpCache) Clear()                                      {}
func (c *noOpCache) Stats() Stats                                { return Stats{} }
