// Package cache provides a two-tier key-value cache: an in-memory map as the
// fast path backed by one JSON file per key for durability across runs.
// Entries expire lazily on read; nothing sweeps the disk until Clear is called.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/draftsmith/draftsmith/pkg/schema"
)

// Entry is the stored representation of a cached value. ExpiresAt of zero
// means the entry never expires.
type Entry struct {
	Key       string         `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StoredAt  time.Time      `json:"storedAt"`
}

// expired reports whether the entry is logically absent at the given instant.
func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Cache is a memory-first cache with disk-backed persistence.
// Safe for concurrent use.
type Cache struct {
	dir    string
	logger *slog.Logger

	mu  sync.Mutex
	mem map[string]*Entry

	flightMu sync.Mutex
	flight   map[string]*flightCall
}

// flightCall tracks one in-progress compute so concurrent callers for the
// same key share its result instead of recomputing.
type flightCall struct {
	done  chan struct{}
	value json.RawMessage
	err   error
}

// New creates a cache rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create cache dir: %s", err.Error()).WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		dir:    dir,
		logger: logger,
		mem:    make(map[string]*Entry),
		flight: make(map[string]*flightCall),
	}, nil
}

// Get returns the cached value for key, or ok=false if absent or expired.
// A memory miss falls through to disk; an unexpired disk hit repopulates memory.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	entry, ok := c.lookup(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry returns the full entry for key, including metadata.
func (c *Cache) GetEntry(key string) (*Entry, bool) {
	return c.lookup(key)
}

func (c *Cache) lookup(key string) (*Entry, bool) {
	now := time.Now().UTC()

	c.mu.Lock()
	if entry, ok := c.mem[key]; ok {
		if entry.expired(now) {
			delete(c.mem, key)
			c.mu.Unlock()
			return nil, false
		}
		c.mu.Unlock()
		return entry, true
	}
	c.mu.Unlock()

	entry, err := c.readFile(key)
	if err != nil || entry == nil {
		return nil, false
	}
	if entry.expired(now) {
		// Stale files stay on disk until Clear; the entry is logically absent.
		return nil, false
	}

	c.mu.Lock()
	c.mem[key] = entry
	c.mu.Unlock()
	return entry, true
}

// Set stores a value under key with an optional TTL (ttl <= 0 means no expiry)
// and optional metadata. The entry is written to both tiers.
func (c *Cache) Set(key string, value json.RawMessage, ttl time.Duration, metadata map[string]any) error {
	now := time.Now().UTC()
	entry := &Entry{
		Key:      key,
		Value:    value,
		Metadata: metadata,
		StoredAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}

	c.mu.Lock()
	c.mem[key] = entry
	c.mu.Unlock()

	return c.writeFile(entry)
}

// Has reports whether key is present and unexpired in either tier.
func (c *Cache) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// Delete removes key from both tiers. Missing entries are not an error.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()

	err := os.Remove(c.path(key))
	if err != nil && !os.IsNotExist(err) {
		return schema.NewErrorf(schema.ErrCodeStore, "delete cache entry %s: %s", key, err.Error()).WithCause(err)
	}
	return nil
}

// Clear empties the memory tier and removes every entry file on disk.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.mem = make(map[string]*Entry)
	c.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list cache dir: %s", err.Error()).WithCause(err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return schema.NewErrorf(schema.ErrCodeStore, "clear cache entry %s: %s", m, err.Error()).WithCause(err)
		}
	}
	return nil
}

// GetOrCompute returns the cached value for key, or runs fn, stores its
// result under key with the given TTL, and returns it. For a given absence
// fn runs at most once per key per process: concurrent callers wait for the
// in-flight compute and share its result, errors included.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	c.flightMu.Lock()
	if call, ok := c.flight[key]; ok {
		c.flightMu.Unlock()
		select {
		case <-call.done:
			return call.value, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &flightCall{done: make(chan struct{})}
	c.flight[key] = call
	c.flightMu.Unlock()

	defer func() {
		c.flightMu.Lock()
		delete(c.flight, key)
		c.flightMu.Unlock()
		close(call.done)
	}()

	// Another caller may have stored the value between the miss and
	// winning the flight slot.
	if value, ok := c.Get(key); ok {
		call.value = value
		return value, nil
	}

	value, err := fn(ctx)
	if err != nil {
		call.err = err
		return nil, err
	}
	if err := c.Set(key, value, ttl, nil); err != nil {
		// The computed value is still good; persistence failure is logged, not fatal.
		c.logger.Warn("cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	call.value = value
	return value, nil
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s.json", key))
}

func (c *Cache) readFile(key string) (*Entry, error) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt file is a miss, not a crash.
		c.logger.Warn("unreadable cache entry", slog.String("key", key), slog.String("error", err.Error()))
		return nil, nil
	}
	return &entry, nil
}

func (c *Cache) writeFile(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal cache entry %s: %s", entry.Key, err.Error()).WithCause(err)
	}
	tmp := c.path(entry.Key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write cache entry %s: %s", entry.Key, err.Error()).WithCause(err)
	}
	if err := os.Rename(tmp, c.path(entry.Key)); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write cache entry %s: %s", entry.Key, err.Error()).WithCause(err)
	}
	return nil
}
