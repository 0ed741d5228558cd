// Package querycache is the client-side read cache. Contract reads register
// a fetcher under a hierarchical key; mutations and event streams invalidate
// key namespaces to force the next read (or an active refetch) back to the
// chain.
//
// The cache is an explicitly constructed object passed to its consumers, not
// a package-level singleton, so orchestration code stays testable in
// isolation.
package querycache

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Key is a slash-joined cache key, e.g. "cooperative/pool/3".
type Key string

// NewKey joins parts into a Key.
func NewKey(parts ...string) Key {
	return Key(strings.Join(parts, "/"))
}

// HasPrefix reports whether k lives under the given namespace. A key is
// under a prefix when it equals it or extends it at a segment boundary, so
// "pool/12" does not match prefix "pool/1".
func (k Key) HasPrefix(prefix Key) bool {
	if k == prefix {
		return true
	}
	return strings.HasPrefix(string(k), string(prefix)+"/")
}

// Fetcher loads the fresh value for a key.
type Fetcher func(ctx context.Context) (any, error)

// DefaultStaleAfter is the staleness window used when none is configured.
const DefaultStaleAfter = 30 * time.Second

type entry struct {
	fetch     Fetcher
	value     any
	fetchedAt time.Time
	populated bool
	stale     bool
}

// Cache is a thread-safe query cache with a staleness window and idempotent
// prefix invalidation.
type Cache struct {
	mu         sync.RWMutex
	entries    map[Key]*entry
	staleAfter time.Duration
	logger     *slog.Logger
}

// New creates a Cache. staleAfter <= 0 falls back to DefaultStaleAfter;
// a nil logger discards.
func New(staleAfter time.Duration, logger *slog.Logger) *Cache {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		entries:    make(map[Key]*entry),
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Register installs the fetcher for a key. Re-registering replaces the
// fetcher and drops any cached value.
func (c *Cache) Register(key Key, fetch Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{fetch: fetch}
}

// RegisterIfAbsent installs the fetcher only when the key has none yet, so
// repeated registration keeps the cached value. Reports whether it
// installed.
func (c *Cache) RegisterIfAbsent(key Key, fetch Fetcher) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = &entry{fetch: fetch}
	return true
}

// Get returns the cached value for key, refetching when the entry is stale,
// invalidated, or has never been fetched.
func (c *Cache) Get(ctx context.Context, key Key) (any, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	if ok && e.populated && !e.stale && time.Since(e.fetchedAt) < c.staleAfter {
		value := e.value
		c.mu.RUnlock()
		return value, nil
	}
	c.mu.RUnlock()

	if !ok {
		return nil, &UnknownKeyError{Key: key}
	}
	return c.refetch(ctx, key, e)
}

func (c *Cache) refetch(ctx context.Context, key Key, e *entry) (any, error) {
	value, err := e.fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	e.value = value
	e.fetchedAt = time.Now()
	e.populated = true
	e.stale = false
	c.mu.Unlock()

	return value, nil
}

// Invalidate marks every key under the namespace stale. It never fails and
// repeating it is a no-op, so callers may invalidate freely on any event.
func (c *Cache) Invalidate(prefix Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if key.HasPrefix(prefix) {
			e.stale = true
			n++
		}
	}
	c.logger.Debug("cache invalidated", "prefix", string(prefix), "entries", n)
}

// InvalidateAll marks every entry stale.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.stale = true
	}
	c.logger.Debug("cache invalidated", "prefix", "*", "entries", len(c.entries))
}

// RefetchActive refetches every entry that has been fetched at least once.
// The first fetch error aborts and is returned; entries already refreshed
// stay refreshed.
func (c *Cache) RefetchActive(ctx context.Context) error {
	c.mu.RLock()
	active := make(map[Key]*entry, len(c.entries))
	for key, e := range c.entries {
		if e.populated {
			active[key] = e
		}
	}
	c.mu.RUnlock()

	for key, e := range active {
		if _, err := c.refetch(ctx, key, e); err != nil {
			return err
		}
	}
	return nil
}

// Forget removes every entry under the namespace.
func (c *Cache) Forget(prefix Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.HasPrefix(prefix) {
			delete(c.entries, key)
		}
	}
}

// UnknownKeyError is returned by Get for a key with no registered fetcher.
type UnknownKeyError struct {
	Key Key
}

func (e *UnknownKeyError) Error() string {
	return "querycache: no fetcher registered for key " + string(e.Key)
}
