// Package cache implements the process-wide shared object cache.
//
// Entries carry a TTL, an optional version token and any number of tags.
// Stored entries are immutable; every write replaces the entry as a whole, so
// a concurrent reader observes either the old or the new entry and never a mix.
// Concurrent writes for one key are last-writer-wins.
//
// Invalidation supports three strategies that can be combined:
//   - delete by key or tag (Delete, DeleteByTag),
//   - versioned keys (Bump, VersionedKey) where old versions age out via TTL,
//   - plain TTL expiry.
//
// A logical clock orders invalidations against fills: a fill that observed the
// clock before an invalidation of one of its keys or tags is discarded, so a
// slow fetch cannot resurrect data that was invalidated while it was in flight.
// Marks older than the retention window are dropped by Sweep, and by Delete
// and DeleteByTag once many have accumulated.
package cache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Entry is a cached value with its metadata.
type Entry struct {
	Key       string
	Value     any
	ExpiresAt time.Time // zero means no expiry
	Version   uint64
	Tags      []string
	StoredAt  uint64 // logical timestamp of the write
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Sets        uint64
	Discarded   uint64 // stale fills rejected by the invalidation guard
	Expirations uint64
	Evictions   uint64
	Invalidated uint64
}

type mark struct {
	at   uint64
	wall time.Time
}

// Cache is an in-memory shared object cache safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	tagIndex map[string]map[string]struct{}
	keyMarks map[string]mark
	tagMarks map[string]mark
	versions map[string]uint64
	pruneAt  int // mark count at which writers prune marks themselves

	clock       atomic.Uint64
	invalidated atomic.Uint64 // tick of the latest Delete or DeleteByTag
	now         func() time.Time

	maxEntries    int
	defaultTTL    time.Duration
	markRetention time.Duration
	logger        *zap.Logger

	hits, misses, sets, discarded   atomic.Uint64
	expirations, evictions, invalid atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries bounds the number of stored entries. When full, a write
// evicts the entry closest to expiry among a small random sample.
func WithMaxEntries(n int) Option { return func(c *Cache) { c.maxEntries = n } }

// WithDefaultTTL applies to writes that do not carry WithTTL. Zero keeps such
// entries until invalidated or evicted.
func WithDefaultTTL(d time.Duration) Option { return func(c *Cache) { c.defaultTTL = d } }

// WithMarkRetention sets how long invalidation marks are kept for the stale
// fill guard. Fills that take longer than this are not guarded.
func WithMarkRetention(d time.Duration) Option { return func(c *Cache) { c.markRetention = d } }

// WithLogger sets the logger used for evictions and sweeps.
func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithClock overrides the wall clock; used by tests.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[string]*Entry),
		tagIndex:      make(map[string]map[string]struct{}),
		keyMarks:      make(map[string]mark),
		tagMarks:      make(map[string]mark),
		versions:      make(map[string]uint64),
		now:           time.Now,
		markRetention: 5 * time.Minute,
		pruneAt:       markPruneThreshold,
		logger:        zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Tick advances and returns the logical clock. Callers take a tick before
// starting a fetch and pass it to Set via ObservedAt.
func (c *Cache) Tick() uint64 { return c.clock.Add(1) }

// LastInvalidation returns the logical time of the most recent Delete or
// DeleteByTag, or zero if there was none. A fetch that observed the clock
// before it may return invalidated data.
func (c *Cache) LastInvalidation() uint64 { return c.invalidated.Load() }

// Get returns the live entry stored under key. Expired entries are removed
// and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, &Error{Op: "get", Key: key, Err: err}
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return Entry{}, false, nil
	}
	if e.Expired(c.now()) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == e {
			c.removeLocked(key, e)
			c.expirations.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return Entry{}, false, nil
	}
	c.hits.Add(1)
	return *e, true, nil
}

type setConfig struct {
	ttl      time.Duration
	hasTTL   bool
	tags     []string
	version  uint64
	observed uint64
}

// SetOption configures a single write.
type SetOption func(*setConfig)

// WithTTL sets the entry lifetime. A non-positive TTL stores nothing.
func WithTTL(d time.Duration) SetOption {
	return func(s *setConfig) { s.ttl = d; s.hasTTL = true }
}

// WithTags attaches invalidation tags to the entry.
func WithTags(tags ...string) SetOption {
	return func(s *setConfig) { s.tags = append(s.tags, tags...) }
}

// WithVersion records the version token the value was read under.
func WithVersion(v uint64) SetOption { return func(s *setConfig) { s.version = v } }

// ObservedAt declares the logical time (from Tick) at which the value was
// read from its source. The write is dropped if the key or any of its tags
// was invalidated after that time.
func ObservedAt(tick uint64) SetOption { return func(s *setConfig) { s.observed = tick } }

// Set stores value under key, replacing any previous entry. It reports whether
// the value was stored; false means it was discarded as stale or had no TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, opts ...SetOption) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &Error{Op: "set", Key: key, Err: err}
	}
	cfg := setConfig{ttl: c.defaultTTL}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.hasTTL && cfg.ttl <= 0 {
		return false, nil
	}
	now := c.now()
	e := &Entry{
		Key:     key,
		Value:   value,
		Version: cfg.version,
		Tags:    dedupe(cfg.tags),
	}
	if cfg.ttl > 0 {
		e.ExpiresAt = now.Add(cfg.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.observed > 0 && c.staleLocked(key, e.Tags, cfg.observed) {
		c.discarded.Add(1)
		return false, nil
	}
	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	} else if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	e.StoredAt = c.clock.Add(1)
	c.entries[key] = e
	for _, t := range e.Tags {
		keys := c.tagIndex[t]
		if keys == nil {
			keys = make(map[string]struct{})
			c.tagIndex[t] = keys
		}
		keys[key] = struct{}{}
	}
	c.sets.Add(1)
	return true, nil
}

// Delete removes the given keys and marks them invalidated. It returns the
// number of entries removed.
func (c *Cache) Delete(ctx context.Context, keys ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &Error{Op: "delete", Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.markLocked()
	removed := 0
	for _, k := range keys {
		c.keyMarks[k] = m
		if e, ok := c.entries[k]; ok {
			c.removeLocked(k, e)
			removed++
		}
	}
	c.invalid.Add(uint64(removed))
	return removed, nil
}

// DeleteByTag removes every entry carrying any of the tags and marks the tags
// invalidated. It returns the number of entries removed.
func (c *Cache) DeleteByTag(ctx context.Context, tags ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &Error{Op: "deleteByTag", Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.markLocked()
	removed := 0
	for _, t := range tags {
		c.tagMarks[t] = m
		for k := range c.tagIndex[t] {
			if e, ok := c.entries[k]; ok {
				c.removeLocked(k, e)
				removed++
			}
		}
		delete(c.tagIndex, t)
	}
	c.invalid.Add(uint64(removed))
	return removed, nil
}

// Version returns the current version token of a namespace.
func (c *Cache) Version(namespace string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[namespace]
}

// Bump advances the version token of a namespace so that keys built with
// VersionedKey under the previous token become unaddressable.
func (c *Cache) Bump(namespace string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[namespace]++
	return c.versions[namespace]
}

// VersionedKey composes key with the current version of namespace.
func (c *Cache) VersionedKey(namespace, key string) (string, uint64) {
	v := c.Version(namespace)
	return namespace + "@v" + strconv.FormatUint(v, 10) + ":" + key, v
}

// Sweep removes expired entries and invalidation marks older than the
// retention window. It returns the number of entries removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.Expired(now) {
			c.removeLocked(k, e)
			removed++
		}
	}
	c.pruneMarksLocked(now)
	c.expirations.Add(uint64(removed))
	return removed
}

// StartJanitor sweeps the cache every interval until ctx is done.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("cache sweep", zap.Int("removed", n))
				}
			}
		}
	}()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:     c.Len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Discarded:   c.discarded.Load(),
		Expirations: c.expirations.Load(),
		Evictions:   c.evictions.Load(),
		Invalidated: c.invalid.Load(),
	}
}

// markPruneThreshold is the number of invalidation marks past which Delete
// and DeleteByTag drop expired marks without waiting for Sweep.
const markPruneThreshold = 1024

// markLocked stamps a new invalidation.
func (c *Cache) markLocked() mark {
	now := c.now()
	if len(c.keyMarks)+len(c.tagMarks) >= c.pruneAt {
		c.pruneMarksLocked(now)
		c.pruneAt = max(markPruneThreshold, 2*(len(c.keyMarks)+len(c.tagMarks)))
	}
	m := mark{at: c.clock.Add(1), wall: now}
	c.invalidated.Store(m.at)
	return m
}

func (c *Cache) pruneMarksLocked(now time.Time) {
	cutoff := now.Add(-c.markRetention)
	for k, m := range c.keyMarks {
		if m.wall.Before(cutoff) {
			delete(c.keyMarks, k)
		}
	}
	for t, m := range c.tagMarks {
		if m.wall.Before(cutoff) {
			delete(c.tagMarks, t)
		}
	}
}

func (c *Cache) staleLocked(key string, tags []string, observed uint64) bool {
	if m, ok := c.keyMarks[key]; ok && m.at > observed {
		return true
	}
	for _, t := range tags {
		if m, ok := c.tagMarks[t]; ok && m.at > observed {
			return true
		}
	}
	return false
}

func (c *Cache) removeLocked(key string, e *Entry) {
	delete(c.entries, key)
	for _, t := range e.Tags {
		if keys, ok := c.tagIndex[t]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tagIndex, t)
			}
		}
	}
}

const evictionSample = 5

// evictLocked removes one entry. Expired entries go first; otherwise the
// sampled entry closest to expiry is dropped.
func (c *Cache) evictLocked(now time.Time) {
	var victim *Entry
	n := 0
	for _, e := range c.entries {
		if e.Expired(now) {
			victim = e
			break
		}
		if victim == nil || expiresBefore(e, victim) {
			victim = e
		}
		n++
		if n >= evictionSample {
			break
		}
	}
	if victim == nil {
		return
	}
	c.removeLocked(victim.Key, victim)
	c.evictions.Add(1)
	c.logger.Debug("cache eviction", zap.String("key", victim.Key))
}

func expiresBefore(a, b *Entry) bool {
	if a.ExpiresAt.IsZero() {
		return false
	}
	if b.ExpiresAt.IsZero() {
		return true
	}
	return a.ExpiresAt.Before(b.ExpiresAt)
}

func dedupe(tags []string) []string {
	if len(tags) < 2 {
		return tags
	}
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
