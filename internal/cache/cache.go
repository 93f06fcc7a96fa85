// Package cache is the two-tier response cache: a bounded in-memory LRU in
// front of an optional persisted directory, keyed by endpoint plus the
// canonical query string, with TTLs drawn from an ordered rule table.
package cache

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"backendlink/internal/endpoint"
	"backendlink/internal/logging"
	"backendlink/internal/metrics"
)

const (
	DefaultTTL              = 5 * time.Minute
	DefaultMaxMemoryEntries = 256
	DefaultMaxDiskEntries   = 2048
	DefaultMaxDiskBytes     = 32 << 20
	DefaultSweepInterval    = time.Hour

	tierMemory = "memory"
	tierDisk   = "disk"
)

var ErrClosed = errors.New("cache closed")

type Options struct {
	// Dir enables the persisted tier. Empty keeps the cache memory-only.
	Dir              string
	Rules            Rules
	DefaultTTL       time.Duration
	MaxMemoryEntries int
	MaxDiskEntries   int
	MaxDiskBytes     int64
	Now              func() time.Time
	Metrics          *metrics.Collectors
}

// Cache serializes writers against readers with a single RWMutex so a
// refresh-triggered write and a background sweep never race on one entry.
type Cache struct {
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Collectors

	mu     sync.RWMutex
	memory *memoryTier
	disk   *diskTier
	closed bool

	statsMu sync.Mutex
	stats   Stats
}

// Stats are cumulative lookup counters plus current tier sizes.
type Stats struct {
	MemoryEntries int
	DiskEntries   int
	DiskBytes     int64
	Hits          uint64
	Misses        uint64
	Writes        uint64
	StaleRejected uint64
}

// Write describes one cache store.
type Write struct {
	Endpoint string
	Params   url.Values
	Payload  []byte
	// TTL <= 0 resolves the TTL from the rule table.
	TTL  time.Duration
	ETag string
	// Stamp orders concurrent writes for one key; an entry stamped later
	// than Stamp is never overwritten. Zero means now.
	Stamp time.Time
}

func New(opts Options, logger *logging.Logger) (*Cache, error) {
	if logger == nil {
		panic("cache.New: logger must not be nil")
	}
	if err := opts.Rules.Validate(); err != nil {
		return nil, err
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.MaxMemoryEntries <= 0 {
		opts.MaxMemoryEntries = DefaultMaxMemoryEntries
	}
	if opts.MaxDiskEntries <= 0 {
		opts.MaxDiskEntries = DefaultMaxDiskEntries
	}
	if opts.MaxDiskBytes <= 0 {
		opts.MaxDiskBytes = DefaultMaxDiskBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		opts:    opts,
		logger:  logger.With(logging.Field("component", "cache")),
		metrics: opts.Metrics,
		memory:  newMemoryTier(opts.MaxMemoryEntries),
	}
	if strings.TrimSpace(opts.Dir) != "" {
		disk, err := newDiskTier(opts.Dir)
		if err != nil {
			return nil, err
		}
		c.disk = disk
	}
	c.logger.Debug("response cache ready",
		logging.Field("dir", opts.Dir),
		logging.Field("rules", len(opts.Rules)),
		logging.Field("default_ttl", opts.DefaultTTL.String()),
	)
	return c, nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.memory.clear()
	if c.disk != nil {
		return c.disk.close()
	}
	return nil
}

// Rule returns the first rule matching endpoint.
func (c *Cache) Rule(path string) (EndpointRule, bool) {
	return c.opts.Rules.Match(endpoint.Normalize(path))
}

// TTL resolves the TTL for endpoint: first matching rule, else the default.
func (c *Cache) TTL(path string) time.Duration {
	if rule, ok := c.Rule(path); ok && rule.TTL > 0 {
		return rule.TTL
	}
	return c.opts.DefaultTTL
}

// PolicyFor resolves the default policy for endpoint.
func (c *Cache) PolicyFor(path string) Policy {
	if rule, ok := c.Rule(path); ok && rule.Policy != "" {
		return rule.Policy
	}
	return CacheFirst
}

// Get returns a fresh entry. An expired entry found on the way is dropped.
func (c *Cache) Get(path string, params url.Values) (Entry, bool) {
	entry, freshness := c.Lookup(path, params)
	switch freshness {
	case Fresh:
		return entry, true
	case Stale:
		c.dropIfExpired(endpoint.Key(endpoint.Normalize(path), params))
	}
	return Entry{}, false
}

// Lookup returns the entry for the key and its freshness without dropping
// expired entries; callers holding a stale-fallback path use it.
func (c *Cache) Lookup(path string, params url.Values) (Entry, Freshness) {
	path = endpoint.Normalize(path)
	key := endpoint.Key(path, params)
	now := c.opts.Now()

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return Entry{}, Miss
	}
	if entry, ok := c.memory.get(key); ok {
		c.mu.RUnlock()
		return c.classify(tierMemory, entry, now)
	}
	c.metrics.CacheLookup(tierMemory, "miss")
	if c.disk == nil {
		c.mu.RUnlock()
		c.recordMiss()
		return Entry{}, Miss
	}
	entry, ok, err := c.disk.get(key)
	c.mu.RUnlock()
	if err != nil {
		c.logger.Warn("cache disk read failed", logging.Field("key", key), logging.Field("error", err))
		c.recordMiss()
		return Entry{}, Miss
	}
	if !ok {
		c.metrics.CacheLookup(tierDisk, "miss")
		c.recordMiss()
		return Entry{}, Miss
	}
	entry, freshness := c.classify(tierDisk, entry, now)
	if freshness == Fresh {
		c.promote(key, entry)
	}
	return entry, freshness
}

// Put stores a payload. It reports false when a newer entry already holds
// the key.
func (c *Cache) Put(w Write) (bool, error) {
	path := endpoint.Normalize(w.Endpoint)
	key := endpoint.Key(path, w.Params)
	now := c.opts.Now()
	stamp := w.Stamp
	if stamp.IsZero() {
		stamp = now
	}
	ttl := w.TTL
	if ttl <= 0 {
		ttl = c.TTL(path)
	}
	entry := Entry{
		Payload:        append([]byte(nil), w.Payload...),
		CreatedAt:      stamp,
		ExpiresAt:      now.Add(ttl),
		ETag:           w.ETag,
		SourceEndpoint: path,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	if existing, ok := c.currentLocked(key); ok && existing.CreatedAt.After(stamp) {
		c.metrics.CacheWrite("stale_rejected")
		c.bumpStats(func(s *Stats) { s.StaleRejected++ })
		c.logger.Debug("cache write skipped: newer entry present",
			logging.Field("key", key),
			logging.Field("existing_created_at", existing.CreatedAt),
			logging.Field("stamp", stamp),
		)
		return false, nil
	}
	evicted := c.memory.put(key, entry)
	c.metrics.CacheEvicted(tierMemory, "capacity", evicted)
	c.metrics.CacheEntries(tierMemory, c.memory.len())
	if c.disk != nil {
		if err := c.disk.put(key, entry); err != nil {
			c.logger.Warn("cache disk write failed", logging.Field("key", key), logging.Field("error", err))
			c.metrics.CacheWrite("disk_error")
			c.bumpStats(func(s *Stats) { s.Writes++ })
			return true, err
		}
	}
	c.metrics.CacheWrite("stored")
	c.bumpStats(func(s *Stats) { s.Writes++ })
	return true, nil
}

// Touch extends the expiry of an existing entry, used after a 304 revalidation.
func (c *Cache) Touch(path string, params url.Values, ttl time.Duration) (Entry, bool) {
	path = endpoint.Normalize(path)
	key := endpoint.Key(path, params)
	if ttl <= 0 {
		ttl = c.TTL(path)
	}
	now := c.opts.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Entry{}, false
	}
	entry, ok := c.currentLocked(key)
	if !ok {
		return Entry{}, false
	}
	entry.ExpiresAt = now.Add(ttl)
	c.memory.put(key, entry)
	if c.disk != nil {
		if err := c.disk.put(key, entry); err != nil {
			c.logger.Warn("cache disk touch failed", logging.Field("key", key), logging.Field("error", err))
		}
	}
	return entry, true
}

// Invalidate removes one key from both tiers. With nil params the bare
// endpoint key is removed. Removing an absent key is a no-op.
func (c *Cache) Invalidate(path string, params url.Values) {
	key := endpoint.Key(endpoint.Normalize(path), params)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	removed := 0
	if c.memory.remove(key) {
		removed++
	}
	if c.disk != nil {
		ok, err := c.disk.remove(key)
		if err != nil {
			c.logger.Warn("cache disk invalidate failed", logging.Field("key", key), logging.Field("error", err))
		}
		if ok {
			c.metrics.CacheEvicted(tierDisk, "invalidated", 1)
		}
	}
	c.metrics.CacheEvicted(tierMemory, "invalidated", removed)
	c.metrics.CacheEntries(tierMemory, c.memory.len())
}

// InvalidateMatching removes every entry whose endpoint matches pattern
// (same wildcard syntax as rules) from both tiers and returns the count.
func (c *Cache) InvalidateMatching(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	memRemoved := c.memory.removeIf(func(_ string, entry Entry) bool {
		return endpoint.Match(pattern, entry.SourceEndpoint)
	})
	c.metrics.CacheEvicted(tierMemory, "invalidated", memRemoved)
	c.metrics.CacheEntries(tierMemory, c.memory.len())
	diskRemoved := 0
	if c.disk != nil {
		n, err := c.disk.removeIf(func(record diskRecord) bool {
			return endpoint.Match(pattern, record.Endpoint)
		})
		if err != nil {
			c.logger.Warn("cache disk pattern invalidate failed", logging.Field("pattern", pattern), logging.Field("error", err))
		}
		diskRemoved = n
		c.metrics.CacheEvicted(tierDisk, "invalidated", n)
	}
	c.logger.Debug("cache pattern invalidated",
		logging.Field("pattern", pattern),
		logging.Field("memory_removed", memRemoved),
		logging.Field("disk_removed", diskRemoved),
	)
	return max(memRemoved, diskRemoved)
}

// ClearExpired removes expired entries from both tiers and returns how many
// distinct entries were dropped.
func (c *Cache) ClearExpired() int {
	now := c.opts.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	memRemoved := c.memory.removeIf(func(_ string, entry Entry) bool { return entry.Expired(now) })
	c.metrics.CacheEvicted(tierMemory, "expired", memRemoved)
	c.metrics.CacheEntries(tierMemory, c.memory.len())
	diskRemoved := 0
	if c.disk != nil {
		n, err := c.disk.removeIf(func(record diskRecord) bool {
			return now.After(time.Unix(0, record.ExpiresAt))
		})
		if err != nil {
			c.logger.Warn("cache disk expiry sweep failed", logging.Field("error", err))
		}
		diskRemoved = n
		c.metrics.CacheEvicted(tierDisk, "expired", n)
	}
	return max(memRemoved, diskRemoved)
}

// ClearAll empties both tiers.
func (c *Cache) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.metrics.CacheEvicted(tierMemory, "cleared", c.memory.clear())
	c.metrics.CacheEntries(tierMemory, 0)
	if c.disk == nil {
		return nil
	}
	n, err := c.disk.clear()
	c.metrics.CacheEvicted(tierDisk, "cleared", n)
	return err
}

// Trim answers a host memory-pressure signal: the memory tier is emptied,
// the persisted tier is kept.
func (c *Cache) Trim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	n := c.memory.clear()
	c.metrics.CacheEvicted(tierMemory, "trim", n)
	c.metrics.CacheEntries(tierMemory, 0)
	c.logger.Debug("memory tier trimmed", logging.Field("removed", n))
}

func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	stats := c.stats
	c.statsMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	stats.MemoryEntries = c.memory.len()
	if c.disk != nil && !c.closed {
		count, bytes, err := c.disk.count()
		if err == nil {
			stats.DiskEntries = count
			stats.DiskBytes = bytes
		}
	}
	return stats
}

func (c *Cache) classify(tier string, entry Entry, now time.Time) (Entry, Freshness) {
	if entry.Expired(now) {
		c.metrics.CacheLookup(tier, "expired")
		c.recordMiss()
		return entry, Stale
	}
	c.metrics.CacheLookup(tier, "hit")
	c.bumpStats(func(s *Stats) { s.Hits++ })
	return entry, Fresh
}

// promote copies a disk hit into memory. The record is read again under the
// write lock so an invalidation that ran after the lookup is not undone.
func (c *Cache) promote(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.disk == nil {
		return
	}
	persisted, ok, err := c.disk.get(key)
	if err != nil || !ok || !persisted.CreatedAt.Equal(entry.CreatedAt) || !persisted.ExpiresAt.Equal(entry.ExpiresAt) {
		return
	}
	if existing, ok := c.memory.peek(key); ok && existing.CreatedAt.After(entry.CreatedAt) {
		return
	}
	c.metrics.CacheEvicted(tierMemory, "capacity", c.memory.put(key, entry))
	c.metrics.CacheEntries(tierMemory, c.memory.len())
}

func (c *Cache) dropIfExpired(key string) {
	now := c.opts.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if entry, ok := c.memory.peek(key); ok && entry.Expired(now) {
		c.memory.remove(key)
		c.metrics.CacheEvicted(tierMemory, "expired", 1)
	}
	if c.disk == nil {
		return
	}
	entry, ok, err := c.disk.get(key)
	if err != nil || !ok || !entry.Expired(now) {
		return
	}
	if removed, _ := c.disk.remove(key); removed {
		c.metrics.CacheEvicted(tierDisk, "expired", 1)
	}
}

// currentLocked returns the newest entry for key across tiers. c.mu must be held.
func (c *Cache) currentLocked(key string) (Entry, bool) {
	if entry, ok := c.memory.peek(key); ok {
		return entry, true
	}
	if c.disk == nil {
		return Entry{}, false
	}
	entry, ok, err := c.disk.get(key)
	if err != nil || !ok {
		return Entry{}, false
	}
	return entry, true
}

func (c *Cache) recordMiss() {
	c.bumpStats(func(s *Stats) { s.Misses++ })
}

func (c *Cache) bumpStats(fn func(*Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

// Get decodes the fresh JSON payload cached for endpoint into T.
func Get[T any](c *Cache, path string, params url.Values) (T, bool) {
	var out T
	entry, ok := c.Get(path, params)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(entry.Payload, &out); err != nil {
		c.logger.Warn("cached payload no longer decodes", logging.Field("endpoint", path), logging.Field("error", err))
		return out, false
	}
	return out, true
}

// Set encodes value as JSON and stores it. ttl <= 0 resolves from rules.
func Set[T any](c *Cache, value T, path string, params url.Values, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.Put(Write{Endpoint: path, Params: params, Payload: payload, TTL: ttl})
	return err
}
