// Package cache memoizes expensive lookups behind a canonical request key,
// bounded by size (LRU) and by per-entry expiry (TTL).
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nadmax/clawops/internal/metrics"
	"github.com/rs/zerolog/log"
)

var ErrNotCacheable = errors.New("value is not cacheable")

const (
	DefaultMaxSize          = 100
	DefaultTTL              = 300 * time.Second
	DefaultSweepProbability = 0.1

	hotKeyThreshold  = 10
	hotKeyMultiplier = 1.5
)

type Config struct {
	MaxSize    int
	DefaultTTL time.Duration
	Disabled   bool
	// SweepProbability is the chance that a Set also runs CleanupExpired.
	// Zero disables the sweep.
	SweepProbability float64
	Store            Store
	Now              func() time.Time
	Rand             func() float64
}

func DefaultConfig() Config {
	return Config{
		MaxSize:          DefaultMaxSize,
		DefaultTTL:       DefaultTTL,
		SweepProbability: DefaultSweepProbability,
	}
}

type entry struct {
	key       string
	value     json.RawMessage
	createdAt time.Time
	expiresAt time.Time
	hits      int
}

type Stats struct {
	Hits        int        `json:"hits"`
	Misses      int        `json:"misses"`
	Requests    int        `json:"requests"`
	Evictions   int        `json:"evictions"`
	Cleanups    int        `json:"cleanups"`
	LastCleanup *time.Time `json:"last_cleanup,omitempty"`
}

type Status struct {
	Enabled        bool       `json:"enabled"`
	TotalEntries   int        `json:"total_entries"`
	ValidEntries   int        `json:"valid_entries"`
	ExpiredEntries int        `json:"expired_entries"`
	MaxSize        int        `json:"max_size"`
	DefaultTTL     float64    `json:"default_ttl"`
	HitRate        string     `json:"hit_rate"`
	Hits           int        `json:"hits"`
	Misses         int        `json:"misses"`
	Requests       int        `json:"requests"`
	Evictions      int        `json:"evictions"`
	Cleanups       int        `json:"cleanups"`
	LastCleanup    *time.Time `json:"last_cleanup,omitempty"`
}

// Cache is safe for concurrent use. The list runs from most to least
// recently used.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*list.Element
	order   *list.List
	stats   Stats
}

func New(cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.cfg.Disabled
}

// Get returns the cached payload for desc. Expired entries are evicted and
// reported as a miss.
func (c *Cache) Get(desc any) (json.RawMessage, bool) {
	key, err := Key(desc)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Disabled {
		return nil, false
	}
	c.stats.Requests++

	el, ok := c.entries[key]
	if !ok {
		c.missLocked()
		return nil, false
	}

	e := el.Value.(*entry)
	if !c.cfg.Now().Before(e.expiresAt) {
		c.removeLocked(el)
		metrics.RecordCacheEviction("expired", 1)
		c.missLocked()
		return nil, false
	}

	c.order.MoveToFront(el)
	e.hits++
	c.stats.Hits++
	metrics.RecordCacheHit()

	return append(json.RawMessage(nil), e.value...), true
}

// GetJSON decodes a hit into dst. A payload that no longer decodes into dst
// counts as a miss.
func (c *Cache) GetJSON(desc, dst any) bool {
	raw, ok := c.Get(desc)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Debug().Err(err).Msg("cached payload does not decode, ignoring")
		return false
	}

	return true
}

// ExpiresAt reports when the entry for desc expires without touching its
// recency or hit count.
func (c *Cache) ExpiresAt(desc any) (time.Time, bool) {
	key, err := Key(desc)
	if err != nil {
		return time.Time{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return time.Time{}, false
	}

	return el.Value.(*entry).expiresAt, true
}

// Set stores value under desc. A ttl of zero uses the default; keys read more
// than ten times keep their entries 1.5 times longer.
func (c *Cache) Set(desc, value any, ttl time.Duration) error {
	key, err := Key(desc)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotCacheable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Disabled {
		return nil
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	now := c.cfg.Now()
	hits := 0
	if el, ok := c.entries[key]; ok {
		hits = el.Value.(*entry).hits
		c.removeLocked(el)
	}
	if hits > hotKeyThreshold {
		ttl = time.Duration(float64(ttl) * hotKeyMultiplier)
	}

	c.entries[key] = c.order.PushFront(&entry{
		key:       key,
		value:     payload,
		createdAt: now,
		expiresAt: now.Add(ttl),
		hits:      hits,
	})
	c.evictLocked()

	if c.cfg.SweepProbability > 0 && c.cfg.Rand() < c.cfg.SweepProbability {
		c.cleanupLocked()
	}
	metrics.UpdateCacheEntries(len(c.entries))

	return nil
}

// CleanupExpired removes every expired entry regardless of recency.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cleanupLocked()
}

func (c *Cache) cleanupLocked() int {
	now := c.cfg.Now()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}

	if removed > 0 {
		c.stats.Cleanups += removed
		c.stats.LastCleanup = &now
		metrics.RecordCacheEviction("expired", removed)
		metrics.UpdateCacheEntries(len(c.entries))
	}

	return removed
}

func (c *Cache) evictLocked() {
	evicted := 0
	for len(c.entries) > c.cfg.MaxSize {
		c.removeLocked(c.order.Back())
		evicted++
	}

	if evicted > 0 {
		c.stats.Evictions += evicted
		metrics.RecordCacheEviction("lru", evicted)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}

func (c *Cache) missLocked() {
	c.stats.Misses++
	metrics.RecordCacheMiss()
}

// Configure changes capacity and default TTL. Non-positive values keep the
// current setting. Shrinking evicts least recently used entries.
func (c *Cache) Configure(maxSize int, defaultTTL time.Duration, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxSize > 0 {
		c.cfg.MaxSize = maxSize
	}
	if defaultTTL > 0 {
		c.cfg.DefaultTTL = defaultTTL
	}
	c.cfg.Disabled = !enabled

	c.evictLocked()
	metrics.UpdateCacheEntries(len(c.entries))
}

// Clear drops every entry and resets the statistics.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.stats = Stats{}
	metrics.UpdateCacheEntries(0)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// HitRate is hits over lookups, in percent.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hitRateLocked()
}

func (c *Cache) hitRateLocked() float64 {
	total := c.stats.Hits + c.stats.Misses
	if total == 0 {
		return 0
	}
	return float64(c.stats.Hits) / float64(total) * 100
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}

func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	s := Status{
		Enabled:      !c.cfg.Disabled,
		TotalEntries: len(c.entries),
		MaxSize:      c.cfg.MaxSize,
		DefaultTTL:   c.cfg.DefaultTTL.Seconds(),
		HitRate:      fmt.Sprintf("%.1f%%", c.hitRateLocked()),
		Hits:         c.stats.Hits,
		Misses:       c.stats.Misses,
		Requests:     c.stats.Requests,
		Evictions:    c.stats.Evictions,
		Cleanups:     c.stats.Cleanups,
		LastCleanup:  c.stats.LastCleanup,
	}
	for _, el := range c.entries {
		if now.Before(el.Value.(*entry).expiresAt) {
			s.ValidEntries++
		} else {
			s.ExpiredEntries++
		}
	}

	return s
}

// Load replaces the contents with the configured store's snapshot. Expired
// entries are dropped. On error the cache keeps its current contents.
func (c *Cache) Load(ctx context.Context) error {
	if c.cfg.Store == nil {
		return nil
	}

	snap, err := c.cfg.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cache snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.stats = snap.Stats

	now := c.cfg.Now()
	// snapshots list entries from least to most recently used
	for _, se := range snap.Entries {
		if se.Key == "" || !now.Before(se.ExpiresAt) {
			continue
		}
		if el, ok := c.entries[se.Key]; ok {
			c.removeLocked(el)
		}
		c.entries[se.Key] = c.order.PushFront(&entry{
			key:       se.Key,
			value:     se.Value,
			createdAt: se.CreatedAt,
			expiresAt: se.ExpiresAt,
			hits:      se.Hits,
		})
	}
	c.evictLocked()
	metrics.UpdateCacheEntries(len(c.entries))

	log.Debug().Int("entries", len(c.entries)).Msg("cache loaded")
	return nil
}

// Flush writes the current contents to the configured store.
func (c *Cache) Flush(ctx context.Context) error {
	if c.cfg.Store == nil {
		return nil
	}

	if err := c.cfg.Store.Save(ctx, c.snapshot()); err != nil {
		return fmt.Errorf("failed to flush cache: %w", err)
	}

	return nil
}

func (c *Cache) snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Snapshot{
		Entries: make([]Entry, 0, len(c.entries)),
		Stats:   c.stats,
	}
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		snap.Entries = append(snap.Entries, Entry{
			Key:       e.key,
			Value:     append(json.RawMessage(nil), e.value...),
			CreatedAt: e.createdAt,
			ExpiresAt: e.expiresAt,
			Hits:      e.hits,
		})
	}

	return snap
}
