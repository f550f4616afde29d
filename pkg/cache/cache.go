// Package cache implements a two-tier result cache: a bounded in-memory tier
// in front of a durable tier (files on disk, or Redis). Entries carry an
// absolute expiry; an expired hit is a miss and is evicted from the tier that
// held it.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Durable is the slower, persistent tier.
type Durable interface {
	Name() string
	// Load returns the stored entry, expired or not.
	Load(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	// Sweep removes entries expired at now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Close() error
}

type Config struct {
	MemoryLimitBytes    int64
	MaxEntries          int
	DefaultTTL          time.Duration
	MaintenanceInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes:    50 << 20,
		MaxEntries:          1000,
		DefaultTTL:          5 * time.Minute,
		MaintenanceInterval: 10 * time.Minute,
	}
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	MemoryEntries    int    `json:"memory_entries"`
	MemoryBytes      int64  `json:"memory_bytes"`
	MemoryLimitBytes int64  `json:"memory_limit_bytes"`
	MaxEntries       int    `json:"max_entries"`
	Evictions        int64  `json:"evictions"`
	MemoryHits       int64  `json:"memory_hits"`
	DurableHits      int64  `json:"durable_hits"`
	Misses           int64  `json:"misses"`
	Durable          string `json:"durable"`
}

// Tiered is safe for concurrent use.
type Tiered struct {
	cfg     Config
	mem     *memory
	durable Durable
	clock   clockwork.Clock
	lg      *zap.Logger

	memHits     atomic.Int64
	durableHits atomic.Int64
	misses      atomic.Int64

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a cache. durable may be nil for a memory-only cache.
func New(cfg Config, durable Durable, clock clockwork.Clock, lg *zap.Logger) *Tiered {
	def := DefaultConfig()
	if cfg.MemoryLimitBytes <= 0 {
		cfg.MemoryLimitBytes = def.MemoryLimitBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Tiered{
		cfg:     cfg,
		mem:     newMemory(cfg.MemoryLimitBytes, cfg.MaxEntries),
		durable: durable,
		clock:   clock,
		lg:      lg.Named("cache"),
	}
}

// Get looks up the memory tier, then the durable tier, promoting durable
// hits into memory. Storage errors are logged and reported as a miss.
func (c *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.clock.Now()
	if v, ok := c.mem.get(key, now); ok {
		c.memHits.Add(1)
		return v, true
	}
	if c.durable == nil {
		c.misses.Add(1)
		return nil, false
	}

	e, ok, err := c.durable.Load(ctx, key)
	if err != nil {
		c.lg.Warn("Durable cache read failed", zap.String("key", key), zap.Error(err))
		c.misses.Add(1)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if e.expired(now) {
		if err := c.durable.Delete(ctx, key); err != nil {
			c.lg.Warn("Durable cache evict failed", zap.String("key", key), zap.Error(err))
		}
		c.misses.Add(1)
		return nil, false
	}
	c.mem.put(key, e.Payload, e.ExpiresAt, now)
	c.durableHits.Add(1)
	return e.Payload, true
}

// Set stores value in both tiers; ttl <= 0 means DefaultTTL. The durable write
// has completed when Set returns.
func (c *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.clock.Now()
	expiresAt := now.Add(ttl)
	c.mem.put(key, value, expiresAt, now)
	if c.durable == nil {
		return nil
	}
	if err := c.durable.Store(ctx, key, Entry{
		Payload:   value,
		ExpiresAt: expiresAt,
		SizeBytes: int64(len(value)),
	}); err != nil {
		return errors.Wrap(err, "durable store")
	}
	return nil
}

func (c *Tiered) Remove(ctx context.Context, key string) error {
	c.mem.remove(key)
	if c.durable == nil {
		return nil
	}
	return c.durable.Delete(ctx, key)
}

func (c *Tiered) Clear(ctx context.Context) error {
	c.mem.clear()
	if c.durable == nil {
		return nil
	}
	return c.durable.Clear(ctx)
}

// Maintain purges expired entries from both tiers and returns the number
// removed.
func (c *Tiered) Maintain(ctx context.Context) (int, error) {
	now := c.clock.Now()
	n := c.mem.purgeExpired(now)
	if c.durable == nil {
		return n, nil
	}
	m, err := c.durable.Sweep(ctx, now)
	return n + m, err
}

func (c *Tiered) Stats() Stats {
	entries, bytes, evictions := c.mem.usage()
	s := Stats{
		MemoryEntries:    entries,
		MemoryBytes:      bytes,
		MemoryLimitBytes: c.cfg.MemoryLimitBytes,
		MaxEntries:       c.cfg.MaxEntries,
		Evictions:        evictions,
		MemoryHits:       c.memHits.Load(),
		DurableHits:      c.durableHits.Load(),
		Misses:           c.misses.Load(),
		Durable:          "none",
	}
	if c.durable != nil {
		s.Durable = c.durable.Name()
	}
	return s
}

// Start runs Maintain every MaintenanceInterval until ctx is done or Close.
func (c *Tiered) Start(ctx context.Context) {
	ctx, c.stop = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := c.clock.NewTicker(c.cfg.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				n, err := c.Maintain(ctx)
				if err != nil {
					c.lg.Warn("Cache maintenance failed", zap.Error(err))
					continue
				}
				c.lg.Debug("Cache maintenance", zap.Int("removed", n))
			}
		}
	}()
}

// Close stops maintenance and closes the durable tier.
func (c *Tiered) Close() error {
	if c.stop != nil {
		c.stop()
	}
	c.wg.Wait()
	if c.durable == nil {
		return nil
	}
	return c.durable.Close()
}

// GetJSON decodes a cached JSON value into v. Undecodable entries are
// removed and reported as a miss.
func GetJSON(ctx context.Context, c *Tiered, key string, v any) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.lg.Warn("Cached value undecodable", zap.String("key", key), zap.Error(err))
		_ = c.Remove(ctx, key)
		return false
	}
	return true
}

// SetJSON stores v encoded as JSON.
func SetJSON(ctx context.Context, c *Tiered, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal cache value")
	}
	return c.Set(ctx, key, data, ttl)
}
