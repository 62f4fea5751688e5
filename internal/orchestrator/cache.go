package orchestrator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CacheConfig bounds the orchestrator cache.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxSize       int           `yaml:"max_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultCacheConfig returns the tuned defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:           30 * time.Minute,
		MaxSize:       100,
		SweepInterval: 5 * time.Minute,
	}
}

// Factory constructs an orchestrator for a cache key on miss.
type Factory func() (*Orchestrator, error)

type cacheEntry struct {
	orch     *Orchestrator
	lastUsed time.Time
}

// Cache pools orchestrator instances per caller context. Entries expire
// after a TTL; when the cache still exceeds its size bound, least-recently
// used entries go first. Dropping an entry only forces reconstruction —
// checkpoints and routing decisions live in the store, not here.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	cfg     CacheConfig
	logger  *logrus.Logger
	stop    chan struct{}
	stopped bool
}

// NewCache creates the cache and starts its sweep goroutine.
func NewCache(cfg CacheConfig, logger *logrus.Logger) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 100
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		cfg:     cfg,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// GetOrCreate returns the cached instance for key, constructing one via
// factory on miss or expiry.
func (c *Cache) GetOrCreate(key string, factory Factory) (*Orchestrator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[key]; ok {
		if now.Sub(entry.lastUsed) <= c.cfg.TTL {
			entry.lastUsed = now
			return entry.orch, nil
		}
		delete(c.entries, key)
	}

	orch, err := factory()
	if err != nil {
		return nil, err
	}
	c.entries[key] = &cacheEntry{orch: orch, lastUsed: now}
	c.enforceSizeLocked()
	return orch, nil
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop halts the sweep goroutine.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep evicts expired entries, then applies the size bound.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.cfg.TTL)
	removed := 0
	for key, entry := range c.entries {
		if entry.lastUsed.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	c.enforceSizeLocked()

	if removed > 0 {
		c.logger.WithField("evicted", removed).Debug("Orchestrator cache sweep completed")
	}
}

// enforceSizeLocked evicts least-recently-used entries until the size bound
// holds. Caller must hold c.mu.
func (c *Cache) enforceSizeLocked() {
	for len(c.entries) > c.cfg.MaxSize {
		var oldestKey string
		var oldest time.Time
		first := true
		for key, entry := range c.entries {
			if first || entry.lastUsed.Before(oldest) {
				oldestKey, oldest = key, entry.lastUsed
				first = false
			}
		}
		delete(c.entries, oldestKey)
	}
}
