package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"
	"dns-firewall/pkg/telemetry"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

var (
	// ErrCacheNotEnabled is returned when a cache is built from a nil config
	ErrCacheNotEnabled = errors.New("cache is not enabled")
	// ErrInvalidConfig is returned when cache configuration is invalid
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

const defaultSweepInterval = time.Minute

// ShardedCache is a TTL cache split into independently locked shards. Each
// shard is a bounded LRU; when a shard is full the least recently used entry
// is evicted regardless of its remaining TTL.
type ShardedCache struct {
	shards  []*cacheShard
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	sweepInterval time.Duration
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	closeOnce     sync.Once
}

type cacheShard struct {
	mu      sync.Mutex
	entries *simplelru.LRU[Key, *cacheEntry]
	stats   cacheStats
}

type cacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

type cacheStats struct {
	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
	sets      uint64
}

// Option customises a ShardedCache
type Option func(*ShardedCache)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(sc *ShardedCache) { sc.now = now }
}

// WithSweepInterval sets how often expired entries are purged in the
// background. Zero disables the sweep; expiry-on-read still applies.
func WithSweepInterval(d time.Duration) Option {
	return func(sc *ShardedCache) { sc.sweepInterval = d }
}

// NewSharded creates a sharded cache holding at most cfg.MaxEntries entries
// spread across cfg.ShardCount shards.
func NewSharded(cfg *config.CacheConfig, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) (*ShardedCache, error) {
	if cfg == nil {
		return nil, ErrCacheNotEnabled
	}
	if cfg.MaxEntries <= 0 {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = 64
	}
	if shardCount > cfg.MaxEntries {
		shardCount = cfg.MaxEntries
	}

	perShard := (cfg.MaxEntries + shardCount - 1) / shardCount

	sc := &ShardedCache{
		shards:        make([]*cacheShard, shardCount),
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sc)
	}

	for i := range sc.shards {
		lru, err := simplelru.NewLRU[Key, *cacheEntry](perShard, nil)
		if err != nil {
			return nil, err
		}
		sc.shards[i] = &cacheShard{entries: lru}
	}

	if sc.sweepInterval > 0 {
		go sc.cleanupLoop()
	} else {
		close(sc.cleanupDone)
	}

	logger.Info("Sharded DNS cache initialized",
		"shards", shardCount,
		"entries_per_shard", perShard,
		"total_capacity", cfg.MaxEntries)

	return sc, nil
}

func (sc *ShardedCache) shardFor(key Key) *cacheShard {
	h := xxhash.Sum64String(key.Name) ^ (uint64(key.Type) * 0x9E3779B97F4A7C15)
	return sc.shards[h%uint64(len(sc.shards))]
}

// Get returns a copy of the cached payload if the entry is still live
func (sc *ShardedCache) Get(ctx context.Context, key Key) ([]byte, bool) {
	shard := sc.shardFor(key)
	now := sc.now()

	shard.mu.Lock()
	entry, ok := shard.entries.Get(key)
	if !ok {
		shard.stats.misses++
		shard.mu.Unlock()
		sc.metrics.AddCacheLookup(ctx, false)
		return nil, false
	}

	if !now.Before(entry.expiresAt) {
		shard.entries.Remove(key)
		shard.stats.expired++
		shard.stats.misses++
		shard.mu.Unlock()
		sc.metrics.AddCacheSize(ctx, -1)
		sc.metrics.AddCacheLookup(ctx, false)
		return nil, false
	}

	payload := make([]byte, len(entry.payload))
	copy(payload, entry.payload)
	shard.stats.hits++
	shard.mu.Unlock()

	sc.metrics.AddCacheLookup(ctx, true)
	return payload, true
}

// Put stores a copy of payload until now + max(ttlSeconds, 0). A zero TTL
// yields an entry that is already expired on the next read.
func (sc *ShardedCache) Put(ctx context.Context, key Key, payload []byte, ttlSeconds int64) {
	if ttlSeconds < 0 {
		ttlSeconds = 0
	}

	entry := &cacheEntry{
		payload:   append([]byte(nil), payload...),
		expiresAt: sc.now().Add(time.Duration(ttlSeconds) * time.Second),
	}

	shard := sc.shardFor(key)
	shard.mu.Lock()
	existed := shard.entries.Contains(key)
	evicted := shard.entries.Add(key, entry)
	shard.stats.sets++
	if evicted {
		shard.stats.evictions++
	}
	shard.mu.Unlock()

	switch {
	case evicted:
		sc.metrics.AddCacheEviction(ctx)
	case !existed:
		sc.metrics.AddCacheSize(ctx, 1)
	}
}

// Stats returns aggregated cache statistics across all shards
func (sc *ShardedCache) Stats() Stats {
	var s Stats
	for _, shard := range sc.shards {
		shard.mu.Lock()
		s.Hits += shard.stats.hits
		s.Misses += shard.stats.misses
		s.Evictions += shard.stats.evictions
		s.Expired += shard.stats.expired
		s.Sets += shard.stats.sets
		s.Entries += shard.entries.Len()
		shard.mu.Unlock()
	}

	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Clear removes all entries from all shards
func (sc *ShardedCache) Clear() {
	removed := 0
	for _, shard := range sc.shards {
		shard.mu.Lock()
		removed += shard.entries.Len()
		shard.entries.Purge()
		shard.mu.Unlock()
	}
	sc.metrics.AddCacheSize(context.Background(), -int64(removed))
	sc.logger.Info("Sharded cache cleared", "removed", removed)
}

// Sweep removes every expired entry and returns how many were dropped
func (sc *ShardedCache) Sweep() int {
	now := sc.now()
	total := 0

	for _, shard := range sc.shards {
		shard.mu.Lock()
		for _, key := range shard.entries.Keys() {
			entry, ok := shard.entries.Peek(key)
			if ok && !now.Before(entry.expiresAt) {
				shard.entries.Remove(key)
				shard.stats.expired++
				total++
			}
		}
		shard.mu.Unlock()
	}

	if total > 0 {
		sc.metrics.AddCacheSize(context.Background(), -int64(total))
		sc.logger.Debug("Cleaned up expired cache entries", "removed", total)
	}
	return total
}

// Close stops the background sweep
func (sc *ShardedCache) Close() error {
	sc.closeOnce.Do(func() {
		close(sc.stopCleanup)
		<-sc.cleanupDone

		stats := sc.Stats()
		sc.logger.Info("Sharded cache closed",
			"shards", len(sc.shards),
			"final_hits", stats.Hits,
			"final_misses", stats.Misses,
			"final_entries", stats.Entries,
			"hit_rate", stats.HitRate)
	})
	return nil
}

func (sc *ShardedCache) cleanupLoop() {
	defer close(sc.cleanupDone)

	ticker := time.NewTicker(sc.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.Sweep()
		case <-sc.stopCleanup:
			return
		}
	}
}
