package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/codesweep/codesweep/internal/events"
)

// ErrValueTooLarge is returned when a value exceeds every tier it is
// eligible for.
var ErrValueTooLarge = errors.New("cache value exceeds tier budget")

// Config holds cache manager configuration
type Config struct {
	// MaxMemorySize bounds the in-memory tier in bytes. Default: 50MB
	MaxMemorySize int64 `yaml:"max_memory_size"`
	// MaxPersistentSize bounds the persistent tier in bytes. Default: 200MB
	MaxPersistentSize int64 `yaml:"max_persistent_size"`
	// DefaultTTL applies when a Set carries no TTL. Default: 30m
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// StaleTime is the stale-while-revalidate window past expiry. Default: 5m
	StaleTime time.Duration `yaml:"stale_time"`
	// EvictionPolicy selects the eviction heuristic. Default: smart
	EvictionPolicy EvictionPolicy `yaml:"eviction_policy"`
	// EnableCompression turns on value compression above the threshold
	EnableCompression bool `yaml:"enable_compression"`
	// CompressionThreshold is the minimum serialized size considered for
	// compression. Default: 1KB
	CompressionThreshold int64 `yaml:"compression_threshold"`
	// WarmupPriority is the priority assigned to warmed entries. Default: normal
	WarmupPriority Priority `yaml:"warmup_priority"`
	// CleanupInterval paces the expired-entry janitor; negative disables it.
	// Default: 1m
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns default cache manager configuration
func DefaultConfig() *Config {
	return &Config{
		MaxMemorySize:        50 * 1024 * 1024,
		MaxPersistentSize:    200 * 1024 * 1024,
		DefaultTTL:           30 * time.Minute,
		StaleTime:            5 * time.Minute,
		EvictionPolicy:       PolicySmart,
		EnableCompression:    true,
		CompressionThreshold: 1024,
		WarmupPriority:       PriorityNormal,
		CleanupInterval:      time.Minute,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxMemorySize <= 0 {
		c.MaxMemorySize = def.MaxMemorySize
	}
	if c.MaxPersistentSize <= 0 {
		c.MaxPersistentSize = def.MaxPersistentSize
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = def.DefaultTTL
	}
	if c.StaleTime < 0 {
		c.StaleTime = 0
	}
	if !c.EvictionPolicy.IsValid() {
		c.EvictionPolicy = def.EvictionPolicy
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if !c.WarmupPriority.IsValid() {
		c.WarmupPriority = def.WarmupPriority
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = def.CleanupInterval
	}
}

// warmupFlight tracks one in-flight warmup fetch so concurrent warmups of
// the same key coalesce instead of double-fetching.
type warmupFlight struct {
	done chan struct{}
	err  error
}

// Manager is the two-tier cache: a fast bounded in-memory tier backed by a
// larger quota-bounded persistent tier. Lookups check memory first and
// promote persistent hits. Expired entries within their stale window are
// still served; beyond it they are purged.
//
// All tier state is guarded by one mutex; mutations are single-writer.
type Manager struct {
	cfg        *Config
	logger     *slog.Logger
	bus        *events.Bus
	compressor Compressor
	backend    Backend

	mu         sync.Mutex
	memory     map[string]*Entry
	memorySize int64
	// persistIndex mirrors the backend's entries without their values, for
	// size accounting and eviction decisions without backend reads.
	persistIndex map[string]*Entry
	persistSize  int64
	inflight     map[string]*warmupFlight
	stats        counters

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewManager creates a cache manager. A nil backend disables the persistent
// tier; a nil config uses defaults; nil bus and logger disable their outputs.
func NewManager(cfg *Config, backend Backend, bus *events.Bus, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Manager{
		cfg:          cfg,
		logger:       logger,
		bus:          bus,
		backend:      backend,
		memory:       make(map[string]*Entry),
		persistIndex: make(map[string]*Entry),
		inflight:     make(map[string]*warmupFlight),
		stopCh:       make(chan struct{}),
	}

	if cfg.EnableCompression {
		compressor, err := NewZstdCompressor()
		if err != nil {
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		m.compressor = compressor
	}

	if backend != nil {
		if err := m.loadPersistentIndex(context.Background()); err != nil {
			return nil, err
		}
	}

	if cfg.CleanupInterval > 0 {
		go m.janitorLoop()
	}
	return m, nil
}

// loadPersistentIndex rebuilds the in-memory view of the persistent tier,
// discarding entries that died while the process was down.
func (m *Manager) loadPersistentIndex(ctx context.Context) error {
	keys, err := m.backend.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persistent cache keys: %w", err)
	}
	now := time.Now()
	for _, key := range keys {
		entry, err := m.backend.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to load persistent cache entry %s: %w", key, err)
		}
		if entry == nil {
			continue
		}
		if entry.Dead(now) {
			if err := m.backend.Delete(ctx, key); err != nil {
				m.logger.Warn("failed to purge dead cache entry", "key", key, "error", err)
			}
			continue
		}
		meta := entry.inTier(TierPersistent)
		meta.Value = nil
		m.persistIndex[key] = meta
		m.persistSize += meta.Size
	}
	return nil
}

// Set serializes and stores a value. The memory tier always receives the
// entry; the persistent tier additionally receives entries of priority
// normal and above, so high-priority entries exist in both tiers.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, opts *SetOptions) error {
	if opts == nil {
		opts = &SetOptions{}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize cache value: %w", err)
	}

	stored := raw
	compressed := false
	var saved int64
	if m.compressor != nil && int64(len(raw)) >= m.cfg.CompressionThreshold {
		packed, err := m.compressor.Compress(raw)
		if err != nil {
			// Compression failure degrades to an uncompressed write.
			m.logger.Warn("cache compression failed", "key", key, "error", err)
		} else if int64(len(packed)) <= int64(len(raw))*9/10 {
			// Keep compression only when it saves more than 10%.
			stored = packed
			compressed = true
			saved = int64(len(raw) - len(packed))
		}
	}

	priority := opts.Priority
	if !priority.IsValid() {
		priority = PriorityNormal
	}
	now := time.Now()
	entry := &Entry{
		Key:        key,
		Value:      stored,
		Hash:       hashValue(raw),
		Size:       int64(len(stored)),
		Compressed: compressed,
		CreatedAt:  now,
		AccessedAt: now,
		Priority:   priority,
		Tags:       opts.Tags,
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
		staleTime := opts.StaleTime
		if staleTime == 0 {
			staleTime = m.cfg.StaleTime
		}
		if staleTime > 0 {
			entry.StaleUntil = entry.ExpiresAt.Add(staleTime)
		}
	}

	m.mu.Lock()
	var evicted []string
	storedAnywhere := false

	if entry.Size <= m.cfg.MaxMemorySize {
		if existing, ok := m.memory[key]; ok {
			m.memorySize -= existing.Size
			delete(m.memory, key)
		}
		evicted = append(evicted, m.evictMemoryLocked(entry.Size, now)...)
		m.memory[key] = entry.inTier(TierMemory)
		m.memorySize += entry.Size
		storedAnywhere = true
	}

	if m.backend != nil && priority >= PriorityNormal && entry.Size <= m.cfg.MaxPersistentSize {
		if existing, ok := m.persistIndex[key]; ok {
			m.persistSize -= existing.Size
			delete(m.persistIndex, key)
		}
		evicted = append(evicted, m.evictPersistentLocked(ctx, entry.Size, now)...)

		persisted := entry.inTier(TierPersistent)
		if err := m.backend.Set(ctx, persisted); err != nil {
			m.logger.Warn("persistent cache write failed", "key", key, "error", err)
		} else {
			meta := persisted.inTier(TierPersistent)
			meta.Value = nil
			m.persistIndex[key] = meta
			m.persistSize += meta.Size
			storedAnywhere = true
		}
	}
	if saved > 0 {
		m.stats.savedBytes += saved
	}
	m.mu.Unlock()

	if saved > 0 {
		m.emitCacheEvent(events.EventTypeCacheCompression, events.SeverityInfo,
			fmt.Sprintf("compressed cache value for %s", key),
			events.CacheEventData{Key: key, SizeBytes: entry.Size, SavedBytes: saved})
	}
	for _, victim := range evicted {
		m.emitCacheEvent(events.EventTypeCacheEviction, events.SeverityInfo,
			fmt.Sprintf("evicted %s under %s policy", victim, m.cfg.EvictionPolicy),
			events.CacheEventData{Key: victim, Policy: string(m.cfg.EvictionPolicy)})
	}

	if !storedAnywhere {
		return fmt.Errorf("%w: %s (%d bytes)", ErrValueTooLarge, key, entry.Size)
	}
	return nil
}

// Get looks a value up, memory tier first, and decodes it into dest.
// Persistent hits are promoted into memory as fresh records. Returns false
// on a full miss; expired entries within their stale window are served.
func (m *Manager) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	start := time.Now()

	m.mu.Lock()
	entry, tier, stale, evicted := m.lookupLocked(ctx, key, start)
	m.stats.getCount++
	m.stats.getNanos += time.Since(start).Nanoseconds()
	m.mu.Unlock()

	for _, victim := range evicted {
		m.emitCacheEvent(events.EventTypeCacheEviction, events.SeverityInfo,
			fmt.Sprintf("evicted %s under %s policy", victim, m.cfg.EvictionPolicy),
			events.CacheEventData{Key: victim, Policy: string(m.cfg.EvictionPolicy)})
	}

	if entry == nil {
		m.emitCacheEvent(events.EventTypeCacheMiss, events.SeverityInfo,
			fmt.Sprintf("cache miss for %s", key), events.CacheEventData{Key: key})
		return false, nil
	}

	if stale {
		m.emitCacheEvent(events.EventTypeCacheStaleHit, events.SeverityWarning,
			fmt.Sprintf("serving stale cache entry for %s", key),
			events.CacheEventData{Key: key, Tier: string(tier)})
	} else {
		m.emitCacheEvent(events.EventTypeCacheHit, events.SeverityInfo,
			fmt.Sprintf("cache hit for %s", key),
			events.CacheEventData{Key: key, Tier: string(tier)})
	}

	if err := m.decode(entry, dest); err != nil {
		return false, err
	}
	return true, nil
}

// lookupLocked resolves a key across tiers, updating stats and promoting
// persistent hits. Returns the served entry (nil on full miss), its source
// tier, whether it was stale, and keys evicted during promotion.
func (m *Manager) lookupLocked(ctx context.Context, key string, now time.Time) (*Entry, Tier, bool, []string) {
	if entry, ok := m.memory[key]; ok {
		if entry.Dead(now) {
			m.memorySize -= entry.Size
			delete(m.memory, key)
		} else {
			touched := entry.touched(now)
			m.memory[key] = touched
			m.stats.memoryHits++
			if touched.Expired(now) {
				m.stats.staleHits++
				return touched, TierMemory, true, nil
			}
			return touched, TierMemory, false, nil
		}
	}
	m.stats.memoryMisses++

	if m.backend == nil {
		return nil, "", false, nil
	}

	meta, ok := m.persistIndex[key]
	if !ok {
		m.stats.persistentMisses++
		return nil, "", false, nil
	}
	if meta.Dead(now) {
		m.persistSize -= meta.Size
		delete(m.persistIndex, key)
		if err := m.backend.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to purge dead cache entry", "key", key, "error", err)
		}
		m.stats.persistentMisses++
		return nil, "", false, nil
	}

	entry, err := m.backend.Get(ctx, key)
	if err != nil {
		// Backend trouble reads as a miss rather than breaking the caller.
		m.logger.Warn("persistent cache read failed", "key", key, "error", err)
		m.stats.persistentMisses++
		return nil, "", false, nil
	}
	if entry == nil {
		m.persistSize -= meta.Size
		delete(m.persistIndex, key)
		m.stats.persistentMisses++
		return nil, "", false, nil
	}

	m.stats.persistentHits++
	served := entry.touched(now)
	m.persistIndex[key] = func() *Entry {
		clone := served.inTier(TierPersistent)
		clone.Value = nil
		return clone
	}()

	// Promote into memory as a new record.
	var evicted []string
	if served.Size <= m.cfg.MaxMemorySize {
		evicted = m.evictMemoryLocked(served.Size, now)
		m.memory[key] = served.inTier(TierMemory)
		m.memorySize += served.Size
	}

	if served.Expired(now) {
		m.stats.staleHits++
		return served, TierPersistent, true, evicted
	}
	return served, TierPersistent, false, evicted
}

// Has reports whether key is present (fresh or within its stale window) in
// either tier, without touching access bookkeeping.
func (m *Manager) Has(key string) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.memory[key]; ok && !entry.Dead(now) {
		return true
	}
	if meta, ok := m.persistIndex[key]; ok && !meta.Dead(now) {
		return true
	}
	return false
}

// Delete removes the key from both tiers.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.memory[key]; ok {
		m.memorySize -= entry.Size
		delete(m.memory, key)
	}
	if meta, ok := m.persistIndex[key]; ok {
		m.persistSize -= meta.Size
		delete(m.persistIndex, key)
		if err := m.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete persistent cache entry: %w", err)
		}
	}
	return nil
}

// Clear empties both tiers.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory = make(map[string]*Entry)
	m.memorySize = 0
	m.persistIndex = make(map[string]*Entry)
	m.persistSize = 0
	if m.backend != nil {
		if err := m.backend.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear persistent cache: %w", err)
		}
	}
	return nil
}

// InvalidateByTag removes every memory-tier entry carrying the tag and
// returns the count removed. The persistent tier is left alone: its copies
// age out by TTL, which keeps invalidation cheap at the cost of possibly
// re-promoting a tagged entry before it expires.
func (m *Manager) InvalidateByTag(tag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.memory {
		if entry.HasTag(tag) {
			m.memorySize -= entry.Size
			delete(m.memory, key)
			removed++
		}
	}
	return removed
}

// GetOrSet is the cache-aside pattern: return the cached value when valid,
// else fetch, store, and return. Cache write failures degrade to serving
// the fetched value uncached.
func (m *Manager) GetOrSet(ctx context.Context, key string, dest interface{}, fetcher func(ctx context.Context) (interface{}, error), opts *SetOptions) error {
	found, err := m.Get(ctx, key, dest)
	if found && err == nil {
		return nil
	}
	if err != nil {
		m.logger.Warn("cache read failed, falling through to fetch", "key", key, "error", err)
	}

	value, err := fetcher(ctx)
	if err != nil {
		return err
	}
	if err := m.Set(ctx, key, value, opts); err != nil {
		m.logger.Warn("cache write failed", "key", key, "error", err)
	}
	return roundTrip(value, dest)
}

// Warmup concurrently fetches and stores every listed key that is not
// already cached. Concurrent warmups of the same key coalesce: the second
// caller waits on the first's in-flight fetch instead of double-fetching.
func (m *Manager) Warmup(ctx context.Context, keys []string, fetcher func(ctx context.Context, key string) (interface{}, error)) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		if m.Has(key) {
			continue
		}

		m.mu.Lock()
		if f, ok := m.inflight[key]; ok {
			m.mu.Unlock()
			g.Go(func() error {
				select {
				case <-f.done:
					return f.err
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			continue
		}
		f := &warmupFlight{done: make(chan struct{})}
		m.inflight[key] = f
		m.mu.Unlock()

		g.Go(func() error {
			defer func() {
				m.mu.Lock()
				delete(m.inflight, key)
				m.mu.Unlock()
				close(f.done)
			}()
			value, err := fetcher(ctx, key)
			if err != nil {
				f.err = fmt.Errorf("warmup fetch for %s failed: %w", key, err)
				return f.err
			}
			if err := m.Set(ctx, key, value, &SetOptions{Priority: m.cfg.WarmupPriority}); err != nil {
				f.err = err
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Stats returns a point-in-time snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Memory: TierStats{
			Entries:      len(m.memory),
			SizeBytes:    m.memorySize,
			MaxSizeBytes: m.cfg.MaxMemorySize,
			Utilization:  float64(m.memorySize) / float64(m.cfg.MaxMemorySize),
			Hits:         m.stats.memoryHits,
			Misses:       m.stats.memoryMisses,
		},
		Persistent: TierStats{
			Entries:      len(m.persistIndex),
			SizeBytes:    m.persistSize,
			MaxSizeBytes: m.cfg.MaxPersistentSize,
			Utilization:  float64(m.persistSize) / float64(m.cfg.MaxPersistentSize),
			Hits:         m.stats.persistentHits,
			Misses:       m.stats.persistentMisses,
		},
		StaleHits:             m.stats.staleHits,
		Evictions:             m.stats.evictions,
		CompressionSavedBytes: m.stats.savedBytes,
	}

	hits := m.stats.memoryHits + m.stats.persistentHits
	fullMisses := m.stats.memoryMisses
	if m.backend != nil {
		fullMisses = m.stats.persistentMisses
	}
	if hits+fullMisses > 0 {
		stats.HitRate = float64(hits) / float64(hits+fullMisses)
	}
	if m.stats.getCount > 0 {
		stats.AvgGetLatency = time.Duration(m.stats.getNanos / m.stats.getCount)
	}
	return stats
}

// MemorySize returns the memory tier's current byte total.
func (m *Manager) MemorySize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memorySize
}

// Close stops the janitor and closes the backend.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopCh)
		if m.backend != nil {
			err = m.backend.Close()
		}
	})
	return err
}

// evictMemoryLocked frees room for need bytes in the memory tier, returning
// the evicted keys.
func (m *Manager) evictMemoryLocked(need int64, now time.Time) []string {
	var evicted []string
	for m.memorySize+need > m.cfg.MaxMemorySize && len(m.memory) > 0 {
		victim := pickVictim(m.memory, m.cfg.EvictionPolicy, m.cfg.MaxMemorySize, now)
		entry := m.memory[victim]
		m.memorySize -= entry.Size
		delete(m.memory, victim)
		m.stats.evictions++
		evicted = append(evicted, victim)
	}
	return evicted
}

// evictPersistentLocked frees room for need bytes in the persistent tier.
func (m *Manager) evictPersistentLocked(ctx context.Context, need int64, now time.Time) []string {
	var evicted []string
	for m.persistSize+need > m.cfg.MaxPersistentSize && len(m.persistIndex) > 0 {
		victim := pickVictim(m.persistIndex, m.cfg.EvictionPolicy, m.cfg.MaxPersistentSize, now)
		meta := m.persistIndex[victim]
		m.persistSize -= meta.Size
		delete(m.persistIndex, victim)
		m.stats.evictions++
		evicted = append(evicted, victim)
		if err := m.backend.Delete(ctx, victim); err != nil {
			m.logger.Warn("failed to delete evicted cache entry", "key", victim, "error", err)
		}
	}
	return evicted
}

// decode decompresses (when needed) and unmarshals an entry into dest. A
// nil dest skips decoding, for presence-only callers.
func (m *Manager) decode(entry *Entry, dest interface{}) error {
	if dest == nil {
		return nil
	}
	data := entry.Value
	if entry.Compressed {
		if m.compressor == nil {
			return fmt.Errorf("cache entry %s is compressed but compression is disabled", entry.Key)
		}
		raw, err := m.compressor.Decompress(data)
		if err != nil {
			return err
		}
		data = raw
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode cache value for %s: %w", entry.Key, err)
	}
	return nil
}

// janitorLoop periodically purges entries past both TTL and stale window.
func (m *Manager) janitorLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.purgeExpired(now)
		}
	}
}

func (m *Manager) purgeExpired(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.memory {
		if entry.Dead(now) {
			m.memorySize -= entry.Size
			delete(m.memory, key)
		}
	}
	for key, meta := range m.persistIndex {
		if meta.Dead(now) {
			m.persistSize -= meta.Size
			delete(m.persistIndex, key)
			if err := m.backend.Delete(ctx, key); err != nil {
				m.logger.Warn("failed to purge dead cache entry", "key", key, "error", err)
			}
		}
	}
}

func (m *Manager) emitCacheEvent(eventType events.EventType, severity events.EventSeverity, message string, data events.CacheEventData) {
	if m.bus == nil {
		return
	}
	evt, err := events.NewCacheEvent(eventType, severity, message, data)
	if err != nil {
		m.logger.Warn("failed to build cache event", "error", err)
		return
	}
	m.bus.Emit(evt)
}

// roundTrip copies value into dest through serialization, so GetOrSet
// callers see the same representation a cache hit would produce.
func roundTrip(value, dest interface{}) error {
	if dest == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize fetched value: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode fetched value: %w", err)
	}
	return nil
}
