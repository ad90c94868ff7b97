package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateRunning
)

type MemoryConfig struct {
	MaxEntriesPerTier int `json:"max_entries_per_tier"`
}

// MemoryStorage keeps every tier in process memory. Entries never expire;
// a tier only disappears when it is deleted by name.
type MemoryStorage struct {
	config *MemoryConfig
	logger types.Logger
	tiers  map[string]*memoryTier
	mu     sync.RWMutex
	state  atomic.Value
}

type memoryTier struct {
	entries    map[string]*types.CachedEntry
	maxEntries int
	evictions  uint64
	mu         sync.RWMutex
}

func NewMemoryStorage(logger types.Logger, config *types.CacheConfig) (*MemoryStorage, error) {
	var memConfig = &MemoryConfig{
		MaxEntriesPerTier: 10000,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	storage := &MemoryStorage{
		config: memConfig,
		logger: logger,
		tiers:  make(map[string]*memoryTier),
	}

	storage.state.Store(MemoryStateStopped)
	return storage, nil
}

func (m *MemoryStorage) Open(_ context.Context, name string) (types.TierStore, error) {
	if name == "" {
		return nil, types.ErrCacheNameEmpty
	}

	m.mu.RLock()
	tier, exists := m.tiers[name]
	m.mu.RUnlock()
	if exists {
		return tier, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if tier, exists = m.tiers[name]; !exists {
		tier = &memoryTier{
			entries:    make(map[string]*types.CachedEntry),
			maxEntries: m.config.MaxEntriesPerTier,
		}
		m.tiers[name] = tier
	}

	return tier, nil
}

func (m *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tiers))
	for name := range m.tiers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tier, exists := m.tiers[name]
	if !exists {
		return false, nil
	}

	delete(m.tiers, name)

	tier.mu.RLock()
	count := len(tier.entries)
	tier.mu.RUnlock()

	m.logger.Debug("Memory tier deleted", zap.String("tier", name), zap.Int("entries", count))
	return true, nil
}

func (m *MemoryStorage) Start() error {
	if !m.state.CompareAndSwap(MemoryStateStopped, MemoryStateRunning) {
		return types.ErrServerAlreadyRunning
	}
	m.logger.Info("Memory cache storage started")
	return nil
}

func (m *MemoryStorage) Stop() error {
	if !m.state.CompareAndSwap(MemoryStateRunning, MemoryStateStopped) {
		return types.ErrServerNotRunning
	}

	m.mu.Lock()
	tiers := len(m.tiers)
	m.tiers = make(map[string]*memoryTier)
	m.mu.Unlock()

	m.logger.Info("Memory cache storage stopped", zap.Int("cleared_tiers", tiers))
	return nil
}

func (m *MemoryStorage) IsRunning() bool {
	return m.state.Load().(MemoryState) == MemoryStateRunning
}

func (t *memoryTier) Put(_ context.Context, key string, resp *types.Response) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	entry := types.NewCachedEntry(key, resp)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxEntries > 0 {
		if _, exists := t.entries[key]; !exists && len(t.entries) >= t.maxEntries {
			t.evictOldestUnsafe()
		}
	}

	t.entries[key] = entry
	return nil
}

func (t *memoryTier) Match(_ context.Context, key string) (*types.Response, bool, error) {
	t.mu.RLock()
	entry, exists := t.entries[key]
	t.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	return entry.Response(), true, nil
}

func (t *memoryTier) evictOldestUnsafe() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range t.entries {
		if oldestKey == "" || entry.StoredAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.StoredAt
		}
	}

	if oldestKey != "" {
		delete(t.entries, oldestKey)
		atomic.AddUint64(&t.evictions, 1)
	}
}
