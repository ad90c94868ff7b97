package storage

import (
	"context"
	"sync"

	"github.com/saiset-co/sai-offline/types"
)

// MemoryStore is a process-local DurableStore. Values do not survive a restart.
type MemoryStore struct {
	lifecycle
	logger types.Logger
	values map[string]string
	mu     sync.RWMutex
}

func NewMemoryStore(logger types.Logger) *MemoryStore {
	return &MemoryStore{
		lifecycle: newLifecycle(),
		logger:    logger,
		values:    make(map[string]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, types.ErrStoreKeyEmpty
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	return value, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}

	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) Start() error {
	return m.start()
}

func (m *MemoryStore) Stop() error {
	return m.stop()
}

func (m *MemoryStore) IsRunning() bool {
	return m.running()
}
