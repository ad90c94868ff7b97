package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/saiset-co/sai-offline/types"
)

// MemoryRemote is an in-process entity collection keyed by (owner, entity).
type MemoryRemote struct {
	rows map[string]map[int64]bool
	mu   sync.RWMutex
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{rows: make(map[string]map[int64]bool)}
}

func (m *MemoryRemote) Upsert(_ context.Context, rows []types.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		if row.OwnerID == "" {
			return types.ErrOwnerEmpty
		}
		owned, ok := m.rows[row.OwnerID]
		if !ok {
			owned = make(map[int64]bool)
			m.rows[row.OwnerID] = owned
		}
		owned[row.EntityID] = row.Flag
	}

	return nil
}

func (m *MemoryRemote) Delete(_ context.Context, ownerID string, entityIDs []int64) error {
	if ownerID == "" {
		return types.ErrOwnerEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	owned := m.rows[ownerID]
	for _, id := range entityIDs {
		delete(owned, id)
	}

	return nil
}

func (m *MemoryRemote) Select(_ context.Context, ownerID string) ([]types.Row, error) {
	if ownerID == "" {
		return nil, types.ErrOwnerEmpty
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]types.Row, 0, len(m.rows[ownerID]))
	for id, flag := range m.rows[ownerID] {
		rows = append(rows, types.Row{OwnerID: ownerID, EntityID: id, Flag: flag})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].EntityID < rows[j].EntityID })
	return rows, nil
}
