package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

func backends(t *testing.T) map[string]func() types.DurableStore {
	log := logger.NewNopLogger()

	return map[string]func() types.DurableStore{
		"memory": func() types.DurableStore { return NewMemoryStore(log) },
		"clover": func() types.DurableStore {
			s, err := NewCloverStore(log, &types.StoreConfig{Type: "clover", Path: t.TempDir()})
			require.NoError(t, err)
			return s
		},
		"sqlite": func() types.DurableStore {
			s, err := NewSQLiteStore(context.Background(), log, &types.StoreConfig{
				Type: "sqlite",
				Path: filepath.Join(t.TempDir(), "store.db"),
			})
			require.NoError(t, err)
			return s
		},
	}
}

func TestDurableStoreRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := build()
			require.NoError(t, store.Start())
			defer func() { _ = store.Stop() }()

			_, found, err := store.Get(ctx, "offlineQueue_v1")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, store.Set(ctx, "offlineQueue_v1", `[{"entity_id":1}]`))
			require.NoError(t, store.Set(ctx, "offlineQueue_v1", `[]`))
			require.NoError(t, store.Set(ctx, "other", "x"))

			value, found, err := store.Get(ctx, "offlineQueue_v1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, `[]`, value)

			value, _, err = store.Get(ctx, "other")
			require.NoError(t, err)
			assert.Equal(t, "x", value)
		})
	}
}

func TestDurableStoreRejectsEmptyKey(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := build()
			assert.ErrorIs(t, store.Set(context.Background(), "", "v"), types.ErrStoreKeyEmpty)
			_, _, err := store.Get(context.Background(), "")
			assert.ErrorIs(t, err, types.ErrStoreKeyEmpty)
		})
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := &types.StoreConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "store.db")}

	first, err := NewSQLiteStore(ctx, logger.NewNopLogger(), cfg)
	require.NoError(t, err)
	require.NoError(t, first.Start())
	require.NoError(t, first.Set(ctx, "k", "v"))
	require.NoError(t, first.Stop())

	second, err := NewSQLiteStore(ctx, logger.NewNopLogger(), cfg)
	require.NoError(t, err)

	value, found, err := second.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", value)
}

func TestLifecycleTransitions(t *testing.T) {
	store := NewMemoryStore(logger.NewNopLogger())
	assert.False(t, store.IsRunning())
	require.NoError(t, store.Start())
	assert.ErrorIs(t, store.Start(), types.ErrServerAlreadyRunning)
	assert.True(t, store.IsRunning())
	require.NoError(t, store.Stop())
	assert.ErrorIs(t, store.Stop(), types.ErrServerNotRunning)
}

func TestNewDurableStoreRecordsMetrics(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	manager, err := config.NewStaticManager(cfg)
	require.NoError(t, err)

	mm := metrics.NewMemoryMetrics()
	store, err := NewDurableStore(context.Background(), manager, logger.NewNopLogger(), mm)
	require.NoError(t, err)

	require.NoError(t, store.Set(context.Background(), "k", "v"))

	counter := mm.Counter("store_operations_total", map[string]string{
		"backend":   "memory",
		"operation": "set",
		"result":    "ok",
	})
	assert.Equal(t, float64(1), counter.Get())
}

func TestNewDurableStoreUnknownType(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	cfg.Store.Type = "etcd"
	manager, err := config.NewStaticManager(cfg)
	require.NoError(t, err)

	_, err = NewDurableStore(context.Background(), manager, logger.NewNopLogger(), nil)
	assert.ErrorIs(t, err, types.ErrStoreTypeUnknown)
}
