package cache

import (
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

func newRedis(t *testing.T, compress bool) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	storage, err := NewRedisStorage(context.Background(), logger.NewNopLogger(), &types.CacheConfig{
		Type: "redis",
		Config: map[string]interface{}{
			"host":               mr.Host(),
			"port":               port,
			"compress":           compress,
			"compress_threshold": 16,
		},
	})
	require.NoError(t, err)
	require.NoError(t, storage.Start())
	t.Cleanup(func() { _ = storage.Stop() })

	return storage, mr
}

func newMemory(t *testing.T) *MemoryStorage {
	t.Helper()

	storage, err := NewMemoryStorage(logger.NewNopLogger(), &types.CacheConfig{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, storage.Start())
	return storage
}

func backends(t *testing.T) map[string]types.CacheStorage {
	redisPlain, _ := newRedis(t, false)
	redisBrotli, _ := newRedis(t, true)

	return map[string]types.CacheStorage{
		"memory":       newMemory(t),
		"redis":        redisPlain,
		"redis-brotli": redisBrotli,
	}
}

func TestTierPutMatchRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tier, err := storage.Open(ctx, "data-v3")
			require.NoError(t, err)

			body := bytes.Repeat([]byte("pikachu "), 64)
			resp := &types.Response{Status: 200, Header: map[string]string{"Content-Type": "application/json"}, Body: body}
			require.NoError(t, tier.Put(ctx, "http://localhost:3000/data/pokemon.json", resp))

			resp.Body[0] = 'X'

			cached, found, err := tier.Match(ctx, "http://localhost:3000/data/pokemon.json")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, 200, cached.Status)
			assert.Equal(t, "application/json", cached.Header["Content-Type"])
			assert.Equal(t, bytes.Repeat([]byte("pikachu "), 64), cached.Body)

			_, found, err = tier.Match(ctx, "http://localhost:3000/missing")
			require.NoError(t, err)
			assert.False(t, found)

			assert.ErrorIs(t, tier.Put(ctx, "", resp), types.ErrCacheKeyEmpty)
		})
	}
}

func TestOpaqueEntriesKeepTheirFlag(t *testing.T) {
	ctx := context.Background()

	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tier, err := storage.Open(ctx, "sprites-v3")
			require.NoError(t, err)

			require.NoError(t, tier.Put(ctx, "sprite", &types.Response{Opaque: true}))

			cached, found, err := tier.Match(ctx, "sprite")
			require.NoError(t, err)
			require.True(t, found)
			assert.True(t, cached.Opaque)
			assert.Zero(t, cached.Status)
		})
	}
}

func TestEnumerateAndDeleteTiers(t *testing.T) {
	ctx := context.Background()

	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, tier := range []string{"static-v3", "static-v2", "data-v1"} {
				store, err := storage.Open(ctx, tier)
				require.NoError(t, err)
				require.NoError(t, store.Put(ctx, "k", types.NewEmptyResponse(200)))
			}

			names, err := storage.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"data-v1", "static-v2", "static-v3"}, names)

			deleted, err := storage.Delete(ctx, "static-v2")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = storage.Delete(ctx, "static-v2")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err = storage.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"data-v1", "static-v3"}, names)

			reopened, err := storage.Open(ctx, "static-v2")
			require.NoError(t, err)
			_, found, err := reopened.Match(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found, "a deleted tier starts empty")
		})
	}
}

func TestOpenRejectsEmptyName(t *testing.T) {
	_, err := newMemory(t).Open(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrCacheNameEmpty)
}

func TestMemoryTierEvictsOldestWhenFull(t *testing.T) {
	ctx := context.Background()

	storage, err := NewMemoryStorage(logger.NewNopLogger(), &types.CacheConfig{
		Type:   "memory",
		Config: map[string]interface{}{"max_entries_per_tier": 2},
	})
	require.NoError(t, err)

	tier, err := storage.Open(ctx, "data-v3")
	require.NoError(t, err)

	for _, put := range []struct {
		key    string
		status int
	}{{"a", 200}, {"b", 200}, {"b", 201}, {"c", 200}} {
		require.NoError(t, tier.Put(ctx, put.key, types.NewEmptyResponse(put.status)))
		time.Sleep(time.Millisecond)
	}

	_, found, _ := tier.Match(ctx, "a")
	assert.False(t, found)

	cached, found, _ := tier.Match(ctx, "b")
	require.True(t, found)
	assert.Equal(t, 201, cached.Status)

	_, found, _ = tier.Match(ctx, "c")
	assert.True(t, found)
}

func TestRedisDropsCorruptedEntries(t *testing.T) {
	ctx := context.Background()
	storage, mr := newRedis(t, false)

	tier, err := storage.Open(ctx, "data-v3")
	require.NoError(t, err)

	mr.HSet(storage.tierKey("data-v3"), "broken", "zgarbage")

	_, found, err := tier.Match(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists(storage.tierKey("data-v3")))
}

func TestRedisCompressesLargeEntries(t *testing.T) {
	storage, _ := newRedis(t, true)

	large, err := storage.encode(types.NewCachedEntry("k", &types.Response{Status: 200, Body: bytes.Repeat([]byte("a"), 512)}))
	require.NoError(t, err)
	assert.Equal(t, encodingBrotli, large[0])
	assert.Less(t, len(large), 512)

	entry, err := storage.decode(large)
	require.NoError(t, err)
	assert.Len(t, entry.Body, 512)

	_, err = storage.decode([]byte{})
	assert.ErrorIs(t, err, types.ErrCacheEntryCorrupted)
}

func TestRedisReportsUnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	host := mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	mr.Close()

	_, err = NewRedisStorage(context.Background(), logger.NewNopLogger(), &types.CacheConfig{
		Type:   "redis",
		Config: map[string]interface{}{"host": host, "port": port, "dial_timeout": "200ms"},
	})
	assert.Error(t, err)
}

func TestNewCacheStorageInstrumentsOperations(t *testing.T) {
	ctx := context.Background()
	cfg := config.NewLoader().Defaults()
	manager, err := config.NewStaticManager(cfg)
	require.NoError(t, err)

	mm := metrics.NewMemoryMetrics()
	storage, err := NewCacheStorage(ctx, manager, logger.NewNopLogger(), mm)
	require.NoError(t, err)

	tier, err := storage.Open(ctx, "static-v3")
	require.NoError(t, err)
	require.NoError(t, tier.Put(ctx, "/", types.NewEmptyResponse(200)))
	_, _, _ = tier.Match(ctx, "/")
	_, _, _ = tier.Match(ctx, "/missing")

	labels := func(operation, result string) map[string]string {
		return map[string]string{"tier": "static-v3", "operation": operation, "result": result}
	}
	assert.Equal(t, float64(1), mm.Counter("cache_operations_total", labels("put", "success")).Get())
	assert.Equal(t, float64(1), mm.Counter("cache_operations_total", labels("match", "hit")).Get())
	assert.Equal(t, float64(1), mm.Counter("cache_operations_total", labels("match", "miss")).Get())

	cfg.Cache.Type = "nope"
	_, err = NewCacheStorage(ctx, manager, logger.NewNopLogger(), mm)
	assert.ErrorIs(t, err, types.ErrCacheTypeUnknown)
}
