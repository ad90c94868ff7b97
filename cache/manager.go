package cache

import (
	"context"
	"time"

	"github.com/saiset-co/sai-offline/types"
)

var customStorageCreators = make(map[string]types.CacheStorageCreator)

func RegisterCacheStorage(storageName string, creator types.CacheStorageCreator) {
	customStorageCreators[storageName] = creator
}

func NewCacheStorage(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.CacheStorage, error) {
	cacheConfig := config.GetConfig().Cache

	var impl types.CacheStorage
	var err error

	switch cacheConfig.Type {
	case "memory":
		impl, err = NewMemoryStorage(logger, cacheConfig)
	case "redis":
		impl, err = NewRedisStorage(ctx, logger, cacheConfig)
	default:
		if creator, exists := customStorageCreators[cacheConfig.Type]; exists {
			impl, err = creator(cacheConfig.Config)
		} else {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", cacheConfig.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	return NewInstrumentedStorage(impl, metrics), nil
}

type instrumentedStorage struct {
	impl    types.CacheStorage
	metrics types.MetricsManager
}

// NewInstrumentedStorage records operation counts and latencies for every
// tier opened through the returned storage.
func NewInstrumentedStorage(impl types.CacheStorage, metrics types.MetricsManager) types.CacheStorage {
	return &instrumentedStorage{impl: impl, metrics: metrics}
}

func (s *instrumentedStorage) Open(ctx context.Context, name string) (types.TierStore, error) {
	tier, err := s.impl.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &instrumentedTier{name: name, impl: tier, metrics: s.metrics}, nil
}

func (s *instrumentedStorage) Keys(ctx context.Context) ([]string, error) {
	return s.impl.Keys(ctx)
}

func (s *instrumentedStorage) Delete(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	deleted, err := s.impl.Delete(ctx, name)
	recordMetric(s.metrics, name, "delete", resultOf(err), start)
	return deleted, err
}

func (s *instrumentedStorage) Start() error {
	return s.impl.Start()
}

func (s *instrumentedStorage) Stop() error {
	return s.impl.Stop()
}

func (s *instrumentedStorage) IsRunning() bool {
	return s.impl.IsRunning()
}

// Ping reports backend reachability when the backend supports it.
func (s *instrumentedStorage) Ping(ctx context.Context) error {
	if pinger, ok := s.impl.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

type instrumentedTier struct {
	name    string
	impl    types.TierStore
	metrics types.MetricsManager
}

func (t *instrumentedTier) Put(ctx context.Context, key string, resp *types.Response) error {
	start := time.Now()
	err := t.impl.Put(ctx, key, resp)
	recordMetric(t.metrics, t.name, "put", resultOf(err), start)
	return err
}

func (t *instrumentedTier) Match(ctx context.Context, key string) (*types.Response, bool, error) {
	start := time.Now()
	resp, found, err := t.impl.Match(ctx, key)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case found:
		result = "hit"
	}

	recordMetric(t.metrics, t.name, "match", result, start)
	return resp, found, err
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func recordMetric(metrics types.MetricsManager, tier, operation, result string, start time.Time) {
	if metrics == nil {
		return
	}

	metrics.Counter("cache_operations_total", map[string]string{
		"tier":      tier,
		"operation": operation,
		"result":    result,
	}).Inc()

	metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).ObserveDuration(start)
}
