package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

var customStoreCreators = make(map[string]types.DurableStoreCreator)

func RegisterDurableStore(storeType string, creator types.DurableStoreCreator) {
	customStoreCreators[storeType] = creator
}

func NewDurableStore(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.DurableStore, error) {
	storeConfig := config.GetConfig().Store

	var impl types.DurableStore
	var err error

	switch storeConfig.Type {
	case "memory":
		impl = NewMemoryStore(logger)
	case "clover":
		impl, err = NewCloverStore(logger, storeConfig)
	case "sqlite":
		impl, err = NewSQLiteStore(ctx, logger, storeConfig)
	default:
		if creator, exists := customStoreCreators[storeConfig.Type]; exists {
			impl, err = creator(storeConfig.Config)
		} else {
			return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", storeConfig.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	return &instrumentedStore{impl: impl, metrics: metrics, backend: storeConfig.Type}, nil
}

type instrumentedStore struct {
	impl    types.DurableStore
	metrics types.MetricsManager
	backend string
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	value, found, err := s.impl.Get(ctx, key)
	s.record("get", err, start)
	return value, found, err
}

func (s *instrumentedStore) Set(ctx context.Context, key, value string) error {
	start := time.Now()
	err := s.impl.Set(ctx, key, value)
	s.record("set", err, start)
	return err
}

func (s *instrumentedStore) Start() error {
	return s.impl.Start()
}

func (s *instrumentedStore) Stop() error {
	return s.impl.Stop()
}

func (s *instrumentedStore) IsRunning() bool {
	return s.impl.IsRunning()
}

func (s *instrumentedStore) record(operation string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	labels := map[string]string{"backend": s.backend, "operation": operation}
	s.metrics.Counter("store_operations_total", map[string]string{
		"backend":   s.backend,
		"operation": operation,
		"result":    result,
	}).Inc()
	s.metrics.Histogram("store_operation_duration_seconds", nil, labels).ObserveDuration(start)
}

type lifecycle struct {
	state atomic.Value
}

func newLifecycle() lifecycle {
	l := lifecycle{}
	l.state.Store(StateStopped)
	return l
}

func (l *lifecycle) start() error {
	if !l.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (l *lifecycle) stop() error {
	if !l.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (l *lifecycle) running() bool {
	return l.state.Load().(State) == StateRunning
}
