package remote

import (
	"context"
	"time"

	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/types"
)

var customRemoteCreators = make(map[string]types.RemoteStoreCreator)

func RegisterRemoteStore(remoteType string, creator types.RemoteStoreCreator) {
	customRemoteCreators[remoteType] = creator
}

func NewRemoteStore(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, opts ...client.Option) (types.RemoteStore, error) {
	cfg := config.GetConfig()
	remoteConfig := cfg.Remote

	var impl types.RemoteStore
	var err error

	switch remoteConfig.Type {
	case "memory":
		impl = NewMemoryRemote()
	case "rest":
		impl, err = NewRestRemote(ctx, logger, remoteConfig, cfg.Client, opts...)
	case "clover":
		impl, err = NewCloverRemote(logger, remoteConfig)
	default:
		if creator, exists := customRemoteCreators[remoteConfig.Type]; exists {
			impl, err = creator(remoteConfig.Config)
		} else {
			return nil, types.Errorf(types.ErrRemoteTypeUnknown, "type: %s", remoteConfig.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	return &instrumentedRemote{impl: impl, metrics: metrics, backend: remoteConfig.Type}, nil
}

type instrumentedRemote struct {
	impl    types.RemoteStore
	metrics types.MetricsManager
	backend string
}

func (r *instrumentedRemote) Upsert(ctx context.Context, rows []types.Row) error {
	start := time.Now()
	err := r.impl.Upsert(ctx, rows)
	r.record("upsert", err, start)
	return err
}

func (r *instrumentedRemote) Delete(ctx context.Context, ownerID string, entityIDs []int64) error {
	start := time.Now()
	err := r.impl.Delete(ctx, ownerID, entityIDs)
	r.record("delete", err, start)
	return err
}

func (r *instrumentedRemote) Select(ctx context.Context, ownerID string) ([]types.Row, error) {
	start := time.Now()
	rows, err := r.impl.Select(ctx, ownerID)
	r.record("select", err, start)
	return rows, err
}

func (r *instrumentedRemote) BindSession(accessToken string) {
	if binder, ok := r.impl.(types.SessionBinder); ok {
		binder.BindSession(accessToken)
	}
}

// Close releases backend resources when the backend holds any.
func (r *instrumentedRemote) Close() error {
	if closer, ok := r.impl.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (r *instrumentedRemote) record(operation string, err error, start time.Time) {
	if r.metrics == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	r.metrics.Counter("remote_requests_total", map[string]string{
		"backend":   r.backend,
		"operation": operation,
		"result":    result,
	}).Inc()
	r.metrics.Histogram("remote_request_duration_seconds", nil, map[string]string{
		"backend":   r.backend,
		"operation": operation,
	}).ObserveDuration(start)
}
