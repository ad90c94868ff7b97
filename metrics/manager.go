package metrics

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

// NewManager builds the configured backend. A disabled section yields the
// memory backend so callers never deal with a nil manager.
func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger) (types.MetricsManager, error) {
	metricsConfig := config.GetConfig().Metrics
	if metricsConfig == nil || !metricsConfig.Enabled {
		return NewMemoryMetrics(), nil
	}

	var manager types.MetricsManager
	var err error

	switch metricsConfig.Type {
	case "memory":
		manager = NewMemoryMetrics()
	case "prometheus":
		manager, err = NewPrometheusMetrics(ctx, logger, metricsConfig)
	default:
		if creator, exists := customMetricsCreators.Load(metricsConfig.Type); exists {
			manager, err = creator.(types.MetricsManagerCreator)(metricsConfig.Config)
		} else {
			return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsConfig.Type)
		}
	}

	if err != nil {
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	logger.Info("Metrics manager initialized", zap.String("type", metricsConfig.Type))
	return manager, nil
}
