package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func newManager(t *testing.T) *Manager {
	t.Helper()

	cm, err := config.NewStaticManager(config.NewLoader().Defaults())
	require.NoError(t, err)
	return NewManager(cm, logger.NewNopLogger())
}

func TestCheckAggregatesCheckers(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Start())

	m.RegisterChecker("cache", func(context.Context) types.HealthCheck { return Healthy("reachable") })
	m.RegisterChecker("store", func(context.Context) types.HealthCheck { return Healthy("open") })

	report := m.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, "sai-offline", report.Service.Name)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "cache", report.Checks["cache"].Name)
	assert.Equal(t, "open", report.Checks["store"].Message)

	m.RegisterChecker("network", func(context.Context) types.HealthCheck {
		return Unhealthy(errors.New("breaker open"))
	})

	report = m.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "breaker open", report.Checks["network"].Message)
}

func TestCheckBoundsSlowCheckers(t *testing.T) {
	m := newManager(t)
	m.checkTimeout = 50 * time.Millisecond

	m.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		return Unhealthy(ctx.Err())
	})

	start := time.Now()
	report := m.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, types.StatusUnhealthy, report.Status)
}

func TestLifecycle(t *testing.T) {
	m := newManager(t)

	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
}
