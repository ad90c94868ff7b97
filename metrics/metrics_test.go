package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

func backends(t *testing.T) map[string]types.MetricsManager {
	t.Helper()

	prom, err := NewPrometheusMetrics(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{
		Enabled: true,
		Type:    "prometheus",
		Config:  map[string]interface{}{"enable_go_metrics": false},
	})
	require.NoError(t, err)

	return map[string]types.MetricsManager{
		"memory":     NewMemoryMetrics(),
		"prometheus": prom,
	}
}

func TestCountersGaugesHistograms(t *testing.T) {
	for name, mm := range backends(t) {
		t.Run(name, func(t *testing.T) {
			labels := map[string]string{"strategy": "swr", "outcome": "hit"}

			mm.Counter("controller_requests_total", labels).Inc()
			mm.Counter("controller_requests_total", labels).Add(2)
			assert.Equal(t, float64(3), mm.Counter("controller_requests_total", labels).Get())

			other := map[string]string{"strategy": "swr", "outcome": "miss"}
			assert.Zero(t, mm.Counter("controller_requests_total", other).Get())

			depth := mm.Gauge("queue_depth", map[string]string{"key": "q"})
			depth.Set(4)
			depth.Inc()
			depth.Dec()
			depth.Dec()
			assert.Equal(t, float64(3), mm.Gauge("queue_depth", map[string]string{"key": "q"}).Get())

			hist := mm.Histogram("flush_seconds", nil, nil)
			hist.Observe(0.5)
			hist.ObserveDuration(time.Now().Add(-time.Second))
			assert.Equal(t, uint64(2), hist.GetCount())
			assert.InDelta(t, 1.5, hist.GetSum(), 0.1)
		})
	}
}

func TestMemoryMetricsSnapshot(t *testing.T) {
	mm := NewMemoryMetrics()
	mm.Counter("signals_published_total", map[string]string{"signal": "online", "source": "page"}).Inc()
	mm.Gauge("worker_tasks_active", nil).Set(2)

	data, err := mm.GetMetrics()
	require.NoError(t, err)

	var snapshot map[string]float64
	require.NoError(t, utils.Unmarshal(data, &snapshot))
	assert.Equal(t, float64(1), snapshot["signals_published_total{signal=online,source=page}"])
	assert.Equal(t, float64(2), snapshot["worker_tasks_active"])
}

func TestPrometheusExposition(t *testing.T) {
	prom, err := NewPrometheusMetrics(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{
		Enabled: true,
		Type:    "prometheus",
		Config: map[string]interface{}{
			"namespace":         "dex",
			"enable_go_metrics": false,
			"labels":            map[string]string{"instance": "test"},
		},
	})
	require.NoError(t, err)

	prom.Counter("reconciler_flushes_total", map[string]string{"result": "success"}).Inc()

	text, err := prom.GetMetrics()
	require.NoError(t, err)
	assert.Contains(t, string(text), `dex_reconciler_flushes_total{instance="test",result="success"} 1`)

	var ctx fasthttp.RequestCtx
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.SetRequestURI("/metrics")
	prom.Handler()(&ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "dex_reconciler_flushes_total")
}

func TestLifecycle(t *testing.T) {
	for name, mm := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, mm.Start())
			assert.True(t, mm.IsRunning())
			assert.ErrorIs(t, mm.Start(), types.ErrServerAlreadyRunning)
			require.NoError(t, mm.Stop())
			assert.False(t, mm.IsRunning())
		})
	}
}

func TestNewManagerSelectsBackend(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNopLogger()

	cfg := config.NewLoader().Defaults()
	manager, err := config.NewStaticManager(cfg)
	require.NoError(t, err)

	mm, err := NewManager(ctx, manager, log)
	require.NoError(t, err)
	assert.IsType(t, &MemoryMetrics{}, mm)

	cfg.Metrics.Enabled = true
	cfg.Metrics.Type = "prometheus"
	mm, err = NewManager(ctx, manager, log)
	require.NoError(t, err)
	assert.IsType(t, &PrometheusMetrics{}, mm)

	RegisterMetricsManager("custom", func(interface{}) (types.MetricsManager, error) {
		return NewMemoryMetrics(), nil
	})
	cfg.Metrics.Type = "custom"
	mm, err = NewManager(ctx, manager, log)
	require.NoError(t, err)
	assert.NotNil(t, mm)

	cfg.Metrics.Type = "statsd"
	_, err = NewManager(ctx, manager, log)
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}
