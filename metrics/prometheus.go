package metrics

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type PrometheusConfig struct {
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type PrometheusMetrics struct {
	ctx        context.Context
	logger     types.Logger
	config     *PrometheusConfig
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
	running    int32
}

func NewPrometheusMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	var promConfig = &PrometheusConfig{
		Namespace:       "sai_offline",
		Labels:          make(map[string]string),
		EnableGoMetrics: true,
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, promConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.String("subsystem", promConfig.Subsystem),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return &PrometheusMetrics{
		ctx:        ctx,
		logger:     logger,
		config:     promConfig,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	p.logger.Info("Prometheus metrics started")
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	p.logger.Info("Prometheus metrics stopped")
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, exists := p.counters[name]
	if !exists {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Counter metric %s", name),
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
		p.register(name, vec)
		p.counters[name] = vec
	}

	return &PrometheusCounter{counter: vec.With(labels)}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, exists := p.gauges[name]
	if !exists {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Gauge metric %s", name),
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
		p.register(name, vec)
		p.gauges[name] = vec
	}

	return &PrometheusGauge{gauge: vec.With(labels)}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, exists := p.histograms[name]
	if !exists {
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Histogram metric %s", name),
			ConstLabels: p.config.Labels,
			Buckets:     buckets,
		}, labelNames(labels))
		p.register(name, vec)
		p.histograms[name] = vec
	}

	return &PrometheusHistogram{observer: vec.With(labels)}
}

func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return nil, types.WrapError(err, "failed to gather metrics")
	}

	var buf bytes.Buffer
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, family); err != nil {
			return nil, types.WrapError(err, "failed to encode metric family")
		}
	}
	return buf.Bytes(), nil
}

// Handler exposes the registry in the Prometheus text format.
func (p *PrometheusMetrics) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

func (p *PrometheusMetrics) register(name string, collector prometheus.Collector) {
	if err := p.registry.Register(collector); err != nil {
		p.logger.Error("Failed to register metric", zap.String("name", name), zap.Error(err))
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type PrometheusCounter struct {
	counter prometheus.Counter
}

func (c *PrometheusCounter) Inc() {
	c.counter.Inc()
}

func (c *PrometheusCounter) Add(value float64) {
	c.counter.Add(value)
}

func (c *PrometheusCounter) Get() float64 {
	var m dto.Metric
	if err := c.counter.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

type PrometheusGauge struct {
	gauge prometheus.Gauge
}

func (g *PrometheusGauge) Set(value float64) {
	g.gauge.Set(value)
}

func (g *PrometheusGauge) Inc() {
	g.gauge.Inc()
}

func (g *PrometheusGauge) Dec() {
	g.gauge.Dec()
}

func (g *PrometheusGauge) Get() float64 {
	var m dto.Metric
	if err := g.gauge.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

type PrometheusHistogram struct {
	observer prometheus.Observer
}

func (h *PrometheusHistogram) Observe(value float64) {
	h.observer.Observe(value)
}

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.observer.Observe(time.Since(start).Seconds())
}

func (h *PrometheusHistogram) GetCount() uint64 {
	m, ok := h.write()
	if !ok {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func (h *PrometheusHistogram) GetSum() float64 {
	m, ok := h.write()
	if !ok {
		return 0
	}
	return m.GetHistogram().GetSampleSum()
}

func (h *PrometheusHistogram) write() (*dto.Metric, bool) {
	metric, ok := h.observer.(prometheus.Metric)
	if !ok {
		return nil, false
	}

	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		return nil, false
	}
	return &m, true
}
