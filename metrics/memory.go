package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type MemoryMetrics struct {
	counters   map[string]*MemoryCounter
	gauges     map[string]*MemoryGauge
	histograms map[string]*MemoryHistogram
	mu         sync.Mutex
	running    int32
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]*MemoryCounter),
		gauges:     make(map[string]*MemoryGauge),
		histograms: make(map[string]*MemoryHistogram),
	}
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		c = &MemoryCounter{}
		m.counters[key] = c
	}
	return c
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gauges[key]
	if !ok {
		g = &MemoryGauge{}
		m.gauges[key] = g
	}
	return g
}

func (m *MemoryMetrics) Histogram(name string, _ []float64, labels map[string]string) types.Histogram {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histograms[key]
	if !ok {
		h = &MemoryHistogram{}
		m.histograms[key] = h
	}
	return h
}

func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	m.mu.Lock()
	snapshot := make(map[string]float64, len(m.counters)+len(m.gauges))
	for k, c := range m.counters {
		snapshot[k] = c.Get()
	}
	for k, g := range m.gauges {
		snapshot[k] = g.Get()
	}
	for k, h := range m.histograms {
		snapshot[k+"_count"] = float64(h.GetCount())
		snapshot[k+"_sum"] = h.GetSum()
	}
	m.mu.Unlock()

	return utils.Marshal(snapshot)
}

func buildKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

type MemoryCounter struct {
	bits uint64
}

func (c *MemoryCounter) Inc() {
	c.Add(1)
}

func (c *MemoryCounter) Add(value float64) {
	addFloat(&c.bits, value)
}

func (c *MemoryCounter) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.bits))
}

type MemoryGauge struct {
	bits uint64
}

func (g *MemoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(value))
}

func (g *MemoryGauge) Inc() {
	addFloat(&g.bits, 1)
}

func (g *MemoryGauge) Dec() {
	addFloat(&g.bits, -1)
}

func (g *MemoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

type MemoryHistogram struct {
	count uint64
	sum   uint64
}

func (h *MemoryHistogram) Observe(value float64) {
	atomic.AddUint64(&h.count, 1)
	addFloat(&h.sum, value)
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

func (h *MemoryHistogram) GetSum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func addFloat(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}
