package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

// Pool runs detached background tasks. Each task gets a context that is not
// canceled by the submitter; Stop waits for in-flight tasks up to a timeout.
// Tasks are accepted only while the pool is running.
type Pool struct {
	ctx             context.Context
	logger          types.Logger
	metrics         types.MetricsManager
	mu              sync.Mutex
	state           State
	wg              sync.WaitGroup
	shutdownTimeout time.Duration
}

var _ types.Scheduler = (*Pool)(nil)

func NewPool(ctx context.Context, logger types.Logger, metrics types.MetricsManager) *Pool {
	p := &Pool{
		ctx:             context.WithoutCancel(ctx),
		logger:          logger,
		metrics:         metrics,
		shutdownTimeout: 10 * time.Second,
		state:           StateStopped,
	}

	return p
}

func (p *Pool) Go(name string, task func(ctx context.Context)) {
	if task == nil {
		return
	}

	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		p.logger.Debug("Task skipped, pool is not running", zap.String("task", name))
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(name, task)
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStopped {
		return types.ErrServiceIsRunning
	}
	p.state = StateRunning

	p.logger.Debug("Worker pool started")
	return nil
}

func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return types.ErrServiceIsNotRunning
	}
	p.state = StateStopping
	p.mu.Unlock()

	defer p.setState(StateStopped)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("Worker pool stopped gracefully")
	case <-time.After(p.shutdownTimeout):
		p.logger.Warn("Worker pool stop timeout, tasks still running")
	}

	return nil
}

func (p *Pool) IsRunning() bool {
	return p.getState() == StateRunning
}

func (p *Pool) getState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) setState(state State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *Pool) run(name string, task func(ctx context.Context)) {
	defer p.wg.Done()

	start := time.Now()
	result := "success"

	p.gauge(name).Inc()
	defer p.gauge(name).Dec()

	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			p.logger.Error("Background task panicked",
				zap.String("task", name),
				zap.Any("panic", r))
		}

		if p.metrics != nil {
			p.metrics.Counter("worker_tasks_total", map[string]string{"task": name, "result": result}).Inc()
			p.metrics.Histogram("worker_task_duration_seconds", nil, map[string]string{"task": name}).ObserveDuration(start)
		}
	}()

	task(p.ctx)
}

func (p *Pool) gauge(name string) types.Gauge {
	if p.metrics == nil {
		return nopGauge{}
	}
	return p.metrics.Gauge("worker_tasks_active", map[string]string{"task": name})
}

type nopGauge struct{}

func (nopGauge) Set(float64)  {}
func (nopGauge) Inc()         {}
func (nopGauge) Dec()         {}
func (nopGauge) Get() float64 { return 0 }
