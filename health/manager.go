package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

type Manager struct {
	logger       types.Logger
	service      types.ServiceInfo
	checkers     map[string]types.HealthChecker
	startTime    time.Time
	mu           sync.RWMutex
	state        atomic.Value
	checkTimeout time.Duration
}

func NewManager(config types.ConfigManager, logger types.Logger) *Manager {
	cfg := config.GetConfig()

	manager := &Manager{
		logger:       logger,
		service:      types.ServiceInfo{Name: cfg.Name, Version: cfg.Version},
		checkers:     make(map[string]types.HealthChecker),
		checkTimeout: 5 * time.Second,
	}

	manager.state.Store(StateStopped)
	return manager
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	m.startTime = time.Now()
	return nil
}

func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.state.Load().(State) == StateRunning
}

func (m *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkers[name] = checker
	m.logger.Debug("Health checker registered", zap.String("name", name))
}

// Check runs every checker concurrently. The report is unhealthy if any check is.
func (m *Manager) Check(ctx context.Context) types.HealthReport {
	m.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(m.checkers))
	for name, checker := range m.checkers {
		checkers[name] = checker
	}
	m.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	var resultsMu sync.Mutex
	results := make(map[string]types.HealthCheck, len(checkers))

	g, gCtx := errgroup.WithContext(checkCtx)
	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			start := time.Now()
			check := checker(gCtx)
			check.Name = name
			check.LastCheck = start
			check.Duration = time.Since(start)

			resultsMu.Lock()
			results[name] = check
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := types.StatusHealthy
	for _, check := range results {
		if check.Status == types.StatusUnhealthy {
			status = types.StatusUnhealthy
			break
		}
	}

	var uptime time.Duration
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime)
	}

	return types.HealthReport{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    uptime,
		Service:   m.service,
		Checks:    results,
	}
}

func Healthy(message string) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy, Message: message}
}

func Unhealthy(err error) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusUnhealthy, Message: err.Error()}
}
