package client

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
)

// CircuitBreaker stops issuing requests to an unreachable upstream and
// reports when the upstream becomes reachable again.
type CircuitBreaker struct {
	config      *types.CircuitBreakerConfig
	logger      types.Logger
	serviceName string
	onRecover   func()
	state       atomic.Value
	failures    atomic.Int32
	successes   atomic.Int32
	lastFail    atomic.Int64
	mutex       sync.Mutex
	now         func() time.Time
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, serviceName string) *CircuitBreaker {
	if config == nil {
		config = &types.CircuitBreakerConfig{Enabled: false}
	}

	cb := &CircuitBreaker{
		config:      config,
		logger:      logger,
		serviceName: serviceName,
		now:         time.Now,
	}

	cb.state.Store(StateBreakerClosed)
	return cb
}

// OnRecover registers a callback fired when the breaker closes after having
// been open. The callback runs outside the breaker lock.
func (cb *CircuitBreaker) OnRecover(fn func()) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onRecover = fn
}

func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil || !cb.config.Enabled {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getState() {
	case StateBreakerOpen:
		lastFail := time.Unix(0, cb.lastFail.Load())
		if cb.now().Sub(lastFail) > cb.config.RecoveryTimeout {
			cb.transitionTo(StateBreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	var recovered func()

	cb.mutex.Lock()
	switch cb.getState() {
	case StateBreakerClosed:
		cb.failures.Store(0)
	case StateBreakerHalfOpen:
		successes := cb.successes.Add(1)
		if successes >= int32(max(cb.config.HalfOpenRequests, 1)) {
			cb.transitionTo(StateBreakerClosed)
			recovered = cb.onRecover
		}
	}
	cb.mutex.Unlock()

	if recovered != nil {
		recovered()
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(cb.now().UnixNano())

	switch cb.getState() {
	case StateBreakerClosed:
		failures := cb.failures.Add(1)
		cb.logger.Debug("Failure recorded in closed state",
			zap.String("service", cb.serviceName),
			zap.Int32("failures", failures),
			zap.Int("threshold", cb.config.FailureThreshold))

		if failures >= int32(cb.config.FailureThreshold) {
			cb.transitionTo(StateBreakerOpen)
		}
	case StateBreakerHalfOpen:
		cb.transitionTo(StateBreakerOpen)
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.getState()
}

func (cb *CircuitBreaker) StateString() string {
	if cb == nil || !cb.config.Enabled {
		return "disabled"
	}
	return stateToString(cb.State())
}

func (cb *CircuitBreaker) getState() CircuitBreakerState {
	return cb.state.Load().(CircuitBreakerState)
}

func (cb *CircuitBreaker) transitionTo(next CircuitBreakerState) {
	prev := cb.getState()
	if prev == next {
		return
	}

	cb.state.Store(next)
	cb.successes.Store(0)
	if next == StateBreakerClosed {
		cb.failures.Store(0)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("service", cb.serviceName),
		zap.String("from", stateToString(prev)),
		zap.String("to", stateToString(next)))
}

func stateToString(state CircuitBreakerState) string {
	switch state {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
