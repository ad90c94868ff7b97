package connectivity

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

// Dispatcher is an in-process SignalBus. Handlers run synchronously on the
// publisher's goroutine in subscription order; a panicking handler is
// recovered and does not affect the others.
type Dispatcher struct {
	logger  types.Logger
	metrics types.MetricsManager
	subs    map[string][]subscription
	nextID  atomic.Uint64
	mu      sync.RWMutex
	state   atomic.Value
}

type subscription struct {
	id      uint64
	handler types.SignalHandler
}

var _ types.SignalBus = (*Dispatcher)(nil)

func NewDispatcher(logger types.Logger, metrics types.MetricsManager) *Dispatcher {
	d := &Dispatcher{
		logger:  logger,
		metrics: metrics,
		subs:    make(map[string][]subscription),
	}

	d.state.Store(StateStopped)
	return d
}

func (d *Dispatcher) Publish(name, source string) error {
	if !d.IsRunning() {
		return types.ErrSignalBusStopped
	}

	signal := &types.Signal{
		Name:      name,
		Source:    source,
		Timestamp: time.Now(),
		MessageID: uuid.NewString(),
	}

	d.mu.RLock()
	handlers := append([]subscription(nil), d.subs[name]...)
	d.mu.RUnlock()

	d.logger.Debug("Publishing signal",
		zap.String("signal", name),
		zap.String("source", source),
		zap.String("message_id", signal.MessageID),
		zap.Int("handlers", len(handlers)))

	for _, sub := range handlers {
		d.deliver(sub.handler, signal)
	}

	if d.metrics != nil {
		d.metrics.Counter("signals_published_total", map[string]string{"signal": name, "source": source}).Inc()
	}

	return nil
}

// Subscribe registers handler for name and returns a function removing it.
// The returned function is safe to call more than once.
func (d *Dispatcher) Subscribe(name string, handler types.SignalHandler) (func(), error) {
	if handler == nil {
		return nil, types.ErrSignalHandlerNil
	}

	id := d.nextID.Add(1)

	d.mu.Lock()
	d.subs[name] = append(d.subs[name], subscription{id: id, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(name, id) })
	}, nil
}

func (d *Dispatcher) Start() error {
	if !d.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	d.logger.Info("Signal dispatcher started")
	return nil
}

func (d *Dispatcher) Stop() error {
	if !d.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}

	d.logger.Info("Signal dispatcher stopped")
	return nil
}

func (d *Dispatcher) IsRunning() bool {
	return d.state.Load().(State) == StateRunning
}

func (d *Dispatcher) unsubscribe(name string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[name]
	for i, sub := range subs {
		if sub.id == id {
			d.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}

	if len(d.subs[name]) == 0 {
		delete(d.subs, name)
	}
}

func (d *Dispatcher) deliver(handler types.SignalHandler, signal *types.Signal) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Signal handler panicked",
				zap.String("signal", signal.Name),
				zap.Any("panic", r))
		}
	}()

	handler(signal)
}
