package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

const (
	linkSource = "link"
	writeWait  = 10 * time.Second
)

// LinkMonitor holds a websocket open to a realtime endpoint and reports link
// transitions: offline when the connection drops or cannot be made, online
// when it is re-established after having been down.
type LinkMonitor struct {
	ctx       context.Context
	cancel    context.CancelFunc
	logger    types.Logger
	config    *types.LinkConfig
	publisher types.SignalPublisher
	dialer    *websocket.Dialer
	conn      *websocket.Conn
	connMu    sync.Mutex
	connected atomic.Bool
	state     atomic.Value
	wg        sync.WaitGroup

	// afterDial runs between a successful dial and hold; tests only.
	afterDial func()
}

func NewLinkMonitor(ctx context.Context, logger types.Logger, config *types.LinkConfig, publisher types.SignalPublisher) (*LinkMonitor, error) {
	if config == nil || config.URL == "" {
		return nil, types.ErrLinkNotConfigured
	}

	cfg := *config
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}

	monitorCtx, cancel := context.WithCancel(ctx)

	m := &LinkMonitor{
		ctx:       monitorCtx,
		cancel:    cancel,
		logger:    logger,
		config:    &cfg,
		publisher: publisher,
		dialer:    &websocket.Dialer{HandshakeTimeout: writeWait},
	}

	m.state.Store(StateStopped)
	return m, nil
}

func (m *LinkMonitor) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	m.wg.Add(1)
	go m.run()

	m.logger.Info("Link monitor started", zap.String("url", m.config.URL))
	return nil
}

func (m *LinkMonitor) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}

	m.cancel()
	m.closeConn()
	m.wg.Wait()

	m.logger.Info("Link monitor stopped")
	return nil
}

func (m *LinkMonitor) IsRunning() bool {
	return m.state.Load().(State) == StateRunning
}

func (m *LinkMonitor) Connected() bool {
	return m.connected.Load()
}

func (m *LinkMonitor) run() {
	defer m.wg.Done()

	down := false

	for {
		conn, _, err := m.dialer.DialContext(m.ctx, m.config.URL, nil)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}

			m.logger.Debug("Link dial failed", zap.Error(err))
			if !down {
				m.publish(types.SignalOffline)
				down = true
			}
		} else {
			if down {
				m.publish(types.SignalOnline)
				down = false
			}

			if m.afterDial != nil {
				m.afterDial()
			}

			m.hold(conn)

			if m.ctx.Err() != nil {
				return
			}

			m.publish(types.SignalOffline)
			down = true
		}

		select {
		case <-time.After(m.config.ReconnectDelay):
		case <-m.ctx.Done():
			return
		}
	}
}

// hold keeps conn alive with pings and blocks until it fails.
func (m *LinkMonitor) hold(conn *websocket.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	// Stop may have run between the dial and the store above.
	if m.ctx.Err() != nil {
		m.closeConn()
		return
	}

	m.connected.Store(true)
	defer m.connected.Store(false)
	defer m.closeConn()

	_ = conn.SetReadDeadline(time.Now().Add(m.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.config.PongWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(m.config.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					m.logger.Debug("Link ping failed", zap.Error(err))
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			m.logger.Debug("Link dropped", zap.Error(err))
			return
		}
	}
}

func (m *LinkMonitor) closeConn() {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *LinkMonitor) publish(name string) {
	if err := m.publisher.Publish(name, linkSource); err != nil {
		m.logger.Warn("Failed to publish link signal",
			zap.String("signal", name),
			zap.Error(err))
	}
}
