package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/connectivity"
	"github.com/saiset-co/sai-offline/controller"
	"github.com/saiset-co/sai-offline/health"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/queue"
	"github.com/saiset-co/sai-offline/reconciler"
	"github.com/saiset-co/sai-offline/remote"
	"github.com/saiset-co/sai-offline/sai"
	"github.com/saiset-co/sai-offline/server"
	"github.com/saiset-co/sai-offline/storage"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/worker"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const breakerSource = "breaker"

type metricsExporter interface {
	Handler() fasthttp.RequestHandler
}

type Option func(*Service)

// WithListener serves the interceptor on an existing listener instead of
// the configured host and port.
func WithListener(listener net.Listener) Option {
	return func(s *Service) {
		s.listener = listener
	}
}

// WithClientOptions applies options to every outbound fasthttp client.
func WithClientOptions(opts ...client.Option) Option {
	return func(s *Service) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	container       *sai.Container
	listener        net.Listener
	clientOpts      []client.Option
	handleSignals   bool
}

func NewService(ctx context.Context, configPath string, opts ...Option) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return newService(ctx, configManager, true, opts...)
}

// NewServiceWithConfig builds a service from an in-memory configuration. OS
// signals are not handled; callers stop the service themselves.
func NewServiceWithConfig(ctx context.Context, cfg *types.ServiceConfig, opts ...Option) (*Service, error) {
	configManager, err := config.NewStaticManager(cfg)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return newService(ctx, configManager, false, opts...)
}

func newService(ctx context.Context, configManager types.ConfigManager, handleSignals bool, opts ...Option) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)
	container := sai.InitContainer()

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		container:       container,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
		handleSignals:   handleSignals,
	}

	for _, opt := range opts {
		opt(service)
	}

	service.state.Store(StateStopped)

	if err := service.registerProviders(configManager); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	sai.SetContainer(container)
	return service, nil
}

// Start runs the service and blocks until it is stopped.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		sai.Logger().Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				sai.Logger().Error("Service run panic", zap.Stack(string(buf[:n])))
				s.state.Store(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	sai.Logger().Info("Starting service")

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		_ = s.stopComponents()
		s.state.Store(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.state.Store(StateRunning)

	if s.handleSignals {
		s.setupSignalHandling()
	}

	s.wg.Add(1)
	go s.contextMonitor()

	sai.Logger().Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		sai.Logger().Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.state.Store(StateStopped)

	sai.Logger().Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		sai.Logger().Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	sai.Logger().Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) Container() *sai.Container {
	return s.container
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) startComponents(ctx context.Context) error {
	_config := sai.Config().GetConfig()

	if manager, ok := sai.Config().(types.LifecycleManager); ok {
		if err := manager.Start(); err != nil {
			return types.WrapError(err, "failed to start config manager")
		}
	}

	if err := sai.Logger().Start(); err != nil {
		return types.WrapError(err, "failed to start logger")
	}

	g, gCtx := errgroup.WithContext(ctx)

	for name, manager := range s.supportManagers(_config) {
		name, manager := name, manager
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			if err := manager.Start(); err != nil {
				return types.WrapError(err, "failed to start "+name)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if pool := s.container.Pool.Load(); pool != nil {
		if err := pool.Start(); err != nil {
			return types.WrapError(err, "failed to start worker pool")
		}
	}

	interceptor := s.container.Interceptor.Load()
	var err error
	if s.listener != nil {
		err = interceptor.Serve(s.listener)
	} else {
		err = interceptor.Start()
	}
	if err != nil {
		return types.WrapError(err, "failed to start interceptor")
	}

	s.bootstrap(ctx)

	if link := s.container.Link.Load(); link != nil {
		if err := link.Start(); err != nil {
			sai.Logger().Error("Failed to start link monitor", zap.Error(err))
		}
	}

	sai.Logger().Info("All components started successfully")
	return nil
}

// bootstrap installs the app shell and activates the controller. A failed
// install still activates when the current static tier survives from an
// earlier run; otherwise requests keep going straight to the network.
func (s *Service) bootstrap(ctx context.Context) {
	ctrl := s.container.Controller.Load()

	if err := ctrl.Install(ctx); err != nil {
		names, keysErr := (*s.container.Cache.Load()).Keys(ctx)
		if keysErr != nil || !slices.Contains(names, ctrl.Manifest().TierName(types.TierStatic)) {
			sai.Logger().Warn("Controller not activated, previous generation stays in control", zap.Error(err))
			return
		}
		sai.Logger().Warn("Install failed, activating on existing static tier", zap.Error(err))
	}

	if err := ctrl.Activate(ctx); err != nil {
		sai.Logger().Error("Controller activation failed", zap.Error(err))
	}
}

func (s *Service) supportManagers(_config *types.ServiceConfig) map[string]types.LifecycleManager {
	managers := map[string]types.LifecycleManager{}

	if ptr := s.container.Metrics.Load(); ptr != nil {
		managers["metrics manager"] = *ptr
	}
	if ptr := s.container.Health.Load(); ptr != nil && _config.Health != nil && _config.Health.Enabled {
		managers["health manager"] = *ptr
	}
	if ptr := s.container.Cache.Load(); ptr != nil {
		managers["cache storage"] = *ptr
	}
	if ptr := s.container.Store.Load(); ptr != nil {
		managers["durable store"] = *ptr
	}
	if ptr := s.container.Signals.Load(); ptr != nil {
		managers["signal bus"] = *ptr
	}

	return managers
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errors []error

	sai.Logger().Info("Stopping service components...")

	if link := s.container.Link.Load(); link != nil && link.IsRunning() {
		if err := link.Stop(); err != nil {
			errors = append(errors, err)
		}
	}

	if interceptor := s.container.Interceptor.Load(); interceptor != nil && interceptor.IsRunning() {
		if err := interceptor.Stop(); err != nil {
			sai.Logger().Error("Failed to stop interceptor", zap.Error(err))
			errors = append(errors, err)
		}
	}

	if session := s.container.Session.Load(); session != nil {
		session.End()
	}

	if pool := s.container.Pool.Load(); pool != nil && pool.IsRunning() {
		if err := pool.Stop(); err != nil {
			errors = append(errors, err)
		}
	}

	if fetcher := s.container.Fetcher.Load(); fetcher != nil {
		fetcher.Close()
	}

	if ptr := s.container.Remote.Load(); ptr != nil {
		if closer, ok := (*ptr).(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				sai.Logger().Error("Failed to close remote store", zap.Error(err))
				errors = append(errors, err)
			}
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	for name, manager := range s.supportManagers(sai.Config().GetConfig()) {
		name, manager := name, manager
		if !manager.IsRunning() {
			continue
		}
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			if err := manager.Stop(); err != nil {
				sai.Logger().Error("Failed to stop "+name, zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			sai.Logger().Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errors = append(errors, err)
		}
	}

	if manager := sai.Logger(); manager.IsRunning() {
		_ = manager.Stop()
	}

	if manager, ok := sai.Config().(types.LifecycleManager); ok && manager.IsRunning() {
		if err := manager.Stop(); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errors)
	}

	sai.Logger().Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			sai.Logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			sai.Logger().Info("Service context cancelled")
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		sai.Logger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		sai.Logger().Warn("Service shutdown: context deadline exceeded")
	default:
		sai.Logger().Info("Service shutdown: context done")
	}
}

func (s *Service) registerProviders(configManager types.ConfigManager) error {
	ctx := s.ctx
	container := s.container

	container.SetConfig(configManager)
	_config := configManager.GetConfig()

	loggerManager, err := logger.NewManager(ctx, configManager)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	container.SetLogger(loggerManager)

	metricsManager, err := metrics.NewManager(ctx, configManager, loggerManager)
	if err != nil {
		return types.WrapError(err, "failed to register metrics manager")
	}
	container.SetMetrics(metricsManager)

	healthManager := health.NewManager(configManager, loggerManager)
	container.SetHealth(healthManager)

	cacheStorage, err := cache.NewCacheStorage(ctx, configManager, loggerManager, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to register cache storage")
	}
	container.SetCache(cacheStorage)

	durableStore, err := storage.NewDurableStore(ctx, configManager, loggerManager, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to register durable store")
	}
	container.SetStore(durableStore)

	remoteStore, err := remote.NewRemoteStore(ctx, configManager, loggerManager, metricsManager, s.clientOpts...)
	if err != nil {
		return types.WrapError(err, "failed to register remote store")
	}
	container.SetRemote(remoteStore)

	bus := connectivity.NewDispatcher(loggerManager, metricsManager)
	container.SetSignals(bus)

	fetcher := client.NewFetcher(loggerManager, _config.Client, s.clientOpts...)
	fetcher.Breaker().OnRecover(func() {
		if err := bus.Publish(types.SignalOnline, breakerSource); err != nil {
			loggerManager.Debug("Breaker recovery signal dropped", zap.Error(err))
		}
	})
	container.Fetcher.Store(fetcher)

	pool := worker.NewPool(ctx, loggerManager, metricsManager)
	container.Pool.Store(pool)

	mutationQueue := queue.New(loggerManager, durableStore, _config.Queue, metricsManager)
	container.Queue.Store(mutationQueue)

	flusher := reconciler.New(loggerManager, mutationQueue, pool, _config.Reconciler, metricsManager)
	container.Reconciler.Store(flusher)

	watcher := connectivity.NewWatcher(loggerManager, bus, flusher)
	session := connectivity.NewSession(loggerManager, watcher, flusher, remoteStore)
	container.Session.Store(session)

	manifest, err := controller.NewManifest(_config.Controller)
	if err != nil {
		return types.WrapError(err, "failed to build cache manifest")
	}

	interceptor := server.NewInterceptor(ctx, configManager, loggerManager, metricsManager, manifest.Origin(), fetcher)
	container.Interceptor.Store(interceptor)

	ctrl := controller.New(loggerManager, manifest, cacheStorage, fetcher, pool, interceptor, metricsManager)
	container.Controller.Store(ctrl)

	var metricsHandler fasthttp.RequestHandler
	if exporter, ok := metricsManager.(metricsExporter); ok {
		metricsHandler = exporter.Handler()
	}

	metricsPath := ""
	if _config.Metrics != nil && _config.Metrics.Enabled {
		metricsPath = _config.Metrics.Path
	}

	deps := server.ControlDeps{
		Queue:          mutationQueue,
		Reconciler:     flusher,
		Session:        session,
		Bus:            bus,
		Metrics:        metricsManager,
		MetricsHandler: metricsHandler,
		CORS:           _config.Server.CORS,
		Origin:         manifest.Origin(),
		Online: func() bool {
			return fetcher.Breaker().State() != client.StateBreakerOpen
		},
	}
	if _config.Health != nil && _config.Health.Enabled {
		deps.Health = healthManager
	}
	server.NewControlAPI(loggerManager, deps).Register(interceptor, metricsPath)

	if link := _config.Connectivity; link != nil && link.Link != nil && link.Link.Enabled {
		monitor, err := connectivity.NewLinkMonitor(ctx, loggerManager, link.Link, bus)
		if err != nil {
			return types.WrapError(err, "failed to register link monitor")
		}
		container.Link.Store(monitor)
	}

	s.registerHealthCheckers(healthManager)

	return nil
}

func (s *Service) registerHealthCheckers(manager types.HealthManager) {
	container := s.container

	manager.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		cacheStorage := *container.Cache.Load()
		if pinger, ok := cacheStorage.(interface{ Ping(context.Context) error }); ok {
			if err := pinger.Ping(ctx); err != nil {
				return health.Unhealthy(err)
			}
		}
		if !cacheStorage.IsRunning() {
			return health.Unhealthy(types.ErrServiceIsNotRunning)
		}
		return health.Healthy("cache storage reachable")
	})

	manager.RegisterChecker("store", func(context.Context) types.HealthCheck {
		if !(*container.Store.Load()).IsRunning() {
			return health.Unhealthy(types.ErrServiceIsNotRunning)
		}
		return health.Healthy("durable store open")
	})

	manager.RegisterChecker("network", func(context.Context) types.HealthCheck {
		breaker := container.Fetcher.Load().Breaker()
		check := health.Healthy("network reachable")
		if breaker.State() == client.StateBreakerOpen {
			check = health.Unhealthy(types.ErrNetworkUnavailable)
		}
		check.Details = map[string]interface{}{"breaker": breaker.StateString()}
		return check
	})

	manager.RegisterChecker("controller", func(context.Context) types.HealthCheck {
		if !container.Controller.Load().IsActivated() {
			return health.Unhealthy(types.ErrNotActivated)
		}
		return health.Healthy("controller active")
	})

	if link := container.Link.Load(); link != nil {
		manager.RegisterChecker("link", func(context.Context) types.HealthCheck {
			if !link.Connected() {
				return health.Unhealthy(types.ErrNetworkUnavailable)
			}
			return health.Healthy("realtime link connected")
		})
	}
}
