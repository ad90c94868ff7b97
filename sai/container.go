package sai

import (
	"sync/atomic"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/connectivity"
	"github.com/saiset-co/sai-offline/controller"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/queue"
	"github.com/saiset-co/sai-offline/reconciler"
	"github.com/saiset-co/sai-offline/remote"
	"github.com/saiset-co/sai-offline/server"
	"github.com/saiset-co/sai-offline/storage"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/worker"
)

type Container struct {
	Config      atomic.Pointer[types.ConfigManager]
	Logger      atomic.Pointer[types.LoggerManager]
	Metrics     atomic.Pointer[types.MetricsManager]
	Health      atomic.Pointer[types.HealthManager]
	Cache       atomic.Pointer[types.CacheStorage]
	Store       atomic.Pointer[types.DurableStore]
	Remote      atomic.Pointer[types.RemoteStore]
	Signals     atomic.Pointer[types.SignalBus]
	Fetcher     atomic.Pointer[client.Fetcher]
	Pool        atomic.Pointer[worker.Pool]
	Queue       atomic.Pointer[queue.Queue]
	Reconciler  atomic.Pointer[reconciler.Reconciler]
	Session     atomic.Pointer[connectivity.Session]
	Link        atomic.Pointer[connectivity.LinkMonitor]
	Controller  atomic.Pointer[controller.Controller]
	Interceptor atomic.Pointer[server.Interceptor]
}

var globalContainer *Container

func InitContainer() *Container {
	return &Container{}
}

func SetContainer(container *Container) {
	globalContainer = container
}

func Config() types.ConfigManager {
	if ptr := globalContainer.Config.Load(); ptr != nil {
		return *ptr
	}
	panic("ConfigManager not initialized")
}

func Logger() types.LoggerManager {
	if ptr := globalContainer.Logger.Load(); ptr != nil {
		return *ptr
	}
	panic("Logger not initialized")
}

func Metrics() types.MetricsManager {
	if ptr := globalContainer.Metrics.Load(); ptr != nil {
		return *ptr
	}
	panic("MetricsManager not initialized")
}

func Signals() types.SignalBus {
	if ptr := globalContainer.Signals.Load(); ptr != nil {
		return *ptr
	}
	panic("SignalBus not initialized")
}

func Queue() *queue.Queue {
	if q := globalContainer.Queue.Load(); q != nil {
		return q
	}
	panic("Queue not initialized")
}

func Reconciler() *reconciler.Reconciler {
	if r := globalContainer.Reconciler.Load(); r != nil {
		return r
	}
	panic("Reconciler not initialized")
}

func Session() *connectivity.Session {
	if s := globalContainer.Session.Load(); s != nil {
		return s
	}
	panic("Session not initialized")
}

func Controller() *controller.Controller {
	if c := globalContainer.Controller.Load(); c != nil {
		return c
	}
	panic("Controller not initialized")
}

func Interceptor() *server.Interceptor {
	if i := globalContainer.Interceptor.Load(); i != nil {
		return i
	}
	panic("Interceptor not initialized")
}

func RegisterCacheStorage(name string, creator types.CacheStorageCreator) {
	cache.RegisterCacheStorage(name, creator)
}

func RegisterDurableStore(name string, creator types.DurableStoreCreator) {
	storage.RegisterDurableStore(name, creator)
}

func RegisterRemoteStore(name string, creator types.RemoteStoreCreator) {
	remote.RegisterRemoteStore(name, creator)
}

func RegisterMetricsManager(name string, creator types.MetricsManagerCreator) {
	metrics.RegisterMetricsManager(name, creator)
}

func RegisterLogger(name string, creator types.LoggerCreator) {
	logger.RegisterLogger(name, creator)
}

func (fc *Container) SetConfig(config types.ConfigManager) {
	fc.Config.Store(&config)
}

func (fc *Container) SetLogger(logger types.LoggerManager) {
	fc.Logger.Store(&logger)
}

func (fc *Container) SetMetrics(metrics types.MetricsManager) {
	fc.Metrics.Store(&metrics)
}

func (fc *Container) SetHealth(health types.HealthManager) {
	fc.Health.Store(&health)
}

func (fc *Container) SetCache(cache types.CacheStorage) {
	fc.Cache.Store(&cache)
}

func (fc *Container) SetStore(store types.DurableStore) {
	fc.Store.Store(&store)
}

func (fc *Container) SetRemote(remote types.RemoteStore) {
	fc.Remote.Store(&remote)
}

func (fc *Container) SetSignals(bus types.SignalBus) {
	fc.Signals.Store(&bus)
}
