package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

type ConfigurationManager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      atomic.Pointer[types.ServiceConfig]
	configPath  string
	loader      *Loader
	state       atomic.Value
	loadTimeout time.Duration
}

func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	managerCtx, cancel := context.WithCancel(ctx)

	cm := &ConfigurationManager{
		ctx:         managerCtx,
		cancel:      cancel,
		configPath:  configPath,
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}

	cm.state.Store(StateStopped)

	if err := cm.Load(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

// NewStaticManager serves an already built configuration. Used by embedders
// and tests that do not read a file.
func NewStaticManager(config *types.ServiceConfig) (*ConfigurationManager, error) {
	loader := NewLoader()
	if err := loader.Validate(config); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConfigurationManager{ctx: ctx, cancel: cancel, loader: loader}
	cm.state.Store(StateStopped)
	cm.config.Store(config)

	return cm, nil
}

func (cm *ConfigurationManager) Start() error {
	if !cm.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (cm *ConfigurationManager) Stop() error {
	if !cm.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}
	cm.cancel()
	return nil
}

func (cm *ConfigurationManager) IsRunning() bool {
	return cm.state.Load().(State) == StateRunning
}

func (cm *ConfigurationManager) Load() error {
	if cm.configPath == "" {
		return types.ErrConfigInvalidPath
	}

	loadCtx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	config, err := cm.loader.LoadFromFile(loadCtx, cm.configPath)
	if err != nil {
		return types.WrapError(err, "failed to load configuration from file")
	}

	cm.config.Store(config)
	return nil
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	return cm.config.Load()
}
