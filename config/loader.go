package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-offline/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

// LoadFromBytes overlays YAML data on Defaults and validates the result.
func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(types.ErrConfigParseFailed, err.Error())
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}
	return nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func DefaultAppShell() []string {
	return []string{
		"/", "/manifest.webmanifest",
		"/gen/gen1.jpg", "/gen/gen2.jpg", "/gen/gen3.jpg",
		"/gen/gen4.jpg", "/gen/gen5.jpg", "/gen/gen6.jpg",
		"/gen/gen7.jpg", "/gen/gen8.jpg", "/gen/gen9.jpg",
	}
}

func DefaultPrewarm() []string {
	return []string{
		"/_next/static/chunks/webpack.js",
		"/src/data/pokemon.json",
		"/data/pokemon.json",
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-offline",
		Version: "1.0.0",
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 5,
			},
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "memory",
			Path:    "/metrics",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
		Cache: &types.CacheConfig{
			Type: "memory",
		},
		Controller: &types.ControllerConfig{
			Origin:        "http://localhost:3000",
			SpritePattern: `raw\.githubusercontent\.com/PokeAPI/sprites/master/sprites/pokemon/`,
			Tiers: &types.TiersConfig{
				Static:  types.TierConfig{Name: "static", Version: "v3"},
				Data:    types.TierConfig{Name: "data", Version: "v3"},
				Sprites: types.TierConfig{Name: "sprites", Version: "v3"},
			},
			AppShell:     DefaultAppShell(),
			Prewarm:      DefaultPrewarm(),
			FetchTimeout: 10 * time.Second,
		},
		Store: &types.StoreConfig{
			Type: "memory",
		},
		Queue: &types.QueueConfig{
			Key: "offlineQueue_v1",
		},
		Remote: &types.RemoteConfig{
			Type: "memory",
		},
		Client: &types.ClientConfig{
			Timeout: 10 * time.Second,
			Retries: 1,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Reconciler: &types.ReconcilerConfig{
			ClearPolicy: types.ClearPolicyAlways,
		},
		Connectivity: &types.ConnectivityConfig{
			Link: &types.LinkConfig{
				Enabled:        false,
				ReconnectDelay: 5 * time.Second,
				PingInterval:   30 * time.Second,
				PongWait:       60 * time.Second,
			},
		},
	}
}
