package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
}

type ServiceConfig struct {
	Name         string              `yaml:"name" json:"name" validate:"required"`
	Version      string              `yaml:"version" json:"version" validate:"required"`
	Server       *ServerConfig       `yaml:"server" json:"server" validate:"required"`
	Logger       *LoggerConfig       `yaml:"logger" json:"logger" validate:"required"`
	Metrics      *MetricsConfig      `yaml:"metrics" json:"metrics"`
	Health       *HealthConfig       `yaml:"health" json:"health"`
	Cache        *CacheConfig        `yaml:"cache" json:"cache" validate:"required"`
	Controller   *ControllerConfig   `yaml:"controller" json:"controller" validate:"required"`
	Store        *StoreConfig        `yaml:"store" json:"store" validate:"required"`
	Queue        *QueueConfig        `yaml:"queue" json:"queue" validate:"required"`
	Remote       *RemoteConfig       `yaml:"remote" json:"remote" validate:"required"`
	Client       *ClientConfig       `yaml:"client" json:"client" validate:"required"`
	Reconciler   *ReconcilerConfig   `yaml:"reconciler" json:"reconciler" validate:"required"`
	Connectivity *ConnectivityConfig `yaml:"connectivity" json:"connectivity"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http" validate:"required"`
	CORS *CORSConfig `yaml:"cors" json:"cors"`
}

// CORSConfig governs which page origins may call the control routes. An
// empty origin list admits only the controller origin.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedHeaders   []string `yaml:"allowed_headers" json:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials" json:"allow_credentials"`
	MaxAge           int      `yaml:"max_age" json:"max_age" validate:"min=0"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Path    string      `yaml:"path" json:"path"`
	Config  interface{} `yaml:"config" json:"config"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type CacheConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type ControllerConfig struct {
	Origin        string        `yaml:"origin" json:"origin" validate:"required,url"`
	SpritePattern string        `yaml:"sprite_pattern" json:"sprite_pattern" validate:"required"`
	Tiers         *TiersConfig  `yaml:"tiers" json:"tiers" validate:"required"`
	AppShell      []string      `yaml:"app_shell" json:"app_shell" validate:"required,min=1,dive,required"`
	Prewarm       []string      `yaml:"prewarm" json:"prewarm" validate:"dive,required"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout" json:"fetch_timeout" validate:"min=0"`
}

type TiersConfig struct {
	Static  TierConfig `yaml:"static" json:"static"`
	Data    TierConfig `yaml:"data" json:"data"`
	Sprites TierConfig `yaml:"sprites" json:"sprites"`
}

type TierConfig struct {
	Name    string `yaml:"name" json:"name" validate:"required"`
	Version string `yaml:"version" json:"version" validate:"required"`
}

func (t TierConfig) StoreName() string {
	return t.Name + "-" + t.Version
}

type StoreConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"required"`
	Path   string      `yaml:"path" json:"path"`
	Config interface{} `yaml:"config" json:"config"`
}

type QueueConfig struct {
	Key string `yaml:"key" json:"key" validate:"required"`
}

type RemoteConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type ClientConfig struct {
	Timeout        time.Duration         `yaml:"timeout" json:"timeout" validate:"min=0"`
	Retries        int                   `yaml:"retries" json:"retries" validate:"min=0"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

const (
	ClearPolicyAlways  = "always"
	ClearPolicyApplied = "applied"
)

type ReconcilerConfig struct {
	ClearPolicy string `yaml:"clear_policy" json:"clear_policy" validate:"oneof=always applied"`
}

type ConnectivityConfig struct {
	Link *LinkConfig `yaml:"link" json:"link"`
}

type LinkConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	URL            string        `yaml:"url" json:"url" validate:"required_if=Enabled true"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait" json:"pong_wait"`
}
