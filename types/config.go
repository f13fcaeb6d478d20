package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version" validate:"required"`
	Server      *ServerConfig      `yaml:"server" json:"server" validate:"required"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger" validate:"required"`
	Origin      *OriginConfig      `yaml:"origin" json:"origin" validate:"required"`
	Cache       *CacheConfig       `yaml:"cache" json:"cache" validate:"required"`
	Lifecycle   *LifecycleConfig   `yaml:"lifecycle" json:"lifecycle" validate:"required"`
	Routing     *RoutingConfig     `yaml:"routing" json:"routing" validate:"required"`
	Strategy    *StrategyConfig    `yaml:"strategy" json:"strategy"`
	Push        *PushConfig        `yaml:"push" json:"push"`
	Outbox      *OutboxConfig      `yaml:"outbox" json:"outbox"`
	Cron        *CronConfig        `yaml:"cron" json:"cron"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig      `yaml:"health" json:"health"`
	Middlewares *MiddlewaresConfig `yaml:"middlewares" json:"middlewares"`
}

type ServerConfig struct {
	HTTP          *HTTPConfig `yaml:"http" json:"http" validate:"required"`
	TLS           *TLSConfig  `yaml:"tls" json:"tls"`
	ControlPrefix string      `yaml:"control_prefix" json:"control_prefix" validate:"required,startswith=/"`
	WorkerScript  string      `yaml:"worker_script" json:"worker_script"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type TLSConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	CertFile string   `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile  string   `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	AutoCert bool     `yaml:"auto_cert" json:"auto_cert"`
	Domains  []string `yaml:"domains,omitempty" json:"domains,omitempty"`
	Email    string   `yaml:"email,omitempty" json:"email,omitempty"`
	CacheDir string   `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
}

type LoggerConfig struct {
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type OriginConfig struct {
	BaseURL         string                `yaml:"base_url" json:"base_url" validate:"required,url"`
	Timeout         time.Duration         `yaml:"timeout" json:"timeout"`
	MaxConnsPerHost int                   `yaml:"max_conns_per_host" json:"max_conns_per_host"`
	MaxBodySize     int                   `yaml:"max_body_size" json:"max_body_size"`
	CircuitBreaker  *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

type CacheConfig struct {
	Type              string      `yaml:"type" json:"type" validate:"required,oneof=memory redis clover"`
	Prefix            string      `yaml:"prefix" json:"prefix" validate:"required"`
	RuntimePerVersion bool        `yaml:"runtime_per_version" json:"runtime_per_version"`
	Config            interface{} `yaml:"config" json:"config"`
}

type LifecycleConfig struct {
	Version              string        `yaml:"version" json:"version" validate:"required"`
	Precache             []string      `yaml:"precache" json:"precache" validate:"required,min=1,dive,required"`
	OfflineURL           string        `yaml:"offline_url" json:"offline_url" validate:"required,startswith=/"`
	SkipWaitingOnInstall bool          `yaml:"skip_waiting_on_install" json:"skip_waiting_on_install"`
	InstallOnStart       bool          `yaml:"install_on_start" json:"install_on_start"`
	InstallTimeout       time.Duration `yaml:"install_timeout" json:"install_timeout"`
	CheckSchedule        string        `yaml:"check_schedule" json:"check_schedule"`
}

type RoutingConfig struct {
	ExcludedPrefixes   []string `yaml:"excluded_prefixes" json:"excluded_prefixes"`
	ExcludedSuffixes   []string `yaml:"excluded_suffixes" json:"excluded_suffixes"`
	ExcludedSubstrings []string `yaml:"excluded_substrings" json:"excluded_substrings"`
	CriticalAssets     []string `yaml:"critical_assets" json:"critical_assets"`
	MediaPrefixes      []string `yaml:"media_prefixes" json:"media_prefixes"`
	AllowedSchemes     []string `yaml:"allowed_schemes" json:"allowed_schemes" validate:"min=1"`
}

type StrategyConfig struct {
	NetworkTimeout    time.Duration `yaml:"network_timeout" json:"network_timeout"`
	BackgroundTimeout time.Duration `yaml:"background_timeout" json:"background_timeout"`
}

type PushConfig struct {
	Enabled    bool         `yaml:"enabled" json:"enabled"`
	Icon       string       `yaml:"icon" json:"icon"`
	Badge      string       `yaml:"badge" json:"badge"`
	Vibrate    []int        `yaml:"vibrate" json:"vibrate"`
	ViewTitle  string       `yaml:"view_title" json:"view_title"`
	CloseTitle string       `yaml:"close_title" json:"close_title"`
	MaxShown   int          `yaml:"max_shown" json:"max_shown"`
	Relay      *RelayConfig `yaml:"relay" json:"relay"`
}

type RelayConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	URL            string        `yaml:"url" json:"url" validate:"required_if=Enabled true"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait" json:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait" json:"write_wait"`
	MaxShown       int           `yaml:"max_shown" json:"max_shown"`
}

type OutboxConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	SyncTag  string `yaml:"sync_tag" json:"sync_tag" validate:"required_if=Enabled true"`
	Schedule string `yaml:"schedule" json:"schedule"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MetricsConfig struct {
	Enabled         bool              `yaml:"enabled" json:"enabled"`
	Path            string            `yaml:"path" json:"path"`
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type MiddlewaresConfig struct {
	Recovery    *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Logging     *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	Compression *MiddlewareItemConfig `yaml:"compression" json:"compression"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}
