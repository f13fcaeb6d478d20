package config

import (
	"context"
	"os"
	"slices"
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

func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	if !slices.Contains(config.Lifecycle.Precache, config.Lifecycle.OfflineURL) {
		return types.Errorf(types.ErrOfflineURLMissing, "offline url: %s", config.Lifecycle.OfflineURL)
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
			TLS: &types.TLSConfig{
				Enabled: false,
			},
			ControlPrefix: "/_sw/",
			WorkerScript:  "/service-worker.js",
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Origin: &types.OriginConfig{
			BaseURL:         "http://127.0.0.1:8000",
			Timeout:         10 * time.Second,
			MaxConnsPerHost: 512,
			MaxBodySize:     32 << 20,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Cache: &types.CacheConfig{
			Type:   "memory",
			Prefix: "fikrly",
		},
		Lifecycle: &types.LifecycleConfig{
			Version: "v1.0.0",
			Precache: []string{
				"/",
				"/static/bundle.css",
				"/static/main.css",
				"/static/js/ui-enhancements.js",
				"/static/favicons/android-chrome-192x192.png",
				"/static/favicons/android-chrome-512x512.png",
				"/static/favicons/favicon.png",
				"/offline/",
			},
			OfflineURL:           "/offline/",
			SkipWaitingOnInstall: true,
			InstallOnStart:       true,
			InstallTimeout:       time.Minute,
		},
		Routing: &types.RoutingConfig{
			ExcludedPrefixes: []string{
				"/admin/",
				"/api/",
				"/accounts/",
				"/auth/",
				"/profile/",
				"/business-profile/",
				"/business-dashboard/",
				"/manager/",
				"/review-submission/",
			},
			ExcludedSuffixes: []string{
				"/edit/",
				"/delete/",
				"/report/",
				"/vote/",
			},
			ExcludedSubstrings: []string{"search"},
			CriticalAssets: []string{
				"/static/*.css",
				"/static/js/ui-enhancements.js",
			},
			MediaPrefixes:  []string{"/media/"},
			AllowedSchemes: []string{"http", "https"},
		},
		Strategy: &types.StrategyConfig{
			NetworkTimeout:    8 * time.Second,
			BackgroundTimeout: 30 * time.Second,
		},
		Push: &types.PushConfig{
			Enabled:    true,
			Icon:       "/static/favicons/android-chrome-192x192.png",
			Badge:      "/static/favicons/favicon.png",
			Vibrate:    []int{200, 100, 200},
			ViewTitle:  "Ko'rish",
			CloseTitle: "Yopish",
			Relay: &types.RelayConfig{
				Enabled:        false,
				ReconnectDelay: 5 * time.Second,
				PingInterval:   54 * time.Second,
				PongWait:       60 * time.Second,
				WriteWait:      10 * time.Second,
			},
		},
		Outbox: &types.OutboxConfig{
			Enabled:  false,
			SyncTag:  "sync-reviews",
			Schedule: "0 */5 * * * *",
		},
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled:         true,
			Path:            "/metrics",
			Namespace:       "sai_offline",
			EnableGoMetrics: true,
		},
		Health: &types.HealthConfig{
			Enabled: true,
			Path:    "/health",
		},
		Middlewares: &types.MiddlewaresConfig{
			Recovery: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  10,
				Params: map[string]interface{}{
					"stack_trace": true,
				},
			},
			Logging: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  20,
				Params: map[string]interface{}{
					"log_level":   "debug",
					"log_headers": false,
				},
			},
			Compression: &types.MiddlewareItemConfig{
				Enabled: false,
				Weight:  30,
				Params: map[string]interface{}{
					"algorithms": []string{"br", "gzip"},
					"level":      5,
					"threshold":  1024,
				},
			},
		},
	}
}
