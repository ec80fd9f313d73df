// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// RedisURL is the queue/KV connection; the job queue, the job records,
	// the recovery mirror and the egress cache all live here.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Origin storage. ObjectName lands at <origin>/<zone>/<name> and is
	// served from <cdn>/<name>.
	OriginBaseURL    string `env:"ORIGIN_BASE_URL" validate:"required,url"`
	StorageZone      string `env:"STORAGE_ZONE" validate:"required"`
	StorageAccessKey string `env:"STORAGE_ACCESS_KEY" validate:"required"`
	CDNBaseURL       string `env:"CDN_BASE_URL" validate:"required"`

	TempDir          string `env:"TEMP_DIR" envDefault:"/tmp/vidimport"`
	UploadPathPrefix string `env:"UPLOAD_PATH_PREFIX" envDefault:"/uploads"`

	// Queue tuning.
	MaxRetryAttempts  int           `env:"MAX_RETRY_ATTEMPTS" envDefault:"3"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	JobTimeoutMS      int64         `env:"JOB_TIMEOUT_MS" envDefault:"7200000"`
	StalledInterval   time.Duration `env:"STALLED_INTERVAL" envDefault:"60s"`
	MaxStalledCount   int           `env:"MAX_STALLED_COUNT" envDefault:"5"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	// Retry backoff between attempts.
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"5s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`

	// Transfer limits.
	MaxFileSizeMB     int64 `env:"MAX_FILE_SIZE_MB" envDefault:"10240"`
	DownloadTimeoutMS int64 `env:"DOWNLOAD_TIMEOUT_MS" envDefault:"7200000"`
	StreamBufferKB    int   `env:"STREAM_BUFFER_KB" envDefault:"8"`
	MaxHeapMB         int64 `env:"MAX_HEAP_MB" envDefault:"4096"`

	// Recovery mirror.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	StaleThreshold    time.Duration `env:"STALE_THRESHOLD" envDefault:"5m"`
	RecoveryTTL       time.Duration `env:"RECOVERY_TTL" envDefault:"1h"`

	// Cloud-drive credentials. Auth mode is picked in priority order:
	// refresh token, then API key, then unauthenticated.
	DriveAPIKey       string `env:"DRIVE_API_KEY"`
	DriveClientID     string `env:"DRIVE_CLIENT_ID"`
	DriveClientSecret string `env:"DRIVE_CLIENT_SECRET"`
	DriveRefreshToken string `env:"DRIVE_REFRESH_TOKEN"`

	// External downloader binary and its update hook.
	DownloaderBinary          string        `env:"DOWNLOADER_BINARY" envDefault:"yt-dlp"`
	DownloaderChannel         string        `env:"DOWNLOADER_CHANNEL" envDefault:"stable"`
	DownloaderAutoUpdate      bool          `env:"DOWNLOADER_AUTO_UPDATE" envDefault:"true"`
	DownloaderUpdateFrequency time.Duration `env:"DOWNLOADER_UPDATE_FREQUENCY" envDefault:"24h"`

	// Catalog webhooks. Empty URL disables notifications.
	CatalogAPIURL string `env:"CATALOG_API_URL" validate:"omitempty,url"`
	CatalogAPIKey string `env:"CATALOG_API_KEY"`

	// Egress identity admin API. Empty URL means fallback identities only.
	AdminAPIURL         string        `env:"ADMIN_API_URL" validate:"omitempty,url"`
	AdminInternalSecret string        `env:"ADMIN_INTERNAL_SECRET"`
	EgressCacheTTL      time.Duration `env:"EGRESS_CACHE_TTL" envDefault:"5m"`
	EgressFallbacks     []string      `env:"EGRESS_FALLBACK_PROXIES" envSeparator:","`

	// Optional notification transports (consumed by the excluded shell).
	ErrorTrackerDSN string `env:"ERROR_TRACKER_DSN"`
	NotifyBotToken  string `env:"NOTIFY_BOT_TOKEN"`
	NotifyChatID    string `env:"NOTIFY_CHAT_ID"`

	// Front-door auth and rate limiting (parsed here, consumed by the
	// excluded HTTP shell).
	JWTSecret         string `env:"JWT_SECRET"`
	AuthUsername      string `env:"AUTH_USERNAME"`
	AuthPassword      string `env:"AUTH_PASSWORD"`
	RateLimitWindowMS int64  `env:"RATE_LIMIT_WINDOW_MS" envDefault:"60000"`
	RateLimitMax      int    `env:"RATE_LIMIT_MAX" envDefault:"100"`

	OTLPEndpoint          string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName       string        `env:"OTEL_SERVICE_NAME" envDefault:"vidimport"`
	MetricsPort           int           `env:"METRICS_PORT" envDefault:"9090"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// CatalogEnabled reports whether terminal outcomes are pushed to the catalog.
func (c Config) CatalogEnabled() bool { return c.CatalogAPIURL != "" }

// DriveOAuthEnabled reports whether the refresh-token auth mode is usable.
func (c Config) DriveOAuthEnabled() bool {
	return c.DriveClientID != "" && c.DriveClientSecret != "" && c.DriveRefreshToken != ""
}
