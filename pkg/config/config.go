package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Permissions   PermissionsConfig
	Notifications NotificationsConfig
	Realtime      RealtimeConfig
	Storage       StorageConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
	Seed          SeedConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Set only behind a gateway that authenticates callers and overwrites the
	// actor headers. When false, the default, the headers are checked against
	// the user directory and the stored role wins.
	TrustedProxyHeaders bool
}

// DatabaseConfig holds PostgreSQL pool settings
type DatabaseConfig struct {
	URL             string
	ReplicaURLs     []string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	AutoMigrate     bool
}

// RedisConfig enables the cross-process invalidation bus
type RedisConfig struct {
	Enabled    bool
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
	Channel    string
}

// PermissionsConfig sizes the resolver caches
type PermissionsConfig struct {
	CacheTTL  time.Duration
	CacheSize int
}

// NotificationsConfig holds reminder and retention settings
type NotificationsConfig struct {
	DefaultReminderIntervalHours int
	RetentionDays                int
	JanitorSchedule              string
	PushTimeout                  time.Duration
}

// RealtimeConfig holds websocket gateway settings
type RealtimeConfig struct {
	SendTimeout          time.Duration
	BroadcastConcurrency int
	AllowedOrigins       []string
}

// StorageConfig configures the S3 bucket holding order images
type StorageConfig struct {
	Enabled        bool
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	UsePathStyle   bool
	PublicBaseURL  string
	DeleteParallel int
}

// RateLimitConfig bounds requests per actor and per anonymous client IP
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	AnonymousRequests int
	Window            time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// SeedConfig points at an optional YAML file of initial system config values
type SeedConfig struct {
	Path  string
	Watch bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Permissions:   loadPermissionsConfig(),
		Notifications: loadNotificationsConfig(),
		Realtime:      loadRealtimeConfig(),
		Storage:       loadStorageConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
		Seed: SeedConfig{
			Path:  getEnv("ORDERDESK_CONFIG_SEED", ""),
			Watch: getEnvBool("ORDERDESK_CONFIG_SEED_WATCH", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:                getEnv("ORDERDESK_HOST", "0.0.0.0"),
		Port:                getEnv("ORDERDESK_PORT", "8080"),
		ReadTimeout:         getEnvDuration("ORDERDESK_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:        getEnvDuration("ORDERDESK_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:         getEnvDuration("ORDERDESK_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:     getEnvDuration("ORDERDESK_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:        getEnvInt64("ORDERDESK_MAX_BODY_BYTES", 1<<20),
		TrustedProxyHeaders: getEnvBool("ORDERDESK_TRUST_ACTOR_HEADERS", false),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("ORDERDESK_DATABASE_URL", ""),
		ReplicaURLs:     getEnvList("ORDERDESK_DATABASE_REPLICA_URLS"),
		MaxOpenConns:    getEnvInt("ORDERDESK_DATABASE_MAX_CONNS", 20),
		MaxIdleConns:    getEnvInt("ORDERDESK_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("ORDERDESK_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: getEnvDuration("ORDERDESK_DATABASE_CONN_MAX_IDLE", 30*time.Second),
		ConnectTimeout:  getEnvDuration("ORDERDESK_DATABASE_CONNECT_TIMEOUT", 2*time.Second),
		AutoMigrate:     getEnvBool("ORDERDESK_DATABASE_AUTO_MIGRATE", true),
	}
}

func loadRedisConfig() RedisConfig {
	url := getEnv("ORDERDESK_REDIS_URL", "")
	return RedisConfig{
		Enabled:    getEnvBool("ORDERDESK_REDIS_ENABLED", url != ""),
		URL:        url,
		Password:   getEnv("ORDERDESK_REDIS_PASSWORD", ""),
		DB:         getEnvInt("ORDERDESK_REDIS_DB", 0),
		MaxRetries: getEnvInt("ORDERDESK_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("ORDERDESK_REDIS_POOL_SIZE", 10),
		Channel:    getEnv("ORDERDESK_REDIS_CHANNEL", "orderdesk:events"),
	}
}

func loadPermissionsConfig() PermissionsConfig {
	return PermissionsConfig{
		CacheTTL:  getEnvDuration("ORDERDESK_PERMISSION_CACHE_TTL", 60*time.Second),
		CacheSize: getEnvInt("ORDERDESK_PERMISSION_CACHE_SIZE", 1024),
	}
}

func loadNotificationsConfig() NotificationsConfig {
	return NotificationsConfig{
		DefaultReminderIntervalHours: getEnvInt("ORDERDESK_REMINDER_INTERVAL_HOURS", 2),
		RetentionDays:                getEnvInt("ORDERDESK_NOTIFICATION_RETENTION_DAYS", 90),
		JanitorSchedule:              getEnv("ORDERDESK_JANITOR_SCHEDULE", "@daily"),
		PushTimeout:                  getEnvDuration("ORDERDESK_PUSH_TIMEOUT", 5*time.Second),
	}
}

func loadRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		SendTimeout:          getEnvDuration("ORDERDESK_REALTIME_SEND_TIMEOUT", 5*time.Second),
		BroadcastConcurrency: getEnvInt("ORDERDESK_REALTIME_CONCURRENCY", 32),
		AllowedOrigins:       getEnvList("ORDERDESK_REALTIME_ALLOWED_ORIGINS"),
	}
}

func loadStorageConfig() StorageConfig {
	bucket := getEnv("ORDERDESK_S3_BUCKET", "")
	return StorageConfig{
		Enabled:        bucket != "",
		Bucket:         bucket,
		Region:         getEnv("ORDERDESK_S3_REGION", "us-east-1"),
		Endpoint:       getEnv("ORDERDESK_S3_ENDPOINT", ""),
		AccessKey:      getEnv("ORDERDESK_S3_ACCESS_KEY", ""),
		SecretKey:      getEnv("ORDERDESK_S3_SECRET_KEY", ""),
		UsePathStyle:   getEnvBool("ORDERDESK_S3_USE_PATH_STYLE", false),
		PublicBaseURL:  getEnv("ORDERDESK_S3_PUBLIC_BASE_URL", ""),
		DeleteParallel: getEnvInt("ORDERDESK_S3_DELETE_PARALLEL", 4),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("ORDERDESK_RATE_LIMIT_ENABLED", true),
		RequestsPerWindow: getEnvInt("ORDERDESK_RATE_LIMIT_REQUESTS", 600),
		AnonymousRequests: getEnvInt("ORDERDESK_RATE_LIMIT_ANON_REQUESTS", 60),
		Window:            getEnvDuration("ORDERDESK_RATE_LIMIT_WINDOW", time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("ORDERDESK_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("ORDERDESK_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ORDERDESK_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ORDERDESK_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ORDERDESK_OTEL_SERVICE_NAME", "orderdesk"),
		OTelServiceVersion: getEnv("ORDERDESK_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ORDERDESK_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.ConnectTimeout <= 0 {
		return fmt.Errorf("database connect timeout must be positive")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required when redis is enabled")
	}
	if c.Permissions.CacheTTL <= 0 {
		return fmt.Errorf("permission cache TTL must be positive")
	}
	if c.Permissions.CacheSize <= 0 {
		return fmt.Errorf("permission cache size must be positive")
	}
	if c.Notifications.DefaultReminderIntervalHours < 0 {
		return fmt.Errorf("reminder interval cannot be negative")
	}
	if c.Notifications.RetentionDays <= 0 {
		return fmt.Errorf("notification retention must be at least one day")
	}
	if c.Realtime.BroadcastConcurrency <= 0 {
		return fmt.Errorf("realtime broadcast concurrency must be positive")
	}
	if c.Storage.Enabled && c.Storage.Region == "" {
		return fmt.Errorf("S3 region is required when S3 storage is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit requests and window must be positive")
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated environment variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
