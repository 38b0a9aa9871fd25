// Package config loads the collector's configuration from the environment,
// following the same typed-default convention used throughout the pack
// (getEnv/getEnvAsInt/getEnvAsDuration helpers, one struct per dependency).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every setting the collector core needs to run.
type Config struct {
	Environment string
	LogLevel    string
	HTTPPort    int

	Database DatabaseConfig
	Redis    RedisConfig
	Mongo    MongoConfig
	NATS     NATSConfig

	PanelBaseURL string
	AWSBaseURL   string
	UpstreamKey  string

	Metrics MetricsConfig

	CleanupCron string
}

// DatabaseConfig configures the relational durable store (PostgreSQL).
type DatabaseConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig configures the snapshot cache's primary backing store.
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	Database     int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// MongoConfig configures the snapshot cache's persistent rehydration mirror.
type MongoConfig struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
}

// NATSConfig configures the event bus.
type NATSConfig struct {
	URL  string
	Name string
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Load reads configuration from the environment, applying the collector's
// defaults for anything not set.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTPPort:    getEnvAsInt("HTTP_PORT", 8090),

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Database:        getEnv("DB_NAME", "simrail_mirror"),
			Username:        getEnv("DB_USERNAME", "simrail"),
			Password:        getEnv("DB_PASSWORD", "simrail"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},

		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvAsInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			Database:     getEnvAsInt("REDIS_DATABASE", 0),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 50),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},

		Mongo: MongoConfig{
			URI:                    getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database:               getEnv("MONGO_DATABASE", "simrail_mirror_cache"),
			MaxPoolSize:            uint64(getEnvAsInt("MONGO_MAX_POOL_SIZE", 50)),
			ConnectTimeout:         getEnvAsDuration("MONGO_CONNECT_TIMEOUT", 10*time.Second),
			ServerSelectionTimeout: getEnvAsDuration("MONGO_SERVER_SELECTION_TIMEOUT", 5*time.Second),
		},

		NATS: NATSConfig{
			URL:  getEnv("NATS_URL", "nats://localhost:4222"),
			Name: getEnv("NATS_CLIENT_NAME", "simrail-collector"),
		},

		PanelBaseURL: getEnv("PANEL_API_BASE_URL", "https://panel.simrail.eu:8084"),
		AWSBaseURL:   getEnv("AWS_API_BASE_URL", "https://api1.aws.simrail.eu:8082"),
		UpstreamKey:  getEnv("UPSTREAM_API_KEY", ""),

		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},

		CleanupCron: getEnv("CLEANUP_CRON", "0 5 * * *"),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
