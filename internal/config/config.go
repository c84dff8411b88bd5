package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the whole application's configuration, assembled from
// environment variables by Load.
type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	MQTT        MQTTConfig
	MySQL       MySQLConfig
	CORS        CORSConfig
	Query       QueryConfig
	Monitoring  MonitoringConfig
	Features    FeaturesConfig
}

// ServerConfig configures the HTTP/WebSocket façade.
type ServerConfig struct {
	Address      string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// RedisConfig configures the Redis-backed store.Store.
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// MQTTConfig configures the point-location ingestion adapter.
type MQTTConfig struct {
	URL          string
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	TopicPrefix  string
	DebugEnabled bool
}

// MySQLConfig configures the analytics batch sink.
type MySQLConfig struct {
	DSN          string
	MaxIdleConns int
	MaxOpenConns int
}

// CORSConfig configures the HTTP façade's allowed origins.
type CORSConfig struct {
	AllowedOrigins []string
}

// QueryConfig configures the live query engine's bookkeeping.
type QueryConfig struct {
	GeohashPrecision   int
	MaxRadiusKM        float64
	TeardownThreshold  int
	TeardownDebounce   time.Duration
	SweepInterval      time.Duration
	RemovalLookupRate  float64
	RemovalLookupBurst int
}

// MonitoringConfig configures the Prometheus metrics endpoint.
type MonitoringConfig struct {
	MetricsEnabled bool
	MetricsPort    string
}

// FeaturesConfig are top-level feature toggles.
type FeaturesConfig struct {
	EnableMySQLAnalytics bool
	EnableProfiling      bool
}

// Load builds a Config from environment variables, applying defaults, then
// validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Address:      getEnv("SERVER_ADDRESS", ":8090"),
			Port:         getEnv("SERVER_PORT", "8090"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getInt("REDIS_DB", 0),
			PoolSize:     getInt("REDIS_POOL_SIZE", 100),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 10),
		},
		MQTT: MQTTConfig{
			URL:          getEnv("MQTT_URL", "tcp://localhost:1883"),
			ClientID:     getEnv("MQTT_CLIENT_ID", "geoquery"),
			Username:     getEnv("MQTT_USERNAME", ""),
			Password:     getEnv("MQTT_PASSWORD", ""),
			CleanSession: getBool("MQTT_CLEAN_SESSION", false),
			TopicPrefix:  getEnv("MQTT_TOPIC_PREFIX", "geoquery/locations/#"),
			DebugEnabled: getBool("MQTT_DEBUG", false),
		},
		MySQL: MySQLConfig{
			DSN:          getEnv("MYSQL_DSN", ""),
			MaxIdleConns: getInt("MYSQL_MAX_IDLE_CONNS", 10),
			MaxOpenConns: getInt("MYSQL_MAX_OPEN_CONNS", 100),
		},
		CORS: CORSConfig{
			AllowedOrigins: getStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Query: QueryConfig{
			GeohashPrecision:   getInt("GEOHASH_PRECISION", 9),
			MaxRadiusKM:        getFloat("MAX_RADIUS_KM", 200),
			TeardownThreshold:  getInt("TEARDOWN_THRESHOLD", 25),
			TeardownDebounce:   getDuration("TEARDOWN_DEBOUNCE", 10*time.Millisecond),
			SweepInterval:      getDuration("SWEEP_INTERVAL", 10*time.Second),
			RemovalLookupRate:  getFloat("REMOVAL_LOOKUP_RATE", 50),
			RemovalLookupBurst: getInt("REMOVAL_LOOKUP_BURST", 50),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true),
			MetricsPort:    getEnv("METRICS_PORT", "9090"),
		},
		Features: FeaturesConfig{
			EnableMySQLAnalytics: getBool("ENABLE_MYSQL_ANALYTICS", false),
			EnableProfiling:      getBool("ENABLE_PROFILING", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.MQTT.URL == "" {
		return fmt.Errorf("MQTT_URL is required")
	}
	if c.Query.GeohashPrecision < 1 || c.Query.GeohashPrecision > 22 {
		return fmt.Errorf("GEOHASH_PRECISION must be between 1 and 22")
	}
	if c.Query.MaxRadiusKM <= 0 {
		return fmt.Errorf("MAX_RADIUS_KM must be positive")
	}
	if c.Query.TeardownThreshold <= 0 {
		return fmt.Errorf("TEARDOWN_THRESHOLD must be positive")
	}
	if c.Query.RemovalLookupRate <= 0 {
		return fmt.Errorf("REMOVAL_LOOKUP_RATE must be positive")
	}
	if c.Features.EnableMySQLAnalytics && c.MySQL.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required when ENABLE_MYSQL_ANALYTICS is set")
	}
	return nil
}

// Helper functions for reading environment variables.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// LogLevel returns the configured logrus level name.
func LogLevel() string {
	return getEnv("LOG_LEVEL", "info")
}

// LogFormat returns the configured logrus formatter name ("json" or "text").
func LogFormat() string {
	return getEnv("LOG_FORMAT", "json")
}
