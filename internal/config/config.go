package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NewRelic  NewRelicConfig
	Matching  MatchingConfig
	Presence  PresenceConfig
	Storage   StorageConfig
	Events    EventsConfig
	Kafka     KafkaConfig
	WebSocket WebSocketConfig
	Log       LogConfig
	Features  FeatureFlags
}

type ServerConfig struct {
	Port            string
	Env             string
	Host            string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host           string
	Port           string
	Name           string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
	MaxIdleConns   int
	MaxLifetime    time.Duration
}

type RedisConfig struct {
	Enabled     bool
	Host        string
	Port        string
	Password    string
	DB          int
	MaxRetries  int
	PoolSize    int
	MinIdleConn int
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

type NewRelicConfig struct {
	LicenseKey string
	AppName    string
	Enabled    bool
	LogLevel   string
}

type MatchingConfig struct {
	OfferTTL            time.Duration
	MaxOfferRounds      int
	MaxRadiusKM         float64
	MaxExpandedRadiusKM float64
	ExpiryTimeout       time.Duration
	ExpiryRetry         time.Duration
}

type PresenceConfig struct {
	LocationUpdatesPerSecond float64
	LocationBurst            int
}

type StorageConfig struct {
	Driver   string
	CacheTTL time.Duration
	Migrate  bool
}

type EventsConfig struct {
	RedisPrefix string
	LogEvents   bool
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

type FeatureFlags struct {
	EnableAutoMatching    bool
	EnableRealTimeUpdates bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Env:             getEnv("SERVER_ENV", "development"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: parseDuration(getEnv("SERVER_SHUTDOWN_TIMEOUT", "30s"), 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			Name:           getEnv("DB_NAME", "courier"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MaxConnections: getEnvAsInt("DB_MAX_CONNECTIONS", 50),
			MaxIdleConns:   getEnvAsInt("DB_MAX_IDLE_CONNECTIONS", 10),
			MaxLifetime:    time.Duration(getEnvAsInt("DB_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:     getEnvAsBool("REDIS_ENABLED", false),
			Host:        getEnv("REDIS_HOST", "localhost"),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			MaxRetries:  getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 100),
			MinIdleConn: 10,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
		},
		NewRelic: NewRelicConfig{
			LicenseKey: getEnv("NEW_RELIC_LICENSE_KEY", ""),
			AppName:    getEnv("NEW_RELIC_APP_NAME", "Courier-Dispatch"),
			Enabled:    getEnvAsBool("NEW_RELIC_ENABLED", false),
			LogLevel:   getEnv("NEW_RELIC_LOG_LEVEL", "info"),
		},
		Matching: MatchingConfig{
			OfferTTL:            time.Duration(getEnvAsInt("OFFER_TTL_SECONDS", 45)) * time.Second,
			MaxOfferRounds:      getEnvAsInt("MAX_OFFER_ROUNDS", 10),
			MaxRadiusKM:         getEnvAsFloat64("MAX_MATCHING_RADIUS_KM", 10.0),
			MaxExpandedRadiusKM: getEnvAsFloat64("MAX_EXPANDED_RADIUS_KM", 10.0),
			ExpiryTimeout:       parseDuration(getEnv("OFFER_EXPIRY_TIMEOUT", "5s"), 5*time.Second),
			ExpiryRetry:         parseDuration(getEnv("OFFER_EXPIRY_RETRY", "2s"), 2*time.Second),
		},
		Presence: PresenceConfig{
			LocationUpdatesPerSecond: getEnvAsFloat64("RATE_LIMIT_LOCATION_UPDATES_PER_SECOND", 2),
			LocationBurst:            getEnvAsInt("RATE_LIMIT_LOCATION_BURST", 4),
		},
		Storage: StorageConfig{
			Driver:   getEnv("STORAGE_DRIVER", StorageMemory),
			CacheTTL: time.Duration(getEnvAsInt("CACHE_TTL_BOOKINGS_SECONDS", 3600)) * time.Second,
			Migrate:  getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Events: EventsConfig{
			RedisPrefix: getEnv("EVENTS_REDIS_PREFIX", "courier"),
			LogEvents:   getEnvAsBool("EVENTS_LOG", true),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvAsBool("KAFKA_ENABLED", false),
			Brokers: getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "booking-events"),
			GroupID: getEnv("KAFKA_GROUP_ID", "booking-events-tail"),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 1024),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
		Features: FeatureFlags{
			EnableAutoMatching:    getEnvAsBool("ENABLE_AUTO_MATCHING", true),
			EnableRealTimeUpdates: getEnvAsBool("ENABLE_REAL_TIME_UPDATES", true),
		},
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("DB_HOST is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("DB_NAME is required")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage.Driver)
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Matching.OfferTTL <= 0 {
		return fmt.Errorf("OFFER_TTL_SECONDS must be positive")
	}
	if c.Matching.MaxOfferRounds < 0 {
		return fmt.Errorf("MAX_OFFER_ROUNDS must not be negative")
	}
	if c.Matching.MaxRadiusKM <= 0 {
		return fmt.Errorf("MAX_MATCHING_RADIUS_KM must be positive")
	}
	if c.Matching.MaxExpandedRadiusKM < c.Matching.MaxRadiusKM {
		return fmt.Errorf("MAX_EXPANDED_RADIUS_KM must be at least MAX_MATCHING_RADIUS_KM")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPIC are required when Kafka is enabled")
	}
	return nil
}

// DSN returns the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// Addr returns the Redis host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}
