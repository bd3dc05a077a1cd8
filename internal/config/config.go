package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	Environment string

	Server    ServerConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Kafka     KafkaConfig
	Reporter  ReporterConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	DB       int
	PoolSize int
}

// RateLimitConfig bounds ingestion frequency per source identity.
// One accepted report per identity per fixed window by default.
type RateLimitConfig struct {
	Points int64
	Window time.Duration
}

// KafkaConfig enables the optional usage-event stream. The producer is
// only created when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ReporterConfig drives the leaderboard poller binary.
type ReporterConfig struct {
	BaseURL    string
	WebhookURL string
	MessageID  string
	Interval   time.Duration
	PageSize   int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from the environment, with a best-effort
// .env load for local development.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("PORT", 3000),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		RateLimit: RateLimitConfig{
			Points: int64(getEnvInt("RATE_LIMIT_POINTS", 1)),
			Window: getEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_USAGE_TOPIC", "mod-usage-events"),
		},
		Reporter: ReporterConfig{
			BaseURL:    getEnv("REPORTER_BASE_URL", "http://localhost:3000"),
			WebhookURL: getEnv("REPORTER_WEBHOOK_URL", ""),
			MessageID:  getEnv("REPORTER_MESSAGE_ID", ""),
			Interval:   getEnvDuration("REPORTER_INTERVAL", time.Minute),
			PageSize:   getEnvInt("REPORTER_PAGE_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// GetServerAddress returns the listen address for the HTTP server.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		// Bare numeric values are interpreted as seconds, so
		// RATE_LIMIT_WINDOW=3600 means one hour.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
