// Package config loads process configuration from the environment.
//
// There is no config file format or remote config source here on purpose:
// the boot sequencer (internal/app) reads a Config value once at startup
// and passes it down explicitly, never through a package-level global.
package config

import (
	"os"
	"strconv"
	"time"
)

// GetEnv retrieves an environment variable or returns a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// MustGetEnv retrieves an environment variable or panics if it is unset.
func MustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic("required environment variable not set: " + key)
	}
	return value
}

// GetEnvInt retrieves an environment variable as an int, or returns the default
// if unset or unparsable.
func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvDurationMillis retrieves an environment variable expressed in
// milliseconds and returns it as a time.Duration.
func GetEnvDurationMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(GetEnvInt(key, defaultMillis)) * time.Millisecond
}

// Config is the full set of environment-derived settings the boot sequencer
// needs. It is constructed once in cmd/mark and threaded explicitly through
// every component constructor.
type Config struct {
	Port     string
	Host     string
	LogLevel string

	DatabaseURL string
	RedisAddr   string

	WebhookSecret         string
	WebhookMinBlockNumber int64

	PollingInterval     time.Duration
	EventMaxRetries     int
	MaxConcurrentEvents int
	DeadLetterTTL       time.Duration

	OTLPEndpoint string
}

// Load reads Config from the environment, applying this service's
// documented defaults.
func Load() Config {
	minBlock, _ := strconv.ParseInt(GetEnv("WEBHOOK_MIN_BLOCK_NUMBER", "0"), 10, 64)
	return Config{
		Port:     GetEnv("PORT", "3000"),
		Host:     GetEnv("HOST", "0.0.0.0"),
		LogLevel: GetEnv("LOG_LEVEL", "INFO"),

		DatabaseURL: GetEnv("DATABASE_URL", ""),
		RedisAddr:   GetEnv("REDIS_ADDR", "localhost:6379"),

		WebhookSecret:         GetEnv("WEBHOOK_SECRET", ""),
		WebhookMinBlockNumber: minBlock,

		PollingInterval:     GetEnvDurationMillis("POLLING_INTERVAL_MS", 60_000),
		EventMaxRetries:     GetEnvInt("EVENT_MAX_RETRIES", 10),
		MaxConcurrentEvents: GetEnvInt("MAX_CONCURRENT_EVENTS", 5),
		DeadLetterTTL:       GetEnvDurationMillis("EVENT_QUEUE_DEAD_LETTER_TTL_MS", 604_800_000),

		OTLPEndpoint: GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}
