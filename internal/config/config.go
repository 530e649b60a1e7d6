package config

import (
	"os"
	"strconv"
)

type Config struct {
	FORGE_BASE_URL string
	FORGE_API_KEY  string

	// Streaming session knobs
	STREAM_MAX_RETRIES     int
	STREAM_IDLE_TIMEOUT_MS int
	STREAM_RETRY_DELAY_MS  int

	// Sandbox lifecycle knobs
	SANDBOX_MAX_AGE_MS int
	SYNC_BATCH_SIZE    int

	// Redis record cache
	REDIS_ADDR     string
	REDIS_PASSWORD string
	REDIS_DB       int

	// Otel
	OTEL_EXPORTER_OTLP_ENDPOINT string
}

func ReadConfig() *Config {
	return &Config{
		FORGE_BASE_URL: getEnvOrDefault("FORGE_BASE_URL", "http://localhost:3001"),
		FORGE_API_KEY:  os.Getenv("FORGE_API_KEY"),

		STREAM_MAX_RETRIES:     getIntEnvOrDefault("STREAM_MAX_RETRIES", 2),
		STREAM_IDLE_TIMEOUT_MS: getIntEnvOrDefault("STREAM_IDLE_TIMEOUT_MS", 60_000),
		STREAM_RETRY_DELAY_MS:  getIntEnvOrDefault("STREAM_RETRY_DELAY_MS", 2_000),

		SANDBOX_MAX_AGE_MS: getIntEnvOrDefault("SANDBOX_MAX_AGE_MS", 25*60_000),
		SYNC_BATCH_SIZE:    getIntEnvOrDefault("SYNC_BATCH_SIZE", 10),

		REDIS_ADDR:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		REDIS_PASSWORD: os.Getenv("REDIS_PASSWORD"),
		REDIS_DB:       getIntEnvOrDefault("REDIS_DB", 0),

		OTEL_EXPORTER_OTLP_ENDPOINT: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnvOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
