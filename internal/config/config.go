// Package config loads process configuration from the environment.
//
// Both process entrypoints (cmd/collabd and cmd/wasmworker) load a single
// Config at startup and fail fast if a required variable is missing, rather
// than discovering the gap lazily the first time a dependent component is
// used.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every environment-derived setting used by either binary.
type Config struct {
	// Collaboration core
	Port                int
	JWTSecret           string
	NATSURL             string
	RedisURL            string
	MetricsDatabaseURL  string
	LogLevel            string
	LogPretty           bool
	MaxNATSMessageBytes int

	// Object storage (shared by both binaries)
	S3Endpoint        string
	S3AccessKey       string
	S3SecretKey       string
	S3Region          string
	S3ResultsBucket   string
	S3ForcePathStyle  bool

	// WASM worker
	WasmRunTimeoutSeconds int
}

// IsTLS reports whether the listen port implies a TLS-terminated listener.
// Matches the convention port 8443 means TLS, any other port plain.
func (c Config) IsTLS() bool {
	return c.Port == 8443
}

// Load reads and validates configuration from the process environment.
func Load() (Config, error) {
	cfg := Config{
		Port:                  getEnvInt("PORT", 8080),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		NATSURL:               getEnv("NATS_URL", "nats://localhost:4222"),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		MetricsDatabaseURL:    os.Getenv("METRICS_DATABASE_URL"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogPretty:             getEnvBool("LOG_PRETTY", false),
		MaxNATSMessageBytes:   getEnvInt("MAX_NATS_MESSAGE_SIZE", 1_000_000),
		S3Endpoint:            os.Getenv("S3_ENDPOINT"),
		S3AccessKey:           os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:           os.Getenv("S3_SECRET_KEY"),
		S3Region:              getEnv("S3_REGION", "us-east-1"),
		S3ResultsBucket:       getEnv("S3_RESULTS_BUCKET", "execution-results"),
		S3ForcePathStyle:      getEnvBool("S3_FORCE_PATH_STYLE", true),
		WasmRunTimeoutSeconds: getEnvInt("WASM_RUN_TIMEOUT", 30),
	}

	var missing []string
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if cfg.MetricsDatabaseURL == "" {
		missing = append(missing, "METRICS_DATABASE_URL")
	}
	if cfg.S3Endpoint == "" {
		missing = append(missing, "S3_ENDPOINT")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing required environment variables: %v", missing)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
