// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseURL    string
	RedisAddr      string // empty means in-process rate limiting
	HMACSecret     string
	WebhookToken   string
	SurfaceBaseURL string
	SurfaceTimeout time.Duration
	AuditLogPath   string
	PolicyFile     string // optional validator threshold overrides
	APIRateRPS     int
	APIRateBurst   int
	ExecLimit      int
	ExecWindow     time.Duration
	OTLPEndpoint   string // empty disables telemetry export
}

// Load loads configuration from environment variables with safe defaults.
func Load() *Config {
	return &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		DatabaseDriver: getenv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getenv("DATABASE_URL", "finpilot.db"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		HMACSecret:     getenv("HMAC_SECRET_KEY", "default_secret_change_in_prod"),
		WebhookToken:   os.Getenv("WEBHOOK_VERIFICATION_TOKEN"),
		SurfaceBaseURL: getenv("SURFACE_BASE_URL", "https://sandbox.bank-rails.example.com"),
		SurfaceTimeout: getenvDuration("SURFACE_TIMEOUT", 30*time.Second),
		AuditLogPath:   getenv("AUDIT_LOG_PATH", "finpilot-audit.jsonl"),
		PolicyFile:     os.Getenv("POLICY_FILE"),
		APIRateRPS:     getenvInt("API_RATE_RPS", 100),
		APIRateBurst:   getenvInt("API_RATE_BURST", 20),
		ExecLimit:      getenvInt("EXEC_RATE_LIMIT", 10),
		ExecWindow:     getenvDuration("EXEC_RATE_WINDOW", time.Minute),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
