package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL       string
	HTTPListenAddr    string
	MetricsListenAddr string
	LogLevel          string
	ServiceName       string

	// UpstreamURL is the model backend the chat endpoint relays to.
	// Empty disables relaying; the endpoint then answers 502.
	UpstreamURL string
	// Models is the configured model catalog served by /api/v1/models.
	Models []string

	TokenPrefixLength         int
	BcryptCost                int
	MaxTokensPerOwner         int
	DefaultRateLimitPerMinute int
	PublicRateLimitPerMinute  int
	StoreTimeout              time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:               getEnv("DATABASE_URL", ""),
		HTTPListenAddr:            getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsListenAddr:         getEnv("METRICS_LISTEN_ADDR", ":9090"),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		ServiceName:               getEnv("SERVICE_NAME", "tokengate-api"),
		UpstreamURL:               getEnv("UPSTREAM_URL", ""),
		Models:                    splitCSV(getEnv("MODELS", "smollm2,tinyllama")),
		TokenPrefixLength:         getEnvInt("TOKEN_PREFIX_LENGTH", 12),
		BcryptCost:                getEnvInt("BCRYPT_COST", 0),
		MaxTokensPerOwner:         getEnvInt("MAX_TOKENS_PER_OWNER", 10),
		DefaultRateLimitPerMinute: getEnvInt("DEFAULT_RATE_LIMIT_PER_MINUTE", 60),
		PublicRateLimitPerMinute:  getEnvInt("PUBLIC_RATE_LIMIT_PER_MINUTE", 120),
		StoreTimeout:              getEnvDuration("STORE_TIMEOUT", 5*time.Second),
	}

	return cfg, nil
}

// Validate checks that the config is complete enough to start the service.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.TokenPrefixLength < 4 || c.TokenPrefixLength > 32 {
		return fmt.Errorf("TOKEN_PREFIX_LENGTH must be between 4 and 32, got %d", c.TokenPrefixLength)
	}
	if c.MaxTokensPerOwner < 1 {
		return fmt.Errorf("MAX_TOKENS_PER_OWNER must be at least 1, got %d", c.MaxTokensPerOwner)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("MODELS must list at least one model")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
