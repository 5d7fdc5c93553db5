package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the entitlement service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string
	CatalogPath string

	LogLevel  string
	LogFormat string

	SweepInterval time.Duration
	StaleAfter    time.Duration
	VerifyTimeout time.Duration

	AppleVerifyURL    string
	AppleSandboxURL   string
	AppleSharedSecret string
	GoogleVerifyURL   string

	RateLimit  int
	RateWindow time.Duration
}

// LoadConfig loads service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("ENT_PORT", 8090)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("ENT_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	staleAfter, err := envOrDefaultDuration("ENT_STALE_AFTER", 12*time.Hour)
	if err != nil {
		return nil, err
	}
	verifyTimeout, err := envOrDefaultDuration("ENT_VERIFY_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("ENT_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}
	rateWindow, err := envOrDefaultDuration("ENT_RATE_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:     envOrDefault("ENT_DATA_DIR", "/data"),
		BindAddress: envOrDefault("ENT_BIND_ADDRESS", "0.0.0.0"),
		Port:        port,
		AdminKey:    strings.TrimSpace(os.Getenv("ENT_ADMIN_KEY")),
		CatalogPath: envOrDefault("ENT_CATALOG_PATH", "/etc/parleyapp/catalog.json"),

		LogLevel:  envOrDefault("ENT_LOG_LEVEL", "info"),
		LogFormat: envOrDefault("ENT_LOG_FORMAT", "auto"),

		SweepInterval: sweepInterval,
		StaleAfter:    staleAfter,
		VerifyTimeout: verifyTimeout,

		AppleVerifyURL:    envOrDefault("ENT_APPLE_VERIFY_URL", "https://buy.itunes.apple.com/verifyReceipt"),
		AppleSandboxURL:   envOrDefault("ENT_APPLE_SANDBOX_URL", "https://sandbox.itunes.apple.com/verifyReceipt"),
		AppleSharedSecret: strings.TrimSpace(os.Getenv("ENT_APPLE_SHARED_SECRET")),
		GoogleVerifyURL:   strings.TrimSpace(os.Getenv("ENT_GOOGLE_VERIFY_URL")),

		RateLimit:  rateLimit,
		RateWindow: rateWindow,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "ENT_ADMIN_KEY")
	}
	if c.AppleSharedSecret == "" {
		missing = append(missing, "ENT_APPLE_SHARED_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENT_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SweepInterval < time.Minute {
		return fmt.Errorf("ENT_SWEEP_INTERVAL must be at least 1m, got %s", c.SweepInterval)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("ENT_STALE_AFTER must be greater than 0, got %s", c.StaleAfter)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
