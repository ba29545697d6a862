/*
Package configs is responsible for loading and parsing the application's configuration settings.

Values come from environment variables, optionally seeded from a .env file in the working
directory. Struct tags declare names and defaults; LoadConfig then applies the checks that
depend on the running environment.
*/
package configs

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const developmentSecret = "your_default_insecure_secret_key_change_me"

// AppConfig contains all configuration parameters required for the application to run.
type AppConfig struct {
	// General Server Settings
	Environment   string `env:"ENVIRONMENT,default=development"`
	Port          int    `env:"PORT,default=8080"`
	LogLevel      string `env:"LOG_LEVEL"`
	PowDifficulty int    `env:"POW_DIFFICULTY,default=4"`

	// Security Settings
	AllowedOriginsRaw string `env:"ALLOWED_ORIGINS"`
	AllowedOrigins    []string
	JWTSecret         string `env:"JWT_SECRET"`

	// Realtime Settings
	AuthTimeout         time.Duration `env:"AUTH_TIMEOUT,default=10s"`
	PresenceDebounce    time.Duration `env:"PRESENCE_DEBOUNCE,default=3s"`
	DeliveryConcurrency int           `env:"DELIVERY_CONCURRENCY,default=32"`
	SendQueueSize       int           `env:"SEND_QUEUE_SIZE,default=256"`
	LegacyEcho          bool          `env:"LEGACY_ECHO,default=false"`

	// S3 Storage Settings; avatar uploads are disabled when the bucket is empty.
	S3BucketName      string `env:"S3_BUCKET_NAME"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`

	// Database Settings; without a DSN the server runs with an in-memory directory.
	DatabaseDSN string `env:"DATABASE_URL"`
}

// IsDevelopment reports whether the server runs in the development environment.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// StorageEnabled reports whether S3 settings are complete.
func (c *AppConfig) StorageEnabled() bool {
	return c.S3BucketName != ""
}

// LoadConfig reads and parses the application configuration from environment variables.
// A .env file, when present, is loaded first without overriding variables already set.
func LoadConfig() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := &AppConfig{}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate applies defaults and checks that depend on several fields.
func (c *AppConfig) validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", c.Port, 1024, 65535)
	}

	if c.PowDifficulty < 1 || c.PowDifficulty > 8 {
		return fmt.Errorf("POW_DIFFICULTY must be between 1 and 8, got %d", c.PowDifficulty)
	}

	c.AllowedOrigins = []string{}
	for _, origin := range strings.Split(c.AllowedOriginsRaw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, trimmed)
		}
	}

	if c.JWTSecret == "" {
		if !c.IsDevelopment() {
			return fmt.Errorf("JWT_SECRET environment variable is required in %s environment for security", c.Environment)
		}
		c.JWTSecret = developmentSecret
	}

	if c.AuthTimeout <= 0 {
		return fmt.Errorf("AUTH_TIMEOUT must be positive, got %s", c.AuthTimeout)
	}
	if c.PresenceDebounce < 0 {
		return fmt.Errorf("PRESENCE_DEBOUNCE must not be negative, got %s", c.PresenceDebounce)
	}
	if c.DeliveryConcurrency < 1 {
		return fmt.Errorf("DELIVERY_CONCURRENCY must be at least 1, got %d", c.DeliveryConcurrency)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be at least 1, got %d", c.SendQueueSize)
	}

	if c.StorageEnabled() {
		if c.S3Endpoint == "" || c.S3AccessKeyID == "" || c.S3SecretAccessKey == "" {
			return fmt.Errorf("S3_ENDPOINT, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required when S3_BUCKET_NAME is set")
		}
	}

	return nil
}
