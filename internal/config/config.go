// Package config loads relay configuration from the process
// environment. An optional .env file is honoured for development; real
// deployments set variables directly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// placeholderSecret is the value shipped in example configs. Starting
// with it would make every deployment's tokens forgeable, so it is
// rejected outright.
const placeholderSecret = "change-me"

var (
	ErrMissingSecret     = errors.New("ARCS_TOKEN_SECRET is required")
	ErrPlaceholderSecret = errors.New("ARCS_TOKEN_SECRET still holds the placeholder value; set a real secret")
)

// Config is the full relay configuration.
type Config struct {
	ListenAddr       string
	TokenSecret      string
	TokenExpiryHours int
	MaxSessions      int
	RegistryPath     string
	AuditLogPath     string
	TLSCertFile      string
	TLSKeyFile       string
	LogLevel         string
	LogFormat        string
	IdleTimeout      time.Duration
}

// Load reads configuration from the environment, applying defaults and
// validating the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		ListenAddr:       getEnv("ARCS_LISTEN_ADDR", ":9080"),
		TokenSecret:      os.Getenv("ARCS_TOKEN_SECRET"),
		TokenExpiryHours: getEnvInt("ARCS_TOKEN_EXPIRY_HOURS", 24),
		MaxSessions:      getEnvInt("ARCS_MAX_SESSIONS", 100),
		RegistryPath:     getEnv("ARCS_REGISTRY_PATH", "data/devices.db"),
		AuditLogPath:     getEnv("ARCS_AUDIT_LOG", "data/audit.log"),
		TLSCertFile:      os.Getenv("ARCS_TLS_CERT"),
		TLSKeyFile:       os.Getenv("ARCS_TLS_KEY"),
		LogLevel:         getEnv("ARCS_LOG_LEVEL", "info"),
		LogFormat:        getEnv("ARCS_LOG_FORMAT", "auto"),
		IdleTimeout:      time.Duration(getEnvInt("ARCS_IDLE_TIMEOUT_SECONDS", 300)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup-fatal constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TokenSecret) == "" {
		return ErrMissingSecret
	}
	if c.TokenSecret == placeholderSecret {
		return ErrPlaceholderSecret
	}
	if c.TokenExpiryHours <= 0 {
		return fmt.Errorf("token expiry must be positive, got %d", c.TokenExpiryHours)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("session limit must be positive, got %d", c.MaxSessions)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("TLS certificate and key must be set together")
	}
	return nil
}

// TLSEnabled reports whether the listener should serve TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
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
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}
