// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	// Application
	AppEnv  string
	AppHost string
	AppPort int
	// SecretKey feeds cookie integrity and CSRF token derivation.
	SecretKey string

	// Database
	DatabasePath       string
	CheckpointInterval time.Duration

	// File storage
	UploadDir         string
	MaxUploadSize     int64
	AllowedImageTypes []string

	// Security
	SessionTimeout         time.Duration
	MaxConcurrentSessions  int
	MaxFailedLogins        int
	AccountLockoutDuration time.Duration
	PasswordMinLength      int
	PasswordHistoryCount   int

	// Argon2
	Argon2TimeCost    uint32
	Argon2MemoryCost  uint32 // KiB
	Argon2Parallelism uint8

	// Rate limiting (requests per minute)
	RateLimitLogin int
	RateLimitAPI   int

	// Logging
	LogLevel         string
	LogFile          string
	LogRotation      string
	LogRetentionDays int
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	return &Config{
		AppEnv:    getenv("APP_ENV", "development"),
		AppHost:   getenv("APP_HOST", "0.0.0.0"),
		AppPort:   getint("APP_PORT", 8000),
		SecretKey: os.Getenv("SECRET_KEY"),

		DatabasePath:       getenv("DATABASE_PATH", "./data/mailroom.db"),
		CheckpointInterval: time.Duration(getint("DATABASE_CHECKPOINT_INTERVAL", 300)) * time.Second,

		UploadDir:         getenv("UPLOAD_DIR", "./uploads"),
		MaxUploadSize:     int64(getint("MAX_UPLOAD_SIZE", 5242880)),
		AllowedImageTypes: splitCSV(getenv("ALLOWED_IMAGE_TYPES", "image/jpeg,image/png,image/webp")),

		SessionTimeout:         time.Duration(getint("SESSION_TIMEOUT", 1800)) * time.Second,
		MaxConcurrentSessions:  getint("MAX_CONCURRENT_SESSIONS", 3),
		MaxFailedLogins:        getint("MAX_FAILED_LOGINS", 5),
		AccountLockoutDuration: time.Duration(getint("ACCOUNT_LOCKOUT_DURATION", 1800)) * time.Second,
		PasswordMinLength:      getint("PASSWORD_MIN_LENGTH", 12),
		PasswordHistoryCount:   getint("PASSWORD_HISTORY_COUNT", 3),

		Argon2TimeCost:    uint32(getint("ARGON2_TIME_COST", 3)),
		Argon2MemoryCost:  uint32(getint("ARGON2_MEMORY_COST", 19456)),
		Argon2Parallelism: uint8(getint("ARGON2_PARALLELISM", 1)),

		RateLimitLogin: getint("RATE_LIMIT_LOGIN", 10),
		RateLimitAPI:   getint("RATE_LIMIT_API", 100),

		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		LogFile:          getenv("LOG_FILE", ""),
		LogRotation:      getenv("LOG_ROTATION", "weekly"),
		LogRetentionDays: getint("LOG_RETENTION_DAYS", 365),
	}
}

// Validate enforces boot-time strictness. Call before constructing any
// component.
func (c *Config) Validate() error {
	switch c.AppEnv {
	case "development", "production", "testing":
	default:
		return fmt.Errorf("APP_ENV must be development, production or testing, got %q", c.AppEnv)
	}
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY must be set")
	}
	if c.IsProduction() {
		if len(c.SecretKey) < 32 {
			return fmt.Errorf("SECRET_KEY must be at least 32 characters in production")
		}
		if strings.Contains(strings.ToLower(c.SecretKey), "change-this") {
			return fmt.Errorf("SECRET_KEY must be changed from its default in production")
		}
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if len(c.AllowedImageTypes) == 0 {
		return fmt.Errorf("ALLOWED_IMAGE_TYPES must not be empty")
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
// It gates the Secure cookie flag and the HSTS header.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Addr returns the bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.AppHost, c.AppPort)
}

// DataDir is the directory holding the database file; health checks probe
// its free space.
func (c *Config) DataDir() string {
	return filepath.Dir(c.DatabasePath)
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FILE and
// installs it as the slog default.
func (c *Config) NewLogger() (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO", "":
		level = slog.LevelInfo
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel)
	}

	out := os.Stderr
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
