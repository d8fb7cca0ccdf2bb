// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/stakehold/internal/pda"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow program
	ProgramID   string // 0x-prefixed 32-byte hex
	RentDeposit uint64 // Native units charged per opened account

	// Security
	AuthMaxSkew  time.Duration
	RateLimitRPM int
	CORSOrigins  []string // Empty allows any origin

	// Observability
	OTLPEndpoint string // Traces are disabled when empty
}

const (
	// DefaultProgramID is the fixed development program address.
	DefaultProgramID = "0x5374616b65686f6c64457363726f7750726f6772616d00000000000000000000"

	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultRentDeposit  = 2039280
	DefaultAuthMaxSkew  = 300
	DefaultRateLimitRPM = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	rent := getEnvInt64("RENT_DEPOSIT", DefaultRentDeposit)
	if rent < 0 {
		return nil, fmt.Errorf("RENT_DEPOSIT must not be negative")
	}

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		ProgramID:    getEnv("PROGRAM_ID", DefaultProgramID),
		RentDeposit:  uint64(rent),
		AuthMaxSkew:  time.Duration(getEnvInt64("AUTH_MAX_SKEW_SECONDS", DefaultAuthMaxSkew)) * time.Second,
		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:  getEnvList("CORS_ORIGINS"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are well formed
func (c *Config) Validate() error {
	if _, err := pda.ParseAddress(c.ProgramID); err != nil {
		return fmt.Errorf("PROGRAM_ID must be a 0x-prefixed 32-byte hex address: %w", err)
	}
	if c.AuthMaxSkew <= 0 {
		return fmt.Errorf("AUTH_MAX_SKEW_SECONDS must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// Program returns the parsed program ID. Call after Validate.
func (c *Config) Program() pda.Address {
	return pda.MustParseAddress(c.ProgramID)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
