// Package config provides configuration for the runstream server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RunModeTest enables the failure-injection convention used by conformance tests.
const RunModeTest = "TEST"

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Runs
	RunTimeout      time.Duration
	ExecutorsFile   string
	PolicyFile      string
	DefaultExecutor string
	Environment     string
	RunMode         string

	// Watch websocket
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration
	WSReadTimeout  time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:        getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:     getEnv("DATABASE_URL", "file:runstream.db?cache=shared&mode=rwc"),
		RunTimeout:      time.Duration(getEnvInt("RUN_TIMEOUT_MS", 300000)) * time.Millisecond,
		ExecutorsFile:   getEnv("EXECUTORS_FILE", ""),
		PolicyFile:      getEnv("EXECUTOR_POLICY_FILE", ""),
		DefaultExecutor: getEnv("DEFAULT_EXECUTOR", "echo"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		RunMode:         strings.ToUpper(getEnv("RUN_MODE", "")),
		WSPingInterval:  time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WSWriteTimeout:  time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		WSReadTimeout:   time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// TestMode reports whether failure injection is enabled.
func (c *Config) TestMode() bool {
	return c.RunMode == RunModeTest
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
