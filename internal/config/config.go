// Package config provides configuration for the finance assistant server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int
	RPCPort  int

	// Database
	DatabaseURL string

	// Plans and policy. Empty paths use the embedded defaults.
	PlanFile   string
	PolicyFile string

	// Toast notifications
	NotifyAddr      string
	NotifyQueueSize int
	NotifyTimeout   time.Duration

	// Adapters
	AdapterLatency time.Duration

	// Runs suspended longer than this are abandoned. Zero disables expiry.
	SuspensionTTL time.Duration

	// WebSocket
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration
	WSSendBuffer   int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:        getEnvInt("HTTP_PORT", 8080),
		RPCPort:         getEnvInt("RPC_PORT", 8082),
		DatabaseURL:     getEnv("DATABASE_URL", "file:finassist.db?cache=shared&mode=rwc"),
		PlanFile:        getEnv("PLAN_FILE", ""),
		PolicyFile:      getEnv("POLICY_FILE", ""),
		NotifyAddr:      getEnv("NOTIFY_ADDR", ""),
		NotifyQueueSize: getEnvInt("NOTIFY_QUEUE_SIZE", 64),
		NotifyTimeout:   time.Duration(getEnvInt("NOTIFY_TIMEOUT_MS", 2000)) * time.Millisecond,
		AdapterLatency:  time.Duration(getEnvInt("ADAPTER_LATENCY_MS", 250)) * time.Millisecond,
		SuspensionTTL:   time.Duration(getEnvInt("SUSPENSION_TTL_MS", 0)) * time.Millisecond,
		WSPingInterval:  time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WSWriteTimeout:  time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		WSSendBuffer:    getEnvInt("WS_SEND_BUFFER", 256),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}
	return cfg
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
