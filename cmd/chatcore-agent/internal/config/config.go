// Package config provides configuration management for the chatcore agent.
// It loads settings from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the agent.
type Config struct {
	Chat     ChatConfig
	Database DatabaseConfig
}

// ChatConfig holds broker, API and call settings.
type ChatConfig struct {
	BrokerURL      string
	APIURL         string
	UserID         string
	DisplayName    string
	AccessToken    string
	MediaUID       uint32
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	ReconnectMax   time.Duration
	RingTimeout    time.Duration
	OutboxMax      int
	OutboxPolicy   string // drop-oldest, drop-newest, reject
	AutoAnswer     bool
}

// DatabaseConfig holds the outbox database configuration.
// An empty Driver keeps the outbox in memory only.
type DatabaseConfig struct {
	Driver   string // "", mysql, postgres, sqlite3
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Prefix   string // Table prefix (default: "chatcore_")
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Chat: ChatConfig{
			BrokerURL:      getEnv("CHATCORE_BROKER_URL", "ws://localhost:8080/ws"),
			APIURL:         getEnv("CHATCORE_API_URL", "http://localhost:8080"),
			UserID:         getEnv("CHATCORE_USER_ID", ""),
			DisplayName:    getEnv("CHATCORE_DISPLAY_NAME", ""),
			AccessToken:    getEnv("CHATCORE_ACCESS_TOKEN", ""),
			MediaUID:       uint32(getEnvInt("CHATCORE_MEDIA_UID", 0)),
			Heartbeat:      getEnvMillis("CHATCORE_HEARTBEAT_MS", 4000),
			ReconnectDelay: getEnvMillis("CHATCORE_RECONNECT_MS", 5000),
			ReconnectMax:   getEnvMillis("CHATCORE_RECONNECT_MAX_MS", 30000),
			RingTimeout:    time.Duration(getEnvInt("CHATCORE_RING_TIMEOUT_S", 45)) * time.Second,
			OutboxMax:      getEnvInt("CHATCORE_OUTBOX_MAX", 1000),
			OutboxPolicy:   getEnv("CHATCORE_OUTBOX_POLICY", "drop-oldest"),
			AutoAnswer:     getEnvBool("CHATCORE_AUTO_ANSWER", false),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 3306),
			User:     getEnv("DB_USER", "chatcore"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "chatcore"),
			Prefix:   getEnv("DB_PREFIX", "chatcore_"),
		},
	}

	// Validate required fields
	if cfg.Chat.UserID == "" {
		return nil, fmt.Errorf("CHATCORE_USER_ID environment variable is required")
	}
	if cfg.Chat.ReconnectMax < cfg.Chat.ReconnectDelay {
		return nil, fmt.Errorf("CHATCORE_RECONNECT_MAX_MS must not be below CHATCORE_RECONNECT_MS")
	}
	switch strings.ToLower(cfg.Database.Driver) {
	case "", "sqlite3":
	case "mysql", "postgres":
		if cfg.Database.Password == "" {
			return nil, fmt.Errorf("DB_PASSWORD environment variable is required for %s", cfg.Database.Driver)
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Database.Driver)
	}

	return cfg, nil
}

// Persistent reports whether the outbox is backed by a database.
func (c *DatabaseConfig) Persistent() bool {
	return c.Driver != ""
}

// GetDSN returns the database connection string based on driver.
func (c *DatabaseConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case "sqlite3":
		return c.Database // SQLite uses file path as DSN
	default:
		return ""
	}
}

// getEnv retrieves environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}

// getEnvBool retrieves environment variable as boolean or returns default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
