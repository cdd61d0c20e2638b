package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the chat service.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Storage
	DatabaseURL string // postgres:// URL or SQLite file path
	RedisURL    string
	StoreSecret string // base64 key used to seal tokens at rest

	// IPC
	IPCToken string // bearer token required on /ipc when set

	// Seed connection config, used when nothing is persisted yet
	ChatURL              string
	ChatPlatform         string
	ChatAuthToken        string
	ChatNickname         string
	ChatReceiverID       string
	ChatReceiverNickname string

	// Connection tuning
	MaxAttempts    int
	BackoffBase    time.Duration
	HistoricalSkew time.Duration
	HistoryLimit   int

	ModelDir       string
	WorkerPoolSize int
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8765"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", "./data/l2dchat.db"),
		RedisURL:    os.Getenv("REDIS_URL"),
		StoreSecret: os.Getenv("STORE_SECRET"),
		IPCToken:    os.Getenv("IPC_TOKEN"),

		ChatURL:              strings.TrimSpace(os.Getenv("CHAT_URL")),
		ChatPlatform:         getEnv("CHAT_PLATFORM", "live2d_chat"),
		ChatAuthToken:        os.Getenv("CHAT_AUTH_TOKEN"),
		ChatNickname:         os.Getenv("CHAT_NICKNAME"),
		ChatReceiverID:       os.Getenv("CHAT_RECEIVER_ID"),
		ChatReceiverNickname: os.Getenv("CHAT_RECEIVER_NICKNAME"),

		MaxAttempts:    getInt("CHAT_MAX_ATTEMPTS", 3),
		BackoffBase:    getDuration("CHAT_BACKOFF_BASE", 1500*time.Millisecond),
		HistoricalSkew: getDuration("CHAT_HISTORICAL_SKEW", time.Second),
		HistoryLimit:   getInt("CHAT_HISTORY_LIMIT", 200),

		ModelDir:       getEnv("MODEL_DIR", "./models"),
		WorkerPoolSize: getInt("WORKER_POOL_SIZE", 4),
	}

	// In production, require an explicit store and a sealing key
	if cfg.Env == "production" {
		if os.Getenv("DATABASE_URL") == "" && cfg.RedisURL == "" {
			panic("DATABASE_URL or REDIS_URL is required in production")
		}
		if cfg.StoreSecret == "" {
			panic("STORE_SECRET is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// UsesPostgres reports whether DatabaseURL points at a PostgreSQL server.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d < 0 {
		return defaultValue
	}
	return d
}
