package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
	BackendMemory   = "memory"
)

// Config holds all configuration for the server.
type Config struct {
	Port string
	Env  string

	// Redis carries the bus and, with the redis backend, every store.
	RedisURL      string
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisTLS      bool

	// StoreBackend selects where documents and operations live. Sessions
	// and chat always use Redis unless the backend is memory.
	StoreBackend string
	DatabaseURL  string
	BoltPath     string

	ClientURLs []string

	SandboxCommand string
	SandboxTimeout time.Duration
}

// Load reads configuration from the environment, after loading envFile
// (or .env when empty) if it exists.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Port:           getEnv("PORT", "5000"),
		Env:            getEnv("ENV", "development"),
		RedisURL:       os.Getenv("REDIS_URL"),
		RedisAddr:      redisAddr(),
		RedisUsername:  os.Getenv("REDIS_USERNAME"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisTLS:       getEnv("REDIS_TLS", "false") == "true",
		StoreBackend:   getEnv("STORE_BACKEND", BackendRedis),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		BoltPath:       getEnv("BOLT_PATH", "codesync.db"),
		SandboxCommand: getEnv("SANDBOX_COMMAND", "node"),
		ClientURLs:     splitList(getEnv("CLIENT_URL", "http://localhost:3000")),
	}

	timeout, err := time.ParseDuration(getEnv("SANDBOX_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("SANDBOX_TIMEOUT: %w", err)
	}
	cfg.SandboxTimeout = timeout

	switch cfg.StoreBackend {
	case BackendRedis, BackendBolt, BackendMemory:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// redisAddr accepts REDIS_ADDR or the REDIS_HOST/REDIS_PORT pair.
func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		return host + ":" + getEnv("REDIS_PORT", "6379")
	}
	return "localhost:6379"
}

func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
