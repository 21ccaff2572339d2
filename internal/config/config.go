package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Auth. Empty secret means tokens are parsed without signature
	// verification (an upstream gateway has already validated them).
	JWTSecret string

	// Relay timing
	IdleGrace        time.Duration
	SnapshotInterval time.Duration
	PresenceTimeout  time.Duration
	HeartbeatTimeout time.Duration
	StoreTimeout     time.Duration
	StoreRetryMax    int

	// SnapshotRetain bounds the stored history per document; <= 0 keeps
	// everything.
	SnapshotRetain int

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "legal_os_collab"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		IdleGrace:        getEnvSeconds("IDLE_GRACE_SECONDS", 30),
		SnapshotInterval: getEnvSeconds("SNAPSHOT_INTERVAL_SECONDS", 15),
		PresenceTimeout:  getEnvSeconds("PRESENCE_TIMEOUT_SECONDS", 45),
		HeartbeatTimeout: getEnvSeconds("HEARTBEAT_TIMEOUT_SECONDS", 60),
		StoreTimeout:     getEnvSeconds("STORE_TIMEOUT_SECONDS", 5),
		StoreRetryMax:    getEnvInt("SNAPSHOT_RETRY_MAX", 5),
		SnapshotRetain:   getEnvInt("SNAPSHOT_RETAIN", 200),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.SnapshotInterval <= 0 {
		return nil, fmt.Errorf("SNAPSHOT_INTERVAL_SECONDS must be positive")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}
