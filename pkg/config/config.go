// Package config reads keel's configuration from the environment. Every knob
// has a default that works for local development; deployments override
// through the environment only.
package config

import (
	"os"
	"strconv"

	"github.com/Mindburn-Labs/keel/pkg/database"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	Database database.Config

	// Empty secret disables token verification: development mode.
	JWTSecret string

	// Extra rulesets loaded after the embedded defaults.
	RulesDir string

	// Empty, a directory path, s3://bucket/prefix or gs://bucket/prefix.
	SnapshotArchive string

	RateLimitRPS   float64
	RateLimitBurst int
	RedisAddr      string

	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:            envOr("PORT", "8080"),
		LogLevel:        envOr("LOG_LEVEL", "INFO"),
		Database:        loadDatabase(),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		RulesDir:        os.Getenv("RULES_DIR"),
		SnapshotArchive: os.Getenv("SNAPSHOT_ARCHIVE"),
		RateLimitRPS:    envFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst:  envInt("RATE_LIMIT_BURST", 20),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		OTELEnabled:     os.Getenv("OTEL_ENABLED") == "true",
		OTELEndpoint:    envOr("OTEL_ENDPOINT", "localhost:4317"),
		ServiceName:     envOr("SERVICE_NAME", "keel"),
	}
}

func loadDatabase() database.Config {
	driver := database.Dialect(os.Getenv("DB_DRIVER"))
	if driver == "" {
		driver = database.DialectPostgres
	}
	return database.Config{
		Driver:   driver,
		Host:     envOr("DB_HOST", "localhost"),
		Port:     envOr("DB_PORT", "5432"),
		Database: envOr("DB_NAME", "keel"),
		User:     envOr("DB_USER", "keel"),
		Password: os.Getenv("DB_PASSWORD"),
		SSLMode:  envOr("DB_SSLMODE", "disable"),
		Path:     envOr("DB_PATH", "keel.db"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
