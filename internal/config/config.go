// Package config holds runtime configuration shared by the broadcaster
// and executor binaries. Values come from the environment (with an
// optional .env file); per-process CLI flags are layered on top in each
// main.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the shared infrastructure configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers        []string
	KafkaSignalTopic    string
	KafkaExecutionTopic string

	PostgresDSN string

	BackendHosts []string

	OpsAddr string

	LogLevel string
}

// envOrDefault returns the value of an env var or a default.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) (int, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}
	return def, nil
}

func envCSVOrDefault(key, def string) []string {
	raw := envOrDefault(key, def)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EnvDurationOrDefault parses a duration env var, falling back on error.
func EnvDurationOrDefault(key string, def time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return def
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	redisDB, err := envIntOrDefault("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RedisAddr:     envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		KafkaBrokers:        envCSVOrDefault("KAFKA_BROKERS", ""),
		KafkaSignalTopic:    envOrDefault("KAFKA_TOPIC_SIGNALS_AUDIT", "signals.audit"),
		KafkaExecutionTopic: envOrDefault("KAFKA_TOPIC_EXECUTIONS_AUDIT", "executions.audit"),

		PostgresDSN: os.Getenv("POSTGRES_DSN"),

		BackendHosts: envCSVOrDefault("BACKEND_HOSTS", ""),

		OpsAddr: envOrDefault("OPS_ADDR", ""),

		LogLevel: envOrDefault("LOG_LEVEL", "info"),
	}

	return cfg, nil
}
