// Package config loads the environment-variable table from spec.md §6
// into a typed Config, and builds the process-wide slog logger.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the typed view of every recognized environment variable.
// Fields cover the spec.md §6 table plus the optional Redis, HTTP
// address, seed file, OpenTelemetry and log-level settings; there is no
// YAML layering — MQTT/TCP/DB are infra endpoints supplied by the
// deployment.
type Config struct {
	DatabaseURL string

	DBPoolSize    int
	DBMaxOverflow int
	DBPoolTimeout time.Duration

	MQTTBrokerHost string
	MQTTBrokerPort int
	MQTTUsername   string
	MQTTPassword   string
	MQTTTLSEnabled bool
	MQTTTLSCAFile  string

	TCPHost string
	TCPPort int

	WSEventReplayLimit int

	SecretKey            string
	Algorithm            string
	AccessTokenExpireMin int
	JWTIssuer            string
	JWTAudience          string

	RateLimitPerMinute int
	RedisAddr          string
	RedisPassword      string

	HTTPAddr string

	// RulesSeedFile optionally points at a YAML file of ProtocolPolicy
	// and DynamicRule seeds loaded at startup (SPEC_FULL.md §3 — admin
	// CRUD is out of scope, so this is how a fixed deployment supplies
	// its initial policy/rule set).
	RulesSeedFile string

	// OTelEnabled/OTelEndpoint/OTelInsecure configure the optional
	// OpenTelemetry exporter (SPEC_FULL.md §2 ambient stack); absent a
	// collector endpoint, telemetry stays off rather than failing startup.
	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool

	LogLevel slog.Level
}

// Load reads Config from the process environment, applying the
// defaults spec.md §6 implies where a key is absent.
func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DBPoolSize:           envInt("DB_POOL_SIZE", 20),
		DBMaxOverflow:        envInt("DB_MAX_OVERFLOW", 40),
		DBPoolTimeout:        time.Duration(envInt("DB_POOL_TIMEOUT", 60)) * time.Second,
		MQTTBrokerHost:       os.Getenv("MQTT_BROKER_HOST"),
		MQTTBrokerPort:       envInt("MQTT_BROKER_PORT", 1883),
		MQTTUsername:         os.Getenv("MQTT_USERNAME"),
		MQTTPassword:         os.Getenv("MQTT_PASSWORD"),
		MQTTTLSEnabled:       envBool("MQTT_TLS_ENABLED", false),
		MQTTTLSCAFile:        os.Getenv("MQTT_TLS_CA_FILE"),
		TCPHost:              envString("TCP_HOST", "0.0.0.0"),
		TCPPort:              envInt("TCP_PORT", 9100),
		WSEventReplayLimit:   envInt("WS_EVENT_REPLAY_LIMIT", 500),
		SecretKey:            os.Getenv("SECRET_KEY"),
		Algorithm:            envString("ALGORITHM", "HS256"),
		AccessTokenExpireMin: envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60),
		JWTIssuer:            os.Getenv("JWT_ISSUER"),
		JWTAudience:          os.Getenv("JWT_AUDIENCE"),
		RateLimitPerMinute:   envInt("RATE_LIMIT_PER_MINUTE", 120),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		HTTPAddr:             envString("HTTP_ADDR", ":8080"),
		RulesSeedFile:        os.Getenv("RULES_SEED_FILE"),
		OTelEnabled:          envBool("OTEL_ENABLED", false),
		OTelEndpoint:         envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure:         envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		LogLevel:             parseLevel(envString("LOG_LEVEL", "info")),
	}

	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return c, nil
}

// Logger builds the process-wide structured logger. Matches the
// teacher's terse slog.Info/Warn/Error call-site idiom: one logger
// built here and threaded through the composition root, no
// package-level globals.
func (c *Config) Logger() *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel})
	return slog.New(h)
}

// RedisConfigured reports whether a distributed rate limiter backend
// is available; callers fall back to the in-process limiter otherwise.
func (c *Config) RedisConfigured() bool { return c.RedisAddr != "" }

// MQTTConfigured reports whether the MQTT transport should start.
func (c *Config) MQTTConfigured() bool { return c.MQTTBrokerHost != "" }

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
