// Package config provides configuration management for the token gate service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Identity store backends
const (
	IdentityStoreMongo    = "mongo"
	IdentityStorePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Identity  IdentityConfig
	Telegram  TelegramConfig
	Workflow  WorkflowConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Logging   LoggingConfig
	Gates     GatesConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	Host           string
	AllowedOrigins []string
	PublicURL      string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Mongo      MongoConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URI                    string
	Database               string
	Collection             string
	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
}

// IdentityConfig selects where identity claims are recorded
type IdentityConfig struct {
	Store string
}

// TelegramConfig holds Telegram Login widget and Bot API settings
type TelegramConfig struct {
	BotToken     string
	BotName      string
	AuthURL      string
	ButtonSize   string
	CornerRadius int
	OnAuth       string
	// AuthMaxAge bounds how old a widget or Mini App auth_date may be
	AuthMaxAge time.Duration
}

// WorkflowConfig holds per-step timeouts and wallet handshake settings
type WorkflowConfig struct {
	RequestTimeout      time.Duration
	ConnectTimeout      time.Duration
	ChallengeTTL        time.Duration
	PairingTTL          time.Duration
	PairingPollInterval time.Duration
}

// SessionConfig holds session registry and bearer token configuration
type SessionConfig struct {
	TTL             time.Duration
	JanitorInterval time.Duration
	JWTSecret       string
	MaxLive         int
}

// RateLimitConfig holds per-client API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// TrustedProxies are the reverse proxies allowed to name the client in X-Forwarded-For
	TrustedProxies []netip.Prefix
}

// AuditConfig toggles the ClickHouse eligibility audit sink
type AuditConfig struct {
	Enabled bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			PublicURL:      getEnv("PUBLIC_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "token_gate"),
				User:           getEnv("POSTGRES_USER", "tokengate"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "token_gate"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
			Mongo: MongoConfig{
				URI:                    getEnv("MONGO_URI", "mongodb://localhost:27017"),
				Database:               getEnv("MONGO_DB", "token_gate"),
				Collection:             getEnv("MONGO_COLLECTION", "users"),
				MaxPoolSize:            uint64(getEnvAsInt("MONGO_MAX_POOL_SIZE", 20)),
				ServerSelectionTimeout: getEnvAsDuration("MONGO_SERVER_SELECTION_TIMEOUT", 5*time.Second),
			},
		},
		Identity: IdentityConfig{
			Store: strings.ToLower(getEnv("IDENTITY_STORE", IdentityStoreMongo)),
		},
		Telegram: TelegramConfig{
			BotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
			BotName:      getEnv("TELEGRAM_BOT_NAME", "getDataForMeldBot"),
			AuthURL:      getEnv("TELEGRAM_AUTH_URL", "https://0xjaqbek.github.io/MeldTokenChecker/"),
			ButtonSize:   getEnv("TELEGRAM_BUTTON_SIZE", "large"),
			CornerRadius: getEnvAsInt("TELEGRAM_CORNER_RADIUS", 5),
			OnAuth:       getEnv("TELEGRAM_ONAUTH", "onTelegramAuth(user)"),
			AuthMaxAge:   getEnvAsDuration("TELEGRAM_AUTH_MAX_AGE", 24*time.Hour),
		},
		Workflow: WorkflowConfig{
			RequestTimeout:      getEnvAsDuration("REQUEST_TIMEOUT", 15*time.Second),
			ConnectTimeout:      getEnvAsDuration("CONNECT_TIMEOUT", 2*time.Minute),
			ChallengeTTL:        getEnvAsDuration("CHALLENGE_TTL", 5*time.Minute),
			PairingTTL:          getEnvAsDuration("PAIRING_TTL", 5*time.Minute),
			PairingPollInterval: getEnvAsDuration("PAIRING_POLL_INTERVAL", 500*time.Millisecond),
		},
		Session: SessionConfig{
			TTL:             getEnvAsDuration("SESSION_TTL", 30*time.Minute),
			JanitorInterval: getEnvAsDuration("SESSION_JANITOR_INTERVAL", time.Minute),
			JWTSecret:       getEnv("SESSION_JWT_SECRET", ""),
			MaxLive:         getEnvAsInt("SESSION_MAX_LIVE", 10000),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Audit: AuditConfig{
			Enabled: getEnvAsBool("AUDIT_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	proxies, err := parsePrefixes(getEnvAsList("RATE_LIMIT_TRUSTED_PROXIES", nil))
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_TRUSTED_PROXIES: %w", err)
	}
	config.RateLimit.TrustedProxies = proxies

	gates, err := loadGateConfigs()
	if err != nil {
		return nil, err
	}
	config.Gates = gates

	return config, nil
}

// Validate checks the settings the server cannot start without
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT must be set")
	}
	if len(c.Session.JWTSecret) < 16 {
		return fmt.Errorf("SESSION_JWT_SECRET must be at least 16 characters")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.Session.MaxLive < 0 {
		return fmt.Errorf("SESSION_MAX_LIVE must not be negative")
	}
	if c.Workflow.RequestTimeout <= 0 || c.Workflow.ConnectTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT and CONNECT_TIMEOUT must be positive")
	}
	switch c.Identity.Store {
	case IdentityStoreMongo, IdentityStorePostgres:
	default:
		return fmt.Errorf("IDENTITY_STORE must be %q or %q, got %q", IdentityStoreMongo, IdentityStorePostgres, c.Identity.Store)
	}
	if len(c.Gates.Enabled) == 0 {
		return fmt.Errorf("GATES must name at least one gate")
	}

	for _, id := range c.Gates.Enabled {
		gate := c.Gates.Gates[id]
		if err := gate.Validate(); err != nil {
			return fmt.Errorf("gate %s: %w", id, err)
		}
		if gate.LinkIssuer.Kind == LinkIssuerTelegram && c.Telegram.BotToken == "" {
			return fmt.Errorf("gate %s: TELEGRAM_BOT_TOKEN is required for the telegram link issuer", id)
		}
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 gets an environment variable as an int64 with a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// parsePrefixes accepts CIDR ranges and bare addresses
func parsePrefixes(items []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range items {
		if strings.Contains(item, "/") {
			prefix, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
