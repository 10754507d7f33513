// Package config loads the matching service configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ListenAddr     string
	ServerName     string
	LogLevel       string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Heartbeat
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Backing services. Empty addresses disable the component.
	RedisAddr     string
	NATSURL       string
	DatabaseURL   string
	RunMigrations bool
	CatalogFile   string

	// JWT
	JWTSecret string

	// CORS
	CORSAllowedOrigins []string

	// TrustedProxies are CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string

	// Matching
	MatchMaxWait       time.Duration
	MatchMaxQueue      int
	MatchScorer        string
	MatchRateLimit     int
	MatchRateWindow    time.Duration
	TagRefreshInterval time.Duration
	ProvisionTimeout   time.Duration
}

func Load() (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		ServerName:     getEnv("SERVER_NAME", hostname()),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		WorkerPoolSize: getEnvAsInt("WORKER_POOL_SIZE", 256),
		MaxConnections: getEnvAsInt("MAX_CONNECTIONS", 100000),
		ReadTimeout:    getEnvAsDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getEnvAsDuration("WRITE_TIMEOUT", 10*time.Second),

		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvAsDuration("HEARTBEAT_TIMEOUT", 10*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		NATSURL:       getEnv("NATS_URL", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RunMigrations: getEnvAsBool("RUN_MIGRATIONS", true),
		CatalogFile:   getEnv("CATALOG_FILE", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		TrustedProxies:     getEnvAsList("TRUSTED_PROXIES", nil),

		MatchMaxWait:       getEnvAsDuration("MATCH_MAX_WAIT", 0),
		MatchMaxQueue:      getEnvAsInt("MATCH_MAX_QUEUE", 0),
		MatchScorer:        getEnv("MATCH_SCORER", "fifo"),
		MatchRateLimit:     getEnvAsInt("MATCH_RATE_LIMIT", 10),
		MatchRateWindow:    getEnvAsDuration("MATCH_RATE_WINDOW", time.Minute),
		TagRefreshInterval: getEnvAsDuration("TAG_REFRESH_INTERVAL", 5*time.Minute),
		ProvisionTimeout:   getEnvAsDuration("PROVISION_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.DatabaseURL == "" && c.CatalogFile == "" {
		errs = append(errs, errors.New("one of DATABASE_URL or CATALOG_FILE is required"))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", c.MaxConnections))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be positive"))
	}
	if c.MatchMaxWait < 0 {
		errs = append(errs, errors.New("MATCH_MAX_WAIT must not be negative"))
	}
	if c.TagRefreshInterval <= 0 {
		errs = append(errs, errors.New("TAG_REFRESH_INTERVAL must be positive"))
	}
	if c.MatchMaxQueue < 0 {
		errs = append(errs, errors.New("MATCH_MAX_QUEUE must not be negative"))
	}
	switch c.MatchScorer {
	case "fifo", "overlap":
	default:
		errs = append(errs, fmt.Errorf("MATCH_SCORER must be fifo or overlap, got %q", c.MatchScorer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "matching-1"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
