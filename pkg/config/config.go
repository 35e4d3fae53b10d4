package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the entity engine.
// Configuration can come from YAML file (config.yaml) or environment
// variables; environment variables override YAML values. Secrets must only
// come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Authentication configuration
	Auth AuthConfig `yaml:"auth"`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration for the blob cache (optional)
	Redis RedisConfig `yaml:"redis"`

	// Storage engine tuning
	Storage StorageConfig `yaml:"storage"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether bearer tokens are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpoint is the JWKS URL tokens are verified against.
	JWKSEndpoint string `yaml:"jwks_endpoint" env:"JWKS_ENDPOINT" env-default:""`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"postgres"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"entity_engine"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConnections int32  `yaml:"max_connections" env:"PG_MAX_CONNECTIONS" env-default:"25"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
}

// URL renders the connection string for pgx and database/sql.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis connection configuration. An empty host disables
// the blob cache.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`

	// CacheTTLSeconds bounds blob cache residency.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" env:"REDIS_CACHE_TTL_SECONDS" env-default:"3600"`
}

// StorageConfig tunes the storage engine.
type StorageConfig struct {
	// BlobPromotionThreshold is the serialized-value size in bytes above
	// which property and association values move to blob storage.
	BlobPromotionThreshold int `yaml:"blob_promotion_threshold" env:"BLOB_PROMOTION_THRESHOLD" env-default:"2048"`
}

// Load reads configuration from config.yaml (when present) and the
// environment.
func Load(version string) (*Config, error) {
	var cfg Config

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	cfg.Version = version

	if cfg.Storage.BlobPromotionThreshold <= 0 {
		return nil, fmt.Errorf("blob_promotion_threshold must be positive, got %d", cfg.Storage.BlobPromotionThreshold)
	}
	if cfg.Auth.EnableVerification && cfg.Auth.JWKSEndpoint == "" {
		return nil, fmt.Errorf("jwks_endpoint is required when auth verification is enabled")
	}

	return &cfg, nil
}
