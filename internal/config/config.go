// Package config loads the session sweeper's configuration from the
// environment using github.com/caarlos0/env.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/tendant/simple-idm-sessions/idm"
	"github.com/tendant/simple-idm-sessions/pkg/auth"
	"github.com/tendant/simple-idm-sessions/pkg/repository"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds application configuration.
type Config struct {
	// Store selects the backend: postgres or redis.
	Store    string     `env:"STORE"     envDefault:"postgres"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	Session        SessionConfig
	Lockout        auth.LockoutConfig   `envPrefix:"LOCKOUT_"`
	Suspicion      auth.SuspicionConfig `envPrefix:"SUSPICION_"`
	PasswordPolicy auth.PasswordPolicy  `envPrefix:"PASSWORD_"`

	Sweeper SweeperConfig
}

// DBConfig contains PostgreSQL connection settings.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"25432"`
	User     string `env:"USER"     envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	Name     string `env:"NAME"     envDefault:"simple_idm"`
	SSLMode  string `env:"SSLMODE"  envDefault:"disable"`

	MaxOpenConns int  `env:"MAX_OPEN_CONNS" envDefault:"4"`
	AutoMigrate  bool `env:"AUTO_MIGRATE"   envDefault:"true"`
}

// RedisConfig contains Redis connection settings. URI may be a host:port
// address or a redis:// URL.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	KeyPrefix          string   `env:"KEY_PREFIX"           envDefault:"idm:"`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
}

// SessionConfig contains the engine's token and session settings.
type SessionConfig struct {
	JWTSecret          string        `env:"JWT_SECRET"`
	JWTIssuer          string        `env:"JWT_ISSUER"           envDefault:"simple-idm"`
	AccessTokenTTL     time.Duration `env:"ACCESS_TOKEN_TTL"     envDefault:"15m"`
	RefreshTokenTTL    time.Duration `env:"REFRESH_TOKEN_TTL"    envDefault:"168h"`
	IdleTimeout        time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"0s"`
	MaxSessions        int           `env:"MAX_SESSIONS"         envDefault:"5"`
	ReuseRefreshTokens bool          `env:"REUSE_REFRESH_TOKENS" envDefault:"false"`
	StoreTimeout       time.Duration `env:"STORE_TIMEOUT"        envDefault:"5s"`
	MaxConflictRetries int           `env:"MAX_CONFLICT_RETRIES" envDefault:"3"`
}

// SweeperConfig contains the periodic sweep settings.
type SweeperConfig struct {
	// Interval is the sweep tick interval.
	Interval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	// Retention is how long ended sessions are kept before deletion.
	Retention time.Duration `env:"SESSION_RETENTION" envDefault:"168h"` // 7 days

	// BatchSize bounds how many stale sessions one sweep expires.
	BatchSize int `env:"SWEEP_BATCH_SIZE" envDefault:"500"`

	// Once runs a single sweep and exits.
	Once bool `env:"SWEEP_ONCE" envDefault:"false"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweeperConfig) Sanitize() {
	if s.Interval < 10*time.Second {
		s.Interval = 10 * time.Second
	}
	if s.Retention < time.Hour {
		s.Retention = time.Hour
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchSize > 10000 {
		s.BatchSize = 10000
	}
}

// Load loads configuration from a .env file, if present, and the
// environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}
	return Parse()
}

// Parse reads configuration from the environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.Sweeper.Sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the engine does not validate itself.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("invalid STORE %q (valid options: postgres, redis)", c.Store)
	}
	if c.Session.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// DB returns the repository connection settings.
func (c *Config) DB() repository.Config {
	return repository.Config{
		Host:         c.Postgres.Host,
		Port:         c.Postgres.Port,
		User:         c.Postgres.User,
		Password:     c.Postgres.Password,
		DBName:       c.Postgres.Name,
		SSLMode:      c.Postgres.SSLMode,
		MaxOpenConns: c.Postgres.MaxOpenConns,
	}
}

// IDM returns the engine configuration for store.
func (c *Config) IDM(store repository.Store, logger *slog.Logger) idm.Config {
	return idm.Config{
		Store:              store,
		JWTSecret:          c.Session.JWTSecret,
		JWTIssuer:          c.Session.JWTIssuer,
		AccessTokenTTL:     c.Session.AccessTokenTTL,
		RefreshTokenTTL:    c.Session.RefreshTokenTTL,
		IdleTimeout:        c.Session.IdleTimeout,
		ReuseRefreshTokens: c.Session.ReuseRefreshTokens,
		Lockout:            c.Lockout,
		MaxSessions:        c.Session.MaxSessions,
		Suspicion:          c.Suspicion,
		PasswordPolicy:     c.PasswordPolicy,
		SessionRetention:   c.Sweeper.Retention,
		SweepBatchSize:     c.Sweeper.BatchSize,
		StoreTimeout:       c.Session.StoreTimeout,
		MaxConflictRetries: c.Session.MaxConflictRetries,
		Logger:             logger,
	}
}
