// Package idm provides the credential and session lifecycle engine: login
// with lockout, session creation with a per-account cap, token refresh
// with strict rotation, validation, logout and suspicion handling.
//
// The engine is a library. It does not route HTTP or own a schema; the
// caller supplies a repository.Store and marshals results itself.
//
// Basic usage:
//
//	db, _ := repository.NewDB(repository.Config{Host: "localhost", DBName: "idm"})
//	store, err := repository.NewPostgresStore(ctx, db)
//	if err != nil {
//	    log.Fatal(err) // Will fail if the schema is missing
//	}
//
//	engine, err := idm.New(idm.Config{
//	    Store:           store,
//	    JWTSecret:       "your-secret-key-at-least-32-chars",
//	    AccessTokenTTL:  15 * time.Minute,
//	    RefreshTokenTTL: 7 * 24 * time.Hour,
//	    MaxSessions:     5,
//	    Lockout: auth.LockoutConfig{
//	        MaxFailedAttempts: 5,
//	        LockoutDuration:   15 * time.Minute,
//	        Growth:            auth.LockoutGrowthFixed,
//	    },
//	})
//
//	res, err := engine.Login(ctx, accountID, password, fingerprint, ip)
package idm

import (
	"log/slog"
	"os"
	"time"

	"github.com/tendant/simple-idm-sessions/pkg/auth"
	"github.com/tendant/simple-idm-sessions/pkg/clock"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
	"github.com/tendant/simple-idm-sessions/pkg/repository"
)

// Config holds the configuration for the engine. Security policy values
// have no defaults and must be set explicitly.
type Config struct {
	// Store persists accounts and sessions (required).
	Store repository.Store

	// JWTSecret signs access tokens (required, min 32 chars).
	JWTSecret string

	// JWTIssuer is the issuer claim in access tokens (default: "simple-idm").
	JWTIssuer string

	// AccessTokenTTL is the lifetime of access tokens (required).
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the absolute lifetime of a session's refresh
	// window (required, greater than AccessTokenTTL).
	RefreshTokenTTL time.Duration

	// IdleTimeout expires sessions without activity for this long
	// (optional, zero disables).
	IdleTimeout time.Duration

	// ReuseRefreshTokens keeps the refresh token across refreshes instead
	// of rotating it.
	ReuseRefreshTokens bool

	// Lockout configures failed-login lockout (required).
	Lockout auth.LockoutConfig

	// MaxSessions caps live sessions per account (required).
	MaxSessions int

	// Suspicion configures the anomaly heuristics. The zero value disables
	// all of them.
	Suspicion auth.SuspicionConfig

	// GeoResolver enables the impossible-travel heuristic (optional).
	GeoResolver auth.GeoResolver

	// PasswordPolicy is checked when a credential is registered.
	PasswordPolicy auth.PasswordPolicy

	// HideRemainingAttempts omits the remaining attempt count from
	// invalid-credential errors.
	HideRemainingAttempts bool

	// SessionRetention is how long ended sessions are kept before Sweep
	// deletes them (default: 7 days).
	SessionRetention time.Duration

	// SweepBatchSize bounds how many stale sessions one Sweep expires
	// (default: 500).
	SweepBatchSize int

	// StoreTimeout bounds every store call (default: 5 seconds).
	StoreTimeout time.Duration

	// MaxConflictRetries bounds re-reads after a concurrent update
	// (default: 3).
	MaxConflictRetries int

	// Verifier checks login secrets (default: Argon2id).
	Verifier auth.CredentialVerifier

	// Hasher hashes secrets at registration (default: Argon2id).
	Hasher auth.CredentialHasher

	// TokenGenerator produces refresh token secrets (default: crypto/rand).
	TokenGenerator auth.TokenGenerator

	// TOTPIssuer labels enrolled TOTP secrets (default: JWTIssuer).
	TOTPIssuer string

	// Clock supplies the current time (default: system clock).
	Clock clock.Clock

	// Logger is the structured logger (default: JSON to stdout).
	Logger *slog.Logger
}

// IDM is the authentication facade. It holds no state of its own; all
// shared state lives in the store.
type IDM struct {
	config    Config
	store     repository.Store
	clock     clock.Clock
	logger    *slog.Logger
	signer    *auth.AccessTokenSigner
	lockout   *auth.LockoutPolicy
	lifecycle *auth.SessionLifecycle
	limiter   *auth.ConcurrencySessionLimiter
	detector  *auth.SuspicionDetector
	totp      *auth.TOTPVerifier
}

// New creates an engine. Every configuration problem is reported here as
// a *domain.ConfigError; no operation fails later because of configuration.
func New(cfg Config) (*IDM, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	lockout, err := auth.NewLockoutPolicy(cfg.Lockout)
	if err != nil {
		return nil, err
	}

	signer, err := auth.NewAccessTokenSigner([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		return nil, err
	}

	lifecycle, err := auth.NewSessionLifecycle(auth.LifecycleConfig{
		AccessTTL:          cfg.AccessTokenTTL,
		RefreshTTL:         cfg.RefreshTokenTTL,
		IdleTimeout:        cfg.IdleTimeout,
		ReuseRefreshTokens: cfg.ReuseRefreshTokens,
	}, cfg.TokenGenerator, signer)
	if err != nil {
		return nil, err
	}

	detector, err := auth.NewSuspicionDetector(cfg.Suspicion, cfg.GeoResolver, cfg.Logger)
	if err != nil {
		return nil, err
	}

	store := repository.WithTimeout(cfg.Store, cfg.StoreTimeout)

	return &IDM{
		config:    cfg,
		store:     store,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		signer:    signer,
		lockout:   lockout,
		lifecycle: lifecycle,
		limiter:   auth.NewConcurrencySessionLimiter(store, lifecycle, cfg.Clock, cfg.MaxConflictRetries, cfg.Logger),
		detector:  detector,
		totp:      auth.NewTOTPVerifier(cfg.TOTPIssuer),
	}, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Store == nil {
		return &domain.ConfigError{Field: "Store", Reason: "is required"}
	}
	if cfg.JWTSecret == "" {
		return &domain.ConfigError{Field: "JWTSecret", Reason: "is required"}
	}
	if len(cfg.JWTSecret) < 32 {
		return &domain.ConfigError{Field: "JWTSecret", Reason: "must be at least 32 characters"}
	}
	if cfg.AccessTokenTTL <= 0 {
		return &domain.ConfigError{Field: "AccessTokenTTL", Reason: "is required"}
	}
	if cfg.RefreshTokenTTL <= cfg.AccessTokenTTL {
		return &domain.ConfigError{Field: "RefreshTokenTTL", Reason: "must be greater than AccessTokenTTL"}
	}
	if cfg.MaxSessions <= 0 {
		return &domain.ConfigError{Field: "MaxSessions", Reason: "must be positive"}
	}
	if cfg.StoreTimeout < 0 {
		return &domain.ConfigError{Field: "StoreTimeout", Reason: "must not be negative"}
	}
	if cfg.MaxConflictRetries < 0 {
		return &domain.ConfigError{Field: "MaxConflictRetries", Reason: "must not be negative"}
	}
	if cfg.SessionRetention < 0 {
		return &domain.ConfigError{Field: "SessionRetention", Reason: "must not be negative"}
	}
	return cfg.Lockout.Validate()
}

func applyDefaults(cfg *Config) {
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "simple-idm"
	}
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = cfg.JWTIssuer
	}
	if cfg.SessionRetention == 0 {
		cfg.SessionRetention = 7 * 24 * time.Hour
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 500
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.MaxConflictRetries == 0 {
		cfg.MaxConflictRetries = 3
	}
	if cfg.Verifier == nil {
		cfg.Verifier = auth.Argon2Verifier{}
	}
	if cfg.Hasher == nil {
		cfg.Hasher = auth.Argon2Verifier{}
	}
	if cfg.TokenGenerator == nil {
		cfg.TokenGenerator = auth.RandomTokenGenerator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
}
