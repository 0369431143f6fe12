package idm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-sessions/pkg/auth"
	"github.com/tendant/simple-idm-sessions/pkg/clock"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
	"github.com/tendant/simple-idm-sessions/pkg/repository"
)

var testEpoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

const testSecret = "0123456789abcdef0123456789abcdef"

// plainHasher stores secrets with a visible prefix so tests avoid the cost
// of Argon2.
type plainHasher struct{}

func (plainHasher) Hash(secret string) (string, error) { return "plain:" + secret, nil }

var plainVerifier = auth.VerifierFunc(func(secret, hash string) bool {
	return hash == "plain:"+secret
})

type testEnv struct {
	idm   *IDM
	store *repository.MemoryStore
	clock *clock.Fake
}

func baseConfig() Config {
	return Config{
		JWTSecret:       testSecret,
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
		MaxSessions:     3,
		Lockout: auth.LockoutConfig{
			MaxFailedAttempts: 3,
			LockoutDuration:   10 * time.Minute,
			Growth:            auth.LockoutGrowthFixed,
		},
		Verifier: plainVerifier,
		Hasher:   plainHasher{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	clk := clock.NewFake(testEpoch)

	cfg := baseConfig()
	cfg.Store = store
	cfg.Clock = clk
	for _, opt := range opts {
		opt(&cfg)
	}

	engine, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{idm: engine, store: store, clock: clk}
}

func (e *testEnv) register(t *testing.T, secret string) uuid.UUID {
	t.Helper()
	account, err := e.idm.RegisterAccount(context.Background(), uuid.Nil, secret)
	require.NoError(t, err)
	return account.ID
}

func (e *testEnv) login(t *testing.T, accountID uuid.UUID, secret, device string) *LoginResult {
	t.Helper()
	res, err := e.idm.Login(context.Background(), accountID, secret, device, "203.0.113.5")
	require.NoError(t, err)
	return res
}

func (e *testEnv) session(t *testing.T, id uuid.UUID) *domain.Session {
	t.Helper()
	s, err := e.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestNew_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"missing store", func(c *Config) { c.Store = nil }, "Store"},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, "JWTSecret"},
		{"short secret", func(c *Config) { c.JWTSecret = "too-short" }, "JWTSecret"},
		{"missing access ttl", func(c *Config) { c.AccessTokenTTL = 0 }, "AccessTokenTTL"},
		{"refresh not longer than access", func(c *Config) { c.RefreshTokenTTL = c.AccessTokenTTL }, "RefreshTokenTTL"},
		{"missing session cap", func(c *Config) { c.MaxSessions = 0 }, "MaxSessions"},
		{"missing lockout growth", func(c *Config) { c.Lockout.Growth = 0 }, "Lockout.Growth"},
		{"missing lockout threshold", func(c *Config) { c.Lockout.MaxFailedAttempts = 0 }, "Lockout.MaxFailedAttempts"},
		{"negative retries", func(c *Config) { c.MaxConflictRetries = -1 }, "MaxConflictRetries"},
		{"negative suspicion window", func(c *Config) { c.Suspicion.RapidWindow = -time.Minute }, "Suspicion"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Store = repository.NewMemoryStore()
			tt.modify(&cfg)

			engine, err := New(cfg)
			assert.Nil(t, engine)
			require.ErrorIs(t, err, domain.ErrConfiguration)

			var cfgErr *domain.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	cfg := baseConfig()
	cfg.Store = repository.NewMemoryStore()
	cfg.Logger = nil
	cfg.Verifier = nil

	engine, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "simple-idm", engine.config.JWTIssuer)
	assert.Equal(t, "simple-idm", engine.config.TOTPIssuer)
	assert.Equal(t, 5*time.Second, engine.config.StoreTimeout)
	assert.Equal(t, 3, engine.config.MaxConflictRetries)
	assert.Equal(t, 7*24*time.Hour, engine.config.SessionRetention)
	assert.IsType(t, auth.Argon2Verifier{}, engine.config.Verifier)
	assert.NotNil(t, engine.logger)
}
