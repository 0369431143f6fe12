package auth

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

var testEpoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// counterTokens returns distinct, predictable tokens.
type counterTokens struct {
	n atomic.Int64
}

func (c *counterTokens) Generate(byteLen int) (string, error) {
	return fmt.Sprintf("tok%d-%d", byteLen, c.n.Add(1)), nil
}

func newTestLifecycle(t *testing.T, cfg LifecycleConfig) *SessionLifecycle {
	t.Helper()
	signer, err := NewAccessTokenSigner([]byte(testJWTSecret), "test")
	require.NoError(t, err)
	lc, err := NewSessionLifecycle(cfg, &counterTokens{}, signer)
	require.NoError(t, err)
	return lc
}

func defaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{AccessTTL: 15 * time.Minute, RefreshTTL: 24 * time.Hour}
}

func sessionAt(accountID uuid.UUID, created, lastActivity time.Time) *domain.Session {
	return &domain.Session{
		ID:                uuid.New(),
		AccountID:         accountID,
		CreatedAt:         created,
		LastActivityAt:    lastActivity,
		ExpiresAt:         lastActivity.Add(15 * time.Minute),
		RefreshExpiresAt:  created.Add(24 * time.Hour),
		DeviceFingerprint: "device-a",
		SourceIP:          "198.51.100.7",
		State:             domain.SessionActive,
	}
}
