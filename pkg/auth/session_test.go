package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

func TestLifecycleConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  LifecycleConfig
	}{
		{"zero access ttl", LifecycleConfig{RefreshTTL: time.Hour}},
		{"refresh equal to access", LifecycleConfig{AccessTTL: time.Hour, RefreshTTL: time.Hour}},
		{"refresh shorter than access", LifecycleConfig{AccessTTL: time.Hour, RefreshTTL: time.Minute}},
		{"negative idle", LifecycleConfig{AccessTTL: time.Minute, RefreshTTL: time.Hour, IdleTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(), domain.ErrConfiguration)
		})
	}
	assert.NoError(t, defaultLifecycleConfig().Validate())
}

func TestSessionLifecycle_Create(t *testing.T) {
	lc := newTestLifecycle(t, defaultLifecycleConfig())
	accountID := uuid.New()

	s, tokens, err := lc.Create(accountID, "device-a", "203.0.113.9", testEpoch)
	require.NoError(t, err)

	assert.Equal(t, accountID, s.AccountID)
	assert.Equal(t, domain.SessionActive, s.State)
	assert.Equal(t, testEpoch, s.CreatedAt)
	assert.Equal(t, testEpoch, s.LastActivityAt)
	assert.Equal(t, testEpoch.Add(15*time.Minute), s.ExpiresAt)
	assert.Equal(t, testEpoch.Add(24*time.Hour), s.RefreshExpiresAt)
	assert.Equal(t, HashToken(tokens.AccessToken), s.AccessTokenHash)
	assert.Equal(t, HashToken(tokens.RefreshToken), s.RefreshTokenHash)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, 900, tokens.ExpiresIn)

	sid, err := ParseRefreshToken(tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, s.ID, sid)

	other, otherTokens, err := lc.Create(accountID, "device-a", "203.0.113.9", testEpoch)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other.ID)
	assert.NotEqual(t, tokens.AccessToken, otherTokens.AccessToken)
	assert.NotEqual(t, tokens.RefreshToken, otherTokens.RefreshToken)
}

// Touch at +10m keeps expiry; validation at +16m fails.
func TestSessionLifecycle_TouchDoesNotExtendExpiry(t *testing.T) {
	lc := newTestLifecycle(t, defaultLifecycleConfig())
	s, tokens, err := lc.Create(uuid.New(), "device-a", "203.0.113.9", testEpoch)
	require.NoError(t, err)

	touched, err := lc.Touch(s, testEpoch.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(10*time.Minute), touched.LastActivityAt)
	assert.Equal(t, testEpoch.Add(15*time.Minute), touched.ExpiresAt)
	assert.Equal(t, testEpoch, s.LastActivityAt, "input is not mutated")

	_, err = lc.ValidateAccess(touched, tokens.AccessToken, testEpoch.Add(16*time.Minute), false)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	_, err = lc.Touch(touched, testEpoch.Add(15*time.Minute))
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestSessionLifecycle_IdleTimeout(t *testing.T) {
	cfg := defaultLifecycleConfig()
	cfg.IdleTimeout = 5 * time.Minute
	lc := newTestLifecycle(t, cfg)
	s, tokens, err := lc.Create(uuid.New(), "", "", testEpoch)
	require.NoError(t, err)

	s, err = lc.ValidateAccess(s, tokens.AccessToken, testEpoch.Add(4*time.Minute), true)
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(4*time.Minute), s.LastActivityAt)

	// Idle limit governs although the absolute expiry is further away.
	_, err = lc.ValidateAccess(s, tokens.AccessToken, testEpoch.Add(9*time.Minute), false)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	expired, changed := lc.ExpireIfStale(s, testEpoch.Add(9*time.Minute))
	require.True(t, changed)
	assert.Equal(t, domain.SessionExpired, expired.State)
	assert.Equal(t, domain.ReasonIdleTimeout, expired.EndReason)

	_, _, err = lc.Refresh(s, tokens.RefreshToken, testEpoch.Add(9*time.Minute))
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestSessionLifecycle_ValidateAccess(t *testing.T) {
	lc := newTestLifecycle(t, defaultLifecycleConfig())
	s, tokens, err := lc.Create(uuid.New(), "device-a", "203.0.113.9", testEpoch)
	require.NoError(t, err)
	at := testEpoch.Add(time.Minute)

	got, err := lc.ValidateAccess(s, tokens.AccessToken, at, false)
	require.NoError(t, err)
	assert.Equal(t, testEpoch, got.LastActivityAt)

	got, err = lc.ValidateAccess(s, tokens.AccessToken, at, true)
	require.NoError(t, err)
	assert.Equal(t, at, got.LastActivityAt)

	_, err = lc.ValidateAccess(s, "someone-else", at, false)
	assert.ErrorIs(t, err, domain.ErrTokenMismatch)

	revoked := lc.Revoke(s, domain.ReasonLogout, at)
	_, err = lc.ValidateAccess(revoked, tokens.AccessToken, at, false)
	assert.ErrorIs(t, err, domain.ErrSessionRevoked)

	locked := lc.Lock(s, at)
	_, err = lc.ValidateAccess(locked, tokens.AccessToken, at, false)
	assert.ErrorIs(t, err, domain.ErrSessionLocked)

	suspicious := lc.MarkSuspicious(s, []string{domain.SuspicionNewDevice})
	_, err = lc.ValidateAccess(suspicious, tokens.AccessToken, at, false)
	assert.NoError(t, err, "suspicion is advisory")
}

func TestSessionLifecycle_RefreshRotates(t *testing.T) {
	lc := newTestLifecycle(t, defaultLifecycleConfig())
	s, first, err := lc.Create(uuid.New(), "device-a", "203.0.113.9", testEpoch)
	require.NoError(t, err)

	at := testEpoch.Add(20 * time.Minute)
	next, second, err := lc.Refresh(s, first.RefreshToken, at)
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, at.Add(15*time.Minute), next.ExpiresAt)
	assert.Equal(t, at, next.LastActivityAt)
	assert.Equal(t, s.RefreshExpiresAt, next.RefreshExpiresAt)

	// The previous pair no longer matches.
	_, _, err = lc.Refresh(next, first.RefreshToken, at)
	assert.ErrorIs(t, err, domain.ErrInvalidRefreshToken)
	_, err = lc.ValidateAccess(next, first.AccessToken, at, false)
	assert.ErrorIs(t, err, domain.ErrTokenMismatch)
	_, err = lc.ValidateAccess(next, second.AccessToken, at, false)
	assert.NoError(t, err)
}

func TestSessionLifecycle_RefreshReuse(t *testing.T) {
	cfg := defaultLifecycleConfig()
	cfg.ReuseRefreshTokens = true
	lc := newTestLifecycle(t, cfg)
	s, first, err := lc.Create(uuid.New(), "", "", testEpoch)
	require.NoError(t, err)

	next, second, err := lc.Refresh(s, first.RefreshToken, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, s.RefreshTokenHash, next.RefreshTokenHash)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
}

func TestSessionLifecycle_RefreshWindow(t *testing.T) {
	lc := newTestLifecycle(t, defaultLifecycleConfig())
	s, tokens, err := lc.Create(uuid.New(), "", "", testEpoch)
	require.NoError(t, err)

	_, _, err = lc.Refresh(s, tokens.RefreshToken, testEpoch.Add(24*time.Hour))
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	// A wrong token is reported before expiry.
	_, _, err = lc.Refresh(s, "wrong", testEpoch.Add(25*time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidRefreshToken)

	expired, changed := lc.ExpireIfStale(s, testEpoch.Add(24*time.Hour))
	require.True(t, changed)
	assert.Equal(t, domain.ReasonRefreshExpired, expired.EndReason)
}

func TestSessionLifecycle_RevokeIdempotent(t *testing.T) {
	lc := newTestLifecycle(t, defaultLifecycleConfig())
	s, _, err := lc.Create(uuid.New(), "", "", testEpoch)
	require.NoError(t, err)

	first := lc.Revoke(s, domain.ReasonLogout, testEpoch.Add(time.Minute))
	assert.Equal(t, domain.SessionRevoked, first.State)
	require.NotNil(t, first.EndedAt)

	second := lc.Revoke(first, domain.ReasonAdmin, testEpoch.Add(time.Hour))
	assert.Equal(t, domain.SessionRevoked, second.State)
	assert.Equal(t, domain.ReasonLogout, second.EndReason)
	assert.Equal(t, *first.EndedAt, *second.EndedAt)
}

func TestSessionLifecycle_TerminalStatesAreFinal(t *testing.T) {
	lc := newTestLifecycle(t, defaultLifecycleConfig())
	s, tokens, err := lc.Create(uuid.New(), "", "", testEpoch)
	require.NoError(t, err)
	at := testEpoch.Add(time.Minute)

	expired, _ := lc.ExpireIfStale(s, testEpoch.Add(48*time.Hour))
	terminal := []*domain.Session{
		lc.Revoke(s, domain.ReasonLogout, at),
		lc.Lock(s, at),
		expired,
	}

	for _, ended := range terminal {
		t.Run(string(ended.State), func(t *testing.T) {
			_, err := lc.Touch(ended, at)
			assert.Error(t, err)
			_, _, err = lc.Refresh(ended, tokens.RefreshToken, at)
			assert.Error(t, err)
			_, err = lc.ValidateAccess(ended, tokens.AccessToken, at, true)
			assert.Error(t, err)
			_, err = lc.ClearSuspicion(ended)
			assert.Error(t, err)

			assert.Equal(t, ended.State, lc.MarkSuspicious(ended, []string{domain.SuspicionManual}).State)
			assert.Equal(t, ended.State, lc.Revoke(ended, domain.ReasonAdmin, at).State)
			assert.Equal(t, ended.State, lc.Lock(ended, at).State)
			again, changed := lc.ExpireIfStale(ended, testEpoch.Add(72*time.Hour))
			assert.False(t, changed)
			assert.Equal(t, ended.State, again.State)
		})
	}
}

func TestSessionLifecycle_Suspicion(t *testing.T) {
	lc := newTestLifecycle(t, defaultLifecycleConfig())
	s, _, err := lc.Create(uuid.New(), "", "", testEpoch)
	require.NoError(t, err)

	_, err = lc.ClearSuspicion(s)
	assert.ErrorIs(t, err, domain.ErrSessionNotSuspicious)

	flagged := lc.MarkSuspicious(s, []string{domain.SuspicionNewDevice})
	flagged = lc.MarkSuspicious(flagged, []string{domain.SuspicionNewDevice, domain.SuspicionGeoVelocity})
	assert.Equal(t, domain.SessionSuspicious, flagged.State)
	assert.Equal(t, []string{domain.SuspicionNewDevice, domain.SuspicionGeoVelocity}, flagged.SuspicionReasons)

	cleared, err := lc.ClearSuspicion(flagged)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, cleared.State)
	assert.Empty(t, cleared.SuspicionReasons)

	assert.Equal(t, domain.SessionActive, lc.MarkSuspicious(s, nil).State)
}
