package idm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

func TestDeactivateAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")
	a := env.login(t, accountID, "correct", "laptop")
	b := env.login(t, accountID, "correct", "phone")

	revoked, err := env.idm.DeactivateAccount(ctx, accountID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a.Session.ID, b.Session.ID}, revoked)

	for _, id := range revoked {
		stored := env.session(t, id)
		assert.Equal(t, domain.SessionRevoked, stored.State)
		assert.Equal(t, domain.ReasonAccountDeactivated, stored.EndReason)
	}

	_, err = env.idm.Login(ctx, accountID, "correct", "laptop", "203.0.113.5")
	assert.ErrorIs(t, err, domain.ErrAccountInactive)

	again, err := env.idm.DeactivateAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Empty(t, again)

	_, err = env.idm.DeactivateAccount(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestLockAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")
	login := env.login(t, accountID, "correct", "laptop")

	_, err := env.idm.LockAccount(ctx, accountID, 0)
	require.ErrorIs(t, err, ErrInvalidLockDuration)

	locked, err := env.idm.LockAccount(ctx, accountID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{login.Session.ID}, locked)

	stored := env.session(t, login.Session.ID)
	assert.Equal(t, domain.SessionLocked, stored.State)
	assert.Equal(t, domain.ReasonAccountLocked, stored.EndReason)

	_, err = env.idm.ValidateToken(ctx, login.Tokens.AccessToken, true)
	assert.ErrorIs(t, err, domain.ErrSessionLocked)
	_, err = env.idm.RefreshToken(ctx, login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrSessionLocked)

	_, err = env.idm.Login(ctx, accountID, "correct", "laptop", "203.0.113.5")
	var lockedErr *domain.AccountLockedError
	require.True(t, errors.As(err, &lockedErr))
	assert.Equal(t, time.Hour, lockedErr.RetryAfter)

	// A shorter lock never shortens an existing one.
	_, err = env.idm.LockAccount(ctx, accountID, time.Minute)
	require.NoError(t, err)
	_, err = env.idm.Login(ctx, accountID, "correct", "laptop", "203.0.113.5")
	require.True(t, errors.As(err, &lockedErr))
	assert.Equal(t, time.Hour, lockedErr.RetryAfter)

	require.NoError(t, env.idm.UnlockAccount(ctx, accountID))
	res := env.login(t, accountID, "correct", "laptop")

	// Locked sessions stay locked after the account is unlocked.
	assert.Equal(t, domain.SessionLocked, env.session(t, login.Session.ID).State)
	assert.Equal(t, domain.SessionActive, res.Session.State)
}

func TestUnlockAccount_ClearsFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")

	for i := 0; i < 2; i++ {
		_, err := env.idm.Login(ctx, accountID, "wrong", "laptop", "203.0.113.5")
		require.Error(t, err)
	}
	require.NoError(t, env.idm.UnlockAccount(ctx, accountID))

	_, err := env.idm.Login(ctx, accountID, "wrong", "laptop", "203.0.113.5")
	var invalid *domain.InvalidCredentialsError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, uint(2), *invalid.RemainingAttempts)
}

func TestRevokeSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")
	login := env.login(t, accountID, "correct", "laptop")

	require.NoError(t, env.idm.RevokeSession(ctx, login.Session.ID, ""))
	stored := env.session(t, login.Session.ID)
	assert.Equal(t, domain.SessionRevoked, stored.State)
	assert.Equal(t, domain.ReasonAdmin, stored.EndReason)
	endedAt := *stored.EndedAt

	env.clock.Advance(time.Minute)
	require.NoError(t, env.idm.RevokeSession(ctx, login.Session.ID, "other"))
	stored = env.session(t, login.Session.ID)
	assert.Equal(t, domain.ReasonAdmin, stored.EndReason, "first end reason is kept")
	assert.Equal(t, endedAt, *stored.EndedAt)

	err := env.idm.RevokeSession(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestFlagSessionAsSuspicious(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")
	login := env.login(t, accountID, "correct", "laptop")

	view, err := env.idm.FlagSessionAsSuspicious(ctx, login.Session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionSuspicious, view.State)
	assert.Equal(t, []string{domain.SuspicionManual}, view.SuspicionReasons)

	// Flagging does not end the session.
	_, err = env.idm.ValidateToken(ctx, login.Tokens.AccessToken, true)
	assert.NoError(t, err)
	_, err = env.idm.RefreshToken(ctx, login.Tokens.RefreshToken)
	assert.NoError(t, err)

	view, err = env.idm.FlagSessionAsSuspicious(ctx, login.Session.ID, domain.SuspicionGeoVelocity)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.SuspicionManual, domain.SuspicionGeoVelocity}, view.SuspicionReasons)

	require.NoError(t, env.idm.RevokeSession(ctx, login.Session.ID, ""))
	_, err = env.idm.FlagSessionAsSuspicious(ctx, login.Session.ID, "")
	assert.ErrorIs(t, err, domain.ErrSessionRevoked)
}

func TestTerminateSuspiciousSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")
	flagged := env.login(t, accountID, "correct", "laptop")
	clean := env.login(t, accountID, "correct", "laptop")

	_, err := env.idm.FlagSessionAsSuspicious(ctx, flagged.Session.ID, "")
	require.NoError(t, err)

	revoked, err := env.idm.TerminateSuspiciousSessions(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{flagged.Session.ID}, revoked)

	stored := env.session(t, flagged.Session.ID)
	assert.Equal(t, domain.SessionRevoked, stored.State)
	assert.Equal(t, domain.ReasonSuspicious, stored.EndReason)
	assert.Equal(t, domain.SessionActive, env.session(t, clean.Session.ID).State)
}

func TestConfirmSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")
	login := env.login(t, accountID, "correct", "laptop")

	_, err := env.idm.ConfirmSession(ctx, login.Tokens.AccessToken, "123456")
	require.ErrorIs(t, err, domain.ErrSessionNotSuspicious)

	_, err = env.idm.FlagSessionAsSuspicious(ctx, login.Session.ID, "")
	require.NoError(t, err)

	_, err = env.idm.ConfirmSession(ctx, login.Tokens.AccessToken, "123456")
	require.ErrorIs(t, err, domain.ErrMFANotEnabled)

	enrollment, err := env.idm.EnrollTOTP(ctx, accountID)
	require.NoError(t, err)

	_, err = env.idm.ConfirmSession(ctx, login.Tokens.AccessToken, "abcdef")
	require.ErrorIs(t, err, domain.ErrInvalidMFACode)
	assert.Equal(t, domain.SessionSuspicious, env.session(t, login.Session.ID).State)

	code, err := totp.GenerateCode(enrollment.Secret, env.clock.Now())
	require.NoError(t, err)
	view, err := env.idm.ConfirmSession(ctx, login.Tokens.AccessToken, code)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, view.State)
	assert.Empty(t, view.SuspicionReasons)

	stored := env.session(t, login.Session.ID)
	assert.Equal(t, domain.SessionActive, stored.State)
	assert.Empty(t, stored.SuspicionReasons)
}

func TestConfirmSession_RequiresLiveAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")
	login := env.login(t, accountID, "correct", "laptop")
	enrollment, err := env.idm.EnrollTOTP(ctx, accountID)
	require.NoError(t, err)
	_, err = env.idm.FlagSessionAsSuspicious(ctx, login.Session.ID, "")
	require.NoError(t, err)

	env.clock.Advance(20 * time.Minute)
	code, err := totp.GenerateCode(enrollment.Secret, env.clock.Now())
	require.NoError(t, err)
	_, err = env.idm.ConfirmSession(ctx, login.Tokens.AccessToken, code)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestConfirmSession_WrongCodesCountTowardLockout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")
	login := env.login(t, accountID, "correct", "laptop")
	enrollment, err := env.idm.EnrollTOTP(ctx, accountID)
	require.NoError(t, err)
	_, err = env.idm.FlagSessionAsSuspicious(ctx, login.Session.ID, "")
	require.NoError(t, err)

	for n := 1; n <= 2; n++ {
		_, err = env.idm.ConfirmSession(ctx, login.Tokens.AccessToken, "abcdef")
		require.ErrorIs(t, err, domain.ErrInvalidMFACode)

		account, err := env.store.GetAccount(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, uint(n), account.FailedAttempts)
		assert.Nil(t, account.LockedUntil)
		assert.Equal(t, domain.SessionSuspicious, env.session(t, login.Session.ID).State)
	}

	// Below the threshold the holder can still confirm.
	code, err := totp.GenerateCode(enrollment.Secret, env.clock.Now())
	require.NoError(t, err)
	view, err := env.idm.ConfirmSession(ctx, login.Tokens.AccessToken, code)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, view.State)
}

func TestConfirmSession_LockoutRevokesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")
	login := env.login(t, accountID, "correct", "laptop")
	other := env.login(t, accountID, "correct", "phone")
	enrollment, err := env.idm.EnrollTOTP(ctx, accountID)
	require.NoError(t, err)
	_, err = env.idm.FlagSessionAsSuspicious(ctx, login.Session.ID, "")
	require.NoError(t, err)

	for n := 0; n < 3; n++ {
		_, err = env.idm.ConfirmSession(ctx, login.Tokens.AccessToken, "abcdef")
		require.ErrorIs(t, err, domain.ErrInvalidMFACode)
	}

	stored := env.session(t, login.Session.ID)
	assert.Equal(t, domain.SessionRevoked, stored.State)
	assert.Equal(t, domain.ReasonSuspicious, stored.EndReason)
	assert.Equal(t, domain.SessionActive, env.session(t, other.Session.ID).State)

	account, err := env.store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	require.NotNil(t, account.LockedUntil)
	assert.Equal(t, testEpoch.Add(10*time.Minute), *account.LockedUntil)

	code, err := totp.GenerateCode(enrollment.Secret, env.clock.Now())
	require.NoError(t, err)
	_, err = env.idm.ConfirmSession(ctx, login.Tokens.AccessToken, code)
	assert.ErrorIs(t, err, domain.ErrSessionRevoked)

	_, err = env.idm.Login(ctx, accountID, "correct", "laptop", "203.0.113.5")
	var lockedErr *domain.AccountLockedError
	assert.True(t, errors.As(err, &lockedErr))
}

func TestConfirmSession_LockedAccountIsRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.register(t, "correct")
	login := env.login(t, accountID, "correct", "laptop")
	enrollment, err := env.idm.EnrollTOTP(ctx, accountID)
	require.NoError(t, err)
	_, err = env.idm.FlagSessionAsSuspicious(ctx, login.Session.ID, "")
	require.NoError(t, err)

	for n := 0; n < 3; n++ {
		_, err = env.idm.Login(ctx, accountID, "wrong", "laptop", "203.0.113.5")
		require.Error(t, err)
	}

	code, err := totp.GenerateCode(enrollment.Secret, env.clock.Now())
	require.NoError(t, err)
	_, err = env.idm.ConfirmSession(ctx, login.Tokens.AccessToken, code)
	var lockedErr *domain.AccountLockedError
	require.True(t, errors.As(err, &lockedErr))
	assert.Equal(t, 10*time.Minute, lockedErr.RetryAfter)
	assert.Equal(t, domain.SessionSuspicious, env.session(t, login.Session.ID).State)
}

func TestEnrollTOTP(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.TOTPIssuer = "Acme" })
	ctx := context.Background()
	accountID := env.register(t, "correct")

	enrollment, err := env.idm.EnrollTOTP(ctx, accountID)
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.True(t, strings.HasPrefix(enrollment.URL, "otpauth://totp/"))
	assert.Contains(t, enrollment.URL, "issuer=Acme")

	account, err := env.store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.Secret, account.TOTPSecret)

	_, err = env.idm.EnrollTOTP(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.SessionRetention = time.Hour })
	ctx := context.Background()
	accountID := env.register(t, "correct")
	stale := env.login(t, accountID, "correct", "laptop")

	env.clock.Advance(23 * time.Hour)
	fresh := env.login(t, accountID, "correct", "laptop")
	revoked := env.login(t, accountID, "correct", "laptop")
	require.NoError(t, env.idm.RevokeSession(ctx, revoked.Session.ID, ""))

	env.clock.Advance(time.Hour)
	result, err := env.idm.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Deleted: 0}, result)

	stored := env.session(t, stale.Session.ID)
	assert.Equal(t, domain.SessionExpired, stored.State)
	assert.Equal(t, domain.ReasonRefreshExpired, stored.EndReason)
	assert.Equal(t, domain.SessionActive, env.session(t, fresh.Session.ID).State)

	// The revoked session ended an hour ago; the expired one just now.
	env.clock.Advance(time.Second)
	result, err = env.idm.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 0, Deleted: 1}, result)

	_, err = env.store.GetSession(ctx, revoked.Session.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	env.clock.Advance(time.Hour)
	result, err = env.idm.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 0, Deleted: 1}, result)
	_, err = env.store.GetSession(ctx, stale.Session.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSweep_IdleSessions(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.IdleTimeout = 10 * time.Minute })
	ctx := context.Background()
	accountID := env.register(t, "correct")
	idle := env.login(t, accountID, "correct", "laptop")
	env.clock.Advance(5 * time.Minute)
	busy := env.login(t, accountID, "correct", "laptop")

	env.clock.Advance(5 * time.Minute)
	result, err := env.idm.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)

	stored := env.session(t, idle.Session.ID)
	assert.Equal(t, domain.SessionExpired, stored.State)
	assert.Equal(t, domain.ReasonIdleTimeout, stored.EndReason)
	assert.Equal(t, domain.SessionActive, env.session(t, busy.Session.ID).State)
}
