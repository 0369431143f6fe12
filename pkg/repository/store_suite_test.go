package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

var suiteEpoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestSession(accountID uuid.UUID, created time.Time) *domain.Session {
	return &domain.Session{
		ID:                uuid.New(),
		AccountID:         accountID,
		AccessTokenHash:   "access-" + created.String(),
		RefreshTokenHash:  "refresh-" + created.String(),
		CreatedAt:         created,
		LastActivityAt:    created,
		ExpiresAt:         created.Add(15 * time.Minute),
		RefreshExpiresAt:  created.Add(24 * time.Hour),
		DeviceFingerprint: "fp-1",
		SourceIP:          "10.0.0.1",
		State:             domain.SessionActive,
	}
}

// runStoreSuite checks the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("session create get update", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		s := newTestSession(uuid.New(), suiteEpoch)

		require.NoError(t, store.CreateSession(ctx, s))
		assert.Equal(t, int64(1), s.Version)
		assert.ErrorIs(t, store.CreateSession(ctx, s), domain.ErrSessionExists)

		got, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.AccountID, got.AccountID)
		assert.Equal(t, domain.SessionActive, got.State)
		assert.True(t, s.CreatedAt.Equal(got.CreatedAt))

		got.LastActivityAt = suiteEpoch.Add(time.Minute)
		got.SuspicionReasons = []string{domain.SuspicionNewDevice}
		got.State = domain.SessionSuspicious
		require.NoError(t, store.UpdateSession(ctx, got))
		assert.Equal(t, int64(2), got.Version)

		again, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionSuspicious, again.State)
		assert.Equal(t, []string{domain.SuspicionNewDevice}, again.SuspicionReasons)
		assert.Equal(t, int64(2), again.Version)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		s := newTestSession(uuid.New(), suiteEpoch)
		require.NoError(t, store.CreateSession(ctx, s))

		first, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		second, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)

		first.RefreshTokenHash = "rotated"
		require.NoError(t, store.UpdateSession(ctx, first))

		second.RefreshTokenHash = "also-rotated"
		assert.ErrorIs(t, store.UpdateSession(ctx, second), domain.ErrStoreConflict)
		assert.Equal(t, int64(1), second.Version)

		got, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "rotated", got.RefreshTokenHash)
	})

	t.Run("missing records", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.GetSession(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		assert.ErrorIs(t, store.UpdateSession(ctx, newTestSession(uuid.New(), suiteEpoch)), domain.ErrSessionNotFound)

		_, err = store.GetAccount(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("list by account is ordered by activity", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		accountID := uuid.New()

		s1 := newTestSession(accountID, suiteEpoch)
		s2 := newTestSession(accountID, suiteEpoch.Add(time.Second))
		s3 := newTestSession(accountID, suiteEpoch.Add(2*time.Second))
		other := newTestSession(uuid.New(), suiteEpoch)
		for _, s := range []*domain.Session{s3, s1, s2, other} {
			require.NoError(t, store.CreateSession(ctx, s))
		}

		// s1 becomes the most recently active.
		s1.LastActivityAt = suiteEpoch.Add(time.Minute)
		require.NoError(t, store.UpdateSession(ctx, s1))

		list, err := store.ListSessionsByAccount(ctx, accountID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []uuid.UUID{s2.ID, s3.ID, s1.ID}, []uuid.UUID{list[0].ID, list[1].ID, list[2].ID})
	})

	t.Run("stale listing and ended deletion", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		accountID := uuid.New()

		fresh := newTestSession(accountID, suiteEpoch)
		pastRefresh := newTestSession(accountID, suiteEpoch)
		pastRefresh.RefreshExpiresAt = suiteEpoch.Add(time.Hour)
		idle := newTestSession(accountID, suiteEpoch.Add(-3*time.Hour))
		idle.RefreshExpiresAt = suiteEpoch.Add(24 * time.Hour)
		for _, s := range []*domain.Session{fresh, pastRefresh, idle} {
			require.NoError(t, store.CreateSession(ctx, s))
		}

		now := suiteEpoch.Add(2 * time.Hour)
		stale, err := store.ListStaleSessions(ctx, StaleQuery{RefreshExpiredBy: now})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, pastRefresh.ID, stale[0].ID)

		idleSince := now.Add(-4 * time.Hour)
		stale, err = store.ListStaleSessions(ctx, StaleQuery{RefreshExpiredBy: now, IdleSince: &idleSince})
		require.NoError(t, err)
		assert.Len(t, stale, 2)

		ended := suiteEpoch.Add(time.Hour)
		pastRefresh.State = domain.SessionExpired
		pastRefresh.EndedAt = &ended
		pastRefresh.EndReason = domain.ReasonRefreshExpired
		require.NoError(t, store.UpdateSession(ctx, pastRefresh))

		n, err := store.DeleteEndedSessions(ctx, ended)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		n, err = store.DeleteEndedSessions(ctx, ended.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = store.GetSession(ctx, pastRefresh.ID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		list, err := store.ListSessionsByAccount(ctx, accountID)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("account versioning", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		a := &domain.Account{
			ID:             uuid.New(),
			CredentialHash: "hash",
			Active:         true,
			CreatedAt:      suiteEpoch,
			UpdatedAt:      suiteEpoch,
		}
		require.NoError(t, store.CreateAccount(ctx, a))
		assert.ErrorIs(t, store.CreateAccount(ctx, a), domain.ErrAccountExists)

		first, err := store.GetAccount(ctx, a.ID)
		require.NoError(t, err)
		second, err := store.GetAccount(ctx, a.ID)
		require.NoError(t, err)

		until := suiteEpoch.Add(10 * time.Minute)
		first.FailedAttempts = 0
		first.LockedUntil = &until
		first.LockoutCount = 1
		require.NoError(t, store.UpdateAccount(ctx, first))

		second.FailedAttempts = 1
		assert.ErrorIs(t, store.UpdateAccount(ctx, second), domain.ErrStoreConflict)

		got, err := store.GetAccount(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LockedUntil)
		assert.True(t, until.Equal(*got.LockedUntil))
		assert.Equal(t, uint(1), got.LockoutCount)
		assert.Equal(t, int64(2), got.Version)
	})
}
