package idm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/auth"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
	"github.com/tendant/simple-idm-sessions/pkg/repository"
)

// ErrInvalidLockDuration is returned by LockAccount for a non-positive
// duration.
var ErrInvalidLockDuration = errors.New("lock duration must be positive")

// DeactivateAccount disables the account and revokes all of its live
// sessions. It returns the revoked session IDs.
func (i *IDM) DeactivateAccount(ctx context.Context, accountID uuid.UUID) ([]uuid.UUID, error) {
	_, err := i.updateAccount(ctx, accountID, nil, func(current *domain.Account) (*domain.Account, error) {
		if !current.Active {
			return nil, nil
		}
		next := current.Clone()
		next.Active = false
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("deactivate account: %w", err)
	}

	now := i.clock.Now()
	revoked, err := i.endSessions(ctx, accountID, anySession, func(s *domain.Session) *domain.Session {
		return i.lifecycle.Revoke(s, domain.ReasonAccountDeactivated, now)
	})
	if err != nil {
		return revoked, fmt.Errorf("revoke sessions: %w", err)
	}

	i.logger.InfoContext(ctx, "account deactivated", "account_id", accountID, "revoked", len(revoked))
	return revoked, nil
}

// LockAccount locks the account for d regardless of its failure count and
// moves its live sessions to Locked. It returns the locked session IDs.
func (i *IDM) LockAccount(ctx context.Context, accountID uuid.UUID, d time.Duration) ([]uuid.UUID, error) {
	if d <= 0 {
		return nil, ErrInvalidLockDuration
	}
	now := i.clock.Now()
	until := now.Add(d)

	_, err := i.updateAccount(ctx, accountID, nil, func(current *domain.Account) (*domain.Account, error) {
		if current.LockedUntil != nil && !current.LockedUntil.Before(until) {
			return nil, nil
		}
		next := current.Clone()
		next.LockedUntil = &until
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}

	locked, err := i.endSessions(ctx, accountID, anySession, func(s *domain.Session) *domain.Session {
		return i.lifecycle.Lock(s, now)
	})
	if err != nil {
		return locked, fmt.Errorf("lock sessions: %w", err)
	}

	i.logger.InfoContext(ctx, "account locked by administrator", "account_id", accountID, "locked_until", until, "sessions", len(locked))
	return locked, nil
}

// UnlockAccount clears any lockout and failure history on the account.
func (i *IDM) UnlockAccount(ctx context.Context, accountID uuid.UUID) error {
	_, err := i.updateAccount(ctx, accountID, nil, func(current *domain.Account) (*domain.Account, error) {
		return i.lockout.RecordSuccess(current), nil
	})
	if err != nil {
		return fmt.Errorf("unlock account: %w", err)
	}
	i.logger.InfoContext(ctx, "account unlocked", "account_id", accountID)
	return nil
}

// ListSessions returns the account's live sessions, most recently active
// first.
func (i *IDM) ListSessions(ctx context.Context, accountID uuid.UUID) ([]domain.SessionView, error) {
	sessions, err := i.store.ListSessionsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := i.clock.Now()
	live := make([]*domain.Session, 0, len(sessions))
	for _, s := range sessions {
		if _, stale := i.lifecycle.ExpireIfStale(s, now); stale || !s.State.IsLive() {
			continue
		}
		live = append(live, s)
	}
	domain.SortByActivity(live)
	slices.Reverse(live)

	views := make([]domain.SessionView, len(live))
	for n, s := range live {
		views[n] = s.View()
	}
	return views, nil
}

// RevokeSession ends a single session. An empty reason records an
// administrative revocation. Revoking an ended session succeeds.
func (i *IDM) RevokeSession(ctx context.Context, sessionID uuid.UUID, reason string) error {
	if reason == "" {
		reason = domain.ReasonAdmin
	}
	_, err := i.updateSession(ctx, sessionID, nil, func(current *domain.Session) (*domain.Session, error) {
		if current.State.IsTerminal() {
			return nil, nil
		}
		return i.lifecycle.Revoke(current, reason, i.clock.Now()), nil
	})
	if err != nil {
		return err
	}
	i.logger.InfoContext(ctx, "session revoked", "session_id", sessionID, "reason", reason)
	return nil
}

// FlagSessionAsSuspicious marks a live session as Suspicious. An empty
// reason is recorded as a manual flag. The session stays usable.
func (i *IDM) FlagSessionAsSuspicious(ctx context.Context, sessionID uuid.UUID, reason string) (*domain.SessionView, error) {
	if reason == "" {
		reason = domain.SuspicionManual
	}
	session, err := i.updateSession(ctx, sessionID, nil, func(current *domain.Session) (*domain.Session, error) {
		if err := auth.StateError(current.State); err != nil {
			return nil, err
		}
		return i.lifecycle.MarkSuspicious(current, []string{reason}), nil
	})
	if err != nil {
		return nil, err
	}

	i.logger.InfoContext(ctx, "session flagged as suspicious", "session_id", sessionID, "reasons", session.SuspicionReasons)
	view := session.View()
	return &view, nil
}

// TerminateSuspiciousSessions revokes every Suspicious session of the
// account and returns their IDs.
func (i *IDM) TerminateSuspiciousSessions(ctx context.Context, accountID uuid.UUID) ([]uuid.UUID, error) {
	now := i.clock.Now()
	suspicious := func(s *domain.Session) bool { return s.State == domain.SessionSuspicious }
	revoked, err := i.endSessions(ctx, accountID, suspicious, func(s *domain.Session) *domain.Session {
		return i.lifecycle.Revoke(s, domain.ReasonSuspicious, now)
	})
	if err != nil {
		return revoked, fmt.Errorf("terminate suspicious sessions: %w", err)
	}

	i.logger.InfoContext(ctx, "suspicious sessions terminated", "account_id", accountID, "count", len(revoked))
	return revoked, nil
}

// ConfirmSession returns the Suspicious session behind accessToken to
// Active once the account holder proves possession of their TOTP device.
func (i *IDM) ConfirmSession(ctx context.Context, accessToken, code string) (*domain.SessionView, error) {
	sessionID, err := i.signer.SessionID(accessToken)
	if err != nil {
		return nil, err
	}
	now := i.clock.Now()

	session, err := i.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := i.lifecycle.ValidateAccess(session, accessToken, now, false); err != nil {
		return nil, err
	}
	if session.State != domain.SessionSuspicious {
		return nil, domain.ErrSessionNotSuspicious
	}

	account, err := i.store.GetAccount(ctx, session.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account.TOTPSecret == "" {
		return nil, domain.ErrMFANotEnabled
	}
	if decision := i.lockout.Evaluate(account, now); !decision.Allowed {
		return nil, &domain.AccountLockedError{RetryAfter: *decision.RetryAfter}
	}
	if !i.totp.Verify(account.TOTPSecret, code, now) {
		return nil, i.recordConfirmFailure(ctx, account, session)
	}

	confirmed, err := i.updateSession(ctx, session.ID, session, func(current *domain.Session) (*domain.Session, error) {
		if !auth.TokenMatches(accessToken, current.AccessTokenHash) {
			return nil, domain.ErrTokenMismatch
		}
		return i.lifecycle.ClearSuspicion(current)
	})
	if err != nil {
		return nil, err
	}

	i.logger.InfoContext(ctx, "session confirmed", "session_id", session.ID, "account_id", account.ID)
	view := confirmed.View()
	return &view, nil
}

// recordConfirmFailure counts a wrong confirmation code against the
// account's lockout policy. The failure that locks the account also revokes
// the Suspicious session.
func (i *IDM) recordConfirmFailure(ctx context.Context, account *domain.Account, session *domain.Session) error {
	now := i.clock.Now()
	lockedNow := false

	updated, err := i.updateAccount(ctx, account.ID, account, func(current *domain.Account) (*domain.Account, error) {
		lockedNow = false
		if current.IsLocked(now) {
			return nil, nil
		}
		next := i.lockout.RecordFailure(current, now)
		lockedNow = next.IsLocked(now)
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("record failed confirmation: %w", err)
	}

	i.logger.InfoContext(ctx, "session confirmation failed",
		"session_id", session.ID,
		"account_id", account.ID,
		"failed_attempts", updated.FailedAttempts,
	)
	if !lockedNow {
		return domain.ErrInvalidMFACode
	}

	_, err = i.updateSession(ctx, session.ID, nil, func(current *domain.Session) (*domain.Session, error) {
		if current.State.IsTerminal() {
			return nil, nil
		}
		return i.lifecycle.Revoke(current, domain.ReasonSuspicious, now), nil
	})
	if err != nil {
		return fmt.Errorf("revoke unconfirmed session: %w", err)
	}
	i.logger.InfoContext(ctx, "unconfirmed session revoked",
		"session_id", session.ID,
		"account_id", account.ID,
		"locked_until", *updated.LockedUntil,
	)
	return domain.ErrInvalidMFACode
}

// SweepResult reports what a Sweep changed.
type SweepResult struct {
	Expired int
	Deleted int64
}

// Sweep expires live sessions whose refresh window or idle timeout has
// passed and deletes sessions that ended more than SessionRetention ago.
// Expiry goes through the same versioned update as every other write, so
// a session refreshed concurrently is left alone.
func (i *IDM) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := i.clock.Now()

	q := repository.StaleQuery{RefreshExpiredBy: now, Limit: i.config.SweepBatchSize}
	if i.config.IdleTimeout > 0 {
		idleSince := now.Add(-i.config.IdleTimeout)
		q.IdleSince = &idleSince
	}

	stale, err := i.store.ListStaleSessions(ctx, q)
	if err != nil {
		return result, fmt.Errorf("list stale sessions: %w", err)
	}

	for _, s := range stale {
		expired := false
		_, err := i.updateSession(ctx, s.ID, s, func(current *domain.Session) (*domain.Session, error) {
			next, ok := i.lifecycle.ExpireIfStale(current, now)
			expired = ok
			if !ok {
				return nil, nil
			}
			return next, nil
		})
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return result, fmt.Errorf("expire session: %w", err)
		}
		if expired {
			result.Expired++
		}
	}

	deleted, err := i.store.DeleteEndedSessions(ctx, now.Add(-i.config.SessionRetention))
	if err != nil {
		return result, fmt.Errorf("delete ended sessions: %w", err)
	}
	result.Deleted = deleted

	i.logger.InfoContext(ctx, "sweep finished", "expired", result.Expired, "deleted", result.Deleted)
	return result, nil
}
