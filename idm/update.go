package idm

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// accountMutation computes the next version of an account. Returning nil
// with no error means nothing needs to be written.
type accountMutation func(current *domain.Account) (*domain.Account, error)

// sessionMutation is the session counterpart of accountMutation.
type sessionMutation func(current *domain.Session) (*domain.Session, error)

// updateAccount applies fn to current and writes the result. On a version
// conflict it re-reads the account and applies fn again, up to
// MaxConflictRetries times. current may be nil, in which case the account
// is read first.
func (i *IDM) updateAccount(ctx context.Context, id uuid.UUID, current *domain.Account, fn accountMutation) (*domain.Account, error) {
	for attempt := 0; attempt <= i.config.MaxConflictRetries; attempt++ {
		if current == nil {
			var err error
			if current, err = i.store.GetAccount(ctx, id); err != nil {
				return nil, err
			}
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}
		next.UpdatedAt = i.clock.Now()

		err = i.store.UpdateAccount(ctx, next)
		if errors.Is(err, domain.ErrStoreConflict) {
			current = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}

	i.logger.WarnContext(ctx, "account update gave up after conflicts", "account_id", id)
	return nil, domain.ErrStoreConflict
}

// updateSession applies fn to current and writes the result, re-reading
// and re-applying fn on conflict. Because fn sees the fresh record on every
// attempt, a transition that is no longer valid fails instead of
// overwriting a concurrent change.
func (i *IDM) updateSession(ctx context.Context, id uuid.UUID, current *domain.Session, fn sessionMutation) (*domain.Session, error) {
	for attempt := 0; attempt <= i.config.MaxConflictRetries; attempt++ {
		if current == nil {
			var err error
			if current, err = i.store.GetSession(ctx, id); err != nil {
				return nil, err
			}
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}

		err = i.store.UpdateSession(ctx, next)
		if errors.Is(err, domain.ErrStoreConflict) {
			current = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}

	i.logger.WarnContext(ctx, "session update gave up after conflicts", "session_id", id)
	return nil, domain.ErrStoreConflict
}

// endSessions applies end to every live session of the account that
// match accepts and returns the IDs it ended. Stale sessions are expired
// instead, and sessions that end concurrently are skipped.
func (i *IDM) endSessions(ctx context.Context, accountID uuid.UUID, match func(*domain.Session) bool, end func(*domain.Session) *domain.Session) ([]uuid.UUID, error) {
	sessions, err := i.store.ListSessionsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := i.clock.Now()
	var ended []uuid.UUID
	for _, s := range sessions {
		if !s.State.IsLive() || !match(s) {
			continue
		}
		changed := false
		_, err := i.updateSession(ctx, s.ID, s, func(current *domain.Session) (*domain.Session, error) {
			changed = false
			if expired, stale := i.lifecycle.ExpireIfStale(current, now); stale {
				return expired, nil
			}
			if !current.State.IsLive() || !match(current) {
				return nil, nil
			}
			changed = true
			return end(current), nil
		})
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return ended, err
		}
		if changed {
			ended = append(ended, s.ID)
		}
	}
	return ended, nil
}

// expireIfStale persists lazy expiry of a session that was found stale
// during an access. Losing a race to another writer is fine: whoever won
// moved the session on already.
func (i *IDM) expireIfStale(ctx context.Context, s *domain.Session) {
	now := i.clock.Now()
	expired, stale := i.lifecycle.ExpireIfStale(s, now)
	if !stale {
		return
	}
	if err := i.store.UpdateSession(ctx, expired); err != nil {
		i.logger.DebugContext(ctx, "lazy expiry not persisted", "session_id", s.ID, "error", err)
		return
	}
	i.logger.DebugContext(ctx, "session expired", "session_id", s.ID, "reason", expired.EndReason)
}

func anySession(*domain.Session) bool { return true }
