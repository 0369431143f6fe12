package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/clock"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
	"github.com/tendant/simple-idm-sessions/pkg/repository"
)

// ConcurrencySessionLimiter caps the number of live sessions per account
// by revoking the least recently active ones.
type ConcurrencySessionLimiter struct {
	sessions   repository.SessionStore
	lifecycle  *SessionLifecycle
	clock      clock.Clock
	maxRetries int
	logger     *slog.Logger
}

// NewConcurrencySessionLimiter creates a limiter. maxRetries bounds the
// number of re-read rounds after a conflicting concurrent write.
func NewConcurrencySessionLimiter(sessions repository.SessionStore, lifecycle *SessionLifecycle, clk clock.Clock, maxRetries int, logger *slog.Logger) *ConcurrencySessionLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConcurrencySessionLimiter{
		sessions:   sessions,
		lifecycle:  lifecycle,
		clock:      clk,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// SelectEvictions returns the sessions to revoke so that at most
// maxSessions remain, least recently active first. live must contain only
// live sessions; it is reordered in place.
func SelectEvictions(live []*domain.Session, maxSessions int) []*domain.Session {
	if maxSessions < 0 {
		maxSessions = 0
	}
	if len(live) <= maxSessions {
		return nil
	}
	domain.SortByActivity(live)
	return live[:len(live)-maxSessions]
}

// EnforceLimit revokes the least recently active live sessions of the
// account until at most maxSessions remain.
func (l *ConcurrencySessionLimiter) EnforceLimit(ctx context.Context, accountID uuid.UUID, maxSessions int) (domain.SessionLimitOutcome, error) {
	return l.enforce(ctx, accountID, maxSessions, uuid.Nil)
}

// EnforceLimitKeeping is EnforceLimit run right after created was stored:
// created is never a victim, even when it ties with an older session.
func (l *ConcurrencySessionLimiter) EnforceLimitKeeping(ctx context.Context, accountID uuid.UUID, maxSessions int, created uuid.UUID) (domain.SessionLimitOutcome, error) {
	return l.enforce(ctx, accountID, maxSessions, created)
}

func (l *ConcurrencySessionLimiter) enforce(ctx context.Context, accountID uuid.UUID, maxSessions int, keep uuid.UUID) (domain.SessionLimitOutcome, error) {
	var outcome domain.SessionLimitOutcome

	for round := 0; round <= l.maxRetries; round++ {
		all, err := l.sessions.ListSessionsByAccount(ctx, accountID)
		if err != nil {
			return outcome, fmt.Errorf("list sessions: %w", err)
		}

		now := l.clock.Now()
		limit := maxSessions
		live := make([]*domain.Session, 0, len(all))
		for _, s := range all {
			if _, stale := l.lifecycle.ExpireIfStale(s, now); stale || !s.State.IsLive() {
				continue
			}
			if s.ID == keep {
				limit--
				continue
			}
			live = append(live, s)
		}

		victims := SelectEvictions(live, limit)
		if len(victims) == 0 {
			return outcome, nil
		}

		conflicted := false
		for _, victim := range victims {
			revoked := l.lifecycle.Revoke(victim, domain.ReasonEvicted, now)
			err := l.sessions.UpdateSession(ctx, revoked)
			if errors.Is(err, domain.ErrStoreConflict) || errors.Is(err, domain.ErrSessionNotFound) {
				// Changed underneath us; the next round re-reads.
				conflicted = true
				continue
			}
			if err != nil {
				return outcome, fmt.Errorf("evict session: %w", err)
			}
			outcome.EvictedSessionIDs = append(outcome.EvictedSessionIDs, victim.ID)
			l.logger.InfoContext(ctx, "session evicted",
				"account_id", accountID,
				"session_id", victim.ID,
				"max_sessions", maxSessions,
			)
		}
		if !conflicted {
			return outcome, nil
		}
	}

	l.logger.WarnContext(ctx, "session limit enforcement gave up after conflicts",
		"account_id", accountID,
		"evicted", len(outcome.EvictedSessionIDs),
	)
	return outcome, domain.ErrStoreConflict
}
