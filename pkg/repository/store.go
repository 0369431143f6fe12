// Package repository persists accounts and sessions.
//
// Every write is a compare-and-swap on the record's Version: the caller
// passes the record as it last read it, the store rejects the write with
// domain.ErrStoreConflict if the stored version differs, and on success
// increments Version on the passed record.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// SessionStore stores sessions keyed by ID with a per-account index.
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	UpdateSession(ctx context.Context, session *domain.Session) error
	// ListSessionsByAccount returns every session of the account in any
	// state, ordered by domain.SortByActivity.
	ListSessionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*domain.Session, error)
	// ListStaleSessions returns live sessions whose refresh window ended at
	// or before q.RefreshExpiredBy, or whose last activity is at or before
	// q.IdleSince when it is set.
	ListStaleSessions(ctx context.Context, q StaleQuery) ([]*domain.Session, error)
	// DeleteEndedSessions removes terminal sessions that ended before the
	// cutoff and returns how many were removed.
	DeleteEndedSessions(ctx context.Context, endedBefore time.Time) (int64, error)
}

// StaleQuery selects sessions for the hygiene sweep.
type StaleQuery struct {
	RefreshExpiredBy time.Time
	IdleSince        *time.Time
	Limit            int
}

// AccountStore stores accounts keyed by ID.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	UpdateAccount(ctx context.Context, account *domain.Account) error
}

// Store is the full persistence contract the engine needs.
type Store interface {
	SessionStore
	AccountStore
}

// mapContextErr turns context failures into store error kinds.
func mapContextErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(domain.ErrStoreTimeout, err)
	}
	return err
}

func isStale(s *domain.Session, q StaleQuery) bool {
	if !s.State.IsLive() {
		return false
	}
	if !s.RefreshExpiresAt.After(q.RefreshExpiredBy) {
		return true
	}
	return q.IdleSince != nil && !s.LastActivityAt.After(*q.IdleSince)
}
