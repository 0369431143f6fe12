package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// timeoutStore bounds every call to the wrapped store.
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout returns a Store whose calls each run under a deadline of d.
// A call that overruns fails with an error matching domain.ErrStoreTimeout.
// A non-positive d returns store unchanged.
func WithTimeout(store Store, d time.Duration) Store {
	if d <= 0 {
		return store
	}
	return &timeoutStore{next: store, timeout: d}
}

func (t *timeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.timeout)
}

func timeoutErr(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, domain.ErrStoreTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Join(domain.ErrStoreTimeout, err)
	}
	return err
}

func (t *timeoutStore) CreateSession(ctx context.Context, session *domain.Session) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return timeoutErr(ctx, t.next.CreateSession(ctx, session))
}

func (t *timeoutStore) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	s, err := t.next.GetSession(ctx, id)
	return s, timeoutErr(ctx, err)
}

func (t *timeoutStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return timeoutErr(ctx, t.next.UpdateSession(ctx, session))
}

func (t *timeoutStore) ListSessionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*domain.Session, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	sessions, err := t.next.ListSessionsByAccount(ctx, accountID)
	return sessions, timeoutErr(ctx, err)
}

func (t *timeoutStore) ListStaleSessions(ctx context.Context, q StaleQuery) ([]*domain.Session, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	sessions, err := t.next.ListStaleSessions(ctx, q)
	return sessions, timeoutErr(ctx, err)
}

func (t *timeoutStore) DeleteEndedSessions(ctx context.Context, endedBefore time.Time) (int64, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	n, err := t.next.DeleteEndedSessions(ctx, endedBefore)
	return n, timeoutErr(ctx, err)
}

func (t *timeoutStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return timeoutErr(ctx, t.next.CreateAccount(ctx, account))
}

func (t *timeoutStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	a, err := t.next.GetAccount(ctx, id)
	return a, timeoutErr(ctx, err)
}

func (t *timeoutStore) UpdateAccount(ctx context.Context, account *domain.Account) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return timeoutErr(ctx, t.next.UpdateAccount(ctx, account))
}
