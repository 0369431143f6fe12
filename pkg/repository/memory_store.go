package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// MemoryStore is an in-process Store. It is safe for concurrent use and
// suitable for tests and single-instance deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[uuid.UUID]*domain.Account
	sessions  map[uuid.UUID]*domain.Session
	byAccount map[uuid.UUID]map[uuid.UUID]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[uuid.UUID]*domain.Account),
		sessions:  make(map[uuid.UUID]*domain.Session),
		byAccount: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// CreateSession stores a new session at version 1.
func (m *MemoryStore) CreateSession(ctx context.Context, session *domain.Session) error {
	if err := mapContextErr(ctx.Err()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return domain.ErrSessionExists
	}
	session.Version = 1
	m.sessions[session.ID] = session.Clone()

	idx, ok := m.byAccount[session.AccountID]
	if !ok {
		idx = make(map[uuid.UUID]struct{})
		m.byAccount[session.AccountID] = idx
	}
	idx[session.ID] = struct{}{}
	return nil
}

// GetSession retrieves a session by ID.
func (m *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	if err := mapContextErr(ctx.Err()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s.Clone(), nil
}

// UpdateSession replaces a session if its version still matches.
func (m *MemoryStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	if err := mapContextErr(ctx.Err()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[session.ID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if cur.Version != session.Version {
		return domain.ErrStoreConflict
	}
	session.Version++
	m.sessions[session.ID] = session.Clone()
	return nil
}

// ListSessionsByAccount returns all sessions of an account.
func (m *MemoryStore) ListSessionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*domain.Session, error) {
	if err := mapContextErr(ctx.Err()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.byAccount[accountID]
	sessions := make([]*domain.Session, 0, len(idx))
	for id := range idx {
		sessions = append(sessions, m.sessions[id].Clone())
	}
	domain.SortByActivity(sessions)
	return sessions, nil
}

// ListStaleSessions returns live sessions due for expiry.
func (m *MemoryStore) ListStaleSessions(ctx context.Context, q StaleQuery) ([]*domain.Session, error) {
	if err := mapContextErr(ctx.Err()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []*domain.Session
	for _, s := range m.sessions {
		if isStale(s, q) {
			stale = append(stale, s.Clone())
		}
	}
	domain.SortByActivity(stale)
	if q.Limit > 0 && len(stale) > q.Limit {
		stale = stale[:q.Limit]
	}
	return stale, nil
}

// DeleteEndedSessions removes terminal sessions that ended before the cutoff.
func (m *MemoryStore) DeleteEndedSessions(ctx context.Context, endedBefore time.Time) (int64, error) {
	if err := mapContextErr(ctx.Err()); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, s := range m.sessions {
		if !s.State.IsTerminal() || s.EndedAt == nil || !s.EndedAt.Before(endedBefore) {
			continue
		}
		delete(m.sessions, id)
		if idx, ok := m.byAccount[s.AccountID]; ok {
			delete(idx, id)
			if len(idx) == 0 {
				delete(m.byAccount, s.AccountID)
			}
		}
		deleted++
	}
	return deleted, nil
}

// CreateAccount stores a new account at version 1.
func (m *MemoryStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	if err := mapContextErr(ctx.Err()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.ID]; ok {
		return domain.ErrAccountExists
	}
	account.Version = 1
	m.accounts[account.ID] = account.Clone()
	return nil
}

// GetAccount retrieves an account by ID.
func (m *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	if err := mapContextErr(ctx.Err()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return a.Clone(), nil
}

// UpdateAccount replaces an account if its version still matches.
func (m *MemoryStore) UpdateAccount(ctx context.Context, account *domain.Account) error {
	if err := mapContextErr(ctx.Err()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.accounts[account.ID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if cur.Version != account.Version {
		return domain.ErrStoreConflict
	}
	account.Version++
	m.accounts[account.ID] = account.Clone()
	return nil
}
