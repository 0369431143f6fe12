package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

const sessionColumns = `id, account_id, access_token_hash, refresh_token_hash, created_at,
	last_activity_at, expires_at, refresh_expires_at, device_fingerprint, source_ip,
	state, suspicion_reasons, ended_at, end_reason, version`

// SessionsRepository handles session persistence.
type SessionsRepository struct {
	db *sql.DB
}

// NewSessionsRepository creates a new sessions repository.
func NewSessionsRepository(db *sql.DB) *SessionsRepository {
	return &SessionsRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	s := &domain.Session{}
	var reasons pq.StringArray
	var state string
	err := row.Scan(
		&s.ID, &s.AccountID, &s.AccessTokenHash, &s.RefreshTokenHash, &s.CreatedAt,
		&s.LastActivityAt, &s.ExpiresAt, &s.RefreshExpiresAt, &s.DeviceFingerprint, &s.SourceIP,
		&state, &reasons, &s.EndedAt, &s.EndReason, &s.Version,
	)
	if err != nil {
		return nil, err
	}
	s.State = domain.SessionState(state)
	if len(reasons) > 0 {
		s.SuspicionReasons = []string(reasons)
	}
	return s, nil
}

// CreateSession creates a new session.
func (r *SessionsRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
	`
	_, err := r.db.ExecContext(ctx, query,
		session.ID, session.AccountID, session.AccessTokenHash, session.RefreshTokenHash, session.CreatedAt,
		session.LastActivityAt, session.ExpiresAt, session.RefreshExpiresAt, session.DeviceFingerprint, session.SourceIP,
		string(session.State), pq.StringArray(session.SuspicionReasons), session.EndedAt, session.EndReason,
	)
	if isUniqueViolation(err) {
		return domain.ErrSessionExists
	}
	if err != nil {
		return mapPGError(err)
	}
	session.Version = 1
	return nil
}

// GetSession retrieves a session by ID.
func (r *SessionsRepository) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, mapPGError(err)
	}
	return session, nil
}

// UpdateSession writes a session if its version still matches.
func (r *SessionsRepository) UpdateSession(ctx context.Context, session *domain.Session) error {
	query := `
		UPDATE sessions
		SET access_token_hash = $3, refresh_token_hash = $4, last_activity_at = $5,
		    expires_at = $6, refresh_expires_at = $7, state = $8, suspicion_reasons = $9,
		    ended_at = $10, end_reason = $11, version = version + 1
		WHERE id = $1 AND version = $2
	`
	result, err := r.db.ExecContext(ctx, query,
		session.ID, session.Version, session.AccessTokenHash, session.RefreshTokenHash, session.LastActivityAt,
		session.ExpiresAt, session.RefreshExpiresAt, string(session.State), pq.StringArray(session.SuspicionReasons),
		session.EndedAt, session.EndReason,
	)
	if err != nil {
		return mapPGError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return mapPGError(err)
	}
	if rows == 0 {
		return r.missOrConflict(ctx, session.ID)
	}
	session.Version++
	return nil
}

func (r *SessionsRepository) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return mapPGError(err)
	}
	if !exists {
		return domain.ErrSessionNotFound
	}
	return domain.ErrStoreConflict
}

// ListSessionsByAccount retrieves all sessions for an account.
func (r *SessionsRepository) ListSessionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE account_id = $1
		ORDER BY last_activity_at ASC, created_at ASC, id ASC
	`
	return r.query(ctx, query, accountID)
}

// ListStaleSessions retrieves live sessions due for expiry.
func (r *SessionsRepository) ListStaleSessions(ctx context.Context, q StaleQuery) ([]*domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE state IN ('active', 'suspicious')
		  AND (refresh_expires_at <= $1 OR ($2::timestamptz IS NOT NULL AND last_activity_at <= $2))
		ORDER BY last_activity_at ASC, created_at ASC, id ASC
		LIMIT NULLIF($3, 0)
	`
	return r.query(ctx, query, q.RefreshExpiredBy, q.IdleSince, q.Limit)
}

// DeleteEndedSessions deletes terminal sessions that ended before the cutoff.
func (r *SessionsRepository) DeleteEndedSessions(ctx context.Context, endedBefore time.Time) (int64, error) {
	query := `
		DELETE FROM sessions
		WHERE state IN ('expired', 'revoked', 'locked') AND ended_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, endedBefore)
	if err != nil {
		return 0, mapPGError(err)
	}
	n, err := result.RowsAffected()
	return n, mapPGError(err)
}

func (r *SessionsRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, mapPGError(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError(err)
	}
	// The database orders by timestamp precision; re-sort so ties break
	// exactly as the other stores do.
	domain.SortByActivity(sessions)
	return sessions, nil
}
