package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// AccountsRepository handles account persistence.
type AccountsRepository struct {
	db *sql.DB
}

// NewAccountsRepository creates a new accounts repository.
func NewAccountsRepository(db *sql.DB) *AccountsRepository {
	return &AccountsRepository{db: db}
}

// CreateAccount creates a new account.
func (r *AccountsRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, credential_hash, failed_attempts, locked_until, lockout_count,
		                      active, totp_secret, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		account.ID, account.CredentialHash, int64(account.FailedAttempts), account.LockedUntil, int64(account.LockoutCount),
		account.Active, account.TOTPSecret, account.CreatedAt, account.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAccountExists
	}
	if err != nil {
		return mapPGError(err)
	}
	account.Version = 1
	return nil
}

// GetAccount retrieves an account by ID.
func (r *AccountsRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `
		SELECT id, credential_hash, failed_attempts, locked_until, lockout_count,
		       active, totp_secret, version, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`
	a := &domain.Account{}
	var failed, lockouts int64
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.CredentialHash, &failed, &a.LockedUntil, &lockouts,
		&a.Active, &a.TOTPSecret, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, mapPGError(err)
	}
	a.FailedAttempts = uint(failed)
	a.LockoutCount = uint(lockouts)
	return a, nil
}

// UpdateAccount writes an account if its version still matches.
func (r *AccountsRepository) UpdateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		UPDATE accounts
		SET credential_hash = $3, failed_attempts = $4, locked_until = $5, lockout_count = $6,
		    active = $7, totp_secret = $8, updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2
	`
	result, err := r.db.ExecContext(ctx, query,
		account.ID, account.Version, account.CredentialHash, int64(account.FailedAttempts), account.LockedUntil,
		int64(account.LockoutCount), account.Active, account.TOTPSecret, account.UpdatedAt,
	)
	if err != nil {
		return mapPGError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return mapPGError(err)
	}
	if rows == 0 {
		var exists bool
		err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, account.ID).Scan(&exists)
		if err != nil {
			return mapPGError(err)
		}
		if !exists {
			return domain.ErrAccountNotFound
		}
		return domain.ErrStoreConflict
	}
	account.Version++
	return nil
}
