package idm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/auth"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Session        domain.SessionView
	Tokens         domain.TokenPair
	Evicted        domain.SessionLimitOutcome
	Classification domain.Classification
}

// Login authenticates secret against the account and opens a session.
//
// Failures are *domain.AccountLockedError, *domain.InvalidCredentialsError
// or domain.ErrAccountInactive. Unknown accounts fail as invalid
// credentials. Every failure runs the credential verifier once, so a
// locked or unknown account answers no faster than a wrong secret.
func (i *IDM) Login(ctx context.Context, accountID uuid.UUID, secret, deviceFingerprint, sourceIP string) (*LoginResult, error) {
	now := i.clock.Now()

	account, err := i.store.GetAccount(ctx, accountID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		i.config.Verifier.Verify(secret, auth.DummyHash())
		i.logger.InfoContext(ctx, "login failed", "account_id", accountID, "reason", "unknown_account")
		return nil, &domain.InvalidCredentialsError{}
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	decision := i.lockout.Evaluate(account, now)
	ok := i.verify(secret, account)

	if !decision.Allowed {
		i.logger.InfoContext(ctx, "login rejected", "account_id", account.ID, "reason", "account_locked", "retry_after", *decision.RetryAfter)
		return nil, &domain.AccountLockedError{RetryAfter: *decision.RetryAfter}
	}
	if !account.Active {
		i.logger.InfoContext(ctx, "login rejected", "account_id", account.ID, "reason", "account_inactive")
		if !ok {
			return nil, &domain.InvalidCredentialsError{}
		}
		return nil, domain.ErrAccountInactive
	}
	if !ok {
		return nil, i.recordFailure(ctx, account)
	}

	if account.FailedAttempts > 0 || account.LockedUntil != nil || account.LockoutCount > 0 {
		_, err := i.updateAccount(ctx, account.ID, account, func(current *domain.Account) (*domain.Account, error) {
			return i.lockout.RecordSuccess(current), nil
		})
		if err != nil {
			return nil, fmt.Errorf("record successful login: %w", err)
		}
	}

	history, err := i.store.ListSessionsByAccount(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	session, tokens, err := i.lifecycle.Create(account.ID, deviceFingerprint, sourceIP, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	classification := i.detector.Classify(ctx, session, history)
	if classification.Suspicious {
		session = i.lifecycle.MarkSuspicious(session, classification.Reasons)
		i.logger.InfoContext(ctx, "session flagged as suspicious",
			"account_id", account.ID,
			"session_id", session.ID,
			"reasons", classification.Reasons,
		)
	}

	if err := i.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	// DeactivateAccount flips the flag before it lists sessions, so reading
	// the account after the session is stored catches a deactivation that
	// listed too early.
	current, err := i.store.GetAccount(ctx, account.ID)
	if err != nil {
		i.revokeQuietly(ctx, session, domain.ReasonEvicted)
		return nil, fmt.Errorf("reload account: %w", err)
	}
	if !current.Active {
		i.revokeQuietly(ctx, session, domain.ReasonAccountDeactivated)
		i.logger.InfoContext(ctx, "login rejected", "account_id", account.ID, "reason", "account_deactivated_during_login")
		return nil, domain.ErrAccountInactive
	}

	outcome, err := i.limiter.EnforceLimitKeeping(ctx, account.ID, i.config.MaxSessions, session.ID)
	if err != nil {
		// Never hand out a session that leaves the account over its cap.
		i.revokeQuietly(ctx, session, domain.ReasonEvicted)
		return nil, fmt.Errorf("enforce session limit: %w", err)
	}

	i.logger.DebugContext(ctx, "login succeeded",
		"account_id", account.ID,
		"session_id", session.ID,
		"evicted", len(outcome.EvictedSessionIDs),
	)

	return &LoginResult{
		Session:        session.View(),
		Tokens:         *tokens,
		Evicted:        outcome,
		Classification: classification,
	}, nil
}

// verify always runs the verifier. An account without a credential never
// verifies.
func (i *IDM) verify(secret string, account *domain.Account) bool {
	if account.CredentialHash == "" {
		i.config.Verifier.Verify(secret, auth.DummyHash())
		return false
	}
	return i.config.Verifier.Verify(secret, account.CredentialHash)
}

// recordFailure counts a failed login and returns the error for the
// caller. Concurrent failures are serialized through the account version,
// so none is lost.
func (i *IDM) recordFailure(ctx context.Context, account *domain.Account) error {
	now := i.clock.Now()
	lockedNow := false
	lockedConcurrently := false

	updated, err := i.updateAccount(ctx, account.ID, account, func(current *domain.Account) (*domain.Account, error) {
		lockedNow, lockedConcurrently = false, false
		if current.IsLocked(now) {
			// Another failure started the lockout first; this one does
			// not count toward the next window.
			lockedConcurrently = true
			return nil, nil
		}
		next := i.lockout.RecordFailure(current, now)
		lockedNow = next.IsLocked(now)
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}

	remaining := i.lockout.RemainingAttempts(updated)
	switch {
	case lockedNow:
		remaining = 0
		i.logger.InfoContext(ctx, "account locked",
			"account_id", updated.ID,
			"locked_until", *updated.LockedUntil,
			"lockout_count", updated.LockoutCount,
		)
	case lockedConcurrently:
		remaining = 0
	default:
		i.logger.InfoContext(ctx, "login failed", "account_id", updated.ID, "reason", "invalid_credentials", "failed_attempts", updated.FailedAttempts)
	}

	if i.config.HideRemainingAttempts {
		return &domain.InvalidCredentialsError{}
	}
	return &domain.InvalidCredentialsError{RemainingAttempts: &remaining}
}

// revokeQuietly revokes a session on a failure path. Errors are logged
// because the caller is already returning one.
func (i *IDM) revokeQuietly(ctx context.Context, session *domain.Session, reason string) {
	_, err := i.updateSession(ctx, session.ID, session, func(current *domain.Session) (*domain.Session, error) {
		return i.lifecycle.Revoke(current, reason, i.clock.Now()), nil
	})
	if err != nil {
		i.logger.WarnContext(ctx, "failed to revoke session", "session_id", session.ID, "error", err)
	}
}

// RegisterAccount creates an active account whose credential is secret.
// A nil accountID gets a generated one. The secret must satisfy the
// configured PasswordPolicy.
func (i *IDM) RegisterAccount(ctx context.Context, accountID uuid.UUID, secret string) (*domain.Account, error) {
	if err := i.config.PasswordPolicy.Check(secret); err != nil {
		return nil, err
	}

	hash, err := i.config.Hasher.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	if accountID == uuid.Nil {
		accountID = uuid.New()
	}
	now := i.clock.Now()
	account := &domain.Account{
		ID:             accountID,
		CredentialHash: hash,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := i.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	i.logger.InfoContext(ctx, "account registered", "account_id", account.ID)
	return account, nil
}

// EnrollTOTP creates a TOTP secret for the account, replacing any earlier
// one. The enrollment is only returned here.
func (i *IDM) EnrollTOTP(ctx context.Context, accountID uuid.UUID) (*auth.TOTPEnrollment, error) {
	enrollment, err := i.totp.Enroll(accountID.String())
	if err != nil {
		return nil, err
	}

	_, err = i.updateAccount(ctx, accountID, nil, func(current *domain.Account) (*domain.Account, error) {
		next := current.Clone()
		next.TOTPSecret = enrollment.Secret
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	i.logger.InfoContext(ctx, "totp enrolled", "account_id", accountID)
	return enrollment, nil
}
