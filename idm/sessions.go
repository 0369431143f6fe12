package idm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/auth"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// RefreshResult is returned by a successful RefreshToken.
type RefreshResult struct {
	Session domain.SessionView
	Tokens  domain.TokenPair
}

// RefreshToken exchanges a refresh token for a new token pair. With
// rotation, the presented token stops working as soon as this returns, and
// of several concurrent calls with the same token exactly one succeeds.
func (i *IDM) RefreshToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	sessionID, err := auth.ParseRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	now := i.clock.Now()

	var tokens *domain.TokenPair
	var seen *domain.Session
	session, err := i.updateSession(ctx, sessionID, nil, func(current *domain.Session) (*domain.Session, error) {
		seen = current
		next, pair, err := i.lifecycle.Refresh(current, refreshToken, now)
		if err != nil {
			return nil, err
		}
		tokens = pair
		return next, nil
	})
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return nil, domain.ErrInvalidRefreshToken
	case errors.Is(err, domain.ErrSessionExpired):
		i.expireIfStale(ctx, seen)
		return nil, err
	case err != nil:
		return nil, err
	}

	i.logger.DebugContext(ctx, "session refreshed", "session_id", session.ID)
	return &RefreshResult{Session: session.View(), Tokens: *tokens}, nil
}

// ValidateToken checks an access token and returns its session. With
// updateActivity the session's last activity is recorded.
func (i *IDM) ValidateToken(ctx context.Context, accessToken string, updateActivity bool) (*domain.SessionView, error) {
	sessionID, err := i.signer.SessionID(accessToken)
	if err != nil {
		return nil, err
	}
	now := i.clock.Now()

	var seen *domain.Session
	session, err := i.updateSession(ctx, sessionID, nil, func(current *domain.Session) (*domain.Session, error) {
		seen = current
		next, err := i.lifecycle.ValidateAccess(current, accessToken, now, updateActivity)
		if err != nil {
			return nil, err
		}
		if !updateActivity || next.LastActivityAt.Equal(current.LastActivityAt) {
			return nil, nil
		}
		return next, nil
	})
	if errors.Is(err, domain.ErrSessionExpired) {
		i.expireIfStale(ctx, seen)
	}
	if err != nil {
		return nil, err
	}

	view := session.View()
	return &view, nil
}

// Logout revokes the session the access token belongs to. The token does
// not need to be unexpired. Logging out an ended session succeeds.
func (i *IDM) Logout(ctx context.Context, accessToken string) error {
	sessionID, err := i.signer.SessionID(accessToken)
	if err != nil {
		return err
	}

	_, err = i.updateSession(ctx, sessionID, nil, func(current *domain.Session) (*domain.Session, error) {
		if !auth.TokenMatches(accessToken, current.AccessTokenHash) {
			return nil, domain.ErrTokenMismatch
		}
		if current.State.IsTerminal() {
			return nil, nil
		}
		return i.lifecycle.Revoke(current, domain.ReasonLogout, i.clock.Now()), nil
	})
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	i.logger.DebugContext(ctx, "session logged out", "session_id", sessionID)
	return nil
}

// LogoutAll revokes every live session of the account and returns their
// IDs.
func (i *IDM) LogoutAll(ctx context.Context, accountID uuid.UUID) ([]uuid.UUID, error) {
	now := i.clock.Now()
	ended, err := i.endSessions(ctx, accountID, anySession, func(s *domain.Session) *domain.Session {
		return i.lifecycle.Revoke(s, domain.ReasonLogoutAll, now)
	})
	if err != nil {
		return ended, fmt.Errorf("logout all: %w", err)
	}

	i.logger.InfoContext(ctx, "all sessions logged out", "account_id", accountID, "count", len(ended))
	return ended, nil
}
