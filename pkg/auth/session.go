package auth

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// LifecycleConfig holds session lifetime configuration.
type LifecycleConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// IdleTimeout expires a session that has seen no activity for this
	// long. Zero disables it; ExpiresAt is then the only access limit.
	IdleTimeout time.Duration
	// ReuseRefreshTokens keeps the refresh token across refreshes. The
	// default rotates it on every use.
	ReuseRefreshTokens bool
}

// Validate checks the configuration.
func (c LifecycleConfig) Validate() error {
	if c.AccessTTL <= 0 {
		return &domain.ConfigError{Field: "AccessTTL", Reason: "must be positive"}
	}
	if c.RefreshTTL <= c.AccessTTL {
		return &domain.ConfigError{Field: "RefreshTTL", Reason: "must be greater than AccessTTL"}
	}
	if c.IdleTimeout < 0 {
		return &domain.ConfigError{Field: "IdleTimeout", Reason: "must not be negative"}
	}
	return nil
}

// SessionLifecycle drives the session state machine. Every method takes a
// session value and returns a new one; persistence is the caller's job.
type SessionLifecycle struct {
	config LifecycleConfig
	tokens TokenGenerator
	signer *AccessTokenSigner
}

// NewSessionLifecycle validates cfg and creates a lifecycle.
func NewSessionLifecycle(cfg LifecycleConfig, tokens TokenGenerator, signer *AccessTokenSigner) (*SessionLifecycle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = RandomTokenGenerator{}
	}
	if signer == nil {
		return nil, &domain.ConfigError{Field: "JWTSecret", Reason: "access token signer is required"}
	}
	return &SessionLifecycle{config: cfg, tokens: tokens, signer: signer}, nil
}

// AccessTTL returns the access token TTL.
func (l *SessionLifecycle) AccessTTL() time.Duration {
	return l.config.AccessTTL
}

// RefreshTTL returns the refresh token TTL.
func (l *SessionLifecycle) RefreshTTL() time.Duration {
	return l.config.RefreshTTL
}

// Create starts a new Active session and returns it with its token pair.
func (l *SessionLifecycle) Create(accountID uuid.UUID, deviceFingerprint, sourceIP string, now time.Time) (*domain.Session, *domain.TokenPair, error) {
	session := &domain.Session{
		ID:                uuid.New(),
		AccountID:         accountID,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(l.config.AccessTTL),
		RefreshExpiresAt:  now.Add(l.config.RefreshTTL),
		DeviceFingerprint: deviceFingerprint,
		SourceIP:          sourceIP,
		State:             domain.SessionActive,
	}

	tokens, err := l.issue(session, now, true)
	if err != nil {
		return nil, nil, err
	}
	return session, tokens, nil
}

// Touch records activity. It never extends ExpiresAt.
func (l *SessionLifecycle) Touch(session *domain.Session, now time.Time) (*domain.Session, error) {
	if err := StateError(session.State); err != nil {
		return nil, err
	}
	if !now.Before(session.ExpiresAt) || l.idleExpired(session, now) {
		return nil, domain.ErrSessionExpired
	}

	next := session.Clone()
	if now.After(next.LastActivityAt) {
		next.LastActivityAt = now
	}
	return next, nil
}

// Refresh exchanges a refresh token for a new access token and, unless
// refresh tokens are reused, a new refresh token. The previous pair stops
// matching immediately.
func (l *SessionLifecycle) Refresh(session *domain.Session, refreshToken string, now time.Time) (*domain.Session, *domain.TokenPair, error) {
	if err := StateError(session.State); err != nil {
		return nil, nil, err
	}
	if !TokenMatches(refreshToken, session.RefreshTokenHash) {
		return nil, nil, domain.ErrInvalidRefreshToken
	}
	if !now.Before(session.RefreshExpiresAt) || l.idleExpired(session, now) {
		return nil, nil, domain.ErrSessionExpired
	}

	next := session.Clone()
	next.ExpiresAt = now.Add(l.config.AccessTTL)
	if now.After(next.LastActivityAt) {
		next.LastActivityAt = now
	}

	rotate := !l.config.ReuseRefreshTokens
	tokens, err := l.issue(next, now, rotate)
	if err != nil {
		return nil, nil, err
	}
	if !rotate {
		tokens.RefreshToken = refreshToken
	}
	return next, tokens, nil
}

// Revoke ends a live session. Revoking a session that has already ended
// returns it unchanged.
func (l *SessionLifecycle) Revoke(session *domain.Session, reason string, now time.Time) *domain.Session {
	return end(session, domain.SessionRevoked, reason, now)
}

// Lock ends a live session because its account was locked by an operator.
func (l *SessionLifecycle) Lock(session *domain.Session, now time.Time) *domain.Session {
	return end(session, domain.SessionLocked, domain.ReasonAccountLocked, now)
}

// ExpireIfStale moves a live session whose refresh window or idle timeout
// has elapsed to Expired. The boolean reports whether it did.
func (l *SessionLifecycle) ExpireIfStale(session *domain.Session, now time.Time) (*domain.Session, bool) {
	if !session.State.IsLive() {
		return session, false
	}
	switch {
	case !now.Before(session.RefreshExpiresAt):
		return end(session, domain.SessionExpired, domain.ReasonRefreshExpired, now), true
	case l.idleExpired(session, now):
		return end(session, domain.SessionExpired, domain.ReasonIdleTimeout, now), true
	}
	return session, false
}

// ValidateAccess checks an access token against the session. When
// updateActivity is set the returned session has been touched.
func (l *SessionLifecycle) ValidateAccess(session *domain.Session, accessToken string, now time.Time, updateActivity bool) (*domain.Session, error) {
	if err := StateError(session.State); err != nil {
		return nil, err
	}
	if !now.Before(session.ExpiresAt) || l.idleExpired(session, now) {
		return nil, domain.ErrSessionExpired
	}
	if !TokenMatches(accessToken, session.AccessTokenHash) {
		return nil, domain.ErrTokenMismatch
	}
	if !updateActivity {
		return session.Clone(), nil
	}
	return l.Touch(session, now)
}

// MarkSuspicious flags a live session. Reasons already present are not
// repeated. Flagging never revokes.
func (l *SessionLifecycle) MarkSuspicious(session *domain.Session, reasons []string) *domain.Session {
	next := session.Clone()
	if !next.State.IsLive() || len(reasons) == 0 {
		return next
	}
	next.State = domain.SessionSuspicious
	for _, r := range reasons {
		if !slices.Contains(next.SuspicionReasons, r) {
			next.SuspicionReasons = append(next.SuspicionReasons, r)
		}
	}
	return next
}

// ClearSuspicion returns a Suspicious session to Active.
func (l *SessionLifecycle) ClearSuspicion(session *domain.Session) (*domain.Session, error) {
	if err := StateError(session.State); err != nil {
		return nil, err
	}
	if session.State != domain.SessionSuspicious {
		return nil, domain.ErrSessionNotSuspicious
	}
	next := session.Clone()
	next.State = domain.SessionActive
	next.SuspicionReasons = nil
	return next, nil
}

func (l *SessionLifecycle) idleExpired(session *domain.Session, now time.Time) bool {
	if l.config.IdleTimeout == 0 {
		return false
	}
	return now.Sub(session.LastActivityAt) >= l.config.IdleTimeout
}

// issue mints a fresh access token and, if rotate is set, a fresh refresh
// token, storing their hashes on session.
func (l *SessionLifecycle) issue(session *domain.Session, now time.Time, rotate bool) (*domain.TokenPair, error) {
	nonce, err := l.tokens.Generate(accessNonceLen)
	if err != nil {
		return nil, fmt.Errorf("generate token nonce: %w", err)
	}
	accessToken, err := l.signer.Sign(session, now, session.ExpiresAt, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	session.AccessTokenHash = HashToken(accessToken)

	pair := &domain.TokenPair{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(l.config.AccessTTL.Seconds()),
		ExpiresAt:   session.ExpiresAt,
	}

	if rotate {
		secret, err := l.tokens.Generate(refreshTokenLen)
		if err != nil {
			return nil, fmt.Errorf("generate refresh token: %w", err)
		}
		refreshToken := FormatRefreshToken(session.ID, secret)
		session.RefreshTokenHash = HashToken(refreshToken)
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

func end(session *domain.Session, state domain.SessionState, reason string, now time.Time) *domain.Session {
	next := session.Clone()
	if next.State.IsTerminal() {
		return next
	}
	next.State = state
	next.EndReason = reason
	next.EndedAt = &now
	return next
}

// StateError maps a terminal state to the error callers see. Live states
// map to nil.
func StateError(state domain.SessionState) error {
	switch state {
	case domain.SessionRevoked:
		return domain.ErrSessionRevoked
	case domain.SessionExpired:
		return domain.ErrSessionExpired
	case domain.SessionLocked:
		return domain.ErrSessionLocked
	}
	return nil
}
