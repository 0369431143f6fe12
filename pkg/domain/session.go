package domain

import (
	"bytes"
	"slices"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionExpired    SessionState = "expired"
	SessionRevoked    SessionState = "revoked"
	SessionLocked     SessionState = "locked"
	SessionSuspicious SessionState = "suspicious"
)

// IsTerminal reports whether no transition can leave the state.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionExpired, SessionRevoked, SessionLocked:
		return true
	}
	return false
}

// IsLive reports whether a session in this state can still be used.
func (s SessionState) IsLive() bool {
	return s == SessionActive || s == SessionSuspicious
}

// Session end reasons.
const (
	ReasonLogout             = "logout"
	ReasonLogoutAll          = "logout_all"
	ReasonEvicted            = "evicted"
	ReasonAccountDeactivated = "account_deactivated"
	ReasonAccountLocked      = "account_locked"
	ReasonSuspicious         = "suspicious"
	ReasonAdmin              = "admin"
	ReasonRefreshExpired     = "refresh_expired"
	ReasonIdleTimeout        = "idle_timeout"
)

// Suspicion reasons.
const (
	SuspicionNewDevice     = "new_device"
	SuspicionGeoVelocity   = "geo_velocity"
	SuspicionRapidCreation = "rapid_session_creation"
	SuspicionManual        = "manual"
)

// Session represents a single authenticated context.
type Session struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	AccessTokenHash   string
	RefreshTokenHash  string
	CreatedAt         time.Time
	LastActivityAt    time.Time
	ExpiresAt         time.Time
	RefreshExpiresAt  time.Time
	DeviceFingerprint string
	SourceIP          string
	State             SessionState
	SuspicionReasons  []string
	EndedAt           *time.Time
	EndReason         string
	Version           int64
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	if s.SuspicionReasons != nil {
		c.SuspicionReasons = append([]string(nil), s.SuspicionReasons...)
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// View returns the caller-facing projection of the session.
func (s *Session) View() SessionView {
	return SessionView{
		ID:                s.ID,
		AccountID:         s.AccountID,
		State:             s.State,
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.LastActivityAt,
		ExpiresAt:         s.ExpiresAt,
		RefreshExpiresAt:  s.RefreshExpiresAt,
		DeviceFingerprint: s.DeviceFingerprint,
		SourceIP:          s.SourceIP,
		SuspicionReasons:  append([]string(nil), s.SuspicionReasons...),
	}
}

// SessionView is a session without its token material.
type SessionView struct {
	ID                uuid.UUID    `json:"id"`
	AccountID         uuid.UUID    `json:"account_id"`
	State             SessionState `json:"state"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActivityAt    time.Time    `json:"last_activity_at"`
	ExpiresAt         time.Time    `json:"expires_at"`
	RefreshExpiresAt  time.Time    `json:"refresh_expires_at"`
	DeviceFingerprint string       `json:"device_fingerprint,omitempty"`
	SourceIP          string       `json:"source_ip,omitempty"`
	SuspicionReasons  []string     `json:"suspicion_reasons,omitempty"`
}

// TokenPair represents the access and refresh token pair.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionLimitOutcome lists the sessions evicted to enforce a
// per-account cap, oldest first.
type SessionLimitOutcome struct {
	EvictedSessionIDs []uuid.UUID
}

// Classification is the advisory result of suspicion detection.
type Classification struct {
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons,omitempty"`
}

// SortByActivity orders sessions least recently active first. Ties on
// LastActivityAt fall back to CreatedAt, then to the session ID, so the
// order is total and every caller agrees on it.
func SortByActivity(sessions []*Session) {
	slices.SortStableFunc(sessions, func(a, b *Session) int {
		if c := a.LastActivityAt.Compare(b.LastActivityAt); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
}
