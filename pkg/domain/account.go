package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is the identity anchor that sessions belong to.
type Account struct {
	ID             uuid.UUID
	CredentialHash string
	FailedAttempts uint
	LockedUntil    *time.Time
	// LockoutCount is the number of consecutive lockout cycles since the
	// last successful login.
	LockoutCount uint
	Active       bool
	// TOTPSecret is the base32 secret used to confirm suspicious sessions.
	TOTPSecret string
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsLocked returns true if the account is locked at the given time.
func (a *Account) IsLocked(now time.Time) bool {
	if a.LockedUntil == nil {
		return false
	}
	return now.Before(*a.LockedUntil)
}

// Clone returns a copy that shares no pointers with a.
func (a *Account) Clone() *Account {
	c := *a
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

// LockoutDecision is the result of evaluating an account before the
// credential check.
type LockoutDecision struct {
	Allowed           bool
	RetryAfter        *time.Duration
	RemainingAttempts *uint
}
