package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Authentication errors
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrAccountInactive      = errors.New("account is not active")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrAccountLocked        = errors.New("account locked due to too many failed login attempts")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExists        = errors.New("session already exists")
	ErrSessionExpired       = errors.New("session expired")
	ErrSessionRevoked       = errors.New("session revoked")
	ErrSessionLocked        = errors.New("session locked by administrator")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrTokenMismatch        = errors.New("access token does not match session")
	ErrSessionNotSuspicious = errors.New("session is not flagged as suspicious")
	ErrWeakSecret           = errors.New("secret does not meet policy")
)

// MFA errors
var (
	ErrMFANotEnabled  = errors.New("MFA is not enabled for this account")
	ErrInvalidMFACode = errors.New("invalid MFA code")
)

// Store errors
var (
	ErrStoreTimeout  = errors.New("session store timed out")
	ErrStoreConflict = errors.New("concurrent update conflict")
)

// ErrConfiguration is matched by every *ConfigError.
var ErrConfiguration = errors.New("invalid configuration")

// AccountLockedError is returned while an account is inside a lockout window.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrAccountLocked, e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrAccountLocked) hold.
func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// InvalidCredentialsError is returned when the secret does not verify.
// RemainingAttempts is nil when it is withheld from the caller.
type InvalidCredentialsError struct {
	RemainingAttempts *uint
}

func (e *InvalidCredentialsError) Error() string {
	if e.RemainingAttempts == nil {
		return ErrInvalidCredentials.Error()
	}
	return fmt.Sprintf("%s (%d attempts remaining)", ErrInvalidCredentials, *e.RemainingAttempts)
}

// Is makes errors.Is(err, ErrInvalidCredentials) hold.
func (e *InvalidCredentialsError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

// ConfigError reports an invalid configuration value. It is fatal and only
// returned by constructors.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrConfiguration) hold.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// WeakSecretError lists every policy rule a secret failed. Requirements
// describes the whole policy for display.
type WeakSecretError struct {
	Violations   []string
	Requirements string
}

func (e *WeakSecretError) Error() string {
	return fmt.Sprintf("%s: %s", ErrWeakSecret, strings.Join(e.Violations, "; "))
}

// Is makes errors.Is(err, ErrWeakSecret) hold.
func (e *WeakSecretError) Is(target error) bool {
	return target == ErrWeakSecret
}

// IsRetryable reports whether the caller may retry the operation as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreTimeout) || errors.Is(err, ErrStoreConflict)
}
