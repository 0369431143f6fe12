package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// LockoutGrowth selects how the lockout duration changes across
// consecutive lockout cycles. It has no usable zero value.
type LockoutGrowth int

const (
	// LockoutGrowthFixed locks for LockoutDuration every time.
	LockoutGrowthFixed LockoutGrowth = iota + 1
	// LockoutGrowthExponential multiplies the duration by GrowthFactor for
	// each consecutive lockout, capped at MaxLockoutDuration.
	LockoutGrowthExponential
)

func (g LockoutGrowth) String() string {
	switch g {
	case LockoutGrowthFixed:
		return "fixed"
	case LockoutGrowthExponential:
		return "exponential"
	}
	return "unset"
}

// UnmarshalText parses "fixed" or "exponential", so the growth mode can be
// read from the environment.
func (g *LockoutGrowth) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "fixed":
		*g = LockoutGrowthFixed
	case "exponential":
		*g = LockoutGrowthExponential
	default:
		return &domain.ConfigError{Field: "Lockout.Growth", Reason: fmt.Sprintf("unknown growth mode %q", text)}
	}
	return nil
}

// LockoutConfig configures a LockoutPolicy. Every field is required.
type LockoutConfig struct {
	MaxFailedAttempts uint          `env:"MAX_FAILED_ATTEMPTS"`
	LockoutDuration   time.Duration `env:"DURATION"`
	Growth            LockoutGrowth `env:"GROWTH"`
	// GrowthFactor and MaxLockoutDuration apply to exponential growth only.
	GrowthFactor       uint          `env:"GROWTH_FACTOR"`
	MaxLockoutDuration time.Duration `env:"MAX_DURATION"`
}

// Validate checks the configuration.
func (c LockoutConfig) Validate() error {
	if c.MaxFailedAttempts == 0 {
		return &domain.ConfigError{Field: "Lockout.MaxFailedAttempts", Reason: "must be positive"}
	}
	if c.LockoutDuration <= 0 {
		return &domain.ConfigError{Field: "Lockout.LockoutDuration", Reason: "must be positive"}
	}
	switch c.Growth {
	case LockoutGrowthFixed:
	case LockoutGrowthExponential:
		if c.GrowthFactor < 2 {
			return &domain.ConfigError{Field: "Lockout.GrowthFactor", Reason: "must be at least 2 for exponential growth"}
		}
		if c.MaxLockoutDuration < c.LockoutDuration {
			return &domain.ConfigError{Field: "Lockout.MaxLockoutDuration", Reason: "must be at least LockoutDuration"}
		}
	default:
		return &domain.ConfigError{Field: "Lockout.Growth", Reason: "must be fixed or exponential"}
	}
	return nil
}

// LockoutPolicy decides whether an account may attempt a login and how
// failures and successes change its lockout state. It never mutates its
// input and never fails.
type LockoutPolicy struct {
	config LockoutConfig
}

// NewLockoutPolicy validates cfg and creates a policy.
func NewLockoutPolicy(cfg LockoutConfig) (*LockoutPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LockoutPolicy{config: cfg}, nil
}

// MaxFailedAttempts returns the configured threshold.
func (p *LockoutPolicy) MaxFailedAttempts() uint {
	return p.config.MaxFailedAttempts
}

// Evaluate is called before the credential check. An elapsed lockout
// allows the attempt but leaves the failure counters alone.
func (p *LockoutPolicy) Evaluate(account *domain.Account, now time.Time) domain.LockoutDecision {
	if account.IsLocked(now) {
		retryAfter := account.LockedUntil.Sub(now)
		return domain.LockoutDecision{Allowed: false, RetryAfter: &retryAfter}
	}

	remaining := uint(0)
	if account.FailedAttempts < p.config.MaxFailedAttempts {
		remaining = p.config.MaxFailedAttempts - account.FailedAttempts
	}
	return domain.LockoutDecision{Allowed: true, RemainingAttempts: &remaining}
}

// RecordFailure counts a failed attempt. Reaching the threshold starts a
// lockout and resets the counter so the next window counts fresh.
func (p *LockoutPolicy) RecordFailure(account *domain.Account, now time.Time) *domain.Account {
	next := account.Clone()
	next.FailedAttempts++
	if next.FailedAttempts < p.config.MaxFailedAttempts {
		return next
	}

	until := now.Add(p.lockoutDuration(account.LockoutCount))
	next.LockedUntil = &until
	next.FailedAttempts = 0
	next.LockoutCount++
	return next
}

// RecordSuccess clears all lockout state.
func (p *LockoutPolicy) RecordSuccess(account *domain.Account) *domain.Account {
	next := account.Clone()
	next.FailedAttempts = 0
	next.LockedUntil = nil
	next.LockoutCount = 0
	return next
}

// RemainingAttempts returns how many failures are left before a lockout.
func (p *LockoutPolicy) RemainingAttempts(account *domain.Account) uint {
	if account.FailedAttempts >= p.config.MaxFailedAttempts {
		return 0
	}
	return p.config.MaxFailedAttempts - account.FailedAttempts
}

// lockoutDuration returns the duration of the lockout that follows
// priorLockouts consecutive earlier ones.
func (p *LockoutPolicy) lockoutDuration(priorLockouts uint) time.Duration {
	d := p.config.LockoutDuration
	if p.config.Growth != LockoutGrowthExponential {
		return d
	}
	factor := time.Duration(p.config.GrowthFactor)
	for i := uint(0); i < priorLockouts; i++ {
		if d >= p.config.MaxLockoutDuration/factor {
			return p.config.MaxLockoutDuration
		}
		d *= factor
	}
	if d > p.config.MaxLockoutDuration {
		return p.config.MaxLockoutDuration
	}
	return d
}
