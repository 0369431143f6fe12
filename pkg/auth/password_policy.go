package auth

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// PasswordPolicy defines secret complexity requirements checked when a
// credential is set. The zero value accepts any non-empty secret.
type PasswordPolicy struct {
	MinLength        int  `env:"MIN_LENGTH" envDefault:"0"`
	RequireUppercase bool `env:"REQUIRE_UPPERCASE" envDefault:"false"`
	RequireLowercase bool `env:"REQUIRE_LOWERCASE" envDefault:"false"`
	RequireNumber    bool `env:"REQUIRE_NUMBER" envDefault:"false"`
	RequireSpecial   bool `env:"REQUIRE_SPECIAL" envDefault:"false"`
}

// Check returns a *domain.WeakSecretError listing every rule the secret
// breaks, or nil.
func (p PasswordPolicy) Check(secret string) error {
	if secret == "" {
		return &domain.WeakSecretError{Violations: []string{"must not be empty"}, Requirements: p.Requirements()}
	}

	var violations []string
	if p.MinLength > 0 && utf8.RuneCountInString(secret) < p.MinLength {
		violations = append(violations, fmt.Sprintf("must be at least %d characters long", p.MinLength))
	}
	for _, rule := range p.rules() {
		if !strings.ContainsFunc(secret, rule.match) {
			violations = append(violations, "must contain at least one "+rule.name)
		}
	}
	if len(violations) > 0 {
		return &domain.WeakSecretError{Violations: violations, Requirements: p.Requirements()}
	}
	return nil
}

// Requirements returns a human-readable description of the policy.
func (p PasswordPolicy) Requirements() string {
	var parts []string
	if p.MinLength > 0 {
		parts = append(parts, fmt.Sprintf("at least %d characters", p.MinLength))
	}
	for _, rule := range p.rules() {
		parts = append(parts, "one "+rule.name)
	}
	if len(parts) == 0 {
		return "No password requirements"
	}
	return "Password must contain " + strings.Join(parts, ", ")
}

type charRule struct {
	name  string
	match func(rune) bool
}

func (p PasswordPolicy) rules() []charRule {
	var rules []charRule
	if p.RequireUppercase {
		rules = append(rules, charRule{"uppercase letter", unicode.IsUpper})
	}
	if p.RequireLowercase {
		rules = append(rules, charRule{"lowercase letter", unicode.IsLower})
	}
	if p.RequireNumber {
		rules = append(rules, charRule{"number", unicode.IsDigit})
	}
	if p.RequireSpecial {
		rules = append(rules, charRule{"special character", isSpecial})
	}
	return rules
}

func isSpecial(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
}
