package auth

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// TOTP parameters
	totpDigits = otp.DigitsSix
	totpPeriod = 30
	totpWindow = 1 // Allow ±30 seconds clock drift
)

// TOTPEnrollment is returned once when a TOTP secret is created.
type TOTPEnrollment struct {
	Secret string // Base32 secret (for manual entry)
	URL    string // otpauth:// URL for authenticator apps
}

// TOTPVerifier creates and checks time-based one-time passwords. It is
// used to confirm that a session flagged as suspicious belongs to the
// account holder.
type TOTPVerifier struct {
	issuer string
}

// NewTOTPVerifier creates a verifier that labels secrets with issuer.
func NewTOTPVerifier(issuer string) *TOTPVerifier {
	return &TOTPVerifier{issuer: issuer}
}

// Enroll generates a new secret for accountName.
func (v *TOTPVerifier) Enroll(accountName string) (*TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return &TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Verify reports whether code is valid for secret at now.
func (v *TOTPVerifier) Verify(secret, code string, now time.Time) bool {
	valid, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpWindow,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}
