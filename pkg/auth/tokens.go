package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

const (
	// Token lengths
	refreshTokenLen = 32
	accessNonceLen  = 16
)

// TokenGenerator produces unpredictable opaque tokens.
type TokenGenerator interface {
	Generate(byteLen int) (string, error)
}

// RandomTokenGenerator reads from crypto/rand.
type RandomTokenGenerator struct{}

// Generate implements TokenGenerator.
func (RandomTokenGenerator) Generate(byteLen int) (string, error) {
	return GenerateToken(byteLen)
}

// GenerateToken returns byteLen random bytes, base64url encoded.
func GenerateToken(byteLen int) (string, error) {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the hex SHA-256 of a token. Only hashes are stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenMatches compares a presented token against a stored hash in
// constant time. An empty stored hash matches nothing.
func TokenMatches(token, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(storedHash)) == 1
}

// FormatRefreshToken prefixes the secret with the session ID so the
// session can be located without a token index.
func FormatRefreshToken(sessionID uuid.UUID, secret string) string {
	return sessionID.String() + "." + secret
}

// ParseRefreshToken extracts the session ID from a refresh token.
func ParseRefreshToken(token string) (uuid.UUID, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" {
		return uuid.Nil, domain.ErrInvalidRefreshToken
	}
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, domain.ErrInvalidRefreshToken
	}
	return sessionID, nil
}

// AccessTokenClaims represents the claims in an access token.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// AccessTokenSigner issues and parses HS256 access tokens.
type AccessTokenSigner struct {
	secret []byte
	issuer string
}

// NewAccessTokenSigner creates a signer. The secret must be at least 32 bytes.
func NewAccessTokenSigner(secret []byte, issuer string) (*AccessTokenSigner, error) {
	if len(secret) < 32 {
		return nil, &domain.ConfigError{Field: "JWTSecret", Reason: "must be at least 32 bytes"}
	}
	return &AccessTokenSigner{secret: secret, issuer: issuer}, nil
}

// Sign creates a token for the session valid until expiresAt. nonce makes
// every issued token distinct even within the same second.
func (s *AccessTokenSigner) Sign(session *domain.Session, issuedAt, expiresAt time.Time, nonce string) (string, error) {
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.AccountID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        nonce,
		},
		SessionID: session.ID.String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// SessionID verifies the token signature and returns the session it names.
// Expiry is not checked here: the session record is authoritative.
func (s *AccessTokenSigner) SessionID(tokenString string) (uuid.UUID, error) {
	claims := &AccessTokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return uuid.Nil, errors.Join(domain.ErrTokenMismatch, err)
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return uuid.Nil, domain.ErrTokenMismatch
	}
	id, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return uuid.Nil, domain.ErrTokenMismatch
	}
	return id, nil
}
