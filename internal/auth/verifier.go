// Package auth verifies the opaque bearer tokens clients present on connect.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/xiaot623/chatrelay/internal/domain"
)

var (
	// ErrMissingToken is returned when no token was supplied.
	ErrMissingToken = errors.New("token is required")
	// ErrInvalidToken is returned when the token fails signature or claim checks.
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier validates a session token and extracts its claims.
type Verifier interface {
	Verify(token string) (domain.Metadata, error)
}

// JWTVerifier accepts HMAC-signed JWTs.
type JWTVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewJWTVerifier creates a verifier for HS256/HS384/HS512 tokens. Issuer and
// audience are enforced when non-empty.
func NewJWTVerifier(secret, issuer, audience string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("auth secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTVerifier{secret: []byte(secret), opts: opts}, nil
}

// Verify parses and validates token. It performs no I/O.
func (v *JWTVerifier) Verify(token string) (domain.Metadata, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, domain.AuthError(ErrMissingToken)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return nil, domain.AuthError(errors.Wrap(ErrInvalidToken, err.Error()))
	}
	if !parsed.Valid {
		return nil, domain.AuthError(ErrInvalidToken)
	}

	meta := make(domain.Metadata, len(claims))
	for k, val := range claims {
		meta[k] = val
	}
	return meta, nil
}

// StaticVerifier maps known tokens to fixed metadata. It backs local
// development and tests where no signing secret is configured.
type StaticVerifier map[string]domain.Metadata

// Verify looks the token up.
func (s StaticVerifier) Verify(token string) (domain.Metadata, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, domain.AuthError(ErrMissingToken)
	}
	meta, ok := s[token]
	if !ok {
		return nil, domain.AuthError(ErrInvalidToken)
	}
	out := make(domain.Metadata, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out, nil
}
