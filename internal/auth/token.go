// Package auth issues and validates the bearer tokens that guard the chat
// server's API routes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of every token this package signs.
const Issuer = "azurechat"

// ErrNoSecret is returned when a TokenService is created without a secret.
var ErrNoSecret = errors.New("auth: signing secret is empty")

// Claims holds the JWT payload for access tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenService signs and validates HS256 access tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given signing secret and
// token lifetime. A non-positive ttl issues tokens that never expire.
func NewTokenService(secret []byte, ttl time.Duration) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &TokenService{secret: secret, ttl: ttl}, nil
}

// Issue generates a signed access token for subject.
func (s *TokenService) Issue(subject string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   Issuer,
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Validate parses and validates an access token, returning its claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}
