// Package jwt verifies the bearer tokens the identity service hands to
// marketplace users. Only HS256 access tokens are accepted.
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType is the token_type claim written by the identity service.
type TokenType string

// AccessToken is the only type this service accepts; refresh tokens stay with the identity service.
const AccessToken TokenType = "access"

// DefaultIssuer is the issuer written by GenerateAccessToken
const DefaultIssuer = "digimarket-identity"

// clockSkew tolerates small drift between this service and the identity service.
const clockSkew = 30 * time.Second

var (
	// ErrTokenExpired matches a token whose exp passed beyond the allowed skew.
	// The signature has already been checked when this is returned.
	ErrTokenExpired   = jwt.ErrTokenExpired
	ErrWrongTokenType = errors.New("invalid token type")
	ErrMissingUser    = errors.New("token has no user_id")
)

// Claims is the payload shared with the identity service.
type Claims struct {
	UserID    uuid.UUID `json:"user_id"`
	Roles     []string  `json:"roles"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// Service verifies access tokens. Tokens are issued by the identity service;
// GenerateAccessToken exists for tests and local tooling.
type Service struct {
	key    []byte
	ttl    time.Duration
	parser *jwt.Parser
}

func NewService(secret string, ttl time.Duration) *Service {
	return &Service{
		key: []byte(secret),
		ttl: ttl,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(clockSkew),
			jwt.WithIssuedAt(),
		),
	}
}

func (s *Service) keyFunc(*jwt.Token) (interface{}, error) {
	return s.key, nil
}

// GenerateAccessToken signs a token for userID the way the identity service does.
func (s *Service) GenerateAccessToken(userID uuid.UUID, roles []string) (string, error) {
	issued := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:    userID,
		Roles:     roles,
		TokenType: AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.ttl)),
		},
	}).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken checks signature, lifetime and token type, and
// returns the caller's claims.
func (s *Service) ValidateAccessToken(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, err := s.parser.ParseWithClaims(raw, claims, s.keyFunc); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	switch {
	case claims.TokenType != AccessToken:
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrWrongTokenType, AccessToken, claims.TokenType)
	case claims.UserID == uuid.Nil:
		return nil, ErrMissingUser
	}
	return claims, nil
}
