// Package auth implements C1 Identity & Tokens: user login producing an
// HS256 user bearer token, device bearer tokens stored only as a salted
// hash, first-run admin bootstrap, and principal resolution shared by
// every authenticated HTTP route.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth: jwt signing disabled (no secret configured)")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// jwtService signs and verifies the user bearer token (spec.md §4.1:
// "HS256-signed, ~hour-scale expiry").
type jwtService struct {
	secret []byte
	expiry time.Duration
}

func newJWTService(secret string, expiry time.Duration) *jwtService {
	return &jwtService{secret: []byte(secret), expiry: expiry}
}

// userClaims embeds the registered claims; Subject carries the user id.
type userClaims struct {
	jwt.RegisteredClaims
}

func (s *jwtService) generate(userID string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: user id required")
	}

	claims := userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *jwtService) validate(token string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &userClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*userClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
