// Package auth issues and checks the HS256 bearer tokens shared by the backend and the client.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/offline-keeper/internal/errs"
)

// Issue creates a signed HS256 JWT for the given subject.
func Issue(signKey []byte, userID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	if len(signKey) == 0 || userID == uuid.Nil {
		return "", time.Time{}, fmt.Errorf("issue token: %w", errs.ErrInvalid)
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signKey)
	return signed, exp, err
}

// Verify checks signature and expiry and returns the subject as a user id.
func Verify(signKey []byte, token string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return signKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	if len(claims.Audience) > 0 {
		return uuid.Nil, fmt.Errorf("%w: not a bearer token", errs.ErrUnauthorized)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return id, nil
}

// Session is what the client knows about its token without the signing key.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// ErrNoSession is returned when no usable token is configured.
var ErrNoSession = errors.New("no valid token (login required)")

// ParseSession reads subject and expiry without verifying the signature.
// The backend remains the authority; the client only needs its own user id.
func ParseSession(token string) (Session, error) {
	if token == "" {
		return Session{}, ErrNoSession
	}
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return Session{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("parse token: empty subject: %w", ErrNoSession)
	}
	s := Session{Token: token, UserID: claims.Subject}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Expired reports whether the session has a known expiry in the past.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
