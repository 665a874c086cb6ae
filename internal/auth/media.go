package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/offline-keeper/internal/errs"
)

const mediaAudience = "media"

// IssueMedia signs a short-lived token granting a raw read of one track.
func IssueMedia(signKey []byte, trackID string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if len(signKey) == 0 || trackID == "" || ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("issue media token: %w", errs.ErrInvalid)
	}
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   trackID,
		Audience:  jwt.ClaimStrings{mediaAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signKey)
	return signed, exp, err
}

// VerifyMedia checks a media token for trackID.
func VerifyMedia(signKey []byte, token, trackID string) error {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return signKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(mediaAudience),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrForbidden, err)
	}
	if claims.Subject != trackID {
		return fmt.Errorf("%w: token is for another track", errs.ErrForbidden)
	}
	return nil
}
