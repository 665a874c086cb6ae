package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/repository"
)

// PairingService records and checks device/track pairings on the backend.
type PairingService interface {
	// Register upserts the pairing; the caller must be able to stream the track.
	Register(ctx context.Context, userID uuid.UUID, trackID, fingerprintHash string) error
	// Validate reports whether the exact pairing exists.
	Validate(ctx context.Context, userID uuid.UUID, trackID, fingerprintHash string) (bool, error)
}

type PairingServiceImpl struct {
	pairs  repository.PairingRepository
	access *AccessChecker
	now    func() time.Time
}

// NewPairingService constructs PairingService.
func NewPairingService(pairs repository.PairingRepository, access *AccessChecker) *PairingServiceImpl {
	return &PairingServiceImpl{pairs: pairs, access: access, now: time.Now}
}

// Register validates input, checks access and upserts.
// Validation rules:
// - userID != uuid.Nil
// - trackID not empty
// - fingerprintHash is a hex SHA-256 digest
func (s *PairingServiceImpl) Register(ctx context.Context, userID uuid.UUID, trackID, fingerprintHash string) error {
	if err := validatePairing(userID, trackID, fingerprintHash); err != nil {
		return err
	}
	if err := s.access.Check(ctx, userID, trackID); err != nil {
		return err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	return s.pairs.Upsert(ctx, &model.Pairing{
		ID:                    id,
		UserID:                userID,
		TrackID:               trackID,
		DeviceFingerprintHash: fingerprintHash,
		CreatedAt:             s.now().UTC(),
	})
}

// Validate is a pure lookup; malformed input is simply not allowed.
func (s *PairingServiceImpl) Validate(ctx context.Context, userID uuid.UUID, trackID, fingerprintHash string) (bool, error) {
	if err := validatePairing(userID, trackID, fingerprintHash); err != nil {
		return false, nil
	}
	return s.pairs.Exists(ctx, userID, trackID, fingerprintHash)
}

func validatePairing(userID uuid.UUID, trackID, hash string) error {
	if userID == uuid.Nil || trackID == "" {
		return fmt.Errorf("validation: empty userID/trackID: %w", errs.ErrInvalid)
	}
	if len(hash) != 64 {
		return fmt.Errorf("validation: fingerprint hash must be 64 hex chars: %w", errs.ErrInvalid)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("validation: fingerprint hash: %w", errs.ErrInvalid)
	}
	return nil
}
