// Package repository declares storage interfaces used by services.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/offline-keeper/internal/model"
)

// PairingRepository stores server-side device/track pairings.
type PairingRepository interface {
	// Upsert records (user, track, hash); repeating the call is a no-op.
	Upsert(ctx context.Context, p *model.Pairing) error
	// Exists reports whether the exact (user, track, hash) pairing is recorded.
	Exists(ctx context.Context, userID uuid.UUID, trackID, fingerprintHash string) (bool, error)
	// DeleteForTrack drops every pairing of a user for a track; returns affected rows.
	DeleteForTrack(ctx context.Context, userID uuid.UUID, trackID string) (int64, error)
}

// TrackRepository provides read access to the server catalog and access grants.
type TrackRepository interface {
	// GetTrack returns a catalog track or errs.ErrNotFound.
	GetTrack(ctx context.Context, id string) (*model.CatalogTrack, error)
	// HasAccess reports whether the user holds an access grant for the track.
	HasAccess(ctx context.Context, userID uuid.UUID, trackID string) (bool, error)
	// Insert adds catalog tracks, skipping ids that already exist; returns inserted count.
	Insert(ctx context.Context, tracks []model.CatalogTrack) (int, error)
}
