package repository

import (
	"context"

	"github.com/and161185/offline-keeper/internal/model"
)

// OfflineStore is the local system of record for offline tracks, keyed by track id.
// Writes are atomic per key: readers see either the previous or the new complete record.
type OfflineStore interface {
	// Put upserts a record. It is the single commit point of a download.
	Put(ctx context.Context, rec *model.OfflineRecord) error
	// Get returns the record or errs.ErrNotFound.
	Get(ctx context.Context, trackID string) (*model.OfflineRecord, error)
	// GetAll returns every committed record.
	GetAll(ctx context.Context) ([]*model.OfflineRecord, error)
	// Delete removes the record; deleting an absent id is not an error.
	Delete(ctx context.Context, trackID string) error
	// Has reports presence from the in-memory index without touching storage.
	Has(trackID string) bool
}

// PlayerStateStore keeps the last player position for UI resume.
type PlayerStateStore interface {
	// GetPlayerState returns the saved state or errs.ErrNotFound.
	GetPlayerState(ctx context.Context) (*model.PlayerState, error)
	// SetPlayerState overwrites the saved state.
	SetPlayerState(ctx context.Context, st *model.PlayerState) error
}
