package service

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/repository"
)

// CatalogService reads and seeds the backend catalog.
type CatalogService interface {
	// Track returns a track the user may stream.
	Track(ctx context.Context, userID uuid.UUID, trackID string) (*model.CatalogTrack, error)
	// Import inserts new tracks and returns how many were added.
	Import(ctx context.Context, tracks []model.CatalogTrack) (int, error)
}

type CatalogServiceImpl struct {
	tracks   repository.TrackRepository
	access   *AccessChecker
	maxBatch int
}

// NewCatalogService constructs CatalogService.
func NewCatalogService(tracks repository.TrackRepository, maxBatch int) *CatalogServiceImpl {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	return &CatalogServiceImpl{tracks: tracks, access: NewAccessChecker(tracks), maxBatch: maxBatch}
}

// Track applies the same access rule as streaming.
func (s *CatalogServiceImpl) Track(ctx context.Context, userID uuid.UUID, trackID string) (*model.CatalogTrack, error) {
	if userID == uuid.Nil || trackID == "" {
		return nil, fmt.Errorf("validation: empty userID/trackID: %w", errs.ErrInvalid)
	}
	return s.access.track(ctx, userID, trackID)
}

// Import validates rows and inserts them in batches of maxBatch.
func (s *CatalogServiceImpl) Import(ctx context.Context, tracks []model.CatalogTrack) (int, error) {
	for i := range tracks {
		if tracks[i].ID == "" || tracks[i].FilePath == "" {
			return 0, fmt.Errorf("validation: track[%d] empty id/path: %w", i, errs.ErrInvalid)
		}
	}
	total := 0
	for start := 0; start < len(tracks); start += s.maxBatch {
		end := min(start+s.maxBatch, len(tracks))
		n, err := s.tracks.Insert(ctx, tracks[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
