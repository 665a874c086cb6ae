package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/and161185/offline-keeper/internal/convert"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/playback"
	"github.com/and161185/offline-keeper/internal/repository"
)

// Library is the read/remove view of the offline store.
type Library struct {
	store   repository.OfflineStore
	session *playback.Session
	log     *zap.Logger
}

// NewLibrary constructs a Library. session may be nil.
func NewLibrary(store repository.OfflineStore, session *playback.Session, log *zap.Logger) *Library {
	if log == nil {
		log = zap.NewNop()
	}
	return &Library{store: store, session: session, log: log}
}

// IsOffline reports whether trackID has a committed record.
func (l *Library) IsOffline(trackID string) bool { return l.store.Has(trackID) }

// List returns offline tracks, most recently downloaded first.
func (l *Library) List(ctx context.Context) ([]model.OfflineTrack, error) {
	recs, err := l.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list offline tracks: %w", err)
	}
	out := lo.Map(recs, func(r *model.OfflineRecord, _ int) model.OfflineTrack {
		return convert.ToOfflineTrack(r)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DownloadedAt.After(out[j].DownloadedAt)
	})
	return out, nil
}

// TotalStorageUsed is the sum of encrypted blob sizes.
func (l *Library) TotalStorageUsed(ctx context.Context) (int64, error) {
	recs, err := l.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage usage: %w", err)
	}
	return lo.SumBy(recs, func(r *model.OfflineRecord) int64 {
		return int64(len(r.EncryptedBlob))
	}), nil
}

// Remove deletes the local record and stops playback of it. The server pairing stays.
func (l *Library) Remove(ctx context.Context, trackID string) error {
	if l.session != nil {
		if h := l.session.Current(); h != nil && h.TrackID() == trackID {
			l.session.Stop()
		}
	}
	if err := l.store.Delete(ctx, trackID); err != nil {
		return fmt.Errorf("remove %s: %w", trackID, err)
	}
	l.log.Info("offline track removed", zap.String("track_id", trackID))
	return nil
}
