// Package convert maps between backend catalog rows, client metadata and library views.
package convert

import (
	"github.com/and161185/offline-keeper/internal/model"
)

// ToTrackMetadata produces the client snapshot of a catalog track.
func ToTrackMetadata(t *model.CatalogTrack) model.TrackMetadata {
	if t == nil {
		return model.TrackMetadata{}
	}
	m := model.TrackMetadata{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		CreatorName: t.CreatorName,
		Duration:    t.Duration,
		FileSize:    t.FileSize,
		CreatedAt:   t.CreatedAt.UTC(),
	}
	if !t.CreatorID.IsNil() {
		m.CreatorID = t.CreatorID.String()
	}
	return m
}

// ToOfflineTrack is the library view of a stored record.
func ToOfflineTrack(r *model.OfflineRecord) model.OfflineTrack {
	if r == nil {
		return model.OfflineTrack{}
	}
	return model.OfflineTrack{
		TrackMetadata: r.Metadata,
		DownloadedAt:  r.DownloadedAt,
		EncryptedSize: int64(len(r.EncryptedBlob)),
	}
}

// ToPlayerState records the position of the track currently playing.
func ToPlayerState(m model.TrackMetadata, currentTime float64, playing bool) *model.PlayerState {
	st := &model.PlayerState{
		Track:       &m,
		CurrentTime: currentTime,
		IsPlaying:   playing,
	}
	if m.Duration > 0 {
		st.Progress = min(100, max(0, currentTime/m.Duration*100))
	}
	return st
}
