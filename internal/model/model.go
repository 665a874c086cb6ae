// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// TrackMetadata is the descriptive snapshot copied at download time. Display only.
type TrackMetadata struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatorID   string    `json:"creatorId"`
	CreatorName string    `json:"creatorName"`
	CoverURL    string    `json:"coverUrl,omitempty"`
	Duration    float64   `json:"duration"` // seconds
	FileSize    int64     `json:"fileSize"` // bytes
	CreatedAt   time.Time `json:"createdAt"`
}

// EncryptedBlob is an opaque IV||ciphertext||tag package.
type EncryptedBlob []byte

// WrappedKey is a track key sealed under a device key: IV||ciphertext||tag.
type WrappedKey []byte

// OfflineRecord is the unit of local persistence. It exists iff the track is available offline.
type OfflineRecord struct {
	TrackID       string        `json:"trackId"`
	EncryptedBlob EncryptedBlob `json:"encryptedBlob"`
	WrappedKey    WrappedKey    `json:"wrappedKey"`
	Metadata      TrackMetadata `json:"metadata"`
	DownloadedAt  time.Time     `json:"downloadedAt"`

	// PairingPending marks a committed record whose server registration has not succeeded yet.
	PairingPending bool `json:"pairingPending,omitempty"`
}

// OfflineTrack is the library view of a stored record.
type OfflineTrack struct {
	TrackMetadata
	DownloadedAt  time.Time `json:"downloadedAt"`
	EncryptedSize int64     `json:"encryptedSize"`
}

// PlayerState is the last player position, used only to resume the UI.
type PlayerState struct {
	Track       *TrackMetadata `json:"currentTrack"`
	Progress    float64        `json:"progress"`    // 0-100
	CurrentTime float64        `json:"currentTime"` // seconds
	IsPlaying   bool           `json:"isPlaying"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Pairing is the server-side record that (user, track, device hash) may play offline.
type Pairing struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	TrackID               string
	DeviceFingerprintHash string
	CreatedAt             time.Time
}

// CatalogTrack is a server-side track row.
type CatalogTrack struct {
	ID          string
	Title       string
	Description string
	CreatorID   uuid.UUID
	CreatorName string
	FilePath    string // relative to the media root
	IsPublic    bool
	Duration    float64
	FileSize    int64
	CreatedAt   time.Time
}
