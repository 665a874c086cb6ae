// Package service contains the offline download/playback services and the backend's
// pairing and stream services.
package service

import (
	"context"

	"github.com/and161185/offline-keeper/internal/crypto/clientcrypto"
)

// Backend is the client view of the streaming/pairing backend.
type Backend interface {
	// StreamURL returns a time-limited signed URL for the raw audio.
	StreamURL(ctx context.Context, trackID string) (string, error)
	// FetchBytes downloads raw audio from a signed URL.
	FetchBytes(ctx context.Context, signedURL string, onChunk func(read, total int64)) ([]byte, error)
	// RegisterPairing records the caller/track/device-hash pairing.
	RegisterPairing(ctx context.Context, trackID, fingerprintHash string) error
	// ValidatePairing checks an existing pairing.
	ValidatePairing(ctx context.Context, trackID, fingerprintHash string) (bool, error)
}

// Connectivity reports whether the device can currently reach the backend.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// StaticConnectivity is a fixed answer, e.g. for a forced offline mode.
type StaticConnectivity bool

// Online implements Connectivity.
func (s StaticConnectivity) Online(context.Context) bool { return bool(s) }

// Fingerprinter yields the current device fingerprint.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// KeyDeriver derives the device key for (userID, fingerprint).
type KeyDeriver interface {
	Derive(userID, fingerprint string) (clientcrypto.Key, error)
}

// DeriveFunc adapts a function to KeyDeriver.
type DeriveFunc func(userID, fingerprint string) (clientcrypto.Key, error)

// Derive implements KeyDeriver.
func (f DeriveFunc) Derive(userID, fingerprint string) (clientcrypto.Key, error) {
	return f(userID, fingerprint)
}
