// Package playback holds decrypted audio in transient, revocable in-memory handles.
package playback

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/gofrs/uuid/v5"
)

// ErrReleased is returned by a handle whose plaintext was already released.
var ErrReleased = errors.New("playback handle released")

// Handle is a short-lived reference to decrypted audio. The owner must call Release
// once playback ends or the track changes; Release wipes the plaintext.
type Handle struct {
	id      string
	trackID string

	mu       sync.RWMutex
	data     []byte
	released bool
	onClose  func(*Handle)
}

// NewHandle takes ownership of data.
func NewHandle(trackID string, data []byte) *Handle {
	return &Handle{id: uuid.Must(uuid.NewV4()).String(), trackID: trackID, data: data}
}

// ID is the opaque handle id, usable in a loopback URL.
func (h *Handle) ID() string { return h.id }

// TrackID is the track the handle plays.
func (h *Handle) TrackID() string { return h.trackID }

// Size returns the plaintext length, or 0 after release.
func (h *Handle) Size() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(len(h.data))
}

// Released reports whether Release was called.
func (h *Handle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.released
}

// Bytes returns a copy of the plaintext.
func (h *Handle) Bytes() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released {
		return nil, ErrReleased
	}
	return append([]byte(nil), h.data...), nil
}

// Reader returns a seekable reader over the plaintext. Reads fail once the handle is released.
func (h *Handle) Reader() (io.ReadSeeker, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released {
		return nil, ErrReleased
	}
	return &reader{h: h, r: bytes.NewReader(h.data)}, nil
}

// Release wipes the plaintext. It is safe to call more than once.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	for i := range h.data {
		h.data[i] = 0
	}
	h.data = nil
	h.released = true
	cb := h.onClose
	h.mu.Unlock()
	if cb != nil {
		cb(h)
	}
}

type reader struct {
	h *Handle
	r *bytes.Reader
}

func (r *reader) Read(p []byte) (int, error) {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	if r.h.released {
		return 0, ErrReleased
	}
	return r.r.Read(p)
}

func (r *reader) Seek(offset int64, whence int) (int64, error) {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	if r.h.released {
		return 0, ErrReleased
	}
	return r.r.Seek(offset, whence)
}
