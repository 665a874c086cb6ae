package playback

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Session owns the currently playing handle. Starting a new one releases the previous,
// so plaintext never accumulates across track changes.
type Session struct {
	mu      sync.Mutex
	current *Handle
}

// NewSession returns an empty session.
func NewSession() *Session { return &Session{} }

// Start makes h current, releasing whatever was playing.
func (s *Session) Start(h *Handle) {
	s.mu.Lock()
	prev := s.current
	s.current = h
	h.mu.Lock()
	h.onClose = s.forget
	h.mu.Unlock()
	s.mu.Unlock()
	if prev != nil && prev != h {
		prev.Release()
	}
}

// Current returns the playing handle, if any.
func (s *Session) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stop releases the current handle.
func (s *Session) Stop() {
	s.mu.Lock()
	h := s.current
	s.current = nil
	s.mu.Unlock()
	if h != nil {
		h.Release()
	}
}

func (s *Session) forget(h *Handle) {
	s.mu.Lock()
	if s.current == h {
		s.current = nil
	}
	s.mu.Unlock()
}

// ServeHTTP exposes the current handle at /play/{id}, the loopback analogue of an object URL.
func (s *Session) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/play/")
	h := s.Current()
	if h == nil || id == "" || h.ID() != id {
		http.NotFound(w, r)
		return
	}
	rs, err := h.Reader()
	if err != nil {
		http.Error(w, "released", http.StatusGone)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, "", time.Time{}, rs)
}

// ValidateLoopback ensures addr binds to localhost only.
func ValidateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return errors.New("playback listen address must bind to localhost")
}
