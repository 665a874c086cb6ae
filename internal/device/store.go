package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// IdentityStore persists the device salt with get/init-if-absent semantics.
type IdentityStore interface {
	// LoadOrInitSalt returns the stored salt, generating and persisting one via gen if absent.
	LoadOrInitSalt(ctx context.Context, gen func() (string, error)) (string, error)
}

// FileIdentityStore keeps the salt in a single 0600 file.
type FileIdentityStore struct {
	path string
	mu   sync.Mutex
}

// NewFileIdentityStore returns a store backed by path. The parent dir is created on first write.
func NewFileIdentityStore(path string) *FileIdentityStore {
	return &FileIdentityStore{path: filepath.Clean(path)}
}

// LoadOrInitSalt reads the salt file, creating it when missing. Creation goes through a
// hard link so concurrent processes agree on one salt.
func (s *FileIdentityStore) LoadOrInitSalt(ctx context.Context, gen func() (string, error)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if salt, err := s.read(); err == nil {
		return salt, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	salt, err := gen()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".salt-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(salt); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	// link publishes the complete file or fails if another writer won
	if err := os.Link(tmp.Name(), s.path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return s.read()
		}
		return "", err
	}
	return salt, nil
}

func (s *FileIdentityStore) read() (string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	salt := strings.TrimSpace(string(b))
	if salt == "" {
		return "", fmt.Errorf("salt file %s is empty", s.path)
	}
	return salt, nil
}

// MemoryIdentityStore keeps the salt in memory. Useful in tests.
type MemoryIdentityStore struct {
	mu   sync.Mutex
	salt string
}

// NewMemoryIdentityStore returns a store preloaded with salt; empty means absent.
func NewMemoryIdentityStore(salt string) *MemoryIdentityStore {
	return &MemoryIdentityStore{salt: salt}
}

// LoadOrInitSalt implements IdentityStore.
func (s *MemoryIdentityStore) LoadOrInitSalt(_ context.Context, gen func() (string, error)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.salt != "" {
		return s.salt, nil
	}
	salt, err := gen()
	if err != nil {
		return "", err
	}
	s.salt = salt
	return salt, nil
}

// Clear forgets the salt, as when local storage is wiped.
func (s *MemoryIdentityStore) Clear() {
	s.mu.Lock()
	s.salt = ""
	s.mu.Unlock()
}
