// Package localstore implements the offline asset store on the local filesystem.
//
// Each record lives in its own file under <root>/tracks, named by the base64url of the
// track id, or by "sha256=" and the hex digest of the id when the encoded name would not
// fit a filename. A record file is framed as
//
//	magic "OKR1" | uint32 header length | JSON header | encrypted blob
//
// and is published with write-to-temp + fsync + rename, so a reader never observes a
// partially written record.
package localstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
)

const (
	tracksDir   = "tracks"
	recordExt   = ".rec"
	magic       = "OKR1"
	maxHeaderSz = 1 << 20

	// ids longer than this are stored under hashedPrefix; 180 bytes encode to 240 chars
	maxPlainID   = 180
	hashedPrefix = "sha256="
)

type header struct {
	TrackID      string              `json:"trackId"`
	WrappedKey   []byte              `json:"wrappedKey"`
	Metadata     model.TrackMetadata `json:"metadata"`
	DownloadedAt time.Time           `json:"downloadedAt"`
	Pending      bool                `json:"pairingPending,omitempty"`
}

// Store is a file-backed OfflineStore with an in-memory presence index.
type Store struct {
	root string

	mu    sync.RWMutex
	index map[string]struct{}
}

// Open prepares the directory layout and loads the presence index.
func Open(root string) (*Store, error) {
	dir := filepath.Join(root, tracksDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", errs.ErrStorage, dir, err)
	}
	s := &Store{root: root, index: make(map[string]struct{})}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reindex() error {
	dir := filepath.Join(s.root, tracksDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: list %s: %v", errs.ErrStorage, dir, err)
	}
	idx := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		stem := strings.TrimSuffix(name, recordExt)
		if strings.HasPrefix(stem, hashedPrefix) {
			h, err := readHeader(filepath.Join(dir, name))
			if err != nil || encodeName(h.TrackID) != stem {
				continue
			}
			idx[h.TrackID] = struct{}{}
			continue
		}
		id, err := decodeName(stem)
		if err != nil {
			continue
		}
		idx[id] = struct{}{}
	}
	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()
	return nil
}

func encodeName(id string) string {
	if len(id) > maxPlainID {
		sum := sha256.Sum256([]byte(id))
		return hashedPrefix + hex.EncodeToString(sum[:])
	}
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func decodeName(name string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(name)
	return string(b), err
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, tracksDir, encodeName(id)+recordExt)
}

// Put writes the record atomically and then publishes it in the index.
func (s *Store) Put(ctx context.Context, rec *model.OfflineRecord) error {
	if rec == nil || rec.TrackID == "" {
		return fmt.Errorf("put: empty track id: %w", errs.ErrInvalid)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", errs.ErrStorage, rec.TrackID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.path(rec.TrackID), buf); err != nil {
		return fmt.Errorf("%w: write %s: %v", errs.ErrStorage, rec.TrackID, err)
	}
	s.index[rec.TrackID] = struct{}{}
	return nil
}

// Get reads one record.
func (s *Store) Get(ctx context.Context, trackID string) (*model.OfflineRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	_, ok := s.index[trackID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	return s.read(trackID)
}

func (s *Store) read(trackID string) (*model.OfflineRecord, error) {
	b, err := os.ReadFile(s.path(trackID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrStorage, trackID, err)
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", errs.ErrStorage, trackID, err)
	}
	if rec.TrackID != trackID {
		return nil, fmt.Errorf("%w: record %s holds id %q", errs.ErrStorage, trackID, rec.TrackID)
	}
	return rec, nil
}

// GetAll reads every indexed record. Records deleted concurrently are skipped.
func (s *Store) GetAll(ctx context.Context) ([]*model.OfflineRecord, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)

	out := make([]*model.OfflineRecord, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.read(id)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes the record file and the index entry.
func (s *Store) Delete(ctx context.Context, trackID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(trackID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %v", errs.ErrStorage, trackID, err)
	}
	delete(s.index, trackID)
	return nil
}

// Has reports presence from the in-memory index.
func (s *Store) Has(trackID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[trackID]
	return ok
}

func encodeRecord(rec *model.OfflineRecord) ([]byte, error) {
	h, err := json.Marshal(header{
		TrackID:      rec.TrackID,
		WrappedKey:   rec.WrappedKey,
		Metadata:     rec.Metadata,
		DownloadedAt: rec.DownloadedAt.UTC(),
		Pending:      rec.PairingPending,
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(magic) + 4 + len(h) + len(rec.EncryptedBlob))
	buf.WriteString(magic)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(h)))
	buf.Write(n[:])
	buf.Write(h)
	buf.Write(rec.EncryptedBlob)
	return buf.Bytes(), nil
}

// readHeader reads only the framing and JSON header of a record file.
func readHeader(path string) (*header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var pre [len(magic) + 4]byte
	if _, err := io.ReadFull(f, pre[:]); err != nil {
		return nil, err
	}
	if string(pre[:len(magic)]) != magic {
		return nil, errors.New("bad record magic")
	}
	hl := binary.BigEndian.Uint32(pre[len(magic):])
	if hl > maxHeaderSz {
		return nil, io.ErrUnexpectedEOF
	}
	hb := make([]byte, hl)
	if _, err := io.ReadFull(f, hb); err != nil {
		return nil, err
	}
	var h header
	if err := json.Unmarshal(hb, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func decodeRecord(b []byte) (*model.OfflineRecord, error) {
	if len(b) < len(magic)+4 || string(b[:len(magic)]) != magic {
		return nil, errors.New("bad record magic")
	}
	b = b[len(magic):]
	hl := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if hl > maxHeaderSz || int(hl) > len(b) {
		return nil, io.ErrUnexpectedEOF
	}
	var h header
	if err := json.Unmarshal(b[:hl], &h); err != nil {
		return nil, err
	}
	return &model.OfflineRecord{
		TrackID:        h.TrackID,
		EncryptedBlob:  model.EncryptedBlob(b[hl:]),
		WrappedKey:     model.WrappedKey(h.WrappedKey),
		Metadata:       h.Metadata,
		DownloadedAt:   h.DownloadedAt,
		PairingPending: h.Pending,
	}, nil
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
