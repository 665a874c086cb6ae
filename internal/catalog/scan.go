// Package catalog builds backend track rows from audio files in a media directory.
package catalog

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/gofrs/uuid/v5"
	"github.com/tcolgate/mp3"
	"go.uber.org/zap"

	"github.com/and161185/offline-keeper/internal/model"
)

// DefaultExtensions are the audio formats picked up by Scan.
var DefaultExtensions = []string{".mp3", ".m4a", ".flac", ".ogg", ".wav"}

// trackNamespace makes track ids a stable function of the relative path, so rescans
// find the same ids and inserts are skipped.
var trackNamespace = uuid.Must(uuid.FromString("6f1d3c1e-2a55-4b8f-9d0e-8c1a4b7e2f10"))

// Owner is recorded as creator of imported tracks.
type Owner struct {
	ID   uuid.UUID
	Name string
}

// Scanner walks a media root.
type Scanner struct {
	root    string
	owner   Owner
	allowed map[string]struct{}
	log     *zap.Logger
}

// NewScanner constructs a Scanner; empty exts means DefaultExtensions.
func NewScanner(root string, owner Owner, exts []string, log *zap.Logger) *Scanner {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scanner{root: root, owner: owner, allowed: make(map[string]struct{}, len(exts)), log: log}
	for _, e := range exts {
		s.allowed[strings.ToLower(e)] = struct{}{}
	}
	return s
}

// Root returns the media root.
func (s *Scanner) Root() string { return s.root }

// Scan returns one public track per audio file, ordered by path. Unreadable files are skipped.
func (s *Scanner) Scan() ([]model.CatalogTrack, error) {
	var out []model.CatalogTrack
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			s.log.Warn("walk", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() || !s.Allowed(path) {
			return nil
		}
		t, err := s.Track(path)
		if err != nil {
			s.log.Warn("metadata", zap.String("path", path), zap.Error(err))
			return nil
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

// Allowed reports whether path has an accepted extension.
func (s *Scanner) Allowed(path string) bool {
	_, ok := s.allowed[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Track builds the catalog row for one file.
func (s *Scanner) Track(path string) (model.CatalogTrack, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.CatalogTrack{}, err
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return model.CatalogTrack{}, err
	}
	rel = filepath.ToSlash(rel)

	title, artist, comment := readTags(path)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	creatorName := s.owner.Name
	if artist != "" {
		creatorName = artist
	}

	var dur float64
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		if d, err := mp3Duration(path); err == nil {
			dur = d
		}
	}

	return model.CatalogTrack{
		ID:          uuid.NewV5(trackNamespace, rel).String(),
		Title:       title,
		Description: comment,
		CreatorID:   s.owner.ID,
		CreatorName: creatorName,
		FilePath:    rel,
		IsPublic:    true,
		Duration:    dur,
		FileSize:    info.Size(),
		CreatedAt:   info.ModTime().UTC().Round(time.Second),
	}, nil
}

func readTags(path string) (title, artist, comment string) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", ""
	}
	defer f.Close()
	meta, err := tag.ReadFrom(f)
	if err != nil {
		return "", "", ""
	}
	return strings.TrimSpace(meta.Title()), strings.TrimSpace(meta.Artist()), strings.TrimSpace(meta.Comment())
}

func mp3Duration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := mp3.NewDecoder(f)
	var (
		frame   mp3.Frame
		skipped int
		total   float64
	)
	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return 0, err
		}
		total += frame.Duration().Seconds()
	}
}
