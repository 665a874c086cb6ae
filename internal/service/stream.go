package service

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/offline-keeper/internal/auth"
	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/repository"
)

// AccessChecker decides whether a user may stream a track.
type AccessChecker struct {
	tracks repository.TrackRepository
}

// NewAccessChecker constructs AccessChecker.
func NewAccessChecker(tracks repository.TrackRepository) *AccessChecker {
	return &AccessChecker{tracks: tracks}
}

// Check passes for public tracks, the creator, and users holding an access grant.
// It returns errs.ErrNotFound or errs.ErrForbidden otherwise.
func (a *AccessChecker) Check(ctx context.Context, userID uuid.UUID, trackID string) error {
	_, err := a.track(ctx, userID, trackID)
	return err
}

func (a *AccessChecker) track(ctx context.Context, userID uuid.UUID, trackID string) (*model.CatalogTrack, error) {
	t, err := a.tracks.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if t.IsPublic || t.CreatorID == userID {
		return t, nil
	}
	ok, err := a.tracks.HasAccess(ctx, userID, trackID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("track %s: %w", trackID, errs.ErrForbidden)
	}
	return t, nil
}

// StreamService issues signed media URLs and resolves them back to files.
type StreamService interface {
	// StreamURL returns a media URL valid until the returned time.
	StreamURL(ctx context.Context, userID uuid.UUID, trackID string) (string, time.Time, error)
	// Resolve checks a media token and returns the absolute path of the audio file.
	Resolve(ctx context.Context, trackID, token string) (string, error)
}

type StreamServiceImpl struct {
	access    *AccessChecker
	tracks    repository.TrackRepository
	signKey   []byte
	ttl       time.Duration
	publicURL *url.URL
	mediaDir  string
	now       func() time.Time
}

// NewStreamService constructs StreamService. publicURL is the externally visible base of the
// backend; media URLs are built under it.
func NewStreamService(tracks repository.TrackRepository, signKey []byte, ttl time.Duration, publicURL, mediaDir string) (*StreamServiceImpl, error) {
	if len(signKey) == 0 {
		return nil, fmt.Errorf("stream service: empty sign key: %w", errs.ErrInvalid)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	base, err := url.Parse(publicURL)
	if err != nil {
		return nil, fmt.Errorf("stream service: public url: %w", err)
	}
	return &StreamServiceImpl{
		access:    NewAccessChecker(tracks),
		tracks:    tracks,
		signKey:   signKey,
		ttl:       ttl,
		publicURL: base,
		mediaDir:  mediaDir,
		now:       time.Now,
	}, nil
}

// StreamURL checks access and signs a media URL.
func (s *StreamServiceImpl) StreamURL(ctx context.Context, userID uuid.UUID, trackID string) (string, time.Time, error) {
	if userID == uuid.Nil || trackID == "" {
		return "", time.Time{}, fmt.Errorf("validation: empty userID/trackID: %w", errs.ErrInvalid)
	}
	if err := s.access.Check(ctx, userID, trackID); err != nil {
		return "", time.Time{}, err
	}
	tok, exp, err := auth.IssueMedia(s.signKey, trackID, s.ttl, s.now())
	if err != nil {
		return "", time.Time{}, err
	}
	u := s.publicURL.JoinPath("media", url.PathEscape(trackID))
	u.RawQuery = url.Values{"token": {tok}}.Encode()
	return u.String(), exp, nil
}

// Resolve verifies the token and maps the track to a file under the media root.
func (s *StreamServiceImpl) Resolve(ctx context.Context, trackID, token string) (string, error) {
	if err := auth.VerifyMedia(s.signKey, token, trackID); err != nil {
		return "", err
	}
	t, err := s.tracks.GetTrack(ctx, trackID)
	if err != nil {
		return "", err
	}
	return s.mediaPath(t.FilePath)
}

func (s *StreamServiceImpl) mediaPath(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("media path %q: %w", rel, errs.ErrNotFound)
	}
	root, err := filepath.Abs(s.mediaDir)
	if err != nil {
		return "", err
	}
	p := filepath.Join(root, filepath.Clean(rel))
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("media path %q escapes root: %w", rel, errs.ErrNotFound)
	}
	return p, nil
}
