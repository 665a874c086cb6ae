package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/offline-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/offline-keeper/internal/device"
	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/playback"
	"github.com/and161185/offline-keeper/internal/repository"
)

// Player is the playback gate: it checks authorization, unwraps, decrypts and hands out
// transient playable handles.
type Player struct {
	store    repository.OfflineStore
	backend  Backend
	conn     Connectivity
	identity Fingerprinter
	keys     KeyDeriver
	session  *playback.Session
	log      *zap.Logger
}

// NewPlayer constructs a Player. A nil session means handles are not tracked and the caller
// releases them.
func NewPlayer(store repository.OfflineStore, backend Backend, conn Connectivity, identity Fingerprinter, keys KeyDeriver, session *playback.Session, log *zap.Logger) *Player {
	if log == nil {
		log = zap.NewNop()
	}
	return &Player{
		store:    store,
		backend:  backend,
		conn:     conn,
		identity: identity,
		keys:     keys,
		session:  session,
		log:      log,
	}
}

// IsOffline reports local presence only.
func (p *Player) IsOffline(trackID string) bool {
	return p.store.Has(trackID)
}

// Open returns a playable handle for trackID on behalf of userID.
//
// Errors: errs.ErrNotAuthorized (server revoked or refused the pairing while online),
// errs.ErrNetwork (online but validation could not complete), errs.ErrNotFound,
// errs.ErrAuthFailed (unwrap/decrypt failed), errs.ErrStorage. The record is never
// deleted here.
func (p *Player) Open(ctx context.Context, trackID, userID string) (*playback.Handle, error) {
	if trackID == "" {
		return nil, fmt.Errorf("open: empty track id: %w", errs.ErrNotFound)
	}
	if userID == "" {
		return nil, fmt.Errorf("open: no user: %w", errs.ErrNotAuthorized)
	}
	log := p.log.With(zap.String("track_id", trackID))

	fp, err := p.identity.Fingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w: %v", errs.ErrStorage, err)
	}

	if p.conn.Online(ctx) {
		if err := p.validate(ctx, trackID, fp); err != nil {
			log.Info("playback refused", zap.Error(err))
			return nil, err
		}
	} else {
		log.Debug("offline, skipping pairing validation")
	}

	rec, err := p.store.Get(ctx, trackID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		if !errors.Is(err, errs.ErrStorage) {
			err = fmt.Errorf("%w: %v", errs.ErrStorage, err)
		}
		return nil, err
	}

	deviceKey, err := p.keys.Derive(userID, fp)
	if err != nil {
		return nil, fmt.Errorf("derive device key: %w: %v", errs.ErrAuthFailed, err)
	}
	defer deviceKey.Wipe()

	trackKey, err := clientcrypto.UnwrapTrackKey(rec.WrappedKey, deviceKey)
	if err != nil {
		log.Warn("track key unwrap failed", zap.Error(err))
		return nil, fmt.Errorf("unwrap: %w", asAuthFailure(err))
	}
	defer trackKey.Wipe()

	plain, err := clientcrypto.DecryptBlob(rec.EncryptedBlob, trackKey)
	if err != nil {
		log.Warn("blob decrypt failed", zap.Error(err))
		return nil, fmt.Errorf("decrypt: %w", asAuthFailure(err))
	}

	h := playback.NewHandle(trackID, plain)
	if p.session != nil {
		p.session.Start(h)
	}
	log.Debug("handle opened", zap.String("handle_id", h.ID()), zap.Int64("bytes", h.Size()))
	return h, nil
}

func (p *Player) validate(ctx context.Context, trackID, fp string) error {
	ok, err := p.backend.ValidatePairing(ctx, trackID, device.HashForServer(fp))
	switch {
	case err == nil && ok:
		return nil
	case err == nil:
		return fmt.Errorf("pairing not allowed: %w", errs.ErrNotAuthorized)
	case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrForbidden):
		return fmt.Errorf("validate pairing: %w: %v", errs.ErrNotAuthorized, err)
	case errors.Is(err, errs.ErrNetwork):
		return fmt.Errorf("validate pairing: %w", err)
	default:
		return fmt.Errorf("validate pairing: %w: %v", errs.ErrNetwork, err)
	}
}

// asAuthFailure keeps every unwrap/decrypt failure in the AuthFailed class, including
// malformed key lengths read back from a damaged record.
func asAuthFailure(err error) error {
	if errors.Is(err, errs.ErrAuthFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", errs.ErrAuthFailed, err)
}
