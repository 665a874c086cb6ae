package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/offline-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/offline-keeper/internal/device"
	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/repository"
)

// State is a step of the per-download state machine.
type State string

// Download states, in order; StateError is reachable from any of them.
const (
	StateIdle          State = "idle"
	StateFetchingURL   State = "fetching-url"
	StateFetchingBytes State = "fetching-bytes"
	StateEncrypting    State = "encrypting"
	StatePersisting    State = "persisting"
	StateRegistering   State = "registering"
	StateComplete      State = "complete"
	StateError         State = "error"
)

// Progress is a UI snapshot of one download. Percent never decreases.
type Progress struct {
	TrackID string
	State   State
	Percent int
	Err     error
}

// Downloader acquires tracks: fetch, encrypt, wrap, persist, register.
type Downloader struct {
	store    repository.OfflineStore
	backend  Backend
	identity Fingerprinter
	keys     KeyDeriver
	log      *zap.Logger
	now      func() time.Time
	observer func(Progress)

	group  singleflight.Group
	mu     sync.Mutex
	active map[string]Progress
}

// DownloaderOption customizes a Downloader.
type DownloaderOption func(*Downloader)

// WithProgressObserver receives every progress change. It must not block.
func WithProgressObserver(fn func(Progress)) DownloaderOption {
	return func(d *Downloader) { d.observer = fn }
}

// WithClock replaces time.Now for downloadedAt stamps.
func WithClock(now func() time.Time) DownloaderOption {
	return func(d *Downloader) { d.now = now }
}

// NewDownloader constructs a Downloader.
func NewDownloader(store repository.OfflineStore, backend Backend, identity Fingerprinter, keys KeyDeriver, log *zap.Logger, opts ...DownloaderOption) *Downloader {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Downloader{
		store:    store,
		backend:  backend,
		identity: identity,
		keys:     keys,
		log:      log,
		now:      time.Now,
		active:   make(map[string]Progress),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Download makes track available offline for userID. It is idempotent: an offline track is
// not fetched again, and concurrent calls for one track share a single in-flight download.
// The store write is the only commit point: a failure before it leaves no record, and a
// registration failure after it keeps the record marked PairingPending and returns
// errs.ErrPairingPending.
func (d *Downloader) Download(ctx context.Context, userID string, track model.TrackMetadata) error {
	if track.ID == "" || userID == "" {
		return fmt.Errorf("download: empty track id/user id: %w", errs.ErrInvalid)
	}
	if d.store.Has(track.ID) {
		d.log.Debug("already offline", zap.String("track_id", track.ID))
		return nil
	}
	_, err, shared := d.group.Do(track.ID, func() (any, error) {
		// a download that finished between the check above and joining the group
		if d.store.Has(track.ID) {
			return nil, nil
		}
		return nil, d.download(ctx, userID, track)
	})
	if shared {
		d.log.Debug("joined in-flight download", zap.String("track_id", track.ID))
	}
	return err
}

// RetryPending registers the server pairing of every record still marked PairingPending and
// clears the mark on success. It returns how many records were registered.
func (d *Downloader) RetryPending(ctx context.Context) (int, error) {
	recs, err := d.store.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	var pending []*model.OfflineRecord
	for _, r := range recs {
		if r.PairingPending {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}
	fp, err := d.identity.Fingerprint(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	hash := device.HashForServer(fp)

	var n int
	var failed []error
	for _, r := range pending {
		if err := d.backend.RegisterPairing(ctx, r.TrackID, hash); err != nil {
			failed = append(failed, fmt.Errorf("register pairing %q: %w", r.TrackID, err))
			continue
		}
		r.PairingPending = false
		if err := d.store.Put(ctx, r); err != nil {
			failed = append(failed, fmt.Errorf("clear pending %q: %w", r.TrackID, err))
			continue
		}
		n++
	}
	if n > 0 {
		d.log.Info("pending pairings registered", zap.Int("count", n))
	}
	return n, errors.Join(failed...)
}

// Active returns snapshots of in-flight downloads.
func (d *Downloader) Active() []Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Progress, 0, len(d.active))
	for _, p := range d.active {
		out = append(out, p)
	}
	return out
}

func (d *Downloader) download(ctx context.Context, userID string, track model.TrackMetadata) (err error) {
	id := track.ID
	log := d.log.With(zap.String("track_id", id))
	start := time.Now()

	d.set(id, StateIdle, 0, nil)
	defer func() {
		if err != nil {
			d.set(id, StateError, -1, err)
			log.Warn("download failed", zap.Error(err))
		}
		d.mu.Lock()
		delete(d.active, id)
		d.mu.Unlock()
	}()

	d.set(id, StateFetchingURL, 5, nil)
	signed, err := d.backend.StreamURL(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch stream url: %w", err)
	}

	d.set(id, StateFetchingBytes, 10, nil)
	raw, err := d.backend.FetchBytes(ctx, signed, func(read, total int64) {
		if total > 0 {
			d.set(id, StateFetchingBytes, 10+int(60*read/total), nil)
		}
	})
	if err != nil {
		return fmt.Errorf("fetch audio: %w", err)
	}

	d.set(id, StateEncrypting, 80, nil)
	trackKey, err := clientcrypto.GenerateTrackKey()
	if err != nil {
		return err
	}
	defer trackKey.Wipe()
	blob, err := clientcrypto.EncryptBlob(raw, trackKey)
	wipe(raw)
	if err != nil {
		return err
	}

	fp, err := d.identity.Fingerprint(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	deviceKey, err := d.keys.Derive(userID, fp)
	if err != nil {
		return fmt.Errorf("derive device key: %w", err)
	}
	defer deviceKey.Wipe()
	wrapped, err := clientcrypto.WrapTrackKey(trackKey, deviceKey)
	if err != nil {
		return err
	}

	// abandoned downloads stop here, before anything becomes visible
	if err := ctx.Err(); err != nil {
		return err
	}

	d.set(id, StatePersisting, 90, nil)
	rec := &model.OfflineRecord{
		TrackID:       id,
		EncryptedBlob: blob,
		WrappedKey:    wrapped,
		Metadata:      track,
		DownloadedAt:  d.now().UTC(),
	}
	if err := d.store.Put(ctx, rec); err != nil {
		if !errors.Is(err, errs.ErrStorage) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", errs.ErrStorage, err)
		}
		return fmt.Errorf("persist: %w", err)
	}

	d.set(id, StateRegistering, 95, nil)
	if err := d.backend.RegisterPairing(ctx, id, device.HashForServer(fp)); err != nil {
		// the record stays committed; RetryPending finishes the pairing later
		rec.PairingPending = true
		if perr := d.store.Put(context.WithoutCancel(ctx), rec); perr != nil {
			log.Error("mark pairing pending", zap.Error(perr))
		}
		return fmt.Errorf("register pairing: %w: %w", errs.ErrPairingPending, err)
	}

	d.set(id, StateComplete, 100, nil)
	log.Info("track downloaded",
		zap.Int("encrypted_bytes", len(blob)),
		zap.Duration("dur", time.Since(start)),
	)
	return nil
}

// set records a progress change. percent < 0 keeps the previous value.
func (d *Downloader) set(id string, st State, percent int, err error) {
	d.mu.Lock()
	p := d.active[id]
	if percent < p.Percent {
		percent = p.Percent
	}
	p = Progress{TrackID: id, State: st, Percent: percent, Err: err}
	d.active[id] = p
	obs := d.observer
	d.mu.Unlock()
	if obs != nil {
		obs(p)
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
