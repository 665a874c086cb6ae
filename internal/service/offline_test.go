package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/offline-keeper/internal/device"
	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/playback"
	"github.com/and161185/offline-keeper/internal/repository/localstore"
)

type rig struct {
	store   *memStore
	backend *fakeBackend
	conn    *switchConn
	ident   *device.Identity
	session *playback.Session
	dl      *Downloader
	player  *Player
	lib     *Library
	events  []Progress
	mu      sync.Mutex
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		store:   newMemStore(),
		backend: newFakeBackend(),
		conn:    &switchConn{online: true},
		ident:   testIdentity("salt-1"),
		session: playback.NewSession(),
	}
	keys := DeriveFunc(device.DeriveKey)
	r.dl = NewDownloader(r.store, r.backend, r.ident, keys, nil,
		WithProgressObserver(func(p Progress) {
			r.mu.Lock()
			r.events = append(r.events, p)
			r.mu.Unlock()
		}),
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }),
	)
	r.player = NewPlayer(r.store, r.backend, r.conn, r.ident, keys, r.session, nil)
	r.lib = NewLibrary(r.store, r.session, nil)
	t.Cleanup(r.session.Stop)
	return r
}

func track(id string) model.TrackMetadata {
	return model.TrackMetadata{ID: id, Title: "Title " + id, CreatorName: "someone", Duration: 12.5, FileSize: 4}
}

func readAll(t *testing.T, h *playback.Handle) []byte {
	t.Helper()
	rd, err := h.Reader()
	require.NoError(t, err)
	b, err := io.ReadAll(rd)
	require.NoError(t, err)
	return b
}

func TestDownloadThenPlay_EndToEnd(t *testing.T) {
	r := newRig(t)
	b := []byte{1, 2, 3, 4}
	r.backend.audio["t1"] = b

	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))
	require.True(t, r.player.IsOffline("t1"))

	rec, err := r.store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.NotEqual(t, b, []byte(rec.EncryptedBlob))
	require.Equal(t, "Title t1", rec.Metadata.Title)

	fp, err := r.ident.Fingerprint(context.Background())
	require.NoError(t, err)
	require.Equal(t, device.HashForServer(fp), r.backend.registered["t1"])
	require.NotContains(t, r.backend.registered["t1"], "keeper-test")

	h, err := r.player.Open(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, b, readAll(t, h))
	require.Same(t, h, r.session.Current())
}

func TestDownload_Idempotent(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = []byte("abc")

	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))
	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))

	require.Equal(t, 1, r.store.puts)
	require.Equal(t, 1, r.backend.urlCalls)
	require.Equal(t, 1, r.backend.fetchCalls)
}

func TestDownload_ConcurrentSameTrackSingleFetch(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = []byte("abc")
	r.backend.block = make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- r.dl.Download(context.Background(), "u1", track("t1"))
		}()
	}
	require.Eventually(t, func() bool {
		r.backend.mu.Lock()
		defer r.backend.mu.Unlock()
		return r.backend.fetchCalls == 1
	}, time.Second, 5*time.Millisecond)
	close(r.backend.block)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	require.Equal(t, 1, r.store.puts)
	require.Equal(t, 1, r.backend.fetchCalls)
}

func TestDownload_FailuresLeaveNoRecord(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(r *rig)
		target error
	}{
		{"stream url", func(r *rig) { r.backend.urlErr = errs.ErrForbidden }, errs.ErrForbidden},
		{"fetch", func(r *rig) { r.backend.fetchErr = fmt.Errorf("%w: 502", errs.ErrNetwork) }, errs.ErrNetwork},
		{"persist", func(r *rig) { r.store.putErr = fmt.Errorf("%w: disk full", errs.ErrStorage) }, errs.ErrStorage},
		{"persist untyped", func(r *rig) { r.store.putErr = errBoom }, errs.ErrStorage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t)
			r.backend.audio["t1"] = []byte("abc")
			tc.setup(r)

			err := r.dl.Download(context.Background(), "u1", track("t1"))
			require.ErrorIs(t, err, tc.target)
			require.False(t, r.player.IsOffline("t1"))
			_, err = r.store.Get(context.Background(), "t1")
			require.ErrorIs(t, err, errs.ErrNotFound)
			require.Empty(t, r.dl.Active())
		})
	}
}

func TestDownload_RegistrationFailureKeepsCommittedRecord(t *testing.T) {
	r := newRig(t)
	b := []byte("abcd")
	r.backend.audio["t1"] = b
	r.backend.regErr = fmt.Errorf("%w: 503", errs.ErrNetwork)
	r.backend.regBlock = make(chan struct{})

	leader := make(chan error, 1)
	go func() { leader <- r.dl.Download(context.Background(), "u1", track("t1")) }()
	require.Eventually(t, func() bool {
		r.backend.mu.Lock()
		defer r.backend.mu.Unlock()
		return r.backend.regCalls == 1
	}, time.Second, 5*time.Millisecond)

	// committed before registration: visible offline and a second caller is satisfied
	require.True(t, r.player.IsOffline("t1"))
	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))

	close(r.backend.regBlock)
	err := <-leader
	require.ErrorIs(t, err, errs.ErrPairingPending)
	require.ErrorIs(t, err, errs.ErrNetwork)

	require.True(t, r.player.IsOffline("t1"))
	rec, err := r.store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, rec.PairingPending)
	require.Zero(t, r.store.deletes)

	r.conn.set(false)
	h, err := r.player.Open(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, b, readAll(t, h))

	r.backend.mu.Lock()
	r.backend.regErr = nil
	r.backend.mu.Unlock()
	n, err := r.dl.RetryPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err = r.store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.False(t, rec.PairingPending)
	fp, err := r.ident.Fingerprint(context.Background())
	require.NoError(t, err)
	require.Equal(t, device.HashForServer(fp), r.backend.registered["t1"])

	r.conn.set(true)
	h, err = r.player.Open(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, b, readAll(t, h))

	n, err = r.dl.RetryPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRetryPending_KeepsMarkOnFailure(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = []byte("abc")
	r.backend.regErr = errs.ErrNetwork
	require.ErrorIs(t, r.dl.Download(context.Background(), "u1", track("t1")), errs.ErrPairingPending)

	n, err := r.dl.RetryPending(context.Background())
	require.ErrorIs(t, err, errs.ErrNetwork)
	require.Zero(t, n)
	rec, err := r.store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, rec.PairingPending)
}

func TestDownload_CancelBeforeCommit(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = []byte("abc")
	ctx, cancel := context.WithCancel(context.Background())
	r.dl.observer = func(p Progress) {
		if p.State == StateEncrypting {
			cancel()
		}
	}

	err := r.dl.Download(ctx, "u1", track("t1"))
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, r.player.IsOffline("t1"))
	require.Zero(t, r.store.puts)
	require.Empty(t, r.backend.registered)
}

func TestDownload_ProgressMonotonic(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = make([]byte, 1000)

	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))

	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	last := -1
	for _, e := range r.events {
		require.GreaterOrEqual(t, e.Percent, last, "state %s", e.State)
		last = e.Percent
	}
	final := r.events[len(r.events)-1]
	require.Equal(t, StateComplete, final.State)
	require.Equal(t, 100, final.Percent)
}

func TestDownload_Validation(t *testing.T) {
	r := newRig(t)
	require.ErrorIs(t, r.dl.Download(context.Background(), "u1", model.TrackMetadata{}), errs.ErrInvalid)
	require.ErrorIs(t, r.dl.Download(context.Background(), "", track("t1")), errs.ErrInvalid)
}

func TestPlay_OfflineSkipsValidation(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = []byte("offline bytes")
	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))

	r.conn.set(false)
	r.backend.validErr = fmt.Errorf("%w: dial tcp: no route", errs.ErrNetwork)

	h, err := r.player.Open(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, []byte("offline bytes"), readAll(t, h))
}

func TestPlay_RevokedPairingBlocksOnline(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = []byte("abc")
	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))

	r.backend.allowed = false
	h, err := r.player.Open(context.Background(), "t1", "u1")
	require.Nil(t, h)
	require.ErrorIs(t, err, errs.ErrNotAuthorized)
	require.Equal(t, OutcomeRevoked, Classify(err))
	require.True(t, r.player.IsOffline("t1"))
	require.Nil(t, r.session.Current())
}

func TestPlay_OnlineValidationFailures(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = []byte("abc")
	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))

	r.backend.validErr = fmt.Errorf("%w: timeout", errs.ErrNetwork)
	_, err := r.player.Open(context.Background(), "t1", "u1")
	require.Equal(t, OutcomeNeedsNetwork, Classify(err))

	r.backend.validErr = errs.ErrUnauthorized
	_, err = r.player.Open(context.Background(), "t1", "u1")
	require.ErrorIs(t, err, errs.ErrNotAuthorized)
}

func TestPlay_WrongUserOrChangedDeviceIsAuthFailure(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = []byte("abc")
	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))
	r.conn.set(false)

	_, err := r.player.Open(context.Background(), "t1", "u2")
	require.ErrorIs(t, err, errs.ErrAuthFailed)
	require.Equal(t, OutcomeCorrupted, Classify(err))

	// a wiped salt means a new fingerprint
	other := NewPlayer(r.store, r.backend, r.conn, testIdentity("salt-2"), DeriveFunc(device.DeriveKey), nil, nil)
	_, err = other.Open(context.Background(), "t1", "u1")
	require.ErrorIs(t, err, errs.ErrAuthFailed)

	require.True(t, r.player.IsOffline("t1"), "record must stay in place")
}

func TestPlay_CorruptedBlob(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = []byte("abc")
	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))
	r.conn.set(false)

	r.store.mu.Lock()
	r.store.recs["t1"].EncryptedBlob[20] ^= 0xff
	r.store.mu.Unlock()

	_, err := r.player.Open(context.Background(), "t1", "u1")
	require.ErrorIs(t, err, errs.ErrAuthFailed)

	r.store.mu.Lock()
	r.store.recs["t1"].WrappedKey = []byte{1, 2, 3}
	r.store.mu.Unlock()
	_, err = r.player.Open(context.Background(), "t1", "u1")
	require.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestPlay_MissingAndStorage(t *testing.T) {
	r := newRig(t)
	r.conn.set(false)

	_, err := r.player.Open(context.Background(), "nope", "u1")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Equal(t, OutcomeMissing, Classify(err))

	r.store.getErr = errBoom
	_, err = r.player.Open(context.Background(), "nope", "u1")
	require.ErrorIs(t, err, errs.ErrStorage)
	require.Equal(t, OutcomeStorage, Classify(err))

	_, err = r.player.Open(context.Background(), "t1", "")
	require.ErrorIs(t, err, errs.ErrNotAuthorized)
}

func TestPlay_TrackChangeReleasesPrevious(t *testing.T) {
	r := newRig(t)
	r.backend.audio["t1"] = []byte("one")
	r.backend.audio["t2"] = []byte("two")
	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t1")))
	require.NoError(t, r.dl.Download(context.Background(), "u1", track("t2")))

	h1, err := r.player.Open(context.Background(), "t1", "u1")
	require.NoError(t, err)
	h2, err := r.player.Open(context.Background(), "t2", "u1")
	require.NoError(t, err)

	require.True(t, h1.Released())
	require.False(t, h2.Released())
	_, err = h1.Bytes()
	require.ErrorIs(t, err, playback.ErrReleased)
}

func TestLibrary_ListUsageRemove(t *testing.T) {
	r := newRig(t)
	r.backend.audio["a"] = make([]byte, 10)
	r.backend.audio["b"] = make([]byte, 30)
	ctx := context.Background()

	require.NoError(t, r.dl.Download(ctx, "u1", track("a")))
	r.dl.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, r.dl.Download(ctx, "u1", track("b")))

	list, err := r.lib.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "b", list[0].ID)
	require.Equal(t, int64(30+28), list[0].EncryptedSize)

	used, err := r.lib.TotalStorageUsed(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(10+28+30+28), used)

	h, err := r.player.Open(ctx, "a", "u1")
	require.NoError(t, err)
	require.NoError(t, r.lib.Remove(ctx, "a"))
	require.True(t, h.Released())
	require.False(t, r.lib.IsOffline("a"))
	require.NoError(t, r.lib.Remove(ctx, "a"))

	used, err = r.lib.TotalStorageUsed(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(30+28), used)
}

func TestDownloadThenPlay_LocalStoreAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	backend := newFakeBackend()
	backend.audio["t1"] = []byte("persisted audio")
	salt := device.NewFileIdentityStore(dir + "/device.salt")
	sig := device.Signals{UserAgent: "ua", Platform: "linux/amd64", CPUs: 4, TimeZone: "UTC"}
	keys := device.NewKeyCache(time.Minute)
	defer keys.Stop()

	st, err := localstore.Open(dir)
	require.NoError(t, err)
	dl := NewDownloader(st, backend, device.NewIdentity(sig, salt), keys, nil)
	require.NoError(t, dl.Download(ctx, "u1", track("t1")))

	// fresh process: new store handle, new identity over the same salt file
	st2, err := localstore.Open(dir)
	require.NoError(t, err)
	require.True(t, st2.Has("t1"))
	p := NewPlayer(st2, backend, StaticConnectivity(false), device.NewIdentity(sig, device.NewFileIdentityStore(dir+"/device.salt")), device.NewKeyCache(time.Minute), nil, nil)
	h, err := p.Open(ctx, "t1", "u1")
	require.NoError(t, err)
	defer h.Release()
	b, err := h.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("persisted audio"), b)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	require.Equal(t, OutcomeOK, Classify(nil))
	require.Equal(t, OutcomeNeedsNetwork, Classify(fmt.Errorf("x: %w", errs.ErrNetwork)))
	require.Equal(t, OutcomeStorage, Classify(errBoom))
	require.Equal(t, "needs network", OutcomeNeedsNetwork.String())
}
