package service

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/offline-keeper/internal/device"
	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
)

// fakeBackend serves one audio payload per track and records calls.
type fakeBackend struct {
	mu         sync.Mutex
	audio      map[string][]byte
	allowed    bool
	validErr   error
	urlErr     error
	fetchErr   error
	regErr     error
	urlCalls   int
	fetchCalls int
	registered map[string]string // trackID -> hash
	block      chan struct{}     // if set, FetchBytes waits on it
	regBlock   chan struct{}     // if set, RegisterPairing waits on it
	regCalls   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		audio:      map[string][]byte{},
		allowed:    true,
		registered: map[string]string{},
	}
}

func (f *fakeBackend) StreamURL(_ context.Context, trackID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urlCalls++
	if f.urlErr != nil {
		return "", f.urlErr
	}
	return "https://media.example/" + trackID, nil
}

func (f *fakeBackend) FetchBytes(ctx context.Context, signedURL string, onChunk func(read, total int64)) ([]byte, error) {
	f.mu.Lock()
	f.fetchCalls++
	block := f.block
	err := f.fetchErr
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	b, ok := f.audio[signedURL[len("https://media.example/"):]]
	f.mu.Unlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	total := int64(len(b))
	if onChunk != nil {
		onChunk(total/2, total)
		onChunk(total, total)
	}
	return bytes.Clone(b), nil
}

func (f *fakeBackend) RegisterPairing(ctx context.Context, trackID, hash string) error {
	f.mu.Lock()
	f.regCalls++
	block := f.regBlock
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.regErr != nil {
		return f.regErr
	}
	f.registered[trackID] = hash
	return nil
}

func (f *fakeBackend) ValidatePairing(_ context.Context, trackID, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validErr != nil {
		return false, f.validErr
	}
	return f.allowed && f.registered[trackID] == hash, nil
}

// memStore is an in-memory OfflineStore with failure injection.
type memStore struct {
	mu      sync.Mutex
	recs    map[string]*model.OfflineRecord
	putErr  error
	getErr  error
	puts    int
	deletes int
}

func newMemStore() *memStore { return &memStore{recs: map[string]*model.OfflineRecord{}} }

func (m *memStore) Put(ctx context.Context, rec *model.OfflineRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.puts++
	cp := *rec
	m.recs[rec.TrackID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*model.OfflineRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	r, ok := m.recs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) GetAll(context.Context) ([]*model.OfflineRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	ids := make([]string, 0, len(m.recs))
	for id := range m.recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*model.OfflineRecord, 0, len(ids))
	for _, id := range ids {
		cp := *m.recs[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.recs, id)
	return nil
}

func (m *memStore) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recs[id]
	return ok
}

// switchConn is a Connectivity the test can flip.
type switchConn struct {
	mu     sync.Mutex
	online bool
}

func (s *switchConn) Online(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *switchConn) set(v bool) {
	s.mu.Lock()
	s.online = v
	s.mu.Unlock()
}

func testIdentity(salt string) *device.Identity {
	return device.NewIdentity(device.Signals{
		UserAgent: "keeper-test/1.0",
		Platform:  "linux/amd64",
		CPUs:      8,
		TimeZone:  "Europe/Berlin",
	}, device.NewMemoryIdentityStore(salt))
}

var errBoom = errors.New("boom")

// fakeTracks is an in-memory TrackRepository.
type fakeTracks struct {
	mu     sync.Mutex
	tracks map[string]*model.CatalogTrack
	grants map[string]bool // userID|trackID
}

func newFakeTracks(ts ...model.CatalogTrack) *fakeTracks {
	f := &fakeTracks{tracks: map[string]*model.CatalogTrack{}, grants: map[string]bool{}}
	for i := range ts {
		t := ts[i]
		f.tracks[t.ID] = &t
	}
	return f
}

func (f *fakeTracks) grant(u uuid.UUID, trackID string) {
	f.mu.Lock()
	f.grants[u.String()+"|"+trackID] = true
	f.mu.Unlock()
}

func (f *fakeTracks) GetTrack(_ context.Context, id string) (*model.CatalogTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tracks[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTracks) HasAccess(_ context.Context, u uuid.UUID, trackID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants[u.String()+"|"+trackID], nil
}

func (f *fakeTracks) Insert(_ context.Context, ts []model.CatalogTrack) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := range ts {
		if _, ok := f.tracks[ts[i].ID]; ok {
			continue
		}
		t := ts[i]
		f.tracks[t.ID] = &t
		n++
	}
	return n, nil
}

// fakePairs is an in-memory PairingRepository.
type fakePairs struct {
	mu    sync.Mutex
	pairs map[string]model.Pairing
}

func newFakePairs() *fakePairs { return &fakePairs{pairs: map[string]model.Pairing{}} }

func pairKey(u uuid.UUID, track, hash string) string { return u.String() + "|" + track + "|" + hash }

func (f *fakePairs) Upsert(_ context.Context, p *model.Pairing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := pairKey(p.UserID, p.TrackID, p.DeviceFingerprintHash)
	if _, ok := f.pairs[k]; !ok {
		f.pairs[k] = *p
	}
	return nil
}

func (f *fakePairs) Exists(_ context.Context, u uuid.UUID, track, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pairs[pairKey(u, track, hash)]
	return ok, nil
}

func (f *fakePairs) DeleteForTrack(_ context.Context, u uuid.UUID, track string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, p := range f.pairs {
		if p.UserID == u && p.TrackID == track {
			delete(f.pairs, k)
			n++
		}
	}
	return n, nil
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.Must(uuid.NewV4())
}
