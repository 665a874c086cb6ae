package device

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/and161185/offline-keeper/internal/crypto/clientcrypto"
)

// DefaultKeyTTL bounds how long a derived device key stays in memory.
var DefaultKeyTTL = 5 * time.Minute

// cachedKey is shared between callers copying it and the cache worker wiping it on eviction.
type cachedKey struct {
	mu    sync.Mutex
	key   clientcrypto.Key
	wiped bool
}

func (c *cachedKey) copyKey() (clientcrypto.Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return nil, false
	}
	return append(clientcrypto.Key(nil), c.key...), true
}

func (c *cachedKey) wipe() {
	c.mu.Lock()
	c.key.Wipe()
	c.wiped = true
	c.mu.Unlock()
}

// KeyCache memoizes DeriveKey in memory for a short TTL; keys are never written to disk.
type KeyCache struct {
	c   *ccache.Cache[*cachedKey]
	ttl time.Duration
}

// NewKeyCache constructs a small LRU of derived device keys.
func NewKeyCache(ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	c := ccache.New(
		ccache.Configure[*cachedKey]().
			MaxSize(16).
			GetsPerPromote(3).
			ItemsToPrune(1).
			OnDelete(func(item *ccache.Item[*cachedKey]) { item.Value().wipe() }),
	)
	return &KeyCache{c: c, ttl: ttl}
}

// Derive returns a copy of the device key for (userID, fingerprint), deriving on miss.
// The caller owns the copy and may wipe it.
func (kc *KeyCache) Derive(userID, fingerprint string) (clientcrypto.Key, error) {
	item, err := kc.c.Fetch(cacheKey(userID, fingerprint), kc.ttl, func() (*cachedKey, error) {
		k, err := DeriveKey(userID, fingerprint)
		if err != nil {
			return nil, err
		}
		return &cachedKey{key: k}, nil
	})
	if err != nil {
		return nil, err
	}
	if k, ok := item.Value().copyKey(); ok {
		return k, nil
	}
	// evicted and wiped between Fetch and the copy
	return DeriveKey(userID, fingerprint)
}

// Purge wipes and drops every cached key.
func (kc *KeyCache) Purge() {
	kc.c.SyncUpdates()
	kc.c.DeleteFunc(func(string, *ccache.Item[*cachedKey]) bool { return true })
	kc.c.SyncUpdates()
}

// Stop releases the cache worker.
func (kc *KeyCache) Stop() { kc.c.Stop() }

func cacheKey(userID, fingerprint string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}
