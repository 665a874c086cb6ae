// Package device derives the device fingerprint and the device-bound key used to wrap track keys.
//
// The fingerprint mixes stable host signals with a random salt kept in an IdentityStore.
// Losing the salt (wiped data dir) yields a new fingerprint, and every key wrapped under
// the old one becomes permanently unrecoverable.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/pbkdf2"

	"github.com/and161185/offline-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/offline-keeper/internal/errs"
)

// KDF parameters. Changing any of them orphans every stored wrapped key.
const (
	KDFIterations = 100_000
	kdfSalt       = "offline-keeper-device-v1"
)

// Signals are the stable platform inputs of a fingerprint.
type Signals struct {
	UserAgent string
	Platform  string
	CPUs      int
	TimeZone  string
}

// CurrentSignals collects signals from the running process.
func CurrentSignals(userAgent string) Signals {
	return Signals{
		UserAgent: userAgent,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		TimeZone:  timeZone(),
	}
}

func timeZone() string {
	if tz := strings.TrimSpace(os.Getenv("TZ")); tz != "" {
		return strings.TrimPrefix(tz, ":")
	}
	if target, err := filepath.EvalSymlinks("/etc/localtime"); err == nil {
		if i := strings.Index(target, "zoneinfo/"); i >= 0 {
			return target[i+len("zoneinfo/"):]
		}
	}
	return time.Local.String()
}

// Identity composes signals with the persisted salt.
type Identity struct {
	signals Signals
	store   IdentityStore
}

// NewIdentity constructs an Identity over the given salt store.
func NewIdentity(signals Signals, store IdentityStore) *Identity {
	return &Identity{signals: signals, store: store}
}

// Fingerprint returns the device fingerprint. The first call on a fresh store persists a salt.
func (id *Identity) Fingerprint(ctx context.Context) (string, error) {
	salt, err := id.store.LoadOrInitSalt(ctx, NewSalt)
	if err != nil {
		return "", fmt.Errorf("device salt: %w", err)
	}
	parts := []string{
		id.signals.UserAgent,
		id.signals.Platform,
		strconv.Itoa(id.signals.CPUs),
		id.signals.TimeZone,
		salt,
	}
	return strings.Join(parts, "|"), nil
}

// NewSalt returns a random salt: a v4 UUID plus the creation time in milliseconds.
func NewSalt() (string, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return u.String() + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10), nil
}

// HashForServer returns the hex SHA-256 of the fingerprint. Only this digest leaves the device.
func HashForServer(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// DeriveKey derives the AES-256 device key from (userID, fingerprint) with PBKDF2-SHA256.
// It is deterministic, so the key is never stored.
func DeriveKey(userID, fingerprint string) (clientcrypto.Key, error) {
	if userID == "" || fingerprint == "" {
		return nil, fmt.Errorf("derive device key: empty userID/fingerprint: %w", errs.ErrInvalid)
	}
	material := make([]byte, 0, len(userID)+1+len(fingerprint))
	material = append(material, userID...)
	material = append(material, 0)
	material = append(material, fingerprint...)
	return clientcrypto.Key(pbkdf2.Key(material, []byte(kdfSalt), KDFIterations, clientcrypto.KeyLen, sha256.New)), nil
}
