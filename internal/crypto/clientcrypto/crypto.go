// Package clientcrypto contains client-side primitives for track encryption and key wrapping.
package clientcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/and161185/offline-keeper/internal/errs"
)

// Params
const (
	KeyLen   = 32 // AES-256
	IVLen    = 12 // 96-bit GCM nonce
	TagLen   = 16 // 128-bit GCM tag
	Overhead = IVLen + TagLen
)

// ErrAuthentication is returned when a package fails AEAD authentication:
// tampered or truncated data, or the wrong key. It matches errs.ErrAuthFailed.
var ErrAuthentication = fmt.Errorf("clientcrypto: %w", errs.ErrAuthFailed)

// ErrKeyLength is returned for keys that are not KeyLen bytes.
var ErrKeyLength = errors.New("clientcrypto: key must be 32 bytes")

// Key is a raw AES-256 key. Track keys are random; device keys are derived.
type Key []byte

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateTrackKey returns a fresh random 256-bit key.
func GenerateTrackKey() (Key, error) {
	k, err := Rand(KeyLen)
	if err != nil {
		return nil, fmt.Errorf("generate track key: %w", err)
	}
	return Key(k), nil
}

// Wipe zeroes the key in place.
func (k Key) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

func newGCM(key Key) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, ErrKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithTagSize(block, TagLen)
}

// seal encrypts plaintext under key with a fresh random IV and returns IV||ciphertext||tag.
func seal(key Key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv, err := Rand(IVLen)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, IVLen+len(plaintext)+TagLen)
	out = append(out, iv...)
	return aead.Seal(out, iv, plaintext, nil), nil
}

// open splits the first IVLen bytes as IV and authenticates the remainder.
func open(key Key, pkg []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(pkg) < Overhead {
		return nil, ErrAuthentication
	}
	pt, err := aead.Open(nil, pkg[:IVLen], pkg[IVLen:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}

// EncryptBlob encrypts plaintext with the track key. A new IV is drawn on every call.
func EncryptBlob(plaintext []byte, key Key) ([]byte, error) {
	out, err := seal(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt blob: %w", err)
	}
	return out, nil
}

// DecryptBlob decrypts an IV||ciphertext||tag package. Integrity failures return ErrAuthentication.
func DecryptBlob(pkg []byte, key Key) ([]byte, error) {
	pt, err := open(key, pkg)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}
	return pt, nil
}

// WrapTrackKey seals the raw track key under the device key.
func WrapTrackKey(trackKey, deviceKey Key) ([]byte, error) {
	if len(trackKey) != KeyLen {
		return nil, ErrKeyLength
	}
	out, err := seal(deviceKey, trackKey)
	if err != nil {
		return nil, fmt.Errorf("wrap track key: %w", err)
	}
	return out, nil
}

// UnwrapTrackKey opens a wrapped track key. A device key that differs from the one used
// to wrap fails with ErrAuthentication instead of returning garbage.
func UnwrapTrackKey(wrapped []byte, deviceKey Key) (Key, error) {
	raw, err := open(deviceKey, wrapped)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("unwrap track key: %w", err)
	}
	if len(raw) != KeyLen {
		return nil, ErrAuthentication
	}
	return Key(raw), nil
}
