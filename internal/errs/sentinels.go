// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/service/backend layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthFailed indicates an AEAD tag mismatch: tampered data, wrong key, wrong device or user.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNotAuthorized indicates the server rejected the device/track pairing.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNetwork indicates the backend could not be reached or answered unsuccessfully.
	ErrNetwork = errors.New("network failure")

	// ErrStorage indicates the local store is unavailable or rejected a write.
	ErrStorage = errors.New("storage failure")

	// ErrUnauthorized indicates failed authentication of the caller (missing/bad token).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the caller has no access to the requested track.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalid indicates malformed input.
	ErrInvalid = errors.New("invalid argument")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPairingPending indicates a track was stored offline but its server pairing is not registered yet.
	ErrPairingPending = errors.New("pairing registration pending")
)
