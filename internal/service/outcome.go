package service

import (
	"errors"

	"github.com/and161185/offline-keeper/internal/errs"
)

// Outcome is the user-facing classification of a playback result.
type Outcome int

const (
	// OutcomeOK means a handle was produced.
	OutcomeOK Outcome = iota
	// OutcomeNeedsNetwork: validation could not reach the server.
	OutcomeNeedsNetwork
	// OutcomeCorrupted: unwrap/decrypt failed; remove and redownload.
	OutcomeCorrupted
	// OutcomeRevoked: the server refused the pairing.
	OutcomeRevoked
	// OutcomeMissing: the track is not stored on this device.
	OutcomeMissing
	// OutcomeStorage: local storage could not be read.
	OutcomeStorage
)

// Classify maps a Player.Open error to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, errs.ErrNotAuthorized):
		return OutcomeRevoked
	case errors.Is(err, errs.ErrAuthFailed):
		return OutcomeCorrupted
	case errors.Is(err, errs.ErrNotFound):
		return OutcomeMissing
	case errors.Is(err, errs.ErrNetwork):
		return OutcomeNeedsNetwork
	default:
		return OutcomeStorage
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNeedsNetwork:
		return "needs network"
	case OutcomeCorrupted:
		return "corrupted, remove and download again"
	case OutcomeRevoked:
		return "not authorized on this device"
	case OutcomeMissing:
		return "not available offline"
	default:
		return "storage unavailable"
	}
}
