package postgres

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
)

// PairingRepo implements PairingRepository using PostgreSQL.
type PairingRepo struct{ db *DB }

// NewPairingRepo constructs a pairing repository.
func NewPairingRepo(db *DB) *PairingRepo { return &PairingRepo{db: db} }

// Upsert inserts the pairing; an existing (user, track, hash) row is kept as is.
func (r *PairingRepo) Upsert(ctx context.Context, p *model.Pairing) error {
	const q = `
INSERT INTO offline_downloads (id, user_id, track_id, device_fingerprint_hash, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (user_id, track_id, device_fingerprint_hash) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, p.ID, p.UserID, p.TrackID, p.DeviceFingerprintHash, p.CreatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("track %s: %w", p.TrackID, errs.ErrNotFound)
	}
	return err
}

// Exists reports whether the exact pairing is recorded.
func (r *PairingRepo) Exists(ctx context.Context, userID uuid.UUID, trackID, hash string) (bool, error) {
	const q = `
SELECT EXISTS(
  SELECT 1 FROM offline_downloads
  WHERE user_id=$1 AND track_id=$2 AND device_fingerprint_hash=$3)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, userID, trackID, hash).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// DeleteForTrack removes all pairings of userID for trackID.
func (r *PairingRepo) DeleteForTrack(ctx context.Context, userID uuid.UUID, trackID string) (int64, error) {
	const q = `DELETE FROM offline_downloads WHERE user_id=$1 AND track_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, userID, trackID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
