package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
)

// TrackRepo implements TrackRepository using PostgreSQL.
type TrackRepo struct{ db *DB }

// NewTrackRepo constructs a track repository.
func NewTrackRepo(db *DB) *TrackRepo { return &TrackRepo{db: db} }

// GetTrack returns a track by id.
func (r *TrackRepo) GetTrack(ctx context.Context, id string) (*model.CatalogTrack, error) {
	const q = `
SELECT id, title, description, creator_id, creator_name, file_path, is_public, duration, file_size, created_at
FROM tracks WHERE id=$1`
	var t model.CatalogTrack
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(
		&t.ID, &t.Title, &t.Description, &t.CreatorID, &t.CreatorName,
		&t.FilePath, &t.IsPublic, &t.Duration, &t.FileSize, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// HasAccess reports whether an access grant exists.
func (r *TrackRepo) HasAccess(ctx context.Context, userID uuid.UUID, trackID string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM user_track_access WHERE user_id=$1 AND track_id=$2)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, userID, trackID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Grant records an access grant. A repeated grant returns errs.ErrAlreadyExists.
func (r *TrackRepo) Grant(ctx context.Context, userID uuid.UUID, trackID string) error {
	const q = `INSERT INTO user_track_access (user_id, track_id) VALUES ($1,$2)`
	_, err := r.db.Pool.Exec(ctx, q, userID, trackID)
	switch {
	case isUniqueViolation(err):
		return errs.ErrAlreadyExists
	case isForeignKeyViolation(err):
		return fmt.Errorf("track %s: %w", trackID, errs.ErrNotFound)
	}
	return err
}

// Insert adds tracks in one transaction, skipping existing ids.
func (r *TrackRepo) Insert(ctx context.Context, tracks []model.CatalogTrack) (n int, err error) {
	if len(tracks) == 0 {
		return 0, nil
	}
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const ins = `
INSERT INTO tracks (id, title, description, creator_id, creator_name, file_path, is_public, duration, file_size, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO NOTHING`
	for i, t := range tracks {
		tag, e := tx.Exec(ctx, ins,
			t.ID, t.Title, t.Description, t.CreatorID, t.CreatorName,
			t.FilePath, t.IsPublic, t.Duration, t.FileSize, t.CreatedAt,
		)
		if e != nil {
			return 0, fmt.Errorf("track[%d]: %w", i, e)
		}
		n += int(tag.RowsAffected())
	}
	return n, nil
}
