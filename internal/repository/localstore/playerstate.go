package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
)

const playerStateFile = "player_state.json"

// GetPlayerState returns the saved player state. A state without a track counts as absent.
func (s *Store) GetPlayerState(ctx context.Context) (*model.PlayerState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.root, playerStateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("%w: read player state: %v", errs.ErrStorage, err)
	}
	var st model.PlayerState
	if err := json.Unmarshal(b, &st); err != nil || st.Track == nil {
		return nil, errs.ErrNotFound
	}
	return &st, nil
}

// SetPlayerState overwrites the saved player state.
func (s *Store) SetPlayerState(ctx context.Context, st *model.PlayerState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: encode player state: %v", errs.ErrStorage, err)
	}
	if err := writeAtomic(filepath.Join(s.root, playerStateFile), b); err != nil {
		return fmt.Errorf("%w: write player state: %v", errs.ErrStorage, err)
	}
	return nil
}
