/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/recordroom/needledrop/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrPoolNotFound indicates the playlist has no tracks at all.
	ErrPoolNotFound = errors.New("track pool not found")
	// ErrPoolTooSmall indicates the playlist has fewer tracks than required.
	ErrPoolTooSmall = errors.New("track pool too small")
)

// Resolver loads the eligible track pool for a session. Pure read; session
// creation snapshots the result, so later playlist edits never affect a
// running game.
type Resolver struct {
	db *gorm.DB
}

// NewResolver creates a track pool resolver.
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns the playlist's tracks ordered by sort order. minimum is the
// smallest pool the caller can work with (25 for a 5x5 card game).
func (r *Resolver) Resolve(ctx context.Context, playlistID string, minimum int) ([]models.PlaylistTrack, error) {
	var tracks []models.PlaylistTrack
	if err := r.db.WithContext(ctx).
		Where("playlist_id = ?", playlistID).
		Order("sort_order asc").
		Find(&tracks).Error; err != nil {
		return nil, fmt.Errorf("resolve pool for playlist %s: %w", playlistID, err)
	}

	if len(tracks) == 0 {
		return nil, fmt.Errorf("playlist %s: %w", playlistID, ErrPoolNotFound)
	}
	if len(tracks) < minimum {
		return nil, fmt.Errorf("playlist %s has %d tracks, need %d: %w", playlistID, len(tracks), minimum, ErrPoolTooSmall)
	}

	return tracks, nil
}
