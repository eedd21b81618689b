/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package deck

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/recordroom/needledrop/internal/models"
)

// ErrInsufficientPool indicates a card column needs more calls than the deck
// provides. Checked before anything is persisted.
var ErrInsufficientPool = errors.New("insufficient pool for card generation")

// Card label modes.
const (
	LabelTrackArtist = "track_artist"
	LabelTrackOnly   = "track_only"
)

// MinPoolSize is the smallest deck that can fill a 5x5 card.
const MinPoolSize = 25

// CellsNeeded returns the number of track cells a card requires for a mode.
func CellsNeeded(mode models.GameMode) int {
	if mode.HasFreeSpace() {
		return 24
	}
	return 25
}

// BuildCards generates count cards from the call deck. Each card picks 5
// distinct calls per column (4 for the center column when the mode has a free
// space), without replacement within the card. Deterministic for a fixed rng
// seed and deck order.
func BuildCards(calls []models.SessionCall, count int, mode models.GameMode, labelMode string, rng *rand.Rand) ([]models.BingoCard, error) {
	byColumn := make(map[string][]models.SessionCall, len(columnLetters))
	for _, call := range calls {
		byColumn[call.ColumnLetter] = append(byColumn[call.ColumnLetter], call)
	}

	freeSpace := mode.HasFreeSpace()
	for col, letter := range columnLetters {
		needed := 5
		if freeSpace && col == 2 {
			needed = 4
		}
		if len(byColumn[letter]) < needed {
			return nil, fmt.Errorf("column %s has %d calls, need %d: %w", letter, len(byColumn[letter]), needed, ErrInsufficientPool)
		}
	}

	cards := make([]models.BingoCard, 0, count)
	for n := 1; n <= count; n++ {
		grid := make([]models.CardCell, 0, 25)
		for col, letter := range columnLetters {
			needed := 5
			if freeSpace && col == 2 {
				needed = 4
			}
			picks := pickCalls(byColumn[letter], needed, rng)

			pickIdx := 0
			for row := 0; row < 5; row++ {
				if freeSpace && row == 2 && col == 2 {
					grid = append(grid, models.CardCell{
						Row:          row,
						Col:          col,
						Free:         true,
						ColumnLetter: letter,
						Label:        "FREE",
					})
					continue
				}
				call := picks[pickIdx]
				pickIdx++
				grid = append(grid, models.CardCell{
					Row:          row,
					Col:          col,
					ColumnLetter: letter,
					CallID:       call.ID,
					TrackTitle:   call.TrackTitle,
					ArtistName:   call.ArtistName,
					Label:        CellLabel(call.TrackTitle, call.ArtistName, labelMode),
				})
			}
		}
		cards = append(cards, models.BingoCard{
			ID:           uuid.NewString(),
			CardNumber:   n,
			HasFreeSpace: freeSpace,
			Grid:         grid,
		})
	}
	return cards, nil
}

// CellLabel renders the display text for a card cell.
func CellLabel(title, artist, labelMode string) string {
	if labelMode == LabelTrackOnly || artist == "" {
		return title
	}
	return title + " - " + artist
}

// pickCalls shuffles a copy of the column's calls and takes the first n.
func pickCalls(column []models.SessionCall, n int, rng *rand.Rand) []models.SessionCall {
	shuffled := append([]models.SessionCall(nil), column...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}
