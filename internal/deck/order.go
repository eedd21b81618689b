/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package deck

import (
	"math/rand"

	"github.com/google/uuid"
	"github.com/recordroom/needledrop/internal/models"
)

var columnLetters = [5]string{"B", "I", "N", "G", "O"}

// ColumnLetterFor maps a 1-based call index onto the B/I/N/G/O cycle.
func ColumnLetterFor(callIndex int) string {
	return columnLetters[(callIndex-1)%len(columnLetters)]
}

// BuildCallOrder materializes the full call deck for a session. Random mode
// applies a uniform Fisher-Yates permutation from the injected rng; setlist
// mode preserves the pool's sort order verbatim. Output length always equals
// pool length, with call_index dense and 1-based. SessionID and RoundNumber
// are left for the caller to stamp.
func BuildCallOrder(pool []models.PlaylistTrack, setlist bool, rng *rand.Rand) []models.SessionCall {
	order := make([]int, len(pool))
	for i := range order {
		order[i] = i
	}
	if !setlist {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	calls := make([]models.SessionCall, 0, len(pool))
	for pos, idx := range order {
		track := pool[idx]
		trackID := track.ID
		callIndex := pos + 1
		calls = append(calls, models.SessionCall{
			ID:              uuid.NewString(),
			PlaylistTrackID: &trackID,
			CallIndex:       callIndex,
			BallNumber:      callIndex,
			ColumnLetter:    ColumnLetterFor(callIndex),
			TrackTitle:      track.Title,
			ArtistName:      track.Artist,
			AlbumName:       track.Album,
			Side:            track.Side,
			Position:        track.Position,
			Status:          models.CallPending,
		})
	}
	return calls
}
