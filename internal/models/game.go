/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// GameMode is the win-pattern ruleset for a bingo session.
type GameMode string

const (
	ModeSingleLine  GameMode = "single_line"
	ModeDoubleLine  GameMode = "double_line"
	ModeTripleLine  GameMode = "triple_line"
	ModeCrissCross  GameMode = "criss_cross"
	ModeFourCorners GameMode = "four_corners"
	ModeBlackout    GameMode = "blackout"
	ModeDeath       GameMode = "death"
)

// HasFreeSpace reports whether cards in this mode carry a free center cell.
// Blackout and death require every cell to be claimable.
func (m GameMode) HasFreeSpace() bool {
	switch m {
	case ModeBlackout, ModeDeath:
		return false
	default:
		return true
	}
}

// Valid reports whether the mode is one of the known rulesets.
func (m GameMode) Valid() bool {
	switch m {
	case ModeSingleLine, ModeDoubleLine, ModeTripleLine, ModeCrissCross, ModeFourCorners, ModeBlackout, ModeDeath:
		return true
	}
	return false
}

// SessionStatus tracks the session lifecycle.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// CallStatus tracks one call through the transport state machine.
type CallStatus string

const (
	CallPending     CallStatus = "pending"
	CallPrepStarted CallStatus = "prep_started"
	CallCalled      CallStatus = "called"
	CallCompleted   CallStatus = "completed"
	CallSkipped     CallStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s CallStatus) Terminal() bool {
	return s == CallCompleted || s == CallSkipped
}

// Session aggregates game configuration and the live transport pointers.
// Live pointers (current_call_index, status, countdown/pause fields) are
// mutated only inside the transport and lifecycle transactions.
type Session struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	EventID     *string
	PlaylistID  string   `gorm:"type:uuid;index"`
	SessionCode string   `gorm:"uniqueIndex;type:varchar(8)"`
	GameMode    GameMode `gorm:"type:varchar(24)"`
	SetlistMode bool

	CardCount     int
	CardLayout    string `gorm:"type:varchar(8)"`
	CardLabelMode string `gorm:"type:varchar(16)"`

	RoundCount   int
	CurrentRound int

	// Policy strings consumed by the host-facing scoring layer; the engine
	// stores and surfaces them verbatim.
	RoundEndPolicy       string `gorm:"type:varchar(32)"`
	TieBreakPolicy       string `gorm:"type:varchar(32)"`
	PoolExhaustionPolicy string `gorm:"type:varchar(32)"`

	// Pacing budgets in seconds; advisory durations for display countdowns.
	RemoveResleeveSeconds int
	PlaceVinylSeconds     int
	CueSeconds            int
	StartSlideSeconds     int
	HostBufferSeconds     int
	OutputDelayMS         int
	SecondsToNextCall     int

	RecentCallsLimit int
	ShowTitle        bool
	ShowLogo         bool
	ShowRounds       bool
	ShowCountdown    bool

	CurrentCallIndex       int
	WinnerConfirmed        bool
	CountdownStartedAt     *time.Time
	PausedAt               *time.Time
	PausedRemainingSeconds *int

	Status    SessionStatus `gorm:"type:varchar(16);index"`
	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingSeconds computes the display countdown from stored timestamps so
// no server-side timer is needed; any client can derive the same value.
func (s *Session) RemainingSeconds(now time.Time) int {
	if s.PausedAt != nil {
		if s.PausedRemainingSeconds != nil {
			if *s.PausedRemainingSeconds > 0 {
				return *s.PausedRemainingSeconds
			}
			return 0
		}
		return s.SecondsToNextCall
	}
	if s.CountdownStartedAt == nil {
		return s.SecondsToNextCall
	}
	elapsed := int(now.Sub(*s.CountdownStartedAt).Seconds())
	remaining := s.SecondsToNextCall - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SessionCall is one scheduled play event within a session. call_index is a
// dense, strictly increasing 1-based integer defining playback order. Rows
// are created once at session creation (backup inserts append at the tail);
// only status, round stamp, and timestamps mutate afterwards.
type SessionCall struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	SessionID       string `gorm:"type:uuid;index:idx_session_call_order,priority:1"`
	PlaylistTrackID *string
	RoundNumber     int
	CallIndex       int    `gorm:"index:idx_session_call_order,priority:2"`
	BallNumber      int
	ColumnLetter    string `gorm:"type:varchar(1)"`
	TrackTitle      string
	ArtistName      string
	AlbumName       string
	Side            string `gorm:"type:varchar(8)"`
	Position        string `gorm:"type:varchar(16)"`
	Status          CallStatus `gorm:"type:varchar(16);index"`
	PrepStartedAt   *time.Time
	CalledAt        *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CardCell is one cell in a card grid. CallID identity links are fixed at
// generation time; only Label/title/artist may be re-hydrated later.
type CardCell struct {
	Row          int    `json:"row"`
	Col          int    `json:"col"`
	Free         bool   `json:"free"`
	ColumnLetter string `json:"column_letter"`
	CallID       string `json:"call_id,omitempty"`
	TrackTitle   string `json:"track_title"`
	ArtistName   string `json:"artist_name"`
	Label        string `json:"label"`
}

// BingoCard is one player's grid of calls.
type BingoCard struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	SessionID    string `gorm:"type:uuid;index"`
	CardNumber   int
	HasFreeSpace bool
	Grid         []CardCell `gorm:"serializer:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionEvent is one row in the append-only session event log: one row per
// transport transition plus lifecycle markers, ordered by creation time.
type SessionEvent struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	SessionID string         `gorm:"type:uuid;index"`
	EventType string         `gorm:"type:varchar(32);index"`
	Payload   map[string]any `gorm:"serializer:json"`
	CreatedAt time.Time      `gorm:"index"`
}
