/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/recordroom/needledrop/internal/config"
	"github.com/recordroom/needledrop/internal/deck"
	"github.com/recordroom/needledrop/internal/eventbus"
	"github.com/recordroom/needledrop/internal/events"
	"github.com/recordroom/needledrop/internal/models"
	"github.com/recordroom/needledrop/internal/pool"
	"github.com/recordroom/needledrop/internal/telemetry"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidState indicates a lifecycle transition the current status
	// does not admit.
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidMode indicates an unknown game mode on create.
	ErrInvalidMode = errors.New("invalid game mode")
)

const sessionCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
const sessionCodeLength = 6

// Service owns session creation and lifecycle transitions. All generation
// output for one session persists in a single transaction; a failed card
// build leaves nothing behind.
type Service struct {
	db       *gorm.DB
	bus      eventbus.Bus
	resolver *pool.Resolver
	defaults config.GameDefaults
	logger   zerolog.Logger
}

// NewService creates the session lifecycle service.
func NewService(db *gorm.DB, bus eventbus.Bus, defaults config.GameDefaults, logger zerolog.Logger) *Service {
	return &Service{
		db:       db,
		bus:      bus,
		resolver: pool.NewResolver(db),
		defaults: defaults,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// CreateRequest carries session creation parameters. Zero-valued optional
// fields fall back to venue defaults.
type CreateRequest struct {
	PlaylistID    string
	EventID       *string
	GameMode      models.GameMode
	SetlistMode   bool
	CardCount     int
	CardLabelMode string
	RoundCount    int

	RemoveResleeveSeconds int
	PlaceVinylSeconds     int
	CueSeconds            int
	StartSlideSeconds     int
	HostBufferSeconds     int
	OutputDelayMS         int
	RecentCallsLimit      int

	RoundEndPolicy       string
	TieBreakPolicy       string
	PoolExhaustionPolicy string

	ShowTitle     bool
	ShowLogo      bool
	ShowRounds    bool
	ShowCountdown bool

	// Seed pins the rng for reproducible decks; 0 means time-seeded.
	Seed int64
}

func (s *Service) applyDefaults(req *CreateRequest) {
	d := s.defaults
	if req.CardCount <= 0 {
		req.CardCount = d.CardCount
	}
	if req.CardLabelMode == "" {
		req.CardLabelMode = d.CardLabelMode
	}
	if req.RoundCount <= 0 {
		req.RoundCount = d.RoundCount
	}
	if req.RemoveResleeveSeconds <= 0 {
		req.RemoveResleeveSeconds = d.RemoveResleeveSeconds
	}
	if req.PlaceVinylSeconds <= 0 {
		req.PlaceVinylSeconds = d.PlaceVinylSeconds
	}
	if req.CueSeconds <= 0 {
		req.CueSeconds = d.CueSeconds
	}
	if req.StartSlideSeconds <= 0 {
		req.StartSlideSeconds = d.StartSlideSeconds
	}
	if req.HostBufferSeconds <= 0 {
		req.HostBufferSeconds = d.HostBufferSeconds
	}
	if req.OutputDelayMS <= 0 {
		req.OutputDelayMS = d.OutputDelayMS
	}
	if req.RecentCallsLimit <= 0 {
		req.RecentCallsLimit = d.RecentCallsLimit
	}
	if req.RoundEndPolicy == "" {
		req.RoundEndPolicy = d.RoundEndPolicy
	}
	if req.TieBreakPolicy == "" {
		req.TieBreakPolicy = d.TieBreakPolicy
	}
	if req.PoolExhaustionPolicy == "" {
		req.PoolExhaustionPolicy = d.PoolExhaustionPolicy
	}
}

// Create resolves the track pool, generates the call deck and cards, and
// persists the whole session atomically.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Session, error) {
	if !req.GameMode.Valid() {
		return nil, fmt.Errorf("game mode %q: %w", req.GameMode, ErrInvalidMode)
	}
	s.applyDefaults(&req)

	tracks, err := s.resolver.Resolve(ctx, req.PlaylistID, deck.MinPoolSize)
	if err != nil {
		return nil, err
	}

	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	calls := deck.BuildCallOrder(tracks, req.SetlistMode, rng)
	cards, err := deck.BuildCards(calls, req.CardCount, req.GameMode, req.CardLabelMode, rng)
	if err != nil {
		return nil, err
	}

	code, err := s.uniqueSessionCode(ctx, rng)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:          uuid.NewString(),
		EventID:     req.EventID,
		PlaylistID:  req.PlaylistID,
		SessionCode: code,
		GameMode:    req.GameMode,
		SetlistMode: req.SetlistMode,

		CardCount:     req.CardCount,
		CardLayout:    "5x5",
		CardLabelMode: req.CardLabelMode,

		RoundCount:   req.RoundCount,
		CurrentRound: 1,

		RoundEndPolicy:       req.RoundEndPolicy,
		TieBreakPolicy:       req.TieBreakPolicy,
		PoolExhaustionPolicy: req.PoolExhaustionPolicy,

		RemoveResleeveSeconds: req.RemoveResleeveSeconds,
		PlaceVinylSeconds:     req.PlaceVinylSeconds,
		CueSeconds:            req.CueSeconds,
		StartSlideSeconds:     req.StartSlideSeconds,
		HostBufferSeconds:     req.HostBufferSeconds,
		OutputDelayMS:         req.OutputDelayMS,
		SecondsToNextCall: req.RemoveResleeveSeconds + req.PlaceVinylSeconds +
			req.CueSeconds + req.StartSlideSeconds + req.HostBufferSeconds,

		RecentCallsLimit: req.RecentCallsLimit,
		ShowTitle:        req.ShowTitle,
		ShowLogo:         req.ShowLogo,
		ShowRounds:       req.ShowRounds,
		ShowCountdown:    req.ShowCountdown,

		Status:    models.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for i := range calls {
		calls[i].SessionID = session.ID
	}
	for i := range cards {
		cards[i].SessionID = session.ID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if err := tx.CreateInBatches(calls, 100).Error; err != nil {
			return fmt.Errorf("create calls: %w", err)
		}
		if err := tx.CreateInBatches(cards, 50).Error; err != nil {
			return fmt.Errorf("create cards: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("session_id", session.ID).
		Str("session_code", session.SessionCode).
		Int("calls", len(calls)).
		Int("cards", len(cards)).
		Msg("session created")

	telemetry.SessionsCreatedTotal.Inc()
	s.bus.Publish(events.EventSessionCreated, events.Payload{
		"session_id":   session.ID,
		"session_code": session.SessionCode,
		"game_mode":    string(session.GameMode),
		"call_count":   len(calls),
		"card_count":   len(cards),
	})

	return session, nil
}

func (s *Service) uniqueSessionCode(ctx context.Context, rng *rand.Rand) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		buf := make([]byte, sessionCodeLength)
		for i := range buf {
			buf[i] = sessionCodeAlphabet[rng.Intn(len(sessionCodeAlphabet))]
		}
		code := string(buf)

		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Session{}).
			Where("session_code = ?", code).Count(&count).Error; err != nil {
			return "", fmt.Errorf("check session code: %w", err)
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique session code")
}

// Get loads one session by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return &session, nil
}

// List returns sessions newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var sessions []models.Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// State is the poll payload for host, assistant, and jumbotron clients.
type State struct {
	Session          *models.Session      `json:"session"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	RemainingCalls   int64                `json:"remaining_calls"`
	CurrentCall      *models.SessionCall  `json:"current_call,omitempty"`
	CuedCall         *models.SessionCall  `json:"cued_call,omitempty"`
	RecentCalls      []models.SessionCall `json:"recent_calls"`
}

// GetState assembles the full poll state for a session. The countdown is
// recomputed from stored timestamps on every read.
func (s *Service) GetState(ctx context.Context, id string) (*State, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	state := &State{
		Session:          session,
		RemainingSeconds: session.RemainingSeconds(time.Now().UTC()),
		RecentCalls:      []models.SessionCall{},
	}

	if err := s.db.WithContext(ctx).Model(&models.SessionCall{}).
		Where("session_id = ? AND status IN ?", id, []models.CallStatus{models.CallPending, models.CallPrepStarted}).
		Count(&state.RemainingCalls).Error; err != nil {
		return nil, fmt.Errorf("count remaining calls: %w", err)
	}

	if session.CurrentCallIndex > 0 {
		var current models.SessionCall
		err := s.db.WithContext(ctx).
			Where("session_id = ? AND call_index = ?", id, session.CurrentCallIndex).
			First(&current).Error
		if err == nil {
			state.CurrentCall = &current
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load current call: %w", err)
		}
	}

	var cued models.SessionCall
	err = s.db.WithContext(ctx).
		Where("session_id = ? AND status = ?", id, models.CallPrepStarted).
		Order("call_index asc").
		First(&cued).Error
	if err == nil {
		state.CuedCall = &cued
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load cued call: %w", err)
	}

	limit := session.RecentCallsLimit
	if limit <= 0 {
		limit = 5
	}
	if err := s.db.WithContext(ctx).
		Where("session_id = ? AND status IN ?", id, []models.CallStatus{models.CallCalled, models.CallCompleted}).
		Order("call_index desc").
		Limit(limit).
		Find(&state.RecentCalls).Error; err != nil {
		return nil, fmt.Errorf("load recent calls: %w", err)
	}

	return state, nil
}

// Pause freezes the countdown and snapshots the remaining seconds.
func (s *Service) Pause(ctx context.Context, id string) (*models.Session, error) {
	var session *models.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = lockSession(tx, id)
		if err != nil {
			return err
		}
		if session.Status != models.SessionRunning {
			return fmt.Errorf("pause requires a running session, status is %s: %w", session.Status, ErrInvalidState)
		}

		now := time.Now().UTC()
		remaining := session.RemainingSeconds(now)
		session.Status = models.SessionPaused
		session.PausedAt = &now
		session.PausedRemainingSeconds = &remaining

		return tx.Model(session).Updates(map[string]any{
			"status":                   session.Status,
			"paused_at":                session.PausedAt,
			"paused_remaining_seconds": session.PausedRemainingSeconds,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.EventSessionPaused, events.Payload{"session_id": id})
	s.bus.Publish(events.EventSessionUpdated, events.Payload{"session_id": id})
	return session, nil
}

// Resume restarts the countdown from the paused snapshot.
func (s *Service) Resume(ctx context.Context, id string) (*models.Session, error) {
	var session *models.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = lockSession(tx, id)
		if err != nil {
			return err
		}
		if session.Status != models.SessionPaused {
			return fmt.Errorf("resume requires a paused session, status is %s: %w", session.Status, ErrInvalidState)
		}

		now := time.Now().UTC()
		remaining := session.SecondsToNextCall
		if session.PausedRemainingSeconds != nil {
			remaining = *session.PausedRemainingSeconds
		}
		// Rewind the countdown start so the elapsed portion stays consumed.
		restarted := now.Add(-time.Duration(session.SecondsToNextCall-remaining) * time.Second)

		session.Status = models.SessionRunning
		session.CountdownStartedAt = &restarted
		session.PausedAt = nil
		session.PausedRemainingSeconds = nil

		return tx.Model(session).Updates(map[string]any{
			"status":                   session.Status,
			"countdown_started_at":     session.CountdownStartedAt,
			"paused_at":                nil,
			"paused_remaining_seconds": nil,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.EventSessionResumed, events.Payload{"session_id": id})
	s.bus.Publish(events.EventSessionUpdated, events.Payload{"session_id": id})
	return session, nil
}

// AdvanceRound moves to the next round after external scoring confirms the
// previous one. The call pointer never rewinds; cued calls demote and the
// countdown, pause snapshot, and winner flag clear for the fresh round.
// Exhausting the configured round count completes the session.
func (s *Service) AdvanceRound(ctx context.Context, id string) (*models.Session, error) {
	var session *models.Session
	completed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = lockSession(tx, id)
		if err != nil {
			return err
		}
		if session.Status == models.SessionCompleted {
			return fmt.Errorf("session is completed: %w", ErrInvalidState)
		}

		if err := tx.Model(&models.SessionCall{}).
			Where("session_id = ? AND status = ?", id, models.CallPrepStarted).
			Updates(map[string]any{"status": models.CallPending, "prep_started_at": nil}).Error; err != nil {
			return fmt.Errorf("demote cued calls: %w", err)
		}

		now := time.Now().UTC()
		if session.CurrentRound >= session.RoundCount {
			completed = true
			session.Status = models.SessionCompleted
			session.EndedAt = &now
		} else {
			session.CurrentRound++
		}
		session.CountdownStartedAt = nil
		session.PausedAt = nil
		session.PausedRemainingSeconds = nil
		session.WinnerConfirmed = false

		updates := map[string]any{
			"current_round":            session.CurrentRound,
			"countdown_started_at":     nil,
			"paused_at":                nil,
			"paused_remaining_seconds": nil,
			"winner_confirmed":         false,
		}
		if completed {
			updates["status"] = models.SessionCompleted
			updates["ended_at"] = session.EndedAt
		}
		return tx.Model(session).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.EventRoundAdvanced, events.Payload{
		"session_id":    id,
		"current_round": session.CurrentRound,
	})
	if completed {
		s.bus.Publish(events.EventSessionCompleted, events.Payload{"session_id": id})
	}
	s.bus.Publish(events.EventSessionUpdated, events.Payload{"session_id": id})
	return session, nil
}

// Complete marks the session finished.
func (s *Service) Complete(ctx context.Context, id string) (*models.Session, error) {
	var session *models.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = lockSession(tx, id)
		if err != nil {
			return err
		}
		if session.Status == models.SessionCompleted {
			return fmt.Errorf("session already completed: %w", ErrInvalidState)
		}

		now := time.Now().UTC()
		session.Status = models.SessionCompleted
		session.EndedAt = &now
		return tx.Model(session).Updates(map[string]any{
			"status":   models.SessionCompleted,
			"ended_at": session.EndedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.EventSessionCompleted, events.Payload{"session_id": id})
	s.bus.Publish(events.EventSessionUpdated, events.Payload{"session_id": id})
	return session, nil
}

// PatchRequest carries the allow-listed display and scoring fields a PATCH
// may change. Live pointers belong to the transport state machine.
type PatchRequest struct {
	RecentCallsLimit *int  `json:"recent_calls_limit"`
	ShowTitle        *bool `json:"show_title"`
	ShowLogo         *bool `json:"show_logo"`
	ShowRounds       *bool `json:"show_rounds"`
	ShowCountdown    *bool `json:"show_countdown"`
	WinnerConfirmed  *bool `json:"winner_confirmed"`
}

// Patch applies allow-listed field updates.
func (s *Service) Patch(ctx context.Context, id string, req PatchRequest) (*models.Session, error) {
	updates := map[string]any{}
	if req.RecentCallsLimit != nil {
		updates["recent_calls_limit"] = *req.RecentCallsLimit
	}
	if req.ShowTitle != nil {
		updates["show_title"] = *req.ShowTitle
	}
	if req.ShowLogo != nil {
		updates["show_logo"] = *req.ShowLogo
	}
	if req.ShowRounds != nil {
		updates["show_rounds"] = *req.ShowRounds
	}
	if req.ShowCountdown != nil {
		updates["show_countdown"] = *req.ShowCountdown
	}
	if req.WinnerConfirmed != nil {
		updates["winner_confirmed"] = *req.WinnerConfirmed
	}

	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return session, nil
	}

	if err := s.db.WithContext(ctx).Model(session).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("patch session %s: %w", id, err)
	}

	s.bus.Publish(events.EventSessionUpdated, events.Payload{"session_id": id})
	return s.Get(ctx, id)
}

// Cards returns the session's cards.
func (s *Service) Cards(ctx context.Context, id string) ([]models.BingoCard, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	var cards []models.BingoCard
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("card_number asc").
		Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}
	return cards, nil
}

// Calls returns the session's full call deck in order.
func (s *Service) Calls(ctx context.Context, id string) ([]models.SessionCall, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	var calls []models.SessionCall
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("call_index asc").
		Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("load calls: %w", err)
	}
	return calls, nil
}

// HydrateCards refreshes card cell labels from current playlist track
// metadata. Cell identity links never change.
func (s *Service) HydrateCards(ctx context.Context, id string) ([]models.BingoCard, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var calls []models.SessionCall
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", id).
		Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("load calls: %w", err)
	}

	trackIDs := make([]string, 0, len(calls))
	callByID := make(map[string]*models.SessionCall, len(calls))
	for i := range calls {
		callByID[calls[i].ID] = &calls[i]
		if calls[i].PlaylistTrackID != nil {
			trackIDs = append(trackIDs, *calls[i].PlaylistTrackID)
		}
	}

	trackByID := make(map[string]models.PlaylistTrack, len(trackIDs))
	if len(trackIDs) > 0 {
		var tracks []models.PlaylistTrack
		if err := s.db.WithContext(ctx).Where("id IN ?", trackIDs).Find(&tracks).Error; err != nil {
			return nil, fmt.Errorf("load tracks: %w", err)
		}
		for _, t := range tracks {
			trackByID[t.ID] = t
		}
	}

	cards, err := s.Cards(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := false
	for ci := range cards {
		for gi := range cards[ci].Grid {
			cell := &cards[ci].Grid[gi]
			if cell.Free || cell.CallID == "" {
				continue
			}
			call, ok := callByID[cell.CallID]
			if !ok {
				continue
			}
			title, artist := call.TrackTitle, call.ArtistName
			if call.PlaylistTrackID != nil {
				if track, ok := trackByID[*call.PlaylistTrackID]; ok {
					title, artist = track.Title, track.Artist
				}
			}
			label := deck.CellLabel(title, artist, session.CardLabelMode)
			if cell.TrackTitle != title || cell.ArtistName != artist || cell.Label != label {
				cell.TrackTitle = title
				cell.ArtistName = artist
				cell.Label = label
				changed = true
			}
		}
	}

	if changed {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for i := range cards {
				if err := tx.Model(&cards[i]).Update("grid", cards[i].Grid).Error; err != nil {
					return fmt.Errorf("update card %d: %w", cards[i].CardNumber, err)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.bus.Publish(events.EventCardsUpdated, events.Payload{"session_id": id})
	}

	return cards, nil
}

// lockSession loads a session inside a transaction for read-verify-write.
func lockSession(tx *gorm.DB, id string) (*models.Session, error) {
	var session models.Session
	if err := tx.First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return &session, nil
}
