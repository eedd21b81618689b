/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/recordroom/needledrop/internal/eventbus"
	"github.com/recordroom/needledrop/internal/events"
	"github.com/recordroom/needledrop/internal/models"
	"github.com/recordroom/needledrop/internal/telemetry"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCallNotFound indicates an unknown call id within the session.
	ErrCallNotFound = errors.New("call not found")
	// ErrOrderingViolation indicates a target behind the call pointer.
	ErrOrderingViolation = errors.New("call ordering violation")
	// ErrConflictingState indicates the target's status does not admit the
	// requested transition.
	ErrConflictingState = errors.New("conflicting call state")
)

// Transport event types written to the session event log.
const (
	eventPullSet     = "pull_set"
	eventCueSet      = "cue_set"
	eventCallSet     = "call_set"
	eventCallSkipped = "call_skipped"
)

// Service drives the pull / cue / call state machine. Every action is one
// transaction that re-reads and validates the persisted session pointer, so
// concurrent host consoles cannot half-apply a transition.
type Service struct {
	db     *gorm.DB
	bus    eventbus.Bus
	logger zerolog.Logger
}

// NewService creates the transport service.
func NewService(db *gorm.DB, bus eventbus.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "transport").Logger(),
	}
}

// Result reports the state after a successful transport action.
type Result struct {
	Session    *models.Session     `json:"session"`
	Call       *models.SessionCall `json:"call,omitempty"`
	CuedCall   *models.SessionCall `json:"cued_call,omitempty"`
	PullTarget *models.SessionCall `json:"pull_target,omitempty"`
}

type busEvent struct {
	eventType events.EventType
	payload   events.Payload
}

// Pull marks a call as the upcoming pull target. Advisory only: it records
// an event row and touches no call status. The target must be pending and
// strictly ahead of the call pointer.
func (s *Service) Pull(ctx context.Context, sessionID, callID string) (*Result, error) {
	result := &Result{}
	var pending []busEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, call, err := loadTarget(tx, sessionID, callID)
		if err != nil {
			return err
		}
		if call.Status.Terminal() {
			return fmt.Errorf("call %d is %s: %w", call.CallIndex, call.Status, ErrConflictingState)
		}
		if call.CallIndex <= session.CurrentCallIndex {
			return fmt.Errorf("call %d is at or behind pointer %d: %w", call.CallIndex, session.CurrentCallIndex, ErrOrderingViolation)
		}
		if call.Status != models.CallPending {
			return fmt.Errorf("call %d is %s, pull needs pending: %w", call.CallIndex, call.Status, ErrConflictingState)
		}

		if err := logEvent(tx, sessionID, eventPullSet, events.Payload{
			"call_id":    call.ID,
			"call_index": call.CallIndex,
		}); err != nil {
			return err
		}
		pending = append(pending, busEvent{events.EventPullSet, events.Payload{
			"session_id": sessionID,
			"call_id":    call.ID,
			"call_index": call.CallIndex,
		}})

		result.Session = session
		result.PullTarget = call
		return nil
	})
	if err != nil {
		telemetry.TransportActionsTotal.WithLabelValues("pull", "rejected").Inc()
		return nil, err
	}

	telemetry.TransportActionsTotal.WithLabelValues("pull", "ok").Inc()
	s.flush(pending)
	return result, nil
}

// Cue marks a call as on the second turntable. Any previously cued call in
// the session demotes back to pending; the next pull target beyond the cue
// is derived and logged.
func (s *Service) Cue(ctx context.Context, sessionID, callID string) (*Result, error) {
	result := &Result{}
	var pending []busEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, call, err := loadTarget(tx, sessionID, callID)
		if err != nil {
			return err
		}
		if call.Status.Terminal() {
			return fmt.Errorf("call %d is %s: %w", call.CallIndex, call.Status, ErrConflictingState)
		}
		if call.CallIndex <= session.CurrentCallIndex {
			return fmt.Errorf("call %d is at or behind pointer %d: %w", call.CallIndex, session.CurrentCallIndex, ErrOrderingViolation)
		}

		if err := demoteCued(tx, sessionID, call.ID); err != nil {
			return err
		}

		now := time.Now().UTC()
		call.Status = models.CallPrepStarted
		call.PrepStartedAt = &now
		if err := tx.Model(call).Updates(map[string]any{
			"status":          models.CallPrepStarted,
			"prep_started_at": call.PrepStartedAt,
		}).Error; err != nil {
			return fmt.Errorf("cue call: %w", err)
		}

		if err := logEvent(tx, sessionID, eventCueSet, events.Payload{
			"call_id":    call.ID,
			"call_index": call.CallIndex,
		}); err != nil {
			return err
		}
		pending = append(pending, busEvent{events.EventCueSet, events.Payload{
			"session_id": sessionID,
			"call_id":    call.ID,
			"call_index": call.CallIndex,
		}})

		pullTarget, err := firstPendingAfter(tx, sessionID, call.CallIndex)
		if err != nil {
			return err
		}
		if pullTarget != nil {
			if err := logEvent(tx, sessionID, eventPullSet, events.Payload{
				"call_id":    pullTarget.ID,
				"call_index": pullTarget.CallIndex,
			}); err != nil {
				return err
			}
			pending = append(pending, busEvent{events.EventPullSet, events.Payload{
				"session_id": sessionID,
				"call_id":    pullTarget.ID,
				"call_index": pullTarget.CallIndex,
			}})
		}

		result.Session = session
		result.CuedCall = call
		result.PullTarget = pullTarget
		return nil
	})
	if err != nil {
		telemetry.TransportActionsTotal.WithLabelValues("cue", "rejected").Inc()
		return nil, err
	}

	telemetry.TransportActionsTotal.WithLabelValues("cue", "ok").Inc()
	s.flush(pending)
	return result, nil
}

// Call makes a call live. The previous live call finalizes, the session
// pointer advances, the countdown restarts, and the one-ahead cue plus
// two-ahead pull targets are derived in the same transaction.
func (s *Service) Call(ctx context.Context, sessionID, callID string) (*Result, error) {
	result, pending, err := s.callInTx(ctx, sessionID, callID)
	if err != nil {
		telemetry.TransportActionsTotal.WithLabelValues("call", "rejected").Inc()
		return nil, err
	}

	telemetry.TransportActionsTotal.WithLabelValues("call", "ok").Inc()
	s.flush(pending)
	return result, nil
}

func (s *Service) callInTx(ctx context.Context, sessionID, callID string) (*Result, []busEvent, error) {
	result := &Result{}
	var pending []busEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, call, err := loadTarget(tx, sessionID, callID)
		if err != nil {
			return err
		}
		evs, err := applyCall(tx, session, call)
		if err != nil {
			return err
		}
		pending = evs

		result.Session = session
		result.Call = call

		var cued models.SessionCall
		if err := tx.Where("session_id = ? AND status = ?", sessionID, models.CallPrepStarted).
			Order("call_index asc").First(&cued).Error; err == nil {
			result.CuedCall = &cued
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load cued call: %w", err)
		}
		if result.CuedCall != nil {
			result.PullTarget, err = firstPendingAfter(tx, sessionID, result.CuedCall.CallIndex)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, pending, nil
}

// applyCall performs the call transition inside an open transaction.
func applyCall(tx *gorm.DB, session *models.Session, call *models.SessionCall) ([]busEvent, error) {
	var pending []busEvent
	sessionID := session.ID

	if call.Status.Terminal() {
		return nil, fmt.Errorf("call %d is %s: %w", call.CallIndex, call.Status, ErrConflictingState)
	}
	if call.CallIndex < session.CurrentCallIndex {
		return nil, fmt.Errorf("call %d is behind pointer %d: %w", call.CallIndex, session.CurrentCallIndex, ErrOrderingViolation)
	}

	now := time.Now().UTC()

	// Finalize every non-terminal call behind the new live call. Jumping the
	// pointer forward completes the passed-over calls; skipped ones stay
	// skipped.
	if err := tx.Model(&models.SessionCall{}).
		Where("session_id = ? AND call_index < ? AND status IN ?", sessionID, call.CallIndex,
			[]models.CallStatus{models.CallPending, models.CallPrepStarted, models.CallCalled}).
		Updates(map[string]any{"status": models.CallCompleted, "completed_at": now}).Error; err != nil {
		return nil, fmt.Errorf("finalize passed calls: %w", err)
	}

	// Any cue ahead of the new live call demotes back to pending.
	if err := demoteCued(tx, sessionID, call.ID); err != nil {
		return nil, err
	}

	call.Status = models.CallCalled
	call.CalledAt = &now
	call.RoundNumber = session.CurrentRound
	if err := tx.Model(call).Updates(map[string]any{
		"status":       models.CallCalled,
		"called_at":    call.CalledAt,
		"round_number": call.RoundNumber,
	}).Error; err != nil {
		return nil, fmt.Errorf("mark call live: %w", err)
	}

	session.CurrentCallIndex = call.CallIndex
	session.Status = models.SessionRunning
	session.CountdownStartedAt = &now
	session.PausedAt = nil
	session.PausedRemainingSeconds = nil
	updates := map[string]any{
		"current_call_index":       call.CallIndex,
		"status":                   models.SessionRunning,
		"countdown_started_at":     now,
		"paused_at":                nil,
		"paused_remaining_seconds": nil,
	}
	if session.StartedAt == nil {
		session.StartedAt = &now
		updates["started_at"] = now
	}
	if err := tx.Model(session).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("advance session pointer: %w", err)
	}

	if err := logEvent(tx, sessionID, eventCallSet, events.Payload{
		"call_id":    call.ID,
		"call_index": call.CallIndex,
		"round":      call.RoundNumber,
	}); err != nil {
		return nil, err
	}
	pending = append(pending, busEvent{events.EventCallSet, events.Payload{
		"session_id": sessionID,
		"call_id":    call.ID,
		"call_index": call.CallIndex,
	}})

	// One-ahead: auto-cue the next pending call.
	next, err := firstPendingAfter(tx, sessionID, call.CallIndex)
	if err != nil {
		return nil, err
	}
	if next != nil {
		next.Status = models.CallPrepStarted
		next.PrepStartedAt = &now
		if err := tx.Model(next).Updates(map[string]any{
			"status":          models.CallPrepStarted,
			"prep_started_at": next.PrepStartedAt,
		}).Error; err != nil {
			return nil, fmt.Errorf("auto-cue next call: %w", err)
		}
		if err := logEvent(tx, sessionID, eventCueSet, events.Payload{
			"call_id":    next.ID,
			"call_index": next.CallIndex,
		}); err != nil {
			return nil, err
		}
		pending = append(pending, busEvent{events.EventCueSet, events.Payload{
			"session_id": sessionID,
			"call_id":    next.ID,
			"call_index": next.CallIndex,
		}})

		// Two-ahead: derive the pull target beyond the cue.
		pullTarget, err := firstPendingAfter(tx, sessionID, next.CallIndex)
		if err != nil {
			return nil, err
		}
		if pullTarget != nil {
			if err := logEvent(tx, sessionID, eventPullSet, events.Payload{
				"call_id":    pullTarget.ID,
				"call_index": pullTarget.CallIndex,
			}); err != nil {
				return nil, err
			}
			pending = append(pending, busEvent{events.EventPullSet, events.Payload{
				"session_id": sessionID,
				"call_id":    pullTarget.ID,
				"call_index": pullTarget.CallIndex,
			}})
		}
	}

	return pending, nil
}

// Skip marks the currently live call as skipped without advancing playback.
func (s *Service) Skip(ctx context.Context, sessionID string) (*Result, error) {
	result := &Result{}
	var pending []busEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := loadSession(tx, sessionID)
		if err != nil {
			return err
		}
		call, err := liveCall(tx, session)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		call.Status = models.CallSkipped
		call.CompletedAt = &now
		if err := tx.Model(call).Updates(map[string]any{
			"status":       models.CallSkipped,
			"completed_at": call.CompletedAt,
		}).Error; err != nil {
			return fmt.Errorf("skip call: %w", err)
		}

		if err := logEvent(tx, sessionID, eventCallSkipped, events.Payload{
			"call_id":    call.ID,
			"call_index": call.CallIndex,
		}); err != nil {
			return err
		}
		pending = append(pending, busEvent{events.EventCallSkipped, events.Payload{
			"session_id": sessionID,
			"call_id":    call.ID,
			"call_index": call.CallIndex,
		}})

		result.Session = session
		result.Call = call
		return nil
	})
	if err != nil {
		telemetry.TransportActionsTotal.WithLabelValues("skip", "rejected").Inc()
		return nil, err
	}

	telemetry.TransportActionsTotal.WithLabelValues("skip", "ok").Inc()
	s.flush(pending)
	return result, nil
}

// Advance calls the first pending call after the pointer. Convenience for
// host consoles that track the deck rather than individual call ids.
func (s *Service) Advance(ctx context.Context, sessionID string) (*Result, error) {
	result := &Result{}
	var pending []busEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := loadSession(tx, sessionID)
		if err != nil {
			return err
		}
		next, err := nextPlayable(tx, session)
		if err != nil {
			return err
		}
		evs, err := applyCall(tx, session, next)
		if err != nil {
			return err
		}
		pending = evs
		result.Session = session
		result.Call = next
		return nil
	})
	if err != nil {
		telemetry.TransportActionsTotal.WithLabelValues("advance", "rejected").Inc()
		return nil, err
	}

	telemetry.TransportActionsTotal.WithLabelValues("advance", "ok").Inc()
	s.flush(pending)
	return result, nil
}

// Replace skips the live call and calls the next playable one as one unit.
// For needle trouble: the record on the table is unplayable, move on.
func (s *Service) Replace(ctx context.Context, sessionID string) (*Result, error) {
	result := &Result{}
	var pending []busEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := loadSession(tx, sessionID)
		if err != nil {
			return err
		}
		call, err := liveCall(tx, session)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Model(call).Updates(map[string]any{
			"status":       models.CallSkipped,
			"completed_at": now,
		}).Error; err != nil {
			return fmt.Errorf("skip call: %w", err)
		}
		if err := logEvent(tx, sessionID, eventCallSkipped, events.Payload{
			"call_id":    call.ID,
			"call_index": call.CallIndex,
		}); err != nil {
			return err
		}
		pending = append(pending, busEvent{events.EventCallSkipped, events.Payload{
			"session_id": sessionID,
			"call_id":    call.ID,
			"call_index": call.CallIndex,
		}})

		next, err := nextPlayable(tx, session)
		if err != nil {
			return err
		}
		evs, err := applyCall(tx, session, next)
		if err != nil {
			return err
		}
		pending = append(pending, evs...)
		result.Session = session
		result.Call = next
		return nil
	})
	if err != nil {
		telemetry.TransportActionsTotal.WithLabelValues("replace", "rejected").Inc()
		return nil, err
	}

	telemetry.TransportActionsTotal.WithLabelValues("replace", "ok").Inc()
	s.flush(pending)
	return result, nil
}

// BackupTrack describes an ad-hoc record the host pulls from the crate when
// the planned deck runs dry.
type BackupTrack struct {
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album"`
	Side     string `json:"side"`
	Position string `json:"position"`
}

// InsertBackup appends a backup call at the tail of the deck. It carries no
// playlist track reference and never reorders existing calls.
func (s *Service) InsertBackup(ctx context.Context, sessionID string, track BackupTrack) (*models.SessionCall, error) {
	var call *models.SessionCall

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := loadSession(tx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == models.SessionCompleted {
			return fmt.Errorf("session is completed: %w", ErrConflictingState)
		}

		var maxIndex int
		if err := tx.Model(&models.SessionCall{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(call_index), 0)").
			Scan(&maxIndex).Error; err != nil {
			return fmt.Errorf("find tail call index: %w", err)
		}

		idx := maxIndex + 1
		call = &models.SessionCall{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			CallIndex:    idx,
			BallNumber:   idx,
			ColumnLetter: columnLetterFor(idx),
			TrackTitle:   track.Title,
			ArtistName:   track.Artist,
			AlbumName:    track.Album,
			Side:         track.Side,
			Position:     track.Position,
			Status:       models.CallPending,
		}
		if err := tx.Create(call).Error; err != nil {
			return fmt.Errorf("insert backup call: %w", err)
		}
		return nil
	})
	if err != nil {
		telemetry.TransportActionsTotal.WithLabelValues("insert_backup", "rejected").Inc()
		return nil, err
	}

	telemetry.TransportActionsTotal.WithLabelValues("insert_backup", "ok").Inc()
	s.bus.Publish(events.EventCallsUpdated, events.Payload{"session_id": sessionID})
	return call, nil
}

func (s *Service) flush(pending []busEvent) {
	for _, ev := range pending {
		s.bus.Publish(ev.eventType, ev.payload)
	}
	if len(pending) > 0 {
		if sessionID, ok := pending[0].payload["session_id"].(string); ok {
			s.bus.Publish(events.EventSessionUpdated, events.Payload{"session_id": sessionID})
			s.bus.Publish(events.EventCallsUpdated, events.Payload{"session_id": sessionID})
		}
	}
}

var columnLetters = [5]string{"B", "I", "N", "G", "O"}

func columnLetterFor(callIndex int) string {
	return columnLetters[(callIndex-1)%len(columnLetters)]
}

func loadSession(tx *gorm.DB, sessionID string) (*models.Session, error) {
	var session models.Session
	if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &session, nil
}

func loadTarget(tx *gorm.DB, sessionID, callID string) (*models.Session, *models.SessionCall, error) {
	session, err := loadSession(tx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	var call models.SessionCall
	if err := tx.Where("session_id = ? AND id = ?", sessionID, callID).First(&call).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("call %s in session %s: %w", callID, sessionID, ErrCallNotFound)
		}
		return nil, nil, fmt.Errorf("load call %s: %w", callID, err)
	}
	return session, &call, nil
}

// liveCall returns the currently called record.
func liveCall(tx *gorm.DB, session *models.Session) (*models.SessionCall, error) {
	if session.CurrentCallIndex == 0 {
		return nil, fmt.Errorf("no live call in session %s: %w", session.ID, ErrConflictingState)
	}
	var call models.SessionCall
	err := tx.Where("session_id = ? AND call_index = ? AND status = ?",
		session.ID, session.CurrentCallIndex, models.CallCalled).
		First(&call).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no live call at index %d: %w", session.CurrentCallIndex, ErrConflictingState)
		}
		return nil, fmt.Errorf("load live call: %w", err)
	}
	return &call, nil
}

// nextPlayable returns the first pending or cued call after the pointer.
func nextPlayable(tx *gorm.DB, session *models.Session) (*models.SessionCall, error) {
	var call models.SessionCall
	err := tx.Where("session_id = ? AND call_index > ? AND status IN ?",
		session.ID, session.CurrentCallIndex,
		[]models.CallStatus{models.CallPending, models.CallPrepStarted}).
		Order("call_index asc").
		First(&call).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deck exhausted past index %d: %w", session.CurrentCallIndex, ErrCallNotFound)
		}
		return nil, fmt.Errorf("find next playable call: %w", err)
	}
	return &call, nil
}

func firstPendingAfter(tx *gorm.DB, sessionID string, afterIndex int) (*models.SessionCall, error) {
	var call models.SessionCall
	err := tx.Where("session_id = ? AND call_index > ? AND status = ?",
		sessionID, afterIndex, models.CallPending).
		Order("call_index asc").
		First(&call).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find pending call after %d: %w", afterIndex, err)
	}
	return &call, nil
}

// demoteCued returns any other cued call to pending.
func demoteCued(tx *gorm.DB, sessionID, exceptCallID string) error {
	if err := tx.Model(&models.SessionCall{}).
		Where("session_id = ? AND status = ? AND id <> ?", sessionID, models.CallPrepStarted, exceptCallID).
		Updates(map[string]any{"status": models.CallPending, "prep_started_at": nil}).Error; err != nil {
		return fmt.Errorf("demote cued calls: %w", err)
	}
	return nil
}

// logEvent appends one row to the session event log inside the caller's
// transaction so the log and the transition commit or roll back together.
func logEvent(tx *gorm.DB, sessionID, eventType string, payload events.Payload) error {
	row := models.SessionEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("log %s event: %w", eventType, err)
	}
	return nil
}
