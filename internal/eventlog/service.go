/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/recordroom/needledrop/internal/eventbus"
	"github.com/recordroom/needledrop/internal/events"
	"github.com/recordroom/needledrop/internal/models"
)

// Service persists session lifecycle events by subscribing to the bus.
// Transport transitions write their own rows inside the transport
// transaction; this consumer covers the asynchronous lifecycle markers.
type Service struct {
	db     *gorm.DB
	bus    eventbus.Bus
	logger zerolog.Logger
}

// NewService creates a new event log service.
func NewService(db *gorm.DB, bus eventbus.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "eventlog").Logger(),
	}
}

// Start subscribes to lifecycle events and logs them until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("event log service starting")

	created := s.bus.Subscribe(events.EventSessionCreated)
	paused := s.bus.Subscribe(events.EventSessionPaused)
	resumed := s.bus.Subscribe(events.EventSessionResumed)
	completed := s.bus.Subscribe(events.EventSessionCompleted)
	roundAdvanced := s.bus.Subscribe(events.EventRoundAdvanced)

	defer func() {
		s.bus.Unsubscribe(events.EventSessionCreated, created)
		s.bus.Unsubscribe(events.EventSessionPaused, paused)
		s.bus.Unsubscribe(events.EventSessionResumed, resumed)
		s.bus.Unsubscribe(events.EventSessionCompleted, completed)
		s.bus.Unsubscribe(events.EventRoundAdvanced, roundAdvanced)
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("event log service stopping")
			return

		case payload := <-created:
			s.logEntry(ctx, "session_created", payload)

		case payload := <-paused:
			s.logEntry(ctx, "session_paused", payload)

		case payload := <-resumed:
			s.logEntry(ctx, "session_resumed", payload)

		case payload := <-completed:
			s.logEntry(ctx, "session_completed", payload)

		case payload := <-roundAdvanced:
			s.logEntry(ctx, "round_advanced", payload)
		}
	}
}

func (s *Service) logEntry(ctx context.Context, eventType string, payload events.Payload) {
	sessionID, _ := payload["session_id"].(string)
	if sessionID == "" {
		s.logger.Warn().Str("event_type", eventType).Msg("event payload missing session id")
		return
	}

	row := models.SessionEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to persist session event")
	}
}

// Query filters the event log for host history screens.
type Query struct {
	SessionID string
	EventType string
	Limit     int
	Offset    int
}

// List returns matching event rows newest first.
func (s *Service) List(ctx context.Context, q Query) ([]models.SessionEvent, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}

	query := s.db.WithContext(ctx).
		Where("session_id = ?", q.SessionID).
		Order("created_at desc").
		Limit(q.Limit).
		Offset(q.Offset)
	if q.EventType != "" {
		query = query.Where("event_type = ?", q.EventType)
	}

	var rows []models.SessionEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	return rows, nil
}
