/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	ws "nhooyr.io/websocket"

	"github.com/recordroom/needledrop/internal/events"
	"github.com/recordroom/needledrop/internal/telemetry"
)

// wsMessage is one push frame for display clients.
type wsMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// handleSessionWS pushes transport and lifecycle events to jumbotron and
// assistant displays. Push is additive; polling clients keep working.
func (a *API) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := a.sessions.Get(r.Context(), sessionID); err != nil {
		a.writeServiceError(w, err)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.WebSocketConnections.Inc()
	defer telemetry.WebSocketConnections.Dec()

	subs := map[events.EventType]events.Subscriber{
		events.EventPullSet:          a.bus.Subscribe(events.EventPullSet),
		events.EventCueSet:           a.bus.Subscribe(events.EventCueSet),
		events.EventCallSet:          a.bus.Subscribe(events.EventCallSet),
		events.EventCallSkipped:      a.bus.Subscribe(events.EventCallSkipped),
		events.EventSessionPaused:    a.bus.Subscribe(events.EventSessionPaused),
		events.EventSessionResumed:   a.bus.Subscribe(events.EventSessionResumed),
		events.EventRoundAdvanced:    a.bus.Subscribe(events.EventRoundAdvanced),
		events.EventSessionCompleted: a.bus.Subscribe(events.EventSessionCompleted),
	}
	defer func() {
		for eventType, sub := range subs {
			a.bus.Unsubscribe(eventType, sub)
		}
	}()

	// Drain client frames so pings and close frames are processed.
	ctx := conn.CloseRead(r.Context())

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	send := func(eventType events.EventType, payload events.Payload) bool {
		if id, _ := payload["session_id"].(string); id != sessionID {
			return true
		}
		msg := wsMessage{
			Type:      string(eventType),
			SessionID: sessionID,
			Payload:   payload,
			SentAt:    time.Now().UTC(),
		}
		if err := writeWS(ctx, conn, msg); err != nil {
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-pingTicker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(ws.StatusNormalClosure, "ping failed")
				return
			}

		case payload := <-subs[events.EventPullSet]:
			if !send(events.EventPullSet, payload) {
				return
			}
		case payload := <-subs[events.EventCueSet]:
			if !send(events.EventCueSet, payload) {
				return
			}
		case payload := <-subs[events.EventCallSet]:
			if !send(events.EventCallSet, payload) {
				return
			}
		case payload := <-subs[events.EventCallSkipped]:
			if !send(events.EventCallSkipped, payload) {
				return
			}
		case payload := <-subs[events.EventSessionPaused]:
			if !send(events.EventSessionPaused, payload) {
				return
			}
		case payload := <-subs[events.EventSessionResumed]:
			if !send(events.EventSessionResumed, payload) {
				return
			}
		case payload := <-subs[events.EventRoundAdvanced]:
			if !send(events.EventRoundAdvanced, payload) {
				return
			}
		case payload := <-subs[events.EventSessionCompleted]:
			if !send(events.EventSessionCompleted, payload) {
				return
			}
		}
	}
}

func writeWS(ctx context.Context, conn *ws.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, ws.MessageText, data)
}
