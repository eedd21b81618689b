/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/recordroom/needledrop/internal/transport"
)

type transportRequest struct {
	Action string `json:"action"`
	CallID string `json:"call_id"`
}

func (a *API) handleTransport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req transportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "call_id_required")
		return
	}

	var (
		result *transport.Result
		err    error
	)
	switch req.Action {
	case "pull":
		result, err = a.transport.Pull(r.Context(), sessionID, req.CallID)
	case "cue":
		result, err = a.transport.Cue(r.Context(), sessionID, req.CallID)
	case "call":
		result, err = a.transport.Call(r.Context(), sessionID, req.CallID)
	default:
		writeError(w, http.StatusBadRequest, "unknown_action")
		return
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleTransportSkip(w http.ResponseWriter, r *http.Request) {
	result, err := a.transport.Skip(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleTransportAdvance(w http.ResponseWriter, r *http.Request) {
	result, err := a.transport.Advance(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleTransportReplace(w http.ResponseWriter, r *http.Request) {
	result, err := a.transport.Replace(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type insertBackupRequest struct {
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album"`
	Side     string `json:"side"`
	Position string `json:"position"`
}

func (a *API) handleTransportInsertBackup(w http.ResponseWriter, r *http.Request) {
	var req insertBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Title == "" || req.Artist == "" {
		writeError(w, http.StatusBadRequest, "title_and_artist_required")
		return
	}

	call, err := a.transport.InsertBackup(r.Context(), chi.URLParam(r, "sessionID"), transport.BackupTrack{
		Title:    req.Title,
		Artist:   req.Artist,
		Album:    req.Album,
		Side:     req.Side,
		Position: req.Position,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, call)
}
