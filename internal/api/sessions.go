/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/recordroom/needledrop/internal/cache"
	"github.com/recordroom/needledrop/internal/models"
	"github.com/recordroom/needledrop/internal/session"
)

type createSessionRequest struct {
	PlaylistID    string  `json:"playlist_id"`
	EventID       *string `json:"event_id"`
	GameMode      string  `json:"game_mode"`
	SetlistMode   bool    `json:"setlist_mode"`
	CardCount     int     `json:"card_count"`
	CardLabelMode string  `json:"card_label_mode"`
	RoundCount    int     `json:"round_count"`

	RemoveResleeveSeconds int `json:"remove_resleeve_seconds"`
	PlaceVinylSeconds     int `json:"place_vinyl_seconds"`
	CueSeconds            int `json:"cue_seconds"`
	StartSlideSeconds     int `json:"start_slide_seconds"`
	HostBufferSeconds     int `json:"host_buffer_seconds"`
	OutputDelayMS         int `json:"output_delay_ms"`
	RecentCallsLimit      int `json:"recent_calls_limit"`

	RoundEndPolicy       string `json:"round_end_policy"`
	TieBreakPolicy       string `json:"tie_break_policy"`
	PoolExhaustionPolicy string `json:"pool_exhaustion_policy"`

	ShowTitle     *bool `json:"show_title"`
	ShowLogo      *bool `json:"show_logo"`
	ShowRounds    *bool `json:"show_rounds"`
	ShowCountdown *bool `json:"show_countdown"`

	Seed int64 `json:"seed"`
}

func (a *API) handleSessionsCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.PlaylistID == "" {
		writeError(w, http.StatusBadRequest, "playlist_id_required")
		return
	}

	create := session.CreateRequest{
		PlaylistID:    req.PlaylistID,
		EventID:       req.EventID,
		GameMode:      models.GameMode(req.GameMode),
		SetlistMode:   req.SetlistMode,
		CardCount:     req.CardCount,
		CardLabelMode: req.CardLabelMode,
		RoundCount:    req.RoundCount,

		RemoveResleeveSeconds: req.RemoveResleeveSeconds,
		PlaceVinylSeconds:     req.PlaceVinylSeconds,
		CueSeconds:            req.CueSeconds,
		StartSlideSeconds:     req.StartSlideSeconds,
		HostBufferSeconds:     req.HostBufferSeconds,
		OutputDelayMS:         req.OutputDelayMS,
		RecentCallsLimit:      req.RecentCallsLimit,

		RoundEndPolicy:       req.RoundEndPolicy,
		TieBreakPolicy:       req.TieBreakPolicy,
		PoolExhaustionPolicy: req.PoolExhaustionPolicy,

		ShowTitle:     true,
		ShowLogo:      true,
		ShowRounds:    true,
		ShowCountdown: true,

		Seed: req.Seed,
	}
	if req.ShowTitle != nil {
		create.ShowTitle = *req.ShowTitle
	}
	if req.ShowLogo != nil {
		create.ShowLogo = *req.ShowLogo
	}
	if req.ShowRounds != nil {
		create.ShowRounds = *req.ShowRounds
	}
	if req.ShowCountdown != nil {
		create.ShowCountdown = *req.ShowCountdown
	}

	created, err := a.sessions.Create(r.Context(), create)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	status := models.SessionStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, err := a.sessions.List(r.Context(), status, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var state session.State
	if a.cache != nil && a.cache.Get(r.Context(), cache.KeyState+sessionID, &state) {
		writeJSON(w, http.StatusOK, &state)
		return
	}

	got, err := a.sessions.GetState(r.Context(), sessionID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if a.cache != nil {
		a.cache.Set(r.Context(), cache.KeyState+sessionID, got, cache.DefaultStateTTL)
	}
	writeJSON(w, http.StatusOK, got)
}

func (a *API) handleSessionPatch(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req session.PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	updated, err := a.sessions.Patch(r.Context(), sessionID, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleSessionPause(w http.ResponseWriter, r *http.Request) {
	updated, err := a.sessions.Pause(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	updated, err := a.sessions.Resume(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleRoundAdvance(w http.ResponseWriter, r *http.Request) {
	updated, err := a.sessions.AdvanceRound(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	updated, err := a.sessions.Complete(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleSessionCalls(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var calls []models.SessionCall
	if a.cache != nil && a.cache.Get(r.Context(), cache.KeyCalls+sessionID, &calls) {
		writeJSON(w, http.StatusOK, calls)
		return
	}

	calls, err := a.sessions.Calls(r.Context(), sessionID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if a.cache != nil {
		a.cache.Set(r.Context(), cache.KeyCalls+sessionID, calls, cache.DefaultCallsTTL)
	}
	writeJSON(w, http.StatusOK, calls)
}

func (a *API) handleSessionCards(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var cards []models.BingoCard
	if a.cache != nil && a.cache.Get(r.Context(), cache.KeyCards+sessionID, &cards) {
		writeJSON(w, http.StatusOK, cards)
		return
	}

	cards, err := a.sessions.Cards(r.Context(), sessionID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if a.cache != nil {
		a.cache.Set(r.Context(), cache.KeyCards+sessionID, cards, cache.DefaultCardsTTL)
	}
	writeJSON(w, http.StatusOK, cards)
}

func (a *API) handleCardsHydrate(w http.ResponseWriter, r *http.Request) {
	cards, err := a.sessions.HydrateCards(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}
