/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/recordroom/needledrop/internal/eventlog"
)

func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := a.sessions.Get(r.Context(), sessionID); err != nil {
		a.writeServiceError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	rows, err := a.eventlog.List(r.Context(), eventlog.Query{
		SessionID: sessionID,
		EventType: r.URL.Query().Get("type"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
