/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/recordroom/needledrop/internal/auth"
	"github.com/recordroom/needledrop/internal/cache"
	"github.com/recordroom/needledrop/internal/deck"
	"github.com/recordroom/needledrop/internal/eventbus"
	"github.com/recordroom/needledrop/internal/eventlog"
	"github.com/recordroom/needledrop/internal/models"
	"github.com/recordroom/needledrop/internal/pool"
	"github.com/recordroom/needledrop/internal/session"
	"github.com/recordroom/needledrop/internal/transport"
)

// API exposes HTTP handlers.
type API struct {
	db        *gorm.DB
	jwtSecret []byte
	sessions  *session.Service
	transport *transport.Service
	eventlog  *eventlog.Service
	cache     *cache.Cache
	bus       eventbus.Bus
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(db *gorm.DB, jwtSecret []byte, sessions *session.Service, transportSvc *transport.Service, eventlogSvc *eventlog.Service, cacheSvc *cache.Cache, bus eventbus.Bus, logger zerolog.Logger) *API {
	return &API{
		db:        db,
		jwtSecret: jwtSecret,
		sessions:  sessions,
		transport: transportSvc,
		eventlog:  eventlogSvc,
		cache:     cacheSvc,
		bus:       bus,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers all API routes.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.MiddlewareWithJWT(a.db, a.jwtSecret))

			pr.Route("/apikeys", func(r chi.Router) {
				r.Use(auth.RequireRoles(string(models.RoleAdmin), string(models.RoleHost)))
				r.Get("/", a.handleAPIKeysList)
				r.Post("/", a.handleAPIKeysCreate)
				r.Delete("/{keyID}", a.handleAPIKeysRevoke)
			})

			pr.Route("/sessions", func(r chi.Router) {
				r.Get("/", a.handleSessionsList)

				r.Group(func(hr chi.Router) {
					hr.Use(auth.RequireRoles(string(models.RoleAdmin), string(models.RoleHost)))
					hr.Post("/", a.handleSessionsCreate)
				})

				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", a.handleSessionGet)
					r.Get("/calls", a.handleSessionCalls)
					r.Get("/cards", a.handleSessionCards)
					r.Get("/events", a.handleSessionEvents)
					r.Get("/ws", a.handleSessionWS)

					r.Group(func(hr chi.Router) {
						hr.Use(auth.RequireRoles(string(models.RoleAdmin), string(models.RoleHost), string(models.RoleAssistant)))
						hr.Patch("/", a.handleSessionPatch)
						hr.Post("/transport", a.handleTransport)
						hr.Post("/pause", a.handleSessionPause)
						hr.Post("/resume", a.handleSessionResume)
						hr.Post("/advance", a.handleTransportAdvance)
						hr.Post("/skip", a.handleTransportSkip)
						hr.Post("/replace", a.handleTransportReplace)
						hr.Post("/insert-backup", a.handleTransportInsertBackup)
						hr.Post("/rounds/advance", a.handleRoundAdvance)
						hr.Post("/complete", a.handleSessionComplete)
						hr.Post("/cards/hydrate", a.handleCardsHydrate)
					})
				})
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := a.db.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		writeError(w, http.StatusServiceUnavailable, "database_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeServiceError maps engine sentinel errors onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, transport.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, transport.ErrCallNotFound):
		writeError(w, http.StatusNotFound, "call_not_found")
	case errors.Is(err, transport.ErrOrderingViolation):
		writeError(w, http.StatusConflict, "call_ordering_violation")
	case errors.Is(err, transport.ErrConflictingState),
		errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflicting_state")
	case errors.Is(err, pool.ErrPoolNotFound):
		writeError(w, http.StatusBadRequest, "pool_not_found")
	case errors.Is(err, pool.ErrPoolTooSmall),
		errors.Is(err, deck.ErrInsufficientPool):
		writeError(w, http.StatusBadRequest, "insufficient_pool")
	case errors.Is(err, session.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, "invalid_game_mode")
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}
