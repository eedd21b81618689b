package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/recordroom/needledrop/internal/auth"
	"github.com/recordroom/needledrop/internal/config"
	"github.com/recordroom/needledrop/internal/eventlog"
	"github.com/recordroom/needledrop/internal/events"
	"github.com/recordroom/needledrop/internal/models"
	"github.com/recordroom/needledrop/internal/session"
	"github.com/recordroom/needledrop/internal/transport"
)

var testJWTSecret = []byte("test-signing-key")

type testEnv struct {
	db     *gorm.DB
	router chi.Router
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	_ = db.AutoMigrate(
		&models.User{},
		&models.APIKey{},
		&models.Playlist{},
		&models.PlaylistTrack{},
		&models.Session{},
		&models.SessionCall{},
		&models.BingoCard{},
		&models.SessionEvent{},
	)

	bus := events.NewBus()
	logger := zerolog.Nop()
	sessions := session.NewService(db, bus, config.DefaultGameDefaults(), logger)
	transportSvc := transport.NewService(db, bus, logger)
	eventlogSvc := eventlog.NewService(db, bus, logger)

	a := New(db, testJWTSecret, sessions, transportSvc, eventlogSvc, nil, bus, logger)
	router := chi.NewRouter()
	a.Routes(router)

	return &testEnv{db: db, router: router}
}

func (e *testEnv) createUser(t *testing.T, email, password string, role models.RoleName) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := e.db.Create(user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

func (e *testEnv) tokenFor(t *testing.T, user *models.User) string {
	t.Helper()
	token, err := auth.Issue(testJWTSecret, auth.Claims{
		UserID: user.ID,
		Roles:  []string{string(user.Role)},
	}, time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (e *testEnv) createPlaylist(t *testing.T, trackCount int) string {
	t.Helper()
	playlist := models.Playlist{ID: uuid.NewString(), Name: "Friday Crate"}
	if err := e.db.Create(&playlist).Error; err != nil {
		t.Fatalf("failed to create playlist: %v", err)
	}
	for i := 0; i < trackCount; i++ {
		track := models.PlaylistTrack{
			ID:         uuid.NewString(),
			PlaylistID: playlist.ID,
			SortOrder:  i,
			Title:      fmt.Sprintf("Track %02d", i),
			Artist:     fmt.Sprintf("Artist %02d", i),
		}
		if err := e.db.Create(&track).Error; err != nil {
			t.Fatalf("failed to create track: %v", err)
		}
	}
	return playlist.ID
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestAPI(t)

	rec := env.request(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLoginFlow(t *testing.T) {
	env := setupTestAPI(t)
	env.createUser(t, "host@example.com", "turntable", models.RoleHost)

	rec := env.request(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "Host@Example.com",
		"password": "turntable",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &body)
	if body.Token == "" {
		t.Fatal("expected a token")
	}

	claims, err := auth.Parse(testJWTSecret, body.Token)
	if err != nil {
		t.Fatalf("returned token does not parse: %v", err)
	}
	if !claims.HasRole("host") {
		t.Error("expected host role in token")
	}

	rec = env.request(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "host@example.com",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
}

func TestSessionsRequireAuth(t *testing.T) {
	env := setupTestAPI(t)

	rec := env.request(t, http.MethodGet, "/api/v1/sessions", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSessionCreateRequiresHostRole(t *testing.T) {
	env := setupTestAPI(t)
	display := env.createUser(t, "screen@example.com", "pw", models.RoleDisplay)
	token := env.tokenFor(t, display)

	rec := env.request(t, http.MethodPost, "/api/v1/sessions", token, map[string]any{
		"playlist_id": uuid.NewString(),
		"game_mode":   "single_line",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for display role, got %d", rec.Code)
	}
}

func createSessionViaAPI(t *testing.T, env *testEnv, token, playlistID string) map[string]any {
	t.Helper()
	rec := env.request(t, http.MethodPost, "/api/v1/sessions", token, map[string]any{
		"playlist_id": playlistID,
		"game_mode":   "single_line",
		"card_count":  4,
		"seed":        21,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	return body
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := setupTestAPI(t)
	host := env.createUser(t, "host@example.com", "pw", models.RoleHost)
	token := env.tokenFor(t, host)
	playlistID := env.createPlaylist(t, 30)

	created := createSessionViaAPI(t, env, token, playlistID)
	sessionID, _ := created["ID"].(string)
	if sessionID == "" {
		t.Fatalf("expected session id in response: %v", created)
	}

	// Poll state.
	rec := env.request(t, http.MethodGet, "/api/v1/sessions/"+sessionID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for state, got %d", rec.Code)
	}
	var state session.State
	decodeBody(t, rec, &state)
	if state.RemainingCalls != 30 {
		t.Errorf("expected 30 remaining calls, got %d", state.RemainingCalls)
	}

	// Calls and cards are readable.
	rec = env.request(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/calls", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for calls, got %d", rec.Code)
	}
	var calls []models.SessionCall
	decodeBody(t, rec, &calls)
	if len(calls) != 30 {
		t.Fatalf("expected 30 calls, got %d", len(calls))
	}

	rec = env.request(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/cards", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for cards, got %d", rec.Code)
	}

	// Drive the transport: call the first record.
	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/transport", token, map[string]string{
		"action":  "call",
		"call_id": calls[0].ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for call, got %d: %s", rec.Code, rec.Body.String())
	}
	var result transport.Result
	decodeBody(t, rec, &result)
	if result.Session.CurrentCallIndex != 1 {
		t.Errorf("expected pointer 1, got %d", result.Session.CurrentCallIndex)
	}
	if result.CuedCall == nil {
		t.Error("expected auto-cued next call")
	}

	// Pause and resume.
	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/pause", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for pause, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/resume", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for resume, got %d", rec.Code)
	}

	// Event log captured the transport transitions.
	rec = env.request(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/events?type=call_set", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for events, got %d", rec.Code)
	}
	var rows []models.SessionEvent
	decodeBody(t, rec, &rows)
	if len(rows) != 1 {
		t.Fatalf("expected 1 call_set event, got %d", len(rows))
	}

	// Complete.
	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/complete", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for complete, got %d", rec.Code)
	}
}

func TestTransportValidationErrors(t *testing.T) {
	env := setupTestAPI(t)
	host := env.createUser(t, "host@example.com", "pw", models.RoleHost)
	token := env.tokenFor(t, host)
	playlistID := env.createPlaylist(t, 30)

	created := createSessionViaAPI(t, env, token, playlistID)
	sessionID := created["ID"].(string)

	// Missing call id.
	rec := env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/transport", token, map[string]string{
		"action": "call",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing call_id, got %d", rec.Code)
	}

	// Unknown action.
	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/transport", token, map[string]string{
		"action":  "scratch",
		"call_id": uuid.NewString(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}

	// Unknown call.
	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/transport", token, map[string]string{
		"action":  "call",
		"call_id": uuid.NewString(),
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown call, got %d", rec.Code)
	}

	// Skip with nothing live conflicts.
	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/skip", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for skip without live call, got %d", rec.Code)
	}

	// Unknown session.
	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+uuid.NewString()+"/advance", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestTransportOrderingViolationMapsToConflict(t *testing.T) {
	env := setupTestAPI(t)
	host := env.createUser(t, "host@example.com", "pw", models.RoleHost)
	token := env.tokenFor(t, host)
	playlistID := env.createPlaylist(t, 30)

	created := createSessionViaAPI(t, env, token, playlistID)
	sessionID := created["ID"].(string)

	var calls []models.SessionCall
	if err := env.db.Where("session_id = ?", sessionID).Order("call_index asc").Find(&calls).Error; err != nil {
		t.Fatalf("failed to load calls: %v", err)
	}

	// Advance the pointer to call 2, then try to pull call 1.
	for i := 0; i < 2; i++ {
		rec := env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/advance", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("advance %d failed: %d", i+1, rec.Code)
		}
	}

	rec := env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/transport", token, map[string]string{
		"action":  "pull",
		"call_id": calls[0].ID,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for ordering violation, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestInsertBackupOverHTTP(t *testing.T) {
	env := setupTestAPI(t)
	host := env.createUser(t, "host@example.com", "pw", models.RoleHost)
	token := env.tokenFor(t, host)
	playlistID := env.createPlaylist(t, 30)

	created := createSessionViaAPI(t, env, token, playlistID)
	sessionID := created["ID"].(string)

	rec := env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/insert-backup", token, map[string]string{
		"title":  "Emergency Record",
		"artist": "The Backups",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var call models.SessionCall
	decodeBody(t, rec, &call)
	if call.CallIndex != 31 {
		t.Errorf("expected tail index 31, got %d", call.CallIndex)
	}

	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/insert-backup", token, map[string]string{
		"title": "No Artist",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing artist, got %d", rec.Code)
	}
}

func TestPatchSessionOverHTTP(t *testing.T) {
	env := setupTestAPI(t)
	host := env.createUser(t, "host@example.com", "pw", models.RoleHost)
	token := env.tokenFor(t, host)
	playlistID := env.createPlaylist(t, 30)

	created := createSessionViaAPI(t, env, token, playlistID)
	sessionID := created["ID"].(string)

	rec := env.request(t, http.MethodPatch, "/api/v1/sessions/"+sessionID, token, map[string]any{
		"show_countdown":     false,
		"recent_calls_limit": 8,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var updated models.Session
	decodeBody(t, rec, &updated)
	if updated.ShowCountdown {
		t.Error("expected show_countdown false")
	}
	if updated.RecentCallsLimit != 8 {
		t.Errorf("expected recent_calls_limit 8, got %d", updated.RecentCallsLimit)
	}
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	env := setupTestAPI(t)
	host := env.createUser(t, "host@example.com", "pw", models.RoleHost)
	token := env.tokenFor(t, host)

	rec := env.request(t, http.MethodPost, "/api/v1/apikeys", token, map[string]any{
		"name": "jumbotron",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var createdKey struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	decodeBody(t, rec, &createdKey)
	if createdKey.Key == "" {
		t.Fatal("expected plaintext key in create response")
	}

	// The new key authenticates requests.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-API-Key", createdKey.Key)
	keyRec := httptest.NewRecorder()
	env.router.ServeHTTP(keyRec, req)
	if keyRec.Code != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d", keyRec.Code)
	}

	// Listing blanks the hash.
	rec = env.request(t, http.MethodGet, "/api/v1/apikeys", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var keys []models.APIKey
	decodeBody(t, rec, &keys)
	if len(keys) != 1 || keys[0].KeyHash != "" {
		t.Fatalf("expected 1 key with blanked hash, got %+v", keys)
	}

	// Revoked keys stop working.
	rec = env.request(t, http.MethodDelete, "/api/v1/apikeys/"+createdKey.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for revoke, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-API-Key", createdKey.Key)
	keyRec = httptest.NewRecorder()
	env.router.ServeHTTP(keyRec, req)
	if keyRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked key, got %d", keyRec.Code)
	}
}
