package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/recordroom/needledrop/internal/events"
	"github.com/recordroom/needledrop/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	_ = db.AutoMigrate(&models.Session{}, &models.SessionCall{}, &models.SessionEvent{})
	return db
}

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	return NewService(db, events.NewBus(), zerolog.Nop())
}

// seedSession creates a pending session with callCount pending calls in order.
func seedSession(t *testing.T, db *gorm.DB, callCount int) (*models.Session, []models.SessionCall) {
	t.Helper()
	session := &models.Session{
		ID:                uuid.NewString(),
		PlaylistID:        uuid.NewString(),
		SessionCode:       "TEST42",
		GameMode:          models.ModeSingleLine,
		CardCount:         4,
		RoundCount:        3,
		CurrentRound:      1,
		SecondsToNextCall: 47,
		RecentCallsLimit:  5,
		Status:            models.SessionPending,
	}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	calls := make([]models.SessionCall, 0, callCount)
	for i := 1; i <= callCount; i++ {
		trackID := uuid.NewString()
		call := models.SessionCall{
			ID:              uuid.NewString(),
			SessionID:       session.ID,
			PlaylistTrackID: &trackID,
			CallIndex:       i,
			BallNumber:      i,
			ColumnLetter:    columnLetterFor(i),
			TrackTitle:      fmt.Sprintf("Track %02d", i),
			ArtistName:      fmt.Sprintf("Artist %02d", i),
			Status:          models.CallPending,
		}
		if err := db.Create(&call).Error; err != nil {
			t.Fatalf("failed to create call: %v", err)
		}
		calls = append(calls, call)
	}
	return session, calls
}

func reloadCall(t *testing.T, db *gorm.DB, id string) models.SessionCall {
	t.Helper()
	var call models.SessionCall
	if err := db.First(&call, "id = ?", id).Error; err != nil {
		t.Fatalf("failed to reload call: %v", err)
	}
	return call
}

func reloadSession(t *testing.T, db *gorm.DB, id string) models.Session {
	t.Helper()
	var session models.Session
	if err := db.First(&session, "id = ?", id).Error; err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	return session
}

func countEvents(t *testing.T, db *gorm.DB, sessionID, eventType string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&models.SessionEvent{}).
		Where("session_id = ? AND event_type = ?", sessionID, eventType).
		Count(&count).Error; err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	return count
}

func TestPullIsAdvisory(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	result, err := svc.Pull(context.Background(), session.ID, calls[1].ID)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if result.PullTarget == nil || result.PullTarget.ID != calls[1].ID {
		t.Fatal("expected pull target in result")
	}

	// Advisory: no call status changes, only an event row.
	if got := reloadCall(t, db, calls[1].ID); got.Status != models.CallPending {
		t.Errorf("pull must not change call status, got %s", got.Status)
	}
	if n := countEvents(t, db, session.ID, eventPullSet); n != 1 {
		t.Errorf("expected 1 pull_set event, got %d", n)
	}
}

func TestPullRejectsBehindPointer(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	db.Model(&models.Session{}).Where("id = ?", session.ID).Update("current_call_index", 3)

	_, err := svc.Pull(context.Background(), session.ID, calls[1].ID)
	if !errors.Is(err, ErrOrderingViolation) {
		t.Fatalf("expected ErrOrderingViolation, got %v", err)
	}
	if n := countEvents(t, db, session.ID, eventPullSet); n != 0 {
		t.Errorf("rejected pull must not log events, got %d", n)
	}
}

func TestPullRejectsNonPendingTarget(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	if _, err := svc.Cue(context.Background(), session.ID, calls[1].ID); err != nil {
		t.Fatalf("Cue failed: %v", err)
	}

	_, err := svc.Pull(context.Background(), session.ID, calls[1].ID)
	if !errors.Is(err, ErrConflictingState) {
		t.Fatalf("expected ErrConflictingState, got %v", err)
	}
}

func TestPullUnknownCall(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, _ := seedSession(t, db, 6)

	_, err := svc.Pull(context.Background(), session.ID, uuid.NewString())
	if !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestCueDemotesPreviousAndDerivesPull(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	if _, err := svc.Cue(context.Background(), session.ID, calls[1].ID); err != nil {
		t.Fatalf("first Cue failed: %v", err)
	}

	result, err := svc.Cue(context.Background(), session.ID, calls[2].ID)
	if err != nil {
		t.Fatalf("second Cue failed: %v", err)
	}

	if got := reloadCall(t, db, calls[1].ID); got.Status != models.CallPending {
		t.Errorf("previous cue should demote to pending, got %s", got.Status)
	}
	if got := reloadCall(t, db, calls[2].ID); got.Status != models.CallPrepStarted {
		t.Errorf("expected prep_started, got %s", got.Status)
	}
	if got := reloadCall(t, db, calls[2].ID); got.PrepStartedAt == nil {
		t.Error("expected prep_started_at timestamp")
	}

	// Next pull target beyond the cue is derived and reported.
	if result.PullTarget == nil || result.PullTarget.CallIndex != 4 {
		t.Fatalf("expected derived pull target at index 4, got %+v", result.PullTarget)
	}
	if n := countEvents(t, db, session.ID, eventCueSet); n != 2 {
		t.Errorf("expected 2 cue_set events, got %d", n)
	}
}

func TestCallFullTransition(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	result, err := svc.Call(context.Background(), session.ID, calls[0].ID)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	live := reloadCall(t, db, calls[0].ID)
	if live.Status != models.CallCalled {
		t.Errorf("expected called status, got %s", live.Status)
	}
	if live.CalledAt == nil {
		t.Error("expected called_at timestamp")
	}
	if live.RoundNumber != 1 {
		t.Errorf("expected round 1 stamp, got %d", live.RoundNumber)
	}

	got := reloadSession(t, db, session.ID)
	if got.CurrentCallIndex != 1 {
		t.Errorf("expected pointer 1, got %d", got.CurrentCallIndex)
	}
	if got.Status != models.SessionRunning {
		t.Errorf("expected running status, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("expected started_at on first call")
	}
	if got.CountdownStartedAt == nil {
		t.Error("expected countdown restart")
	}

	// One-ahead auto-cue and two-ahead pull derivation.
	if next := reloadCall(t, db, calls[1].ID); next.Status != models.CallPrepStarted {
		t.Errorf("expected auto-cued next call, got %s", next.Status)
	}
	if result.CuedCall == nil || result.CuedCall.CallIndex != 2 {
		t.Fatalf("expected cued call at index 2, got %+v", result.CuedCall)
	}
	if result.PullTarget == nil || result.PullTarget.CallIndex != 3 {
		t.Fatalf("expected pull target at index 3, got %+v", result.PullTarget)
	}

	if n := countEvents(t, db, session.ID, eventCallSet); n != 1 {
		t.Errorf("expected 1 call_set event, got %d", n)
	}
	if n := countEvents(t, db, session.ID, eventCueSet); n != 1 {
		t.Errorf("expected 1 cue_set event, got %d", n)
	}
	if n := countEvents(t, db, session.ID, eventPullSet); n != 1 {
		t.Errorf("expected 1 pull_set event, got %d", n)
	}
}

func TestCallFinalizesPreviousLiveCall(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	if _, err := svc.Call(context.Background(), session.ID, calls[0].ID); err != nil {
		t.Fatalf("first Call failed: %v", err)
	}
	if _, err := svc.Call(context.Background(), session.ID, calls[1].ID); err != nil {
		t.Fatalf("second Call failed: %v", err)
	}

	if got := reloadCall(t, db, calls[0].ID); got.Status != models.CallCompleted {
		t.Errorf("previous live call should complete, got %s", got.Status)
	}
	if got := reloadCall(t, db, calls[0].ID); got.CompletedAt == nil {
		t.Error("expected completed_at on finalized call")
	}
	if got := reloadCall(t, db, calls[1].ID); got.Status != models.CallCalled {
		t.Errorf("expected second call live, got %s", got.Status)
	}
	if got := reloadSession(t, db, session.ID); got.CurrentCallIndex != 2 {
		t.Errorf("expected pointer 2, got %d", got.CurrentCallIndex)
	}
}

func TestCallJumpCompletesPassedCalls(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 8)

	// Jump straight to call 5; 1 through 4 are passed over.
	result, err := svc.Call(context.Background(), session.ID, calls[4].ID)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		if got := reloadCall(t, db, calls[i].ID); got.Status != models.CallCompleted {
			t.Errorf("passed call %d should be completed, got %s", i+1, got.Status)
		}
	}
	if got := reloadSession(t, db, session.ID); got.CurrentCallIndex != 5 {
		t.Errorf("expected pointer 5, got %d", got.CurrentCallIndex)
	}
	if result.CuedCall == nil || result.CuedCall.CallIndex != 6 {
		t.Fatalf("expected call 6 auto-cued, got %+v", result.CuedCall)
	}
	if result.PullTarget == nil || result.PullTarget.CallIndex != 7 {
		t.Fatalf("expected call 7 as pull target, got %+v", result.PullTarget)
	}
}

func TestCallJumpLeavesSkippedCallsSkipped(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	db.Model(&models.SessionCall{}).Where("id = ?", calls[1].ID).Update("status", models.CallSkipped)

	if _, err := svc.Call(context.Background(), session.ID, calls[3].ID); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if got := reloadCall(t, db, calls[1].ID); got.Status != models.CallSkipped {
		t.Errorf("skipped call must stay skipped, got %s", got.Status)
	}
}

func TestCallRejectsBehindPointer(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	db.Model(&models.Session{}).Where("id = ?", session.ID).Update("current_call_index", 3)

	_, err := svc.Call(context.Background(), session.ID, calls[1].ID)
	if !errors.Is(err, ErrOrderingViolation) {
		t.Fatalf("expected ErrOrderingViolation, got %v", err)
	}
}

func TestCallRejectsTerminalTarget(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	db.Model(&models.SessionCall{}).Where("id = ?", calls[2].ID).Update("status", models.CallSkipped)

	_, err := svc.Call(context.Background(), session.ID, calls[2].ID)
	if !errors.Is(err, ErrConflictingState) {
		t.Fatalf("expected ErrConflictingState, got %v", err)
	}
}

func TestCallResumesPausedSession(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	remaining := 30
	db.Model(&models.Session{}).Where("id = ?", session.ID).Updates(map[string]any{
		"status":                   models.SessionPaused,
		"paused_remaining_seconds": remaining,
	})

	if _, err := svc.Call(context.Background(), session.ID, calls[0].ID); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	got := reloadSession(t, db, session.ID)
	if got.Status != models.SessionRunning {
		t.Errorf("call should resume the session, got %s", got.Status)
	}
	if got.PausedAt != nil || got.PausedRemainingSeconds != nil {
		t.Error("expected pause snapshot cleared")
	}
}

func TestSkipMarksLiveCallOnly(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	if _, err := svc.Call(context.Background(), session.ID, calls[0].ID); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	result, err := svc.Skip(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if result.Call.ID != calls[0].ID {
		t.Fatalf("expected live call skipped, got %s", result.Call.ID)
	}

	if got := reloadCall(t, db, calls[0].ID); got.Status != models.CallSkipped {
		t.Errorf("expected skipped status, got %s", got.Status)
	}
	// Pointer does not move on skip.
	if got := reloadSession(t, db, session.ID); got.CurrentCallIndex != 1 {
		t.Errorf("skip must not advance the pointer, got %d", got.CurrentCallIndex)
	}
	if n := countEvents(t, db, session.ID, eventCallSkipped); n != 1 {
		t.Errorf("expected 1 call_skipped event, got %d", n)
	}
}

func TestSkipWithoutLiveCall(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, _ := seedSession(t, db, 6)

	_, err := svc.Skip(context.Background(), session.ID)
	if !errors.Is(err, ErrConflictingState) {
		t.Fatalf("expected ErrConflictingState, got %v", err)
	}
}

func TestAdvanceWalksTheDeck(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, _ := seedSession(t, db, 4)

	for want := 1; want <= 4; want++ {
		result, err := svc.Advance(context.Background(), session.ID)
		if err != nil {
			t.Fatalf("Advance to %d failed: %v", want, err)
		}
		if result.Call.CallIndex != want {
			t.Fatalf("expected call index %d, got %d", want, result.Call.CallIndex)
		}
	}

	// Deck exhausted.
	_, err := svc.Advance(context.Background(), session.ID)
	if !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound past the deck, got %v", err)
	}
}

func TestReplaceSkipsLiveAndCallsNext(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, calls := seedSession(t, db, 6)

	if _, err := svc.Call(context.Background(), session.ID, calls[0].ID); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	result, err := svc.Replace(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if got := reloadCall(t, db, calls[0].ID); got.Status != models.CallSkipped {
		t.Errorf("replaced call should be skipped, not completed, got %s", got.Status)
	}
	if result.Call.CallIndex != 2 {
		t.Errorf("expected call 2 live after replace, got %d", result.Call.CallIndex)
	}
	if got := reloadSession(t, db, session.ID); got.CurrentCallIndex != 2 {
		t.Errorf("expected pointer 2, got %d", got.CurrentCallIndex)
	}
}

func TestInsertBackupAppendsAtTail(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, _ := seedSession(t, db, 5)

	call, err := svc.InsertBackup(context.Background(), session.ID, BackupTrack{
		Title:  "Emergency Record",
		Artist: "The Backups",
		Side:   "B",
	})
	if err != nil {
		t.Fatalf("InsertBackup failed: %v", err)
	}

	if call.CallIndex != 6 {
		t.Errorf("expected tail index 6, got %d", call.CallIndex)
	}
	if call.ColumnLetter != "B" {
		t.Errorf("expected column B for index 6, got %s", call.ColumnLetter)
	}
	if call.Status != models.CallPending {
		t.Errorf("expected pending status, got %s", call.Status)
	}
	if call.PlaylistTrackID != nil {
		t.Error("backup call must not reference a playlist track")
	}

	// Existing calls untouched.
	var pendingCount int64
	db.Model(&models.SessionCall{}).Where("session_id = ?", session.ID).Count(&pendingCount)
	if pendingCount != 6 {
		t.Errorf("expected 6 calls, got %d", pendingCount)
	}
}

func TestInsertBackupRejectsCompletedSession(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	session, _ := seedSession(t, db, 5)

	db.Model(&models.Session{}).Where("id = ?", session.ID).Update("status", models.SessionCompleted)

	_, err := svc.InsertBackup(context.Background(), session.ID, BackupTrack{Title: "Too Late", Artist: "X"})
	if !errors.Is(err, ErrConflictingState) {
		t.Fatalf("expected ErrConflictingState, got %v", err)
	}
}

func TestTransportUnknownSession(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	_, err := svc.Advance(context.Background(), uuid.NewString())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
