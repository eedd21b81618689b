package eventlog

import (
	"context"
	"testing"
	"time"

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
	_ = db.AutoMigrate(&models.SessionEvent{})
	return db
}

func seedEvent(t *testing.T, db *gorm.DB, sessionID, eventType string, at time.Time) {
	t.Helper()
	row := models.SessionEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		EventType: eventType,
		Payload:   events.Payload{"session_id": sessionID},
		CreatedAt: at,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed event: %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, events.NewBus(), zerolog.Nop())
	sessionID := uuid.NewString()

	base := time.Now().UTC().Add(-time.Hour)
	seedEvent(t, db, sessionID, "session_created", base)
	seedEvent(t, db, sessionID, "call_set", base.Add(time.Minute))
	seedEvent(t, db, sessionID, "call_set", base.Add(2*time.Minute))
	seedEvent(t, db, uuid.NewString(), "session_created", base)

	rows, err := svc.List(context.Background(), Query{SessionID: sessionID})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].CreatedAt.After(rows[i-1].CreatedAt) {
			t.Fatalf("rows not ordered newest first")
		}
	}
}

func TestListFiltersByType(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, events.NewBus(), zerolog.Nop())
	sessionID := uuid.NewString()

	now := time.Now().UTC()
	seedEvent(t, db, sessionID, "session_created", now)
	seedEvent(t, db, sessionID, "call_set", now.Add(time.Second))
	seedEvent(t, db, sessionID, "call_set", now.Add(2*time.Second))

	rows, err := svc.List(context.Background(), Query{SessionID: sessionID, EventType: "call_set"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 call_set rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.EventType != "call_set" {
			t.Errorf("unexpected event type %s", row.EventType)
		}
	}
}

func TestListLimitAndOffset(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, events.NewBus(), zerolog.Nop())
	sessionID := uuid.NewString()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedEvent(t, db, sessionID, "call_set", now.Add(time.Duration(i)*time.Second))
	}

	rows, err := svc.List(context.Background(), Query{SessionID: sessionID, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestStartPersistsLifecycleEvents(t *testing.T) {
	db := setupTestDB(t)
	bus := events.NewBus()
	svc := NewService(db, bus, zerolog.Nop())
	sessionID := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	// Give the subscriber loop time to register before publishing.
	time.Sleep(50 * time.Millisecond)

	bus.Publish(events.EventSessionPaused, events.Payload{"session_id": sessionID})
	bus.Publish(events.EventSessionResumed, events.Payload{"session_id": sessionID})

	deadline := time.Now().Add(2 * time.Second)
	var count int64
	for time.Now().Before(deadline) {
		db.Model(&models.SessionEvent{}).Where("session_id = ?", sessionID).Count(&count)
		if count == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if count != 2 {
		t.Fatalf("expected 2 persisted events, got %d", count)
	}

	var row models.SessionEvent
	if err := db.Where("session_id = ? AND event_type = ?", sessionID, "session_paused").First(&row).Error; err != nil {
		t.Fatalf("expected a session_paused row: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("service did not stop on context cancel")
	}
}

func TestStartIgnoresPayloadWithoutSessionID(t *testing.T) {
	db := setupTestDB(t)
	bus := events.NewBus()
	svc := NewService(db, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	bus.Publish(events.EventSessionCompleted, events.Payload{"note": "no id"})
	time.Sleep(100 * time.Millisecond)

	var count int64
	db.Model(&models.SessionEvent{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no rows, got %d", count)
	}
}
