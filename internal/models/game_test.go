package models

import (
	"testing"
	"time"
)

func TestGameModeFreeSpace(t *testing.T) {
	withFree := []GameMode{ModeSingleLine, ModeDoubleLine, ModeTripleLine, ModeCrissCross, ModeFourCorners}
	for _, mode := range withFree {
		if !mode.HasFreeSpace() {
			t.Errorf("%s should have a free space", mode)
		}
	}
	for _, mode := range []GameMode{ModeBlackout, ModeDeath} {
		if mode.HasFreeSpace() {
			t.Errorf("%s should not have a free space", mode)
		}
	}
}

func TestGameModeValid(t *testing.T) {
	if !ModeBlackout.Valid() {
		t.Error("blackout should be valid")
	}
	if GameMode("speed_round").Valid() {
		t.Error("unknown mode should be invalid")
	}
}

func TestCallStatusTerminal(t *testing.T) {
	for _, status := range []CallStatus{CallCompleted, CallSkipped} {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []CallStatus{CallPending, CallPrepStarted, CallCalled} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestRemainingSecondsCountsDown(t *testing.T) {
	now := time.Now().UTC()
	started := now.Add(-10 * time.Second)
	s := Session{SecondsToNextCall: 47, CountdownStartedAt: &started}

	if got := s.RemainingSeconds(now); got != 37 {
		t.Errorf("expected 37, got %d", got)
	}
}

func TestRemainingSecondsFloorsAtZero(t *testing.T) {
	now := time.Now().UTC()
	started := now.Add(-2 * time.Minute)
	s := Session{SecondsToNextCall: 47, CountdownStartedAt: &started}

	if got := s.RemainingSeconds(now); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestRemainingSecondsWithoutCountdown(t *testing.T) {
	s := Session{SecondsToNextCall: 47}
	if got := s.RemainingSeconds(time.Now().UTC()); got != 47 {
		t.Errorf("expected full budget 47, got %d", got)
	}
}

func TestRemainingSecondsUsesPauseSnapshot(t *testing.T) {
	now := time.Now().UTC()
	started := now.Add(-10 * time.Second)
	pausedAt := now.Add(-5 * time.Second)
	snapshot := 30
	s := Session{
		SecondsToNextCall:      47,
		CountdownStartedAt:     &started,
		PausedAt:               &pausedAt,
		PausedRemainingSeconds: &snapshot,
	}

	if got := s.RemainingSeconds(now); got != 30 {
		t.Errorf("expected snapshot 30, got %d", got)
	}
}
