package session

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Phase
		to   Phase
		want bool
	}{
		{PhaseAwaitingStartup, PhaseAwaitingConfirmation, true},
		{PhaseAwaitingStartup, PhaseAwaitingGameStart, false},
		{PhaseAwaitingConfirmation, PhaseAwaitingGameStart, true},
		{PhaseAwaitingGameStart, PhasePlayingMovement, true},
		{PhaseAwaitingGameStart, PhaseAwaitingQuit, true},
		{PhasePlayingMovement, PhasePlayingInventory, true},
		{PhasePlayingItemOps, PhasePlayingMovement, true},
		{PhasePlayingMovement, PhaseAwaitingStartup, false},
		{PhasePlayingInventory, PhaseAwaitingConfirmation, false},
		{PhaseAwaitingQuit, PhasePlayingMovement, false},
		{PhaseAwaitingStartup, PhaseTerminated, true},
		{PhasePlayingItemOps, PhaseTerminated, true},
		{PhaseTerminated, PhaseAwaitingStartup, false},
		{PhaseTerminated, PhaseTerminated, false},
		{PhasePlayingMovement, PhasePlayingMovement, true},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPhaseTrackerRecordsHistory(t *testing.T) {
	t.Parallel()

	fixed := time.Date(1984, 7, 1, 12, 0, 0, 0, time.UTC)
	var observed []PhaseRecord
	tracker := newPhaseTracker(func() time.Time { return fixed }, func(record PhaseRecord) {
		observed = append(observed, record)
	})

	steps := []Phase{
		PhaseAwaitingConfirmation,
		PhaseAwaitingGameStart,
		PhasePlayingMovement,
		PhasePlayingMovement,
		PhasePlayingInventory,
		PhasePlayingMovement,
		PhaseAwaitingQuit,
		PhaseTerminated,
	}
	for _, phase := range steps {
		if err := tracker.advance(phase, " step "); err != nil {
			t.Fatalf("advance(%q) error = %v", phase, err)
		}
	}

	records := tracker.records()
	if len(records) != 7 {
		t.Fatalf("records = %d, want 7 (same-phase advance is not recorded)", len(records))
	}
	if len(observed) != len(records) {
		t.Fatalf("observer saw %d records, want %d", len(observed), len(records))
	}
	if records[0].Reason != "step" {
		t.Fatalf("reason = %q, want trimmed %q", records[0].Reason, "step")
	}
	if !records[0].Timestamp.Equal(fixed) {
		t.Fatalf("timestamp = %v, want %v", records[0].Timestamp, fixed)
	}
	if tracker.current != PhaseTerminated {
		t.Fatalf("current = %q, want %q", tracker.current, PhaseTerminated)
	}
}

func TestPhaseTrackerRejectsBackwardTransition(t *testing.T) {
	t.Parallel()

	tracker := newPhaseTracker(time.Now, nil)
	if err := tracker.advance(PhaseAwaitingConfirmation, "prompt"); err != nil {
		t.Fatalf("advance error = %v", err)
	}
	err := tracker.advance(PhaseAwaitingStartup, "rewind")
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
	if !errors.Is(err, &IllegalTransitionError{}) {
		t.Fatalf("error = %v, want IllegalTransitionError", err)
	}
	if tracker.current != PhaseAwaitingConfirmation {
		t.Fatalf("current = %q, want unchanged %q", tracker.current, PhaseAwaitingConfirmation)
	}

	if err := tracker.advance(PhaseTerminated, "abort"); err != nil {
		t.Fatalf("terminate error = %v", err)
	}
	if err := tracker.advance(PhasePlayingMovement, "after end"); err == nil {
		t.Fatal("expected error leaving terminated")
	}
}

func TestRecordsReturnsCopy(t *testing.T) {
	t.Parallel()

	tracker := newPhaseTracker(time.Now, nil)
	_ = tracker.advance(PhaseAwaitingConfirmation, "prompt")
	records := tracker.records()
	records[0].Reason = "mutated"
	if tracker.records()[0].Reason != "prompt" {
		t.Fatal("records() should not expose internal history")
	}
}
