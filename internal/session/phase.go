package session

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the position of a session within the fixed game protocol.
type Phase string

const (
	PhaseAwaitingStartup      Phase = "awaiting_experience_or_name_prompt"
	PhaseAwaitingConfirmation Phase = "awaiting_character_confirmation"
	PhaseAwaitingGameStart    Phase = "awaiting_game_start"
	PhasePlayingMovement      Phase = "playing_movement"
	PhasePlayingInventory     Phase = "playing_inventory"
	PhasePlayingItemOps       Phase = "playing_item_ops"
	PhaseAwaitingQuit         Phase = "awaiting_quit_confirmation"
	PhaseTerminated           Phase = "terminated"
)

// Play phases may alternate with each other; nothing moves back to a
// negotiation phase and Terminated is reachable from everywhere.
var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseAwaitingStartup: {
		PhaseAwaitingConfirmation: {},
	},
	PhaseAwaitingConfirmation: {
		PhaseAwaitingGameStart: {},
	},
	PhaseAwaitingGameStart: {
		PhasePlayingMovement:  {},
		PhasePlayingInventory: {},
		PhasePlayingItemOps:   {},
		PhaseAwaitingQuit:     {},
	},
	PhasePlayingMovement: {
		PhasePlayingInventory: {},
		PhasePlayingItemOps:   {},
		PhaseAwaitingQuit:     {},
	},
	PhasePlayingInventory: {
		PhasePlayingMovement: {},
		PhasePlayingItemOps:  {},
		PhaseAwaitingQuit:    {},
	},
	PhasePlayingItemOps: {
		PhasePlayingMovement:  {},
		PhasePlayingInventory: {},
		PhaseAwaitingQuit:     {},
	},
	PhaseAwaitingQuit: {},
}

// PhaseRecord is one entry in a session's phase history.
type PhaseRecord struct {
	From      Phase
	To        Phase
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed phase change.
type IllegalTransitionError struct {
	From Phase
	To   Phase
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot transition session from %q to %q", e.From, e.To)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// CanTransition reports whether from → to is allowed. Staying in the same
// phase is always allowed except once terminated.
func CanTransition(from, to Phase) bool {
	if from == PhaseTerminated {
		return false
	}
	if from == to || to == PhaseTerminated {
		return true
	}
	_, ok := allowedTransitions[from][to]
	return ok
}

type phaseTracker struct {
	current  Phase
	history  []PhaseRecord
	now      func() time.Time
	observer func(PhaseRecord)
}

func newPhaseTracker(now func() time.Time, observer func(PhaseRecord)) *phaseTracker {
	return &phaseTracker{
		current:  PhaseAwaitingStartup,
		history:  []PhaseRecord{},
		now:      now,
		observer: observer,
	}
}

func (t *phaseTracker) advance(to Phase, reason string) error {
	if t.current == to {
		return nil
	}
	if !CanTransition(t.current, to) {
		return &IllegalTransitionError{From: t.current, To: to}
	}
	record := PhaseRecord{
		From:      t.current,
		To:        to,
		Reason:    strings.TrimSpace(reason),
		Timestamp: t.now().UTC(),
	}
	t.current = to
	t.history = append(t.history, record)
	if t.observer != nil {
		t.observer(record)
	}
	return nil
}

func (t *phaseTracker) records() []PhaseRecord {
	out := make([]PhaseRecord, len(t.history))
	copy(out, t.history)
	return out
}
