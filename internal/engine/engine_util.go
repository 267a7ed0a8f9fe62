package engine

import (
	"fmt"
	"time"
)

func NewDraft(draftID string, order []string, rounds int, pickTimer time.Duration, autopick bool) State {
	return State{
		DraftID:          draftID,
		Status:           StatusScheduled,
		Order:            append([]string(nil), order...),
		Rounds:           rounds,
		PickTimer:        pickTimer,
		AutopickEnabled:  autopick,
		CurrentRound:     1,
		CurrentPickIndex: 1,
		Picks:            []Pick{},
	}
}

// Validate checks the static configuration of a draft.
func Validate(s State) error {
	if s.DraftID == "" {
		return fmt.Errorf("%w: missing draft id", ErrInvalidDraft)
	}
	if len(s.Order) == 0 {
		return fmt.Errorf("%w: empty order", ErrInvalidDraft)
	}
	if s.Rounds <= 0 {
		return fmt.Errorf("%w: rounds must be positive", ErrInvalidDraft)
	}
	if s.PickTimer < 0 {
		return fmt.Errorf("%w: negative pick timer", ErrInvalidDraft)
	}
	seen := make(map[string]bool, len(s.Order))
	for _, id := range s.Order {
		if id == "" || seen[id] {
			return fmt.Errorf("%w: duplicate or empty participant %q", ErrInvalidDraft, id)
		}
		seen[id] = true
	}
	return nil
}

// BestAvailable returns the first candidate nobody has picked yet.
func BestAvailable(s State, candidates []string) (string, bool) {
	for _, c := range candidates {
		if c != "" && !isTaken(s, c) {
			return c, true
		}
	}
	return "", false
}

// RemainingAt reports how long the participant on the clock has left.
func RemainingAt(s State, now time.Time) time.Duration {
	switch s.Status {
	case StatusPaused:
		return s.Remaining
	case StatusInProgress:
		return max(s.TimerDeadline.Sub(now), 0)
	default:
		return 0
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
