package engine

import "fmt"

// SnakeIndex resolves the index into the draft order of the participant on the
// clock for round (1-indexed) and pickInRound (1-indexed) with n participants.
// Odd rounds run forward, even rounds run in reverse.
func SnakeIndex(round, pickInRound, n int) (int, error) {
	if n <= 0 || round < 1 || pickInRound < 1 || pickInRound > n {
		return 0, fmt.Errorf("%w: snake index round=%d pick=%d n=%d", ErrInvariant, round, pickInRound, n)
	}
	if round%2 == 1 {
		return pickInRound - 1, nil
	}
	return n - pickInRound, nil
}

// CurrentParticipant returns who is on the clock. It is computed from the
// position every time and never cached, since direction flips each round.
// A completed draft has nobody on the clock and returns "", nil.
func CurrentParticipant(s State) (string, error) {
	if s.Status == StatusCompleted {
		return "", nil
	}
	if s.CurrentRound > s.Rounds {
		return "", fmt.Errorf("%w: round %d past last round %d", ErrInvariant, s.CurrentRound, s.Rounds)
	}
	idx, err := SnakeIndex(s.CurrentRound, s.CurrentPickIndex, len(s.Order))
	if err != nil {
		return "", err
	}
	return s.Order[idx], nil
}

// OverallPick is the 1-indexed pick number across the whole draft.
func OverallPick(round, pickInRound, n int) int {
	return (round-1)*n + pickInRound
}

// positionAfter returns the round and pick-in-round that follow the given
// number of completed picks.
func positionAfter(picks, n int) (round, pickInRound int) {
	return picks/n + 1, picks%n + 1
}
