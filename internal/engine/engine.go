package engine

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var ErrWrongTurn = errors.New("wrong turn")
var ErrAlreadyTaken = errors.New("selection already taken")
var ErrNotInProgress = errors.New("draft not in progress")
var ErrNotPaused = errors.New("draft not paused")
var ErrAlreadyStarted = errors.New("draft already started")
var ErrAlreadyAdvanced = errors.New("turn already advanced")
var ErrInvalidDraft = errors.New("invalid draft configuration")
var ErrInvalidSelection = errors.New("invalid selection")
var ErrNoSelection = errors.New("no selection available for autopick")
var ErrUnsupportedCommand = errors.New("unsupported command")

// ErrInvariant marks a broken internal invariant. It is fatal for the owning
// room only.
var ErrInvariant = errors.New("draft invariant violated")

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
)

type Pick struct {
	Round         int       `json:"round"`
	PickInRound   int       `json:"pick_in_round"`
	PickNumber    int       `json:"pick_number"`
	ParticipantID string    `json:"participant_id"`
	SelectionID   string    `json:"selection_id"`
	MadeAt        time.Time `json:"made_at"`
	WasAutopick   bool      `json:"was_autopick"`
}

type State struct {
	DraftID          string
	Status           Status
	Order            []string
	Rounds           int
	PickTimer        time.Duration
	AutopickEnabled  bool
	CurrentRound     int
	CurrentPickIndex int
	Picks            []Pick
	TimerDeadline    time.Time     // zero while paused or not running
	Remaining        time.Duration // only meaningful while paused
	CompletedAt      time.Time
}

type CommandType string

const (
	CmdStart    CommandType = "Start"
	CmdMakePick CommandType = "MakePick"
	CmdTick     CommandType = "Tick"
	CmdPause    CommandType = "Pause"
	CmdResume   CommandType = "Resume"
)

/*
	CmdStart    -> EvtDraftStarted -> EvtOnClock
	CmdMakePick -> EvtPickMade -> EvtOnClock | EvtDraftCompleted
	CmdTick     -> (deadline passed, autopick on) same as CmdMakePick with WasAutopick
	CmdPause    -> EvtDraftPaused
	CmdResume   -> EvtDraftResumed -> EvtOnClock
*/

type Command struct {
	Type          CommandType
	ParticipantID string
	SelectionID   string
	Now           time.Time
	// Deadline is the timer deadline a CmdTick was armed for. A zero value
	// means "whatever deadline is current".
	Deadline time.Time
	// Candidates is the autopick ranking for the participant on the clock,
	// best first. Only read by CmdTick.
	Candidates []string
}

type EventType string

const (
	EvtDraftStarted   EventType = "DraftStarted"
	EvtPickMade       EventType = "PickMade"
	EvtOnClock        EventType = "OnClock"
	EvtDraftCompleted EventType = "DraftCompleted"
	EvtDraftPaused    EventType = "DraftPaused"
	EvtDraftResumed   EventType = "DraftResumed"
)

type Event struct {
	Type          EventType
	ParticipantID string
	Pick          Pick
	Deadline      time.Time
	Remaining     time.Duration
}

// Apply is the pure transition function of a draft. It never mutates s; on
// error the returned state is s unchanged.
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdStart:
		return start(s, cmd.Now)
	case CmdMakePick:
		return makePick(s, cmd.ParticipantID, cmd.SelectionID, cmd.Now, false)
	case CmdTick:
		return tick(s, cmd)
	case CmdPause:
		return pause(s, cmd.Now)
	case CmdResume:
		return resume(s, cmd.Now)
	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func start(s State, now time.Time) ([]Event, State, error) {
	if s.Status != StatusScheduled {
		return nil, s, ErrAlreadyStarted
	}
	if err := Validate(s); err != nil {
		return nil, s, err
	}

	newState := s
	newState.Status = StatusInProgress
	newState.CurrentRound, newState.CurrentPickIndex = 1, 1
	newState.TimerDeadline = now.Add(s.PickTimer)

	cur, err := CurrentParticipant(newState)
	if err != nil {
		return nil, s, err
	}
	events := []Event{
		{Type: EvtDraftStarted},
		{Type: EvtOnClock, ParticipantID: cur, Deadline: newState.TimerDeadline},
	}
	return events, newState, nil
}

func makePick(s State, participantID, selectionID string, now time.Time, auto bool) ([]Event, State, error) {
	cur, err := CurrentParticipant(s)
	if err != nil {
		return nil, s, err
	}
	// Turn ownership is checked before status so every draft state rejects
	// the wrong participant the same way.
	if cur == "" || participantID != cur {
		return nil, s, ErrWrongTurn
	}
	if s.Status != StatusInProgress {
		return nil, s, ErrNotInProgress
	}
	if selectionID == "" {
		return nil, s, ErrInvalidSelection
	}
	if isTaken(s, selectionID) {
		return nil, s, ErrAlreadyTaken
	}

	n := len(s.Order)
	pick := Pick{
		Round:         s.CurrentRound,
		PickInRound:   s.CurrentPickIndex,
		PickNumber:    OverallPick(s.CurrentRound, s.CurrentPickIndex, n),
		ParticipantID: cur,
		SelectionID:   selectionID,
		MadeAt:        now,
		WasAutopick:   auto,
	}

	newState := s
	newState.Picks = append(slices.Clone(s.Picks), pick)
	newState.TimerDeadline = time.Time{}
	newState.CurrentRound, newState.CurrentPickIndex = positionAfter(len(newState.Picks), n)

	events := []Event{{Type: EvtPickMade, ParticipantID: cur, Pick: pick}}

	if len(newState.Picks) >= s.Rounds*n {
		newState.Status = StatusCompleted
		newState.CompletedAt = now
		events = append(events, Event{Type: EvtDraftCompleted})
		return events, newState, nil
	}

	next, err := CurrentParticipant(newState)
	if err != nil {
		return nil, s, err
	}
	newState.TimerDeadline = now.Add(s.PickTimer)
	events = append(events, Event{Type: EvtOnClock, ParticipantID: next, Deadline: newState.TimerDeadline})
	return events, newState, nil
}

func tick(s State, cmd Command) ([]Event, State, error) {
	if s.Status != StatusInProgress {
		return nil, s, ErrNotInProgress
	}
	if !cmd.Deadline.IsZero() && !cmd.Deadline.Equal(s.TimerDeadline) {
		return nil, s, ErrAlreadyAdvanced
	}
	if cmd.Now.Before(s.TimerDeadline) || !s.AutopickEnabled {
		return nil, s, nil
	}

	cur, err := CurrentParticipant(s)
	if err != nil {
		return nil, s, err
	}
	selection, ok := BestAvailable(s, cmd.Candidates)
	if !ok {
		return nil, s, fmt.Errorf("%w: participant %s", ErrNoSelection, cur)
	}
	return makePick(s, cur, selection, cmd.Now, true)
}

func pause(s State, now time.Time) ([]Event, State, error) {
	if s.Status != StatusInProgress {
		return nil, s, ErrNotInProgress
	}
	newState := s
	newState.Status = StatusPaused
	newState.Remaining = max(s.TimerDeadline.Sub(now), 0)
	newState.TimerDeadline = time.Time{}
	return []Event{{Type: EvtDraftPaused, Remaining: newState.Remaining}}, newState, nil
}

func resume(s State, now time.Time) ([]Event, State, error) {
	if s.Status != StatusPaused {
		return nil, s, ErrNotPaused
	}
	cur, err := CurrentParticipant(s)
	if err != nil {
		return nil, s, err
	}
	newState := s
	newState.Status = StatusInProgress
	newState.TimerDeadline = now.Add(s.Remaining)
	newState.Remaining = 0
	events := []Event{
		{Type: EvtDraftResumed},
		{Type: EvtOnClock, ParticipantID: cur, Deadline: newState.TimerDeadline},
	}
	return events, newState, nil
}

// Replay rebuilds the draft position from a scheduled base and its persisted
// picks. Every pick must belong to the participant the snake order puts at its
// position. Status, timer and remaining time are left for the caller to
// restore.
func Replay(base State, picks []Pick) (State, error) {
	if err := Validate(base); err != nil {
		return base, err
	}
	n := len(base.Order)
	s := base
	s.Picks = make([]Pick, 0, len(picks))
	for i, p := range picks {
		round, inRound := positionAfter(i, n)
		idx, err := SnakeIndex(round, inRound, n)
		if err != nil {
			return base, err
		}
		if base.Order[idx] != p.ParticipantID {
			return base, fmt.Errorf("%w: pick %d belongs to %s, got %s", ErrInvariant, i+1, base.Order[idx], p.ParticipantID)
		}
		s.Picks = append(s.Picks, p)
	}
	s.CurrentRound, s.CurrentPickIndex = positionAfter(len(s.Picks), n)
	if len(s.Picks) >= s.Rounds*n {
		s.Status = StatusCompleted
		s.TimerDeadline = time.Time{}
	}
	return s, nil
}

func isTaken(s State, selectionID string) bool {
	return slices.ContainsFunc(s.Picks, func(p Pick) bool { return p.SelectionID == selectionID })
}
