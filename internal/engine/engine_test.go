package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var t0 = time.Date(2026, 9, 6, 19, 0, 0, 0, time.UTC)

func startedDraft(t *testing.T, order []string, rounds int) State {
	t.Helper()
	s := NewDraft("d1", order, rounds, 60*time.Second, true)
	_, s, err := Apply(s, Command{Type: CmdStart, Now: t0})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func TestSnakeIndex_InRangeAndFair(t *testing.T) {
	for n := 1; n <= 12; n++ {
		for rounds := 1; rounds <= 6; rounds++ {
			seen := make([]int, n)
			for r := 1; r <= rounds; r++ {
				for p := 1; p <= n; p++ {
					idx, err := SnakeIndex(r, p, n)
					if err != nil {
						t.Fatalf("n=%d r=%d p=%d: unexpected err %v", n, r, p, err)
					}
					if idx < 0 || idx >= n {
						t.Fatalf("n=%d r=%d p=%d: index %d out of range", n, r, p, idx)
					}
					seen[idx]++
				}
			}
			for i, c := range seen {
				if c != rounds {
					t.Fatalf("n=%d rounds=%d: participant %d picked %d times", n, rounds, i, c)
				}
			}
		}
	}
}

func TestSnakeIndex_RejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name           string
		round, pick, n int
	}{
		{"zero participants", 1, 1, 0},
		{"round zero", 0, 1, 4},
		{"pick zero", 1, 0, 4},
		{"pick past n", 2, 5, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := SnakeIndex(tc.round, tc.pick, tc.n)
			if !errors.Is(err, ErrInvariant) {
				t.Fatalf("want ErrInvariant, got %v", err)
			}
		})
	}
}

func TestFourTeamSnakeDraft_CompletesAfterEightPicks(t *testing.T) {
	order := []string{"A", "B", "C", "D"}
	s := startedDraft(t, order, 2)

	want := []string{"A", "B", "C", "D", "D", "C", "B", "A"}
	for i, who := range want {
		cur, err := CurrentParticipant(s)
		if err != nil {
			t.Fatalf("pick %d: %v", i+1, err)
		}
		if cur != who {
			t.Fatalf("pick %d: want %s on the clock, got %s", i+1, who, cur)
		}
		var events []Event
		events, s, err = Apply(s, Command{Type: CmdMakePick, ParticipantID: who, SelectionID: fmt.Sprintf("p%d", i), Now: t0})
		if err != nil {
			t.Fatalf("pick %d: %v", i+1, err)
		}
		if !ContainsEvent(events, EvtPickMade) {
			t.Fatalf("pick %d: expected EvtPickMade", i+1)
		}
		if got := len(s.Picks); got != (s.CurrentRound-1)*len(order)+s.CurrentPickIndex-1 {
			t.Fatalf("pick %d: picks length %d does not match position r=%d p=%d", i+1, got, s.CurrentRound, s.CurrentPickIndex)
		}
	}

	if s.Status != StatusCompleted {
		t.Fatalf("want completed, got %s", s.Status)
	}
	if s.Picks[7].PickNumber != 8 || s.Picks[4].Round != 2 {
		t.Fatalf("unexpected pick numbering: %+v", s.Picks)
	}
}

func TestMakePick_WrongTurnInEveryState(t *testing.T) {
	order := []string{"A", "B", "C"}
	scheduled := NewDraft("d1", order, 1, time.Minute, false)
	inProgress := startedDraft(t, order, 1)
	_, paused, _ := Apply(inProgress, Command{Type: CmdPause, Now: t0})
	completed := inProgress
	for _, who := range order {
		var err error
		_, completed, err = Apply(completed, Command{Type: CmdMakePick, ParticipantID: who, SelectionID: who + "-sel", Now: t0})
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	cases := []struct {
		name  string
		setup State
	}{
		{"scheduled", scheduled},
		{"in progress", inProgress},
		{"paused", paused},
		{"completed", completed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, who := range []string{"B", "C", "stranger"} {
				_, got, err := Apply(tc.setup, Command{Type: CmdMakePick, ParticipantID: who, SelectionID: "x", Now: t0})
				if !errors.Is(err, ErrWrongTurn) {
					t.Fatalf("%s: want ErrWrongTurn, got %v", who, err)
				}
				if len(got.Picks) != len(tc.setup.Picks) {
					t.Fatalf("%s: state changed on error", who)
				}
			}
		})
	}
}

func TestMakePick_Rejections(t *testing.T) {
	order := []string{"A", "B"}
	s := startedDraft(t, order, 2)
	_, s, err := Apply(s, Command{Type: CmdMakePick, ParticipantID: "A", SelectionID: "mahomes", Now: t0})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, paused, _ := Apply(s, Command{Type: CmdPause, Now: t0})

	cases := []struct {
		name    string
		setup   State
		cmd     Command
		wantErr error
	}{
		{
			name:    "selection already taken",
			setup:   s,
			cmd:     Command{Type: CmdMakePick, ParticipantID: "B", SelectionID: "mahomes", Now: t0},
			wantErr: ErrAlreadyTaken,
		},
		{
			name:    "right participant while paused",
			setup:   paused,
			cmd:     Command{Type: CmdMakePick, ParticipantID: "B", SelectionID: "allen", Now: t0},
			wantErr: ErrNotInProgress,
		},
		{
			name:    "empty selection",
			setup:   s,
			cmd:     Command{Type: CmdMakePick, ParticipantID: "B", Now: t0},
			wantErr: ErrInvalidSelection,
		},
		{
			name:    "unknown command",
			setup:   s,
			cmd:     Command{Type: "Trade"},
			wantErr: ErrUnsupportedCommand,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Apply(tc.setup, tc.cmd)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestMakePick_DoesNotMutateInput(t *testing.T) {
	s := startedDraft(t, []string{"A", "B"}, 2)
	_, next, err := Apply(s, Command{Type: CmdMakePick, ParticipantID: "A", SelectionID: "x", Now: t0})
	if err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if len(s.Picks) != 0 || len(next.Picks) != 1 {
		t.Fatalf("input mutated: before=%d after=%d", len(s.Picks), len(next.Picks))
	}
}

func TestMakePick_RearmsTimerAndEmitsOnClock(t *testing.T) {
	s := startedDraft(t, []string{"A", "B"}, 1)
	later := t0.Add(10 * time.Second)
	events, s, err := Apply(s, Command{Type: CmdMakePick, ParticipantID: "A", SelectionID: "x", Now: later})
	if err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if len(events) != 2 || events[1].Type != EvtOnClock || events[1].ParticipantID != "B" {
		t.Fatalf("unexpected events %+v", events)
	}
	if !s.TimerDeadline.Equal(later.Add(60 * time.Second)) {
		t.Fatalf("timer not re-armed: %v", s.TimerDeadline)
	}

	events, s, err = Apply(s, Command{Type: CmdMakePick, ParticipantID: "B", SelectionID: "y", Now: later})
	if err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if !ContainsEvent(events, EvtDraftCompleted) || ContainsEvent(events, EvtOnClock) {
		t.Fatalf("expected completion without on-clock, got %+v", events)
	}
	if !s.TimerDeadline.IsZero() {
		t.Fatalf("timer should be cleared on completion")
	}
}

func TestTick_AutopicksOnceForSameDeadline(t *testing.T) {
	s := startedDraft(t, []string{"A", "B", "C"}, 1)
	deadline := s.TimerDeadline
	expired := deadline.Add(time.Second)
	cmd := Command{Type: CmdTick, Now: expired, Deadline: deadline, Candidates: []string{"best", "next"}}

	events, s, err := Apply(s, cmd)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if len(s.Picks) != 1 || !s.Picks[0].WasAutopick || s.Picks[0].SelectionID != "best" {
		t.Fatalf("unexpected picks %+v", s.Picks)
	}
	if !ContainsEvent(events, EvtOnClock) {
		t.Fatalf("turn should advance to B")
	}

	_, again, err := Apply(s, cmd)
	if !errors.Is(err, ErrAlreadyAdvanced) {
		t.Fatalf("second tick: want ErrAlreadyAdvanced, got %v", err)
	}
	if len(again.Picks) != 1 {
		t.Fatalf("second tick produced another pick")
	}
}

func TestTick_Cases(t *testing.T) {
	base := startedDraft(t, []string{"A", "B"}, 1)
	noAuto := base
	noAuto.AutopickEnabled = false
	taken := base
	taken.Picks = nil

	cases := []struct {
		name      string
		setup     State
		cmd       Command
		wantErr   error
		wantPicks int
	}{
		{"before deadline", base, Command{Type: CmdTick, Now: t0, Candidates: []string{"x"}}, nil, 0},
		{"autopick disabled", noAuto, Command{Type: CmdTick, Now: t0.Add(time.Hour), Candidates: []string{"x"}}, nil, 0},
		{"no candidates", base, Command{Type: CmdTick, Now: t0.Add(time.Hour)}, ErrNoSelection, 0},
		{"skips taken candidates", taken, Command{Type: CmdTick, Now: t0.Add(time.Hour), Candidates: []string{"", "x"}}, nil, 1},
		{"scheduled draft", NewDraft("d1", []string{"A"}, 1, 0, true), Command{Type: CmdTick, Now: t0}, ErrNotInProgress, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, s, err := Apply(tc.setup, tc.cmd)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected err %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
			if len(s.Picks) != tc.wantPicks {
				t.Fatalf("want %d picks, got %d", tc.wantPicks, len(s.Picks))
			}
		})
	}
}

func TestPauseResume_FreezesRemainingTime(t *testing.T) {
	s := startedDraft(t, []string{"A", "B"}, 1)

	_, paused, err := Apply(s, Command{Type: CmdPause, Now: t0.Add(20 * time.Second)})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Remaining != 40*time.Second || !paused.TimerDeadline.IsZero() {
		t.Fatalf("unexpected paused timer: remaining=%v deadline=%v", paused.Remaining, paused.TimerDeadline)
	}

	resumeAt := t0.Add(10 * time.Minute)
	events, resumed, err := Apply(paused, Command{Type: CmdResume, Now: resumeAt})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.TimerDeadline.Equal(resumeAt.Add(40 * time.Second)) {
		t.Fatalf("deadline not recomputed: %v", resumed.TimerDeadline)
	}
	if !ContainsEvent(events, EvtOnClock) {
		t.Fatalf("resume should put A back on the clock")
	}
}

func TestLifecycle_IllegalTransitions(t *testing.T) {
	scheduled := NewDraft("d1", []string{"A"}, 1, time.Minute, false)
	running := startedDraft(t, []string{"A"}, 1)
	_, paused, _ := Apply(running, Command{Type: CmdPause, Now: t0})

	cases := []struct {
		name    string
		setup   State
		cmd     Command
		wantErr error
	}{
		{"pause scheduled", scheduled, Command{Type: CmdPause}, ErrNotInProgress},
		{"resume running", running, Command{Type: CmdResume}, ErrNotPaused},
		{"start twice", running, Command{Type: CmdStart}, ErrAlreadyStarted},
		{"pause paused", paused, Command{Type: CmdPause}, ErrNotInProgress},
		{"start empty order", NewDraft("d1", nil, 1, 0, false), Command{Type: CmdStart}, ErrInvalidDraft},
		{"start duplicate participant", NewDraft("d1", []string{"A", "A"}, 1, 0, false), Command{Type: CmdStart}, ErrInvalidDraft},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Apply(tc.setup, tc.cmd)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestApply_CorruptPositionIsInvariantViolation(t *testing.T) {
	s := startedDraft(t, []string{"A", "B"}, 2)
	s.CurrentPickIndex = 7

	_, _, err := Apply(s, Command{Type: CmdMakePick, ParticipantID: "A", SelectionID: "x", Now: t0})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("want ErrInvariant, got %v", err)
	}
}

func TestReplay_RestoresPosition(t *testing.T) {
	s := startedDraft(t, []string{"A", "B", "C"}, 2)
	for _, who := range []string{"A", "B", "C", "C"} {
		var err error
		_, s, err = Apply(s, Command{Type: CmdMakePick, ParticipantID: who, SelectionID: "sel-" + who + fmt.Sprint(len(s.Picks)), Now: t0})
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	base := NewDraft("d1", []string{"A", "B", "C"}, 2, time.Minute, true)
	got, err := Replay(base, s.Picks)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got.CurrentRound != 2 || got.CurrentPickIndex != 2 {
		t.Fatalf("want r2 p2, got r%d p%d", got.CurrentRound, got.CurrentPickIndex)
	}
	if cur, _ := CurrentParticipant(got); cur != "B" {
		t.Fatalf("want B on the clock, got %s", cur)
	}

	bad := append([]Pick(nil), s.Picks...)
	bad[1].ParticipantID = "C"
	if _, err := Replay(base, bad); !errors.Is(err, ErrInvariant) {
		t.Fatalf("want ErrInvariant for out-of-order picks, got %v", err)
	}
}
