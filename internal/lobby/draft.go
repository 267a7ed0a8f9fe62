package lobby

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/chatlog"
	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/notify"
	wire "github.com/DoyleJ11/league-live/pkg/types"
)

const (
	PauseReasonOperator      = "operator"
	PauseReasonInternalError = "internal_error"
	PauseReasonNoSelection   = "autopick_unavailable"

	degradedNotice = "draft paused due to an internal error"
)

func (r *Room) makePick(msg MakePick) error {
	if r.draft == nil {
		return ErrNoDraft
	}
	if r.follower {
		return ErrNotOwner
	}
	return r.applyDraft(engine.Command{
		Type:          engine.CmdMakePick,
		ParticipantID: msg.Identity.ID,
		SelectionID:   msg.SelectionID,
		Now:           r.cfg.Now(),
	})
}

func (r *Room) control(cmd engine.CommandType) error {
	if r.draft == nil {
		return ErrNoDraft
	}
	switch cmd {
	case engine.CmdStart, engine.CmdPause, engine.CmdResume:
	default:
		return engine.ErrUnsupportedCommand
	}
	if r.follower {
		return ErrNotOwner
	}
	err := r.applyDraft(engine.Command{Type: cmd, Now: r.cfg.Now()})
	if err == nil && cmd == engine.CmdResume {
		r.degraded = false
	}
	return err
}

func (r *Room) attachDraft(s engine.State) error {
	if r.draft != nil {
		return ErrDraftExists
	}
	if err := engine.Validate(s); err != nil {
		return err
	}
	r.draft = &s
	r.archived = false
	return nil
}

// tickDraft runs autopick for an expired turn and drops completed drafts
// once their archive grace has passed. Followers only do the latter; the
// owner's autopick reaches them as a relayed pick.
func (r *Room) tickDraft(now time.Time) {
	d := r.draft
	switch d.Status {
	case engine.StatusCompleted:
		if r.cfg.ArchiveGrace > 0 && !d.CompletedAt.IsZero() && now.Sub(d.CompletedAt) >= r.cfg.ArchiveGrace {
			r.logger.Info("draft archived from memory", zap.String("draft_id", d.DraftID))
			r.draft = nil
			r.archived = true
			if r.cfg.OnDraftArchived != nil {
				r.cfg.OnDraftArchived(d.DraftID)
			}
		}
		return
	case engine.StatusInProgress:
	default:
		return
	}
	if r.follower {
		return
	}
	if now.Before(d.TimerDeadline) || !d.AutopickEnabled {
		return
	}

	onClock, err := engine.CurrentParticipant(*d)
	if err != nil {
		r.degrade(err)
		return
	}
	var candidates []string
	if r.cfg.Ranking != nil {
		candidates = r.cfg.Ranking.Rank(d.DraftID, onClock)
	}

	err = r.applyDraft(engine.Command{
		Type:       engine.CmdTick,
		Now:        now,
		Deadline:   d.TimerDeadline,
		Candidates: candidates,
	})
	switch {
	case err == nil, errors.Is(err, engine.ErrAlreadyAdvanced), errors.Is(err, engine.ErrNotInProgress):
	case errors.Is(err, engine.ErrNoSelection):
		r.logger.Warn("autopick found nothing available, pausing draft",
			zap.String("draft_id", d.DraftID),
			zap.String("participant_id", onClock),
		)
		r.forcePause(now, PauseReasonNoSelection)
	default:
		r.logger.Error("autopick failed", zap.String("draft_id", d.DraftID), zap.Error(err))
	}
}

// applyDraft runs cmd through the engine and, on success, publishes the
// resulting events before queuing persistence and notifications.
func (r *Room) applyDraft(cmd engine.Command) error {
	events, next, err := engine.Apply(*r.draft, cmd)
	if errors.Is(err, engine.ErrInvariant) {
		r.degrade(err)
		return err
	}
	if err != nil {
		return err
	}
	r.draft = &next

	for _, ev := range events {
		r.publishDraftEvent(next, ev)
	}
	r.persist(next, events)
	r.notifyOnClock(next, events)
	return nil
}

func (r *Room) publishDraftEvent(s engine.State, ev engine.Event) {
	switch ev.Type {
	case engine.EvtPickMade:
		r.publish(wire.DraftPickMade, wire.PickMadePayload{DraftID: s.DraftID, Pick: toWirePick(ev.Pick)})
	case engine.EvtOnClock:
		r.publish(wire.DraftOnClock, wire.OnClockPayload{
			DraftID:       s.DraftID,
			ParticipantID: ev.ParticipantID,
			Deadline:      ev.Deadline.UTC(),
		})
	case engine.EvtDraftCompleted:
		r.publish(wire.DraftCompleted, wire.DraftCompletedPayload{DraftID: s.DraftID})
	case engine.EvtDraftPaused:
		r.publish(wire.DraftPaused, wire.DraftPausedPayload{
			DraftID:     s.DraftID,
			RemainingMS: ev.Remaining.Milliseconds(),
			Reason:      PauseReasonOperator,
		})
	case engine.EvtDraftResumed:
		r.publish(wire.DraftResumed, wire.DraftResumedPayload{DraftID: s.DraftID})
	}
}

func (r *Room) persist(s engine.State, events []engine.Event) {
	p := r.cfg.Persister
	if p == nil {
		return
	}
	for _, ev := range events {
		if ev.Type == engine.EvtPickMade {
			_ = p.AppendPick(s.DraftID, ev.Pick)
		}
	}
	_ = p.SaveDraftState(s)
	if engine.ContainsEvent(events, engine.EvtDraftCompleted) {
		_ = p.ArchiveCompletedDraft(s.DraftID)
	}
}

func (r *Room) notifyOnClock(s engine.State, events []engine.Event) {
	for _, ev := range events {
		if ev.Type != engine.EvtOnClock || r.online(ev.ParticipantID) {
			continue
		}
		payload, _ := json.Marshal(wire.OnClockPayload{
			DraftID:       s.DraftID,
			ParticipantID: ev.ParticipantID,
			Deadline:      ev.Deadline.UTC(),
		})
		r.dispatch(notify.DispatchRequest{
			TargetIdentity: ev.ParticipantID,
			Title:          "You're on the clock",
			Body:           fmt.Sprintf("Round %d pick %d: make your selection before the timer runs out.", s.CurrentRound, s.CurrentPickIndex),
			Tag:            notify.TagOnClock,
			Payload:        payload,
		})
	}
}

// degrade contains an invariant violation to this room: the draft is paused,
// the room is flagged, and members are told through a system message.
func (r *Room) degrade(cause error) {
	r.logger.Error("draft invariant violated, room degraded", zap.Error(cause))
	r.degraded = true
	if r.draft != nil && r.draft.Status == engine.StatusInProgress {
		r.forcePause(r.cfg.Now(), PauseReasonInternalError)
	}
	r.appendSystem(degradedNotice)
}

// forcePause pauses the draft without going through turn resolution, which
// may be what failed.
func (r *Room) forcePause(now time.Time, reason string) {
	s := *r.draft
	s.Remaining = engine.RemainingAt(s, now)
	s.Status = engine.StatusPaused
	s.TimerDeadline = time.Time{}
	r.draft = &s

	r.publish(wire.DraftPaused, wire.DraftPausedPayload{
		DraftID:     s.DraftID,
		RemainingMS: s.Remaining.Milliseconds(),
		Reason:      reason,
	})
	if r.cfg.Persister != nil {
		_ = r.cfg.Persister.SaveDraftState(s)
	}
}

func (r *Room) appendSystem(body string) {
	msg, err := r.log.Append(chatlog.Message{Body: body, Kind: chatlog.KindSystem})
	if err != nil {
		return
	}
	r.publish(wire.ChatNewMessage, wire.NewMessagePayload{Message: toWireMessage(msg)})
}

func (r *Room) draftSnapshot(now time.Time) *wire.DraftSnapshot {
	return DraftSnapshot(*r.draft, r.degraded, now)
}

// DraftSnapshot renders d as a client sees it at now.
func DraftSnapshot(d engine.State, degraded bool, now time.Time) *wire.DraftSnapshot {
	snap := &wire.DraftSnapshot{
		DraftID:          d.DraftID,
		Status:           string(d.Status),
		Order:            append([]string(nil), d.Order...),
		Rounds:           d.Rounds,
		CurrentRound:     d.CurrentRound,
		CurrentPickIndex: d.CurrentPickIndex,
		RemainingMS:      engine.RemainingAt(d, now).Milliseconds(),
		AutopickEnabled:  d.AutopickEnabled,
		Picks:            make([]wire.Pick, 0, len(d.Picks)),
		Degraded:         degraded,
	}
	if d.Status == engine.StatusInProgress || d.Status == engine.StatusPaused {
		if cur, err := engine.CurrentParticipant(d); err == nil {
			snap.OnClock = cur
		}
	}
	if !d.TimerDeadline.IsZero() {
		snap.Deadline = d.TimerDeadline.UTC()
	}
	for _, p := range d.Picks {
		snap.Picks = append(snap.Picks, toWirePick(p))
	}
	return snap
}
