package lobby

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/types"
	wire "github.com/DoyleJ11/league-live/pkg/types"
)

func (r *Room) setOwnership(msg Ownership) {
	if msg.Owner && r.follower && msg.State != nil && (r.draft == nil || len(msg.State.Picks) >= len(r.draft.Picks)) {
		s := *msg.State
		r.draft = &s
	}
	if r.follower == !msg.Owner {
		return
	}
	r.follower = !msg.Owner
	if r.follower {
		r.logger.Warn("draft lease lost, following the new owner")
		return
	}
	r.logger.Info("draft lease acquired")
}

// mirror applies a draft event published by the owning process to the local
// copy, so snapshots served from this process match the owner's.
func (r *Room) mirror(msg types.ServerMessage) {
	if !r.follower || r.draft == nil {
		return
	}
	d := *r.draft
	switch msg.Type {
	case wire.DraftOnClock:
		var p wire.OnClockPayload
		if !r.decodeMirrored(msg, &p) {
			return
		}
		d.Status = engine.StatusInProgress
		d.TimerDeadline = p.Deadline
		d.Remaining = 0

	case wire.DraftPickMade:
		var p wire.PickMadePayload
		if !r.decodeMirrored(msg, &p) {
			return
		}
		if p.Pick.PickNumber <= len(d.Picks) {
			return
		}
		if p.Pick.PickNumber != len(d.Picks)+1 {
			r.logger.Warn("mirrored draft missed a pick",
				zap.Int("have", len(d.Picks)),
				zap.Int("got", p.Pick.PickNumber),
			)
			return
		}
		next, err := engine.Replay(d, append(slices.Clone(d.Picks), fromWirePick(p.Pick)))
		if err != nil {
			r.logger.Warn("mirrored pick rejected", zap.Error(err))
			return
		}
		if next.Status == engine.StatusCompleted {
			next.CompletedAt = p.Pick.MadeAt
		}
		d = next

	case wire.DraftCompleted:
		d.Status = engine.StatusCompleted
		d.TimerDeadline = time.Time{}
		if d.CompletedAt.IsZero() {
			d.CompletedAt = r.cfg.Now()
		}

	case wire.DraftPaused:
		var p wire.DraftPausedPayload
		if !r.decodeMirrored(msg, &p) {
			return
		}
		d.Status = engine.StatusPaused
		d.Remaining = time.Duration(p.RemainingMS) * time.Millisecond
		d.TimerDeadline = time.Time{}

	case wire.DraftResumed:
		// The deadline arrives with the on_clock that follows.
		d.Status = engine.StatusInProgress
	}
	r.draft = &d
}

func (r *Room) decodeMirrored(msg types.ServerMessage, v any) bool {
	if err := jsonDecode(msg.Payload, v); err != nil {
		r.logger.Warn("malformed relayed draft event", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return true
}

func fromWirePick(p wire.Pick) engine.Pick {
	return engine.Pick{
		Round:         p.Round,
		PickInRound:   p.PickInRound,
		PickNumber:    p.PickNumber,
		ParticipantID: p.ParticipantID,
		SelectionID:   p.SelectionID,
		MadeAt:        p.MadeAt,
		WasAutopick:   p.WasAutopick,
	}
}
