package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/lobby"
)

const forwardTimeout = 3 * time.Second

// remoteCommand is a draft command as it travels to the owning process.
type remoteCommand struct {
	Type        engine.CommandType `json:"type"`
	IdentityID  string             `json:"identityId,omitempty"`
	DisplayName string             `json:"displayName,omitempty"`
	SelectionID string             `json:"selectionId,omitempty"`
}

func (c remoteCommand) ask(ctx context.Context) func(*lobby.Room) error {
	return func(r *lobby.Room) error {
		return lobby.Ask(ctx, r, func(reply chan error) lobby.Msg {
			if c.Type == engine.CmdMakePick {
				return lobby.MakePick{
					Identity:    auth.Identity{ID: c.IdentityID, DisplayName: c.DisplayName},
					SelectionID: c.SelectionID,
					Reply:       reply,
				}
			}
			return lobby.Control{Command: c.Type, Reply: reply}
		})
	}
}

// command runs cmd on the local room. A follower room either takes over a
// lapsed lease or hands the command to the owner.
func (h *Hub) command(ctx context.Context, draftID string, cmd remoteCommand) error {
	err := h.With(ctx, draftID, cmd.ask(ctx))
	if !errors.Is(err, lobby.ErrNotOwner) || !h.leasing() {
		return err
	}
	if ok, claimErr := h.claim(ctx, draftID); claimErr == nil && ok {
		if err := h.adopt(ctx, draftID); err != nil {
			return err
		}
		return h.With(ctx, draftID, cmd.ask(ctx))
	}
	return h.forward(ctx, draftID, cmd)
}

func (h *Hub) forward(ctx context.Context, draftID string, cmd remoteCommand) error {
	bus := h.cfg.Room.Bus
	if bus == nil || !bus.Relayed() {
		return lobby.ErrNotOwner
	}
	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	raw, err := bus.Request(ctx, draftID, cmd)
	if err != nil {
		return fmt.Errorf("forward %s for draft %s: %w", cmd.Type, draftID, err)
	}
	var rep commandReply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return fmt.Errorf("decode reply for draft %s: %w", draftID, err)
	}
	return rep.err()
}

// HandleCommand applies a command a sibling forwarded, if this process holds
// the draft's lease.
func (h *Hub) HandleCommand(ctx context.Context, draftID string, payload json.RawMessage) (json.RawMessage, bool) {
	if !h.owns(draftID) {
		return nil, false
	}
	var cmd remoteCommand
	err := json.Unmarshal(payload, &cmd)
	if err != nil {
		err = fmt.Errorf("%w: %v", lobby.ErrInvalidMessage, err)
	} else {
		err = h.With(ctx, draftID, cmd.ask(ctx))
	}
	if err != nil {
		h.logger.Debug("forwarded command refused", zap.String("draft_id", draftID), zap.String("type", string(cmd.Type)), zap.Error(err))
	}
	reply, _ := json.Marshal(replyFor(err))
	return reply, true
}

// forwardable are the failures a draft owner reports back by name, so the
// forwarding side can classify them like local ones.
var forwardable = []error{
	lobby.ErrNoDraft,
	lobby.ErrNotOwner,
	lobby.ErrInvalidMessage,
	lobby.ErrRoomClosed,
	engine.ErrWrongTurn,
	engine.ErrAlreadyTaken,
	engine.ErrNotInProgress,
	engine.ErrNotPaused,
	engine.ErrAlreadyStarted,
	engine.ErrInvalidSelection,
	engine.ErrUnsupportedCommand,
	engine.ErrInvariant,
}

type commandReply struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func replyFor(err error) commandReply {
	if err == nil {
		return commandReply{}
	}
	for _, sentinel := range forwardable {
		if errors.Is(err, sentinel) {
			return commandReply{Error: sentinel.Error(), Message: err.Error()}
		}
	}
	return commandReply{Message: err.Error()}
}

func (rep commandReply) err() error {
	if rep.Error == "" && rep.Message == "" {
		return nil
	}
	for _, sentinel := range forwardable {
		if sentinel.Error() == rep.Error {
			return &remoteError{message: rep.Message, cause: sentinel}
		}
	}
	return &remoteError{message: rep.Message}
}

// remoteError carries the owner's error text while still matching the
// sentinel it wrapped there.
type remoteError struct {
	message string
	cause   error
}

func (e *remoteError) Error() string { return e.message }
func (e *remoteError) Unwrap() error { return e.cause }
