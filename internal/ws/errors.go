package ws

import (
	"errors"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/chatlog"
	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/hub"
	"github.com/DoyleJ11/league-live/internal/lobby"
	"github.com/DoyleJ11/league-live/internal/ratelimit"
)

// Error codes carried in error{code, message} frames and HTTP error bodies.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeWrongTurn       = "WRONG_TURN"
	CodeAlreadyTaken    = "ALREADY_TAKEN"
	CodeNotInProgress   = "NOT_IN_PROGRESS"
	CodeRoomNotFound    = "ROOM_NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeConflict        = "CONFLICT"
	CodeInternal        = "INTERNAL"
)

// ErrorCode classifies err into the client-facing taxonomy. Anything it does
// not recognize is INTERNAL.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, engine.ErrWrongTurn):
		return CodeWrongTurn
	case errors.Is(err, engine.ErrAlreadyTaken):
		return CodeAlreadyTaken
	case errors.Is(err, engine.ErrNotInProgress):
		return CodeNotInProgress
	case errors.Is(err, lobby.ErrNotMember), errors.Is(err, hub.ErrRoomNotFound), errors.Is(err, lobby.ErrRoomClosed):
		return CodeRoomNotFound
	case errors.Is(err, ratelimit.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, chatlog.ErrNotFound), errors.Is(err, lobby.ErrNoDraft):
		return CodeNotFound
	case errors.Is(err, lobby.ErrDraftExists), errors.Is(err, engine.ErrAlreadyStarted), errors.Is(err, engine.ErrNotPaused),
		errors.Is(err, lobby.ErrNotOwner):
		return CodeConflict
	case errors.Is(err, lobby.ErrInvalidMessage), errors.Is(err, chatlog.ErrEmptyBody),
		errors.Is(err, engine.ErrInvalidSelection), errors.Is(err, engine.ErrInvalidDraft),
		errors.Is(err, engine.ErrUnsupportedCommand):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

// ErrorMessage is the text shown to the client. Internal failures are not
// described.
func ErrorMessage(err error) string {
	if ErrorCode(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}
