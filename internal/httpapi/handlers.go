package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/lobby"
	"github.com/DoyleJ11/league-live/internal/ranking"
	"github.com/DoyleJ11/league-live/internal/ws"
	wire "github.com/DoyleJ11/league-live/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxCodeAttempts     = 5
)

type api struct {
	Deps
	logger *zap.Logger
}

// GenerateCode returns a short random draft id such as "K3Q9ZD".
func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type createDraftRequest struct {
	DraftID          string              `json:"draftId,omitempty"`
	Order            []string            `json:"order"`
	Rounds           int                 `json:"rounds"`
	PickTimerSeconds int                 `json:"pickTimerSeconds"`
	Autopick         bool                `json:"autopick"`
	Ranking          []string            `json:"ranking,omitempty"`
	PersonalRankings map[string][]string `json:"personalRankings,omitempty"`
}

type historyResponse struct {
	RoomID   string             `json:"roomId"`
	Messages []wire.ChatMessage `json:"messages"`
}

func (a *api) createDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", lobby.ErrInvalidMessage, err))
		return
	}
	timer := time.Duration(req.PickTimerSeconds) * time.Second

	lists := ranking.Lists{Defaults: req.Ranking, Personal: req.PersonalRankings}
	schedule := func(id string) error {
		st := engine.NewDraft(id, req.Order, req.Rounds, timer, req.Autopick)
		return a.Hub.ScheduleDraft(r.Context(), st, lists)
	}

	id := req.DraftID
	var err error
	if id != "" {
		// A caller-chosen id must be one the token already grants.
		if !identityFrom(r.Context()).MemberOf(id) {
			writeError(w, lobby.ErrNotMember)
			return
		}
		err = schedule(id)
	} else {
		for range maxCodeAttempts {
			if id, err = GenerateCode(); err != nil {
				break
			}
			if err = schedule(id); !errors.Is(err, lobby.ErrDraftExists) {
				break
			}
			a.logger.Info("draft id collision, regenerating", zap.String("draft_id", id))
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}

	a.logger.Info("draft scheduled",
		zap.String("draft_id", id),
		zap.String("by", identityFrom(r.Context()).ID),
		zap.Int("participants", len(req.Order)),
		zap.Int("rounds", req.Rounds),
	)
	a.writeDraft(r.Context(), w, id, http.StatusCreated)
}

func (a *api) getDraft(w http.ResponseWriter, r *http.Request) {
	draftID := chi.URLParam(r, "draftID")
	if !identityFrom(r.Context()).MemberOf(draftID) {
		writeError(w, lobby.ErrNotMember)
		return
	}
	a.writeDraft(r.Context(), w, draftID, http.StatusOK)
}

func (a *api) controlDraft(w http.ResponseWriter, r *http.Request) {
	draftID := chi.URLParam(r, "draftID")
	var cmd engine.CommandType
	switch chi.URLParam(r, "action") {
	case "start":
		cmd = engine.CmdStart
	case "pause":
		cmd = engine.CmdPause
	case "resume":
		cmd = engine.CmdResume
	default:
		writeError(w, fmt.Errorf("%w: unknown action %q", lobby.ErrInvalidMessage, chi.URLParam(r, "action")))
		return
	}
	if !identityFrom(r.Context()).MemberOf(draftID) {
		writeError(w, lobby.ErrNotMember)
		return
	}
	if err := a.Hub.Control(r.Context(), draftID, cmd); err != nil {
		writeError(w, err)
		return
	}
	a.writeDraft(r.Context(), w, draftID, http.StatusOK)
}

func (a *api) writeDraft(ctx context.Context, w http.ResponseWriter, draftID string, status int) {
	var snap *wire.DraftSnapshot
	err := a.Hub.With(ctx, draftID, func(room *lobby.Room) error {
		v, err := room.State(ctx)
		if err != nil {
			return err
		}
		if v.Draft == nil {
			return lobby.ErrNoDraft
		}
		snap = lobby.DraftSnapshot(*v.Draft, v.Degraded, a.Now())
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, snap)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !identityFrom(r.Context()).MemberOf(roomID) {
		writeError(w, lobby.ErrNotMember)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", lobby.ErrInvalidMessage))
			return
		}
		limit = n
	}

	resp := historyResponse{RoomID: roomID}
	err := a.Hub.With(r.Context(), roomID, func(room *lobby.Room) error {
		msgs, err := room.History(r.Context(), limit)
		resp.Messages = lobby.WireMessages(msgs)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rooms": a.Hub.Len()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var statusByCode = map[string]int{
	ws.CodeUnauthorized:    http.StatusUnauthorized,
	ws.CodeWrongTurn:       http.StatusConflict,
	ws.CodeAlreadyTaken:    http.StatusConflict,
	ws.CodeNotInProgress:   http.StatusConflict,
	ws.CodeConflict:        http.StatusConflict,
	ws.CodeRoomNotFound:    http.StatusNotFound,
	ws.CodeNotFound:        http.StatusNotFound,
	ws.CodeRateLimited:     http.StatusTooManyRequests,
	ws.CodeInvalidArgument: http.StatusBadRequest,
}

func writeError(w http.ResponseWriter, err error) {
	code := ws.ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, wire.ErrorPayload{Code: code, Message: ws.ErrorMessage(err)})
}
