package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/hub"
	"github.com/DoyleJ11/league-live/internal/lobby"
	"github.com/DoyleJ11/league-live/internal/ranking"
	"github.com/DoyleJ11/league-live/internal/store"
	"github.com/DoyleJ11/league-live/internal/ws"
	wire "github.com/DoyleJ11/league-live/pkg/types"
)

var t0 = time.Date(2025, 9, 1, 19, 0, 0, 0, time.UTC)

type fixture struct {
	hub      *hub.Hub
	board    *ranking.Board
	verifier *auth.JWTVerifier
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	verifier, err := auth.NewJWTVerifier("test-secret", "")
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	board := ranking.NewBoard()
	h := hub.New(context.Background(), hub.Config{
		Store:    store.NewMemory(),
		Rankings: board,
		Room:     lobby.Config{ChatCapacity: 20, IdleGrace: time.Minute, Now: func() time.Time { return t0 }},
		Logger:   logger,
	})
	t.Cleanup(func() { _ = h.Close() })

	return &fixture{
		hub:      h,
		board:    board,
		verifier: verifier,
		handler: SetupRoutes(Deps{
			Hub:      h,
			Verifier: verifier,
			Logger:   logger,
			Now:      func() time.Time { return t0 },
		}),
	}
}

func (f *fixture) token(t *testing.T, id string, rooms ...string) string {
	t.Helper()
	token, err := f.verifier.Sign(auth.Identity{ID: id, RoomMemberships: rooms}, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[wire.ErrorPayload](t, rec).Code
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[map[string]any](t, rec)["status"])
}

func TestDraftRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/drafts"},
		{http.MethodGet, "/drafts/d1"},
		{http.MethodPost, "/drafts/d1/start"},
		{http.MethodGet, "/rooms/d1/history"},
	} {
		rec := f.do(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
		assert.Equal(t, ws.CodeUnauthorized, errorCode(t, rec), tc.path)
	}
}

func TestCreateDraft(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "commish", "d1", "d2")

	rec := f.do(t, http.MethodPost, "/drafts", token, createDraftRequest{
		DraftID:          "d1",
		Order:            []string{"A", "B", "C", "D"},
		Rounds:           2,
		PickTimerSeconds: 60,
		Autopick:         true,
		Ranking:          []string{"s1", "s2", "s3"},
		PersonalRankings: map[string][]string{"B": {"s3"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	snap := decodeBody[wire.DraftSnapshot](t, rec)
	assert.Equal(t, "d1", snap.DraftID)
	assert.Equal(t, string(engine.StatusScheduled), snap.Status)
	assert.Equal(t, []string{"A", "B", "C", "D"}, snap.Order)
	assert.Zero(t, snap.RemainingMS, "the clock only runs once the draft starts")

	assert.Equal(t, []string{"s1", "s2", "s3"}, f.board.Rank("d1", "A"))
	assert.Equal(t, []string{"s3"}, f.board.Rank("d1", "B"))

	rec = f.do(t, http.MethodPost, "/drafts", token, createDraftRequest{DraftID: "d1", Order: []string{"A"}, Rounds: 1, PickTimerSeconds: 30})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, []string{"s1", "s2", "s3"}, f.board.Rank("d1", "A"), "a rejected duplicate keeps the original ranking")

	rec = f.do(t, http.MethodPost, "/drafts", token, createDraftRequest{DraftID: "d2", Rounds: 1, PickTimerSeconds: 30})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ws.CodeInvalidArgument, errorCode(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/drafts", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	raw := httptest.NewRecorder()
	f.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestCreateDraftRequiresMembershipOfChosenID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/drafts", f.token(t, "commish", "d1"), createDraftRequest{
		DraftID: "someone-elses", Order: []string{"A", "B"}, Rounds: 1, PickTimerSeconds: 30,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ws.CodeRoomNotFound, errorCode(t, rec))
	_, ok := f.hub.Lookup("someone-elses")
	assert.False(t, ok, "nothing is scheduled")
}

func TestCreateDraftGeneratesID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/drafts", f.token(t, "commish"), createDraftRequest{
		Order: []string{"A", "B"}, Rounds: 1, PickTimerSeconds: 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	snap := decodeBody[wire.DraftSnapshot](t, rec)
	assert.Len(t, snap.DraftID, 6)

	_, ok := f.hub.Lookup(snap.DraftID)
	assert.True(t, ok)
}

func TestControlDraft(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.hub.ScheduleDraft(context.Background(), engine.NewDraft("d1", []string{"A", "B"}, 1, time.Minute, false), ranking.Lists{}))
	member := f.token(t, "A", "d1")

	rec := f.do(t, http.MethodPost, "/drafts/d1/start", f.token(t, "X", "other"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ws.CodeRoomNotFound, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/drafts/d1/start", member, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decodeBody[wire.DraftSnapshot](t, rec)
	assert.Equal(t, string(engine.StatusInProgress), snap.Status)
	assert.Equal(t, "A", snap.OnClock)

	rec = f.do(t, http.MethodPost, "/drafts/d1/start", member, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/drafts/d1/pause", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(engine.StatusPaused), decodeBody[wire.DraftSnapshot](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/drafts/d1/resume", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(engine.StatusInProgress), decodeBody[wire.DraftSnapshot](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/drafts/d1/rewind", member, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/drafts/d1", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "d1", decodeBody[wire.DraftSnapshot](t, rec).DraftID)
}

func TestGetDraftWithoutDraft(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/drafts/watch-party", f.token(t, "A", "watch-party"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ws.CodeNotFound, errorCode(t, rec))
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := auth.Identity{ID: "A", RoomMemberships: []string{"league-7"}}

	for _, body := range []string{"one", "two", "three"} {
		err := f.hub.With(ctx, "league-7", func(r *lobby.Room) error {
			return lobby.Ask(ctx, r, func(reply chan error) lobby.Msg {
				return lobby.SendChat{Identity: a, Body: body, Reply: reply}
			})
		})
		require.NoError(t, err)
	}
	token := f.token(t, "A", "league-7")

	rec := f.do(t, http.MethodGet, "/rooms/league-7/history?limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[historyResponse](t, rec)
	assert.Equal(t, "league-7", resp.RoomID)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "two", resp.Messages[0].Body)
	assert.Equal(t, "three", resp.Messages[1].Body)

	rec = f.do(t, http.MethodGet, "/rooms/league-7/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[historyResponse](t, rec).Messages, 3)

	rec = f.do(t, http.MethodGet, "/rooms/league-7/history?limit=-1", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/rooms/league-8/history", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for range 20 {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, c := range code {
			assert.True(t, (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'), "unexpected %q", c)
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1)
}
