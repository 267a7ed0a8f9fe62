package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/ranking"
	"github.com/DoyleJ11/league-live/internal/store"
)

var t0 = time.Date(2025, 9, 1, 19, 0, 0, 0, time.UTC)

// newStore migrates a fresh SQLite database, which speaks enough of the
// same SQL as Postgres for every query the store issues.
func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "league.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func startDraft(t *testing.T, s *Store, id string) engine.State {
	t.Helper()
	st := engine.NewDraft(id, []string{"A", "B"}, 2, time.Minute, true)
	require.NoError(t, s.ScheduleDraft(context.Background(), st))
	_, st, err := engine.Apply(st, engine.Command{Type: engine.CmdStart, Now: t0})
	require.NoError(t, err)
	require.NoError(t, s.SaveDraftState(context.Background(), st))
	return st
}

func apply(t *testing.T, st engine.State, cmd engine.Command) (engine.State, engine.Pick) {
	t.Helper()
	events, next, err := engine.Apply(st, cmd)
	require.NoError(t, err)
	return next, events[0].Pick
}

func TestDraftRowConversion(t *testing.T) {
	deadline := time.Date(2025, 9, 1, 19, 1, 0, 0, time.UTC)
	st := engine.NewDraft("d1", []string{"A", "B", "C"}, 3, 90*time.Second, true)
	st.Status = engine.StatusPaused
	st.Remaining = 42 * time.Second
	st.TimerDeadline = deadline

	row, err := toDraftRow(st)
	require.NoError(t, err)
	assert.Equal(t, `["A","B","C"]`, row.OrderJSON)
	assert.Equal(t, int64(90_000), row.PickTimerMS)
	assert.Nil(t, row.CompletedAt)

	back, err := fromDraftRow(row)
	require.NoError(t, err)
	assert.Equal(t, st.Order, back.Order)
	assert.Equal(t, st.PickTimer, back.PickTimer)
	assert.Equal(t, engine.StatusPaused, back.Status)
	assert.Equal(t, 42*time.Second, back.Remaining)
	assert.True(t, deadline.Equal(back.TimerDeadline))
}

func TestFromDraftRowBadOrder(t *testing.T) {
	_, err := fromDraftRow(DraftRow{ID: "d1", OrderJSON: "not-json"})
	assert.Error(t, err)
}

func TestStoreLoadDraftStateRestoresPicksInOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	st := startDraft(t, s, "d1")

	st, p1 := apply(t, st, engine.Command{Type: engine.CmdMakePick, ParticipantID: "A", SelectionID: "x", Now: t0.Add(time.Second)})
	st, p2 := apply(t, st, engine.Command{Type: engine.CmdMakePick, ParticipantID: "B", SelectionID: "y", Now: t0.Add(2 * time.Second)})
	st, p3 := apply(t, st, engine.Command{Type: engine.CmdMakePick, ParticipantID: "B", SelectionID: "z", Now: t0.Add(3 * time.Second)})

	// Inserted out of order; the load orders by pick number.
	require.NoError(t, s.AppendPick(ctx, "d1", p3))
	require.NoError(t, s.AppendPick(ctx, "d1", p1))
	require.NoError(t, s.AppendPick(ctx, "d1", p2))
	require.NoError(t, s.SaveDraftState(ctx, st))

	got, err := s.LoadDraftState(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, got.Picks, 3)
	assert.Equal(t, []string{"x", "y", "z"}, []string{got.Picks[0].SelectionID, got.Picks[1].SelectionID, got.Picks[2].SelectionID})
	assert.Equal(t, engine.StatusInProgress, got.Status)
	assert.Equal(t, 2, got.CurrentRound)
	assert.Equal(t, 2, got.CurrentPickIndex)
	assert.True(t, st.TimerDeadline.Equal(got.TimerDeadline))

	_, err = s.LoadDraftState(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreAppendPickIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	st := startDraft(t, s, "d1")
	_, p1 := apply(t, st, engine.Command{Type: engine.CmdMakePick, ParticipantID: "A", SelectionID: "x", Now: t0})

	require.NoError(t, s.AppendPick(ctx, "d1", p1))
	retried := p1
	retried.SelectionID = "different"
	require.NoError(t, s.AppendPick(ctx, "d1", retried), "a retried write for the same pick number is ignored")

	var rows []PickRow
	require.NoError(t, s.db.Where("draft_id = ?", "d1").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "x", rows[0].SelectionID)
}

func TestStoreSaveDraftStateUnknownDraft(t *testing.T) {
	s := newStore(t)
	err := s.SaveDraftState(context.Background(), engine.NewDraft("ghost", []string{"A"}, 1, time.Minute, false))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreScheduleDraftTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	st := engine.NewDraft("d1", []string{"A", "B"}, 1, time.Minute, false)
	require.NoError(t, s.ScheduleDraft(ctx, st))
	assert.Error(t, s.ScheduleDraft(ctx, st))
	assert.ErrorIs(t, s.ScheduleDraft(ctx, engine.NewDraft("", nil, 0, 0, false)), engine.ErrInvalidDraft)
}

func TestStoreActiveDraftsAndArchive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	startDraft(t, s, "d-running")
	paused := startDraft(t, s, "d-paused")
	_, paused, err := engine.Apply(paused, engine.Command{Type: engine.CmdPause, Now: t0.Add(time.Second)})
	require.NoError(t, err)
	require.NoError(t, s.SaveDraftState(ctx, paused))
	require.NoError(t, s.ScheduleDraft(ctx, engine.NewDraft("d-later", []string{"A", "B"}, 1, time.Minute, true)))

	active, err := s.ActiveDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d-paused", "d-running"}, active)

	require.NoError(t, s.ArchiveCompletedDraft(ctx, "d-running"))
	require.NoError(t, s.ArchiveCompletedDraft(ctx, "d-running"), "archiving twice is harmless")
	active, err = s.ActiveDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d-paused"}, active)

	var row DraftRow
	require.NoError(t, s.db.Where("id = ?", "d-running").First(&row).Error)
	assert.NotNil(t, row.ArchivedAt)
}

func TestStoreAcquireLease(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	startDraft(t, s, "d1")

	ok, err := s.AcquireLease(ctx, "d1", "p1", t0, 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "d1", "p2", t0.Add(5*time.Second), 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.AcquireLease(ctx, "d1", "p1", t0.Add(10*time.Second), 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "renewal")

	ok, err = s.AcquireLease(ctx, "d1", "p2", t0.Add(20*time.Second), 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "renewal pushed the expiry to t0+25s")

	ok, err = s.AcquireLease(ctx, "d1", "p2", t0.Add(30*time.Second), 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lapsed lease is taken over")

	var row DraftRow
	require.NoError(t, s.db.Where("id = ?", "d1").First(&row).Error)
	assert.Equal(t, "p2", row.OwnerOrigin)

	_, err = s.AcquireLease(ctx, "nope", "p1", t0, time.Second)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreRankings(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	assert.ErrorIs(t, s.SaveRanking(ctx, "d1", ranking.Lists{Defaults: []string{"x"}}), store.ErrNotFound)
	startDraft(t, s, "d1")
	_, err := s.LoadRanking(ctx, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveRanking(ctx, "d1", ranking.Lists{
		Defaults: []string{"x", "y", "z"},
		Personal: map[string][]string{"B": {"z", "y"}},
	}))
	require.NoError(t, s.SaveRanking(ctx, "d1", ranking.Lists{
		Defaults: []string{"y", "x"},
		Personal: map[string][]string{"A": {"x"}},
	}), "saving again replaces every list")

	got, err := s.LoadRanking(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x"}, got.Defaults)
	assert.Equal(t, map[string][]string{"A": {"x"}}, got.Personal)
}
