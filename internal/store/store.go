// Package store is the persistence boundary for drafts. Room actors never
// call a Store directly; they queue work on a Writer so a slow database never
// delays live delivery.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/ranking"
)

var ErrNotFound = errors.New("draft not found")

type Store interface {
	// ScheduleDraft records a new draft in its scheduled state.
	ScheduleDraft(ctx context.Context, s engine.State) error
	// LoadDraftState returns the last persisted state of draftID, rebuilt
	// from its picks.
	LoadDraftState(ctx context.Context, draftID string) (engine.State, error)
	// SaveDraftState persists status, timer and remaining time. Picks are
	// persisted separately through AppendPick.
	SaveDraftState(ctx context.Context, s engine.State) error
	// AppendPick is idempotent per pick number.
	AppendPick(ctx context.Context, draftID string, pick engine.Pick) error
	ArchiveCompletedDraft(ctx context.Context, draftID string) error
	// ActiveDrafts lists drafts that were in progress or paused when last
	// saved, for recovery after a restart.
	ActiveDrafts(ctx context.Context) ([]string, error)

	// AcquireLease makes owner the draft's only writer until now+ttl. It
	// succeeds when the draft has no owner, owner already holds it, or the
	// previous holder let the lease lapse.
	AcquireLease(ctx context.Context, draftID, owner string, now time.Time, ttl time.Duration) (bool, error)
	// SaveRanking stores the autopick rankings of a scheduled draft.
	SaveRanking(ctx context.Context, draftID string, lists ranking.Lists) error
	// LoadRanking returns ErrNotFound when the draft has no rankings.
	LoadRanking(ctx context.Context, draftID string) (ranking.Lists, error)
}

// Restore rebuilds a draft from its persisted header and picks. The header
// carries configuration and timer fields; the position is derived from the
// picks.
func Restore(header engine.State, picks []engine.Pick) (engine.State, error) {
	base := engine.NewDraft(header.DraftID, header.Order, header.Rounds, header.PickTimer, header.AutopickEnabled)
	s, err := engine.Replay(base, picks)
	if err != nil {
		return engine.State{}, fmt.Errorf("restore draft %s: %w", header.DraftID, err)
	}
	if s.Status == engine.StatusCompleted {
		s.CompletedAt = header.CompletedAt
		return s, nil
	}
	s.Status = header.Status
	s.TimerDeadline = header.TimerDeadline
	s.Remaining = header.Remaining
	if s.Status == engine.StatusCompleted {
		// Header says completed but picks are missing: resume from the picks.
		s.Status = engine.StatusPaused
	}
	return s, nil
}

type memDraft struct {
	header   engine.State
	picks    []engine.Pick
	archived bool

	owner        string
	leaseExpires time.Time
	ranking      *ranking.Lists
}

// Memory is an in-process Store used when no database is configured and in
// tests.
type Memory struct {
	mu     sync.Mutex
	drafts map[string]*memDraft
}

func NewMemory() *Memory {
	return &Memory{drafts: make(map[string]*memDraft)}
}

func (m *Memory) ScheduleDraft(_ context.Context, s engine.State) error {
	if err := engine.Validate(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	header := s
	header.Picks = nil
	m.drafts[s.DraftID] = &memDraft{header: header, picks: slices.Clone(s.Picks)}
	return nil
}

func (m *Memory) LoadDraftState(_ context.Context, draftID string) (engine.State, error) {
	m.mu.Lock()
	d, ok := m.drafts[draftID]
	if !ok {
		m.mu.Unlock()
		return engine.State{}, ErrNotFound
	}
	header, picks := d.header, slices.Clone(d.picks)
	m.mu.Unlock()
	return Restore(header, picks)
}

func (m *Memory) SaveDraftState(_ context.Context, s engine.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[s.DraftID]
	if !ok {
		return ErrNotFound
	}
	header := s
	header.Picks = nil
	d.header = header
	return nil
}

func (m *Memory) AppendPick(_ context.Context, draftID string, pick engine.Pick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	if !ok {
		return ErrNotFound
	}
	switch {
	case pick.PickNumber <= len(d.picks):
		return nil
	case pick.PickNumber != len(d.picks)+1:
		return fmt.Errorf("append pick %d to draft %s: have %d picks", pick.PickNumber, draftID, len(d.picks))
	}
	d.picks = append(d.picks, pick)
	return nil
}

func (m *Memory) ArchiveCompletedDraft(_ context.Context, draftID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	if !ok {
		return ErrNotFound
	}
	d.archived = true
	return nil
}

func (m *Memory) ActiveDrafts(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, d := range m.drafts {
		if d.archived {
			continue
		}
		if d.header.Status == engine.StatusInProgress || d.header.Status == engine.StatusPaused {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *Memory) AcquireLease(_ context.Context, draftID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	if !ok {
		return false, ErrNotFound
	}
	if d.owner != "" && d.owner != owner && now.Before(d.leaseExpires) {
		return false, nil
	}
	d.owner = owner
	d.leaseExpires = now.Add(ttl)
	return true, nil
}

func (m *Memory) SaveRanking(_ context.Context, draftID string, lists ranking.Lists) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	if !ok {
		return ErrNotFound
	}
	d.ranking = cloneLists(lists)
	return nil
}

func (m *Memory) LoadRanking(_ context.Context, draftID string) (ranking.Lists, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	if !ok || d.ranking == nil {
		return ranking.Lists{}, ErrNotFound
	}
	return *cloneLists(*d.ranking), nil
}

func cloneLists(l ranking.Lists) *ranking.Lists {
	out := &ranking.Lists{Defaults: slices.Clone(l.Defaults)}
	if l.Personal != nil {
		out.Personal = maps.Clone(l.Personal)
		for id, list := range out.Personal {
			out.Personal[id] = slices.Clone(list)
		}
	}
	return out
}

// Owner reports who holds the lease on draftID.
func (m *Memory) Owner(draftID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drafts[draftID]; ok {
		return d.owner
	}
	return ""
}

// Archived reports whether draftID has been archived.
func (m *Memory) Archived(draftID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	return ok && d.archived
}
