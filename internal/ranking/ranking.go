// Package ranking supplies the ordered candidate lists autopick chooses from.
// The core never weighs selections itself; it asks a Source for a ranking
// and takes the first one still available.
package ranking

import (
	"slices"
	"sync"
)

// Source returns the ranking for participantID in draftID, best first.
// Implementations must be safe for concurrent use and must not block.
type Source interface {
	Rank(draftID, participantID string) []string
}

type SourceFunc func(draftID, participantID string) []string

func (f SourceFunc) Rank(draftID, participantID string) []string { return f(draftID, participantID) }

// Lists is the ranking configuration of one draft: a default list and
// optional personal lists keyed by participant.
type Lists struct {
	Defaults []string            `json:"defaults,omitempty"`
	Personal map[string][]string `json:"personal,omitempty"`
}

func (l Lists) Empty() bool { return len(l.Defaults) == 0 && len(l.Personal) == 0 }

// Board is a static, per-draft ranking. A participant without a personal
// list falls back to the draft's default list.
type Board struct {
	mu     sync.RWMutex
	drafts map[string]boardEntry
}

type boardEntry struct {
	defaults []string
	personal map[string][]string
}

func NewBoard() *Board {
	return &Board{drafts: make(map[string]boardEntry)}
}

// Set replaces the rankings for draftID.
func (b *Board) Set(draftID string, defaults []string, personal map[string][]string) {
	entry := boardEntry{
		defaults: slices.Clone(defaults),
		personal: make(map[string][]string, len(personal)),
	}
	for id, list := range personal {
		entry.personal[id] = slices.Clone(list)
	}
	b.mu.Lock()
	b.drafts[draftID] = entry
	b.mu.Unlock()
}

func (b *Board) Delete(draftID string) {
	b.mu.Lock()
	delete(b.drafts, draftID)
	b.mu.Unlock()
}

func (b *Board) Rank(draftID, participantID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.drafts[draftID]
	if !ok {
		return nil
	}
	if list, ok := entry.personal[participantID]; ok && len(list) > 0 {
		return slices.Clone(list)
	}
	return slices.Clone(entry.defaults)
}
