package hub

import (
	"context"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/lobby"
)

func (h *Hub) leasing() bool { return h.cfg.Origin != "" && h.cfg.Store != nil }

// claim takes or renews draftID's lease for this process. Without leasing
// every claim succeeds.
func (h *Hub) claim(ctx context.Context, draftID string) (bool, error) {
	if !h.leasing() {
		return true, nil
	}
	now := h.cfg.Room.Now()
	ok, err := h.cfg.Store.AcquireLease(ctx, draftID, h.cfg.Origin, now, h.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	h.leaseMu.Lock()
	if ok {
		h.leases[draftID] = now.Add(h.cfg.LeaseTTL)
	} else {
		delete(h.leases, draftID)
	}
	h.leaseMu.Unlock()
	return ok, nil
}

func (h *Hub) owns(draftID string) bool {
	h.leaseMu.Lock()
	defer h.leaseMu.Unlock()
	_, ok := h.leases[draftID]
	return ok
}

func (h *Hub) dropLease(draftID string) {
	h.leaseMu.Lock()
	delete(h.leases, draftID)
	h.leaseMu.Unlock()
}

// adopt makes this process's room for draftID the writer. A live follower
// room is promoted with the persisted state; otherwise the room is loaded.
func (h *Hub) adopt(ctx context.Context, draftID string) error {
	r, ok := h.Lookup(draftID)
	if !ok {
		_, err := h.Ensure(ctx, draftID)
		return err
	}
	st, err := h.cfg.Store.LoadDraftState(ctx, draftID)
	if err != nil {
		return err
	}
	h.loadRanking(ctx, draftID)
	return r.Send(ctx, lobby.Ownership{Owner: true, State: &st})
}

// RenewLeases extends this process's draft leases, demotes rooms whose lease
// another process took, and adopts active drafts whose owner went quiet.
func (h *Hub) RenewLeases(ctx context.Context, now time.Time) {
	if !h.leasing() {
		return
	}
	h.leaseMu.Lock()
	held := maps.Clone(h.leases)
	h.leaseMu.Unlock()

	for draftID, expires := range held {
		r, live := h.Lookup(draftID)
		if !live {
			h.dropLease(draftID)
			continue
		}
		ok, err := h.cfg.Store.AcquireLease(ctx, draftID, h.cfg.Origin, now, h.cfg.LeaseTTL)
		switch {
		case err != nil && now.Before(expires):
			h.logger.Warn("draft lease not renewed", zap.String("draft_id", draftID), zap.Error(err))
			continue
		case err == nil && ok:
			h.leaseMu.Lock()
			if _, still := h.leases[draftID]; still {
				h.leases[draftID] = now.Add(h.cfg.LeaseTTL)
			}
			h.leaseMu.Unlock()
			continue
		}

		h.dropLease(draftID)
		h.logger.Warn("draft lease lost", zap.String("draft_id", draftID), zap.Error(err))
		if err := r.Send(ctx, lobby.Ownership{Owner: false}); err != nil {
			h.logger.Debug("room gone before demotion", zap.String("draft_id", draftID), zap.Error(err))
		}
	}

	if err := h.adoptActive(ctx, true); err != nil {
		h.logger.Warn("adopting drafts failed", zap.Error(err))
	}
}
