// Package hub is the room registry. It creates room actors lazily, recovers
// draft rooms from the store, drives their timers and forgets rooms that
// evict themselves. Rooms are partitioned by id so registry bookkeeping for
// one room never waits on another.
//
// When several processes share a store, each draft has one owner: the
// process holding its lease. Only the owner's room runs the timer and applies
// commands. Other processes keep a follower room that mirrors the owner's
// relayed events and forward commands to the owner over the relay.
package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/lobby"
	"github.com/DoyleJ11/league-live/internal/ranking"
	"github.com/DoyleJ11/league-live/internal/shard"
	"github.com/DoyleJ11/league-live/internal/store"
	"github.com/DoyleJ11/league-live/internal/types"
)

var ErrRoomNotFound = errors.New("room not found")

const (
	leaguePrefix    = "league-"
	defaultLeaseTTL = 15 * time.Second
)

type Config struct {
	// Store is read synchronously when a room is created. Nil disables
	// recovery.
	Store store.Store
	// Room is the template every room is created from.
	Room lobby.Config
	// Rankings receives the autopick lists of every draft the hub schedules
	// or loads.
	Rankings *ranking.Board
	// Origin names this process in draft leases. Without one the hub owns
	// every draft it loads.
	Origin string
	// LeaseTTL is how long a draft stays with a process that stopped
	// renewing its lease.
	LeaseTTL     time.Duration
	TickInterval time.Duration
	Logger       *zap.Logger
}

type roomShard struct {
	mu    sync.Mutex
	rooms map[string]*lobby.Room
}

type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	logger *zap.Logger
	shards []roomShard

	leaseMu sync.Mutex
	leases  map[string]time.Time // draft id -> lease expiry
}

func New(parent context.Context, cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Room.Logger == nil {
		cfg.Room.Logger = cfg.Logger
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.Room.Now == nil {
		cfg.Room.Now = time.Now
	}
	if cfg.Room.Ranking == nil && cfg.Rankings != nil {
		cfg.Room.Ranking = cfg.Rankings
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "hub")),
		shards: make([]roomShard, shard.DefaultCount),
		leases: make(map[string]time.Time),
	}
	for i := range h.shards {
		h.shards[i].rooms = make(map[string]*lobby.Room)
	}
	h.cfg.Room.OnEvict = h.forget
	h.cfg.Room.OnDraftArchived = h.draftArchived
	return h
}

func (h *Hub) part(roomID string) *roomShard {
	return &h.shards[shard.Index(roomID, len(h.shards))]
}

// Lookup returns the live room for roomID without creating one.
func (h *Hub) Lookup(roomID string) (*lobby.Room, bool) {
	s := h.part(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

// Ensure returns the room for roomID, creating it on first use. A draft
// persisted under the same id is loaded into the new room.
func (h *Hub) Ensure(ctx context.Context, roomID string) (*lobby.Room, error) {
	if roomID == "" {
		return nil, ErrRoomNotFound
	}
	if r, ok := h.Lookup(roomID); ok {
		return r, nil
	}
	if err := h.ctx.Err(); err != nil {
		return nil, lobby.ErrRoomClosed
	}

	var draft *engine.State
	owner := true
	if h.cfg.Store != nil {
		st, err := h.cfg.Store.LoadDraftState(ctx, roomID)
		switch {
		case err == nil:
			draft = &st
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, err
		}
		if draft != nil {
			h.loadRanking(ctx, roomID)
			if owner, err = h.claim(ctx, roomID); err != nil {
				return nil, err
			}
		}
	}

	s := h.part(roomID)
	s.mu.Lock()
	if r, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return r, nil
	}
	kind := kindFor(roomID, draft)
	cfg := h.cfg.Room
	cfg.Follower = !owner
	r := lobby.New(h.ctx, roomID, kind, draft, cfg)
	s.rooms[roomID] = r
	s.mu.Unlock()

	fields := []zap.Field{zap.String("room_id", roomID), zap.String("kind", string(kind))}
	if draft != nil {
		fields = append(fields,
			zap.String("draft_status", string(draft.Status)),
			zap.Int("picks", len(draft.Picks)),
			zap.Bool("owner", owner),
		)
	}
	h.logger.Info("room created", fields...)
	return r, nil
}

func kindFor(roomID string, draft *engine.State) lobby.Kind {
	switch {
	case draft != nil:
		return lobby.KindDraft
	case strings.HasPrefix(roomID, leaguePrefix):
		return lobby.KindLeague
	default:
		return lobby.KindChat
	}
}

// With runs fn against the room for roomID, looking the room up again if it
// was evicted between lookup and use.
func (h *Hub) With(ctx context.Context, roomID string, fn func(*lobby.Room) error) error {
	for range 3 {
		r, err := h.Ensure(ctx, roomID)
		if err != nil {
			return err
		}
		err = fn(r)
		if !errors.Is(err, lobby.ErrRoomClosed) {
			return err
		}
		h.forget(r)
		if h.ctx.Err() != nil {
			return err
		}
	}
	return lobby.ErrRoomClosed
}

// forget removes r if it is still the registered room for its id. Its lease,
// if any, is left to lapse.
func (h *Hub) forget(r *lobby.Room) {
	s := h.part(r.ID())
	s.mu.Lock()
	removed := s.rooms[r.ID()] == r
	if removed {
		delete(s.rooms, r.ID())
	}
	s.mu.Unlock()
	if removed {
		h.dropLease(r.ID())
	}
}

// draftArchived runs on the room goroutine once a completed draft leaves
// memory.
func (h *Hub) draftArchived(draftID string) {
	if h.cfg.Rankings != nil {
		h.cfg.Rankings.Delete(draftID)
	}
	h.dropLease(draftID)
}

func (h *Hub) loadRanking(ctx context.Context, draftID string) {
	if h.cfg.Rankings == nil || h.cfg.Store == nil {
		return
	}
	lists, err := h.cfg.Store.LoadRanking(ctx, draftID)
	switch {
	case err == nil:
		h.cfg.Rankings.Set(draftID, lists.Defaults, lists.Personal)
	case errors.Is(err, store.ErrNotFound):
	default:
		h.logger.Warn("rankings not loaded, autopick will pause the draft", zap.String("draft_id", draftID), zap.Error(err))
	}
}

// ScheduleDraft persists a new draft with its autopick rankings and attaches
// it to its room. The scheduling process takes the draft's lease.
func (h *Hub) ScheduleDraft(ctx context.Context, st engine.State, lists ranking.Lists) error {
	if err := engine.Validate(st); err != nil {
		return err
	}
	if h.cfg.Store != nil {
		_, err := h.cfg.Store.LoadDraftState(ctx, st.DraftID)
		switch {
		case err == nil:
			return lobby.ErrDraftExists
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := h.cfg.Store.ScheduleDraft(ctx, st); err != nil {
			return err
		}
		if !lists.Empty() {
			if err := h.cfg.Store.SaveRanking(ctx, st.DraftID, lists); err != nil {
				return err
			}
		}
		if _, err := h.claim(ctx, st.DraftID); err != nil {
			return err
		}
	}
	if h.cfg.Rankings != nil && !lists.Empty() {
		h.cfg.Rankings.Set(st.DraftID, lists.Defaults, lists.Personal)
	}
	return h.With(ctx, st.DraftID, func(r *lobby.Room) error {
		err := lobby.Ask(ctx, r, func(reply chan error) lobby.Msg {
			return lobby.AttachDraft{State: st, Reply: reply}
		})
		// A room created after the store write already loaded the draft.
		if errors.Is(err, lobby.ErrDraftExists) && h.cfg.Store != nil {
			return nil
		}
		return err
	})
}

// Control starts, pauses or resumes the draft in draftID's room.
func (h *Hub) Control(ctx context.Context, draftID string, cmd engine.CommandType) error {
	return h.command(ctx, draftID, remoteCommand{Type: cmd})
}

// Pick records identity's selection in draftID.
func (h *Hub) Pick(ctx context.Context, draftID string, identity auth.Identity, selectionID string) error {
	return h.command(ctx, draftID, remoteCommand{
		Type:        engine.CmdMakePick,
		IdentityID:  identity.ID,
		DisplayName: identity.DisplayName,
		SelectionID: selectionID,
	})
}

// Recover adopts every active draft whose lease this process can take: the
// drafts it ran before a restart, and drafts whose owner stopped renewing.
// Drafts leased elsewhere are left alone.
func (h *Hub) Recover(ctx context.Context) error {
	return h.adoptActive(ctx, false)
}

// adoptActive with runningOnly skips paused drafts that have no live room here;
// nothing is due on them until someone sends a command.
func (h *Hub) adoptActive(ctx context.Context, runningOnly bool) error {
	if h.cfg.Store == nil {
		return nil
	}
	ids, err := h.cfg.Store.ActiveDrafts(ctx)
	if err != nil {
		return err
	}
	var errs error
	adopted := 0
	for _, id := range ids {
		if h.owns(id) {
			continue
		}
		ok, err := h.claim(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if _, live := h.Lookup(id); runningOnly && !live {
			st, err := h.cfg.Store.LoadDraftState(ctx, id)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if st.Status != engine.StatusInProgress {
				h.dropLease(id)
				continue
			}
		}
		if err := h.adopt(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		adopted++
	}
	if adopted > 0 {
		h.logger.Info("recovered active drafts", zap.Int("count", adopted), zap.Int("active", len(ids)))
	}
	return errs
}

func (h *Hub) rooms() []*lobby.Room {
	var out []*lobby.Room
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.Lock()
		for _, r := range s.rooms {
			out = append(out, r)
		}
		s.mu.Unlock()
	}
	return out
}

func (h *Hub) Len() int {
	n := 0
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.Lock()
		n += len(s.rooms)
		s.mu.Unlock()
	}
	return n
}

// TickAll hands every room a timer tick. A room whose inbox is full skips
// this tick and catches up on the next.
func (h *Hub) TickAll(now time.Time) {
	for _, r := range h.rooms() {
		if !r.TrySend(lobby.Tick{Now: now}) {
			h.logger.Debug("room busy, tick skipped", zap.String("room_id", r.ID()))
		}
	}
}

// Run ticks every room at the configured interval and keeps draft leases
// renewed until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()

	var renew <-chan time.Time
	if h.leasing() {
		leaseTicker := time.NewTicker(h.cfg.LeaseTTL / 3)
		defer leaseTicker.Stop()
		renew = leaseTicker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			h.TickAll(now)
		case now := <-renew:
			h.RenewLeases(ctx, now)
		}
	}
}

// PresenceChanged forwards a presence transition to the room, if it is live
// in this process.
func (h *Hub) PresenceChanged(roomID string, identity auth.Identity, online bool) {
	r, ok := h.Lookup(roomID)
	if !ok {
		return
	}
	if !r.TrySend(lobby.PresenceChanged{Identity: identity, Online: online}) {
		h.logger.Warn("presence update dropped", zap.String("room_id", roomID), zap.String("identity", identity.ID))
	}
}

// DeliverRemote routes an event from a sibling process through the owning
// room so it is serialized with local events.
func (h *Hub) DeliverRemote(roomID string, msg types.ServerMessage) {
	r, ok := h.Lookup(roomID)
	if !ok {
		return
	}
	if err := r.Send(h.ctx, lobby.Relay{Message: msg}); err != nil {
		h.logger.Debug("relayed event not delivered", zap.String("room_id", roomID), zap.Error(err))
	}
}

// Close stops every room and waits for them to finish.
func (h *Hub) Close() error {
	rooms := h.rooms()
	for _, r := range rooms {
		r.TrySend(lobby.Shutdown{})
	}
	h.cancel()

	timeout := time.After(5 * time.Second)
	var errs error
	for _, r := range rooms {
		select {
		case <-r.Done():
		case <-timeout:
			errs = multierr.Append(errs, errors.New("room "+r.ID()+" did not stop"))
		}
	}
	return errs
}
