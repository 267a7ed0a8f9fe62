// Package lobby runs one actor per room. Every operation on a room's state
// (its draft, chat log, sequence counter and local sessions) is a message on
// the room's inbox and is handled by the room's own goroutine, so rooms never
// share mutable state and never need a lock.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/chatlog"
	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/fanout"
	"github.com/DoyleJ11/league-live/internal/notify"
	"github.com/DoyleJ11/league-live/internal/ranking"
	"github.com/DoyleJ11/league-live/internal/types"
	wire "github.com/DoyleJ11/league-live/pkg/types"
)

var ErrRoomClosed = errors.New("room closed")
var ErrNoDraft = errors.New("room has no draft")
var ErrNotMember = errors.New("not a member of this room")
var ErrDraftExists = errors.New("room already has a draft")
var ErrInvalidMessage = errors.New("invalid message")
var ErrNotOwner = errors.New("draft is owned by another process")

type Kind string

const (
	KindDraft  Kind = "draft"
	KindLeague Kind = "league"
	KindChat   Kind = "chat"
)

// Persister queues persistence work. Implementations must not block.
type Persister interface {
	SaveDraftState(s engine.State) error
	AppendPick(draftID string, pick engine.Pick) error
	ArchiveCompletedDraft(draftID string) error
}

type Notifier interface {
	Dispatch(req notify.DispatchRequest) error
}

type PresenceView interface {
	OnlineMembersOf(roomID string) []auth.Identity
	IsOnline(identityID string) bool
}

type Config struct {
	Bus       *fanout.Bus
	Presence  PresenceView
	Ranking   ranking.Source
	Persister Persister
	Notifier  Notifier
	Logger    *zap.Logger

	ChatCapacity int
	IdleGrace    time.Duration
	ArchiveGrace time.Duration

	// Follower rooms mirror a draft whose lease another process holds. They
	// apply the owner's relayed events and refuse draft commands with
	// ErrNotOwner.
	Follower bool

	// OnEvict is called from the room goroutine right before an idle room
	// stops.
	OnEvict func(*Room)
	// OnDraftArchived is called from the room goroutine once a completed
	// draft is dropped from memory.
	OnDraftArchived func(draftID string)
	Now             func() time.Time
}

type Msg interface{ isRoomMsg() }

// Join subscribes a transport session to the room. The room sends the
// session a room:snapshot through Deliver before any later event.
type Join struct {
	SessionID    string
	Identity     auth.Identity
	Deliver      fanout.Handler
	HistoryLimit int
	Reply        chan error
}

type Leave struct{ SessionID string }

type MakePick struct {
	Identity    auth.Identity
	SelectionID string
	Reply       chan error
}

type SendChat struct {
	Identity auth.Identity
	Body     string
	Reply    chan error
}

type React struct {
	Identity  auth.Identity
	MessageID string
	Emoji     string
	Reply     chan error
}

// Control starts, pauses or resumes the draft on behalf of an operator.
type Control struct {
	Command engine.CommandType
	Reply   chan error
}

// AttachDraft gives a room a draft that was scheduled after the room was
// created.
type AttachDraft struct {
	State engine.State
	Reply chan error
}

type Tick struct{ Now time.Time }

// Ownership hands the room's draft lease to this process or takes it away.
// State, when set on promotion, is the persisted draft and replaces the
// mirrored copy unless the mirror is further along.
type Ownership struct {
	Owner bool
	State *engine.State
}

// Relay is an event published by a sibling process for this room.
type Relay struct{ Message types.ServerMessage }

type PresenceChanged struct {
	Identity auth.Identity
	Online   bool
}

type History struct {
	Limit int
	Reply chan []chatlog.Message
}

type GetState struct {
	Reply chan View
}

type Shutdown struct{}

func (Join) isRoomMsg()            {}
func (Leave) isRoomMsg()           {}
func (MakePick) isRoomMsg()        {}
func (SendChat) isRoomMsg()        {}
func (React) isRoomMsg()           {}
func (Control) isRoomMsg()         {}
func (AttachDraft) isRoomMsg()     {}
func (Tick) isRoomMsg()            {}
func (Ownership) isRoomMsg()       {}
func (Relay) isRoomMsg()           {}
func (PresenceChanged) isRoomMsg() {}
func (History) isRoomMsg()         {}
func (GetState) isRoomMsg()        {}
func (Shutdown) isRoomMsg()        {}

// View is a copy of the room's state, safe to read from other goroutines.
type View struct {
	ID        string
	Kind      Kind
	Seq       uint64
	Sessions  int
	Draft     *engine.State
	Degraded  bool
	Archived  bool
	Follower  bool
	ChatLen   int
	CreatedAt time.Time
	IdleSince time.Time
}

type Room struct {
	id     string
	kind   Kind
	cfg    Config
	logger *zap.Logger

	inbox chan Msg
	done  chan struct{}
	ctx   context.Context
	stop  context.CancelFunc

	log      *chatlog.Log
	draft    *engine.State
	seq      uint64
	degraded bool
	archived bool
	follower bool

	sessions  map[string]func()
	createdAt time.Time
	idleSince time.Time
}

// New starts a room actor. draft is nil for rooms without a draft.
func New(parent context.Context, id string, kind Kind, draft *engine.State, cfg Config) *Room {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Bus == nil {
		cfg.Bus = fanout.New(nil, cfg.Logger)
	}
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		id:       id,
		kind:     kind,
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("room_id", id), zap.String("kind", string(kind))),
		inbox:    make(chan Msg, 64),
		done:     make(chan struct{}),
		ctx:      ctx,
		stop:     cancel,
		log:      chatlog.New(id, cfg.ChatCapacity),
		sessions: make(map[string]func()),
		follower: cfg.Follower,
	}
	if draft != nil {
		d := *draft
		r.draft = &d
	}
	r.createdAt = cfg.Now()
	r.idleSince = r.createdAt

	go r.loop()
	return r
}

func (r *Room) ID() string { return r.id }

// Kind is the kind the room was created with.
func (r *Room) Kind() Kind { return r.kind }

// currentKind accounts for a draft attached after creation.
func (r *Room) currentKind() Kind {
	if r.draft != nil || r.archived {
		return KindDraft
	}
	return r.kind
}

// Done is closed once the room has stopped.
func (r *Room) Done() <-chan struct{} { return r.done }

// Send queues msg on the room's inbox. It fails with ErrRoomClosed once the
// room has stopped, in which case the caller should look the room up again.
func (r *Room) Send(ctx context.Context, msg Msg) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case r.inbox <- msg:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues msg without waiting. It reports whether msg was queued.
func (r *Room) TrySend(msg Msg) bool {
	select {
	case <-r.done:
		return false
	case r.inbox <- msg:
		return true
	default:
		return false
	}
}

// Ask sends a message carrying a Reply channel and waits for the answer.
func Ask(ctx context.Context, r *Room, build func(reply chan error) Msg) error {
	reply := make(chan error, 1)
	if err := r.Send(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot of the room.
func (r *Room) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := r.Send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return View{}, ErrRoomClosed
		}
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// History returns up to limit recent chat messages, most recent last.
func (r *Room) History(ctx context.Context, limit int) ([]chatlog.Message, error) {
	reply := make(chan []chatlog.Message, 1)
	if err := r.Send(ctx, History{Limit: limit, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case msgs := <-reply:
		return msgs, nil
	case <-r.done:
		select {
		case msgs := <-reply:
			return msgs, nil
		default:
			return nil, ErrRoomClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Room) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				reply(msg.Reply, r.join(msg))

			case Leave:
				r.leave(msg.SessionID)

			case MakePick:
				reply(msg.Reply, r.makePick(msg))

			case SendChat:
				reply(msg.Reply, r.sendChat(msg))

			case React:
				reply(msg.Reply, r.react(msg))

			case Control:
				reply(msg.Reply, r.control(msg.Command))

			case AttachDraft:
				reply(msg.Reply, r.attachDraft(msg.State))

			case Tick:
				if r.tick(msg.Now) {
					if r.cfg.OnEvict != nil {
						r.cfg.OnEvict(r)
					}
					r.logger.Info("room evicted")
					r.shutdown()
					return
				}

			case Relay:
				r.relay(msg.Message)

			case Ownership:
				r.setOwnership(msg)

			case PresenceChanged:
				r.presenceChanged(msg.Identity, msg.Online)

			case History:
				msg.Reply <- r.log.History(msg.Limit)

			case GetState:
				msg.Reply <- r.view()

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func reply(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (r *Room) shutdown() {
	for id, unsubscribe := range r.sessions {
		unsubscribe()
		delete(r.sessions, id)
	}
	r.stop()
}

func (r *Room) view() View {
	v := View{
		ID:        r.id,
		Kind:      r.currentKind(),
		Seq:       r.seq,
		Sessions:  len(r.sessions),
		Degraded:  r.degraded,
		Archived:  r.archived,
		Follower:  r.follower,
		ChatLen:   r.log.Len(),
		CreatedAt: r.createdAt,
		IdleSince: r.idleSince,
	}
	if r.draft != nil {
		d := *r.draft
		d.Picks = append([]engine.Pick(nil), r.draft.Picks...)
		d.Order = append([]string(nil), r.draft.Order...)
		v.Draft = &d
	}
	return v
}

func (r *Room) join(msg Join) error {
	if msg.SessionID == "" || msg.Deliver == nil {
		return fmt.Errorf("%w: join without a session", ErrInvalidMessage)
	}
	if !msg.Identity.MemberOf(r.id) {
		return ErrNotMember
	}
	if unsubscribe, ok := r.sessions[msg.SessionID]; ok {
		unsubscribe()
	}

	snapshot, err := types.NewServerMessage(wire.RoomSnapshot, r.id, r.snapshot(msg.HistoryLimit))
	if err != nil {
		return err
	}
	snapshot.Seq = r.seq
	msg.Deliver(snapshot)

	r.sessions[msg.SessionID] = r.cfg.Bus.SubscribeLocal(r.id, msg.Deliver)
	r.idleSince = time.Time{}
	r.logger.Debug("session joined", zap.String("session_id", msg.SessionID), zap.String("identity", msg.Identity.ID))
	return nil
}

func (r *Room) leave(sessionID string) {
	unsubscribe, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	unsubscribe()
	delete(r.sessions, sessionID)
	if len(r.sessions) == 0 {
		r.idleSince = r.cfg.Now()
	}
	r.logger.Debug("session left", zap.String("session_id", sessionID))
}

// publish stamps msg with the room's next sequence number and fans it out.
func (r *Room) publish(typ string, payload any) {
	msg, err := types.NewServerMessage(typ, r.id, payload)
	if err != nil {
		r.logger.Error("encode event", zap.String("type", typ), zap.Error(err))
		return
	}
	r.seq++
	msg.Seq = r.seq
	r.cfg.Bus.Publish(r.id, msg)
}

// tick advances timers and reports whether the room should be evicted.
func (r *Room) tick(now time.Time) bool {
	if r.draft != nil {
		r.tickDraft(now)
	}
	return r.evictable(now)
}

func (r *Room) evictable(now time.Time) bool {
	if len(r.sessions) > 0 || r.idleSince.IsZero() || r.cfg.IdleGrace <= 0 {
		return false
	}
	if r.cfg.Bus.LocalSubscribers(r.id) > 0 {
		return false
	}
	if r.draft != nil && r.draft.Status == engine.StatusInProgress {
		return false
	}
	return now.Sub(r.idleSince) >= r.cfg.IdleGrace
}

// relay applies an event a sibling published for this room and hands it to
// local sessions under this room's own sequence, so the seq clients see
// stays gap-free and unique no matter which process produced the event.
func (r *Room) relay(msg types.ServerMessage) {
	switch msg.Type {
	case wire.ChatNewMessage:
		var payload wire.NewMessagePayload
		if err := jsonDecode(msg.Payload, &payload); err != nil {
			r.logger.Warn("malformed relayed message", zap.Error(err))
			return
		}
		if !r.log.Insert(fromWireMessage(payload.Message)) {
			return
		}
	case wire.ChatReactionUpdate:
		var payload wire.ReactionUpdatePayload
		if err := jsonDecode(msg.Payload, &payload); err == nil {
			r.log.SetReactions(payload.MessageID, payload.Reactions)
		}
	case wire.DraftOnClock, wire.DraftPickMade, wire.DraftPaused, wire.DraftResumed, wire.DraftCompleted:
		r.mirror(msg)
	}
	r.seq++
	msg.Seq = r.seq
	msg.RoomID = r.id
	r.cfg.Bus.DeliverLocal(r.id, msg)
}

func (r *Room) presenceChanged(identity auth.Identity, online bool) {
	status := "offline"
	if online {
		status = "online"
	}
	changed := wire.Member{ID: identity.ID, DisplayName: identity.DisplayName}
	r.publish(wire.PresenceUpdate, wire.PresenceUpdatePayload{
		RoomID:  r.id,
		Online:  r.onlineMembers(),
		Changed: &changed,
		Status:  status,
	})
}

func (r *Room) onlineMembers() []wire.Member {
	if r.cfg.Presence == nil {
		return []wire.Member{}
	}
	ids := r.cfg.Presence.OnlineMembersOf(r.id)
	members := make([]wire.Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, wire.Member{ID: id.ID, DisplayName: id.DisplayName})
	}
	return members
}

func (r *Room) snapshot(historyLimit int) wire.RoomSnapshotPayload {
	history := r.log.History(historyLimit)
	out := wire.RoomSnapshotPayload{
		RoomID:  r.id,
		Kind:    string(r.currentKind()),
		Seq:     r.seq,
		History: WireMessages(history),
		Online:  r.onlineMembers(),
	}
	if r.draft != nil {
		out.Draft = r.draftSnapshot(r.cfg.Now())
	}
	return out
}

func (r *Room) dispatch(req notify.DispatchRequest) {
	if r.cfg.Notifier == nil {
		return
	}
	if err := r.cfg.Notifier.Dispatch(req); err != nil {
		r.logger.Warn("notification not queued", zap.String("target", req.TargetIdentity), zap.Error(err))
	}
}

func (r *Room) online(identityID string) bool {
	return r.cfg.Presence != nil && r.cfg.Presence.IsOnline(identityID)
}
