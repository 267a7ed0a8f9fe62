// Package presence tracks which identities are connected, over which
// transport sessions, and which rooms they are online in.
//
// State is partitioned three ways (sessions, identities, rooms) with a mutex
// per partition so bookkeeping for one room never serializes another. Lock
// order is identity partition, then room partition; session partitions are
// never held while taking another lock.
package presence

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/shard"
)

var ErrUnknownSession = errors.New("unknown transport session")
var ErrSessionConflict = errors.New("transport session belongs to another identity")

type Connection struct {
	Identity           auth.Identity
	TransportSessionID string
	LastSeenAt         time.Time
	ActiveRoomID       string
}

// Sink receives presence transitions scoped to a single room. It is called
// with the identity's partition lock held, so it must not block or call
// back into the Registry.
type Sink interface {
	PresenceChanged(roomID string, identity auth.Identity, online bool)
}

type SinkFunc func(roomID string, identity auth.Identity, online bool)

func (f SinkFunc) PresenceChanged(roomID string, identity auth.Identity, online bool) {
	f(roomID, identity, online)
}

type sessionShard struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

type identityEntry struct {
	identity auth.Identity
	sessions map[string]struct{}
}

type identityShard struct {
	mu      sync.Mutex
	entries map[string]*identityEntry
}

type roomShard struct {
	mu     sync.RWMutex
	online map[string]map[string]auth.Identity // room -> identity id -> identity
}

type Registry struct {
	sessions   []sessionShard
	identities []identityShard
	rooms      []roomShard
	sink       Sink
	now        func() time.Time
}

func NewRegistry(sink Sink) *Registry {
	r := &Registry{
		sessions:   make([]sessionShard, shard.DefaultCount),
		identities: make([]identityShard, shard.DefaultCount),
		rooms:      make([]roomShard, shard.DefaultCount),
		sink:       sink,
		now:        time.Now,
	}
	for i := range r.sessions {
		r.sessions[i].conns = make(map[string]*Connection)
		r.identities[i].entries = make(map[string]*identityEntry)
		r.rooms[i].online = make(map[string]map[string]auth.Identity)
	}
	return r
}

// SetSink replaces the presence sink. It must be called before the registry
// is shared.
func (r *Registry) SetSink(sink Sink) { r.sink = sink }

func (r *Registry) sessionPart(id string) *sessionShard {
	return &r.sessions[shard.Index(id, len(r.sessions))]
}

func (r *Registry) identityPart(id string) *identityShard {
	return &r.identities[shard.Index(id, len(r.identities))]
}

func (r *Registry) roomPart(id string) *roomShard {
	return &r.rooms[shard.Index(id, len(r.rooms))]
}

// Connect records a transport session for identity. Connecting the same
// session twice is a no-op; a second session for the same identity is allowed.
// The identity's rooms see it come online only on its first session.
func (r *Registry) Connect(identity auth.Identity, transportSessionID string) (Connection, error) {
	ss := r.sessionPart(transportSessionID)
	ss.mu.Lock()
	if existing, ok := ss.conns[transportSessionID]; ok {
		conn := *existing
		ss.mu.Unlock()
		if conn.Identity.ID != identity.ID {
			return Connection{}, ErrSessionConflict
		}
		return conn, nil
	}
	conn := &Connection{
		Identity:           identity,
		TransportSessionID: transportSessionID,
		LastSeenAt:         r.now(),
	}
	ss.conns[transportSessionID] = conn
	out := *conn
	ss.mu.Unlock()

	is := r.identityPart(identity.ID)
	is.mu.Lock()
	entry, ok := is.entries[identity.ID]
	if !ok {
		entry = &identityEntry{identity: identity, sessions: make(map[string]struct{})}
		is.entries[identity.ID] = entry
	}
	entry.sessions[transportSessionID] = struct{}{}
	first := len(entry.sessions) == 1
	if first {
		for _, roomID := range identity.RoomMemberships {
			rs := r.roomPart(roomID)
			rs.mu.Lock()
			if rs.online[roomID] == nil {
				rs.online[roomID] = make(map[string]auth.Identity)
			}
			rs.online[roomID][identity.ID] = identity
			rs.mu.Unlock()
		}
		r.emit(identity, true)
	}
	is.mu.Unlock()
	return out, nil
}

// Touch marks the session as alive.
func (r *Registry) Touch(transportSessionID string) error {
	ss := r.sessionPart(transportSessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	conn, ok := ss.conns[transportSessionID]
	if !ok {
		return ErrUnknownSession
	}
	conn.LastSeenAt = r.now()
	return nil
}

// SetActiveRoom records the room the session is currently looking at.
func (r *Registry) SetActiveRoom(transportSessionID, roomID string) error {
	ss := r.sessionPart(transportSessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	conn, ok := ss.conns[transportSessionID]
	if !ok {
		return ErrUnknownSession
	}
	conn.ActiveRoomID = roomID
	return nil
}

// Disconnect removes the session. If it was the identity's last session the
// identity goes offline in every room it belongs to.
func (r *Registry) Disconnect(transportSessionID string) (auth.Identity, error) {
	ss := r.sessionPart(transportSessionID)
	ss.mu.Lock()
	conn, ok := ss.conns[transportSessionID]
	if ok {
		delete(ss.conns, transportSessionID)
	}
	ss.mu.Unlock()
	if !ok {
		return auth.Identity{}, ErrUnknownSession
	}
	identity := conn.Identity

	is := r.identityPart(identity.ID)
	is.mu.Lock()
	if entry, ok := is.entries[identity.ID]; ok {
		delete(entry.sessions, transportSessionID)
		if len(entry.sessions) == 0 {
			delete(is.entries, identity.ID)
			for _, roomID := range identity.RoomMemberships {
				rs := r.roomPart(roomID)
				rs.mu.Lock()
				if members := rs.online[roomID]; members != nil {
					delete(members, identity.ID)
					if len(members) == 0 {
						delete(rs.online, roomID)
					}
				}
				rs.mu.Unlock()
			}
			r.emit(identity, false)
		}
	}
	is.mu.Unlock()
	return identity, nil
}

// emit runs under the identity's partition lock so one identity's
// transitions reach the sink in the order they happened.
func (r *Registry) emit(identity auth.Identity, online bool) {
	if r.sink == nil {
		return
	}
	for _, roomID := range identity.RoomMemberships {
		r.sink.PresenceChanged(roomID, identity, online)
	}
}

// OnlineMembersOf returns the identities online in roomID, sorted by id.
func (r *Registry) OnlineMembersOf(roomID string) []auth.Identity {
	rs := r.roomPart(roomID)
	rs.mu.RLock()
	out := make([]auth.Identity, 0, len(rs.online[roomID]))
	for _, id := range rs.online[roomID] {
		out = append(out, id)
	}
	rs.mu.RUnlock()
	slices.SortFunc(out, func(a, b auth.Identity) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) IsOnline(identityID string) bool {
	is := r.identityPart(identityID)
	is.mu.Lock()
	defer is.mu.Unlock()
	_, ok := is.entries[identityID]
	return ok
}

// SessionCount reports how many sessions identityID currently holds.
func (r *Registry) SessionCount(identityID string) int {
	is := r.identityPart(identityID)
	is.mu.Lock()
	defer is.mu.Unlock()
	if entry, ok := is.entries[identityID]; ok {
		return len(entry.sessions)
	}
	return 0
}

// Lookup returns a copy of the connection for a session.
func (r *Registry) Lookup(transportSessionID string) (Connection, bool) {
	ss := r.sessionPart(transportSessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	conn, ok := ss.conns[transportSessionID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Stale returns connections last seen before cutoff.
func (r *Registry) Stale(cutoff time.Time) []Connection {
	var out []Connection
	for i := range r.sessions {
		ss := &r.sessions[i]
		ss.mu.Lock()
		for _, conn := range ss.conns {
			if conn.LastSeenAt.Before(cutoff) {
				out = append(out, *conn)
			}
		}
		ss.mu.Unlock()
	}
	return out
}
