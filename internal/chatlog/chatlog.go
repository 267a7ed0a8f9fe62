// Package chatlog keeps the recent chat and system messages of one room in a
// fixed-capacity ring buffer so late joiners can catch up.
package chatlog

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

const DefaultCapacity = 100

// ErrNotFound is returned by React when the message has been evicted. It is a
// best-effort outcome, not a failure.
var ErrNotFound = errors.New("message not found")

var ErrEmptyBody = errors.New("message body is empty")

type Kind string

const (
	KindText   Kind = "text"
	KindSystem Kind = "system"
	KindAction Kind = "action"
)

type Message struct {
	ID        string              `json:"id"`
	RoomID    string              `json:"roomId"`
	AuthorID  string              `json:"authorId"`
	Body      string              `json:"body"`
	Kind      Kind                `json:"kind"`
	CreatedAt time.Time           `json:"createdAt"`
	Reactions map[string][]string `json:"reactions,omitempty"` // emoji -> identity ids
}

// Clone returns a deep copy so callers never alias buffer storage.
func (m Message) Clone() Message {
	out := m
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, ids := range m.Reactions {
			out.Reactions[emoji] = slices.Clone(ids)
		}
	}
	return out
}

// Log is not safe for concurrent use; it is owned by a single room actor.
type Log struct {
	roomID string
	buf    []Message
	head   int // index of the oldest message
	size   int
	now    func() time.Time
	newID  func() string
}

func New(roomID string, capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		roomID: roomID,
		buf:    make([]Message, capacity),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Append assigns an id and timestamp to msg and stores it, dropping the oldest
// message when the buffer is full.
func (l *Log) Append(msg Message) (Message, error) {
	if msg.Body == "" {
		return Message{}, ErrEmptyBody
	}
	msg.ID = l.newID()
	msg.RoomID = l.roomID
	msg.CreatedAt = l.now().UTC()
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	msg.Reactions = nil
	l.push(msg)
	return msg.Clone(), nil
}

// Insert stores a message that already carries an id, such as one relayed from
// a sibling process. Duplicates are ignored.
func (l *Log) Insert(msg Message) bool {
	if msg.ID == "" || l.index(msg.ID) >= 0 {
		return false
	}
	msg.RoomID = l.roomID
	l.push(msg.Clone())
	return true
}

func (l *Log) push(msg Message) {
	capacity := len(l.buf)
	if l.size < capacity {
		l.buf[(l.head+l.size)%capacity] = msg
		l.size++
		return
	}
	l.buf[l.head] = msg
	l.head = (l.head + 1) % capacity
}

// History returns up to limit messages, most recent last. A non-positive limit
// returns everything retained.
func (l *Log) History(limit int) []Message {
	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]Message, 0, limit)
	for i := l.size - limit; i < l.size; i++ {
		out = append(out, l.at(i).Clone())
	}
	return out
}

// React toggles identityID's reaction with emoji and returns the message's
// updated reaction set.
func (l *Log) React(messageID, identityID, emoji string) (map[string][]string, error) {
	i := l.index(messageID)
	if i < 0 {
		return nil, ErrNotFound
	}
	msg := l.at(i)
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	ids := msg.Reactions[emoji]
	if pos := slices.Index(ids, identityID); pos >= 0 {
		ids = slices.Delete(ids, pos, pos+1)
	} else {
		ids = append(ids, identityID)
	}
	if len(ids) == 0 {
		delete(msg.Reactions, emoji)
	} else {
		msg.Reactions[emoji] = ids
	}
	return msg.Clone().Reactions, nil
}

// SetReactions overwrites the reaction set of a retained message. Used when a
// sibling process relays a reaction update.
func (l *Log) SetReactions(messageID string, reactions map[string][]string) bool {
	i := l.index(messageID)
	if i < 0 {
		return false
	}
	msg := l.at(i)
	msg.Reactions = Message{Reactions: reactions}.Clone().Reactions
	return true
}

func (l *Log) Len() int      { return l.size }
func (l *Log) Capacity() int { return len(l.buf) }

func (l *Log) at(i int) *Message {
	return &l.buf[(l.head+i)%len(l.buf)]
}

func (l *Log) index(messageID string) int {
	for i := 0; i < l.size; i++ {
		if l.at(i).ID == messageID {
			return i
		}
	}
	return -1
}
