// Package types holds the JSON payloads exchanged over the league-live
// websocket. Every frame is an envelope {type, roomId, seq, requestId,
// payload}; the structs below are the payloads.
package types

import "time"

// Client -> Server
const (
	RoomJoin          = "room:join"
	RoomLeave         = "room:leave"
	DraftPick         = "draft:pick"
	ChatSend          = "chat:send"
	ChatReact         = "chat:react"
	PresenceHeartbeat = "presence:heartbeat"
)

// Server -> Client
const (
	RoomSnapshot       = "room:snapshot"
	DraftOnClock       = "draft:on_clock"
	DraftPickMade      = "draft:pick_made"
	DraftCompleted     = "draft:completed"
	DraftPaused        = "draft:paused"
	DraftResumed       = "draft:resumed"
	ChatNewMessage     = "chat:new_message"
	ChatReactionUpdate = "chat:reaction_update"
	PresenceUpdate     = "presence:update"
	PresenceAck        = "presence:ack"
	Error              = "error"
)

type RoomJoinPayload struct {
	RoomID       string `json:"roomId"`
	HistoryLimit int    `json:"historyLimit,omitempty"`
}

type RoomLeavePayload struct {
	RoomID string `json:"roomId"`
}

type DraftPickPayload struct {
	DraftID     string `json:"draftId"`
	SelectionID string `json:"selectionId"`
}

type ChatSendPayload struct {
	RoomID string `json:"roomId"`
	Body   string `json:"body"`
}

type ChatReactPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type Pick struct {
	Round         int       `json:"round"`
	PickInRound   int       `json:"pickInRound"`
	PickNumber    int       `json:"pickNumber"`
	ParticipantID string    `json:"participantId"`
	SelectionID   string    `json:"selectionId"`
	MadeAt        time.Time `json:"madeAt"`
	WasAutopick   bool      `json:"wasAutopick"`
}

type OnClockPayload struct {
	DraftID       string    `json:"draftId"`
	ParticipantID string    `json:"participantId"`
	Deadline      time.Time `json:"deadline"`
}

type PickMadePayload struct {
	DraftID string `json:"draftId"`
	Pick    Pick   `json:"pick"`
}

type DraftCompletedPayload struct {
	DraftID string `json:"draftId"`
}

type DraftPausedPayload struct {
	DraftID     string `json:"draftId"`
	RemainingMS int64  `json:"remainingMs"`
	Reason      string `json:"reason,omitempty"`
}

type DraftResumedPayload struct {
	DraftID string `json:"draftId"`
}

type ChatMessage struct {
	ID        string              `json:"id"`
	RoomID    string              `json:"roomId"`
	AuthorID  string              `json:"authorId"`
	Body      string              `json:"body"`
	Kind      string              `json:"kind"`
	CreatedAt time.Time           `json:"createdAt"`
	Reactions map[string][]string `json:"reactions,omitempty"`
}

type NewMessagePayload struct {
	Message ChatMessage `json:"message"`
}

type ReactionUpdatePayload struct {
	MessageID string              `json:"messageId"`
	Reactions map[string][]string `json:"reactions"`
}

type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type PresenceUpdatePayload struct {
	RoomID  string   `json:"roomId"`
	Online  []Member `json:"online"`
	Changed *Member  `json:"changed,omitempty"`
	Status  string   `json:"status,omitempty"` // "online" | "offline"
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
