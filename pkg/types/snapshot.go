package types

import "time"

// DraftSnapshot is the full draft view a client needs after joining or
// reconnecting.
type DraftSnapshot struct {
	DraftID          string    `json:"draftId"`
	Status           string    `json:"status"`
	Order            []string  `json:"order"`
	Rounds           int       `json:"rounds"`
	CurrentRound     int       `json:"currentRound"`
	CurrentPickIndex int       `json:"currentPickIndex"`
	OnClock          string    `json:"onClock,omitempty"`
	Deadline         time.Time `json:"deadline,omitempty"`
	RemainingMS      int64     `json:"remainingMs"`
	AutopickEnabled  bool      `json:"autopickEnabled"`
	Picks            []Pick    `json:"picks"`
	Degraded         bool      `json:"degraded,omitempty"`
}

// RoomSnapshotPayload is sent only to the connection that joined.
type RoomSnapshotPayload struct {
	RoomID  string         `json:"roomId"`
	Kind    string         `json:"kind"`
	Seq     uint64         `json:"seq"`
	Draft   *DraftSnapshot `json:"draft,omitempty"`
	History []ChatMessage  `json:"history"`
	Online  []Member       `json:"online"`
}
