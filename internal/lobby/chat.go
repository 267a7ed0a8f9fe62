package lobby

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/DoyleJ11/league-live/internal/chatlog"
	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/notify"
	wire "github.com/DoyleJ11/league-live/pkg/types"
)

const maxBodyLen = 2000

func (r *Room) sendChat(msg SendChat) error {
	body := strings.TrimSpace(msg.Body)
	if len(body) > maxBodyLen {
		return fmt.Errorf("%w: body longer than %d bytes", ErrInvalidMessage, maxBodyLen)
	}
	stored, err := r.log.Append(chatlog.Message{AuthorID: msg.Identity.ID, Body: body, Kind: chatlog.KindText})
	if err != nil {
		return err
	}
	r.publish(wire.ChatNewMessage, wire.NewMessagePayload{Message: toWireMessage(stored)})
	r.notifyMentions(msg.Identity.DisplayName, stored)
	return nil
}

func (r *Room) react(msg React) error {
	if strings.TrimSpace(msg.Emoji) == "" {
		return fmt.Errorf("%w: empty emoji", ErrInvalidMessage)
	}
	reactions, err := r.log.React(msg.MessageID, msg.Identity.ID, msg.Emoji)
	if err != nil {
		return err
	}
	r.publish(wire.ChatReactionUpdate, wire.ReactionUpdatePayload{MessageID: msg.MessageID, Reactions: reactions})
	return nil
}

// notifyMentions dispatches a push to every offline identity mentioned as
// @id. In draft rooms only participants can be mentioned.
func (r *Room) notifyMentions(authorName string, msg chatlog.Message) {
	for _, id := range Mentions(msg.Body) {
		if id == msg.AuthorID || r.online(id) {
			continue
		}
		if r.draft != nil && !slices.Contains(r.draft.Order, id) {
			continue
		}
		payload, _ := json.Marshal(struct {
			RoomID    string `json:"roomId"`
			MessageID string `json:"messageId"`
		}{r.id, msg.ID})
		r.dispatch(notify.DispatchRequest{
			TargetIdentity: id,
			Title:          fmt.Sprintf("%s mentioned you", displayOr(authorName, msg.AuthorID)),
			Body:           msg.Body,
			Tag:            notify.TagMention,
			Payload:        payload,
		})
	}
}

// Mentions returns the distinct identity ids mentioned as @id in body, in
// order of first appearance.
func Mentions(body string) []string {
	var out []string
	for _, field := range strings.Fields(body) {
		rest, ok := strings.CutPrefix(field, "@")
		if !ok {
			continue
		}
		id := strings.TrimRightFunc(rest, func(c rune) bool {
			return unicode.IsPunct(c) && c != '-' && c != '_'
		})
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func displayOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func toWireMessage(m chatlog.Message) wire.ChatMessage {
	return wire.ChatMessage{
		ID:        m.ID,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Body:      m.Body,
		Kind:      string(m.Kind),
		CreatedAt: m.CreatedAt,
		Reactions: m.Reactions,
	}
}

// WireMessages converts chat history to its transport form.
func WireMessages(msgs []chatlog.Message) []wire.ChatMessage {
	out := make([]wire.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWireMessage(m))
	}
	return out
}

func fromWireMessage(m wire.ChatMessage) chatlog.Message {
	return chatlog.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Body:      m.Body,
		Kind:      chatlog.Kind(m.Kind),
		CreatedAt: m.CreatedAt,
		Reactions: m.Reactions,
	}
}

func toWirePick(p engine.Pick) wire.Pick {
	return wire.Pick{
		Round:         p.Round,
		PickInRound:   p.PickInRound,
		PickNumber:    p.PickNumber,
		ParticipantID: p.ParticipantID,
		SelectionID:   p.SelectionID,
		MadeAt:        p.MadeAt.UTC(),
		WasAutopick:   p.WasAutopick,
	}
}

func jsonDecode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	return json.Unmarshal(raw, v)
}
