// Package fabric is the connection layer: authenticated websockets, per-user
// and per-conversation rooms, presence, and cross-node broadcast over a
// pub/sub bus so any node can push to any user's socket.
package fabric

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Ingress event names (client to server).
const (
	EvMessageSend     = "message:send"
	EvMessageEdit     = "message:edit"
	EvMessageDelete   = "message:delete"
	EvMessageMarkRead = "message:mark-read"
	EvReactionAdd     = "reaction:add"
	EvReactionRemove  = "reaction:remove"
	EvTypingStart     = "typing:start"
	EvTypingStop      = "typing:stop"
	EvPresenceUpdate  = "presence:update"
	EvHeartbeat       = "presence:heartbeat"
)

// Egress event names (server to client).
const (
	EvMessageNew        = "message.new"
	EvMessageSent       = "message:sent"
	EvMessageEdited     = "message.edited"
	EvMessageDeleted    = "message.deleted"
	EvMessageRead       = "message.read"
	EvReactionAdded     = "reaction.added"
	EvReactionRemoved   = "reaction.removed"
	EvTypingStarted     = "typing.start"
	EvTypingStopped     = "typing.stop"
	EvUserStatus        = "user.status"
	EvConnectionSuccess = "connection.success"
)

// Envelope is the wire frame in both directions: an event name plus an
// opaque payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the body of a <domain>:error egress event. Errors are
// always surfaced, never silently dropped.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Room name constructors. A room is a named set of sockets across the
// cluster.
func UserRoom(id uuid.UUID) string { return "user:" + id.String() }
func ConvRoom(id uuid.UUID) string { return "conv:" + id.String() }

// Ingress payloads.

type sendPayload struct {
	ConvID    uuid.UUID       `json:"convId"`
	Content   string          `json:"content"`
	Kind      string          `json:"kind,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	ReplyToID *uuid.UUID      `json:"replyToId,omitempty"`
}

type editPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	Content   string    `json:"content"`
}

type deletePayload struct {
	MessageID uuid.UUID `json:"messageId"`
}

type markReadPayload struct {
	MessageID uuid.UUID `json:"messageId"`
}

type reactionAddPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	Emoji     string    `json:"emoji"`
}

type reactionRemovePayload struct {
	ReactionID uuid.UUID `json:"reactionId"`
}

type typingPayload struct {
	ConvID uuid.UUID `json:"convId"`
}

type presencePayload struct {
	Status string `json:"status"` // online | away
}

// Egress payloads.

// StatusPayload announces a presence change.
type StatusPayload struct {
	UserID   uuid.UUID `json:"userId"`
	Presence string    `json:"presence"`
}

// TypingEventPayload announces typing activity in a conversation.
type TypingEventPayload struct {
	ConvID uuid.UUID `json:"convId"`
	UserID uuid.UUID `json:"userId"`
}

// ReadPayload announces a read receipt.
type ReadPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	ConvID    uuid.UUID `json:"convId"`
	ReaderID  uuid.UUID `json:"readerId"`
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
