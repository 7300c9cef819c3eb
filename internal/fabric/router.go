package fabric

import (
	"context"
	"encoding/json"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/message"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MessageService is the ingress target for chat events. Implemented by the
// message service; the fabric itself never touches the store's write path
// for messages.
type MessageService interface {
	Send(ctx context.Context, in message.SendInput) (*model.Message, error)
	Edit(ctx context.Context, msgID, editorID uuid.UUID, content string) (*model.Message, error)
	Delete(ctx context.Context, msgID, actorID uuid.UUID) (*model.Message, error)
	MarkRead(ctx context.Context, msgID, readerID uuid.UUID) error
	React(ctx context.Context, msgID, userID uuid.UUID, emoji string) (*model.Reaction, error)
	Unreact(ctx context.Context, reactionID, userID uuid.UUID) (*model.Reaction, error)
}

// route dispatches one ingress event. Failures come back to the client as
// <domain>:error events; nothing is retried here.
func (h *Hub) route(ctx context.Context, c *Client, env Envelope) {
	switch env.Event {
	case EvMessageSend:
		h.handleSend(ctx, c, env.Data)
	case EvMessageEdit:
		h.handleEdit(ctx, c, env.Data)
	case EvMessageDelete:
		h.handleDelete(ctx, c, env.Data)
	case EvMessageMarkRead:
		h.handleMarkRead(ctx, c, env.Data)
	case EvReactionAdd:
		h.handleReactionAdd(ctx, c, env.Data)
	case EvReactionRemove:
		h.handleReactionRemove(ctx, c, env.Data)
	case EvTypingStart:
		h.handleTyping(ctx, c, env.Data, true)
	case EvTypingStop:
		h.handleTyping(ctx, c, env.Data, false)
	case EvPresenceUpdate:
		h.handlePresenceUpdate(ctx, c, env.Data)
	case EvHeartbeat:
		if err := h.store.TouchLastSeen(ctx, c.userID); err != nil {
			log.Debug().Err(err).Msg("heartbeat touch failed")
		}
	default:
		c.sendError("protocol", "unknown_event", "unknown event "+env.Event)
	}
}

func decode[T any](c *Client, domain string, raw json.RawMessage, out *T) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		c.sendError(domain, "invalid_payload", "malformed payload")
		return false
	}
	return true
}

func (h *Hub) handleSend(ctx context.Context, c *Client, raw json.RawMessage) {
	var p sendPayload
	if !decode(c, "message", raw, &p) {
		return
	}

	var meta model.Metadata
	if len(p.Metadata) > 0 {
		if err := json.Unmarshal(p.Metadata, &meta); err != nil {
			c.sendError("message", "invalid_payload", "metadata must be a JSON object")
			return
		}
	}

	msg, err := h.messages.Send(ctx, message.SendInput{
		ConversationID: p.ConvID,
		SenderID:       c.userID,
		Content:        p.Content,
		Kind:           model.MessageKind(p.Kind),
		Metadata:       meta,
		ReplyToID:      p.ReplyToID,
	})
	if err != nil {
		c.sendError("message", string(apperr.KindOf(err)), "send failed")
		return
	}
	c.sendEvent(EvMessageSent, msg)
}

func (h *Hub) handleEdit(ctx context.Context, c *Client, raw json.RawMessage) {
	var p editPayload
	if !decode(c, "message", raw, &p) {
		return
	}
	if _, err := h.messages.Edit(ctx, p.MessageID, c.userID, p.Content); err != nil {
		c.sendError("message", string(apperr.KindOf(err)), "edit failed")
	}
}

func (h *Hub) handleDelete(ctx context.Context, c *Client, raw json.RawMessage) {
	var p deletePayload
	if !decode(c, "message", raw, &p) {
		return
	}
	if _, err := h.messages.Delete(ctx, p.MessageID, c.userID); err != nil {
		c.sendError("message", string(apperr.KindOf(err)), "delete failed")
	}
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, raw json.RawMessage) {
	var p markReadPayload
	if !decode(c, "message", raw, &p) {
		return
	}
	if err := h.messages.MarkRead(ctx, p.MessageID, c.userID); err != nil {
		c.sendError("message", string(apperr.KindOf(err)), "mark-read failed")
	}
}

func (h *Hub) handleReactionAdd(ctx context.Context, c *Client, raw json.RawMessage) {
	var p reactionAddPayload
	if !decode(c, "reaction", raw, &p) {
		return
	}
	if _, err := h.messages.React(ctx, p.MessageID, c.userID, p.Emoji); err != nil {
		c.sendError("reaction", string(apperr.KindOf(err)), "reaction failed")
	}
}

func (h *Hub) handleReactionRemove(ctx context.Context, c *Client, raw json.RawMessage) {
	var p reactionRemovePayload
	if !decode(c, "reaction", raw, &p) {
		return
	}
	if _, err := h.messages.Unreact(ctx, p.ReactionID, c.userID); err != nil {
		c.sendError("reaction", string(apperr.KindOf(err)), "reaction removal failed")
	}
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, raw json.RawMessage, start bool) {
	var p typingPayload
	if !decode(c, "typing", raw, &p) {
		return
	}
	// In-memory only, never persisted. Broadcast only on state transitions so
	// a key-repeat refresh does not spam the room.
	if start {
		if h.typing.start(c.userID, p.ConvID) {
			h.emitTyping(ctx, EvTypingStarted, c.userID, p.ConvID)
		}
	} else {
		if h.typing.stop(c.userID, p.ConvID) {
			h.emitTyping(ctx, EvTypingStopped, c.userID, p.ConvID)
		}
	}
}

func (h *Hub) handlePresenceUpdate(ctx context.Context, c *Client, raw json.RawMessage) {
	var p presencePayload
	if !decode(c, "presence", raw, &p) {
		return
	}
	// "offline" is never client-declared; it is derived from socket state.
	status := model.Presence(p.Status)
	if status != model.PresenceOnline && status != model.PresenceAway {
		c.sendError("presence", "invalid_payload", "status must be online or away")
		return
	}
	if err := h.store.UpdatePresence(ctx, c.userID, status); err != nil {
		c.sendError("presence", string(apperr.KindOf(err)), "presence update failed")
		return
	}
	chatIDs, err := h.store.GetUserChatIDs(ctx, c.userID)
	if err == nil {
		h.broadcastStatus(ctx, c.userID, chatIDs, status)
	}
}
