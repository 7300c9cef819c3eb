package fabric

import (
	"context"

	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
)

// The message service broadcasts through these methods. They are
// fire-and-forget: the store already holds the authoritative state.

// MessageEdited announces an edit to the conversation room.
func (h *Hub) MessageEdited(ctx context.Context, m *model.Message) {
	h.EmitToConv(ctx, m.ConversationID, EvMessageEdited, m)
}

// MessageDeleted announces a soft delete to the conversation room.
func (h *Hub) MessageDeleted(ctx context.Context, m *model.Message) {
	h.EmitToConv(ctx, m.ConversationID, EvMessageDeleted, m)
}

// MessageRead announces a read receipt to the conversation room and, when
// the sender is known, directly to the sender's sockets so receipts reach
// them even if a conversation-room frame is dropped.
func (h *Hub) MessageRead(ctx context.Context, convID, msgID, readerID uuid.UUID, senderID *uuid.UUID) {
	payload := ReadPayload{MessageID: msgID, ConvID: convID, ReaderID: readerID}
	h.EmitToConv(ctx, convID, EvMessageRead, payload)
	if senderID != nil && *senderID != readerID {
		h.EmitToUser(ctx, *senderID, EvMessageRead, payload)
	}
}

// ReactionAdded announces a new reaction to the conversation room.
func (h *Hub) ReactionAdded(ctx context.Context, convID uuid.UUID, r *model.Reaction) {
	h.EmitToConv(ctx, convID, EvReactionAdded, r)
}

// ReactionRemoved announces a removed reaction to the conversation room.
func (h *Hub) ReactionRemoved(ctx context.Context, convID uuid.UUID, r *model.Reaction) {
	h.EmitToConv(ctx, convID, EvReactionRemoved, r)
}
