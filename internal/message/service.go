// Package message is the transaction-of-record boundary for message
// authorship. Persisting goes through the store; pushing goes through the
// delivery log so authoring latency never couples to recipient liveness.
package message

import (
	"context"
	"time"

	"github.com/emberchat/ember/internal/deliverylog"
	"github.com/emberchat/ember/internal/model"
	"github.com/emberchat/ember/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store is the slice of the data layer the service needs.
type Store interface {
	CreateMessage(ctx context.Context, in store.CreateMessageInput) (*model.Message, []uuid.UUID, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error)
	EditMessage(ctx context.Context, msgID, editorID uuid.UUID, newBody string) (*model.Message, error)
	SoftDeleteMessage(ctx context.Context, msgID, actorID uuid.UUID) (*model.Message, error)
	TransitionDelivery(ctx context.Context, msgID, recipientID uuid.UUID, target model.DeliveryStatus) (bool, error)
	AddReaction(ctx context.Context, msgID, userID uuid.UUID, emoji string) (*model.Reaction, error)
	RemoveReaction(ctx context.Context, reactionID, userID uuid.UUID) (*model.Reaction, error)
}

// Broadcaster is the narrow fabric surface for convenience events. These
// broadcasts are not required for correctness: clients re-fetch on focus and
// see authoritative state from the store.
type Broadcaster interface {
	MessageEdited(ctx context.Context, m *model.Message)
	MessageDeleted(ctx context.Context, m *model.Message)
	MessageRead(ctx context.Context, convID, msgID, readerID uuid.UUID, senderID *uuid.UUID)
	ReactionAdded(ctx context.Context, convID uuid.UUID, r *model.Reaction)
	ReactionRemoved(ctx context.Context, convID uuid.UUID, r *model.Reaction)
}

// SendInput is the authoring DTO.
type SendInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Content        string
	Kind           model.MessageKind
	Metadata       model.Metadata
	ReplyToID      *uuid.UUID
}

// Service implements message authorship and the thin mutation wrappers.
type Service struct {
	store     Store
	dlog      deliverylog.Log
	broadcast Broadcaster
}

// New creates the message service.
func New(st Store, dlog deliverylog.Log, broadcast Broadcaster) *Service {
	return &Service{store: st, dlog: dlog, broadcast: broadcast}
}

// Send persists a message and enqueues its fan-out job. A failed enqueue
// after a successful persist is still success: the store is authoritative
// and recipients catch up on their next connect; only the push is late.
func (s *Service) Send(ctx context.Context, in SendInput) (*model.Message, error) {
	sender := in.SenderID
	msg, recipients, err := s.store.CreateMessage(ctx, store.CreateMessageInput{
		ConversationID: in.ConversationID,
		SenderID:       &sender,
		Body:           in.Content,
		Kind:           in.Kind,
		Metadata:       in.Metadata,
		ReplyToID:      in.ReplyToID,
	})
	if err != nil {
		return nil, err
	}

	if len(recipients) > 0 {
		_, err = s.dlog.Append(ctx, deliverylog.Job{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Recipients:     recipients,
			EnqueuedAt:     time.Now().UTC(),
		})
		if err != nil {
			log.Warn().Err(err).
				Str("message_id", msg.ID.String()).
				Int("recipients", len(recipients)).
				Msg("message persisted but fan-out enqueue failed; recipients will catch up on reconnect")
		}
	}

	return msg, nil
}

// Edit rewrites a message through the store and broadcasts the mutation.
func (s *Service) Edit(ctx context.Context, msgID, editorID uuid.UUID, content string) (*model.Message, error) {
	m, err := s.store.EditMessage(ctx, msgID, editorID, content)
	if err != nil {
		return nil, err
	}
	s.broadcast.MessageEdited(ctx, m)
	return m, nil
}

// Delete soft-deletes a message through the store and broadcasts the
// mutation.
func (s *Service) Delete(ctx context.Context, msgID, actorID uuid.UUID) (*model.Message, error) {
	m, err := s.store.SoftDeleteMessage(ctx, msgID, actorID)
	if err != nil {
		return nil, err
	}
	s.broadcast.MessageDeleted(ctx, m)
	return m, nil
}

// MarkRead transitions the reader's delivery record to read. The read
// receipt goes to the conversation room and the sender's user room, but only
// when the transition actually changed state, so reprocessing emits nothing.
func (s *Service) MarkRead(ctx context.Context, msgID, readerID uuid.UUID) error {
	changed, err := s.store.TransitionDelivery(ctx, msgID, readerID, model.DeliveryRead)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	m, err := s.store.GetMessage(ctx, msgID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", msgID.String()).Msg("read receipt broadcast skipped")
		return nil
	}
	s.broadcast.MessageRead(ctx, m.ConversationID, msgID, readerID, m.SenderID)
	return nil
}

// React adds a reaction and broadcasts it.
func (s *Service) React(ctx context.Context, msgID, userID uuid.UUID, emoji string) (*model.Reaction, error) {
	r, err := s.store.AddReaction(ctx, msgID, userID, emoji)
	if err != nil {
		return nil, err
	}
	m, err := s.store.GetMessage(ctx, msgID)
	if err == nil {
		s.broadcast.ReactionAdded(ctx, m.ConversationID, r)
	}
	return r, nil
}

// Unreact removes a reaction and broadcasts the removal.
func (s *Service) Unreact(ctx context.Context, reactionID, userID uuid.UUID) (*model.Reaction, error) {
	r, err := s.store.RemoveReaction(ctx, reactionID, userID)
	if err != nil {
		return nil, err
	}
	m, err := s.store.GetMessage(ctx, r.MessageID)
	if err == nil {
		s.broadcast.ReactionRemoved(ctx, m.ConversationID, r)
	}
	return r, nil
}
