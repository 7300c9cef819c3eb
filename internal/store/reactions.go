package store

import (
	"context"
	"errors"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AddReaction attaches an emoji reaction to a message. Unique per
// (message, user, emoji); repeating the same reaction is a conflict. The
// reactor must be an active participant of the message's conversation.
func (s *PG) AddReaction(ctx context.Context, msgID, userID uuid.UUID, emoji string) (*model.Reaction, error) {
	if !model.ValidEmoji(emoji) {
		return nil, apperr.New(apperr.InvalidInput, "invalid reaction emoji")
	}

	var convID uuid.UUID
	err := s.read(ctx).QueryRow(ctx,
		`SELECT conversation_id FROM message WHERE id = $1`, msgID).Scan(&convID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "message not found")
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "load message")
	}
	if err := s.requireActiveParticipant(ctx, convID, userID); err != nil {
		return nil, err
	}

	r := &model.Reaction{MessageID: msgID, UserID: userID, Emoji: emoji}
	err = s.write().QueryRow(ctx, `
		INSERT INTO reaction (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, msgID, userID, emoji).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.ConflictUniqueViolation, "reaction already exists")
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "insert reaction")
	}
	return r, nil
}

// RemoveReaction hard-deletes a reaction. Only its author may remove it.
// Returns the removed reaction so callers can broadcast it.
func (s *PG) RemoveReaction(ctx context.Context, reactionID, userID uuid.UUID) (*model.Reaction, error) {
	r := &model.Reaction{}
	err := s.write().QueryRow(ctx, `
		DELETE FROM reaction WHERE id = $1 AND user_id = $2
		RETURNING id, message_id, user_id, emoji, created_at
	`, reactionID, userID).Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "reaction not found")
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "remove reaction")
	}
	return r, nil
}

// ListReactions returns the reactions on a message, oldest first.
func (s *PG) ListReactions(ctx context.Context, msgID uuid.UUID) ([]model.Reaction, error) {
	rows, err := s.read(ctx).Query(ctx, `
		SELECT id, message_id, user_id, emoji, created_at
		FROM reaction WHERE message_id = $1
		ORDER BY created_at ASC, id ASC
	`, msgID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "list reactions")
	}
	defer rows.Close()

	var out []model.Reaction
	for rows.Next() {
		var r model.Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.StorageUnavailable, "scan reaction")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
