package store

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/cursor"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateMessageInput carries everything needed to author a message. SenderID
// is nil only for system messages.
type CreateMessageInput struct {
	ConversationID uuid.UUID
	SenderID       *uuid.UUID
	Body           string
	Kind           model.MessageKind
	Metadata       model.Metadata
	ReplyToID      *uuid.UUID
}

// CreateMessage atomically inserts the message, bumps the conversation's
// last-message-at, and for every other active participant creates a
// DeliveryRecord in status sent, increments their unread count, and appends
// to the unread index. Returns the persisted message plus the recipient set.
func (s *PG) CreateMessage(ctx context.Context, in CreateMessageInput) (*model.Message, []uuid.UUID, error) {
	if strings.TrimSpace(in.Body) == "" {
		return nil, nil, apperr.New(apperr.InvalidInput, "message body is empty")
	}
	if len([]rune(in.Body)) > model.MaxMessageLength {
		return nil, nil, apperr.Newf(apperr.InvalidInput, "message body exceeds %d characters", model.MaxMessageLength)
	}
	if in.Kind == "" {
		in.Kind = model.MessageText
	}
	if in.SenderID == nil && in.Kind != model.MessageSystem {
		return nil, nil, apperr.New(apperr.InvalidInput, "sender is required")
	}

	msg := &model.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Body:           in.Body,
		Kind:           in.Kind,
		Metadata:       in.Metadata,
		ReplyToID:      in.ReplyToID,
	}
	var recipients []uuid.UUID

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var deleted bool
		err := tx.QueryRow(ctx,
			`SELECT deleted FROM conversation WHERE id = $1 FOR UPDATE`,
			in.ConversationID).Scan(&deleted)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.New(apperr.NotFound, "conversation not found")
			}
			return apperr.Wrap(err, apperr.StorageUnavailable, "load conversation")
		}
		if deleted {
			return apperr.New(apperr.ConversationClosed, "conversation is closed")
		}

		if in.SenderID != nil {
			var active bool
			err = tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM participant
					WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
				)`, in.ConversationID, *in.SenderID).Scan(&active)
			if err != nil {
				return apperr.Wrap(err, apperr.StorageUnavailable, "check sender membership")
			}
			if !active {
				return apperr.New(apperr.NotParticipant, "sender is not an active participant")
			}
		}

		if in.ReplyToID != nil {
			var replyConv uuid.UUID
			var replyDeleted bool
			err = tx.QueryRow(ctx,
				`SELECT conversation_id, deleted FROM message WHERE id = $1`,
				*in.ReplyToID).Scan(&replyConv, &replyDeleted)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return apperr.New(apperr.InvalidReply, "reply target does not exist")
				}
				return apperr.Wrap(err, apperr.StorageUnavailable, "load reply target")
			}
			if replyConv != in.ConversationID {
				return apperr.New(apperr.InvalidReply, "reply target is in another conversation")
			}
			if replyDeleted {
				return apperr.New(apperr.InvalidReply, "reply target was deleted")
			}
		}

		meta := in.Metadata
		if meta == nil {
			meta = model.Metadata{}
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO message (conversation_id, sender_id, body, kind, metadata, reply_to_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at
		`, in.ConversationID, in.SenderID, in.Body, in.Kind, meta, in.ReplyToID).
			Scan(&msg.ID, &msg.CreatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "insert message")
		}

		_, err = tx.Exec(ctx,
			`UPDATE conversation SET last_message_at = $2 WHERE id = $1`,
			in.ConversationID, msg.CreatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "bump last_message_at")
		}

		rows, err := tx.Query(ctx, `
			SELECT user_id FROM participant
			WHERE conversation_id = $1 AND left_at IS NULL AND ($2::uuid IS NULL OR user_id <> $2)
		`, in.ConversationID, in.SenderID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "list recipients")
		}
		recipients = recipients[:0]
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return apperr.Wrap(err, apperr.StorageUnavailable, "scan recipient")
			}
			recipients = append(recipients, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "iterate recipients")
		}

		if len(recipients) == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO delivery_record (message_id, recipient_id, status)
			SELECT $1, unnest($2::uuid[]), 'sent'
		`, msg.ID, recipients)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "insert delivery records")
		}

		_, err = tx.Exec(ctx, `
			UPDATE participant SET unread_count = unread_count + 1
			WHERE conversation_id = $1 AND user_id = ANY($2::uuid[])
		`, in.ConversationID, recipients)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "bump unread counts")
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO unread_index (user_id, conversation_id, message_id)
			SELECT unnest($2::uuid[]), $3, $1
		`, msg.ID, recipients, in.ConversationID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "append unread index")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, recipients, nil
}

const messageColumns = `
	id, conversation_id, sender_id, body, kind, metadata, reply_to_id,
	edited, edited_at, deleted, deleted_at, created_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.Kind,
		&m.Metadata, &m.ReplyToID, &m.Edited, &m.EditedAt, &m.Deleted,
		&m.DeletedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if m.Deleted {
		m.Body = model.DeletedPlaceholder
	}
	return m, nil
}

// GetMessage loads a single message. Soft-deleted messages come back with the
// placeholder body.
func (s *PG) GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	m, err := scanMessage(s.read(ctx).QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "message not found")
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "get message")
	}
	return m, nil
}

// ListMessages returns a page of conversation history in reverse
// chronological (created_at DESC, id DESC) order. The cursor bounds the page
// to strictly older entries. The viewer must be an active participant.
func (s *PG) ListMessages(ctx context.Context, convID, viewerID uuid.UUID, limit int, cur cursor.Cursor) ([]*model.Message, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	if err := s.requireActiveParticipant(ctx, convID, viewerID); err != nil {
		return nil, "", err
	}

	q := `SELECT ` + messageColumns + ` FROM message WHERE conversation_id = $1`
	args := []any{convID}
	if cur.ID != uuid.Nil {
		q += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cur.Ts, cur.ID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := s.read(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, "", apperr.Wrap(err, apperr.StorageUnavailable, "list messages")
	}
	defer rows.Close()

	msgs := make([]*model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", apperr.Wrap(err, apperr.StorageUnavailable, "scan message")
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", apperr.Wrap(err, apperr.StorageUnavailable, "iterate messages")
	}

	var next string
	if len(msgs) == limit {
		last := msgs[len(msgs)-1]
		next = cursor.Encode(cursor.Cursor{Ts: last.CreatedAt, ID: last.ID})
	}
	return msgs, next, nil
}

// EditMessage rewrites a message body, recording the prior body and metadata
// in the edit history first. Only the sender may edit; system and deleted
// messages are immutable.
func (s *PG) EditMessage(ctx context.Context, msgID, editorID uuid.UUID, newBody string) (*model.Message, error) {
	if strings.TrimSpace(newBody) == "" {
		return nil, apperr.New(apperr.InvalidInput, "message body is empty")
	}
	if len([]rune(newBody)) > model.MaxMessageLength {
		return nil, apperr.Newf(apperr.InvalidInput, "message body exceeds %d characters", model.MaxMessageLength)
	}

	var out *model.Message
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var senderID *uuid.UUID
		var kind model.MessageKind
		var deleted bool
		var priorBody string
		var priorMeta model.Metadata
		err := tx.QueryRow(ctx, `
			SELECT sender_id, kind, deleted, body, metadata
			FROM message WHERE id = $1 FOR UPDATE
		`, msgID).Scan(&senderID, &kind, &deleted, &priorBody, &priorMeta)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.New(apperr.NotFound, "message not found")
			}
			return apperr.Wrap(err, apperr.StorageUnavailable, "load message")
		}

		if kind == model.MessageSystem {
			return apperr.New(apperr.NotAuthor, "system messages cannot be edited")
		}
		if senderID == nil || *senderID != editorID {
			return apperr.New(apperr.NotAuthor, "only the sender can edit a message")
		}
		if deleted {
			return apperr.New(apperr.InvalidInput, "deleted messages cannot be edited")
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO message_edit_history (message_id, prior_body, prior_meta)
			VALUES ($1, $2, $3)
		`, msgID, priorBody, priorMeta)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "record edit history")
		}

		out, err = scanMessage(tx.QueryRow(ctx, `
			UPDATE message SET body = $2, edited = true, edited_at = now()
			WHERE id = $1
			RETURNING `+messageColumns,
			msgID, newBody))
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "update message")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SoftDeleteMessage hides a message behind the placeholder. Allowed for the
// sender, or for an owner/admin of a group conversation. The row, its
// reactions, and its delivery records survive for audit.
func (s *PG) SoftDeleteMessage(ctx context.Context, msgID, actorID uuid.UUID) (*model.Message, error) {
	var out *model.Message
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var senderID *uuid.UUID
		var convID uuid.UUID
		var deleted bool
		err := tx.QueryRow(ctx,
			`SELECT sender_id, conversation_id, deleted FROM message WHERE id = $1 FOR UPDATE`,
			msgID).Scan(&senderID, &convID, &deleted)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.New(apperr.NotFound, "message not found")
			}
			return apperr.Wrap(err, apperr.StorageUnavailable, "load message")
		}
		if deleted {
			// Idempotent: deleting twice is a no-op.
			out, err = scanMessage(tx.QueryRow(ctx,
				`SELECT `+messageColumns+` FROM message WHERE id = $1`, msgID))
			if err != nil {
				return apperr.Wrap(err, apperr.StorageUnavailable, "reload message")
			}
			return nil
		}

		allowed := senderID != nil && *senderID == actorID
		if !allowed {
			var kind model.ConversationKind
			var role model.Role
			err = tx.QueryRow(ctx, `
				SELECT c.kind, p.role
				FROM conversation c
				JOIN participant p ON p.conversation_id = c.id
				WHERE c.id = $1 AND p.user_id = $2 AND p.left_at IS NULL
			`, convID, actorID).Scan(&kind, &role)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return apperr.Wrap(err, apperr.StorageUnavailable, "load actor role")
			}
			allowed = err == nil && kind == model.ConversationGroup &&
				(role == model.RoleOwner || role == model.RoleAdmin)
		}
		if !allowed {
			return apperr.New(apperr.NotAuthor, "not allowed to delete this message")
		}

		out, err = scanMessage(tx.QueryRow(ctx, `
			UPDATE message SET deleted = true, deleted_at = now()
			WHERE id = $1
			RETURNING `+messageColumns,
			msgID))
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "soft delete message")
		}

		// A deleted message no longer counts as unread: drop its index rows
		// and shrink the counter for every recipient who had not read it.
		_, err = tx.Exec(ctx, `
			WITH retired AS (
				DELETE FROM unread_index
				WHERE message_id = $1
				RETURNING conversation_id, user_id
			)
			UPDATE participant p
			SET unread_count = GREATEST(p.unread_count - 1, 0)
			FROM retired r
			WHERE p.conversation_id = r.conversation_id AND p.user_id = r.user_id
		`, msgID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "retire unread entries")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EditHistory lists the prior versions of a message, oldest first.
func (s *PG) EditHistory(ctx context.Context, msgID uuid.UUID) ([]model.EditHistoryEntry, error) {
	rows, err := s.read(ctx).Query(ctx, `
		SELECT id, message_id, prior_body, prior_meta, edited_at
		FROM message_edit_history WHERE message_id = $1
		ORDER BY edited_at ASC, id ASC
	`, msgID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "list edit history")
	}
	defer rows.Close()

	var out []model.EditHistoryEntry
	for rows.Next() {
		var e model.EditHistoryEntry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.PriorBody, &e.PriorMeta, &e.EditedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.StorageUnavailable, "scan edit history")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchMessages runs a full-text query over conversations the viewer is an
// active participant of. Read-heavy: prefers the replica.
func (s *PG) SearchMessages(ctx context.Context, viewerID uuid.UUID, query string, limit int) ([]*model.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.New(apperr.InvalidInput, "empty search query")
	}
	if limit <= 0 || limit > 50 {
		limit = 50
	}

	rows, err := s.read(ctx).Query(ctx, `
		SELECT `+messageColumns+`
		FROM message m
		WHERE m.deleted = false
		  AND m.search_tsv @@ plainto_tsquery('english', $2)
		  AND EXISTS (
			SELECT 1 FROM participant p
			WHERE p.conversation_id = m.conversation_id
			  AND p.user_id = $1 AND p.left_at IS NULL
		  )
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3
	`, viewerID, query, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "search messages")
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.StorageUnavailable, "scan search hit")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
