package store

import (
	"context"
	"errors"
	"time"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetDeliveryRecord loads the per-recipient status row for a message.
func (s *PG) GetDeliveryRecord(ctx context.Context, msgID, recipientID uuid.UUID) (*model.DeliveryRecord, error) {
	r := &model.DeliveryRecord{}
	err := s.read(ctx).QueryRow(ctx, `
		SELECT message_id, recipient_id, status, delivered_at, read_at, created_at
		FROM delivery_record
		WHERE message_id = $1 AND recipient_id = $2
	`, msgID, recipientID).Scan(&r.MessageID, &r.RecipientID, &r.Status,
		&r.DeliveredAt, &r.ReadAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "delivery record not found")
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "get delivery record")
	}
	return r, nil
}

// TransitionDelivery advances the recipient's delivery status toward target.
// Idempotent and monotonic: a status already at or past target is a no-op and
// returns false. Reaching read advances the recipient's last-read watermark
// when the message is at least as new as the current one; the advance retires
// every message at or behind the watermark, recomputing unread_count from
// what lies beyond it and dropping the retired unread-index rows, all in one
// transaction.
func (s *PG) TransitionDelivery(ctx context.Context, msgID, recipientID uuid.UUID, target model.DeliveryStatus) (bool, error) {
	if target != model.DeliveryDelivered && target != model.DeliveryRead {
		return false, apperr.Newf(apperr.InvalidInput, "invalid delivery target %q", target)
	}

	changed := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var current model.DeliveryStatus
		err := tx.QueryRow(ctx, `
			SELECT status FROM delivery_record
			WHERE message_id = $1 AND recipient_id = $2
			FOR UPDATE
		`, msgID, recipientID).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.New(apperr.NotFound, "delivery record not found")
			}
			return apperr.Wrap(err, apperr.StorageUnavailable, "load delivery record")
		}
		if current.Rank() >= target.Rank() {
			return nil
		}

		// delivered_at is set on the first reach of delivered or read; read_at
		// only when read is reached.
		_, err = tx.Exec(ctx, `
			UPDATE delivery_record SET
				status = $3,
				delivered_at = COALESCE(delivered_at, now()),
				read_at = CASE WHEN $3 = 'read' THEN COALESCE(read_at, now()) ELSE read_at END
			WHERE message_id = $1 AND recipient_id = $2
		`, msgID, recipientID, target)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "update delivery record")
		}
		changed = true

		if target != model.DeliveryRead {
			return nil
		}

		var convID uuid.UUID
		var msgAt time.Time
		err = tx.QueryRow(ctx,
			`SELECT conversation_id, created_at FROM message WHERE id = $1`, msgID).
			Scan(&convID, &msgAt)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "load message conversation")
		}

		var advance bool
		err = tx.QueryRow(ctx, `
			SELECT p.last_read_id IS NULL OR EXISTS (
				SELECT 1 FROM message prev
				WHERE prev.id = p.last_read_id
				  AND (prev.created_at, prev.id) <= ($3, $4)
			)
			FROM participant p
			WHERE p.conversation_id = $1 AND p.user_id = $2
		`, convID, recipientID, msgAt, msgID).Scan(&advance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil // recipient has no participant row; nothing to retire
			}
			return apperr.Wrap(err, apperr.StorageUnavailable, "load read watermark")
		}
		if !advance {
			// Reading behind the watermark: everything at or before it was
			// already retired when the watermark moved past.
			return nil
		}

		// unread_count is defined by the watermark: the number of undeleted
		// messages from other senders strictly after (created_at, id) of the
		// last-read message. Recomputing keeps it equal to the index
		// cardinality no matter how many older messages this read retires.
		_, err = tx.Exec(ctx, `
			UPDATE participant p SET
				last_read_id = $4,
				unread_count = (
					SELECT count(*) FROM message m
					WHERE m.conversation_id = $1
					  AND (m.created_at, m.id) > ($3, $4)
					  AND m.sender_id IS DISTINCT FROM $2
					  AND m.deleted = false
				)
			WHERE p.conversation_id = $1 AND p.user_id = $2
		`, convID, recipientID, msgAt, msgID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "update participant read state")
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM unread_index ui
			USING message m
			WHERE ui.user_id = $2 AND ui.conversation_id = $1
			  AND m.id = ui.message_id
			  AND (m.created_at, m.id) <= ($3, $4)
		`, convID, recipientID, msgAt, msgID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "clear unread index entries")
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// UndeliveredMessages lists messages still in status sent for the recipient,
// oldest first. The fabric pushes these on reconnect catch-up.
func (s *PG) UndeliveredMessages(ctx context.Context, recipientID uuid.UUID, limit int) ([]*model.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.read(ctx).Query(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, m.body, m.kind, m.metadata,
		       m.reply_to_id, m.edited, m.edited_at, m.deleted, m.deleted_at, m.created_at
		FROM delivery_record d
		JOIN message m ON m.id = d.message_id
		WHERE d.recipient_id = $1 AND d.status = 'sent'
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "list undelivered")
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.StorageUnavailable, "scan undelivered")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnreadIndexCount returns the size of the viewer's unread index for a
// conversation. Used to cross-check the participant counter.
func (s *PG) UnreadIndexCount(ctx context.Context, convID, userID uuid.UUID) (int, error) {
	var n int
	err := s.read(ctx).QueryRow(ctx, `
		SELECT count(*) FROM unread_index
		WHERE user_id = $1 AND conversation_id = $2
	`, userID, convID).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.StorageUnavailable, "count unread index")
	}
	return n, nil
}
