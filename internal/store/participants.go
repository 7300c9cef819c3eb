package store

import (
	"context"
	"errors"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const participantColumns = `
	conversation_id, user_id, role, joined_at, left_at, last_read_id, unread_count`

func scanParticipant(row pgx.Row) (*model.Participant, error) {
	p := &model.Participant{}
	err := row.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt,
		&p.LeftAt, &p.LastReadID, &p.UnreadCount)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetParticipant loads the membership row for (conversation, user).
func (s *PG) GetParticipant(ctx context.Context, convID, userID uuid.UUID) (*model.Participant, error) {
	p, err := scanParticipant(s.read(ctx).QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participant
		 WHERE conversation_id = $1 AND user_id = $2`, convID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "participant not found")
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "get participant")
	}
	return p, nil
}

// requireActiveParticipant fails with NotParticipant unless the user is an
// active member of the conversation.
func (s *PG) requireActiveParticipant(ctx context.Context, convID, userID uuid.UUID) error {
	var active bool
	err := s.read(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM participant
			WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
		)`, convID, userID).Scan(&active)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageUnavailable, "check membership")
	}
	if !active {
		return apperr.New(apperr.NotParticipant, "not an active participant")
	}
	return nil
}

// UpsertParticipant adds a user to a conversation, or reactivates a previous
// membership. Group conversations enforce the participant cap; direct
// conversations never gain members.
func (s *PG) UpsertParticipant(ctx context.Context, convID, userID uuid.UUID, role model.Role) (*model.Participant, error) {
	if role == "" {
		role = model.RoleMember
	}
	if role == model.RoleOwner {
		return nil, apperr.New(apperr.InvalidInput, "ownership is assigned at creation or by transfer")
	}

	var out *model.Participant
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var kind model.ConversationKind
		var deleted bool
		err := tx.QueryRow(ctx,
			`SELECT kind, deleted FROM conversation WHERE id = $1 FOR UPDATE`,
			convID).Scan(&kind, &deleted)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.New(apperr.NotFound, "conversation not found")
			}
			return apperr.Wrap(err, apperr.StorageUnavailable, "load conversation")
		}
		if deleted {
			return apperr.New(apperr.ConversationClosed, "conversation is closed")
		}
		if kind == model.ConversationDirect {
			return apperr.New(apperr.InvalidInput, "direct conversations have a fixed pair of participants")
		}

		var active int
		err = tx.QueryRow(ctx, `
			SELECT count(*) FROM participant
			WHERE conversation_id = $1 AND left_at IS NULL
		`, convID).Scan(&active)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "count participants")
		}

		var alreadyActive bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM participant
				WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
			)`, convID, userID).Scan(&alreadyActive)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "check membership")
		}
		if !alreadyActive && active >= model.MaxGroupParticipants {
			return apperr.Newf(apperr.InvalidInput,
				"group is at the %d participant limit", model.MaxGroupParticipants)
		}

		out, err = scanParticipant(tx.QueryRow(ctx, `
			INSERT INTO participant (conversation_id, user_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id, user_id) DO UPDATE SET
				left_at = NULL,
				role = CASE WHEN participant.role = 'owner' THEN participant.role ELSE EXCLUDED.role END
			RETURNING `+participantColumns,
			convID, userID, role))
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "upsert participant")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkLeft ends a membership by setting left-at. A group owner must transfer
// ownership before leaving so the group keeps exactly one owner.
func (s *PG) MarkLeft(ctx context.Context, convID, userID uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var kind model.ConversationKind
		var role model.Role
		err := tx.QueryRow(ctx, `
			SELECT c.kind, p.role
			FROM participant p
			JOIN conversation c ON c.id = p.conversation_id
			WHERE p.conversation_id = $1 AND p.user_id = $2 AND p.left_at IS NULL
			FOR UPDATE OF p
		`, convID, userID).Scan(&kind, &role)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.New(apperr.NotFound, "active membership not found")
			}
			return apperr.Wrap(err, apperr.StorageUnavailable, "load membership")
		}
		if kind == model.ConversationGroup && role == model.RoleOwner {
			return apperr.New(apperr.InvalidInput, "transfer ownership before leaving the group")
		}

		_, err = tx.Exec(ctx, `
			UPDATE participant SET left_at = now()
			WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
		`, convID, userID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "mark left")
		}
		return nil
	})
}

// TransferOwnership moves the single owner role to another active member.
func (s *PG) TransferOwnership(ctx context.Context, convID, fromID, toID uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var kind model.ConversationKind
		err := tx.QueryRow(ctx,
			`SELECT kind FROM conversation WHERE id = $1 FOR UPDATE`, convID).Scan(&kind)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.New(apperr.NotFound, "conversation not found")
			}
			return apperr.Wrap(err, apperr.StorageUnavailable, "load conversation")
		}
		if kind != model.ConversationGroup {
			return apperr.New(apperr.InvalidInput, "only groups have owners")
		}

		tag, err := tx.Exec(ctx, `
			UPDATE participant SET role = 'admin'
			WHERE conversation_id = $1 AND user_id = $2 AND role = 'owner' AND left_at IS NULL
		`, convID, fromID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "demote owner")
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.NotAuthor, "only the owner can transfer ownership")
		}

		tag, err = tx.Exec(ctx, `
			UPDATE participant SET role = 'owner'
			WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
		`, convID, toID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "promote new owner")
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.InvalidInput, "new owner must be an active participant")
		}

		_, err = tx.Exec(ctx,
			`UPDATE conversation SET owner_id = $2 WHERE id = $1`, convID, toID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "update conversation owner")
		}
		return nil
	})
}

// CountActiveParticipants returns the active membership size.
func (s *PG) CountActiveParticipants(ctx context.Context, convID uuid.UUID) (int, error) {
	var n int
	err := s.read(ctx).QueryRow(ctx, `
		SELECT count(*) FROM participant
		WHERE conversation_id = $1 AND left_at IS NULL
	`, convID).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.StorageUnavailable, "count participants")
	}
	return n, nil
}

// ResetUnread zeroes the viewer's badge for a conversation: clears the unread
// count and index, and advances last-read to the newest message.
func (s *PG) ResetUnread(ctx context.Context, convID, userID uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE participant SET
				unread_count = 0,
				last_read_id = COALESCE((
					SELECT id FROM message
					WHERE conversation_id = $1
					ORDER BY created_at DESC, id DESC LIMIT 1
				), last_read_id)
			WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
		`, convID, userID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "reset unread count")
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.NotParticipant, "not an active participant")
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM unread_index WHERE conversation_id = $1 AND user_id = $2
		`, convID, userID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "clear unread index")
		}
		return nil
	})
}
