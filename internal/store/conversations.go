package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateConversationInput describes a new conversation. For direct
// conversations Participants must hold exactly the two user ids; for groups
// it holds the initial member set (the owner is added implicitly).
type CreateConversationInput struct {
	Kind         model.ConversationKind
	Name         string
	Slug         string
	OwnerID      uuid.UUID
	Participants []uuid.UUID
}

// CreateConversation creates a direct or group conversation with its initial
// participants. Direct conversations deduplicate: if the pair already has
// one, the existing conversation is returned.
func (s *PG) CreateConversation(ctx context.Context, in CreateConversationInput) (*model.Conversation, error) {
	switch in.Kind {
	case model.ConversationDirect:
		return s.createDirect(ctx, in)
	case model.ConversationGroup:
		return s.createGroup(ctx, in)
	default:
		return nil, apperr.Newf(apperr.InvalidInput, "unknown conversation kind %q", in.Kind)
	}
}

func (s *PG) createDirect(ctx context.Context, in CreateConversationInput) (*model.Conversation, error) {
	if len(in.Participants) != 2 || in.Participants[0] == in.Participants[1] {
		return nil, apperr.New(apperr.InvalidInput, "direct conversations need exactly two distinct participants")
	}

	existing, err := s.FindDirectConversation(ctx, in.Participants[0], in.Participants[1])
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	conv := &model.Conversation{Kind: model.ConversationDirect}
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO conversation (kind) VALUES ('direct')
			RETURNING id, created_at
		`).Scan(&conv.ID, &conv.CreatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageUnavailable, "insert conversation")
		}
		for _, uid := range in.Participants {
			_, err = tx.Exec(ctx, `
				INSERT INTO participant (conversation_id, user_id, role)
				VALUES ($1, $2, 'member')
			`, conv.ID, uid)
			if err != nil {
				return apperr.Wrap(err, apperr.StorageUnavailable, "insert participant")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *PG) createGroup(ctx context.Context, in CreateConversationInput) (*model.Conversation, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.New(apperr.InvalidInput, "group conversations require a name")
	}

	members := make([]uuid.UUID, 0, len(in.Participants)+1)
	seen := map[uuid.UUID]bool{in.OwnerID: true}
	members = append(members, in.OwnerID)
	for _, uid := range in.Participants {
		if !seen[uid] {
			seen[uid] = true
			members = append(members, uid)
		}
	}
	if len(members) > model.MaxGroupParticipants {
		return nil, apperr.Newf(apperr.InvalidInput,
			"group size %d exceeds the %d participant limit", len(members), model.MaxGroupParticipants)
	}

	conv := &model.Conversation{
		Kind:    model.ConversationGroup,
		Name:    in.Name,
		Slug:    in.Slug,
		OwnerID: &in.OwnerID,
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var slug *string
		if in.Slug != "" {
			slug = &in.Slug
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO conversation (kind, name, slug, owner_id)
			VALUES ('group', $1, $2, $3)
			RETURNING id, created_at
		`, in.Name, slug, in.OwnerID).Scan(&conv.ID, &conv.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Newf(apperr.ConflictUniqueViolation, "slug %q is taken", in.Slug)
			}
			return apperr.Wrap(err, apperr.StorageUnavailable, "insert conversation")
		}

		role := model.RoleOwner
		for _, uid := range members {
			_, err = tx.Exec(ctx, `
				INSERT INTO participant (conversation_id, user_id, role)
				VALUES ($1, $2, $3)
			`, conv.ID, uid, role)
			if err != nil {
				return apperr.Wrap(err, apperr.StorageUnavailable, "insert participant")
			}
			role = model.RoleMember
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

const conversationColumns = `
	id, kind, COALESCE(name, ''), COALESCE(slug, ''), owner_id,
	created_at, last_message_at, deleted`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	c := &model.Conversation{}
	err := row.Scan(&c.ID, &c.Kind, &c.Name, &c.Slug, &c.OwnerID,
		&c.CreatedAt, &c.LastMessageAt, &c.Deleted)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation loads a conversation by id.
func (s *PG) GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	c, err := scanConversation(s.read(ctx).QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "conversation not found")
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "get conversation")
	}
	return c, nil
}

// FindDirectConversation locates the direct conversation between two users.
func (s *PG) FindDirectConversation(ctx context.Context, a, b uuid.UUID) (*model.Conversation, error) {
	c, err := scanConversation(s.read(ctx).QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversation c
		WHERE c.kind = 'direct' AND c.deleted = false
		  AND EXISTS (SELECT 1 FROM participant WHERE conversation_id = c.id AND user_id = $1)
		  AND EXISTS (SELECT 1 FROM participant WHERE conversation_id = c.id AND user_id = $2)
		LIMIT 1
	`, a, b))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "no direct conversation")
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "find direct conversation")
	}
	return c, nil
}

// GetUserConversations returns the viewer's chat list: every conversation
// with an active membership, joined with the unread count and a digest of the
// last message, newest activity first. Soft-deleted conversations are
// excluded.
func (s *PG) GetUserConversations(ctx context.Context, userID uuid.UUID) ([]model.ConversationSummary, error) {
	rows, err := s.read(ctx).Query(ctx, `
		SELECT c.id, c.kind, COALESCE(c.name, ''), COALESCE(c.slug, ''), c.owner_id,
		       c.created_at, c.last_message_at, c.deleted,
		       p.unread_count,
		       m.id, m.sender_id, m.body, m.kind, m.deleted, m.created_at,
		       peer.user_id
		FROM conversation c
		JOIN participant p ON p.conversation_id = c.id
		LEFT JOIN LATERAL (
			SELECT id, sender_id, body, kind, deleted, created_at
			FROM message
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) m ON true
		LEFT JOIN LATERAL (
			SELECT user_id FROM participant
			WHERE conversation_id = c.id AND user_id <> $1 AND c.kind = 'direct'
			LIMIT 1
		) peer ON true
		WHERE p.user_id = $1 AND p.left_at IS NULL AND c.deleted = false
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "list conversations")
	}
	defer rows.Close()

	var out []model.ConversationSummary
	for rows.Next() {
		var cs model.ConversationSummary
		var lastID *uuid.UUID
		var lastSender *uuid.UUID
		var lastBody, lastKind *string
		var lastDeleted *bool
		var lastCreated *time.Time
		err := rows.Scan(&cs.ID, &cs.Kind, &cs.Name, &cs.Slug, &cs.OwnerID,
			&cs.CreatedAt, &cs.LastMessageAt, &cs.Deleted,
			&cs.UnreadCount,
			&lastID, &lastSender, &lastBody, &lastKind, &lastDeleted, &lastCreated,
			&cs.PeerID)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.StorageUnavailable, "scan conversation summary")
		}
		if lastID != nil {
			m := &model.Message{
				ID:             *lastID,
				ConversationID: cs.ID,
				SenderID:       lastSender,
				Body:           *lastBody,
				Kind:           model.MessageKind(*lastKind),
				Deleted:        *lastDeleted,
				CreatedAt:      *lastCreated,
			}
			if m.Deleted {
				m.Body = model.DeletedPlaceholder
			}
			cs.LastMessage = m
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// GetUserChatIDs returns the ids of every conversation the user actively
// participates in. The fabric joins sockets to these rooms on connect.
func (s *PG) GetUserChatIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.read(ctx).Query(ctx, `
		SELECT p.conversation_id
		FROM participant p
		JOIN conversation c ON c.id = p.conversation_id
		WHERE p.user_id = $1 AND p.left_at IS NULL AND c.deleted = false
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "list chat ids")
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(err, apperr.StorageUnavailable, "scan chat id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
