package store

import (
	"context"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
)

// AddContact records contactID in userID's contact list. One-directional:
// the other user does not gain a contact entry.
func (s *PG) AddContact(ctx context.Context, userID, contactID uuid.UUID) error {
	if userID == contactID {
		return apperr.New(apperr.InvalidInput, "cannot add yourself as a contact")
	}
	_, err := s.write().Exec(ctx, `
		INSERT INTO contact (user_id, contact_id) VALUES ($1, $2)
	`, userID, contactID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.ConflictUniqueViolation, "already a contact")
		}
		if isForeignKeyViolation(err) {
			return apperr.New(apperr.NotFound, "user not found")
		}
		return apperr.Wrap(err, apperr.StorageUnavailable, "insert contact")
	}
	return nil
}

// RemoveContact drops contactID from userID's list. Removing an absent
// contact is NotFound so clients can tell a stale list from success.
func (s *PG) RemoveContact(ctx context.Context, userID, contactID uuid.UUID) error {
	tag, err := s.write().Exec(ctx,
		`DELETE FROM contact WHERE user_id = $1 AND contact_id = $2`, userID, contactID)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageUnavailable, "delete contact")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "contact not found")
	}
	return nil
}

// ListContacts returns the user's contacts with current profile and presence,
// ordered by display name.
func (s *PG) ListContacts(ctx context.Context, userID uuid.UUID) ([]model.ContactEntry, error) {
	rows, err := s.read(ctx).Query(ctx, `
		SELECT u.id, u.username, u.display_name, u.avatar_url, u.presence,
		       u.last_seen_at, u.created_at, c.created_at
		FROM contact c
		JOIN app_user u ON u.id = c.contact_id
		WHERE c.user_id = $1
		ORDER BY u.display_name, u.username
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "list contacts")
	}
	defer rows.Close()

	var out []model.ContactEntry
	for rows.Next() {
		var e model.ContactEntry
		err := rows.Scan(&e.ID, &e.Username, &e.DisplayName, &e.AvatarURL,
			&e.Presence, &e.LastSeenAt, &e.CreatedAt, &e.AddedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.StorageUnavailable, "scan contact")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
