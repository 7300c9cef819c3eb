// Package session manages per-device login sessions. A session is the unit
// of revocation: logout invalidates one, forced logout invalidates all for a
// user, and token checks reject as soon as the row is inactive or expired.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service is the Postgres-backed session service.
type Service struct {
	db *pgxpool.Pool
}

// New creates a session service over the primary pool. Sessions are
// write-heavy (touch on activity) so they never route to a replica.
func New(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

const sessionColumns = `
	id, user_id, device, COALESCE(socket_id, ''), created_at, last_activity, expires_at, active`

func scanSession(row pgx.Row) (*model.Session, error) {
	s := &model.Session{}
	err := row.Scan(&s.ID, &s.UserID, &s.Device, &s.SocketID,
		&s.CreatedAt, &s.LastActivity, &s.ExpiresAt, &s.Active)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create opens a session for a device login.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, device string, ttl time.Duration) (*model.Session, error) {
	if ttl <= 0 {
		return nil, apperr.New(apperr.InvalidInput, "session ttl must be positive")
	}
	sess, err := scanSession(s.db.QueryRow(ctx, `
		INSERT INTO session (user_id, device, expires_at)
		VALUES ($1, $2, now() + $3)
		RETURNING `+sessionColumns,
		userID, device, ttl))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "create session")
	}
	return sess, nil
}

// Get loads a session by id regardless of state.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM session WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "session not found")
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "get session")
	}
	return sess, nil
}

// Validate checks that the session authorizes requests right now. Returns
// AuthExpired for an expired-but-active session and AuthInvalid for a revoked
// or unknown one.
func (s *Service) Validate(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, apperr.New(apperr.AuthInvalid, "unknown session")
		}
		return nil, err
	}
	if !sess.Active {
		return nil, apperr.New(apperr.AuthInvalid, "session revoked")
	}
	if !sess.ExpiresAt.After(time.Now()) {
		return nil, apperr.New(apperr.AuthExpired, "session expired")
	}
	return sess, nil
}

// Touch advances the session's last-activity timestamp.
func (s *Service) Touch(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE session SET last_activity = now() WHERE id = $1 AND active`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageUnavailable, "touch session")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "active session not found")
	}
	return nil
}

// UpdateSocketID rewrites the session's current socket binding. Called on
// every reconnect; an empty id clears the binding.
func (s *Service) UpdateSocketID(ctx context.Context, id uuid.UUID, socketID string) error {
	var sock *string
	if socketID != "" {
		sock = &socketID
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE session SET socket_id = $2 WHERE id = $1 AND active`, id, sock)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageUnavailable, "update socket id")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "active session not found")
	}
	return nil
}

// Invalidate revokes one session (logout).
func (s *Service) Invalidate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE session SET active = false, socket_id = NULL WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageUnavailable, "invalidate session")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "session not found")
	}
	return nil
}

// InvalidateAll revokes every session of a user (forced logout everywhere).
func (s *Service) InvalidateAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE session SET active = false, socket_id = NULL WHERE user_id = $1 AND active`, userID)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.StorageUnavailable, "invalidate all sessions")
	}
	return tag.RowsAffected(), nil
}

// ActiveSessionsFor lists the user's live sessions, newest first.
func (s *Service) ActiveSessionsFor(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM session
		WHERE user_id = $1 AND active AND expires_at > now()
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "list sessions")
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.StorageUnavailable, "scan session")
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}
