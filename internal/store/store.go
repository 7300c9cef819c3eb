// Package store is the single owner of relational state. Every write to
// Postgres goes through this package; the compound operations (message
// creation, delivery transitions) are transactional so that higher layers get
// exactly-once observable effect on top of at-least-once delivery.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/db"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the Postgres-backed store. Writes go to the primary pool; read-heavy
// queries prefer the replica when its lag is within bounds.
type PG struct {
	pools         *db.Pools
	replicaMaxLag time.Duration
}

// New creates a store over the given pools.
func New(pools *db.Pools, replicaMaxLag time.Duration) *PG {
	return &PG{pools: pools, replicaMaxLag: replicaMaxLag}
}

// NewSinglePool creates a store over one pool with no replica. Test helper.
func NewSinglePool(pool *pgxpool.Pool) *PG {
	return &PG{pools: &db.Pools{Primary: pool}, replicaMaxLag: time.Second}
}

func (s *PG) write() *pgxpool.Pool { return s.pools.Primary }

func (s *PG) read(ctx context.Context) *pgxpool.Pool {
	return s.pools.Reader(ctx, s.replicaMaxLag)
}

// inTx runs fn inside a transaction on the primary, rolling back on error.
func (s *PG) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.write().Begin(ctx)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageUnavailable, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(err, apperr.StorageUnavailable, "commit transaction")
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation reports whether err is a Postgres FK-constraint error.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// CreateUser inserts a user row. Username shape is validated before hitting
// the check constraint so callers get a typed error.
func (s *PG) CreateUser(ctx context.Context, username, displayName string) (*model.User, error) {
	if !model.ValidUsername(username) {
		return nil, apperr.Newf(apperr.InvalidInput, "invalid username %q", username)
	}

	u := &model.User{Username: username, DisplayName: displayName, Presence: model.PresenceOffline}
	err := s.write().QueryRow(ctx, `
		INSERT INTO app_user (username, display_name)
		VALUES ($1, $2)
		RETURNING id, last_seen_at, created_at
	`, username, displayName).Scan(&u.ID, &u.LastSeenAt, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Newf(apperr.ConflictUniqueViolation, "username %q is taken", username)
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "insert user")
	}
	return u, nil
}

// GetUser loads a user by id.
func (s *PG) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u := &model.User{}
	err := s.read(ctx).QueryRow(ctx, `
		SELECT id, username, display_name, avatar_url, presence, last_seen_at, created_at
		FROM app_user WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.Presence, &u.LastSeenAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "user not found")
		}
		return nil, apperr.Wrap(err, apperr.StorageUnavailable, "get user")
	}
	return u, nil
}

// UpdatePresence sets a user's presence attribute.
func (s *PG) UpdatePresence(ctx context.Context, userID uuid.UUID, p model.Presence) error {
	tag, err := s.write().Exec(ctx,
		`UPDATE app_user SET presence = $2 WHERE id = $1`, userID, p)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageUnavailable, "update presence")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}

// TouchLastSeen advances the user's last-seen timestamp. Monotonic: an older
// heartbeat never moves it backwards.
func (s *PG) TouchLastSeen(ctx context.Context, userID uuid.UUID) error {
	_, err := s.write().Exec(ctx,
		`UPDATE app_user SET last_seen_at = GREATEST(last_seen_at, now()) WHERE id = $1`, userID)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageUnavailable, "touch last seen")
	}
	return nil
}
