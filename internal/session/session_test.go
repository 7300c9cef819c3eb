package session

// Integration tests; need TEST_DATABASE_URL pointing at a database with
// db/schema.sql applied.

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var userSeq int

func newTestService(t *testing.T) (*Service, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `TRUNCATE session, app_user CASCADE`)
		pool.Close()
	})
	return New(pool), pool
}

func mkUser(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	userSeq++
	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		INSERT INTO app_user (username, display_name)
		VALUES ($1, 'Test User') RETURNING id`,
		fmt.Sprintf("sess_user_%d", userSeq)).Scan(&id)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

func TestSessionLifecycle(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()
	userID := mkUser(t, pool)

	sess, err := svc.Create(ctx, userID, "iphone-15", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !sess.Active || sess.UserID != userID {
		t.Errorf("session = %+v", sess)
	}

	if _, err := svc.Validate(ctx, sess.ID); err != nil {
		t.Fatalf("Validate fresh session: %v", err)
	}

	if err := svc.UpdateSocketID(ctx, sess.ID, "sock-1"); err != nil {
		t.Fatalf("UpdateSocketID: %v", err)
	}
	got, err := svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SocketID != "sock-1" {
		t.Errorf("socket id = %q, want sock-1", got.SocketID)
	}

	if err := svc.Invalidate(ctx, sess.ID); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := svc.Validate(ctx, sess.ID); !apperr.Is(err, apperr.AuthInvalid) {
		t.Errorf("revoked validate err = %v, want AuthInvalid", err)
	}
}

func TestValidateExpiredSession(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()
	userID := mkUser(t, pool)

	sess, err := svc.Create(ctx, userID, "laptop", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := svc.Validate(ctx, sess.ID); !apperr.Is(err, apperr.AuthExpired) {
		t.Errorf("expired validate err = %v, want AuthExpired", err)
	}
}

func TestValidateUnknownSession(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Validate(context.Background(), uuid.New()); !apperr.Is(err, apperr.AuthInvalid) {
		t.Errorf("unknown validate err = %v, want AuthInvalid", err)
	}
}

func TestInvalidateAll(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()
	userID := mkUser(t, pool)

	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, userID, fmt.Sprintf("device-%d", i), time.Hour); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	active, err := svc.ActiveSessionsFor(ctx, userID)
	if err != nil {
		t.Fatalf("ActiveSessionsFor: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("active = %d, want 3", len(active))
	}

	n, err := svc.InvalidateAll(ctx, userID)
	if err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if n != 3 {
		t.Errorf("invalidated = %d, want 3", n)
	}

	active, err = svc.ActiveSessionsFor(ctx, userID)
	if err != nil {
		t.Fatalf("ActiveSessionsFor: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active after forced logout = %d, want 0", len(active))
	}
}
