package auth

import (
	"context"
	"errors"
	"time"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionValidator checks that a session still authorizes requests.
// Satisfied by the session service.
type SessionValidator interface {
	Validate(ctx context.Context, id uuid.UUID) (*model.Session, error)
}

// Tokens mints and verifies the two credential families: short-lived access
// tokens and long-lived refresh tokens, signed with distinct HS256 secrets.
// A verified token is only as good as its session: verification also checks
// that the session row is still active and unexpired.
type Tokens struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	sessions      SessionValidator
}

// Claims carried by both token families.
type Claims struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
}

// New creates the token authority.
func New(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration, sessions SessionValidator) *Tokens {
	return &Tokens{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		sessions:      sessions,
	}
}

// MintAccess issues a 15-minute access token bound to a session.
func (t *Tokens) MintAccess(userID, sessionID uuid.UUID) (string, error) {
	return t.mint(userID, sessionID, t.accessSecret, t.accessTTL)
}

// MintRefresh issues a 7-day refresh token bound to a session.
func (t *Tokens) MintRefresh(userID, sessionID uuid.UUID) (string, error) {
	return t.mint(userID, sessionID, t.refreshSecret, t.refreshTTL)
}

func (t *Tokens) mint(userID, sessionID uuid.UUID, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"sid": sessionID.String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyAccess validates an access token and its backing session.
func (t *Tokens) VerifyAccess(ctx context.Context, tok string) (*Claims, *model.Session, error) {
	return t.verify(ctx, tok, t.accessSecret)
}

// VerifyRefresh validates a refresh token and its backing session.
func (t *Tokens) VerifyRefresh(ctx context.Context, tok string) (*Claims, *model.Session, error) {
	return t.verify(ctx, tok, t.refreshSecret)
}

func (t *Tokens) verify(ctx context.Context, tok string, secret []byte) (*Claims, *model.Session, error) {
	if tok == "" {
		return nil, nil, apperr.New(apperr.AuthRequired, "missing token")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(tk *jwt.Token) (any, error) {
		// Verify signing method
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, nil, apperr.New(apperr.AuthExpired, "token expired")
		}
		return nil, nil, apperr.Wrap(err, apperr.AuthInvalid, "token validation failed")
	}
	if !parsed.Valid {
		return nil, nil, apperr.New(apperr.AuthInvalid, "invalid token")
	}

	c, err := parseClaims(claims)
	if err != nil {
		return nil, nil, err
	}

	sess, err := t.sessions.Validate(ctx, c.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.UserID != c.UserID {
		return nil, nil, apperr.New(apperr.AuthInvalid, "session does not belong to subject")
	}
	return c, sess, nil
}

func parseClaims(m jwt.MapClaims) (*Claims, error) {
	sub, _ := m["sub"].(string)
	sid, _ := m["sid"].(string)

	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, apperr.New(apperr.AuthInvalid, "malformed subject claim")
	}
	sessionID, err := uuid.Parse(sid)
	if err != nil {
		return nil, apperr.New(apperr.AuthInvalid, "malformed session claim")
	}
	return &Claims{UserID: userID, SessionID: sessionID}, nil
}
