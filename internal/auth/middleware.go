package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const (
	ctxUserID    ctxKey = "uid"
	ctxSessionID ctxKey = "sid"
)

// Middleware creates HTTP middleware enforcing Bearer access tokens. On
// success the user and session ids land in the request context.
func Middleware(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tok = strings.TrimPrefix(h, "Bearer ")
			}
			if tok == "" {
				writeAuthError(w, apperr.New(apperr.AuthRequired, "missing bearer token"))
				return
			}

			claims, _, err := tokens.VerifyAccess(r.Context(), tok)
			if err != nil {
				log.Warn().Err(err).Msg("access token rejected")
				writeAuthError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(
				WithIdentity(r.Context(), claims.UserID, claims.SessionID)))
		})
	}
}

// writeAuthError responds with the same {error, code} JSON shape the API
// handlers use, so clients parse one error format everywhere.
func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": "unauthorized",
		"code":  string(apperr.KindOf(err)),
	})
}

// WithIdentity returns a context carrying an authenticated identity, exactly
// as Middleware installs it. Handler tests use it to skip the token dance.
func WithIdentity(ctx context.Context, userID, sessionID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	return context.WithValue(ctx, ctxSessionID, sessionID)
}

// UserID extracts the authenticated user id from request context.
// Returns uuid.Nil if not authenticated (should never happen after middleware).
func UserID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ctxUserID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// SessionID extracts the authenticated session id from request context.
func SessionID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ctxSessionID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
