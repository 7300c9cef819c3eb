package fabric

import (
	"context"
	"net/http"

	"github.com/emberchat/ember/internal/auth"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Handler upgrades websocket handshakes and hands authenticated sockets to
// the hub.
type Handler struct {
	hub      *Hub
	tokens   *auth.Tokens
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket endpoint. allowedOrigin is the frontend
// origin; empty allows all (dev only).
func NewHandler(hub *Hub, tokens *auth.Tokens, allowedOrigin string) *Handler {
	return &Handler{
		hub:    hub,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// ServeHTTP authenticates the handshake's token parameter against the
// session service, then registers the socket. Auth failure closes the socket
// before any event is routed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	claims, _, err := h.tokens.VerifyAccess(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		log.Warn().Err(err).Msg("websocket handshake rejected")
		c := &Client{conn: conn}
		_ = conn.WriteJSON(Envelope{Event: "auth:error"})
		c.closeWithReason("authentication failed")
		_ = conn.Close()
		return
	}

	client := newClient(conn, claims.UserID, claims.SessionID)

	// The connection outlives the handshake request; pumps run on the
	// background context and stop via socket close on shutdown.
	ctx := context.Background()
	if err := h.hub.register(ctx, client); err != nil {
		log.Error().Err(err).Msg("socket registration failed")
		client.closeWithReason("registration failed")
		_ = conn.Close()
		return
	}

	client.sendEvent(EvConnectionSuccess, map[string]string{
		"socketId": client.socketID,
		"userId":   client.userID.String(),
	})

	go client.writePump()
	go client.readPump(ctx, h.hub)
	go h.hub.catchUp(ctx, client)
}
