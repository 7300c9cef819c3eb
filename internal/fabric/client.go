package fabric

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a socket may go without answering a ping.
	pongWait = 60 * time.Second
	// pingPeriod is the ping interval; must be under pongWait.
	pingPeriod = 25 * time.Second
	// maxFrameSize caps inbound frames at 1 MiB.
	maxFrameSize = 1 << 20
	// sendBuffer is the per-client egress queue depth.
	sendBuffer = 256
)

// Client is one authenticated websocket connection.
type Client struct {
	socketID  string
	userID    uuid.UUID
	sessionID uuid.UUID
	conn      *websocket.Conn
	send      chan []byte
	rooms     map[string]bool // guarded by the hub's mutex

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, userID, sessionID uuid.UUID) *Client {
	return &Client{
		socketID:  uuid.New().String(),
		userID:    userID,
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		rooms:     make(map[string]bool),
	}
}

// enqueue queues an egress frame. Returns false when the buffer is full,
// which the hub treats as a dead client.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendEvent marshals and queues a single egress event for this client only.
func (c *Client) sendEvent(event string, payload any) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal client event")
		return
	}
	if c.enqueue(data) {
		wsEventsSent.WithLabelValues(event).Inc()
	}
}

// sendError surfaces a failure as a <domain>:error event; errors are never a
// silent drop.
func (c *Client) sendError(domain, code, message string) {
	c.sendEvent(domain+":error", ErrorPayload{Code: code, Message: message})
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// closeWithReason writes a close frame before tearing the socket down.
func (c *Client) closeWithReason(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
}

// readPump pumps ingress frames from the socket into the hub's router.
func (c *Client) readPump(ctx context.Context, h *Hub) {
	defer func() {
		h.unregister(ctx, c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("socket_id", c.socketID).Msg("websocket read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("protocol", "invalid_frame", "frames must be {event, data} JSON")
			continue
		}
		h.route(ctx, c, env)
	}
}

// writePump pumps egress frames from the send queue to the socket and keeps
// the ping/pong heartbeat alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
