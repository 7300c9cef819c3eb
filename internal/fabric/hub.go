package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_connections",
		Help: "Current number of active websocket connections on this node.",
	})
	wsEventsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_events_sent_total",
		Help: "Egress events written to local sockets.",
	}, []string{"event"})
	wsEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_events_dropped_total",
		Help: "Egress events dropped because a client send buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(wsConnections, wsEventsSent, wsEventsDropped)
}

// Store is the slice of the data layer the fabric needs.
type Store interface {
	GetUserChatIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	UpdatePresence(ctx context.Context, userID uuid.UUID, p model.Presence) error
	TouchLastSeen(ctx context.Context, userID uuid.UUID) error
	UndeliveredMessages(ctx context.Context, recipientID uuid.UUID, limit int) ([]*model.Message, error)
	TransitionDelivery(ctx context.Context, msgID, recipientID uuid.UUID, target model.DeliveryStatus) (bool, error)
}

// Sessions is the slice of the session service the fabric needs.
type Sessions interface {
	UpdateSocketID(ctx context.Context, sessionID uuid.UUID, socketID string) error
}

// Hub routes events between local sockets, the cross-node bus, and the
// message service. Room membership lives on this node; the bus extends every
// emit to the rest of the cluster.
type Hub struct {
	nodeID   string
	bus      Bus
	presence PresenceTracker
	store    Store
	sessions Sessions
	messages MessageService // set after construction; breaks the ctor cycle

	mu      sync.RWMutex
	rooms   map[string]map[*Client]bool
	clients map[*Client]bool

	typing *typingSet
}

// NewHub creates a hub. Call SetMessageService before Run.
func NewHub(nodeID string, bus Bus, presence PresenceTracker, store Store, sessions Sessions) *Hub {
	return &Hub{
		nodeID:   nodeID,
		bus:      bus,
		presence: presence,
		store:    store,
		sessions: sessions,
		rooms:    make(map[string]map[*Client]bool),
		clients:  make(map[*Client]bool),
		typing:   newTypingSet(),
	}
}

// SetMessageService injects the ingress target. The hub needs the service to
// handle sends and the service needs the hub to broadcast, so one side is
// wired late.
func (h *Hub) SetMessageService(m MessageService) { h.messages = m }

// Run subscribes to the bus and sweeps expired typing indicators until ctx is
// done.
func (h *Hub) Run(ctx context.Context) {
	go h.bus.Subscribe(ctx, func(frame busFrame) {
		if frame.Origin == h.nodeID {
			return // already delivered locally at publish time
		}
		data, err := marshalEnvelope(frame.Event, frame.Data)
		if err != nil {
			return
		}
		h.deliverLocal(frame.Room, frame.Event, data, frame.Except)
	})

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, k := range h.typing.expired() {
				h.emitTyping(ctx, EvTypingStopped, k.userID, k.convID)
			}
		}
	}
}

// Emit sends an event to every socket in the room across the cluster.
func (h *Hub) Emit(ctx context.Context, room, event string, payload any) {
	h.emit(ctx, room, event, payload, "")
}

// emit is Emit with an optional excluded user (typing events skip their
// author).
func (h *Hub) emit(ctx context.Context, room, event string, payload any, except string) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal egress event")
		return
	}
	h.deliverLocal(room, event, data, except)

	raw, err := marshalPayload(payload)
	if err != nil {
		return
	}
	frame := busFrame{Room: room, Event: event, Data: raw, Origin: h.nodeID, Except: except}
	if err := h.bus.Publish(ctx, frame); err != nil {
		log.Warn().Err(err).Str("room", room).Msg("bus publish failed")
	}
}

// EmitToUser sends an event to all of a user's sockets on any node.
func (h *Hub) EmitToUser(ctx context.Context, userID uuid.UUID, event string, payload any) {
	h.Emit(ctx, UserRoom(userID), event, payload)
}

// EmitToConv sends an event to every participant socket joined to the
// conversation room.
func (h *Hub) EmitToConv(ctx context.Context, convID uuid.UUID, event string, payload any) {
	h.Emit(ctx, ConvRoom(convID), event, payload)
}

// PushToUser is the narrow surface the delivery worker uses. The worker
// knows nothing about sockets.
func (h *Hub) PushToUser(ctx context.Context, userID uuid.UUID, event string, payload any) error {
	h.EmitToUser(ctx, userID, event, payload)
	return nil
}

// IsOnline reports whether the user has a live socket anywhere in the
// cluster.
func (h *Hub) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	return h.presence.IsOnline(ctx, userID)
}

func (h *Hub) deliverLocal(room, event string, data []byte, except string) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if except != "" && c.userID.String() == except {
			continue
		}
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if c.enqueue(data) {
			wsEventsSent.WithLabelValues(event).Inc()
		} else {
			wsEventsDropped.Inc()
			h.unregister(context.Background(), c)
		}
	}
}

// register joins the client to its rooms and settles presence. Called once
// the handshake has been authenticated.
func (h *Hub) register(ctx context.Context, c *Client) error {
	chatIDs, err := h.store.GetUserChatIDs(ctx, c.userID)
	if err != nil {
		return err
	}

	rooms := make([]string, 0, len(chatIDs)+1)
	rooms = append(rooms, UserRoom(c.userID))
	for _, id := range chatIDs {
		rooms = append(rooms, ConvRoom(id))
	}

	h.mu.Lock()
	h.clients[c] = true
	for _, room := range rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]bool)
		}
		h.rooms[room][c] = true
		c.rooms[room] = true
	}
	h.mu.Unlock()
	wsConnections.Inc()

	if err := h.sessions.UpdateSocketID(ctx, c.sessionID, c.socketID); err != nil {
		log.Warn().Err(err).Str("socket_id", c.socketID).Msg("bind socket to session")
	}

	first, err := h.presence.Connected(ctx, c.userID)
	if err != nil {
		log.Warn().Err(err).Msg("presence connect")
	} else if first {
		if err := h.store.UpdatePresence(ctx, c.userID, model.PresenceOnline); err != nil {
			log.Warn().Err(err).Msg("persist online presence")
		}
		h.broadcastStatus(ctx, c.userID, chatIDs, model.PresenceOnline)
	}

	log.Info().
		Str("socket_id", c.socketID).
		Str("user_id", c.userID.String()).
		Int("rooms", len(rooms)).
		Msg("socket registered")
	return nil
}

// unregister detaches the client and settles presence. Safe to call twice.
func (h *Hub) unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	wsConnections.Dec()
	c.close()

	if err := h.sessions.UpdateSocketID(ctx, c.sessionID, ""); err != nil {
		log.Debug().Err(err).Msg("clear socket binding")
	}

	last, err := h.presence.Disconnected(ctx, c.userID)
	if err != nil {
		log.Warn().Err(err).Msg("presence disconnect")
		return
	}
	if last {
		if err := h.store.UpdatePresence(ctx, c.userID, model.PresenceOffline); err != nil {
			log.Warn().Err(err).Msg("persist offline presence")
		}
		chatIDs, err := h.store.GetUserChatIDs(ctx, c.userID)
		if err == nil {
			h.broadcastStatus(ctx, c.userID, chatIDs, model.PresenceOffline)
		}
	}

	log.Info().
		Str("socket_id", c.socketID).
		Str("user_id", c.userID.String()).
		Msg("socket unregistered")
}

func (h *Hub) broadcastStatus(ctx context.Context, userID uuid.UUID, chatIDs []uuid.UUID, p model.Presence) {
	payload := StatusPayload{UserID: userID, Presence: string(p)}
	for _, id := range chatIDs {
		h.EmitToConv(ctx, id, EvUserStatus, payload)
	}
}

// catchUp pushes messages still undelivered to this user and marks them
// delivered. Runs on every fresh connection so an offline window never loses
// pushes permanently.
func (h *Hub) catchUp(ctx context.Context, c *Client) {
	msgs, err := h.store.UndeliveredMessages(ctx, c.userID, 500)
	if err != nil {
		log.Warn().Err(err).Msg("load undelivered messages")
		return
	}
	for _, m := range msgs {
		data, err := marshalEnvelope(EvMessageNew, m)
		if err != nil {
			continue
		}
		if !c.enqueue(data) {
			return
		}
		if _, err := h.store.TransitionDelivery(ctx, m.ID, c.userID, model.DeliveryDelivered); err != nil {
			log.Warn().Err(err).Str("message_id", m.ID.String()).Msg("catch-up delivery transition")
		}
	}
	if len(msgs) > 0 {
		log.Info().Int("count", len(msgs)).Str("user_id", c.userID.String()).Msg("catch-up complete")
	}
}

// JoinConversation adds all of a user's local sockets to a conversation room.
// Called when the user is added to a conversation after connecting.
func (h *Hub) JoinConversation(userID, convID uuid.UUID) {
	room := ConvRoom(convID)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[UserRoom(userID)] {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]bool)
		}
		h.rooms[room][c] = true
		c.rooms[room] = true
	}
}

// LocalConnections returns the number of sockets on this node. Test and
// health-detail helper.
func (h *Hub) LocalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every local socket with a going-away frame.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeWithReason("server shutting down")
		h.unregister(ctx, c)
	}
	log.Info().Int("closed", len(clients)).Msg("fabric shut down")
}

func (h *Hub) emitTyping(ctx context.Context, event string, userID, convID uuid.UUID) {
	payload := TypingEventPayload{ConvID: convID, UserID: userID}
	h.emit(ctx, ConvRoom(convID), event, payload, userID.String())
}
