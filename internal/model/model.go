package model

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Presence states. "away" is client-declared; "online" and "offline" are
// derived from live sockets by the connection fabric.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// ConversationKind distinguishes two-party chats from groups.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// MaxGroupParticipants caps active membership of a group conversation.
const MaxGroupParticipants = 300

// Role of a participant within a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// MessageKind classifies message content.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageSystem MessageKind = "system"
)

// MaxMessageLength bounds message bodies.
const MaxMessageLength = 10000

// DeletedPlaceholder replaces the body of soft-deleted messages in reads.
const DeletedPlaceholder = "This message was deleted"

// DeliveryStatus is the per-recipient delivery state. Transitions are
// monotonic under sent < delivered < read and never regress.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

// Rank orders delivery statuses for monotonicity checks.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliverySent:
		return 0
	case DeliveryDelivered:
		return 1
	case DeliveryRead:
		return 2
	}
	return -1
}

type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Presence    Presence  `json:"presence"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ContactEntry is one row of a user's contact list with the contact's
// current profile joined in.
type ContactEntry struct {
	User
	AddedAt time.Time `json:"addedAt"`
}

type Conversation struct {
	ID            uuid.UUID        `json:"id"`
	Kind          ConversationKind `json:"kind"`
	Name          string           `json:"name,omitempty"` // required for groups
	Slug          string           `json:"slug,omitempty"` // unique when set
	OwnerID       *uuid.UUID       `json:"ownerId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	LastMessageAt *time.Time       `json:"lastMessageAt,omitempty"`
	Deleted       bool             `json:"deleted,omitempty"`
}

type Participant struct {
	ConversationID uuid.UUID  `json:"conversationId"`
	UserID         uuid.UUID  `json:"userId"`
	Role           Role       `json:"role"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LeftAt         *time.Time `json:"leftAt,omitempty"` // nil means active
	LastReadID     *uuid.UUID `json:"lastReadMessageId,omitempty"`
	UnreadCount    int        `json:"unreadCount"`
}

// Active reports whether the participant is currently in the conversation.
func (p *Participant) Active() bool { return p.LeftAt == nil }

// Metadata is a map of opaque JSON values attached to a message. The store
// never interprets it.
type Metadata map[string]json.RawMessage

type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversationId"`
	SenderID       *uuid.UUID  `json:"senderId,omitempty"` // nil after account deletion
	Body           string      `json:"body"`
	Kind           MessageKind `json:"kind"`
	Metadata       Metadata    `json:"metadata,omitempty"`
	ReplyToID      *uuid.UUID  `json:"replyToId,omitempty"`
	Edited         bool        `json:"edited,omitempty"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	Deleted        bool        `json:"deleted,omitempty"`
	DeletedAt      *time.Time  `json:"deletedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

type EditHistoryEntry struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"messageId"`
	PriorBody string    `json:"priorBody"`
	PriorMeta Metadata  `json:"priorMetadata,omitempty"`
	EditedAt  time.Time `json:"editedAt"`
}

type Reaction struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"messageId"`
	UserID    uuid.UUID `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

type DeliveryRecord struct {
	MessageID   uuid.UUID      `json:"messageId"`
	RecipientID uuid.UUID      `json:"recipientId"`
	Status      DeliveryStatus `json:"status"`
	DeliveredAt *time.Time     `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time     `json:"readAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

type Session struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"userId"`
	Device       string    `json:"device"`
	SocketID     string    `json:"socketId,omitempty"` // rewritten on each reconnect
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Active       bool      `json:"active"`
}

// LoggedIn reports whether the session authorizes requests right now.
func (s *Session) LoggedIn(now time.Time) bool {
	return s.Active && s.ExpiresAt.After(now)
}

// ConversationSummary is a chat-list row: the conversation joined with the
// viewer's unread count and a digest of the last message.
type ConversationSummary struct {
	Conversation
	UnreadCount int        `json:"unreadCount"`
	LastMessage *Message   `json:"lastMessage,omitempty"`
	PeerID      *uuid.UUID `json:"peerId,omitempty"` // other party, direct only
}

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,50}$`)

// ValidUsername reports whether s satisfies the username shape.
func ValidUsername(s string) bool { return usernameRe.MatchString(s) }

// ValidEmoji bounds reaction emoji length.
func ValidEmoji(s string) bool { return s != "" && len([]rune(s)) <= 10 }
