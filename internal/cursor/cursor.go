package cursor

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cursor is a position in a message history page.
// Format: base64("<created_at_unix_micros>|<message_uuid>")
// Microsecond precision matches the database timestamp so a boundary never
// truncates past a neighboring message; the id component breaks ties between
// messages sharing a timestamp so pagination stays deterministic.
type Cursor struct {
	Ts time.Time // creation timestamp of the boundary message
	ID uuid.UUID // boundary message id
}

// Encode creates a base64-encoded cursor string.
// Returns empty string for the zero-value cursor.
func Encode(c Cursor) string {
	if c.Ts.IsZero() && c.ID == uuid.Nil {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.Ts.UnixMicro(), c.ID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor string.
// Returns the zero-value cursor and false if invalid or empty.
func Decode(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}

	parts := strings.Split(string(b), "|")
	if len(parts) != 2 {
		return Cursor{}, false
	}

	us, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		return Cursor{}, false
	}

	return Cursor{Ts: time.UnixMicro(us).UTC(), ID: id}, true
}
