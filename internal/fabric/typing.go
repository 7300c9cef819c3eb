package fabric

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// typingTTL is how long a typing indicator lives without a refresh.
const typingTTL = 3 * time.Second

type typingKey struct {
	userID uuid.UUID
	convID uuid.UUID
}

// typingSet is the in-memory typing indicator state. Entries auto-expire
// after typingTTL; stop events clear them early. Guarded by a short-held
// mutex, the only non-database mutable state in the process besides metrics.
type typingSet struct {
	mu      sync.Mutex
	entries map[typingKey]time.Time
	now     func() time.Time
}

func newTypingSet() *typingSet {
	return &typingSet{entries: make(map[typingKey]time.Time), now: time.Now}
}

// start records typing activity. Returns true when this is a fresh indicator
// (callers broadcast only on the transition, not on every keystroke refresh).
func (t *typingSet) start(userID, convID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := typingKey{userID: userID, convID: convID}
	_, active := t.entries[k]
	if active && t.now().After(t.entries[k]) {
		active = false
	}
	t.entries[k] = t.now().Add(typingTTL)
	return !active
}

// stop clears the indicator. Returns true when one was actually active.
func (t *typingSet) stop(userID, convID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := typingKey{userID: userID, convID: convID}
	deadline, ok := t.entries[k]
	delete(t.entries, k)
	return ok && t.now().Before(deadline)
}

// expired drains entries past their deadline, returning them so the hub can
// broadcast the implicit stops.
func (t *typingSet) expired() []typingKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []typingKey
	now := t.now()
	for k, deadline := range t.entries {
		if now.After(deadline) {
			delete(t.entries, k)
			out = append(out, k)
		}
	}
	return out
}
