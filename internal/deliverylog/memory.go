package deliverylog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process Log with the same pending/claim semantics as the
// Redis implementation. Workers and services run against it in tests without
// a network.
type MemoryLog struct {
	mu      sync.Mutex
	seq     int64
	entries []memEntry
	pending map[string]*pendingEntry
	acked   map[string]bool
	dead    []DeadLetter

	// now is swappable so tests can advance the pending clock.
	now func() time.Time
}

type memEntry struct {
	id  string
	job Job
}

type pendingEntry struct {
	consumer  string
	lastRead  time.Time
	delivered int
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		pending: make(map[string]*pendingEntry),
		acked:   make(map[string]bool),
		now:     time.Now,
	}
}

// SetClock replaces the pending-age clock. Test helper.
func (l *MemoryLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLog) Append(_ context.Context, job Job) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := fmt.Sprintf("%d-0", l.seq)
	l.entries = append(l.entries, memEntry{id: id, job: job})
	return id, nil
}

func (l *MemoryLog) ReadNew(ctx context.Context, consumer string, count int, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		l.mu.Lock()
		var out []Entry
		for _, e := range l.entries {
			if len(out) >= count {
				break
			}
			if l.acked[e.id] {
				continue
			}
			if _, seen := l.pending[e.id]; seen {
				continue
			}
			l.pending[e.id] = &pendingEntry{consumer: consumer, lastRead: l.now(), delivered: 1}
			out = append(out, Entry{ID: e.id, Job: e.job})
		}
		l.mu.Unlock()

		if len(out) > 0 || block <= 0 || time.Now().After(deadline) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (l *MemoryLog) ReadPending(_ context.Context, minIdle time.Duration, count int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for id, p := range l.pending {
		if l.now().Sub(p.lastRead) >= minIdle {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > count {
		ids = ids[:count]
	}

	var out []Entry
	for _, id := range ids {
		if e, ok := l.find(id); ok {
			e.Job.Attempts = l.pending[id].delivered
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *MemoryLog) Claim(_ context.Context, id, consumer string, minIdle time.Duration) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[id]
	if !ok || l.now().Sub(p.lastRead) < minIdle {
		return Entry{}, false, nil
	}
	p.consumer = consumer
	p.lastRead = l.now()
	p.delivered++

	e, ok := l.find(id)
	if !ok {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (l *MemoryLog) Ack(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
	l.acked[id] = true
	return nil
}

func (l *MemoryLog) AppendDeadLetter(_ context.Context, dl DeadLetter) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead = append(l.dead, dl)
	return nil
}

func (l *MemoryLog) Len(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.entries)), nil
}

func (l *MemoryLog) Pending(_ context.Context) (PendingSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := PendingSummary{Consumers: make(map[string]int64)}
	for _, p := range l.pending {
		s.Count++
		s.Consumers[p.consumer]++
	}
	return s, nil
}

// DeadLetters returns a copy of the dead-letter sink. Test helper.
func (l *MemoryLog) DeadLetters() []DeadLetter {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DeadLetter, len(l.dead))
	copy(out, l.dead)
	return out
}

// find must be called with the lock held.
func (l *MemoryLog) find(id string) (Entry, bool) {
	for _, e := range l.entries {
		if e.id == id {
			return Entry{ID: e.id, Job: e.job}, true
		}
	}
	return Entry{}, false
}
