package fabric

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// presenceKey holds per-user live socket counts across all nodes.
const presenceKey = "presence:conns"

// PresenceTracker counts live sockets per user cluster-wide. A user is
// online iff their count is positive on any node.
type PresenceTracker interface {
	// Connected records a new socket. Returns true when it is the user's
	// first live socket anywhere.
	Connected(ctx context.Context, userID uuid.UUID) (bool, error)
	// Disconnected records a closed socket. Returns true when no live socket
	// remains anywhere.
	Disconnected(ctx context.Context, userID uuid.UUID) (bool, error)
	// IsOnline reports whether the user has at least one live socket.
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// RedisPresence tracks socket counts in a Redis hash shared by all nodes.
type RedisPresence struct {
	rdb *redis.Client
}

// NewRedisPresence creates the tracker over the command client.
func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func (p *RedisPresence) Connected(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := p.rdb.HIncrBy(ctx, presenceKey, userID.String(), 1).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *RedisPresence) Disconnected(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := p.rdb.HIncrBy(ctx, presenceKey, userID.String(), -1).Result()
	if err != nil {
		return false, err
	}
	if n <= 0 {
		// Remove the field so the hash does not accumulate offline users.
		_ = p.rdb.HDel(ctx, presenceKey, userID.String()).Err()
		return true, nil
	}
	return false, nil
}

func (p *RedisPresence) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := p.rdb.HGet(ctx, presenceKey, userID.String()).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryPresence is a single-process tracker for tests.
type MemoryPresence struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int
}

// NewMemoryPresence creates an empty tracker.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{counts: make(map[uuid.UUID]int)}
}

func (p *MemoryPresence) Connected(_ context.Context, userID uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[userID]++
	return p.counts[userID] == 1, nil
}

func (p *MemoryPresence) Disconnected(_ context.Context, userID uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[userID]--
	if p.counts[userID] <= 0 {
		delete(p.counts, userID)
		return true, nil
	}
	return false, nil
}

func (p *MemoryPresence) IsOnline(_ context.Context, userID uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[userID] > 0, nil
}
