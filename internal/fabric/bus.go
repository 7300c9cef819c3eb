package fabric

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// busChannel carries every room emit across the cluster. Each node delivers
// to its local members of the room; subscription state is per-node and
// re-established by go-redis on reconnect.
const busChannel = "fabric:rooms"

// busFrame is the cross-node representation of one room emit. Origin lets a
// node skip frames it published itself (it already delivered locally).
type busFrame struct {
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Origin string          `json:"origin"`
	Except string          `json:"except,omitempty"` // user id excluded from delivery
}

// Bus is the cross-node broadcast substrate. Best-effort during partitions,
// no durability: correctness comes from the store plus the delivery log, not
// from the bus.
type Bus interface {
	// Publish fans a room emit out to all nodes.
	Publish(ctx context.Context, frame busFrame) error
	// Subscribe delivers remote frames to handler until ctx is done.
	Subscribe(ctx context.Context, handler func(busFrame))
}

// RedisBus implements Bus on Redis pub/sub with split publisher/subscriber
// clients.
type RedisBus struct {
	pub *redis.Client
	sub *redis.Client
}

// NewRedisBus creates the bus over the publisher and subscriber clients.
func NewRedisBus(pub, sub *redis.Client) *RedisBus {
	return &RedisBus{pub: pub, sub: sub}
}

func (b *RedisBus) Publish(ctx context.Context, frame busFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return b.pub.Publish(ctx, busChannel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func(busFrame)) {
	pubsub := b.sub.Subscribe(ctx, busChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame busFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				log.Warn().Err(err).Msg("undecodable bus frame")
				continue
			}
			handler(frame)
		}
	}
}

// MemoryBus is a single-process Bus for tests: publishes loop straight back
// to every subscriber.
type MemoryBus struct {
	mu       sync.Mutex
	handlers []func(busFrame)
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Publish(_ context.Context, frame busFrame) error {
	b.mu.Lock()
	handlers := make([]func(busFrame), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()
	for _, h := range handlers {
		h(frame)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler func(busFrame)) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	<-ctx.Done()
}
