package db

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisClients is the logical client trio. Publisher and subscriber are kept
// separate from the general command client because a blocking subscribe
// monopolizes its connection.
type RedisClients struct {
	Command    *redis.Client
	Publisher  *redis.Client
	Subscriber *redis.Client
}

// OpenRedis connects the three clients against the same endpoint and verifies
// connectivity on the command client.
func OpenRedis(ctx context.Context, url string) (*RedisClients, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	c := &RedisClients{
		Command:    redis.NewClient(opts),
		Publisher:  redis.NewClient(opts),
		Subscriber: redis.NewClient(opts),
	}

	if err := c.Command.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, err
	}

	log.Info().Str("addr", opts.Addr).Msg("redis clients connected")
	return c, nil
}

// Close closes all three clients.
func (c *RedisClients) Close() {
	_ = c.Command.Close()
	_ = c.Publisher.Close()
	_ = c.Subscriber.Close()
}
