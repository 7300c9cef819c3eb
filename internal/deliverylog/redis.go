package deliverylog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// payloadField is the single stream field carrying the JSON-encoded job.
const payloadField = "job"

// RedisLog implements Log on Redis Streams with one consumer group.
type RedisLog struct {
	rdb    *redis.Client
	stream string
	dead   string
	group  string
}

// NewRedisLog creates the delivery stream's consumer group if it does not
// exist yet and returns the log handle.
func NewRedisLog(ctx context.Context, rdb *redis.Client) (*RedisLog, error) {
	l := &RedisLog{
		rdb:    rdb,
		stream: JobStream,
		dead:   DeadLetterStream,
		group:  ConsumerGroup,
	}

	err := rdb.XGroupCreateMkStream(ctx, l.stream, l.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, err
	}

	return l, nil
}

func (l *RedisLog) Append(ctx context.Context, job Job) (string, error) {
	data, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	return l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]any{payloadField: data},
	}).Result()
}

func (l *RedisLog) ReadNew(ctx context.Context, consumer string, count int, block time.Duration) ([]Entry, error) {
	streams, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.group,
		Consumer: consumer,
		Streams:  []string{l.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		// redis.Nil signals the block timeout elapsed with nothing new.
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			e, ok := l.decodeMessage(m)
			if !ok {
				// Poison entry: acknowledge so it cannot wedge the group.
				_ = l.rdb.XAck(ctx, l.stream, l.group, m.ID).Err()
				continue
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (l *RedisLog) ReadPending(ctx context.Context, minIdle time.Duration, count int) ([]Entry, error) {
	pending, err := l.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: l.stream,
		Group:  l.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, p := range pending {
		msgs, err := l.rdb.XRangeN(ctx, l.stream, p.ID, p.ID, 1).Result()
		if err != nil || len(msgs) == 0 {
			continue
		}
		e, ok := l.decodeMessage(msgs[0])
		if !ok {
			_ = l.rdb.XAck(ctx, l.stream, l.group, p.ID).Err()
			continue
		}
		// The stream payload never changes; the authoritative attempt count
		// is the group's delivery counter for the entry.
		e.Job.Attempts = int(p.RetryCount)
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *RedisLog) Claim(ctx context.Context, id, consumer string, minIdle time.Duration) (Entry, bool, error) {
	msgs, err := l.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   l.stream,
		Group:    l.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: []string{id},
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	// Empty result: the entry was acknowledged, claimed, or not yet idle.
	if len(msgs) == 0 {
		return Entry{}, false, nil
	}
	e, ok := l.decodeMessage(msgs[0])
	if !ok {
		_ = l.rdb.XAck(ctx, l.stream, l.group, id).Err()
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (l *RedisLog) Ack(ctx context.Context, id string) error {
	return l.rdb.XAck(ctx, l.stream, l.group, id).Err()
}

func (l *RedisLog) AppendDeadLetter(ctx context.Context, dl DeadLetter) error {
	data, err := encodeDead(dl)
	if err != nil {
		return err
	}
	return l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.dead,
		Values: map[string]any{payloadField: data},
	}).Err()
}

func (l *RedisLog) Len(ctx context.Context) (int64, error) {
	return l.rdb.XLen(ctx, l.stream).Result()
}

func (l *RedisLog) Pending(ctx context.Context) (PendingSummary, error) {
	p, err := l.rdb.XPending(ctx, l.stream, l.group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PendingSummary{Consumers: map[string]int64{}}, nil
		}
		return PendingSummary{}, err
	}
	return PendingSummary{Count: p.Count, Consumers: p.Consumers}, nil
}

func (l *RedisLog) decodeMessage(m redis.XMessage) (Entry, bool) {
	raw, ok := m.Values[payloadField].(string)
	if !ok {
		log.Warn().Str("entry_id", m.ID).Msg("delivery log entry missing payload field")
		return Entry{}, false
	}
	job, err := decodeJob([]byte(raw))
	if err != nil {
		log.Warn().Err(err).Str("entry_id", m.ID).Msg("undecodable delivery log entry")
		return Entry{}, false
	}
	return Entry{ID: m.ID, Job: job}, true
}
