package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pool-markets/internal/model"
)

const (
	// DefaultStream is the stream events are appended to.
	DefaultStream = "markets:events"

	// streamMaxLen is the approximate stream length kept via XADD MAXLEN ~.
	streamMaxLen int64 = 10000
)

// RedisStream appends events to a Redis stream so downstream indexers can
// consume them in order.
type RedisStream struct {
	rdb    *redis.Client
	stream string
}

// NewRedisStream creates a sink writing to stream, or DefaultStream if
// stream is empty.
func NewRedisStream(rdb *redis.Client, stream string) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStream{rdb: rdb, stream: stream}
}

func (s *RedisStream) Publish(ctx context.Context, evs []model.Event) error {
	if len(evs) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, e := range evs {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("events: encode %s: %w", e.ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"market_id": e.MarketID,
				"type":      string(e.Type),
				"payload":   payload,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("events: stream append %s: %w", s.stream, err)
	}
	return nil
}

// Read returns up to count events appended after lastID ("0" reads from the
// start) along with the id of the last entry read.
func (s *RedisStream) Read(ctx context.Context, lastID string, count int64) ([]model.Event, string, error) {
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, lastID},
		Count:   count,
		Block:   -1,
	}).Result()
	if err == redis.Nil {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, fmt.Errorf("events: stream read %s: %w", s.stream, err)
	}

	var out []model.Event
	for _, st := range res {
		for _, msg := range st.Messages {
			lastID = msg.ID
			raw, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var e model.Event
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				continue
			}
			out = append(out, e)
		}
	}
	return out, lastID, nil
}
