// Package queue provides the durable work queue used to hand work items
// between the api and worker processes. Items travel as JSON envelopes on
// Redis lists, one list per channel, with at-least-once delivery: a handler
// failure puts the item back on its channel until the attempt budget is
// spent, then parks it on a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/google/uuid"
)

// Enqueuer is the producer side of the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, channel string, payload any) error
}

type envelope struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

const (
	keyPrefix   = "docbatch"
	dialTimeout = 5 * time.Second
)

// Redis is the Redis-list backed queue shared by producers and consumers.
type Redis struct {
	rdb *goredis.Client
}

// NewRedis connects to Redis at addr and verifies the connection.
func NewRedis(addr string) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func channelKey(channel string) string { return keyPrefix + ":" + channel }

func deadKey(channel string) string { return channelKey(channel) + ":dead" }

// Enqueue pushes one work item onto the named channel.
func (q *Redis) Enqueue(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return q.push(ctx, envelope{
		ID:      uuid.NewString(),
		Channel: channel,
		Attempt: 1,
		Payload: raw,
	})
}

func (q *Redis) push(ctx context.Context, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, channelKey(env.Channel), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", env.Channel, err)
	}
	return nil
}

func (q *Redis) park(ctx context.Context, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, deadKey(env.Channel), raw).Err(); err != nil {
		return fmt.Errorf("park %s: %w", env.Channel, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (q *Redis) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}

var _ Enqueuer = (*Redis)(nil)
