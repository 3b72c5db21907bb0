package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Handler processes the payload of one delivered work item. Returning an
// error puts the item back on its channel for another attempt.
type Handler func(ctx context.Context, payload []byte) error

const (
	defaultMaxAttempts = 3
	popTimeout         = time.Second
	popErrorBackoff    = time.Second
)

// Consumer delivers work items from registered channels to their handlers
// using a bounded pool of workers. Each item is handed to exactly one active
// handler invocation at a time; re-delivery happens only after that
// invocation fails.
type Consumer struct {
	q           *Redis
	handlers    map[string]Handler
	channels    []string
	concurrency int
	maxAttempts int
}

// NewConsumer creates a consumer running at most concurrency handlers in
// parallel across all channels.
func NewConsumer(q *Redis, concurrency int) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Consumer{
		q:           q,
		handlers:    make(map[string]Handler),
		concurrency: concurrency,
		maxAttempts: defaultMaxAttempts,
	}
}

// Handle registers the handler for a channel. Must be called before Run.
func (c *Consumer) Handle(channel string, h Handler) {
	c.handlers[channel] = h
	c.channels = append(c.channels, channel)
}

// Run blocks consuming items until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.channels) == 0 {
		return errors.New("no handlers registered")
	}
	keys := make([]string, 0, len(c.channels))
	for _, ch := range c.channels {
		keys = append(keys, channelKey(ch))
	}
	log.Info().Int("concurrency", c.concurrency).Strs("channels", c.channels).Msg("starting queue consumer")

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < c.concurrency; i++ {
		workerID := i + 1
		eg.Go(func() error { return c.runLoop(egCtx, workerID, keys) })
	}
	return eg.Wait() //nolint:wrapcheck
}

func (c *Consumer) runLoop(ctx context.Context, workerID int, keys []string) error {
	for {
		if ctx.Err() != nil {
			log.Info().Int("worker_id", workerID).Msg("worker loop stopped")
			return nil
		}
		res, err := c.q.rdb.BRPop(ctx, popTimeout, keys...).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Int("worker_id", workerID).Msg("worker loop stopped")
				return nil
			}
			log.Warn().Int("worker_id", workerID).Err(err).Msg("queue pop failed")
			time.Sleep(popErrorBackoff)
			continue
		}
		// res[0] is the list key, res[1] the envelope
		c.dispatch(ctx, workerID, res[1])
	}
}

func (c *Consumer) dispatch(ctx context.Context, workerID int, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Warn().Int("worker_id", workerID).Err(err).Msg("dropping undecodable queue envelope")
		return
	}
	h, ok := c.handlers[env.Channel]
	if !ok {
		log.Warn().Int("worker_id", workerID).Str("channel", env.Channel).Str("item_id", env.ID).Msg("no handler registered for channel")
		return
	}

	err := c.invoke(ctx, h, env)
	if err == nil {
		return
	}
	log.Warn().
		Int("worker_id", workerID).
		Str("channel", env.Channel).
		Str("item_id", env.ID).
		Int("attempt", env.Attempt).
		Err(err).
		Msg("work item failed")
	c.requeue(ctx, env)
}

// invoke runs the handler with a panic safety net so one bad item cannot
// take the worker down.
func (c *Consumer) invoke(ctx context.Context, h Handler, env envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env.Payload)
}

func (c *Consumer) requeue(ctx context.Context, env envelope) {
	if env.Attempt >= c.maxAttempts {
		log.Error().Str("channel", env.Channel).Str("item_id", env.ID).Int("attempts", env.Attempt).Msg("attempt budget spent, parking item on dead-letter list")
		if err := c.q.park(ctx, env); err != nil {
			log.Error().Str("item_id", env.ID).Err(err).Msg("parking work item failed")
		}
		return
	}
	env.Attempt++
	if err := c.q.push(ctx, env); err != nil {
		log.Error().Str("item_id", env.ID).Err(err).Msg("requeue failed, item lost until re-delivered upstream")
	}
}
