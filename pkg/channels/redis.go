package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StreamClient is the subset of the Redis client used by RedisChannel.
// redis.UniversalClient satisfies it.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisConfig configures a RedisChannel.
type RedisConfig struct {
	Client      StreamClient
	Stream      string
	Group       string
	Consumer    string
	ReplyStream string
	Block       time.Duration
	Logger      *zerolog.Logger
}

// RedisChannel consumes task envelopes from a Redis Stream consumer group
// (field "data") and publishes replies to a second stream.
type RedisChannel struct {
	client      StreamClient
	stream      string
	group       string
	consumer    string
	replyStream string
	block       time.Duration
	logger      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisChannel creates a Redis Streams channel.
func NewRedisChannel(cfg RedisConfig) (*RedisChannel, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "ranya:tasks"
	}
	if cfg.Group == "" {
		cfg.Group = "ranya"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = uuid.NewString()
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	return &RedisChannel{
		client:      cfg.Client,
		stream:      cfg.Stream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		replyStream: cfg.ReplyStream,
		block:       cfg.Block,
		logger:      base.With().Str("component", "channel").Str("channel", "redis").Logger(),
	}, nil
}

// Name returns channel name.
func (c *RedisChannel) Name() string {
	return "redis"
}

// Start ensures the consumer group exists and starts the read loop.
func (c *RedisChannel) Start(ctx context.Context, dispatch DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	if err := c.ensureGroup(ctx); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(loopCtx, dispatch)
	}()

	c.logger.Info().
		Str("stream", c.stream).
		Str("group", c.group).
		Str("consumer", c.consumer).
		Msg("Redis channel started")
	return nil
}

// Stop cancels the read loop and waits for it to exit.
func (c *RedisChannel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *RedisChannel) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (c *RedisChannel) readLoop(ctx context.Context, dispatch DispatchFunc) {
	for ctx.Err() == nil {
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    10,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			c.logger.Error().Err(err).Msg("Failed to read stream")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.handle(ctx, dispatch, msg)
			}
		}
	}
}

// handle dispatches one stream entry. Malformed entries are acked and
// dropped; entries that fail to dispatch stay pending for redelivery.
func (c *RedisChannel) handle(ctx context.Context, dispatch DispatchFunc, msg redis.XMessage) {
	raw, _ := msg.Values["data"].(string)
	env, err := ParseEnvelope([]byte(raw))
	if err != nil {
		c.logger.Warn().Err(err).Str("entry_id", msg.ID).Msg("Dropping malformed stream entry")
		c.ack(ctx, msg.ID)
		return
	}
	if env.TaskID == "" {
		env.TaskID = msg.ID
	}
	if env.Session == "" {
		env.Session = "redis:" + c.stream
	}

	receipt, err := dispatch(ctx, env.Message(c.Name()))
	if err != nil {
		c.logger.Warn().Err(err).Str("entry_id", msg.ID).Msg("Failed to dispatch stream entry")
		return
	}
	c.ack(ctx, msg.ID)
	c.logger.Debug().Str("entry_id", msg.ID).Str("task_id", receipt.TaskID).Msg("Stream entry submitted")
}

func (c *RedisChannel) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		c.logger.Error().Err(err).Str("entry_id", id).Msg("Failed to ack stream entry")
	}
}

// Deliver publishes the reply to the reply stream, if one is configured.
func (c *RedisChannel) Deliver(ctx context.Context, reply Reply) error {
	if c.replyStream == "" {
		return nil
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.replyStream,
		ID:     "*",
		Values: map[string]interface{}{
			"task_id": reply.TaskID,
			"data":    string(data),
		},
	}).Err()
}
