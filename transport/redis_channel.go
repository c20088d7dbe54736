package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "tunnel-rpc:session:"
	redisBlock      = 1 * time.Second
	redisPollBatch  = 64
	redisSessionTTL = 10 * time.Minute
)

// Side selects which end of a Redis session a channel represents.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

// RedisChannel is a point-to-point binding over two Redis lists per session:
//
//	{prefix}{session}:c2s   client LPUSH, server BRPOP
//	{prefix}{session}:s2c   server LPUSH, client BRPOP
//
// Lists keep frames while the peer is not polling, and BRPOP with a short block lets the
// poll observe shutdown promptly.
type RedisChannel struct {
	client *redis.Client
	inbox  string
	outbox string
}

// NewRedisChannel binds session on the given side. Close closes client.
func NewRedisChannel(client *redis.Client, session string, side Side) *RedisChannel {
	c2s := redisKeyPrefix + session + ":c2s"
	s2c := redisKeyPrefix + session + ":s2c"
	if side == ClientSide {
		return &RedisChannel{client: client, inbox: s2c, outbox: c2s}
	}
	return &RedisChannel{client: client, inbox: c2s, outbox: s2c}
}

func (c *RedisChannel) Send(ctx context.Context, frame []byte) error {
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, c.outbox, frame)
	pipe.Expire(ctx, c.outbox, redisSessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyDialError(c.client.Options().Addr, err)
	}
	return nil
}

// Poll blocks up to one second for the first frame, then takes whatever else is queued.
func (c *RedisChannel) Poll(ctx context.Context) (io.ReadCloser, error) {
	result, err := c.client.BRPop(ctx, redisBlock, c.inbox).Result()
	if errors.Is(err, redis.Nil) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if err != nil {
		return nil, classifyDialError(c.client.Options().Addr, err)
	}

	var buf bytes.Buffer
	if len(result) >= 2 {
		buf.WriteString(result[1])
	}
	more, err := c.client.RPopCount(ctx, c.inbox, redisPollBatch).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		// The first frame is already popped; deliver it and pick the rest up next poll.
		return io.NopCloser(&buf), nil
	}
	for _, f := range more {
		buf.WriteString(f)
	}
	return io.NopCloser(&buf), nil
}

func (c *RedisChannel) Close() error {
	return c.client.Close()
}
