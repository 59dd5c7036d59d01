package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"monkchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client wraps the go-redis client. A nil *Client is a disabled cache: reads miss and
// writes are dropped.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss is returned by Get when the key does not exist or the cache is disabled.
var ErrCacheMiss = redis.Nil

// NewRedisClient connects using the redis section of cfg.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{inner: client}, nil
}

// Enabled reports whether calls reach a server.
func (c *Client) Enabled() bool {
	return c != nil && c.inner != nil
}

func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if !c.Enabled() {
		return "", ErrCacheMiss
	}
	return c.inner.Get(ctx, key).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if !c.Enabled() || len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// Incr bumps the counter at key and refreshes its expiry.
func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	var incr *redis.IntCmd
	_, err := c.inner.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Publish sends payload on channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if !c.Enabled() {
		return nil
	}
	return c.inner.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers channel payloads to handler until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func([]byte)) {
	if !c.Enabled() || handler == nil {
		return
	}
	pubsub := c.inner.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return
	}
	go func() {
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
				handler([]byte(msg.Payload))
			}
		}
	}()
}

func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes the underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
