// Package redisslot — слот хранения в Redis для веб-профиля клиента
// (агент без локального диска; состояние живёт рядом с orderhub).
package redisslot

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/storefront/internal/storage"
)

type Client struct {
	cli    *redis.Client
	prefix string
}

// New подключается к Redis и проверяет соединение. prefix изолирует ключи
// агента (например "agent:primary:").
func New(ctx context.Context, url, prefix string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisslot parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redisslot ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redisslot ping: %w", err)
	}
	return &Client{cli: cli, prefix: prefix}, nil
}

func (c *Client) Close() error { return c.cli.Close() }

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.cli.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return "", storage.ErrNotFound
	}
	return val, err
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.cli.Set(ctx, c.prefix+key, value, 0).Err()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.cli.Del(ctx, c.prefix+key).Err()
}
