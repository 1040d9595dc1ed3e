// Package memory — слот хранения в памяти. Используется в тестах и как
// деградированный режим, когда ни один дисковый слот не принимает запись.
package memory

import (
	"context"
	"sync"

	"github.com/storefront/internal/storage"
)

type Client struct {
	mu   sync.RWMutex
	data map[string]string
}

func New() *Client {
	return &Client{data: make(map[string]string)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
