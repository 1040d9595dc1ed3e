// Package file — слот хранения на диске: один файл на ключ внутри каталога.
// Аналог AsyncStorage мобильного клиента. Запись атомарна (rename поверх).
package file

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/storefront/internal/storage"
)

type Client struct {
	dir string
}

// New создаёт каталог слота, если его нет.
func New(dir string) (*Client, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Client{dir: dir}, nil
}

func (c *Client) Close() error { return nil }

// path кодирует ключ в безопасное имя файла (ключи вида "user", "userToken").
func (c *Client) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		}
		return '_'
	}, key)
	return filepath.Join(c.dir, safe+".json")
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	return string(data), nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	p := c.path(key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	err := os.Remove(c.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
