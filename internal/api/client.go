// Package api — HTTP-клиент бэкенда магазина. Схема эндпоинтов не наша:
// клиент только потребляет verify, список заказов, регистрацию пуш-токена
// и тестовое уведомление.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/storefront/internal/model"
)

var (
	// ErrUnavailable — сеть или 5xx: временная недоступность, повтор уместен.
	ErrUnavailable = errors.New("api: backend unavailable")
	// ErrRejected — 4xx: бэкенд отверг запрос, повторять бессмысленно.
	ErrRejected = errors.New("api: request rejected")
)

// Client — клиент REST API. При пустом baseURL все методы — no-op
// (как push.Client в отключённом режиме).
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetToken задаёт Bearer-токен для последующих запросов (после login/restore).
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) authHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.baseURL == "" {
		return nil
	}
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t := c.authHeader(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("api decode %s: %w", path, err)
		}
	}
	return nil
}

// VerifyToken проверяет токен на бэкенде и возвращает владельца.
func (c *Client) VerifyToken(ctx context.Context, token string) (userID, displayName string, err error) {
	if c.baseURL == "" {
		return "", "", nil
	}
	c.SetToken(token)
	var resp struct {
		Success bool `json:"success"`
		User    struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/verify", nil, &resp); err != nil {
		return "", "", err
	}
	if !resp.Success {
		return "", "", fmt.Errorf("%w: token not accepted", ErrRejected)
	}
	return resp.User.ID, resp.User.Name, nil
}

// ListOrders возвращает заказы пользователя (для поллера статусов).
func (c *Client) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	if c.baseURL == "" {
		return nil, nil
	}
	var orders []model.Order
	if err := c.do(ctx, http.MethodGet, "/api/orders/user/"+userID, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// RegisterPushToken — идемпотентный upsert регистрации устройства на бэкенде.
func (c *Client) RegisterPushToken(ctx context.Context, userID, token string) error {
	body := map[string]string{
		"user_id":  userID,
		"token":    token,
		"platform": "webpush",
	}
	return c.do(ctx, http.MethodPost, "/api/users/register-push-token", body, nil)
}

// SendTestNotification просит бэкенд прислать тестовый пуш этому пользователю.
func (c *Client) SendTestNotification(ctx context.Context, userID, title, message string) error {
	body := map[string]string{
		"user_id": userID,
		"title":   title,
		"message": message,
	}
	return c.do(ctx, http.MethodPost, "/api/users/test-notification", body, nil)
}
