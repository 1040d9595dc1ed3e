package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/model"
)

var errOrderNotFound = errors.New("orderhub: order not found")

const ordersMigration = `
CREATE TABLE IF NOT EXISTS orders (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    status      TEXT NOT NULL,
    total       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at DESC);
`

// orderRepo — заказы dev-стенда в Postgres.
type orderRepo struct {
	pool *pgxpool.Pool
}

func newOrderRepo(pool *pgxpool.Pool) *orderRepo {
	return &orderRepo{pool: pool}
}

func (r *orderRepo) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, ordersMigration)
	return err
}

func (r *orderRepo) Create(ctx context.Context, o *model.Order) error {
	defer logger.DeferLogDuration("orders.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, status, total, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.UserID, o.Status, o.Total, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("orderRepo.Create: %w", err)
	}
	return nil
}

func (r *orderRepo) ListByUser(ctx context.Context, userID string) ([]model.Order, error) {
	defer logger.DeferLogDuration("orders.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, status, total, created_at, updated_at
		 FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("orderRepo.ListByUser: %w", err)
	}
	defer rows.Close()
	var list []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &o.Total, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// UpdateStatus меняет статус и возвращает обновлённый заказ (для рассылки).
func (r *orderRepo) UpdateStatus(ctx context.Context, orderID string, status model.OrderStatus) (*model.Order, error) {
	defer logger.DeferLogDuration("orders.UpdateStatus", time.Now())()
	o := &model.Order{}
	row := r.pool.QueryRow(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2
		 RETURNING id, user_id, status, total, created_at, updated_at`,
		status, orderID)
	err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errOrderNotFound
		}
		return nil, fmt.Errorf("orderRepo.UpdateStatus: %w", err)
	}
	return o, nil
}

// subStore — реестр пуш-подписок: токен регистрации на пользователя.
// Реализации: Redis (обычный запуск) и память (-dev без Redis).
type subStore interface {
	Save(ctx context.Context, userID, token string) error
	List(ctx context.Context, userID string) ([]string, error)
	Close() error
}

const (
	subKeyPrefix   = "push:subs:"
	subTTL         = 30 * 24 * time.Hour
	maxSubsPerUser = 10
)

type redisSubStore struct {
	cli *redis.Client
}

func (s *redisSubStore) Save(ctx context.Context, userID, token string) error {
	key := subKeyPrefix + userID
	if err := s.cli.SAdd(ctx, key, token).Err(); err != nil {
		return err
	}
	// Ограничиваем рост: лишние подписки выбрасываются произвольно.
	if n, err := s.cli.SCard(ctx, key).Result(); err == nil && n > maxSubsPerUser {
		s.cli.SPop(ctx, key)
	}
	return s.cli.Expire(ctx, key, subTTL).Err()
}

func (s *redisSubStore) List(ctx context.Context, userID string) ([]string, error) {
	return s.cli.SMembers(ctx, subKeyPrefix+userID).Result()
}

func (s *redisSubStore) Close() error { return s.cli.Close() }

type memorySubStore struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

func newMemorySubStore() *memorySubStore {
	return &memorySubStore{subs: make(map[string]map[string]struct{})}
}

func (s *memorySubStore) Save(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[userID]; !ok {
		s.subs[userID] = make(map[string]struct{})
	}
	s.subs[userID][token] = struct{}{}
	return nil
}

func (s *memorySubStore) List(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subs[userID]))
	for t := range s.subs[userID] {
		out = append(out, t)
	}
	return out, nil
}

func (s *memorySubStore) Close() error { return nil }
