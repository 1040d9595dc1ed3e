// Package session — персистентная сессия покупателя поверх реплицированного
// хранилища. Раскладка ключей повторяет мобильный клиент: user / userToken /
// lastLoginTime, каждая с зеркальной копией backup_*.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/model"
	"github.com/storefront/internal/storage"
)

const (
	keyUser          = "user"
	keyToken         = "userToken"
	keyLastLoginTime = "lastLoginTime"
	keyPreferences   = "notificationPreferences"
)

// ErrWriteFailed — ни один слот не принял запись. Сессия остаётся в памяти
// (деградированный режим), но перезапуск процесса её потеряет.
var ErrWriteFailed = errors.New("session: storage write failed, running in-memory only")

// userBlob — сериализованная часть сессии без токена (токен лежит отдельным ключом).
type userBlob struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// Store кеширует сессию в памяти и является единственной точкой записи в слоты:
// login, обновление профиля, logout и самовосстановление идут только через него.
type Store struct {
	mu       sync.Mutex
	kv       *storage.Replicated
	cached   *model.Session
	degraded bool
}

func NewStore(kv *storage.Replicated) *Store {
	return &Store{kv: kv}
}

// Write сохраняет сессию в оба слота и ставит отметку lastLoginTime.
// При полном отказе хранилища сессия остаётся в кеше и возвращается ErrWriteFailed.
func (s *Store) Write(ctx context.Context, sess *model.Session) error {
	defer logger.DeferLogDuration("session.Write", time.Now())()
	if sess == nil || sess.UserID == "" {
		return errors.New("session: empty session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = sess

	blob, err := json.Marshal(userBlob{
		UserID:      sess.UserID,
		DisplayName: sess.DisplayName,
		VerifiedAt:  sess.VerifiedAt,
	})
	if err != nil {
		return fmt.Errorf("session marshal: %w", err)
	}

	failed := 0
	if err := s.kv.Write(ctx, keyUser, string(blob)); err != nil {
		failed++
	}
	if err := s.kv.Write(ctx, keyToken, sess.Token); err != nil {
		failed++
	}
	if err := s.kv.Write(ctx, keyLastLoginTime, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		logger.Errorf("session: lastLoginTime write: %v", err)
	}
	if failed > 0 {
		s.degraded = true
		return ErrWriteFailed
	}
	s.degraded = false
	return nil
}

// Read возвращает сессию из кеша или из хранилища. Повреждение обеих копий —
// это отсутствие сессии, не ошибка: ключи стираются, возвращается (nil, nil).
func (s *Store) Read(ctx context.Context) (*model.Session, error) {
	defer logger.DeferLogDuration("session.Read", time.Now())()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}

	raw, err := s.kv.Read(ctx, keyUser)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session read: %w", err)
	}

	var blob userBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil || blob.UserID == "" {
		// Содержимое нечитаемо в обеих копиях (Replicated уже выбрал лучшую) —
		// чистим и живём дальше без сессии.
		logger.Errorf("session: damaged user blob, clearing both slots")
		s.clearLocked(ctx)
		return nil, nil
	}

	token, err := s.kv.Read(ctx, keyToken)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("session read token: %w", err)
	}

	sess := &model.Session{
		UserID:      blob.UserID,
		DisplayName: blob.DisplayName,
		Token:       token,
		VerifiedAt:  blob.VerifiedAt,
	}
	s.cached = sess
	return sess, nil
}

// Clear стирает обе копии и кеш. Идемпотентно; вызывается на logout и при
// неустранимом повреждении.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(ctx)
}

func (s *Store) clearLocked(ctx context.Context) {
	s.cached = nil
	s.degraded = false
	for _, key := range []string{keyUser, keyToken, keyLastLoginTime} {
		if err := s.kv.Delete(ctx, key); err != nil {
			logger.Errorf("session clear %s: %v", key, err)
		}
	}
}

// Degraded — true после отказа записи: сессия живёт только в памяти.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}
