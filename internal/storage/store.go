// Package storage — реплицированное key-value хранилище локального состояния
// клиента (сессия, настройки уведомлений). Значения дублируются в несколько
// слотов; чтение само чинит отставший или повреждённый слот по свежей копии.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound — ключ отсутствует в слоте. Не является ошибкой ввода-вывода.
var ErrNotFound = errors.New("storage: key not found")

// Slot — один физический бэкенд хранения. Реализации: file.Client (диск),
// memory.Client (тесты и деградация), redisslot.Client (веб-профиль клиента).
type Slot interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
