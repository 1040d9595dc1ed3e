package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/storefront/internal/logger"
)

// ErrAllSlotsFailed — ни один слот не принял запись. Вызывающий код переходит
// в режим «только память» (сессия не переживёт перезапуск, но агент работает).
var ErrAllSlotsFailed = errors.New("storage: no slot accepted the write")

// envelope — версионированная обёртка значения в слоте. По written_at чтение
// выбирает свежую копию и не даёт отставшему backup затереть новую запись.
type envelope struct {
	WrittenAt time.Time `json:"written_at"`
	Payload   string    `json:"payload"`
}

// Replicated пишет каждое значение во все слоты и чинит их при чтении.
// Слот с индексом 0 — primary, остальные — backup (порядок чтения тот же).
type Replicated struct {
	mu    sync.Mutex
	slots []Slot
	now   func() time.Time
}

// NewReplicated требует хотя бы один слот; обычный состав — file("primary") + file("backup").
func NewReplicated(slots ...Slot) (*Replicated, error) {
	if len(slots) == 0 {
		return nil, errors.New("storage: at least one slot required")
	}
	return &Replicated{slots: slots, now: time.Now}, nil
}

// Write сохраняет значение во все слоты с единым written_at.
// Успех — если запись приняло хотя бы одно хранилище.
func (r *Replicated) Write(ctx context.Context, key, value string) error {
	defer logger.DeferLogDuration("storage.Write", time.Now())()
	raw, err := json.Marshal(envelope{WrittenAt: r.now().UTC(), Payload: value})
	if err != nil {
		return fmt.Errorf("storage write %s: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ok := 0
	for i, s := range r.slots {
		if err := s.Set(ctx, key, string(raw)); err != nil {
			logger.Errorf("storage write %s slot=%d: %v", key, i, err)
			continue
		}
		ok++
	}
	if ok == 0 {
		return ErrAllSlotsFailed
	}
	return nil
}

// Read возвращает свежую валидную копию значения и чинит остальные слоты.
// Повреждённые данные трактуются как отсутствие: если валидной копии нет,
// но хоть в одном слоте лежал мусор, ключ стирается везде и возвращается
// ErrNotFound — чтение никогда не падает из-за мусора в хранилище.
func (r *Replicated) Read(ctx context.Context, key string) (string, error) {
	defer logger.DeferLogDuration("storage.Read", time.Now())()
	r.mu.Lock()
	defer r.mu.Unlock()

	type slotState struct {
		raw     string
		env     envelope
		present bool
		valid   bool
	}
	states := make([]slotState, len(r.slots))
	newest := -1
	for i, s := range r.slots {
		raw, err := s.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logger.Errorf("storage read %s slot=%d: %v", key, i, err)
			}
			continue
		}
		states[i].present = true
		states[i].raw = raw
		if err := json.Unmarshal([]byte(raw), &states[i].env); err != nil || states[i].env.WrittenAt.IsZero() {
			logger.Errorf("storage read %s slot=%d: damaged payload, will heal", key, i)
			continue
		}
		states[i].valid = true
		if newest == -1 || states[i].env.WrittenAt.After(states[newest].env.WrittenAt) {
			newest = i
		}
	}

	if newest == -1 {
		anyPresent := false
		for i := range states {
			if states[i].present {
				anyPresent = true
				break
			}
		}
		if anyPresent {
			// Мусор во всех слотах — стираем, чтобы следующее чтение было чистым.
			for i, s := range r.slots {
				if err := s.Delete(ctx, key); err != nil {
					logger.Errorf("storage purge %s slot=%d: %v", key, i, err)
				}
			}
		}
		return "", ErrNotFound
	}

	// Самовосстановление: доливаем свежую копию в отсутствующие, битые и
	// отставшие слоты. Сравнение по written_at — старый backup не продвигается
	// поверх более новой записи.
	for i, s := range r.slots {
		if i == newest {
			continue
		}
		if states[i].valid && !states[i].env.WrittenAt.Before(states[newest].env.WrittenAt) {
			continue
		}
		if err := s.Set(ctx, key, states[newest].raw); err != nil {
			logger.Errorf("storage heal %s slot=%d: %v", key, i, err)
		}
	}
	return states[newest].env.Payload, nil
}

// Delete стирает ключ во всех слотах. Идемпотентно.
func (r *Replicated) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for i, s := range r.slots {
		if err := s.Delete(ctx, key); err != nil {
			logger.Errorf("storage delete %s slot=%d: %v", key, i, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close закрывает все слоты.
func (r *Replicated) Close() error {
	var firstErr error
	for _, s := range r.slots {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
