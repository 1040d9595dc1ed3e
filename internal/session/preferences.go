package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/model"
	"github.com/storefront/internal/storage"
)

// LoadPreferences читает настройки уведомлений. Отсутствие или мусор —
// все виды включены (поведение экрана настроек исходного приложения).
func (s *Store) LoadPreferences(ctx context.Context) []model.NotificationPreference {
	raw, err := s.kv.Read(ctx, keyPreferences)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Errorf("session preferences read: %v", err)
		}
		return model.DefaultPreferences()
	}
	var prefs []model.NotificationPreference
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil || len(prefs) == 0 {
		logger.Errorf("session preferences: damaged blob, using defaults")
		return model.DefaultPreferences()
	}
	// Неизвестные виды отбрасываем, недостающие доливаем включёнными.
	byKind := make(map[model.NotificationKind]bool, len(prefs))
	for _, p := range prefs {
		if p.Kind.Valid() {
			byKind[p.Kind] = p.Enabled
		}
	}
	out := model.DefaultPreferences()
	for i := range out {
		if enabled, ok := byKind[out[i].Kind]; ok {
			out[i].Enabled = enabled
		}
	}
	return out
}

// SavePreferences сохраняет настройки в оба слота.
func (s *Store) SavePreferences(ctx context.Context, prefs []model.NotificationPreference) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	return s.kv.Write(ctx, keyPreferences, string(raw))
}
