// Package push — регистрация устройства у платформенного пуш-провайдера:
// разрешение → токен → синхронизация с бэкендом. Любой сбой здесь деградирует
// доставку (остаются realtime и поллер), но не роняет агента.
package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/model"
)

// State — состояние регистрации в рамках сессии.
type State string

const (
	StateUnregistered        State = "unregistered"
	StatePermissionRequested State = "permission_requested"
	StateGranted             State = "granted"
	StateDenied              State = "denied"
	StateTokenObtained       State = "token_obtained"
	StateBackendSynced       State = "backend_synced"
)

var (
	// ErrPermissionDenied — пользователь отказал. Единственная пуш-ошибка,
	// которую стоит показать (чтобы он мог передумать в настройках).
	ErrPermissionDenied = errors.New("push: permission denied")
	// ErrTokenUnavailable — платформа не выдала токен (эмулятор, нет
	// конфигурации). Ожидаемо и восстановимо.
	ErrTokenUnavailable = errors.New("push: token unavailable")
	// ErrSyncFailed — бэкенд не принял токен и после повтора.
	ErrSyncFailed = errors.New("push: backend sync failed")
	// ErrInvalidState — операция не из того состояния (ObtainToken до Granted).
	ErrInvalidState = errors.New("push: invalid state for operation")
)

// PermissionGate — платформенный запрос разрешения на уведомления.
type PermissionGate interface {
	RequestPermission(ctx context.Context) (granted bool, err error)
}

// TokenSource выдаёт пуш-токен платформы. Пустой токен без ошибки — платформа
// сейчас не может (деградация, не сбой).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// BackendSync — регистрация токена на бэкенде (реализация — api.Client).
type BackendSync interface {
	RegisterPushToken(ctx context.Context, userID, token string) error
}

// Registrar ведёт машину состояний одной сессии и реестр регистраций.
// Не более одной активной регистрации на провайдера: новый токен замещает
// старый, Reset инвалидирует всё.
type Registrar struct {
	gate    PermissionGate
	source  TokenSource
	backend BackendSync

	mu       sync.Mutex
	state    State
	userID   string
	regs     map[model.RegistrationProvider]*model.DeviceRegistration
	inFlight bool
}

func NewRegistrar(gate PermissionGate, source TokenSource, backend BackendSync) *Registrar {
	return &Registrar{
		gate:    gate,
		source:  source,
		backend: backend,
		state:   StateUnregistered,
		regs:    make(map[model.RegistrationProvider]*model.DeviceRegistration),
	}
}

// State — текущее состояние машины.
func (r *Registrar) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Registration — активная регистрация провайдера или nil.
func (r *Registrar) Registration(p model.RegistrationProvider) *model.DeviceRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[p]
	if !ok {
		return nil
	}
	cp := *reg
	return &cp
}

// RecordChannel фиксирует регистрацию realtime-канала: токен сессии, которым
// открыто соединение. Не более одной на провайдера; новый токен замещает старый.
func (r *Registrar) RecordChannel(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[model.ProviderRealtimeChannel] = &model.DeviceRegistration{
		Provider:     model.ProviderRealtimeChannel,
		Token:        token,
		RegisteredAt: time.Now().UTC(),
	}
}

// RequestPermission спрашивает платформу. Одновременно — не больше одного
// запроса; повторный запрос после отказа возвращает прежний Denied, не
// дёргая платформу (её правила).
func (r *Registrar) RequestPermission(ctx context.Context) (bool, error) {
	r.mu.Lock()
	switch {
	case r.state == StateDenied:
		r.mu.Unlock()
		return false, ErrPermissionDenied
	case r.state != StateUnregistered && r.state != StatePermissionRequested:
		// Уже granted и дальше — повторный запрос ничего не меняет.
		r.mu.Unlock()
		return true, nil
	case r.inFlight:
		r.mu.Unlock()
		return false, errors.New("push: permission request already in progress")
	}
	r.inFlight = true
	r.state = StatePermissionRequested
	r.mu.Unlock()

	granted, err := r.gate.RequestPermission(ctx)

	r.mu.Lock()
	r.inFlight = false
	if err != nil {
		r.state = StateUnregistered
		r.mu.Unlock()
		return false, err
	}
	if granted {
		r.state = StateGranted
	} else {
		r.state = StateDenied
	}
	r.mu.Unlock()

	if !granted {
		return false, ErrPermissionDenied
	}
	return true, nil
}

// ObtainToken запрашивает токен у платформы. Допустим только из Granted.
// «Токена нет» — не ошибка: пишем в лог и возвращаем пустую строку, система
// продолжает работать на realtime + поллере.
func (r *Registrar) ObtainToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.state != StateGranted && r.state != StateTokenObtained && r.state != StateBackendSynced {
		r.mu.Unlock()
		return "", ErrInvalidState
	}
	r.mu.Unlock()

	token, err := r.source.Token(ctx)
	if err != nil || token == "" {
		logger.Infof("push: token unavailable (degraded delivery, realtime+poll only): %v", err)
		return "", nil
	}

	r.mu.Lock()
	r.state = StateTokenObtained
	r.regs[model.ProviderPlatformPush] = &model.DeviceRegistration{
		Provider:     model.ProviderPlatformPush,
		Token:        token,
		RegisteredAt: time.Now().UTC(),
	}
	r.mu.Unlock()
	return token, nil
}

// SyncBackend — идемпотентный upsert регистрации. При отказе бэкенда один
// повтор, дальше — нефатальный ErrSyncFailed.
func (r *Registrar) SyncBackend(ctx context.Context, userID, token string) error {
	r.mu.Lock()
	if r.state != StateTokenObtained && r.state != StateBackendSynced {
		r.mu.Unlock()
		return ErrInvalidState
	}
	r.userID = userID
	r.mu.Unlock()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = r.backend.RegisterPushToken(ctx, userID, token); err == nil {
			break
		}
		logger.Errorf("push sync attempt=%d user=%s: %v", attempt+1, userID, err)
	}
	if err != nil {
		return ErrSyncFailed
	}

	r.mu.Lock()
	r.state = StateBackendSynced
	if reg, ok := r.regs[model.ProviderPlatformPush]; ok {
		reg.LastSyncedAt = time.Now().UTC()
	}
	r.mu.Unlock()
	return nil
}

// Register — полный проход машины для фасада: разрешение → токен → бэкенд.
// Возвращает достигнутое состояние; все сбои кроме отказа в разрешении тихие.
func (r *Registrar) Register(ctx context.Context, userID string) (State, error) {
	if _, err := r.RequestPermission(ctx); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return StateDenied, err
		}
		return r.State(), err
	}
	token, err := r.ObtainToken(ctx)
	if err != nil {
		return r.State(), err
	}
	if token == "" {
		return r.State(), nil
	}
	if err := r.SyncBackend(ctx, userID, token); err != nil {
		return r.State(), err
	}
	return StateBackendSynced, nil
}

// Reset инвалидирует все регистрации при смене/уничтожении сессии.
func (r *Registrar) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateUnregistered
	r.regs = make(map[model.RegistrationProvider]*model.DeviceRegistration)
	r.userID = ""
}
