package model

import "time"

// RegistrationProvider — канал доставки, для которого регистрируется устройство.
type RegistrationProvider string

const (
	ProviderRealtimeChannel RegistrationProvider = "realtime-channel"
	ProviderPlatformPush    RegistrationProvider = "platform-push"
)

// DeviceRegistration — активная регистрация устройства у провайдера.
// Не более одной на провайдера в рамках сессии; новый токен замещает старый.
type DeviceRegistration struct {
	Provider     RegistrationProvider `json:"provider"`
	Token        string               `json:"token"`
	RegisteredAt time.Time            `json:"registered_at"`
	LastSyncedAt time.Time            `json:"last_synced_at"`
}
