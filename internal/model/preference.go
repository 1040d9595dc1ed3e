package model

// NotificationPreference — локальная настройка «показывать/не показывать» для
// одного вида уведомлений. Не влияет на системное разрешение, только на
// подавление в диспетчере.
type NotificationPreference struct {
	Kind    NotificationKind `json:"kind"`
	Enabled bool             `json:"enabled"`
}

// DefaultPreferences — все виды включены (как в экране настроек исходного приложения).
func DefaultPreferences() []NotificationPreference {
	return []NotificationPreference{
		{Kind: KindOrderStatus, Enabled: true},
		{Kind: KindDelivery, Enabled: true},
		{Kind: KindPromotional, Enabled: true},
		{Kind: KindGeneral, Enabled: true},
	}
}
