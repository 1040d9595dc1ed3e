package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// NotificationKind — закрытый набор видов уведомлений. Замена строковых
// type-полей исходной системы: обработчики матчатся по константам, не по строкам.
type NotificationKind string

const (
	KindOrderStatus NotificationKind = "order_status"
	KindDelivery    NotificationKind = "delivery"
	KindPromotional NotificationKind = "promotional"
	KindGeneral     NotificationKind = "general"
)

// Valid проверяет, что вид входит в закрытый набор.
func (k NotificationKind) Valid() bool {
	switch k {
	case KindOrderStatus, KindDelivery, KindPromotional, KindGeneral:
		return true
	}
	return false
}

// SourceChannel — канал доставки, породивший событие.
type SourceChannel string

const (
	SourceRealtime SourceChannel = "realtime"
	SourcePush     SourceChannel = "push"
	SourcePoller   SourceChannel = "poller"
	SourceLocal    SourceChannel = "local" // типизированные send*-обёртки фасада
)

// NotificationEvent — единица работы диспетчера. Живёт только на пути
// источник → диспетчер → планировщик; наружу не сериализуется.
type NotificationEvent struct {
	Source    SourceChannel
	Kind      NotificationKind
	Title     string
	Body      string
	OrderID   string
	Status    OrderStatus
	Data      map[string]string
	CreatedAt time.Time
}

// DedupKey — идентичность «того же самого» уведомления, пришедшего вторым
// каналом. Для заказов это (orderId, status); для promotional/general — хеш
// содержимого, т.к. у них нет естественного ключа.
func (e *NotificationEvent) DedupKey() string {
	switch e.Kind {
	case KindOrderStatus, KindDelivery:
		return string(e.Kind) + ":" + e.OrderID + ":" + string(e.Status)
	default:
		h := sha256.Sum256([]byte(string(e.Kind) + "\x00" + e.Title + "\x00" + e.Body))
		return string(e.Kind) + ":" + hex.EncodeToString(h[:16])
	}
}
